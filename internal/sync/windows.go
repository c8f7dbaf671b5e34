package sync

import (
	"fmt"
	"sync"

	"github.com/n0call/rfmp/internal/rfmp"
)

// DefaultWindowSeconds is the default window span W from §4.7.
const DefaultWindowSeconds = 600

// RotatingWindows holds the three Bloom-filter windows that together
// cover the last 3×W seconds, per §4.7's rotation invariant.
type RotatingWindows struct {
	mu       sync.Mutex
	windows  [3]*BloomWindow
	current  int
	w        uint32 // window span in seconds
	k, mLog2 uint8
}

// NewRotatingWindows opens the first window at openedAt and leaves the
// other two slots empty until subsequent rotations fill them.
func NewRotatingWindows(openedAt uint32, w uint32, k, mLog2 uint8) (*RotatingWindows, error) {
	if w == 0 {
		w = DefaultWindowSeconds
	}
	first, err := NewBloomWindow(openedAt, mLog2, k)
	if err != nil {
		return nil, err
	}
	rw := &RotatingWindows{w: w, k: k, mLog2: mLog2}
	rw.windows[0] = first
	rw.current = 0
	return rw, nil
}

// PersistedWindow is the store-agnostic shape Load/Save work with,
// decoupling internal/sync from internal/store's row type.
type PersistedWindow struct {
	Index    uint8
	OpenedAt uint32
	Salt     uint32
	K        uint8
	MLog2    uint8
	Bits     []byte
	Count    uint32
}

// LoadRotatingWindows reconstructs RotatingWindows from persisted rows
// on cold start (§3.2): the store is authoritative for window state
// across restarts within W seconds. w is the window span in seconds,
// used only to determine ShouldRotate going forward.
func LoadRotatingWindows(rows []PersistedWindow, w uint32) (*RotatingWindows, error) {
	if w == 0 {
		w = DefaultWindowSeconds
	}
	rw := &RotatingWindows{w: w}
	current := 0
	var latest uint32
	for _, row := range rows {
		if int(row.Index) > 2 {
			continue
		}
		rw.windows[row.Index] = &BloomWindow{
			OpenedAt: row.OpenedAt,
			Salt:     row.Salt,
			K:        row.K,
			MLog2:    row.MLog2,
			Bits:     append([]byte(nil), row.Bits...),
			Count:    row.Count,
		}
		if row.OpenedAt >= latest {
			latest = row.OpenedAt
			current = int(row.Index)
			rw.k, rw.mLog2 = row.K, row.MLog2
		}
	}
	rw.current = current
	if rw.windows[current] == nil {
		return nil, fmt.Errorf("sync: no persisted window at current index %d", current)
	}
	return rw, nil
}

// Rotate opens a new window at index (current+1)%3, discarding the
// window that rotates out, per §4.7's rotation invariant.
func (rw *RotatingWindows) Rotate(openedAt uint32) error {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	next := (rw.current + 1) % 3
	w, err := NewBloomWindow(openedAt, rw.mLog2, rw.k)
	if err != nil {
		return err
	}
	rw.windows[next] = w
	rw.current = next
	return nil
}

// ShouldRotate reports whether the current window has been open at
// least w seconds as of now.
func (rw *RotatingWindows) ShouldRotate(now uint32) bool {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	cur := rw.windows[rw.current]
	if cur == nil {
		return true
	}
	return now-cur.OpenedAt >= rw.w
}

// Insert adds id to the current window.
func (rw *RotatingWindows) Insert(id rfmp.ID) {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	rw.windows[rw.current].Insert(id)
}

// Windows returns a snapshot of the live windows (nil slots included)
// for SYNC emission (§4.3).
func (rw *RotatingWindows) Windows() []*BloomWindow {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	out := make([]*BloomWindow, 0, 3)
	for _, w := range rw.windows {
		if w != nil {
			out = append(out, w)
		}
	}
	return out
}

// FindByOpenedAt returns the local window whose opened_at rounds to the
// same nearest multiple of W as target, per §4.7 SYNC-ingest step 1. Returns
// nil if no local window matches (a "disjoint" window, to be skipped).
func (rw *RotatingWindows) FindByOpenedAt(target uint32) *BloomWindow {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	for _, w := range rw.windows {
		if w == nil {
			continue
		}
		if roundToWindow(w.OpenedAt, rw.w) == roundToWindow(target, rw.w) {
			return w
		}
	}
	return nil
}

func roundToWindow(t, w uint32) uint32 {
	if w == 0 {
		return t
	}
	return ((t + w/2) / w) * w
}

// Snapshot returns the windows ready for persistence (§3.2).
func (rw *RotatingWindows) Snapshot() []PersistedWindow {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	var out []PersistedWindow
	for i, w := range rw.windows {
		if w == nil {
			continue
		}
		out = append(out, PersistedWindow{
			Index:    uint8(i),
			OpenedAt: w.OpenedAt,
			Salt:     w.Salt,
			K:        w.K,
			MLog2:    w.MLog2,
			Bits:     append([]byte(nil), w.Bits...),
			Count:    w.Count,
		})
	}
	return out
}
