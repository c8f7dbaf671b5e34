// Package sync implements the anti-entropy layer from §4.7: rotating
// Bloom-filter windows, REQ rate limiting, and adaptive transmit timing.
package sync

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/dchest/siphash"

	"github.com/n0call/rfmp/internal/rfmp"
)

// DefaultK and DefaultMLog2 are the §4.7 default Bloom parameters
// (k=4, m=1024).
const (
	DefaultK     = 4
	DefaultMLog2 = 10
)

// BloomWindow is one rotating window's Bloom filter (§3.1, §4.7). Bits is
// addressed directly by k independent SipHash-2-4(salt‖i, id) indices, so
// the set is a plain byte slice matching the wire layout exactly rather
// than an opaque third-party filter type.
type BloomWindow struct {
	OpenedAt uint32
	Salt     uint32
	K        uint8
	MLog2    uint8
	Bits     []byte
	Count    uint32
}

// NewBloomWindow allocates an empty window with a fresh random salt, per
// §4.7's "salt is fresh-random on open" requirement.
func NewBloomWindow(openedAt uint32, mLog2 uint8, k uint8) (*BloomWindow, error) {
	if mLog2 < 6 || mLog2 > 14 {
		return nil, fmt.Errorf("sync: m_log2=%d out of range [6,14]", mLog2)
	}
	salt, err := randomSalt()
	if err != nil {
		return nil, err
	}
	m := uint32(1) << mLog2
	return &BloomWindow{
		OpenedAt: openedAt,
		Salt:     salt,
		K:        k,
		MLog2:    mLog2,
		Bits:     make([]byte, m/8),
	}, nil
}

func randomSalt() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("sync: generate salt: %w", err)
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// bitIndices computes the k bit positions for id, per §4.7's
// "k independent hash functions derived from SipHash-2-4(salt‖i, msg_id)".
func (w *BloomWindow) bitIndices(id rfmp.ID) []uint32 {
	m := uint32(1) << w.MLog2
	indices := make([]uint32, w.K)
	for i := uint8(0); i < w.K; i++ {
		k0 := uint64(w.Salt)<<32 | uint64(i)
		h := siphash.Hash(k0, 0, id[:])
		indices[i] = uint32(h % uint64(m))
	}
	return indices
}

// Insert sets the bits for id's k hash indices and bumps Count.
func (w *BloomWindow) Insert(id rfmp.ID) {
	for _, idx := range w.bitIndices(id) {
		w.Bits[idx/8] |= 1 << (idx % 8)
	}
	w.Count++
}

// Test reports whether all of id's k hash indices are set — a positive
// result may be a false positive, per standard Bloom filter semantics.
func (w *BloomWindow) Test(id rfmp.ID) bool {
	for _, idx := range w.bitIndices(id) {
		if w.Bits[idx/8]&(1<<(idx%8)) == 0 {
			return false
		}
	}
	return true
}

// TestBits reports whether id tests positive against a remote window's
// raw bit array and parameters, used during SYNC ingest (§4.7 step 2)
// without needing a full BloomWindow for the peer's summary.
func TestBits(salt uint32, k, mLog2 uint8, bits []byte, id rfmp.ID) bool {
	w := &BloomWindow{Salt: salt, K: k, MLog2: mLog2, Bits: bits}
	return w.Test(id)
}

// ToWireSummary converts the window to its wire representation (§4.3).
func (w *BloomWindow) ToWireSummary() rfmp.WindowSummary {
	return rfmp.WindowSummary{
		OpenedAt: w.OpenedAt,
		Salt:     w.Salt,
		K:        w.K,
		MLog2:    w.MLog2,
		Bits:     append([]byte(nil), w.Bits...),
	}
}
