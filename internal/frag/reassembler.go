package frag

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/n0call/rfmp/internal/rfmp"
)

// DefaultTimeout is the reassembly-buffer inactivity timeout from §4.5.
const DefaultTimeout = 300 * time.Second

// DefaultMaxBuffers is the outstanding-reassembly-buffer cap from §4.5.
const DefaultMaxBuffers = 64

// ErrReassemblyIDMismatch is returned when a completed buffer's decoded
// MSG id disagrees with the msg_id carried by its fragments (§4.5).
var ErrReassemblyIDMismatch = rfmp.ErrIDMismatch

type bufferKey struct {
	fromNode string
	msgID    rfmp.ID
}

type reassemblyBuffer struct {
	total      uint8
	parts      map[uint8][]byte
	lastActive time.Time
}

func (b *reassemblyBuffer) complete() bool {
	return len(b.parts) == int(b.total)
}

func (b *reassemblyBuffer) concat() []byte {
	var buf bytes.Buffer
	for seq := uint8(0); seq < b.total; seq++ {
		buf.Write(b.parts[seq])
	}
	return buf.Bytes()
}

// Reassembler accumulates FRAGs per (from_node, msg_id) and produces the
// reassembled MSG once all sequences have arrived, per §4.5. Cap outstanding
// buffers at maxBuffers, evicting the oldest on pressure; sweep inactive
// buffers older than timeout via Sweep.
type Reassembler struct {
	mu         sync.Mutex
	buffers    map[bufferKey]*reassemblyBuffer
	order      []bufferKey // insertion order, for oldest-eviction
	timeout    time.Duration
	maxBuffers int
}

// NewReassembler constructs a Reassembler with the given timeout and
// buffer cap; zero values fall back to the §4.5 defaults.
func NewReassembler(timeout time.Duration, maxBuffers int) *Reassembler {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxBuffers <= 0 {
		maxBuffers = DefaultMaxBuffers
	}
	return &Reassembler{
		buffers:    make(map[bufferKey]*reassemblyBuffer),
		timeout:    timeout,
		maxBuffers: maxBuffers,
	}
}

// Ingest stores f's payload, keyed by (fromNode, f.ID). When the buffer
// becomes complete it decodes the concatenated payload into a Msg,
// verifies the msg_id matches, and returns (msg, true, nil). On a
// mismatch the whole buffer is discarded and ErrReassemblyIDMismatch is
// returned. Duplicate sequences are ignored.
func (r *Reassembler) Ingest(fromNode string, f rfmp.Frag, now time.Time) (*rfmp.Msg, bool, error) {
	if f.Total == 0 || f.Seq >= f.Total {
		return nil, false, fmt.Errorf("frag: invalid fragment seq %d/total %d", f.Seq, f.Total)
	}

	key := bufferKey{fromNode: fromNode, msgID: f.ID}

	r.mu.Lock()
	buf, ok := r.buffers[key]
	if !ok {
		r.evictIfOverCap()
		buf = &reassemblyBuffer{total: f.Total, parts: make(map[uint8][]byte)}
		r.buffers[key] = buf
		r.order = append(r.order, key)
	}
	if _, dup := buf.parts[f.Seq]; !dup {
		buf.parts[f.Seq] = f.Payload
	}
	buf.lastActive = now

	if !buf.complete() {
		r.mu.Unlock()
		return nil, false, nil
	}

	concatenated := buf.concat()
	delete(r.buffers, key)
	r.removeFromOrder(key)
	r.mu.Unlock()

	msg, err := rfmp.DecodeMsg(concatenated)
	if err != nil {
		return nil, false, fmt.Errorf("frag: decode reassembled MSG: %w", err)
	}
	if msg.ID != f.ID {
		return nil, false, fmt.Errorf("%w: fragments carried %s, decoded MSG has %s", ErrReassemblyIDMismatch, f.ID, msg.ID)
	}

	return &msg, true, nil
}

// evictIfOverCap drops the oldest buffer when at capacity. Caller must
// hold r.mu.
func (r *Reassembler) evictIfOverCap() {
	if len(r.buffers) < r.maxBuffers {
		return
	}
	for len(r.order) > 0 {
		oldest := r.order[0]
		r.order = r.order[1:]
		if _, ok := r.buffers[oldest]; ok {
			delete(r.buffers, oldest)
			return
		}
	}
}

func (r *Reassembler) removeFromOrder(key bufferKey) {
	for i, k := range r.order {
		if k == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

// Sweep discards buffers inactive for longer than the reassembler's
// timeout, returning the keys (from_node, msg_id) that were dropped so
// the caller can decide whether to emit a REQ (§4.5).
func (r *Reassembler) Sweep(now time.Time) []struct {
	FromNode string
	MsgID    rfmp.ID
} {
	r.mu.Lock()
	defer r.mu.Unlock()

	var dropped []struct {
		FromNode string
		MsgID    rfmp.ID
	}
	for key, buf := range r.buffers {
		if now.Sub(buf.lastActive) > r.timeout {
			delete(r.buffers, key)
			r.removeFromOrder(key)
			dropped = append(dropped, struct {
				FromNode string
				MsgID    rfmp.ID
			}{FromNode: key.fromNode, MsgID: key.msgID})
		}
	}
	return dropped
}

// Len reports the number of outstanding reassembly buffers.
func (r *Reassembler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffers)
}
