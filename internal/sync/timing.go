package sync

import (
	"math/rand"
	"sync/atomic"
	"time"
)

// Adaptive transmit timing parameters (§4.8), superseding the additive
// base+jitter formula the original implementation used.
const (
	BaseSlot    = 500 * time.Millisecond
	MinFrameGap = 250 * time.Millisecond

	congestionDecayPer = 0.9 // multiplicative decay applied on each Decay call
)

// AdaptiveTiming computes per-frame transmit delay from priority and a
// decaying congestion counter fed by CSMA deferral events, per §4.8:
//
//	delay = base_slot * (1+priority) * (1 + rand(0,1)*congestion)
type AdaptiveTiming struct {
	congestion atomic.Uint64 // congestion*1e6, stored as an integer for atomic access
	rng        *rand.Rand
}

// NewAdaptiveTiming constructs a timing helper with zero congestion.
func NewAdaptiveTiming(seed int64) *AdaptiveTiming {
	return &AdaptiveTiming{rng: rand.New(rand.NewSource(seed))}
}

// Delay returns the transmit delay for a frame of the given priority
// (0 = highest), floored at MinFrameGap.
func (t *AdaptiveTiming) Delay(priority uint8) time.Duration {
	c := t.Congestion()
	jitter := 1 + t.rng.Float64()*c
	d := time.Duration(float64(BaseSlot) * float64(1+priority) * jitter)
	if d < MinFrameGap {
		return MinFrameGap
	}
	return d
}

// OnDefer records a CSMA deferral event, bumping congestion by one
// unit.
func (t *AdaptiveTiming) OnDefer() {
	for {
		old := t.congestion.Load()
		next := old + 1_000_000 // +1.0 in fixed point
		if t.congestion.CompareAndSwap(old, next) {
			return
		}
	}
}

// Decay applies exponential decay to the congestion counter, intended
// to be called once per housekeeping tick.
func (t *AdaptiveTiming) Decay() {
	for {
		old := t.congestion.Load()
		next := uint64(float64(old) * congestionDecayPer)
		if t.congestion.CompareAndSwap(old, next) {
			return
		}
	}
}

// Congestion returns the current congestion level as a float.
func (t *AdaptiveTiming) Congestion() float64 {
	return float64(t.congestion.Load()) / 1_000_000
}
