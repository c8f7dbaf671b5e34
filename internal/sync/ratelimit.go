package sync

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Global REQ debounce parameters (§4.7).
const (
	GlobalReqPerMinute  = 6
	InitialPeerBackoff  = 30 * time.Second
	MaxPeerBackoff      = 600 * time.Second
)

// RateLimiter enforces the §4.7 REQ debounce: a global token bucket
// (golang.org/x/time/rate) plus a per-peer exponential backoff tracker.
// The per-peer granularity is a supplemental feature carried over from
// the original implementation's RequestRecord bookkeeping, layered on
// top of the spec-mandated global bucket rather than replacing it.
type RateLimiter struct {
	global *rate.Limiter

	mu      sync.Mutex
	backoff map[string]time.Duration
	nextAt  map[string]time.Time
}

// NewRateLimiter constructs a limiter with the §4.7 defaults: 6 tokens,
// refilling at 6/minute.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		global:  rate.NewLimiter(rate.Every(time.Minute/GlobalReqPerMinute), GlobalReqPerMinute),
		backoff: make(map[string]time.Duration),
		nextAt:  make(map[string]time.Time),
	}
}

// AllowGlobal reports whether the global token bucket currently has a
// token available, without consuming one.
func (r *RateLimiter) AllowGlobal(now time.Time) bool {
	return r.global.TokensAt(now) >= 1
}

// TakeGlobal consumes one global token if available.
func (r *RateLimiter) TakeGlobal(now time.Time) bool {
	return r.global.AllowN(now, 1)
}

// AllowPeer reports whether peer's backoff window has elapsed.
func (r *RateLimiter) AllowPeer(peer string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	next, ok := r.nextAt[peer]
	if !ok {
		return true
	}
	return !now.Before(next)
}

// RecordDeferred records that a REQ to peer was deferred by the global
// bucket, doubling peer's backoff starting at InitialPeerBackoff and
// capping at MaxPeerBackoff.
func (r *RateLimiter) RecordDeferred(peer string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.backoff[peer]
	if !ok {
		cur = InitialPeerBackoff
	} else {
		cur *= 2
		if cur > MaxPeerBackoff {
			cur = MaxPeerBackoff
		}
	}
	r.backoff[peer] = cur
	r.nextAt[peer] = now.Add(cur)
}

// ResetPeer clears peer's backoff, per §4.7's "reset on any received
// frame from that peer".
func (r *RateLimiter) ResetPeer(peer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.backoff, peer)
	delete(r.nextAt, peer)
}

// BackoffFor reports peer's current backoff duration, or zero if none.
func (r *RateLimiter) BackoffFor(peer string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.backoff[peer]
}
