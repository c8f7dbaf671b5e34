// Package txqueue implements the TX scheduler (§4.8): priority-ordered
// dequeue with CSMA-style carrier sensing and a retry/backoff policy
// for both channel contention and lower-level transmit failures. The
// timing primitives (carrier window, backoff counters) follow the
// teacher's Timer type in shape — tick-driven, explicit start/stop —
// adapted here to wall-clock durations instead of tick counts.
package txqueue

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/n0call/rfmp/internal/events"
	"github.com/n0call/rfmp/internal/metrics"
	"github.com/n0call/rfmp/internal/store"
)

// §4.8 constants.
const (
	DefaultLease     = 5 * time.Second
	CarrierWindow    = 500 * time.Millisecond
	CSMABackoffMin   = 100 * time.Millisecond
	CSMABackoffMax   = 400 * time.Millisecond
	MaxCSMAAttempts  = 5
	MaxNackAttempts  = 5
	NackBaseDelay    = 250 * time.Millisecond
	NackDelayCap     = 30 * time.Second
)

// CarrierTracker records the last time the KISS channel reported
// carrier-detect, for the CSMA listen-before-talk check.
type CarrierTracker struct {
	mu       sync.Mutex
	lastSeen time.Time
	has      bool
}

// MarkDetected records a carrier-detect event at t.
func (c *CarrierTracker) MarkDetected(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSeen = t
	c.has = true
}

// RecentlyDetected reports whether a carrier was seen within
// CarrierWindow of now.
func (c *CarrierTracker) RecentlyDetected(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.has {
		return false
	}
	return now.Sub(c.lastSeen) < CarrierWindow
}

// Queue wraps the persistent TX queue (internal/store) with the §4.8
// dequeue/CSMA/retry policy.
type Queue struct {
	store   *store.Store
	carrier *CarrierTracker
	metrics *metrics.Counters
	bus     *events.Bus
	log     zerolog.Logger
	rng     *rand.Rand
}

// New constructs a Queue. carrier, m, and bus may be nil for tests that
// don't exercise CSMA deferral or permanent-failure publishing.
func New(st *store.Store, carrier *CarrierTracker, m *metrics.Counters, bus *events.Bus, log zerolog.Logger, seed int64) *Queue {
	if carrier == nil {
		carrier = &CarrierTracker{}
	}
	return &Queue{
		store:   st,
		carrier: carrier,
		metrics: m,
		bus:     bus,
		log:     log,
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// Lease dequeues the highest-priority eligible entry per §4.8 rule 1,
// leasing it for DefaultLease so a second TX loop tick can't double-send.
func (q *Queue) Lease(now time.Time) (*store.TxQueueEntry, error) {
	return q.store.LeaseNextTx(now, now.Add(DefaultLease))
}

// CSMACheck performs the listen-before-talk gate of §4.8 rule 2. If the
// channel is clear, ok is true and entry should be handed to C1
// immediately. If busy, ok is false and the caller must call Defer.
func (q *Queue) CSMACheck(now time.Time) (ok bool) {
	return !q.carrier.RecentlyDetected(now)
}

// csmaBackoff returns a random backoff in [CSMABackoffMin, CSMABackoffMax).
func (q *Queue) csmaBackoff() time.Duration {
	span := CSMABackoffMax - CSMABackoffMin
	return CSMABackoffMin + time.Duration(q.rng.Int63n(int64(span)))
}

// Defer re-queues entry after a random CSMA backoff, per §4.8 rule 2.
// After MaxCSMAAttempts deferrals the entry is dropped permanently and
// a TxPermanentFailure is recorded.
func (q *Queue) Defer(entry *store.TxQueueEntry, now time.Time) error {
	if entry.Attempts+1 >= MaxCSMAAttempts {
		return q.dropPermanently(entry, "csma_attempts_exhausted")
	}
	return q.store.NackTx(entry.ID, now.Add(q.csmaBackoff()))
}

// Ack confirms a successful handoff to C1, per §4.8 rule 3.
func (q *Queue) Ack(id string) error {
	return q.store.AckTx(id)
}

// NackTransmitFailure records a lower-level transmit failure, per §4.8
// rule 4: delay = 2^attempts × 250ms, capped at 30s; dropped permanently
// after MaxNackAttempts with a TxPermanentFailure event.
func (q *Queue) NackTransmitFailure(entry *store.TxQueueEntry, now time.Time) error {
	if entry.Attempts+1 >= MaxNackAttempts {
		return q.dropPermanently(entry, "transmit_attempts_exhausted")
	}
	delay := NackBaseDelay << entry.Attempts
	if delay > NackDelayCap {
		delay = NackDelayCap
	}
	return q.store.NackTx(entry.ID, now.Add(delay))
}

func (q *Queue) dropPermanently(entry *store.TxQueueEntry, reason string) error {
	if err := q.store.AckTx(entry.ID); err != nil {
		return err
	}
	if q.metrics != nil {
		q.metrics.Inc(metrics.TxPermanentFailure)
	}
	q.log.Warn().Str("tx_id", entry.ID).Str("reason", reason).Msg("tx permanently failed")
	if q.bus != nil {
		q.bus.Publish(events.Event{
			Kind: events.StatusChange,
			Payload: map[string]interface{}{
				"event":  "TxPermanentFailure",
				"tx_id":  entry.ID,
				"reason": reason,
			},
		})
	}
	return nil
}
