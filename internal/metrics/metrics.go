// Package metrics tracks the error-kind counters from §7 with plain
// atomic counters. The error taxonomy is small, fixed, and read far
// more often than written in typical operation, which is exactly the
// case sync/atomic's counters are for — no metrics library earns its
// keep over that.
package metrics

import "sync/atomic"

// Kind enumerates the §7 error/event kinds tracked as counters.
type Kind string

const (
	KissTruncated          Kind = "KissTruncated"
	Ax25Malformed          Kind = "Ax25Malformed"
	RfmpBadMagic           Kind = "RfmpBadMagic"
	RfmpBadVersion         Kind = "RfmpBadVersion"
	IdMismatch             Kind = "IdMismatch"
	ReassemblyIdMismatch   Kind = "ReassemblyIdMismatch"
	StoreError             Kind = "StoreError"
	TxPermanentFailure     Kind = "TxPermanentFailure"
	BackpressureDropped    Kind = "BackpressureDropped"
	ShutdownTimeout        Kind = "ShutdownTimeout"
)

var allKinds = []Kind{
	KissTruncated, Ax25Malformed, RfmpBadMagic, RfmpBadVersion,
	IdMismatch, ReassemblyIdMismatch, StoreError, TxPermanentFailure,
	BackpressureDropped, ShutdownTimeout,
}

// Counters holds one atomic counter per Kind.
type Counters struct {
	values map[Kind]*atomic.Uint64
}

// New constructs a zeroed Counters with a slot for every known Kind.
func New() *Counters {
	c := &Counters{values: make(map[Kind]*atomic.Uint64, len(allKinds))}
	for _, k := range allKinds {
		c.values[k] = &atomic.Uint64{}
	}
	return c
}

// Inc increments the counter for kind by one. Kinds outside the known
// set are silently ignored: the taxonomy is fixed, so this only
// happens if a caller mistypes a Kind constant.
func (c *Counters) Inc(kind Kind) {
	c.IncBy(kind, 1)
}

// IncBy increments the counter for kind by n.
func (c *Counters) IncBy(kind Kind, n uint64) {
	if ctr, ok := c.values[kind]; ok {
		ctr.Add(n)
	}
}

// Get returns the current value of kind's counter.
func (c *Counters) Get(kind Kind) uint64 {
	ctr, ok := c.values[kind]
	if !ok {
		return 0
	}
	return ctr.Load()
}

// Snapshot returns a point-in-time copy of every counter, for status().
func (c *Counters) Snapshot() map[Kind]uint64 {
	out := make(map[Kind]uint64, len(c.values))
	for k, ctr := range c.values {
		out[k] = ctr.Load()
	}
	return out
}
