package rfmp

import (
	"errors"
	"fmt"
)

// ErrIDMismatch is returned when a MSG's declared id disagrees with its
// recomputed fingerprint — the invariant in §3.1 that mutation of
// from_node, timestamp, or body must invalidate the row.
var ErrIDMismatch = errors.New("rfmp: id mismatch")

// Verify recomputes m's fingerprint from from_node/timestamp/body and
// confirms it matches m.ID, per the Message invariant in §3.1.
func (m Msg) Verify() error {
	want := Fingerprint(m.FromNode, m.Timestamp, m.Body)
	if want != m.ID {
		return fmt.Errorf("%w: got %s, want %s", ErrIDMismatch, m.ID, want)
	}
	return nil
}
