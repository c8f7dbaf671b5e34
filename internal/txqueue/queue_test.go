package txqueue

import (
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/n0call/rfmp/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rfmp.db")
	s, err := store.Open(store.Config{Path: path}, zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLeaseReturnsHighestPriority(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.EnqueueTx([]byte("low"), 5, store.PurposeMsg); err != nil {
		t.Fatalf("EnqueueTx: %v", err)
	}
	if _, err := st.EnqueueTx([]byte("urgent"), 0, store.PurposeSync); err != nil {
		t.Fatalf("EnqueueTx: %v", err)
	}

	q := New(st, nil, nil, nil, zerolog.New(io.Discard), 1)
	now := time.Now()
	entry, err := q.Lease(now)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if entry == nil || string(entry.FrameBytes) != "urgent" {
		t.Fatalf("expected urgent (priority 0) entry first, got %+v", entry)
	}
}

func TestCSMACheckReflectsCarrier(t *testing.T) {
	st := newTestStore(t)
	carrier := &CarrierTracker{}
	q := New(st, carrier, nil, nil, zerolog.New(io.Discard), 1)

	now := time.Now()
	if !q.CSMACheck(now) {
		t.Fatal("expected channel clear with no carrier events")
	}
	carrier.MarkDetected(now)
	if q.CSMACheck(now.Add(100 * time.Millisecond)) {
		t.Fatal("expected channel busy within carrier window")
	}
	if !q.CSMACheck(now.Add(CarrierWindow + time.Millisecond)) {
		t.Fatal("expected channel clear after carrier window elapses")
	}
}

func TestDeferRequeuesWithBackoff(t *testing.T) {
	st := newTestStore(t)
	id, err := st.EnqueueTx([]byte("frame"), 1, store.PurposeMsg)
	if err != nil {
		t.Fatalf("EnqueueTx: %v", err)
	}
	q := New(st, nil, nil, nil, zerolog.New(io.Discard), 1)
	now := time.Now()
	entry, err := q.Lease(now)
	if err != nil || entry == nil {
		t.Fatalf("Lease: %v, %+v", err, entry)
	}
	if entry.ID != id {
		t.Fatalf("entry.ID = %s, want %s", entry.ID, id)
	}

	if err := q.Defer(entry, now); err != nil {
		t.Fatalf("Defer: %v", err)
	}

	// Not eligible immediately: leased entry was released by Defer's
	// NackTx but its next_eligible_at is in the future, so a lease
	// attempt now must not return it.
	again, err := q.Lease(now)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if again != nil {
		t.Fatalf("expected no eligible entry immediately after Defer, got %+v", again)
	}

	later, err := q.Lease(now.Add(CSMABackoffMax + time.Millisecond))
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if later == nil || later.Attempts != 1 {
		t.Fatalf("expected the deferred entry back with Attempts=1, got %+v", later)
	}
}

func TestDeferDropsAfterMaxAttempts(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.EnqueueTx([]byte("frame"), 1, store.PurposeMsg); err != nil {
		t.Fatalf("EnqueueTx: %v", err)
	}
	q := New(st, nil, nil, nil, zerolog.New(io.Discard), 1)

	now := time.Now()
	for i := 0; i < MaxCSMAAttempts; i++ {
		entry, err := q.Lease(now)
		if err != nil {
			t.Fatalf("Lease iteration %d: %v", i, err)
		}
		if entry == nil {
			t.Fatalf("iteration %d: expected an entry to still be queued", i)
		}
		if err := q.Defer(entry, now); err != nil {
			t.Fatalf("Defer iteration %d: %v", i, err)
		}
		now = now.Add(CSMABackoffMax + time.Millisecond)
	}

	final, err := q.Lease(now)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if final != nil {
		t.Fatalf("expected entry to be dropped after %d deferrals, got %+v", MaxCSMAAttempts, final)
	}
}

func TestAckRemovesEntry(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.EnqueueTx([]byte("frame"), 1, store.PurposeMsg); err != nil {
		t.Fatalf("EnqueueTx: %v", err)
	}
	q := New(st, nil, nil, nil, zerolog.New(io.Discard), 1)
	now := time.Now()
	entry, err := q.Lease(now)
	if err != nil || entry == nil {
		t.Fatalf("Lease: %v, %+v", err, entry)
	}
	if err := q.Ack(entry.ID); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	again, err := q.Lease(now)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if again != nil {
		t.Fatalf("expected queue empty after Ack, got %+v", again)
	}
}

func TestNackTransmitFailureBacksOffExponentially(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.EnqueueTx([]byte("frame"), 1, store.PurposeMsg); err != nil {
		t.Fatalf("EnqueueTx: %v", err)
	}
	q := New(st, nil, nil, nil, zerolog.New(io.Discard), 1)

	now := time.Now()
	entry, err := q.Lease(now)
	if err != nil || entry == nil {
		t.Fatalf("Lease: %v, %+v", err, entry)
	}
	if err := q.NackTransmitFailure(entry, now); err != nil {
		t.Fatalf("NackTransmitFailure: %v", err)
	}
	if again, _ := q.Lease(now.Add(NackBaseDelay - time.Millisecond)); again != nil {
		t.Fatal("expected entry still ineligible before its backoff elapses")
	}
	again, err := q.Lease(now.Add(NackBaseDelay + time.Millisecond))
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if again == nil || again.Attempts != 1 {
		t.Fatalf("expected entry back with Attempts=1, got %+v", again)
	}
}
