package frag

import (
	"bytes"
	"testing"
	"time"

	"github.com/n0call/rfmp/internal/rfmp"
)

func TestReassemblerCompletesInOrder(t *testing.T) {
	body := bytes.Repeat([]byte("y"), 1000)
	id, encoded := encodedMsg(t, body)
	frags, err := Fragment(id, encoded, 200)
	if err != nil {
		t.Fatalf("Fragment: %v", err)
	}

	r := NewReassembler(0, 0)
	now := time.Now()

	var got *rfmp.Msg
	for i, f := range frags {
		msg, complete, err := r.Ingest("N0CALL-1", f, now)
		if err != nil {
			t.Fatalf("Ingest fragment %d: %v", i, err)
		}
		if i < len(frags)-1 {
			if complete {
				t.Errorf("fragment %d: reassembly completed early", i)
			}
			continue
		}
		if !complete {
			t.Fatalf("final fragment did not complete reassembly")
		}
		got = msg
	}

	if got == nil || got.ID != id {
		t.Fatalf("got = %+v, want completed msg with id %s", got, id)
	}
	if !bytes.Equal(got.Body, body) {
		t.Errorf("reassembled body mismatch")
	}
}

func TestReassemblerCompletesOutOfOrder(t *testing.T) {
	body := bytes.Repeat([]byte("z"), 1000)
	id, encoded := encodedMsg(t, body)
	frags, err := Fragment(id, encoded, 200)
	if err != nil {
		t.Fatalf("Fragment: %v", err)
	}

	reversed := make([]rfmp.Frag, len(frags))
	for i, f := range frags {
		reversed[len(frags)-1-i] = f
	}

	r := NewReassembler(0, 0)
	now := time.Now()
	var complete bool
	for _, f := range reversed {
		_, complete, err = r.Ingest("N0CALL-1", f, now)
		if err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}
	if !complete {
		t.Errorf("expected reassembly to complete regardless of arrival order")
	}
	_ = id
}

func TestReassemblerIgnoresDuplicateSeq(t *testing.T) {
	body := bytes.Repeat([]byte("w"), 1000)
	_, encoded := encodedMsg(t, body)
	id := rfmp.Fingerprint("N0CALL-1", 1, body)
	frags, err := Fragment(id, encoded, 200)
	if err != nil {
		t.Fatalf("Fragment: %v", err)
	}

	r := NewReassembler(0, 0)
	now := time.Now()

	_, _, err = r.Ingest("N0CALL-1", frags[0], now)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	_, _, err = r.Ingest("N0CALL-1", frags[0], now) // duplicate
	if err != nil {
		t.Fatalf("Ingest duplicate: %v", err)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1 buffer still outstanding", r.Len())
	}
}

func TestReassemblerSweepsInactiveBuffers(t *testing.T) {
	body := bytes.Repeat([]byte("v"), 1000)
	id, encoded := encodedMsg(t, body)
	frags, err := Fragment(id, encoded, 200)
	if err != nil {
		t.Fatalf("Fragment: %v", err)
	}

	r := NewReassembler(10*time.Second, 0)
	now := time.Now()
	if _, _, err := r.Ingest("N0CALL-1", frags[0], now); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	dropped := r.Sweep(now.Add(5 * time.Second))
	if len(dropped) != 0 {
		t.Errorf("expected no sweep before timeout, dropped %d", len(dropped))
	}

	dropped = r.Sweep(now.Add(20 * time.Second))
	if len(dropped) != 1 {
		t.Fatalf("expected one dropped buffer, got %d", len(dropped))
	}
	if dropped[0].MsgID != id || dropped[0].FromNode != "N0CALL-1" {
		t.Errorf("dropped = %+v, want from_node/msg_id %s/%s", dropped[0], "N0CALL-1", id)
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d after sweep, want 0", r.Len())
	}
}

func TestReassemblerEvictsOldestAtCapacity(t *testing.T) {
	r := NewReassembler(0, 2)
	now := time.Now()

	mk := func(n byte) rfmp.Frag {
		id := rfmp.Fingerprint("N0CALL-1", uint32(n), []byte{n})
		return rfmp.Frag{ID: id, Seq: 0, Total: 2, Payload: []byte{n}}
	}

	f1, f2, f3 := mk(1), mk(2), mk(3)
	if _, _, err := r.Ingest("N0CALL-1", f1, now); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if _, _, err := r.Ingest("N0CALL-1", f2, now); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if r.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", r.Len())
	}

	if _, _, err := r.Ingest("N0CALL-1", f3, now); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if r.Len() != 2 {
		t.Errorf("Len() = %d after eviction, want capped at 2", r.Len())
	}
}

func TestReassemblerRejectsInvalidSeq(t *testing.T) {
	r := NewReassembler(0, 0)
	bad := rfmp.Frag{ID: rfmp.Fingerprint("N0CALL-1", 1, nil), Seq: 3, Total: 2}
	if _, _, err := r.Ingest("N0CALL-1", bad, time.Now()); err == nil {
		t.Errorf("expected error for seq >= total")
	}
}
