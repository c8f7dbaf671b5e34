package seen

import (
	"testing"
	"time"
)

func TestTouchAndContains(t *testing.T) {
	c := New(DefaultCapacity, DefaultTTL)
	defer c.Close()

	if c.Contains("abc123") {
		t.Errorf("expected miss before touch")
	}

	c.Touch("abc123", time.Now())
	if !c.Contains("abc123") {
		t.Errorf("expected hit after touch")
	}
}

func TestDefaultsAppliedForNonPositiveArgs(t *testing.T) {
	c := New(0, 0)
	defer c.Close()

	c.Touch("x", time.Now())
	if !c.Contains("x") {
		t.Errorf("expected hit with default capacity/ttl")
	}
}

func TestExpiryTreatsEntryAsAbsent(t *testing.T) {
	c := New(16, 20*time.Millisecond)
	defer c.Close()

	c.Touch("short-lived", time.Now())
	if !c.Contains("short-lived") {
		t.Fatalf("expected immediate hit")
	}

	time.Sleep(80 * time.Millisecond)
	if c.Contains("short-lived") {
		t.Errorf("expected entry to expire after TTL")
	}
}

func TestRehydrate(t *testing.T) {
	c := New(16, time.Hour)
	defer c.Close()

	c.Rehydrate(map[string]time.Time{
		"one": time.Now(),
		"two": time.Now(),
	})

	if !c.Contains("one") || !c.Contains("two") {
		t.Errorf("expected both rehydrated entries to be present")
	}
}
