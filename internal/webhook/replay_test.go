package webhook

import (
	"fmt"
	"testing"
	"time"
)

func TestReplayCacheMarkAndSeen(t *testing.T) {
	c := NewReplayCache(5*time.Minute, 100)
	fp := Fingerprint("sub-1", "state", "updated", "resource")

	if c.Seen(fp) {
		t.Error("fresh fingerprint should not be seen")
	}
	c.MarkSeen(fp)
	if !c.Seen(fp) {
		t.Error("marked fingerprint should be seen")
	}

	other := Fingerprint("sub-2", "state", "updated", "resource")
	if c.Seen(other) {
		t.Error("distinct notification should not collide")
	}
}

func TestReplayCacheExpiry(t *testing.T) {
	c := NewReplayCache(5*time.Minute, 100)
	now := time.Now()
	c.now = func() time.Time { return now }

	fp := Fingerprint("sub-1", "state", "updated", "resource")
	c.MarkSeen(fp)

	now = now.Add(4 * time.Minute)
	if !c.Seen(fp) {
		t.Error("fingerprint inside window should be seen")
	}

	now = now.Add(2 * time.Minute)
	if c.Seen(fp) {
		t.Error("fingerprint outside window should have expired")
	}
}

func TestReplayCacheBounded(t *testing.T) {
	c := NewReplayCache(time.Hour, 10)
	now := time.Now()
	c.now = func() time.Time { return now }

	for i := 0; i < 25; i++ {
		now = now.Add(time.Second)
		c.MarkSeen(Fingerprint("sub", fmt.Sprintf("state-%d", i), "updated", "res"))
	}

	if got := c.Len(); got > 10 {
		t.Errorf("cache holds %d entries, cap is 10", got)
	}

	// Newest entry survives the evictions.
	if !c.Seen(Fingerprint("sub", "state-24", "updated", "res")) {
		t.Error("most recent fingerprint should still be present")
	}
	// Oldest entries were evicted.
	if c.Seen(Fingerprint("sub", "state-0", "updated", "res")) {
		t.Error("oldest fingerprint should have been evicted")
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint("s", "c", "t", "r")
	b := Fingerprint("s", "c", "t", "r")
	if a != b {
		t.Error("same inputs must produce the same fingerprint")
	}
	if a == Fingerprint("s", "c", "t", "r2") {
		t.Error("different inputs must produce different fingerprints")
	}
}
