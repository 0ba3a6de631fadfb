// Package webhook processes inbound provider notifications and manages the
// provider-side subscriptions that produce them.
package webhook

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/lumenhq/calsync/internal/metrics"
)

// ReplayCache remembers recently processed notification fingerprints so a
// captured notification cannot be re-delivered within the window. Bounded:
// when full, the oldest entry is evicted.
type ReplayCache struct {
	mu         sync.Mutex
	window     time.Duration
	maxEntries int
	entries    map[string]time.Time

	now func() time.Time
}

// NewReplayCache creates a replay cache holding at most maxEntries
// fingerprints for window each.
func NewReplayCache(window time.Duration, maxEntries int) *ReplayCache {
	return &ReplayCache{
		window:     window,
		maxEntries: maxEntries,
		entries:    make(map[string]time.Time),
		now:        time.Now,
	}
}

// Fingerprint derives the cache key for a notification. All fields that make
// a delivery unique participate; two distinct changes never collide.
func Fingerprint(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// Seen reports whether the fingerprint was marked within the window.
func (c *ReplayCache) Seen(fingerprint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	seenAt, ok := c.entries[fingerprint]
	if !ok {
		return false
	}
	if c.now().Sub(seenAt) > c.window {
		delete(c.entries, fingerprint)
		metrics.ReplayCacheEntries.Set(float64(len(c.entries)))
		return false
	}
	return true
}

// MarkSeen records a fingerprint. Called only after the notification was
// processed successfully, so a failed delivery can be retried by the provider.
func (c *ReplayCache) MarkSeen(fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.pruneLocked(now)

	if len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}
	c.entries[fingerprint] = now
	metrics.ReplayCacheEntries.Set(float64(len(c.entries)))
}

// Len returns the current entry count.
func (c *ReplayCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *ReplayCache) pruneLocked(now time.Time) {
	for fp, seenAt := range c.entries {
		if now.Sub(seenAt) > c.window {
			delete(c.entries, fp)
		}
	}
}

func (c *ReplayCache) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	for fp, seenAt := range c.entries {
		if oldestKey == "" || seenAt.Before(oldestAt) {
			oldestKey = fp
			oldestAt = seenAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
