package oracle

import (
	"crypto/sha256"
	"sync"
	"time"
)

// replayCache remembers request signatures until the
// session that signed them expires. Expired entries are
// evicted inline during record.
type replayCache struct {
	mu      sync.Mutex
	entries map[[32]byte]time.Time
	now     func() time.Time
}

func newReplayCache(now func() time.Time) *replayCache {
	return &replayCache{
		entries: make(map[[32]byte]time.Time),
		now:     now,
	}
}

// record returns true if sig was not seen before. Empty
// signatures are never fresh.
func (rc *replayCache) record(sig []byte, until time.Time) bool {
	if len(sig) == 0 {
		return false
	}
	key := sha256.Sum256(sig)

	rc.mu.Lock()
	defer rc.mu.Unlock()

	rc.cleanup()

	if _, exists := rc.entries[key]; exists {
		return false
	}
	rc.entries[key] = until
	return true
}

// cleanup must be called with mu held.
func (rc *replayCache) cleanup() {
	now := rc.now()
	for k, until := range rc.entries {
		if !now.Before(until) {
			delete(rc.entries, k)
		}
	}
}

func (rc *replayCache) size() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.entries)
}
