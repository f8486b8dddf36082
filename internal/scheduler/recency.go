package scheduler

import (
	"sync"
	"time"
)

// recencyIndex remembers which account last served each session/model pair.
// Cache-first mode prefers that account to maximize provider-side prompt-cache
// hits. Entries age out with the affinity TTL.
type recencyIndex struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]*binding
}

func newRecencyIndex(ttl time.Duration) *recencyIndex {
	if ttl <= 0 {
		ttl = DefaultAffinityTTL
	}
	return &recencyIndex{
		ttl:     ttl,
		entries: make(map[string]*binding),
	}
}

func recencyKey(sessionKey, model string) string {
	return sessionKey + "\x00" + model
}

func (r *recencyIndex) lastAccount(sessionKey, model string) (int64, bool) {
	if sessionKey == "" {
		return 0, false
	}
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.entries[recencyKey(sessionKey, model)]
	if !ok {
		return 0, false
	}
	if now.Sub(b.lastUsed) > r.ttl {
		delete(r.entries, recencyKey(sessionKey, model))
		return 0, false
	}
	return b.accountID, true
}

func (r *recencyIndex) record(sessionKey, model string, accountID int64) {
	if sessionKey == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[recencyKey(sessionKey, model)] = &binding{accountID: accountID, lastUsed: time.Now()}
}

func (r *recencyIndex) sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, b := range r.entries {
		if now.Sub(b.lastUsed) > r.ttl {
			delete(r.entries, key)
		}
	}
}
