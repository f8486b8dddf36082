package scheduler

import (
	"sync"
	"time"
)

// DefaultAffinityTTL evicts session bindings idle longer than this.
const DefaultAffinityTTL = 30 * time.Minute

type binding struct {
	accountID int64
	lastUsed  time.Time
}

// AffinityMap binds session keys to accounts while stickiness is enabled.
// Purely in-memory: bindings do not survive a restart. Growth is bounded by
// the idle TTL (lazy check on read plus a background sweep) and by the
// scheduler dropping bindings whose account is no longer eligible.
type AffinityMap struct {
	mu       sync.Mutex
	ttl      time.Duration
	bindings map[string]*binding
}

// NewAffinityMap creates a map with the given idle TTL (0 = default).
func NewAffinityMap(ttl time.Duration) *AffinityMap {
	if ttl <= 0 {
		ttl = DefaultAffinityTTL
	}
	return &AffinityMap{
		ttl:      ttl,
		bindings: make(map[string]*binding),
	}
}

// BindingFor returns the bound account for a session key, refreshing its idle
// timer. Expired bindings are removed on access.
func (a *AffinityMap) BindingFor(key string) (int64, bool) {
	if key == "" {
		return 0, false
	}
	now := time.Now()

	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.bindings[key]
	if !ok {
		return 0, false
	}
	if now.Sub(b.lastUsed) > a.ttl {
		delete(a.bindings, key)
		return 0, false
	}
	b.lastUsed = now
	return b.accountID, true
}

// Bind records (or refreshes) a session binding.
func (a *AffinityMap) Bind(key string, accountID int64) {
	if key == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bindings[key] = &binding{accountID: accountID, lastUsed: time.Now()}
}

// Evict drops one binding, used when the bound account became ineligible.
func (a *AffinityMap) Evict(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.bindings, key)
}

// EvictAccount drops every binding pointing at the account.
func (a *AffinityMap) EvictAccount(accountID int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for key, b := range a.bindings {
		if b.accountID == accountID {
			delete(a.bindings, key)
		}
	}
}

// Len returns the number of live bindings.
func (a *AffinityMap) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.bindings)
}

// Sweep removes bindings idle longer than the TTL.
func (a *AffinityMap) Sweep(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for key, b := range a.bindings {
		if now.Sub(b.lastUsed) > a.ttl {
			delete(a.bindings, key)
		}
	}
}
