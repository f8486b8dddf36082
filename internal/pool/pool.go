// Package pool keeps the in-memory registry of active accounts, their quota
// counters, and the per-account eligibility overlay used by the scheduler.
package pool

import (
	"log"
	"sync"
	"time"

	"gorm.io/gorm"

	"gemini-relay/internal/db"
	"gemini-relay/internal/db/models"
)

// ewmaAlpha weights the most recent latency sample.
const ewmaAlpha = 0.3

// Entry is the live state of one pooled account. Entries are shared pointers:
// the scheduler and token manager hold references, and token refresh mutates
// the entry in place so nobody reads a stale copy. All fields are guarded by
// the entry mutex; critical sections never span I/O.
type Entry struct {
	mu sync.Mutex

	account models.Account
	quota   models.QuotaInfo

	coolUntil  time.Time
	coolReason string

	// Usage committed in memory whose async database write has not landed
	// yet. Reload re-applies these on top of the stored counters so a
	// reload can never roll committed usage back.
	pendingInput  int64
	pendingOutput int64

	latencyEWMA float64 // milliseconds, 0 until the first sample
}

// ID returns the stable account id.
func (e *Entry) ID() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.account.ID
}

// Email returns the account email.
func (e *Entry) Email() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.account.Email
}

// SortOrder returns the scheduler priority of the account.
func (e *Entry) SortOrder() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.account.SortOrder
}

// Credentials returns the current token pair and expiry (epoch seconds).
func (e *Entry) Credentials() (accessToken, refreshToken string, expiresAt int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.account.AccessToken, e.account.RefreshToken, e.account.ExpiresAt
}

// SetTokens installs a refreshed token pair. A blank refreshToken keeps the
// previous one (Google only rotates it occasionally).
func (e *Entry) SetTokens(accessToken, refreshToken string, expiresAt int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.account.AccessToken = accessToken
	e.account.ExpiresAt = expiresAt
	if refreshToken != "" {
		e.account.RefreshToken = refreshToken
	}
}

// Quota returns a copy of the current in-memory quota counters.
func (e *Entry) Quota() models.QuotaInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.quota
}

// UsageRatio returns consumed tokens over total quota, the balanced-mode
// ranking key. Unlimited accounts report 0.
func (e *Entry) UsageRatio() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	total := e.quota.InputQuota + e.quota.OutputQuota
	if total <= 0 {
		return 0
	}
	return float64(e.quota.InputUsed+e.quota.OutputUsed) / float64(total)
}

// InCooldown reports whether the account is temporarily ineligible, and why.
// The overlay self-heals once the deadline passes.
func (e *Entry) InCooldown(now time.Time) (bool, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if now.Before(e.coolUntil) {
		return true, e.coolReason
	}
	return false, ""
}

// LatencyEWMA returns the smoothed observed latency in milliseconds.
// Zero means no samples yet.
func (e *Entry) LatencyEWMA() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.latencyEWMA
}

func (e *Entry) observeLatency(ms float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.latencyEWMA == 0 {
		e.latencyEWMA = ms
		return
	}
	e.latencyEWMA = ewmaAlpha*ms + (1-ewmaAlpha)*e.latencyEWMA
}

// settlePending retires deltas whose database write has landed.
func (e *Entry) settlePending(input, output int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pendingInput -= input
	e.pendingOutput -= output
}

func (e *Entry) markIneligible(reason string, d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.coolUntil = time.Now().Add(d)
	e.coolReason = reason
}

// Pool owns the set of selectable accounts. The database is the store of
// record; the in-memory view is authoritative between reloads so request
// handling never blocks on it.
type Pool struct {
	conn *gorm.DB

	mu      sync.RWMutex
	entries map[int64]*Entry
	order   []int64 // account ids by sort_order
}

// New creates a pool and loads the active accounts.
func New(conn *gorm.DB) (*Pool, error) {
	p := &Pool{
		conn:    conn,
		entries: make(map[int64]*Entry),
	}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload rebuilds the registry from the database. Existing entries keep their
// cooldown overlay and latency history; quota counters and tokens are adopted
// from the store so administrative resets take effect, with unpersisted
// committed usage re-applied on top. All database reads happen before the
// pool lock is taken so Snapshot and Get never wait on I/O.
func (p *Pool) Reload() error {
	accounts, err := db.ListActiveAccounts(p.conn)
	if err != nil {
		return err
	}
	quotas := make(map[int64]models.QuotaInfo, len(accounts))
	for _, acc := range accounts {
		quota, err := db.GetQuota(p.conn, acc.ID)
		if err != nil {
			return err
		}
		quotas[acc.ID] = quota
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	fresh := make(map[int64]*Entry, len(accounts))
	order := make([]int64, 0, len(accounts))
	for _, acc := range accounts {
		entry, ok := p.entries[acc.ID]
		if !ok {
			entry = &Entry{}
		}
		entry.mu.Lock()
		entry.account = acc
		entry.quota = quotas[acc.ID]
		entry.quota.InputUsed += entry.pendingInput
		entry.quota.OutputUsed += entry.pendingOutput
		entry.mu.Unlock()
		fresh[acc.ID] = entry
		order = append(order, acc.ID)
	}
	p.entries = fresh
	p.order = order

	log.Printf("[Pool] loaded %d active accounts", len(accounts))
	return nil
}

// Snapshot returns the active entries ordered by sort_order.
func (p *Pool) Snapshot() []*Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Entry, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.entries[id])
	}
	return out
}

// Get returns the entry for an account id, or nil.
func (p *Pool) Get(id int64) *Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.entries[id]
}

// Size returns the number of active accounts.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.order)
}

// MarkIneligible suspends an account for the given duration without touching
// the database. The suspension heals itself on expiry or process restart.
func (p *Pool) MarkIneligible(id int64, reason string, d time.Duration) {
	if entry := p.Get(id); entry != nil {
		entry.markIneligible(reason, d)
		log.Printf("[Pool] account %d ineligible for %s: %s", id, d, reason)
	}
}

// ObserveLatency feeds one request latency sample into the account's EWMA.
func (p *Pool) ObserveLatency(id int64, ms float64) {
	if entry := p.Get(id); entry != nil {
		entry.observeLatency(ms)
	}
}

// Deactivate turns the account off in the store of record and drops it from
// the registry. Used when a refresh grant is permanently revoked.
func (p *Pool) Deactivate(id int64) {
	if err := db.SetAccountActive(p.conn, id, false); err != nil {
		log.Printf("[Pool] failed to deactivate account %d: %v", id, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[id]; !ok {
		return
	}
	delete(p.entries, id)
	order := p.order[:0]
	for _, existing := range p.order {
		if existing != id {
			order = append(order, existing)
		}
	}
	p.order = order
}

// StartRefreshLoop reloads the registry on a fixed interval so out-of-band
// account edits are eventually picked up.
func (p *Pool) StartRefreshLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for range ticker.C {
			if err := p.Reload(); err != nil {
				log.Printf("[Pool] reload failed: %v", err)
			}
		}
	}()
}
