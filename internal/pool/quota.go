package pool

import (
	"log"

	"gorm.io/gorm"

	"gemini-relay/internal/db"
)

// DefaultTokenEstimate is the admission estimate used when the caller cannot
// size the request before parsing it.
const DefaultTokenEstimate = 512

// Tracker enforces per-account token quotas. Admission is checked against
// input quota before forwarding; output is only known after the fact, so it is
// checked optimistically and an overrun makes the account inadmissible for
// subsequent requests without aborting the one in flight.
type Tracker struct {
	conn *gorm.DB
}

// NewTracker creates a quota tracker persisting usage through conn.
func NewTracker(conn *gorm.DB) *Tracker {
	return &Tracker{conn: conn}
}

// CanAdmit reports whether the account can take a request of the estimated
// input size. Zero quota on both sides is the unlimited sentinel.
func (t *Tracker) CanAdmit(e *Entry, estimatedInput int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	q := e.quota
	if q.Unlimited() {
		return true
	}
	if q.InputQuota > 0 && q.InputUsed+estimatedInput > q.InputQuota {
		return false
	}
	if q.OutputQuota > 0 && q.OutputUsed >= q.OutputQuota {
		return false
	}
	return true
}

// Commit adds actual token usage after a successful upstream response. The
// in-memory counters are authoritative immediately; the database write is
// fire-and-forget so the request path never blocks on it. Until that write
// lands the delta stays pending on the entry, which keeps a concurrent
// Reload from rolling the counters back.
func (t *Tracker) Commit(e *Entry, actualInput, actualOutput int64) {
	e.mu.Lock()
	e.quota.InputUsed += actualInput
	e.quota.OutputUsed += actualOutput
	e.pendingInput += actualInput
	e.pendingOutput += actualOutput
	id := e.account.ID
	overrun := e.quota.OutputQuota > 0 && e.quota.OutputUsed > e.quota.OutputQuota
	e.mu.Unlock()

	if overrun {
		log.Printf("[Quota] account %d exceeded output quota, ineligible until reset", id)
	}

	go func() {
		if err := db.IncrementUsage(t.conn, id, actualInput, actualOutput); err != nil {
			// Delta stays pending so the counters survive reloads.
			log.Printf("[Quota] failed to persist usage for account %d: %v", id, err)
			return
		}
		e.settlePending(actualInput, actualOutput)
	}()
}
