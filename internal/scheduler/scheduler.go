// Package scheduler picks which pooled account serves each proxied request.
package scheduler

import (
	"context"
	"log"
	"time"

	"gemini-relay/internal/auth/token"
	"gemini-relay/internal/config"
	"gemini-relay/internal/pool"
)

// Request carries what the scheduler needs to know about one inbound request.
type Request struct {
	SessionKey           string
	Model                string
	EstimatedInputTokens int64
}

// Selection is a winning candidate with a guaranteed-valid access token.
type Selection struct {
	Entry       *pool.Entry
	AccessToken string
	// Sticky is true when the selection came from an existing session binding.
	Sticky bool
}

// Scheduler combines pool state, quota admission, session affinity, and the
// token lifecycle into one selection decision. Selection itself never blocks
// on I/O; only token refresh for the winning candidate may.
type Scheduler struct {
	pool     *pool.Pool
	quota    *pool.Tracker
	tokens   *token.Manager
	provider *config.Provider
	affinity *AffinityMap
	recency  *recencyIndex
}

// New wires a scheduler. affinityTTL 0 selects the default.
func New(p *pool.Pool, quota *pool.Tracker, tokens *token.Manager, provider *config.Provider, affinityTTL time.Duration) *Scheduler {
	return &Scheduler{
		pool:     p,
		quota:    quota,
		tokens:   tokens,
		provider: provider,
		affinity: NewAffinityMap(affinityTTL),
		recency:  newRecencyIndex(affinityTTL),
	}
}

// Affinity exposes the session map (for sweeping and tests).
func (s *Scheduler) Affinity() *AffinityMap {
	return s.affinity
}

// StartSweepLoop evicts idle session bindings and recency entries.
func (s *Scheduler) StartSweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for range ticker.C {
			now := time.Now()
			s.affinity.Sweep(now)
			s.recency.sweep(now)
		}
	}()
}

// Select returns an eligible account holding a valid access token, or a
// whole-pool *Error. Candidates that fail token refresh are dropped and the
// remaining pool is re-ranked, so one bad account never fails the request.
func (s *Scheduler) Select(ctx context.Context, req Request) (*Selection, error) {
	cfg := s.provider.Current()
	estimate := req.EstimatedInputTokens
	if estimate <= 0 {
		estimate = pool.DefaultTokenEstimate
	}

	all := s.pool.Snapshot()
	if len(all) == 0 {
		return nil, &Error{Reason: ReasonPoolEmpty, Detail: "no active accounts"}
	}

	now := time.Now()
	candidates := make([]*pool.Entry, 0, len(all))
	quotaBlocked := 0
	for _, entry := range all {
		if cooling, _ := entry.InCooldown(now); cooling {
			continue
		}
		if !s.quota.CanAdmit(entry, estimate) {
			quotaBlocked++
			continue
		}
		candidates = append(candidates, entry)
	}
	if len(candidates) == 0 {
		if quotaBlocked > 0 {
			return nil, &Error{Reason: ReasonQuotaExhausted, Detail: "no account admits the estimated cost"}
		}
		return nil, &Error{Reason: ReasonPoolEmpty, Detail: "all accounts cooling down"}
	}

	refreshFailures := 0
	if cfg.SessionStickiness && req.SessionKey != "" {
		if boundID, ok := s.affinity.BindingFor(req.SessionKey); ok {
			if bound := findByID(candidates, boundID); bound != nil {
				sel, remaining := s.tryWinner(ctx, req, bound, candidates, true)
				if sel != nil {
					return sel, nil
				}
				candidates = remaining
				refreshFailures++
				s.affinity.Evict(req.SessionKey)
			} else if s.pool.Get(boundID) == nil {
				// Account left the pool entirely; unbind every session
				// pointing at it.
				s.affinity.EvictAccount(boundID)
			} else {
				// Bound account cooling or out of quota: treat this
				// session as unbound.
				s.affinity.Evict(req.SessionKey)
			}
		}
	}

	for len(candidates) > 0 {
		winner := s.rank(cfg.Mode, req, candidates)
		sel, remaining := s.tryWinner(ctx, req, winner, candidates, false)
		if sel != nil {
			return sel, nil
		}
		candidates = remaining
		refreshFailures++
	}

	if refreshFailures > 0 {
		return nil, &Error{Reason: ReasonRefreshFailed, Detail: "all candidates failed token refresh"}
	}
	return nil, &Error{Reason: ReasonPoolEmpty}
}

// tryWinner ensures the winner's token; on refresh failure it returns the
// candidate list with the winner removed so the caller can re-rank.
func (s *Scheduler) tryWinner(ctx context.Context, req Request, winner *pool.Entry, candidates []*pool.Entry, sticky bool) (*Selection, []*pool.Entry) {
	accessToken, err := s.tokens.EnsureValid(ctx, winner)
	if err != nil {
		log.Printf("[Scheduler] dropping account %s: %v", winner.Email(), err)
		return nil, removeEntry(candidates, winner)
	}

	cfg := s.provider.Current()
	if cfg.SessionStickiness && req.SessionKey != "" {
		s.affinity.Bind(req.SessionKey, winner.ID())
	}
	s.recency.record(req.SessionKey, req.Model, winner.ID())

	return &Selection{Entry: winner, AccessToken: accessToken, Sticky: sticky}, nil
}

// rank picks the best candidate for the configured mode. Candidates arrive in
// sort_order, which doubles as the tie-break for every mode.
func (s *Scheduler) rank(mode config.Mode, req Request, candidates []*pool.Entry) *pool.Entry {
	switch mode {
	case config.Balanced:
		best := candidates[0]
		bestRatio := best.UsageRatio()
		for _, c := range candidates[1:] {
			if r := c.UsageRatio(); r < bestRatio {
				best, bestRatio = c, r
			}
		}
		return best

	case config.Performance:
		best := candidates[0]
		bestLatency := best.LatencyEWMA()
		for _, c := range candidates[1:] {
			l := c.LatencyEWMA()
			// Unmeasured accounts (0) rank first to gather samples.
			if l < bestLatency {
				best, bestLatency = c, l
			}
		}
		return best

	default: // cache-first
		if lastID, ok := s.recency.lastAccount(req.SessionKey, req.Model); ok {
			if last := findByID(candidates, lastID); last != nil {
				return last
			}
		}
		return candidates[0]
	}
}

func findByID(entries []*pool.Entry, id int64) *pool.Entry {
	for _, e := range entries {
		if e.ID() == id {
			return e
		}
	}
	return nil
}

func removeEntry(entries []*pool.Entry, target *pool.Entry) []*pool.Entry {
	out := entries[:0]
	for _, e := range entries {
		if e != target {
			out = append(out, e)
		}
	}
	return out
}
