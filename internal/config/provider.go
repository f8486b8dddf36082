// Package config serves an immutable, hot-swappable snapshot of the
// database-backed proxy configuration.
package config

import (
	"log"
	"sync/atomic"
	"time"

	"gorm.io/gorm"

	"gemini-relay/internal/db"
	"gemini-relay/internal/db/models"
)

// Mode is the closed set of scheduling policies.
type Mode int

const (
	CacheFirst Mode = iota
	Balanced
	Performance
)

func (m Mode) String() string {
	switch m {
	case Balanced:
		return models.ModeBalanced
	case Performance:
		return models.ModePerformance
	default:
		return models.ModeCacheFirst
	}
}

// ParseMode maps a stored scheduling_mode string to a Mode.
// Unknown values fall back to cache-first, the persisted default.
func ParseMode(s string) Mode {
	switch s {
	case models.ModeBalanced:
		return Balanced
	case models.ModePerformance:
		return Performance
	default:
		return CacheFirst
	}
}

// Snapshot is one immutable view of the proxy configuration.
type Snapshot struct {
	Enabled           bool
	Host              string
	Port              int
	Mode              Mode
	SessionStickiness bool
	APIKey            string

	allowedModels map[string]struct{}
}

// ModelAllowed reports whether the model passes the allow-list.
// An empty list allows everything.
func (s *Snapshot) ModelAllowed(model string) bool {
	if len(s.allowedModels) == 0 {
		return true
	}
	_, ok := s.allowedModels[model]
	return ok
}

// AllowedModelCount returns the size of the allow-list (0 = unrestricted).
func (s *Snapshot) AllowedModelCount() int {
	return len(s.allowedModels)
}

// Provider caches the current snapshot and reloads it on demand or on a
// refresh interval. Readers never touch the database.
type Provider struct {
	conn    *gorm.DB
	current atomic.Value // *Snapshot
}

// NewProvider loads the initial snapshot from the database.
func NewProvider(conn *gorm.DB) (*Provider, error) {
	p := &Provider{conn: conn}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Current returns the active snapshot.
func (p *Provider) Current() *Snapshot {
	return p.current.Load().(*Snapshot)
}

// Reload re-reads the configuration row and atomically swaps the snapshot.
// Called after the configuration API mutates the row.
func (p *Provider) Reload() error {
	cfg, err := db.GetProxyConfig(p.conn)
	if err != nil {
		return err
	}
	p.current.Store(snapshotOf(cfg))
	return nil
}

// StartRefreshLoop re-reads the configuration on a fixed interval so
// out-of-band database edits are eventually picked up.
func (p *Provider) StartRefreshLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for range ticker.C {
			if err := p.Reload(); err != nil {
				log.Printf("[Config] refresh failed: %v", err)
			}
		}
	}()
}

func snapshotOf(cfg models.ProxyConfig) *Snapshot {
	snap := &Snapshot{
		Enabled:           cfg.Enabled,
		Host:              cfg.Host,
		Port:              cfg.Port,
		Mode:              ParseMode(cfg.SchedulingMode),
		SessionStickiness: cfg.SessionStickiness,
		APIKey:            cfg.APIKey,
	}
	list := cfg.AllowedModelList()
	if len(list) > 0 {
		snap.allowedModels = make(map[string]struct{}, len(list))
		for _, m := range list {
			snap.allowedModels[m] = struct{}{}
		}
	}
	return snap
}
