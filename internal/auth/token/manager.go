// Package token guarantees accounts carry a valid access token before use.
package token

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"gemini-relay/internal/db"
	"gemini-relay/internal/pool"
)

const (
	// expirySkew renews tokens this long before their actual expiry.
	expirySkew = 60 * time.Second
	// refreshTimeout bounds one refresh-token exchange.
	refreshTimeout = 30 * time.Second
	// refreshCooldown suspends an account after a transient refresh failure.
	refreshCooldown = 2 * time.Minute
	// proactiveWindow is how far ahead the background loop renews tokens.
	proactiveWindow = 20 * time.Minute
)

// ErrRefreshFailed marks any refresh-token exchange failure. The scheduler
// treats it as a per-account failure and fails over to the next candidate.
var ErrRefreshFailed = errors.New("token refresh failed")

// Manager performs per-account token refresh with single-flight coalescing.
// Refreshes for different accounts run fully in parallel.
type Manager struct {
	conn  *gorm.DB
	pool  *pool.Pool
	oauth *oauth2.Config
	group singleflight.Group
}

// NewManager creates a token manager. The oauth config is injected so tests
// can point the token endpoint at a fake server.
func NewManager(conn *gorm.DB, p *pool.Pool, oauth *oauth2.Config) *Manager {
	return &Manager{conn: conn, pool: p, oauth: oauth}
}

// EnsureValid returns a non-expired access token for the entry, refreshing it
// if needed. A fresh token is returned with zero I/O. Concurrent callers for
// the same account share one upstream refresh call and its result.
func (m *Manager) EnsureValid(ctx context.Context, e *pool.Entry) (string, error) {
	if tok, ok := freshToken(e); ok {
		return tok, nil
	}

	key := strconv.FormatInt(e.ID(), 10)
	v, err, _ := m.group.Do(key, func() (interface{}, error) {
		// A flight that just finished may have renewed the token already.
		if tok, ok := freshToken(e); ok {
			return tok, nil
		}
		return m.refresh(ctx, e)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// freshToken returns the cached token when it is still comfortably valid.
func freshToken(e *pool.Entry) (string, bool) {
	access, _, expiresAt := e.Credentials()
	if access == "" {
		return "", false
	}
	if time.Now().Add(expirySkew).Unix() >= expiresAt {
		return "", false
	}
	return access, true
}

// refresh performs one refresh-token exchange and installs the result. The
// in-memory entry is authoritative immediately; persistence is asynchronous.
func (m *Manager) refresh(ctx context.Context, e *pool.Entry) (interface{}, error) {
	id := e.ID()
	email := e.Email()
	_, refreshToken, _ := e.Credentials()
	if refreshToken == "" {
		m.pool.MarkIneligible(id, "no refresh token", refreshCooldown)
		return nil, fmt.Errorf("%w: account %s has no refresh token", ErrRefreshFailed, email)
	}

	// The exchange is shared by every coalesced waiter, so it must not die
	// with the first caller. Detach from the inbound request context and
	// keep only the refresh deadline.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
	defer cancel()

	source := m.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	newToken, err := source.Token()
	if err != nil {
		if isPermanentRefreshError(err) {
			// Revoked grant: deactivate and require re-import.
			log.Printf("[Token] refresh permanently failed for %s, deactivating: %v", email, err)
			m.pool.Deactivate(id)
		} else {
			log.Printf("[Token] transient refresh failure for %s: %v", email, err)
			m.pool.MarkIneligible(id, "token refresh failed", refreshCooldown)
		}
		return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	rotated := ""
	if newToken.RefreshToken != "" && newToken.RefreshToken != refreshToken {
		log.Printf("[Token] rotating refresh token for %s", email)
		rotated = newToken.RefreshToken
	}

	expiresAt := newToken.Expiry.Unix()
	e.SetTokens(newToken.AccessToken, rotated, expiresAt)

	go func() {
		if err := db.UpdateTokens(m.conn, id, newToken.AccessToken, rotated, expiresAt); err != nil {
			log.Printf("[Token] failed to persist refreshed token for %s: %v", email, err)
		}
	}()

	log.Printf("[Token] refreshed token for %s (expires %s)", email, newToken.Expiry.Format(time.RFC3339))
	return newToken.AccessToken, nil
}

// StartRefreshLoop proactively renews tokens nearing expiry so requests
// rarely pay the refresh latency.
func (m *Manager) StartRefreshLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for range ticker.C {
			m.refreshExpiring()
		}
	}()
	log.Printf("[Token] background refresh loop started (interval %s)", interval)
}

func (m *Manager) refreshExpiring() {
	threshold := time.Now().Add(proactiveWindow).Unix()
	for _, entry := range m.pool.Snapshot() {
		_, _, expiresAt := entry.Credentials()
		if expiresAt >= threshold {
			continue
		}
		go func(e *pool.Entry) {
			if _, err := m.EnsureValid(context.Background(), e); err != nil {
				log.Printf("[Token] background refresh for %s: %v", e.Email(), err)
			}
		}(entry)
	}
}

// isPermanentRefreshError reports whether the OAuth error means the grant is
// gone for good rather than the endpoint being briefly unavailable.
func isPermanentRefreshError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"invalid_grant",
		"invalid_client",
		"unauthorized_client",
		"token has been expired or revoked",
		"revoked",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
