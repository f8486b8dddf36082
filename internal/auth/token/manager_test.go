package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"
	"gorm.io/gorm"

	"gemini-relay/internal/db"
	"gemini-relay/internal/db/models"
	"gemini-relay/internal/pool"
)

var testDBSeq atomic.Int64

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:tokentest%d?mode=memory&cache=shared", testDBSeq.Add(1))
	conn, err := db.InitDB(dsn)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	return conn
}

func seedAccount(t *testing.T, conn *gorm.DB, email, access string, expiresAt int64) models.Account {
	t.Helper()
	acc := models.Account{
		Email:        email,
		AccessToken:  access,
		RefreshToken: "refresh-" + email,
		ExpiresAt:    expiresAt,
		IsActive:     true,
		SortOrder:    1,
	}
	if err := conn.Create(&acc).Error; err != nil {
		t.Fatalf("seed account: %v", err)
	}
	return acc
}

// fakeOAuthServer serves the token endpoint with a canned handler and counts
// exchanges.
func fakeOAuthServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *oauth2.Config) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := &oauth2.Config{
		ClientID:     "test-client",
		ClientSecret: "test-secret",
		Endpoint: oauth2.Endpoint{
			AuthURL:  srv.URL + "/auth",
			TokenURL: srv.URL + "/token",
		},
	}
	return srv, cfg
}

func tokenResponse(w http.ResponseWriter, access, refresh string, expiresIn int) {
	w.Header().Set("Content-Type", "application/json")
	body := fmt.Sprintf(`{"access_token":%q,"token_type":"Bearer","expires_in":%d`, access, expiresIn)
	if refresh != "" {
		body += fmt.Sprintf(`,"refresh_token":%q`, refresh)
	}
	body += "}"
	w.Write([]byte(body))
}

func TestEnsureValidFreshTokenSkipsNetwork(t *testing.T) {
	conn := newTestDB(t)
	acc := seedAccount(t, conn, "a@example.com", "cached-token", time.Now().Add(time.Hour).Unix())

	p, err := pool.New(conn)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	var calls atomic.Int64
	_, oauthCfg := fakeOAuthServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		tokenResponse(w, "should-not-happen", "", 3600)
	})

	m := NewManager(conn, p, oauthCfg)
	tok, err := m.EnsureValid(context.Background(), p.Get(acc.ID))
	if err != nil {
		t.Fatalf("ensure valid: %v", err)
	}
	if tok != "cached-token" {
		t.Errorf("expected cached token, got %q", tok)
	}
	if calls.Load() != 0 {
		t.Errorf("fresh token should not hit the network, saw %d calls", calls.Load())
	}
}

func TestEnsureValidRefreshesExpiredToken(t *testing.T) {
	conn := newTestDB(t)
	acc := seedAccount(t, conn, "a@example.com", "stale-token", time.Now().Add(-time.Minute).Unix())

	p, err := pool.New(conn)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	_, oauthCfg := fakeOAuthServer(t, func(w http.ResponseWriter, r *http.Request) {
		tokenResponse(w, "renewed-token", "", 3600)
	})

	m := NewManager(conn, p, oauthCfg)
	entry := p.Get(acc.ID)
	tok, err := m.EnsureValid(context.Background(), entry)
	if err != nil {
		t.Fatalf("ensure valid: %v", err)
	}
	if tok != "renewed-token" {
		t.Errorf("expected renewed token, got %q", tok)
	}

	access, refresh, expiresAt := entry.Credentials()
	if access != "renewed-token" {
		t.Errorf("entry not updated in place: %q", access)
	}
	if refresh != "refresh-a@example.com" {
		t.Errorf("refresh token should survive non-rotating exchange: %q", refresh)
	}
	if expiresAt <= time.Now().Unix() {
		t.Errorf("expiry not advanced: %d", expiresAt)
	}

	// Persistence is async; poll the store.
	deadline := time.Now().Add(2 * time.Second)
	for {
		stored, err := db.GetAccount(conn, acc.ID)
		if err != nil {
			t.Fatalf("get account: %v", err)
		}
		if stored.AccessToken == "renewed-token" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("refreshed token never persisted")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRefreshSurvivesCallerCancel(t *testing.T) {
	conn := newTestDB(t)
	acc := seedAccount(t, conn, "a@example.com", "stale-token", time.Now().Add(-time.Minute).Unix())

	p, err := pool.New(conn)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	_, oauthCfg := fakeOAuthServer(t, func(w http.ResponseWriter, r *http.Request) {
		tokenResponse(w, "renewed-token", "", 3600)
	})

	m := NewManager(conn, p, oauthCfg)
	entry := p.Get(acc.ID)

	// The refresh is shared by all coalesced waiters, so one client
	// disconnecting must not fail it or punish the account.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tok, err := m.EnsureValid(ctx, entry)
	if err != nil {
		t.Fatalf("refresh failed after a client-side cancel: %v", err)
	}
	if tok != "renewed-token" {
		t.Errorf("expected renewed token, got %q", tok)
	}
	if cooling, reason := entry.InCooldown(time.Now()); cooling {
		t.Errorf("healthy account cooled down after a client-side cancel: %s", reason)
	}
}

func TestEnsureValidCoalescesConcurrentRefreshes(t *testing.T) {
	conn := newTestDB(t)
	acc := seedAccount(t, conn, "a@example.com", "stale-token", time.Now().Add(-time.Minute).Unix())

	p, err := pool.New(conn)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	var calls atomic.Int64
	_, oauthCfg := fakeOAuthServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond) // let the callers pile up
		tokenResponse(w, "renewed-token", "", 3600)
	})

	m := NewManager(conn, p, oauthCfg)
	entry := p.Get(acc.ID)

	const callers = 10
	var wg sync.WaitGroup
	results := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := m.EnsureValid(context.Background(), entry)
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
				return
			}
			results[i] = tok
		}(i)
	}
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("expected exactly 1 upstream exchange, got %d", got)
	}
	for i, tok := range results {
		if tok != "renewed-token" {
			t.Errorf("caller %d got %q", i, tok)
		}
	}
}

func TestRefreshRotatesRefreshToken(t *testing.T) {
	conn := newTestDB(t)
	acc := seedAccount(t, conn, "a@example.com", "stale-token", time.Now().Add(-time.Minute).Unix())

	p, err := pool.New(conn)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	_, oauthCfg := fakeOAuthServer(t, func(w http.ResponseWriter, r *http.Request) {
		tokenResponse(w, "renewed-token", "rotated-refresh", 3600)
	})

	m := NewManager(conn, p, oauthCfg)
	entry := p.Get(acc.ID)
	if _, err := m.EnsureValid(context.Background(), entry); err != nil {
		t.Fatalf("ensure valid: %v", err)
	}

	_, refresh, _ := entry.Credentials()
	if refresh != "rotated-refresh" {
		t.Errorf("rotated refresh token not installed: %q", refresh)
	}
}

func TestPermanentRefreshErrorDeactivatesAccount(t *testing.T) {
	conn := newTestDB(t)
	acc := seedAccount(t, conn, "a@example.com", "stale-token", time.Now().Add(-time.Minute).Unix())

	p, err := pool.New(conn)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	_, oauthCfg := fakeOAuthServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`))
	})

	m := NewManager(conn, p, oauthCfg)
	entry := p.Get(acc.ID)
	_, err = m.EnsureValid(context.Background(), entry)
	if !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("expected ErrRefreshFailed, got %v", err)
	}

	if p.Get(acc.ID) != nil {
		t.Error("revoked account should be dropped from the pool")
	}
	stored, err := db.GetAccount(conn, acc.ID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if stored.IsActive {
		t.Error("revoked account should be deactivated in the store")
	}
}

func TestTransientRefreshErrorCoolsAccountDown(t *testing.T) {
	conn := newTestDB(t)
	acc := seedAccount(t, conn, "a@example.com", "stale-token", time.Now().Add(-time.Minute).Unix())

	p, err := pool.New(conn)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	_, oauthCfg := fakeOAuthServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("temporarily overloaded"))
	})

	m := NewManager(conn, p, oauthCfg)
	entry := p.Get(acc.ID)
	_, err = m.EnsureValid(context.Background(), entry)
	if !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("expected ErrRefreshFailed, got %v", err)
	}

	if p.Get(acc.ID) == nil {
		t.Fatal("transient failure must not drop the account")
	}
	if cooling, _ := entry.InCooldown(time.Now()); !cooling {
		t.Error("transient failure should cool the account down")
	}
	stored, _ := db.GetAccount(conn, acc.ID)
	if !stored.IsActive {
		t.Error("transient failure must not deactivate the account")
	}
}

func TestEnsureValidMissingRefreshToken(t *testing.T) {
	conn := newTestDB(t)
	acc := models.Account{Email: "a@example.com", IsActive: true, SortOrder: 1}
	if err := conn.Create(&acc).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	p, err := pool.New(conn)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	_, oauthCfg := fakeOAuthServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("exchange attempted without a refresh token")
	})

	m := NewManager(conn, p, oauthCfg)
	_, err = m.EnsureValid(context.Background(), p.Get(acc.ID))
	if !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("expected ErrRefreshFailed, got %v", err)
	}
}

func TestIsPermanentRefreshError(t *testing.T) {
	cases := []struct {
		err       error
		permanent bool
	}{
		{nil, false},
		{errors.New(`oauth2: "invalid_grant" "Bad Request"`), true},
		{errors.New("oauth2: cannot fetch token: 401 Unauthorized: unauthorized_client"), true},
		{errors.New("Token has been expired or revoked."), true},
		{errors.New("dial tcp: connection refused"), false},
		{errors.New("oauth2: cannot fetch token: 503 Service Unavailable"), false},
	}
	for _, tc := range cases {
		if got := isPermanentRefreshError(tc.err); got != tc.permanent {
			t.Errorf("isPermanentRefreshError(%v) = %v, want %v", tc.err, got, tc.permanent)
		}
	}
}
