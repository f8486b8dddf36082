package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestForwardSubstitutesCredential(t *testing.T) {
	var gotAuth, gotContentType, gotAPIKey string
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		gotAPIKey = r.Header.Get("x-goog-api-key")
		gotPath = r.URL.RequestURI()
		io.Copy(io.Discard, r.Body)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := NewClientWithBaseURL(srv.URL)
	inbound := http.Header{}
	inbound.Set("Authorization", "Bearer caller-proxy-key")
	inbound.Set("x-goog-api-key", "caller-proxy-key")
	inbound.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := client.Forward(context.Background(), "account-token", http.MethodPost,
		"/v1beta/models/gemini-2.5-pro:generateContent?alt=sse", inbound, strings.NewReader(`{"contents":[]}`))
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	resp.Body.Close()

	if gotAuth != "Bearer account-token" {
		t.Errorf("account credential not substituted, got %q", gotAuth)
	}
	if gotAPIKey != "" {
		t.Errorf("inbound api key must not leak upstream, got %q", gotAPIKey)
	}
	if gotContentType != "application/json; charset=utf-8" {
		t.Errorf("content type not forwarded, got %q", gotContentType)
	}
	if gotPath != "/v1beta/models/gemini-2.5-pro:generateContent?alt=sse" {
		t.Errorf("path and query not preserved, got %q", gotPath)
	}
}

func TestForwardPassesErrorStatusesThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewClientWithBaseURL(srv.URL)
	resp, err := client.Forward(context.Background(), "tok", http.MethodPost, "/x", http.Header{}, nil)
	if err != nil {
		t.Fatalf("an upstream error status is not a transport error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("expected 429 passed through, got %d", resp.StatusCode)
	}
}

func TestForwardTransportFailure(t *testing.T) {
	// Nothing listens here.
	client := NewClientWithBaseURL("http://127.0.0.1:1")
	_, err := client.Forward(context.Background(), "tok", http.MethodPost, "/x", http.Header{}, nil)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestForwardCanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := NewClientWithBaseURL(srv.URL)
	_, err := client.Forward(ctx, "tok", http.MethodPost, "/x", http.Header{}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
