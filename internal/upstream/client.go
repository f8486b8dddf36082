// Package upstream talks to the generative-AI API on behalf of pooled accounts.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultBaseURL is the Gemini API endpoint the proxy forwards to.
const DefaultBaseURL = "https://generativelanguage.googleapis.com"

// requestTimeout bounds one proxied call, long enough for streaming responses.
const requestTimeout = 5 * time.Minute

// ErrUnavailable marks transport-level failures (connect, timeout). Upstream
// HTTP error statuses are not errors here; they pass through to the caller.
var ErrUnavailable = errors.New("upstream unavailable")

// Client forwards requests verbatim with a substituted bearer credential.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client against the production endpoint.
func NewClient() *Client {
	return NewClientWithBaseURL(DefaultBaseURL)
}

// NewClientWithBaseURL creates a client against an arbitrary endpoint,
// primarily for tests.
func NewClientWithBaseURL(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
	}
}

// Forward sends the request body to baseURL+pathAndQuery with the account's
// access token. The caller's context propagates, so a disconnected client
// cancels the upstream call. The response body is returned unread.
func (c *Client) Forward(ctx context.Context, accessToken, method, pathAndQuery string, header http.Header, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+pathAndQuery, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	copyForwardHeaders(req.Header, header)
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			// Client disconnect or deadline on the inbound side.
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return resp, nil
}

// copyForwardHeaders carries content negotiation through while stripping the
// inbound credential and hop-by-hop headers.
func copyForwardHeaders(dst, src http.Header) {
	for _, name := range []string{"Content-Type", "Accept", "Accept-Encoding", "User-Agent"} {
		if v := src.Get(name); v != "" {
			dst.Set(name, v)
		}
	}
	if dst.Get("Content-Type") == "" {
		dst.Set("Content-Type", "application/json")
	}
}
