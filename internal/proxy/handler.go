// Package proxy is the request router: it picks an account, forwards the
// call upstream with substituted credentials, accounts for usage, and logs
// exactly one monitor record per request.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"gemini-relay/internal/config"
	"gemini-relay/internal/db/models"
	"gemini-relay/internal/logging"
	"gemini-relay/internal/pool"
	"gemini-relay/internal/proxy/middleware"
	"gemini-relay/internal/proxy/monitor"
	"gemini-relay/internal/scheduler"
	"gemini-relay/internal/upstream"
	"gemini-relay/internal/util"
)

const (
	// maxInboundBody caps the request payload we are willing to proxy.
	maxInboundBody = 16 * 1024 * 1024
	// maxCapturedBody caps how much of the response we keep for usage parsing.
	maxCapturedBody = 512 * 1024
	// rejectedCooldown suspends an account after the upstream refuses its
	// credential (401/403).
	rejectedCooldown = 5 * time.Minute
	// unavailableCooldown suspends an account after a transport failure.
	unavailableCooldown = 30 * time.Second
	// rateLimitCooldown is the fallback 429 backoff when the upstream gives
	// no retry hint.
	rateLimitCooldown = time.Minute
	// statusClientClosed logs requests whose client went away mid-call
	// (nginx convention).
	statusClientClosed = 499
)

// Handler serves the upstream-API-shaped proxy endpoint.
type Handler struct {
	provider *config.Provider
	sched    *scheduler.Scheduler
	pool     *pool.Pool
	quota    *pool.Tracker
	client   *upstream.Client
	monitor  *monitor.Monitor
}

// NewHandler wires the router with its collaborators.
func NewHandler(provider *config.Provider, sched *scheduler.Scheduler, p *pool.Pool, quota *pool.Tracker, client *upstream.Client, mon *monitor.Monitor) *Handler {
	return &Handler{
		provider: provider,
		sched:    sched,
		pool:     p,
		quota:    quota,
		client:   client,
		monitor:  mon,
	}
}

// Routes mounts the Gemini-shaped surface; mount it under /v1beta.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.APIKeyAuth(h.provider))
	r.Post("/models/{model}:generateContent", h.handleGenerate("generateContent"))
	r.Post("/models/{model}:streamGenerateContent", h.handleGenerate("streamGenerateContent"))
	return r
}

// requestLog accumulates the single MonitorLog emitted for a request.
type requestLog struct {
	mon   *monitor.Monitor
	start time.Time
	entry models.MonitorLog
	done  bool
}

func (rl *requestLog) emit(status int) {
	if rl.done {
		return
	}
	rl.done = true
	rl.entry.StatusCode = status
	rl.entry.LatencyMs = time.Since(rl.start).Milliseconds()
	rl.mon.Record(rl.entry)
}

func (rl *requestLog) fail(status int, msg string) {
	rl.entry.ErrorMessage = &msg
	rl.emit(status)
}

func (h *Handler) handleGenerate(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := logging.GenerateRequestID()
		ctx := logging.WithRequestID(r.Context(), requestID)
		w.Header().Set("X-Request-Id", requestID)

		model := chi.URLParam(r, "model")
		rl := &requestLog{
			mon:   h.monitor,
			start: time.Now(),
			entry: models.MonitorLog{
				Method: r.Method,
				Path:   r.URL.Path,
				Model:  &model,
			},
		}

		cfg := h.provider.Current()
		if !cfg.Enabled {
			writeError(w, http.StatusServiceUnavailable, "proxy is disabled", "config_disabled")
			rl.fail(http.StatusServiceUnavailable, "proxy disabled")
			return
		}
		if !cfg.ModelAllowed(model) {
			writeError(w, http.StatusForbidden, "model not allowed: "+model, "model_not_allowed")
			rl.fail(http.StatusForbidden, "model not allowed")
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxInboundBody))
		if err != nil {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large", "invalid_request")
			rl.fail(http.StatusRequestEntityTooLarge, "request body too large")
			return
		}

		sel, err := h.sched.Select(ctx, scheduler.Request{
			SessionKey:           sessionKey(r),
			Model:                model,
			EstimatedInputTokens: estimateTokens(body),
		})
		if err != nil {
			status := http.StatusServiceUnavailable
			var schedErr *scheduler.Error
			if errors.As(err, &schedErr) {
				status = schedErr.HTTPStatus()
			}
			writeError(w, status, err.Error(), "scheduling_error")
			rl.fail(status, err.Error())
			return
		}

		email := sel.Entry.Email()
		rl.entry.AccountEmail = &email

		upPath := "/v1beta/models/" + model + ":" + action
		if r.URL.RawQuery != "" {
			upPath += "?" + r.URL.RawQuery
		}

		resp, err := h.client.Forward(ctx, sel.AccessToken, http.MethodPost, upPath, r.Header, bytes.NewReader(body))
		if err != nil {
			if errors.Is(err, context.Canceled) {
				// Client went away; nothing to answer, nothing to commit.
				rl.fail(statusClientClosed, "client disconnected")
				return
			}
			h.pool.MarkIneligible(sel.Entry.ID(), "upstream unavailable", unavailableCooldown)
			writeError(w, http.StatusBadGateway, "upstream unavailable", "upstream_error")
			rl.fail(http.StatusBadGateway, err.Error())
			return
		}
		defer resp.Body.Close()

		captured, copyErr := relayResponse(w, resp)

		if copyErr != nil && ctx.Err() != nil {
			// Disconnect mid-stream: the attempt failed, skip the commit.
			rl.fail(statusClientClosed, "client disconnected mid-stream")
			return
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if usage, ok := upstream.ParseUsage(captured); ok {
				h.quota.Commit(sel.Entry, usage.InputTokens, usage.OutputTokens)
				rl.entry.InputTokens = &usage.InputTokens
				rl.entry.OutputTokens = &usage.OutputTokens
			}
			h.pool.ObserveLatency(sel.Entry.ID(), float64(time.Since(rl.start).Milliseconds()))
			rl.emit(resp.StatusCode)
			return
		}

		// Upstream rejected the call: passed through verbatim, never retried.
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			h.pool.MarkIneligible(sel.Entry.ID(), "upstream rejected credential", rejectedCooldown)
		case http.StatusTooManyRequests:
			delay := upstream.RetryDelay(resp.Header, captured)
			if delay <= 0 {
				delay = rateLimitCooldown
			}
			h.pool.MarkIneligible(sel.Entry.ID(), "upstream rate limited", delay)
		}
		log.Printf("[Proxy] %s upstream %d for %s: %s", requestID, resp.StatusCode, email, util.TruncateBytes(captured))
		rl.fail(resp.StatusCode, "upstream status "+resp.Status)
	}
}

// relayResponse streams the upstream response to the client while capturing a
// bounded prefix for usage parsing. SSE responses are flushed per write.
func relayResponse(w http.ResponseWriter, resp *http.Response) ([]byte, error) {
	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	capture := &tailWriter{cap: maxCapturedBody}
	var dst io.Writer = w
	if flusher, ok := w.(http.Flusher); ok {
		dst = &flushWriter{w: w, f: flusher}
	}

	_, err := io.Copy(dst, io.TeeReader(resp.Body, capture))
	return capture.Bytes(), err
}

// flushWriter flushes after every chunk so streamed tokens reach the client
// immediately.
type flushWriter struct {
	w io.Writer
	f http.Flusher
}

func (fw *flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if n > 0 {
		fw.f.Flush()
	}
	return n, err
}

// tailWriter keeps the most recent cap bytes. Usage metadata arrives in the
// final stream chunks, so the tail is the part worth keeping.
type tailWriter struct {
	buf bytes.Buffer
	cap int
}

func (tw *tailWriter) Write(p []byte) (int, error) {
	tw.buf.Write(p)
	if excess := tw.buf.Len() - tw.cap; excess > 0 {
		tw.buf.Next(excess)
	}
	return len(p), nil
}

func (tw *tailWriter) Bytes() []byte {
	return tw.buf.Bytes()
}

// sessionKey extracts the caller's session identifier, if any.
func sessionKey(r *http.Request) string {
	if key := r.Header.Get("X-Session-Id"); key != "" {
		return key
	}
	return r.URL.Query().Get("session_id")
}

// estimateTokens sizes the request for quota admission before parsing it.
// Rough heuristic: ~4 bytes of JSON per token, floored so tiny prompts still
// reserve a realistic minimum.
func estimateTokens(body []byte) int64 {
	est := int64(len(body) / 4)
	if est < pool.DefaultTokenEstimate {
		est = pool.DefaultTokenEstimate
	}
	return est
}

func writeError(w http.ResponseWriter, status int, message, errType string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{
			"message": message,
			"type":    errType,
		},
	})
}
