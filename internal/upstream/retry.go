package upstream

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// googleErrorBody is the structured error Google returns on 429s. The
// RetryInfo detail carries a retryDelay like "3.5s".
type googleErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Status  string `json:"status"`
		Details []struct {
			Type       string            `json:"@type"`
			RetryDelay string            `json:"retryDelay"`
			Metadata   map[string]string `json:"metadata"`
		} `json:"details"`
	} `json:"error"`
}

// RetryDelay extracts how long the upstream asked us to back off, from the
// Retry-After header or the captured error body. Zero means no hint; the
// caller applies its own default cool-down.
func RetryDelay(header http.Header, capturedBody []byte) time.Duration {
	if retryAfter := header.Get("Retry-After"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			return time.Duration(seconds) * time.Second
		}
		if t, err := http.ParseTime(retryAfter); err == nil {
			return time.Until(t)
		}
	}

	if len(capturedBody) == 0 {
		return 0
	}
	var body googleErrorBody
	if err := json.Unmarshal(capturedBody, &body); err != nil {
		return 0
	}
	for _, detail := range body.Error.Details {
		if detail.RetryDelay != "" {
			if d, err := time.ParseDuration(detail.RetryDelay); err == nil {
				return d
			}
		}
		if delay, ok := detail.Metadata["retryDelay"]; ok {
			if d, err := time.ParseDuration(delay); err == nil {
				return d
			}
		}
	}
	return 0
}
