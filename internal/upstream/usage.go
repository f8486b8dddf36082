package upstream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
)

// Usage is the token consumption reported by the upstream response.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

type usageMetadata struct {
	PromptTokenCount     int64 `json:"promptTokenCount"`
	CandidatesTokenCount int64 `json:"candidatesTokenCount"`
}

// usageEnvelope matches both the bare generateContent shape and the wrapped
// {"response": {...}} shape some Gemini surfaces emit.
type usageEnvelope struct {
	UsageMetadata *usageMetadata `json:"usageMetadata"`
	Response      *struct {
		UsageMetadata *usageMetadata `json:"usageMetadata"`
	} `json:"response"`
}

func (e usageEnvelope) usage() *usageMetadata {
	if e.UsageMetadata != nil {
		return e.UsageMetadata
	}
	if e.Response != nil {
		return e.Response.UsageMetadata
	}
	return nil
}

// ParseUsage extracts token counts from a captured response body. It handles
// a single JSON object, a JSON array of stream chunks, and SSE framing; for
// streams the last reported usageMetadata wins (counts are cumulative).
// ok is false when the body carries no usage information.
func ParseUsage(body []byte) (u Usage, ok bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return Usage{}, false
	}

	switch trimmed[0] {
	case '{':
		var env usageEnvelope
		if err := json.Unmarshal(trimmed, &env); err == nil {
			if m := env.usage(); m != nil {
				return Usage{InputTokens: m.PromptTokenCount, OutputTokens: m.CandidatesTokenCount}, true
			}
		}
		return Usage{}, false

	case '[':
		var chunks []usageEnvelope
		if err := json.Unmarshal(trimmed, &chunks); err != nil {
			return Usage{}, false
		}
		for i := len(chunks) - 1; i >= 0; i-- {
			if m := chunks[i].usage(); m != nil {
				return Usage{InputTokens: m.PromptTokenCount, OutputTokens: m.CandidatesTokenCount}, true
			}
		}
		return Usage{}, false

	default:
		return parseSSEUsage(trimmed)
	}
}

// parseSSEUsage scans "data: {...}" lines and keeps the last usage seen.
func parseSSEUsage(body []byte) (Usage, bool) {
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	var last *usageMetadata
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}
		var env usageEnvelope
		if err := json.Unmarshal([]byte(data), &env); err != nil {
			continue
		}
		if m := env.usage(); m != nil {
			last = m
		}
	}
	if last == nil {
		return Usage{}, false
	}
	return Usage{InputTokens: last.PromptTokenCount, OutputTokens: last.CandidatesTokenCount}, true
}
