package models

// MonitorLog is the append-only record of one proxied request.
// Nullable columns stay nil when the request never reached that stage:
// AccountEmail is nil when no account could be selected, token counts are
// only populated on upstream success.
type MonitorLog struct {
	ID           string  `gorm:"primaryKey" json:"id"` // UUID
	Timestamp    int64   `gorm:"index" json:"timestamp"` // unix milliseconds
	Method       string  `json:"method"`
	Path         string  `json:"path"`
	StatusCode   int     `json:"status_code"`
	LatencyMs    int64   `json:"latency_ms"`
	AccountEmail *string `gorm:"index" json:"account_email"`
	Model        *string `gorm:"index" json:"model"`
	InputTokens  *int64  `json:"input_tokens"`
	OutputTokens *int64  `json:"output_tokens"`
	ErrorMessage *string `json:"error_message"`
}

// RequestCounters are the live in-process counters kept by the monitor.
type RequestCounters struct {
	TotalRequests int64 `json:"total_requests"`
	SuccessCount  int64 `json:"success_count"`
	ErrorCount    int64 `json:"error_count"`
	DroppedWrites int64 `json:"dropped_writes"`
}

// LogStats holds aggregated statistics over the monitor log.
type LogStats struct {
	TotalRequests     int64 `json:"total_requests"`
	SuccessCount      int64 `json:"success_count"`
	ErrorCount        int64 `json:"error_count"`
	AvgLatencyMs      int64 `json:"avg_latency_ms"`
	TotalInputTokens  int64 `json:"total_input_tokens"`
	TotalOutputTokens int64 `json:"total_output_tokens"`
}
