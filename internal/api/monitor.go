package api

import (
	"net/http"
	"strconv"

	"gorm.io/gorm"

	"gemini-relay/internal/db"
	"gemini-relay/internal/db/models"
	"gemini-relay/internal/proxy/monitor"
)

// logsResponse wraps a page of monitor logs with pagination info.
type logsResponse struct {
	Logs   []models.MonitorLog `json:"logs"`
	Total  int64               `json:"total"`
	Limit  int                 `json:"limit"`
	Offset int                 `json:"offset"`
}

// GetLogsHandler returns monitor logs newest-first with pagination.
func GetLogsHandler(conn *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := intQuery(r, "limit", 50)
		offset := intQuery(r, "offset", 0)

		logs, total, err := db.GetMonitorLogs(conn, limit, offset)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, logsResponse{Logs: logs, Total: total, Limit: limit, Offset: offset})
	}
}

// GetRecentLogsHandler returns the in-memory ring of most recent entries,
// including rows whose async database write is still in flight.
func GetRecentLogsHandler(mon *monitor.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, mon.Recent(intQuery(r, "limit", 50)))
	}
}

// GetStatsHandler returns aggregated log statistics plus live counters.
func GetStatsHandler(conn *gorm.DB, mon *monitor.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"totals":   db.GetMonitorStats(conn),
			"counters": mon.Stats(),
		})
	}
}

// ClearLogsHandler deletes logs: everything, or only rows older than the
// `before` unix-ms query parameter.
func ClearLogsHandler(conn *gorm.DB, mon *monitor.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var removed int64
		var err error
		if beforeStr := r.URL.Query().Get("before"); beforeStr != "" {
			before, parseErr := strconv.ParseInt(beforeStr, 10, 64)
			if parseErr != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid before timestamp")
				return
			}
			removed, err = db.ClearMonitorLogsBefore(conn, before)
		} else {
			removed, err = mon.Clear()
		}
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"removed": removed})
	}
}

func intQuery(r *http.Request, name string, fallback int) int {
	if raw := r.URL.Query().Get(name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			return v
		}
	}
	return fallback
}
