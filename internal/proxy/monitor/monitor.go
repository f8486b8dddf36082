// Package monitor records one MonitorLog per proxied request without ever
// blocking the request path.
package monitor

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"gemini-relay/internal/db"
	"gemini-relay/internal/db/models"
)

// maxRecentLogs bounds the in-memory ring of recent entries.
const maxRecentLogs = 100

// Monitor appends request logs asynchronously. Database write failures are
// swallowed and counted; the caller never sees them.
type Monitor struct {
	conn *gorm.DB

	logsMu     sync.RWMutex
	recentLogs []models.MonitorLog

	totalRequests atomic.Int64
	successCount  atomic.Int64
	errorCount    atomic.Int64
	droppedWrites atomic.Int64
}

// New creates a monitor and primes counters from the existing log table.
func New(conn *gorm.DB) *Monitor {
	m := &Monitor{
		conn:       conn,
		recentLogs: make([]models.MonitorLog, 0, maxRecentLogs),
	}

	stats := db.GetMonitorStats(conn)
	m.totalRequests.Store(stats.TotalRequests)
	m.successCount.Store(stats.SuccessCount)
	m.errorCount.Store(stats.ErrorCount)

	return m
}

// Record appends one request log. Fire-and-forget: the DB write happens on a
// separate goroutine and its failure only bumps the dropped counter.
func (m *Monitor) Record(entry models.MonitorLog) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp == 0 {
		entry.Timestamp = time.Now().UnixMilli()
	}

	m.totalRequests.Add(1)
	if entry.StatusCode >= 200 && entry.StatusCode < 400 {
		m.successCount.Add(1)
	} else {
		m.errorCount.Add(1)
	}

	m.logsMu.Lock()
	m.recentLogs = append([]models.MonitorLog{entry}, m.recentLogs...)
	if len(m.recentLogs) > maxRecentLogs {
		m.recentLogs = m.recentLogs[:maxRecentLogs]
	}
	m.logsMu.Unlock()

	go func(entry models.MonitorLog) {
		if err := db.InsertMonitorLog(m.conn, &entry); err != nil {
			m.droppedWrites.Add(1)
			log.Printf("[Monitor] dropped log write: %v", err)
		}
	}(entry)
}

// Recent returns up to limit entries from the in-memory ring, newest first.
func (m *Monitor) Recent(limit int) []models.MonitorLog {
	if limit <= 0 || limit > maxRecentLogs {
		limit = maxRecentLogs
	}
	m.logsMu.RLock()
	defer m.logsMu.RUnlock()
	if limit > len(m.recentLogs) {
		limit = len(m.recentLogs)
	}
	out := make([]models.MonitorLog, limit)
	copy(out, m.recentLogs[:limit])
	return out
}

// Stats returns the in-memory counters.
func (m *Monitor) Stats() models.RequestCounters {
	return models.RequestCounters{
		TotalRequests: m.totalRequests.Load(),
		SuccessCount:  m.successCount.Load(),
		ErrorCount:    m.errorCount.Load(),
		DroppedWrites: m.droppedWrites.Load(),
	}
}

// Clear wipes memory and the log table.
func (m *Monitor) Clear() (int64, error) {
	m.logsMu.Lock()
	m.recentLogs = m.recentLogs[:0]
	m.logsMu.Unlock()

	m.totalRequests.Store(0)
	m.successCount.Store(0)
	m.errorCount.Store(0)
	m.droppedWrites.Store(0)

	return db.ClearMonitorLogs(m.conn)
}
