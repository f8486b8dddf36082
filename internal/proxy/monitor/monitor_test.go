package monitor

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"gorm.io/gorm"

	"gemini-relay/internal/db"
	"gemini-relay/internal/db/models"
)

var testDBSeq atomic.Int64

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:montest%d?mode=memory&cache=shared", testDBSeq.Add(1))
	conn, err := db.InitDB(dsn)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	return conn
}

func TestRecordFillsIdentityAndCounts(t *testing.T) {
	m := New(newTestDB(t))

	m.Record(models.MonitorLog{Method: "POST", Path: "/x", StatusCode: 200})
	m.Record(models.MonitorLog{Method: "POST", Path: "/x", StatusCode: 503})

	recent := m.Recent(10)
	if len(recent) != 2 {
		t.Fatalf("expected 2 recent entries, got %d", len(recent))
	}
	for _, entry := range recent {
		if entry.ID == "" || entry.Timestamp == 0 {
			t.Errorf("entry missing id or timestamp: %+v", entry)
		}
	}
	// Newest first.
	if recent[0].StatusCode != 503 {
		t.Errorf("expected newest entry first, got %d", recent[0].StatusCode)
	}

	stats := m.Stats()
	if stats.TotalRequests != 2 || stats.SuccessCount != 1 || stats.ErrorCount != 1 {
		t.Errorf("unexpected counters: %+v", stats)
	}
}

func TestRecordPersistsAsync(t *testing.T) {
	conn := newTestDB(t)
	m := New(conn)

	m.Record(models.MonitorLog{Method: "POST", Path: "/x", StatusCode: 200})

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, total, err := db.GetMonitorLogs(conn, 10, 0)
		if err != nil {
			t.Fatalf("get logs: %v", err)
		}
		if total == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("log never reached the database")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRecentRingBounded(t *testing.T) {
	m := New(newTestDB(t))

	for i := 0; i < maxRecentLogs+20; i++ {
		m.Record(models.MonitorLog{Method: "POST", Path: "/x", StatusCode: 200})
	}

	if got := len(m.Recent(0)); got != maxRecentLogs {
		t.Errorf("ring should cap at %d, got %d", maxRecentLogs, got)
	}
	if stats := m.Stats(); stats.TotalRequests != maxRecentLogs+20 {
		t.Errorf("counters must not be capped: %+v", stats)
	}
}

func TestNewPrimesCountersFromStore(t *testing.T) {
	conn := newTestDB(t)
	for i := 0; i < 3; i++ {
		entry := models.MonitorLog{
			ID: fmt.Sprintf("seed-%d", i), Timestamp: int64(i), Method: "POST", Path: "/x", StatusCode: 200,
		}
		if err := db.InsertMonitorLog(conn, &entry); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	m := New(conn)
	if stats := m.Stats(); stats.TotalRequests != 3 || stats.SuccessCount != 3 {
		t.Errorf("counters not primed from existing logs: %+v", stats)
	}
}

func TestClearResetsEverything(t *testing.T) {
	conn := newTestDB(t)
	m := New(conn)
	m.Record(models.MonitorLog{Method: "POST", Path: "/x", StatusCode: 200})

	// Wait for the async write so Clear has something to delete.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, total, _ := db.GetMonitorLogs(conn, 1, 0); total == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("log never persisted")
		}
		time.Sleep(10 * time.Millisecond)
	}

	removed, err := m.Clear()
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 row removed, got %d", removed)
	}
	if len(m.Recent(10)) != 0 {
		t.Error("recent ring not cleared")
	}
	if stats := m.Stats(); stats.TotalRequests != 0 {
		t.Errorf("counters not reset: %+v", stats)
	}
}

func TestClearResetsDroppedWrites(t *testing.T) {
	conn := newTestDB(t)
	m := New(conn)

	// Two records with the same id: the second insert hits the primary key
	// and is counted as dropped.
	m.Record(models.MonitorLog{ID: "dup", Method: "POST", Path: "/x", StatusCode: 200})
	m.Record(models.MonitorLog{ID: "dup", Method: "POST", Path: "/x", StatusCode: 200})

	deadline := time.Now().Add(2 * time.Second)
	for m.Stats().DroppedWrites != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("dropped write never counted: %+v", m.Stats())
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := m.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if got := m.Stats().DroppedWrites; got != 0 {
		t.Errorf("dropped-write counter survived Clear: %d", got)
	}
}
