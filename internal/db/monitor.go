package db

import (
	"gorm.io/gorm"

	"gemini-relay/internal/db/models"
)

// InsertMonitorLog appends one monitor log row.
func InsertMonitorLog(conn *gorm.DB, entry *models.MonitorLog) error {
	return conn.Create(entry).Error
}

// GetMonitorLogs returns logs newest-first with pagination.
func GetMonitorLogs(conn *gorm.DB, limit, offset int) ([]models.MonitorLog, int64, error) {
	if limit <= 0 {
		limit = 50
	}
	var total int64
	conn.Model(&models.MonitorLog{}).Count(&total)

	var logs []models.MonitorLog
	err := conn.Order("timestamp DESC").Limit(limit).Offset(offset).Find(&logs).Error
	return logs, total, err
}

// ClearMonitorLogs deletes all log rows and returns how many were removed.
func ClearMonitorLogs(conn *gorm.DB) (int64, error) {
	res := conn.Where("1 = 1").Delete(&models.MonitorLog{})
	return res.RowsAffected, res.Error
}

// ClearMonitorLogsBefore deletes log rows older than the given unix-ms timestamp.
func ClearMonitorLogsBefore(conn *gorm.DB, before int64) (int64, error) {
	res := conn.Where("timestamp < ?", before).Delete(&models.MonitorLog{})
	return res.RowsAffected, res.Error
}

// GetMonitorStats aggregates totals over the whole log table.
func GetMonitorStats(conn *gorm.DB) models.LogStats {
	var stats models.LogStats

	conn.Model(&models.MonitorLog{}).Count(&stats.TotalRequests)
	conn.Model(&models.MonitorLog{}).Where("status_code >= 200 AND status_code < 400").Count(&stats.SuccessCount)
	conn.Model(&models.MonitorLog{}).Where("status_code < 200 OR status_code >= 400").Count(&stats.ErrorCount)

	var avg float64
	conn.Model(&models.MonitorLog{}).Select("COALESCE(AVG(latency_ms), 0)").Scan(&avg)
	stats.AvgLatencyMs = int64(avg)

	conn.Model(&models.MonitorLog{}).Select("COALESCE(SUM(input_tokens), 0)").Scan(&stats.TotalInputTokens)
	conn.Model(&models.MonitorLog{}).Select("COALESCE(SUM(output_tokens), 0)").Scan(&stats.TotalOutputTokens)

	return stats
}
