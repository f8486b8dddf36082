package db

import (
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"gemini-relay/internal/db/models"
)

// InitDB opens the SQLite database and runs migrations.
func InitDB(dbPath string) (*gorm.DB, error) {
	conn, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	if err := conn.AutoMigrate(
		&models.Account{},
		&models.QuotaInfo{},
		&models.ProxyConfig{},
		&models.AppConfig{},
		&models.MonitorLog{},
	); err != nil {
		return nil, err
	}

	if err := ensureProxyConfig(conn); err != nil {
		return nil, err
	}

	return conn, nil
}

// ensureProxyConfig seeds the singleton proxy config row on first run.
func ensureProxyConfig(conn *gorm.DB) error {
	var count int64
	conn.Model(&models.ProxyConfig{}).Where("id = ?", 1).Count(&count)
	if count > 0 {
		return nil
	}

	cfg := models.ProxyConfig{
		ID:                1,
		Enabled:           false,
		Host:              "127.0.0.1",
		Port:              8094,
		SchedulingMode:    models.ModeCacheFirst,
		SessionStickiness: true,
	}
	cfg.SetAllowedModels(nil)
	return conn.Create(&cfg).Error
}

// GetProxyConfig returns the singleton proxy configuration row.
func GetProxyConfig(conn *gorm.DB) (models.ProxyConfig, error) {
	var cfg models.ProxyConfig
	err := conn.First(&cfg, "id = ?", 1).Error
	return cfg, err
}

// SaveProxyConfig overwrites the singleton proxy configuration row.
func SaveProxyConfig(conn *gorm.DB, cfg *models.ProxyConfig) error {
	cfg.ID = 1
	cfg.UpdatedAt = time.Now()
	return conn.Save(cfg).Error
}

// GetAppConfig returns the value for a key, or "" when unset.
func GetAppConfig(conn *gorm.DB, key string) string {
	var entry models.AppConfig
	if err := conn.First(&entry, "key = ?", key).Error; err != nil {
		return ""
	}
	return entry.Value
}

// SaveAppConfig upserts a key/value setting.
func SaveAppConfig(conn *gorm.DB, key, value string) error {
	entry := models.AppConfig{Key: key, Value: value}
	return conn.Save(&entry).Error
}
