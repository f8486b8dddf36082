package models

import (
	"encoding/json"
	"time"
)

// Scheduling modes accepted in ProxyConfig.SchedulingMode.
const (
	ModeCacheFirst  = "cache-first"
	ModeBalanced    = "balanced"
	ModePerformance = "performance"
)

// ProxyConfig is the single-row proxy server configuration.
type ProxyConfig struct {
	ID                int64  `gorm:"primaryKey" json:"id"`
	Enabled           bool   `json:"enabled"`
	Host              string `gorm:"default:127.0.0.1" json:"host"`
	Port              int    `gorm:"default:8094" json:"port"`
	SchedulingMode    string `gorm:"default:cache-first" json:"scheduling_mode"`
	SessionStickiness bool   `gorm:"default:true" json:"session_stickiness"`
	// AllowedModels is a JSON array of model names. Empty array = all allowed.
	AllowedModels string    `gorm:"default:[]" json:"-"`
	APIKey        string    `json:"api_key,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// AllowedModelList decodes the stored JSON array of allowed model names.
func (c ProxyConfig) AllowedModelList() []string {
	if c.AllowedModels == "" {
		return nil
	}
	var list []string
	if err := json.Unmarshal([]byte(c.AllowedModels), &list); err != nil {
		return nil
	}
	return list
}

// SetAllowedModels encodes the model list into the stored JSON column.
func (c *ProxyConfig) SetAllowedModels(list []string) {
	if list == nil {
		list = []string{}
	}
	data, _ := json.Marshal(list)
	c.AllowedModels = string(data)
}

// AppConfig stores free-form key/value application settings.
type AppConfig struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
