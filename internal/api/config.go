package api

import (
	"encoding/json"
	"net/http"

	"gorm.io/gorm"

	"gemini-relay/internal/config"
	"gemini-relay/internal/db"
	"gemini-relay/internal/db/models"
	"gemini-relay/internal/pool"
)

// proxyConfigPayload is the wire shape of the proxy configuration, with the
// allowed-models JSON column expanded into a list.
type proxyConfigPayload struct {
	Enabled           bool     `json:"enabled"`
	Host              string   `json:"host"`
	Port              int      `json:"port"`
	SchedulingMode    string   `json:"scheduling_mode"`
	SessionStickiness bool     `json:"session_stickiness"`
	AllowedModels     []string `json:"allowed_models"`
	APIKey            string   `json:"api_key"`
}

// GetProxyConfigHandler returns the stored proxy configuration.
func GetProxyConfigHandler(conn *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg, err := db.GetProxyConfig(conn)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, proxyConfigPayload{
			Enabled:           cfg.Enabled,
			Host:              cfg.Host,
			Port:              cfg.Port,
			SchedulingMode:    cfg.SchedulingMode,
			SessionStickiness: cfg.SessionStickiness,
			AllowedModels:     cfg.AllowedModelList(),
			APIKey:            cfg.APIKey,
		})
	}
}

// UpdateProxyConfigHandler persists the configuration, hot-swaps the provider
// snapshot so the router sees the change immediately, and reloads the pool.
func UpdateProxyConfigHandler(conn *gorm.DB, provider *config.Provider, p *pool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload proxyConfigPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		switch payload.SchedulingMode {
		case models.ModeCacheFirst, models.ModeBalanced, models.ModePerformance:
		default:
			writeJSONError(w, http.StatusBadRequest, "unknown scheduling_mode: "+payload.SchedulingMode)
			return
		}
		if payload.Port <= 0 || payload.Port > 65535 {
			writeJSONError(w, http.StatusBadRequest, "port out of range")
			return
		}

		cfg, err := db.GetProxyConfig(conn)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		cfg.Enabled = payload.Enabled
		cfg.Host = payload.Host
		cfg.Port = payload.Port
		cfg.SchedulingMode = payload.SchedulingMode
		cfg.SessionStickiness = payload.SessionStickiness
		cfg.APIKey = payload.APIKey
		cfg.SetAllowedModels(payload.AllowedModels)

		if err := db.SaveProxyConfig(conn, &cfg); err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if err := provider.Reload(); err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		reloadPool(p)
		w.WriteHeader(http.StatusOK)
	}
}
