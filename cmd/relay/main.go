package main

import (
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"gemini-relay/internal/api"
	"gemini-relay/internal/auth/google"
	"gemini-relay/internal/auth/token"
	"gemini-relay/internal/config"
	"gemini-relay/internal/db"
	"gemini-relay/internal/pool"
	"gemini-relay/internal/proxy"
	"gemini-relay/internal/proxy/monitor"
	"gemini-relay/internal/scheduler"
	"gemini-relay/internal/settings"
	"gemini-relay/internal/upstream"
	"gemini-relay/internal/version"
)

const (
	configReloadInterval = 30 * time.Second
	poolReloadInterval   = 5 * time.Minute
	tokenRefreshInterval = 15 * time.Minute
	affinitySweepEvery   = time.Minute
)

func main() {
	configPath := flag.String("config", "", "path to settings file (yaml)")
	flag.Parse()

	s, err := settings.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load settings: %v", err)
	}

	database, err := db.InitDB(s.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	provider, err := config.NewProvider(database)
	if err != nil {
		log.Fatalf("Failed to load proxy config: %v", err)
	}
	provider.StartRefreshLoop(configReloadInterval)

	accountPool, err := pool.New(database)
	if err != nil {
		log.Fatalf("Failed to load account pool: %v", err)
	}
	accountPool.StartRefreshLoop(poolReloadInterval)

	quota := pool.NewTracker(database)

	tokenManager := token.NewManager(database, accountPool, google.GetOAuthConfig())
	tokenManager.StartRefreshLoop(tokenRefreshInterval)

	sched := scheduler.New(accountPool, quota, tokenManager, provider, 0)
	sched.StartSweepLoop(affinitySweepEvery)

	mon := monitor.New(database)
	upstreamClient := upstream.NewClient()
	handler := proxy.NewHandler(provider, sched, accountPool, quota, upstreamClient, mon)

	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":   "ok",
			"version":  version.Version,
			"commit":   version.Commit,
			"accounts": accountPool.Size(),
			"enabled":  provider.Current().Enabled,
		})
	})

	// Management API
	r.Route("/api", func(r chi.Router) {
		r.Get("/accounts", api.ListAccountsHandler(database))
		r.Post("/accounts", api.CreateAccountHandler(database, accountPool))
		r.Get("/accounts/{id}", api.GetAccountHandler(database))
		r.Delete("/accounts/{id}", api.DeleteAccountHandler(database, accountPool))
		r.Put("/accounts/{id}/toggle", api.ToggleAccountHandler(database, accountPool))
		r.Put("/accounts/{id}/order", api.SetAccountOrderHandler(database, accountPool))
		r.Put("/accounts/{id}/quota", api.SetAccountQuotaHandler(database, accountPool))

		r.Get("/config/proxy", api.GetProxyConfigHandler(database))
		r.Put("/config/proxy", api.UpdateProxyConfigHandler(database, provider, accountPool))

		r.Get("/monitor/logs", api.GetLogsHandler(database))
		r.Get("/monitor/recent", api.GetRecentLogsHandler(mon))
		r.Delete("/monitor/logs", api.ClearLogsHandler(database, mon))
		r.Get("/monitor/stats", api.GetStatsHandler(database, mon))
	})

	// Gemini-shaped proxy surface
	r.Mount("/v1beta", handler.Routes())

	addr := s.BindAddr()
	log.Printf("[Relay] %s listening on %s (db=%s)", version.Version, addr, s.DBPath)
	if err := http.ListenAndServe(addr, r); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
