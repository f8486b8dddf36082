// Package api exposes the management REST surface: accounts, proxy
// configuration, and the monitor log.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"

	"gemini-relay/internal/db"
	"gemini-relay/internal/db/models"
	"gemini-relay/internal/pool"
)

// accountResponse is an Account with quota attached and tokens redacted.
type accountResponse struct {
	models.Account
	Quota models.QuotaInfo `json:"quota"`
}

// ListAccountsHandler returns all accounts with their quota rows.
func ListAccountsHandler(conn *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accounts, err := db.ListAccounts(conn)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out := make([]accountResponse, 0, len(accounts))
		for _, acc := range accounts {
			quota, _ := db.GetQuota(conn, acc.ID)
			out = append(out, accountResponse{Account: acc, Quota: quota})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// GetAccountHandler returns one account.
func GetAccountHandler(conn *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := accountID(w, r)
		if !ok {
			return
		}
		account, err := db.GetAccount(conn, id)
		if err != nil {
			writeJSONError(w, http.StatusNotFound, "account not found")
			return
		}
		quota, _ := db.GetQuota(conn, id)
		writeJSON(w, http.StatusOK, accountResponse{Account: account, Quota: quota})
	}
}

// createAccountRequest imports an account with already-issued tokens. The
// consent flow happens elsewhere (CLI tooling, external authorizer).
type createAccountRequest struct {
	Email        string `json:"email"`
	DisplayName  string `json:"display_name"`
	PhotoURL     string `json:"photo_url"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
}

// CreateAccountHandler imports a credentialed account into the pool.
func CreateAccountHandler(conn *gorm.DB, p *pool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createAccountRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.Email == "" || req.RefreshToken == "" {
			writeJSONError(w, http.StatusBadRequest, "email and refresh_token are required")
			return
		}
		account := models.Account{
			Email:        req.Email,
			DisplayName:  req.DisplayName,
			PhotoURL:     req.PhotoURL,
			AccessToken:  req.AccessToken,
			RefreshToken: req.RefreshToken,
			ExpiresAt:    req.ExpiresAt,
			IsActive:     true,
		}
		if err := db.SaveAccount(conn, &account); err != nil {
			writeJSONError(w, http.StatusConflict, err.Error())
			return
		}
		reloadPool(p)
		writeJSON(w, http.StatusCreated, account)
	}
}

// DeleteAccountHandler removes an account.
func DeleteAccountHandler(conn *gorm.DB, p *pool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := accountID(w, r)
		if !ok {
			return
		}
		deleted, err := db.DeleteAccount(conn, id)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if !deleted {
			writeJSONError(w, http.StatusNotFound, "account not found")
			return
		}
		reloadPool(p)
		w.WriteHeader(http.StatusNoContent)
	}
}

// ToggleAccountHandler flips an account's active flag.
func ToggleAccountHandler(conn *gorm.DB, p *pool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := accountID(w, r)
		if !ok {
			return
		}
		account, err := db.GetAccount(conn, id)
		if err != nil {
			writeJSONError(w, http.StatusNotFound, "account not found")
			return
		}
		if err := db.SetAccountActive(conn, id, !account.IsActive); err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		reloadPool(p)
		writeJSON(w, http.StatusOK, map[string]bool{"is_active": !account.IsActive})
	}
}

// SetAccountOrderHandler updates scheduler priority.
func SetAccountOrderHandler(conn *gorm.DB, p *pool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := accountID(w, r)
		if !ok {
			return
		}
		var req struct {
			SortOrder int `json:"sort_order"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := db.SetAccountOrder(conn, id, req.SortOrder); err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		reloadPool(p)
		writeJSON(w, http.StatusOK, map[string]int{"sort_order": req.SortOrder})
	}
}

// SetAccountQuotaHandler overwrites quota limits and counters for an account.
// This is also the external reset surface: writing zero counters resets usage.
func SetAccountQuotaHandler(conn *gorm.DB, p *pool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := accountID(w, r)
		if !ok {
			return
		}
		if _, err := db.GetAccount(conn, id); err != nil {
			writeJSONError(w, http.StatusNotFound, "account not found")
			return
		}
		var quota models.QuotaInfo
		if err := json.NewDecoder(r.Body).Decode(&quota); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if quota.InputQuota < 0 || quota.OutputQuota < 0 || quota.InputUsed < 0 || quota.OutputUsed < 0 {
			writeJSONError(w, http.StatusBadRequest, "quota values must be non-negative")
			return
		}
		quota.AccountID = id
		quota.UpdatedAt = time.Now()
		if err := db.SetQuotaLimits(conn, &quota); err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		reloadPool(p)
		writeJSON(w, http.StatusOK, quota)
	}
}

func accountID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid account id")
		return 0, false
	}
	return id, true
}

func reloadPool(p *pool.Pool) {
	if p != nil {
		p.Reload()
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
