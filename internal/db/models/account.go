package models

import "time"

// Account stores one Google OAuth identity and its token pair.
type Account struct {
	ID           int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	Email        string `gorm:"uniqueIndex" json:"email"`
	DisplayName  string `json:"display_name,omitempty"`
	PhotoURL     string `json:"photo_url,omitempty"`
	AccessToken  string `json:"-"`
	RefreshToken string `json:"-"`
	// ExpiresAt is the access-token expiry in epoch seconds.
	ExpiresAt int64     `json:"expires_at"`
	IsActive  bool      `gorm:"default:true" json:"is_active"`
	SortOrder int       `gorm:"index" json:"sort_order"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// QuotaInfo tracks token usage against configured limits for one account.
// A zero input and output quota means the account is unlimited.
// Counters only grow; resets are performed externally via the quota API.
type QuotaInfo struct {
	AccountID   int64     `gorm:"primaryKey" json:"account_id"`
	InputQuota  int64     `json:"input_quota"`
	InputUsed   int64     `json:"input_used"`
	OutputQuota int64     `json:"output_quota"`
	OutputUsed  int64     `json:"output_used"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Unlimited reports whether no quota limit is configured.
func (q QuotaInfo) Unlimited() bool {
	return q.InputQuota == 0 && q.OutputQuota == 0
}
