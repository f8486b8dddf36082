package db

import (
	"time"

	"gorm.io/gorm"

	"gemini-relay/internal/db/models"
)

// ListAccounts returns all accounts ordered by sort_order.
func ListAccounts(conn *gorm.DB) ([]models.Account, error) {
	var accounts []models.Account
	err := conn.Order("sort_order ASC").Find(&accounts).Error
	return accounts, err
}

// ListActiveAccounts returns active accounts ordered by sort_order.
func ListActiveAccounts(conn *gorm.DB) ([]models.Account, error) {
	var accounts []models.Account
	err := conn.Where("is_active = ?", true).Order("sort_order ASC").Find(&accounts).Error
	return accounts, err
}

// GetAccount returns one account by id.
func GetAccount(conn *gorm.DB, id int64) (models.Account, error) {
	var account models.Account
	err := conn.First(&account, "id = ?", id).Error
	return account, err
}

// SaveAccount inserts or updates an account. New accounts are appended to the
// end of the sort order.
func SaveAccount(conn *gorm.DB, account *models.Account) error {
	if account.ID == 0 {
		var maxOrder int
		conn.Model(&models.Account{}).Select("COALESCE(MAX(sort_order), -1)").Scan(&maxOrder)
		account.SortOrder = maxOrder + 1
	}
	return conn.Save(account).Error
}

// DeleteAccount removes an account and its quota row.
func DeleteAccount(conn *gorm.DB, id int64) (bool, error) {
	res := conn.Delete(&models.Account{}, "id = ?", id)
	if res.Error != nil {
		return false, res.Error
	}
	conn.Delete(&models.QuotaInfo{}, "account_id = ?", id)
	return res.RowsAffected > 0, nil
}

// SetAccountActive flips the active flag for an account.
func SetAccountActive(conn *gorm.DB, id int64, active bool) error {
	return conn.Model(&models.Account{}).Where("id = ?", id).
		Updates(map[string]interface{}{"is_active": active, "updated_at": time.Now()}).Error
}

// SetAccountOrder updates an account's sort order.
func SetAccountOrder(conn *gorm.DB, id int64, order int) error {
	return conn.Model(&models.Account{}).Where("id = ?", id).
		Updates(map[string]interface{}{"sort_order": order, "updated_at": time.Now()}).Error
}

// UpdateTokens persists a refreshed token pair for an account. A blank
// refreshToken keeps the stored one.
func UpdateTokens(conn *gorm.DB, id int64, accessToken, refreshToken string, expiresAt int64) error {
	updates := map[string]interface{}{
		"access_token": accessToken,
		"expires_at":   expiresAt,
		"updated_at":   time.Now(),
	}
	if refreshToken != "" {
		updates["refresh_token"] = refreshToken
	}
	return conn.Model(&models.Account{}).Where("id = ?", id).Updates(updates).Error
}

// GetQuota returns the quota row for an account, creating a zero (unlimited)
// row if none exists yet.
func GetQuota(conn *gorm.DB, accountID int64) (models.QuotaInfo, error) {
	var quota models.QuotaInfo
	err := conn.First(&quota, "account_id = ?", accountID).Error
	if err == gorm.ErrRecordNotFound {
		quota = models.QuotaInfo{AccountID: accountID, UpdatedAt: time.Now()}
		err = conn.Create(&quota).Error
	}
	return quota, err
}

// SetQuotaLimits overwrites quota limits and counters for an account. This is
// the external reset surface: administrators zero the counters here.
func SetQuotaLimits(conn *gorm.DB, quota *models.QuotaInfo) error {
	if _, err := GetQuota(conn, quota.AccountID); err != nil {
		return err
	}
	quota.UpdatedAt = time.Now()
	return conn.Save(quota).Error
}

// IncrementUsage atomically adds token usage deltas to an account's quota row.
func IncrementUsage(conn *gorm.DB, accountID int64, inputDelta, outputDelta int64) error {
	if _, err := GetQuota(conn, accountID); err != nil {
		return err
	}
	return conn.Model(&models.QuotaInfo{}).Where("account_id = ?", accountID).
		Updates(map[string]interface{}{
			"input_used":  gorm.Expr("input_used + ?", inputDelta),
			"output_used": gorm.Expr("output_used + ?", outputDelta),
			"updated_at":  time.Now(),
		}).Error
}
