package models

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// ValidationToken is issued by the requestor's host and redeemed once by the data owner's host
type ValidationToken struct {
	ID            uint64 `gorm:"primaryKey"`
	CreatedAt     int64
	Token         string `gorm:"type:varchar(100);not null;index:uniq_validation_token,unique"`
	Expiration    int64  `gorm:"not null"`
	RequestorUser string `gorm:"type:varchar(100);not null"`
	RequestorHost string `gorm:"type:varchar(300)"`
	DataOwnerUser string `gorm:"type:varchar(100);not null"`
	DataOwnerHost string `gorm:"type:varchar(300)"`
	Permission    string `gorm:"type:varchar(200);not null"`
	TableID       string `gorm:"type:varchar(200)"`
	AppID         string `gorm:"type:varchar(200);not null"`
	RecordID      string `gorm:"type:varchar(300)"`
	Consumed      bool   `gorm:"not null;default:false"`
}

func (t *ValidationToken) Expired(now time.Time) bool {
	return now.Unix() >= t.Expiration
}

// RedeemedToken makes sure the owner's host mints at most one access token per validation token
type RedeemedToken struct {
	ID           uint64 `gorm:"primaryKey"`
	CreatedAt    int64
	Token        string `gorm:"type:varchar(100);not null;index:uniq_redeemed,unique,priority:1"`
	RequestorKey string `gorm:"type:varchar(400);not null;index:uniq_redeemed,unique,priority:2"`
}

// AccessToken lets RequestorID act through AppName on the data of OwnerID
type AccessToken struct {
	ID          uint64 `gorm:"primaryKey"`
	CreatedAt   int64
	Token       string `gorm:"type:varchar(100);not null;index:uniq_access_token,unique"`
	OwnerID     string `gorm:"type:varchar(100);not null;index"`
	RequestorID string `gorm:"type:varchar(400);not null"`
	AppName     string `gorm:"type:varchar(200);not null"`
	Expiration  int64  `gorm:"not null"`
}

func (t *AccessToken) Expired(now time.Time) bool {
	return t.Expiration > 0 && now.Unix() >= t.Expiration
}

type TokenStore struct {
	DB *gorm.DB
}

func NewTokenStore(db *gorm.DB) *TokenStore {
	return &TokenStore{DB: db}
}

func (s *TokenStore) CreateValidationToken(t *ValidationToken) error {
	return s.DB.Create(t).Error
}

// FindValidationToken matches on the full identifying tuple, returns nil when nothing matches
func (s *TokenStore) FindValidationToken(q ValidationToken) (*ValidationToken, error) {
	var t ValidationToken
	err := s.DB.Where(
		"token = ? AND requestor_user = ? AND requestor_host = ? AND data_owner_user = ? AND data_owner_host = ? AND permission = ? AND table_id = ? AND app_id = ? AND record_id = ?",
		q.Token, q.RequestorUser, q.RequestorHost, q.DataOwnerUser, q.DataOwnerHost, q.Permission, q.TableID, q.AppID, q.RecordID,
	).Take(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ConsumeValidationToken flips the consumed flag, reports false if it was already consumed
func (s *TokenStore) ConsumeValidationToken(id uint64) (bool, error) {
	result := s.DB.Model(&ValidationToken{}).Where("id = ? AND consumed = ?", id, false).Update("consumed", true)
	return result.RowsAffected == 1, result.Error
}

// Redeem records a redemption, reports false if the token was already redeemed by that requestor
func (s *TokenStore) Redeem(token, requestorKey string) (bool, error) {
	redeemed, err := s.redeemed(token, requestorKey)
	if err != nil || redeemed {
		return false, err
	}
	if err = s.DB.Create(&RedeemedToken{Token: token, RequestorKey: requestorKey}).Error; err != nil {
		// A concurrent redemption of the same token fails on the unique index
		if redeemed, _ = s.redeemed(token, requestorKey); redeemed {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *TokenStore) redeemed(token, requestorKey string) (bool, error) {
	var count int64
	err := s.DB.Model(&RedeemedToken{}).Where("token = ? AND requestor_key = ?", token, requestorKey).Count(&count).Error
	return count > 0, err
}

func (s *TokenStore) CreateAccessToken(t *AccessToken) error {
	return s.DB.Create(t).Error
}

// AccessToken returns nil for unknown tokens
func (s *TokenStore) AccessToken(token string) (*AccessToken, error) {
	var t AccessToken
	err := s.DB.Where("token = ?", token).Take(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *TokenStore) DeleteExpired(now time.Time) error {
	if err := s.DB.Where("expiration < ?", now.Unix()).Delete(&ValidationToken{}).Error; err != nil {
		return err
	}
	return s.DB.Where("expiration > 0 AND expiration < ?", now.Unix()).Delete(&AccessToken{}).Error
}
