package models

import (
	"errors"
	"pdserver/utils"

	"gorm.io/gorm"
)

// PrivateFeed holds the access code shared with the feed's readers
type PrivateFeed struct {
	ID        uint64 `gorm:"primaryKey"`
	CreatedAt int64
	OwnerID   string `gorm:"type:varchar(100);not null;index:uniq_owner_feed,unique,priority:1"`
	Name      string `gorm:"type:varchar(200);not null;index:uniq_owner_feed,unique,priority:2"`
	Code      string `gorm:"type:varchar(100);not null"`
}

type PrivateFeedStore struct {
	DB *gorm.DB
}

func NewPrivateFeedStore(db *gorm.DB) *PrivateFeedStore {
	return &PrivateFeedStore{DB: db}
}

// Ensure creates the feed with a fresh code the first time it is used
func (s *PrivateFeedStore) Ensure(ownerID, name string) (*PrivateFeed, error) {
	feed := PrivateFeed{OwnerID: ownerID, Name: name}
	err := s.DB.Where(feed).Attrs(PrivateFeed{Code: utils.Rand16BytesToBase62()}).FirstOrCreate(&feed).Error
	return &feed, err
}

// Get returns nil if the owner never published to the feed
func (s *PrivateFeedStore) Get(ownerID, name string) (*PrivateFeed, error) {
	var feed PrivateFeed
	err := s.DB.Where("owner_id = ? AND name = ?", ownerID, name).Take(&feed).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &feed, err
}
