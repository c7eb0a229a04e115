package models

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FileToken is the durable copy of a file token so any replica can redeem it
type FileToken struct {
	Path    string `gorm:"type:varchar(700);primaryKey"`
	Token   string `gorm:"type:varchar(100);not null"`
	Expires int64  `gorm:"not null;index"`
}

type FileTokenStore struct {
	DB *gorm.DB
}

func NewFileTokenStore(db *gorm.DB) *FileTokenStore {
	return &FileTokenStore{DB: db}
}

func (s *FileTokenStore) Put(path, token string, expires int64) error {
	return s.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "path"}},
		DoUpdates: clause.AssignmentColumns([]string{"token", "expires"}),
	}).Create(&FileToken{Path: path, Token: token, Expires: expires}).Error
}

// Get returns ok=false when the path has no token
func (s *FileTokenStore) Get(path string) (token string, expires int64, ok bool, err error) {
	var t FileToken
	err = s.DB.Take(&t, "path = ?", path).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, err
	}
	return t.Token, t.Expires, true, nil
}

func (s *FileTokenStore) DeleteExpired(now int64) error {
	return s.DB.Where("expires <= ?", now).Delete(&FileToken{}).Error
}
