package models

import (
	"errors"

	"gorm.io/gorm"
)

// User is the account view needed by the sharing protocol. Login and sessions live elsewhere
type User struct {
	ID                       string `gorm:"type:varchar(100);primaryKey" json:"user_id"`
	CreatedAt                int64  `json:"_date_created"`
	UpdatedAt                int64  `json:"_date_modified"`
	Name                     string `gorm:"type:varchar(100)" json:"full_name"`
	PushToken                string `gorm:"type:varchar(128)" json:"-"`
	BlockMsgsToNonContacts   bool   `gorm:"not null;default:false" json:"blockMsgsToNonContacts"`
	BlockMsgsFromNonContacts bool   `gorm:"not null;default:false" json:"blockMsgsFromNonContacts"`
}

type UserStore struct {
	DB *gorm.DB
}

func NewUserStore(db *gorm.DB) *UserStore {
	return &UserStore{DB: db}
}

// Get returns nil for unknown users
func (s *UserStore) Get(id string) (*User, error) {
	var u User
	err := s.DB.Take(&u, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *UserStore) Save(u *User) error {
	return s.DB.Save(u).Error
}
