package models

import (
	"pdserver/db"

	"gorm.io/gorm"
)

func Init() {
	if err := Migrate(db.Instance); err != nil {
		panic(err)
	}
}

// Migrate creates or updates all tables owned by this package
func Migrate(tx *gorm.DB) error {
	return tx.AutoMigrate(
		&User{},
		&Permission{},
		&PublicRecord{},
		&PrivateFeed{},
		&ValidationToken{},
		&RedeemedToken{},
		&AccessToken{},
		&Message{},
		&MessageRecipient{},
		&MessageGot{},
		&FileToken{},
	)
}
