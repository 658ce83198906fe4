package database

import (
	"video-digest/app/model"

	"gorm.io/gorm"
)

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.Job{},
		&model.User{},
	)
}
