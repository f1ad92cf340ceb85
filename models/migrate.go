package models

import (
	"bitbucket.org/mmdatafocus/apptrack_backend/config"
)

// MigrateTable creates/updates the bookkeeping tables. Safe to call on every
// start; gorm AutoMigrate only adds missing columns and indexes.
func MigrateTable() {
	db := config.GetDB()
	if db == nil {
		return
	}
	err := db.AutoMigrate(
		&SyncRun{},
		&SyncRunError{},
		&CuratedPartition{},
	)
	if err != nil {
		config.LogError(config.GetLogger(), "models", "MigrateTable", "auto migrate", nil, err)
	}
}
