package models

import (
	"log"

	"github.com/taleforge/stories_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Story{},
		&MintLedgerEntry{},
		&OutboxEvent{},
		&MintIntent{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
