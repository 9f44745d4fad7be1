package models

import (
	"strconv"
	"time"
)

type MintIntentStatus string

const (
	MintIntentStatusPending   MintIntentStatus = "pending"
	MintIntentStatusSubmitted MintIntentStatus = "submitted"
	MintIntentStatusConfirmed MintIntentStatus = "confirmed"
	MintIntentStatusFailed    MintIntentStatus = "failed"
)

// MintIntent records how far the mint saga got for one story. It persists
// across process restarts so a resumed saga re-enters at the correct step
// instead of re-submitting a transaction.
//
// Invariant: TxHash is written exactly once, at the pending -> submitted
// transition, and never reassigned afterwards.
type MintIntent struct {
	IntentId  string           `gorm:"primaryKey;size:64" json:"intent_id"`
	StoryId   int              `gorm:"not null;index" json:"story_id"`
	Status    MintIntentStatus `gorm:"size:20;not null" json:"status"`
	TxHash    *string          `gorm:"size:66" json:"tx_hash"`
	TokenId   *uint64          `json:"token_id"`
	CreatedAt time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

func MintIntentIdForStory(storyId int) string {
	return "mint_" + strconv.Itoa(storyId)
}
