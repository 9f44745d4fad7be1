package models

import (
	"time"

	"gorm.io/gorm"
)

type StoryStatus string

const (
	StoryStatusDraft   StoryStatus = "draft"
	StoryStatusMinting StoryStatus = "minting"
	StoryStatusMinted  StoryStatus = "minted"
	StoryStatusFailed  StoryStatus = "failed"
)

// Story is the content record the saga writes back to at completion. Reading,
// composing and generating stories happens elsewhere; this subsystem only
// mutates mint-result fields.
type Story struct {
	ID            int         `gorm:"primary_key" json:"id"`
	Title         string      `gorm:"size:255;not null" json:"title"`
	Body          string      `gorm:"type:text" json:"body"`
	AuthorAddress string      `gorm:"size:64;not null;index" json:"author_address"`
	MetadataUri   string      `gorm:"size:500" json:"metadata_uri"`
	Status        StoryStatus `gorm:"size:20;not null;default:'draft';index" json:"status"`
	NftTokenId    *uint64     `json:"nft_token_id"`
	NftTxHash     *string     `gorm:"size:66" json:"nft_tx_hash"`
	CreatedAt     time.Time   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

// UpdateStoryMintResult propagates a terminal saga outcome to the story
// record. tokenId and txHash may be nil on failure.
func UpdateStoryMintResult(tx *gorm.DB, storyId int, status StoryStatus, tokenId *uint64, txHash *string) error {
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now().UTC(),
	}
	if tokenId != nil {
		updates["nft_token_id"] = tokenId
	}
	if txHash != nil {
		updates["nft_tx_hash"] = txHash
	}
	return tx.Model(&Story{}).
		Where("id = ?", storyId).
		Updates(updates).Error
}
