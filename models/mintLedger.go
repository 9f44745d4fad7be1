package models

import "time"

type MintLedgerStatus string

const (
	MintLedgerStatusPending MintLedgerStatus = "PENDING"
	MintLedgerStatusMinted  MintLedgerStatus = "MINTED"
	MintLedgerStatusFailed  MintLedgerStatus = "FAILED"
)

// MintLedgerEntry provides durable, DB-backed idempotency for mint requests.
// Unique constraint: (content_hash, author_address). At most one record can
// exist per key even under concurrent creation; the unique index is the race
// signal, not application-level locking.
type MintLedgerEntry struct {
	ID            int              `gorm:"primary_key" json:"id"`
	ContentHash   string           `gorm:"size:64;not null;index:uniq_mint_key,unique" json:"content_hash"`
	AuthorAddress string           `gorm:"size:64;not null;index:uniq_mint_key,unique" json:"author_address"`
	Status        MintLedgerStatus `gorm:"size:20;not null;index" json:"status"`
	Title         string           `gorm:"size:255;not null" json:"title"`
	TxHash        *string          `gorm:"size:66" json:"tx_hash"`
	TokenId       *uint64          `json:"token_id"`
	MintedAt      *time.Time       `json:"minted_at"`
	LastError     *string          `gorm:"size:500" json:"last_error"`
	CreatedAt     time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}
