package models

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/taleforge/stories_backend/utils"
	"gorm.io/gorm"
)

type OutboxEventStatus string

const (
	OutboxEventStatusPending    OutboxEventStatus = "PENDING"
	OutboxEventStatusProcessing OutboxEventStatus = "PROCESSING"
	OutboxEventStatusCompleted  OutboxEventStatus = "COMPLETED"
	OutboxEventStatusFailed     OutboxEventStatus = "FAILED"
	// OutboxEventStatusUnhandled is the terminal state for event types no
	// handler recognizes. Kept distinct from COMPLETED for auditability.
	OutboxEventStatusUnhandled OutboxEventStatus = "UNHANDLED"
)

const OutboxEventTypeMintRequested = "MintRequested"

// OutboxEvent is the durable work queue behind mint admission ("transactional
// outbox"): the row is written inside the same DB transaction that admits the
// ledger entry, and a polling worker drives it to a terminal state afterwards.
// ID order is insertion order; the worker always claims the oldest eligible row.
type OutboxEvent struct {
	ID        int               `gorm:"primary_key;index:idx_outbox_claim,priority:2" json:"id"`
	EventType string            `gorm:"size:50;not null" json:"event_type"`
	Status    OutboxEventStatus `gorm:"size:20;not null;default:'PENDING';index:idx_outbox_claim,priority:1" json:"status"`

	// MintRequested payload.
	StoryId      int    `gorm:"not null;index" json:"story_id"`
	AuthorWallet string `gorm:"size:64;not null" json:"author_wallet"`
	MetadataUri  string `gorm:"size:500;not null" json:"metadata_uri"`
	// Ledger writeback key, so the saga can settle the originating entry.
	ContentHash   string `gorm:"size:64;not null;index" json:"content_hash"`
	AuthorAddress string `gorm:"size:64;not null" json:"author_address"`

	// Attempts counts hard failures; PendingAttempts counts soft
	// ("transaction still pending") polls. They burn separate budgets.
	Attempts        int        `gorm:"not null;default:0" json:"attempts"`
	PendingAttempts int        `gorm:"not null;default:0" json:"pending_attempts"`
	LastError       *string    `gorm:"type:text" json:"last_error"`
	LockedAt        *time.Time `gorm:"index" json:"locked_at"`
	LockedBy        *string    `gorm:"size:100" json:"locked_by"`
	// ProcessedAt is the first time a worker claimed the event; the soft-error
	// age ceiling is measured from it.
	ProcessedAt   *time.Time `gorm:"index" json:"processed_at"`
	CompletedAt   *time.Time `json:"completed_at"`
	CorrelationId string     `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// EnqueueMintRequested appends a MintRequested event inside the caller's DB
// transaction. It does NOT notify the worker; the worker polls. Keeping the
// append inside the admitting transaction is what makes ledger admission and
// event creation atomic.
func EnqueueMintRequested(ctx context.Context, tx *gorm.DB, storyId int, authorWallet, metadataUri, contentHash, authorAddress string) error {
	event := OutboxEvent{
		EventType:     OutboxEventTypeMintRequested,
		Status:        OutboxEventStatusPending,
		StoryId:       storyId,
		AuthorWallet:  authorWallet,
		MetadataUri:   metadataUri,
		ContentHash:   contentHash,
		AuthorAddress: authorAddress,
		CorrelationId: correlationIdFromContextOrNew(ctx),
	}
	return tx.Create(&event).Error
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}
