package workflow

import (
	"context"
	"errors"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/taleforge/stories_backend/models"
	"github.com/taleforge/stories_backend/utils"
	"gorm.io/gorm"
)

// MintRequest is the input to the idempotency gate.
type MintRequest struct {
	StoryId       int
	ContentHash   string
	AuthorAddress string
	Title         string
	MetadataUri   string
}

// MintRequestResult classifies the outcome of a mint request. A rejection is
// not an error: MINTED/PENDING duplicates are expected, idempotent responses.
type MintRequestResult struct {
	Accepted bool                    `json:"accepted"`
	Status   models.MintLedgerStatus `json:"status"`
	Message  string                  `json:"message"`
	Record   *models.MintLedgerEntry `json:"record"`
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

// RequestMint is the mint admission gate. At most one ledger entry exists per
// (contentHash, authorAddress); the unique index is the only race signal for
// concurrent creation, and FAILED -> PENDING retries go through an atomic
// conditional update so exactly one concurrent retry wins.
//
// Admission and the MintRequested outbox append happen in one DB transaction.
// Every database error except a uniqueness violation propagates to the caller.
func RequestMint(ctx context.Context, db *gorm.DB, req *MintRequest) (*MintRequestResult, error) {
	if req == nil {
		return nil, utils.NewValidationError("request is required")
	}
	if req.Title == "" {
		return nil, utils.NewValidationError("title is required")
	}
	if req.ContentHash == "" {
		return nil, utils.NewValidationError("contentHash is required")
	}
	if req.AuthorAddress == "" {
		return nil, utils.NewValidationError("authorAddress is required")
	}
	if req.StoryId <= 0 {
		return nil, utils.NewValidationError("storyId is required")
	}

	contentHash := utils.NormalizeAddress(req.ContentHash)
	authorAddress := utils.NormalizeAddress(req.AuthorAddress)
	if !utils.IsValidContentHash(contentHash) {
		return nil, utils.NewValidationError("contentHash must be 64 lowercase hex characters")
	}

	var result *MintRequestResult
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.MintLedgerEntry
		err := tx.Where("content_hash = ? AND author_address = ?", contentHash, authorAddress).
			First(&existing).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		if errors.Is(err, gorm.ErrRecordNotFound) {
			result, err = admitNewEntry(ctx, tx, req, contentHash, authorAddress)
			return err
		}

		switch existing.Status {
		case models.MintLedgerStatusMinted, models.MintLedgerStatusPending:
			result = classifyExisting(&existing)
			return nil
		case models.MintLedgerStatusFailed:
			result, err = retryFailedEntry(ctx, tx, req, &existing)
			return err
		default:
			result = classifyExisting(&existing)
			return nil
		}
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// admitNewEntry inserts a fresh PENDING entry. A uniqueness violation means a
// concurrent request created the record first; the winner's state is re-read
// and classified instead of surfacing a raw conflict.
func admitNewEntry(ctx context.Context, tx *gorm.DB, req *MintRequest, contentHash, authorAddress string) (*MintRequestResult, error) {
	entry := models.MintLedgerEntry{
		ContentHash:   contentHash,
		AuthorAddress: authorAddress,
		Status:        models.MintLedgerStatusPending,
		Title:         req.Title,
	}
	if err := tx.Create(&entry).Error; err != nil {
		if !isDuplicateKeyErr(err) {
			return nil, err
		}
		var winner models.MintLedgerEntry
		if rerr := tx.Where("content_hash = ? AND author_address = ?", contentHash, authorAddress).
			First(&winner).Error; rerr != nil {
			return nil, rerr
		}
		return classifyExisting(&winner), nil
	}

	if err := models.EnqueueMintRequested(ctx, tx, req.StoryId, authorAddress, req.MetadataUri, contentHash, authorAddress); err != nil {
		return nil, err
	}
	return &MintRequestResult{
		Accepted: true,
		Status:   models.MintLedgerStatusPending,
		Message:  "Mint request accepted",
		Record:   &entry,
	}, nil
}

// retryFailedEntry resets a FAILED entry to PENDING via a conditional update
// matching on status = FAILED. Zero matched rows means another caller already
// transitioned the record; the current state is re-read and returned rather
// than assumed.
func retryFailedEntry(ctx context.Context, tx *gorm.DB, req *MintRequest, existing *models.MintLedgerEntry) (*MintRequestResult, error) {
	res := tx.Model(&models.MintLedgerEntry{}).
		Where("id = ? AND status = ?", existing.ID, models.MintLedgerStatusFailed).
		Updates(map[string]interface{}{
			"status":     models.MintLedgerStatusPending,
			"last_error": nil,
			"tx_hash":    nil,
			"token_id":   nil,
			"minted_at":  nil,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		var current models.MintLedgerEntry
		if err := tx.Where("id = ?", existing.ID).First(&current).Error; err != nil {
			return nil, err
		}
		return classifyExisting(&current), nil
	}

	if err := models.EnqueueMintRequested(ctx, tx, req.StoryId, existing.AuthorAddress, req.MetadataUri, existing.ContentHash, existing.AuthorAddress); err != nil {
		return nil, err
	}

	var updated models.MintLedgerEntry
	if err := tx.Where("id = ?", existing.ID).First(&updated).Error; err != nil {
		return nil, err
	}
	return &MintRequestResult{
		Accepted: true,
		Status:   models.MintLedgerStatusPending,
		Message:  "Retry accepted; a new mint attempt was queued",
		Record:   &updated,
	}, nil
}

func classifyExisting(rec *models.MintLedgerEntry) *MintRequestResult {
	switch rec.Status {
	case models.MintLedgerStatusMinted:
		return &MintRequestResult{
			Accepted: false,
			Status:   models.MintLedgerStatusMinted,
			Message:  "Story already minted",
			Record:   rec,
		}
	case models.MintLedgerStatusFailed:
		return &MintRequestResult{
			Accepted: false,
			Status:   models.MintLedgerStatusFailed,
			Message:  "Previous mint attempt failed; submit a retry request",
			Record:   rec,
		}
	default:
		return &MintRequestResult{
			Accepted: false,
			Status:   models.MintLedgerStatusPending,
			Message:  "Mint already in progress",
			Record:   rec,
		}
	}
}

// GetLedgerEntry looks up the ledger record for a (contentHash, author) key.
func GetLedgerEntry(ctx context.Context, db *gorm.DB, contentHash, authorAddress string) (*models.MintLedgerEntry, error) {
	contentHash = utils.NormalizeAddress(contentHash)
	authorAddress = utils.NormalizeAddress(authorAddress)
	if !utils.IsValidContentHash(contentHash) {
		return nil, utils.NewValidationError("contentHash must be 64 lowercase hex characters")
	}
	var entry models.MintLedgerEntry
	err := db.WithContext(ctx).
		Where("content_hash = ? AND author_address = ?", contentHash, authorAddress).
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrorRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}
