package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/taleforge/stories_backend/models"
	"github.com/taleforge/stories_backend/utils"
	"gorm.io/gorm"
)

const ledgerErrorMaxLen = 500

// ProcessMintRequestedWorkflow drives the mint saga for one story. It is
// re-entered on every poll of its owning outbox event until terminal, and
// every step re-reads persisted intent state before acting, which is what
// makes the saga safely resumable after a process crash.
//
// State machine:
//
//	pending   -> submitted            (submit tx; TxHash persisted exactly once)
//	submitted -> confirmed | failed   (poll chain status)
//
// Returns ErrTransactionPending (soft, retry), ErrTransactionReverted
// (terminal), or a hard error counted against the event's attempt budget.
func ProcessMintRequestedWorkflow(ctx context.Context, db *gorm.DB, logger *logrus.Logger, chain ChainService, event *models.OutboxEvent) error {
	intent, err := loadOrCreateIntent(ctx, db, event.StoryId)
	if err != nil {
		return fmt.Errorf("load mint intent: %w", err)
	}

	if intent.Status == models.MintIntentStatusPending {
		intent, err = submitMintTransaction(ctx, db, logger, chain, event, intent)
		if err != nil {
			return err
		}
	}

	switch intent.Status {
	case models.MintIntentStatusSubmitted:
		return pollSubmittedTransaction(ctx, db, logger, chain, event, intent)
	case models.MintIntentStatusConfirmed:
		// Crash-window re-entry: the intent confirmed but the event was not
		// completed. Re-run the writebacks; they are idempotent updates.
		return settleConfirmed(ctx, db, logger, event, intent)
	case models.MintIntentStatusFailed:
		return fmt.Errorf("mint intent %s already failed: %w", intent.IntentId, ErrTransactionReverted)
	default:
		return fmt.Errorf("mint intent %s in unexpected status %q", intent.IntentId, intent.Status)
	}
}

func loadOrCreateIntent(ctx context.Context, db *gorm.DB, storyId int) (*models.MintIntent, error) {
	intentId := models.MintIntentIdForStory(storyId)
	var intent models.MintIntent
	err := db.WithContext(ctx).Where("intent_id = ?", intentId).First(&intent).Error
	if err == nil {
		return &intent, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	intent = models.MintIntent{
		IntentId: intentId,
		StoryId:  storyId,
		Status:   models.MintIntentStatusPending,
	}
	if cerr := db.WithContext(ctx).Create(&intent).Error; cerr != nil {
		if !isDuplicateKeyErr(cerr) {
			return nil, cerr
		}
		// Lost a creation race; use the persisted row.
		if rerr := db.WithContext(ctx).Where("intent_id = ?", intentId).First(&intent).Error; rerr != nil {
			return nil, rerr
		}
	}
	return &intent, nil
}

// submitMintTransaction executes the pending -> submitted transition. The
// conditional update matching status = pending is the guard that keeps a
// crash-and-retry from double-submitting: once TxHash is set the transition
// can never match again.
func submitMintTransaction(ctx context.Context, db *gorm.DB, logger *logrus.Logger, chain ChainService, event *models.OutboxEvent, intent *models.MintIntent) (*models.MintIntent, error) {
	txHash, err := chain.SubmitMintTransaction(ctx, event.AuthorWallet, event.MetadataUri)
	if err != nil {
		return nil, fmt.Errorf("submit mint transaction: %w", err)
	}

	res := db.WithContext(ctx).Model(&models.MintIntent{}).
		Where("intent_id = ? AND status = ?", intent.IntentId, models.MintIntentStatusPending).
		Updates(map[string]interface{}{
			"status":  models.MintIntentStatusSubmitted,
			"tx_hash": txHash,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		// Another pass already advanced this intent; trust the persisted state.
		var current models.MintIntent
		if err := db.WithContext(ctx).Where("intent_id = ?", intent.IntentId).First(&current).Error; err != nil {
			return nil, err
		}
		return &current, nil
	}

	if logger != nil {
		fields := sagaLogFields(ctx, intent.IntentId, intent.StoryId)
		fields["tx_hash"] = txHash
		logger.WithFields(fields).Info("mint transaction submitted")
	}

	intent.Status = models.MintIntentStatusSubmitted
	intent.TxHash = &txHash
	return intent, nil
}

func pollSubmittedTransaction(ctx context.Context, db *gorm.DB, logger *logrus.Logger, chain ChainService, event *models.OutboxEvent, intent *models.MintIntent) error {
	if intent.TxHash == nil || *intent.TxHash == "" {
		return fmt.Errorf("mint intent %s is submitted but has no tx hash", intent.IntentId)
	}

	status, err := chain.GetTransactionStatus(ctx, *intent.TxHash)
	if err != nil {
		return fmt.Errorf("get transaction status for %s: %w", *intent.TxHash, err)
	}

	switch status.Status {
	case TxStatusConfirmed:
		if status.TokenId != nil {
			intent.TokenId = status.TokenId
		}
		return settleConfirmed(ctx, db, logger, event, intent)
	case TxStatusReverted:
		if err := settleReverted(ctx, db, logger, event, intent); err != nil {
			return err
		}
		return fmt.Errorf("mint transaction %s: %w", *intent.TxHash, ErrTransactionReverted)
	default:
		return fmt.Errorf("mint transaction %s: %w", *intent.TxHash, ErrTransactionPending)
	}
}

// settleConfirmed advances the intent to confirmed and propagates the result
// to the story and the originating ledger entry in one DB transaction.
func settleConfirmed(ctx context.Context, db *gorm.DB, logger *logrus.Logger, event *models.OutboxEvent, intent *models.MintIntent) error {
	now := time.Now().UTC()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.MintIntent{}).
			Where("intent_id = ? AND status = ?", intent.IntentId, models.MintIntentStatusSubmitted).
			Updates(map[string]interface{}{
				"status":   models.MintIntentStatusConfirmed,
				"token_id": intent.TokenId,
			}).Error; err != nil {
			return err
		}

		if err := models.UpdateStoryMintResult(tx, event.StoryId, models.StoryStatusMinted, intent.TokenId, intent.TxHash); err != nil {
			return err
		}

		return tx.Model(&models.MintLedgerEntry{}).
			Where("content_hash = ? AND author_address = ?", event.ContentHash, event.AuthorAddress).
			Updates(map[string]interface{}{
				"status":     models.MintLedgerStatusMinted,
				"tx_hash":    intent.TxHash,
				"token_id":   intent.TokenId,
				"minted_at":  &now,
				"last_error": nil,
			}).Error
	})
	if err != nil {
		return fmt.Errorf("settle confirmed mint: %w", err)
	}

	if logger != nil {
		fields := sagaLogFields(ctx, intent.IntentId, event.StoryId)
		fields["tx_hash"] = derefString(intent.TxHash)
		logger.WithFields(fields).Info("mint confirmed")
	}
	return nil
}

// settleReverted propagates a terminal chain failure to the intent, the story
// and the ledger entry, so a client can tell "still working" from "never
// going to succeed without a new attempt".
func settleReverted(ctx context.Context, db *gorm.DB, logger *logrus.Logger, event *models.OutboxEvent, intent *models.MintIntent) error {
	errMsg := utils.TruncateError(ErrTransactionReverted, ledgerErrorMaxLen)
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.MintIntent{}).
			Where("intent_id = ? AND status = ?", intent.IntentId, models.MintIntentStatusSubmitted).
			Update("status", models.MintIntentStatusFailed).Error; err != nil {
			return err
		}

		if err := models.UpdateStoryMintResult(tx, event.StoryId, models.StoryStatusFailed, nil, intent.TxHash); err != nil {
			return err
		}

		return tx.Model(&models.MintLedgerEntry{}).
			Where("content_hash = ? AND author_address = ?", event.ContentHash, event.AuthorAddress).
			Updates(map[string]interface{}{
				"status":     models.MintLedgerStatusFailed,
				"last_error": &errMsg,
			}).Error
	})
	if err != nil {
		return fmt.Errorf("settle reverted mint: %w", err)
	}

	if logger != nil {
		fields := sagaLogFields(ctx, intent.IntentId, event.StoryId)
		fields["tx_hash"] = derefString(intent.TxHash)
		logger.WithFields(fields).Warn("mint transaction reverted")
	}
	return nil
}

// MarkLedgerFailed records a terminal outbox failure (budget exhaustion, hard
// errors) on the originating ledger entry. MINTED entries are never touched.
func MarkLedgerFailed(ctx context.Context, db *gorm.DB, contentHash, authorAddress string, cause error) error {
	errMsg := utils.TruncateError(cause, ledgerErrorMaxLen)
	return db.WithContext(ctx).Model(&models.MintLedgerEntry{}).
		Where("content_hash = ? AND author_address = ? AND status <> ?",
			contentHash, authorAddress, models.MintLedgerStatusMinted).
		Updates(map[string]interface{}{
			"status":     models.MintLedgerStatusFailed,
			"last_error": &errMsg,
		}).Error
}

// sagaLogFields carries the worker identity from the claiming processor into
// every saga log line, so interleaved workers can be told apart.
func sagaLogFields(ctx context.Context, intentId string, storyId int) logrus.Fields {
	fields := logrus.Fields{
		"field":     "MintSaga",
		"intent_id": intentId,
		"story_id":  storyId,
	}
	if workerId, ok := utils.GetWorkerIdFromContext(ctx); ok && workerId != "" {
		fields["worker_id"] = workerId
	}
	return fields
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
