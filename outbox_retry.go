package main

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/taleforge/stories_backend/models"
	"github.com/taleforge/stories_backend/utils"
	"github.com/taleforge/stories_backend/workflow"
	"gorm.io/gorm"
)

type outboxRetryConfig struct {
	// Hard failures: infrastructure or chain errors counted per delivery.
	maxAttempts int
	// Soft retries: transaction still pending, counted separately so a slow
	// chain does not eat the hard budget.
	maxPendingAttempts int
	maxPendingAge      time.Duration
}

func getOutboxRetryConfig() outboxRetryConfig {
	cfg := outboxRetryConfig{
		maxAttempts:        20,
		maxPendingAttempts: 60,
		maxPendingAge:      30 * time.Minute,
	}

	if v := os.Getenv("OUTBOX_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.maxAttempts = n
		}
	}
	if v := os.Getenv("OUTBOX_MAX_PENDING_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.maxPendingAttempts = n
		}
	}
	if v := os.Getenv("OUTBOX_MAX_PENDING_AGE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.maxPendingAge = time.Duration(n) * time.Second
		}
	}

	return cfg
}

func markOutboxCompleted(ctx context.Context, db *gorm.DB, logger *logrus.Logger, event *models.OutboxEvent) {
	if event == nil || event.ID <= 0 {
		return
	}
	now := time.Now().UTC()
	_ = db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("id = ? AND status = ?", event.ID, models.OutboxEventStatusProcessing).
		Updates(map[string]interface{}{
			"status":       models.OutboxEventStatusCompleted,
			"completed_at": &now,
			"last_error":   nil,
			"locked_at":    nil,
			"locked_by":    nil,
		}).Error

	if logger != nil {
		logger.WithFields(logrus.Fields{
			"field":    "OutboxProcessing",
			"event_id": event.ID,
			"story_id": event.StoryId,
			"attempts": event.Attempts,
		}).Info("outbox event completed")
	}
}

// markOutboxHardFailure burns one hard attempt. The event fails terminally on
// the attempt that reaches the hard budget; otherwise it is released back to
// PENDING for the next poll. Returns whether the event is now terminal.
func markOutboxHardFailure(ctx context.Context, db *gorm.DB, logger *logrus.Logger, event *models.OutboxEvent, cause error) bool {
	if event == nil || event.ID <= 0 {
		return false
	}

	cfg := getOutboxRetryConfig()
	attempts := event.Attempts + 1
	status := models.OutboxEventStatusPending
	if attempts >= cfg.maxAttempts {
		status = models.OutboxEventStatusFailed
	}
	errMsg := utils.TruncateError(cause, ledgerErrorColumnLen)

	_ = db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("id = ?", event.ID).
		Updates(map[string]interface{}{
			"status":     status,
			"attempts":   attempts,
			"last_error": &errMsg,
			"locked_at":  nil,
			"locked_by":  nil,
		}).Error

	if logger != nil {
		logger.WithFields(logrus.Fields{
			"field":    "OutboxProcessing",
			"event_id": event.ID,
			"story_id": event.StoryId,
			"status":   status,
			"attempts": attempts,
		}).Error("outbox event processing failed: " + errMsg)
	}

	if status == models.OutboxEventStatusFailed {
		revertStoryOnTerminalFailure(ctx, db, logger, event, cause)
		return true
	}
	return false
}

// markOutboxSoftRetry burns one pending attempt. Pending outcomes have their
// own budget and a wall-clock ceiling measured from the first claim, so an
// unconfirmable transaction cannot keep an event alive forever.
func markOutboxSoftRetry(ctx context.Context, db *gorm.DB, logger *logrus.Logger, event *models.OutboxEvent, cause error) bool {
	if event == nil || event.ID <= 0 {
		return false
	}

	cfg := getOutboxRetryConfig()
	pendingAttempts := event.PendingAttempts + 1
	age := time.Since(softRetryAgeBase(event))

	status := models.OutboxEventStatusPending
	if pendingAttempts >= cfg.maxPendingAttempts || age >= cfg.maxPendingAge {
		status = models.OutboxEventStatusFailed
	}
	errMsg := utils.TruncateError(cause, ledgerErrorColumnLen)

	_ = db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("id = ?", event.ID).
		Updates(map[string]interface{}{
			"status":           status,
			"pending_attempts": pendingAttempts,
			"last_error":       &errMsg,
			"locked_at":        nil,
			"locked_by":        nil,
		}).Error

	if logger != nil {
		entry := logger.WithFields(logrus.Fields{
			"field":            "OutboxProcessing",
			"event_id":         event.ID,
			"story_id":         event.StoryId,
			"status":           status,
			"pending_attempts": pendingAttempts,
			"pending_age":      age.String(),
		})
		if status == models.OutboxEventStatusFailed {
			entry.Error("outbox event exhausted pending budget: " + errMsg)
		} else {
			entry.Info("outbox event still pending on chain")
		}
	}

	if status == models.OutboxEventStatusFailed {
		revertStoryOnTerminalFailure(ctx, db, logger, event, cause)
		return true
	}
	return false
}

// softRetryAgeBase returns the instant the pending-age ceiling is measured
// from: the first claim when known, creation time otherwise.
func softRetryAgeBase(event *models.OutboxEvent) time.Time {
	if event.ProcessedAt != nil {
		return *event.ProcessedAt
	}
	return event.CreatedAt
}

// revertStoryOnTerminalFailure propagates a terminal outbox failure to the
// story and its ledger entry so clients see FAILED instead of a mint that is
// stuck in progress. A ledger entry that already reached MINTED is left alone.
func revertStoryOnTerminalFailure(ctx context.Context, db *gorm.DB, logger *logrus.Logger, event *models.OutboxEvent, cause error) {
	if event.EventType != models.OutboxEventTypeMintRequested {
		return
	}

	if err := models.UpdateStoryMintResult(db.WithContext(ctx), event.StoryId, models.StoryStatusFailed, nil, nil); err != nil {
		if logger != nil {
			logger.WithFields(logrus.Fields{
				"field":    "OutboxProcessing",
				"event_id": event.ID,
				"story_id": event.StoryId,
			}).Warn("failed to mark story failed after terminal outbox failure: " + err.Error())
		}
	}

	if err := workflow.MarkLedgerFailed(ctx, db, event.ContentHash, event.AuthorAddress, cause); err != nil {
		if logger != nil {
			logger.WithFields(logrus.Fields{
				"field":    "OutboxProcessing",
				"event_id": event.ID,
				"story_id": event.StoryId,
			}).Warn("failed to mark ledger entry failed after terminal outbox failure: " + err.Error())
		}
	}
}
