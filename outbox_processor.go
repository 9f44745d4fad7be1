package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
	"github.com/taleforge/stories_backend/config"
	"github.com/taleforge/stories_backend/models"
	"github.com/taleforge/stories_backend/utils"
	"github.com/taleforge/stories_backend/workflow"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

const ledgerErrorColumnLen = 500

var tracer = otel.Tracer("taleforge-stories")

// MintOutboxProcessor polls the outbox table and drives the mint saga for
// each claimed event. Delivery is at-least-once; the saga's conditional
// updates make duplicate delivery safe.
type MintOutboxProcessor struct {
	DB       *gorm.DB
	Logger   *logrus.Logger
	Chain    workflow.ChainService
	WorkerID string
	Interval time.Duration
	// LockTTL bounds how long a PROCESSING claim is honored. Rows locked
	// longer than this are treated as abandoned by a dead worker and
	// reclaimed.
	LockTTL time.Duration
}

func NewMintOutboxProcessor(db *gorm.DB, logger *logrus.Logger, chain workflow.ChainService) *MintOutboxProcessor {
	return &MintOutboxProcessor{
		DB:       db,
		Logger:   logger,
		Chain:    chain,
		WorkerID: "outbox-" + time.Now().Format("20060102-150405.000"),
		Interval: 2 * time.Second,
		LockTTL:  5 * time.Minute,
	}
}

func shouldRunOutboxProcessor() bool {
	// Default on: the worker is the only thing that turns accepted mint
	// requests into chain transactions.
	return utils.BoolFromEnv("OUTBOX_PROCESSING", true)
}

func (p *MintOutboxProcessor) Run(ctx context.Context) {
	if p == nil || p.DB == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		p.processOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.Interval):
		}
	}
}

func (p *MintOutboxProcessor) processOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil && p.Logger != nil {
			p.Logger.WithFields(logrus.Fields{
				"field":     "MintOutboxProcessor",
				"worker_id": p.WorkerID,
			}).Error(fmt.Sprintf("outbox cycle panicked: %v", r))
		}
	}()

	// Best-effort cross-instance serialization. The DB claim below is the
	// actual correctness guard, so a missing Redis just means more claim
	// contention.
	if locker := config.GetRedisLock(); locker != nil {
		lock, err := locker.Obtain(ctx, "outbox:mint-processor", p.Interval, nil)
		if err != nil {
			if !errors.Is(err, redislock.ErrNotObtained) && p.Logger != nil {
				p.Logger.WithFields(logrus.Fields{
					"field":     "MintOutboxProcessor",
					"worker_id": p.WorkerID,
				}).Warn("redis lock error: " + err.Error())
			}
			return
		}
		defer func() { _ = lock.Release(context.WithoutCancel(ctx)) }()
	}

	for {
		event, ok := p.claimNext(ctx)
		if !ok {
			return
		}
		p.dispatch(ctx, event)

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// claimNext atomically moves the oldest eligible event to PROCESSING.
// Eligible means PENDING, or PROCESSING with a claim older than LockTTL
// (a dead worker's abandoned row). The two-step select + conditional update
// keeps the claim portable across MySQL and SQLite; RowsAffected == 0 means
// another worker won the row and we simply try the next one.
func (p *MintOutboxProcessor) claimNext(ctx context.Context) (*models.OutboxEvent, bool) {
	now := time.Now().UTC()
	staleBefore := now.Add(-p.LockTTL)

	for {
		var event models.OutboxEvent
		err := p.DB.WithContext(ctx).
			Where("status = ? OR (status = ? AND locked_at IS NOT NULL AND locked_at <= ?)",
				models.OutboxEventStatusPending, models.OutboxEventStatusProcessing, staleBefore).
			Order("id ASC").
			First(&event).Error
		if err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) && p.Logger != nil {
				p.Logger.WithFields(logrus.Fields{
					"field":     "MintOutboxProcessor",
					"worker_id": p.WorkerID,
				}).Error("outbox claim query failed: " + err.Error())
			}
			return nil, false
		}

		updates := map[string]interface{}{
			"status":    models.OutboxEventStatusProcessing,
			"locked_at": &now,
			"locked_by": &p.WorkerID,
		}
		if event.ProcessedAt == nil {
			// First claim; anchors the pending-age ceiling.
			updates["processed_at"] = &now
		}

		claim := p.DB.WithContext(ctx).Model(&models.OutboxEvent{}).
			Where("id = ? AND status = ?", event.ID, event.Status)
		if event.LockedAt != nil {
			claim = claim.Where("locked_at = ?", *event.LockedAt)
		} else {
			claim = claim.Where("locked_at IS NULL")
		}
		res := claim.Updates(updates)
		if res.Error != nil {
			if p.Logger != nil {
				p.Logger.WithFields(logrus.Fields{
					"field":     "MintOutboxProcessor",
					"worker_id": p.WorkerID,
					"event_id":  event.ID,
				}).Error("outbox claim update failed: " + res.Error.Error())
			}
			return nil, false
		}
		if res.RowsAffected == 0 {
			// Lost the race for this row; look for the next eligible one.
			continue
		}

		event.Status = models.OutboxEventStatusProcessing
		event.LockedAt = &now
		event.LockedBy = &p.WorkerID
		if event.ProcessedAt == nil {
			event.ProcessedAt = &now
		}
		return &event, true
	}
}

func (p *MintOutboxProcessor) dispatch(ctx context.Context, event *models.OutboxEvent) {
	procCtx, span := tracer.Start(ctx, "outbox.dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.Int("outbox.event_id", event.ID),
		attribute.String("outbox.event_type", event.EventType),
		attribute.Int("outbox.story_id", event.StoryId),
	)

	procCtx = utils.SetCorrelationIdInContext(procCtx, event.CorrelationId)
	procCtx = utils.SetWorkerIdInContext(procCtx, p.WorkerID)

	switch event.EventType {
	case models.OutboxEventTypeMintRequested:
		err := workflow.ProcessMintRequestedWorkflow(procCtx, p.DB, p.Logger, p.Chain, event)
		switch {
		case err == nil:
			markOutboxCompleted(procCtx, p.DB, p.Logger, event)
		case errors.Is(err, workflow.ErrTransactionPending):
			markOutboxSoftRetry(procCtx, p.DB, p.Logger, event, err)
		case errors.Is(err, workflow.ErrTransactionReverted):
			// A reverted transaction can never succeed on retry.
			p.markUnretryable(procCtx, event, models.OutboxEventStatusFailed, err)
		default:
			markOutboxHardFailure(procCtx, p.DB, p.Logger, event, err)
		}
	default:
		p.markUnretryable(procCtx, event, models.OutboxEventStatusUnhandled,
			fmt.Errorf("no handler registered for event type %q", event.EventType))
	}
}

// markUnretryable terminally parks an event without burning through the
// retry budget: FAILED for reverted transactions, UNHANDLED for event types
// this worker does not know. Both keep the row for operator inspection.
func (p *MintOutboxProcessor) markUnretryable(ctx context.Context, event *models.OutboxEvent, status models.OutboxEventStatus, cause error) {
	errMsg := utils.TruncateError(cause, ledgerErrorColumnLen)
	_ = p.DB.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("id = ?", event.ID).
		Updates(map[string]interface{}{
			"status":     status,
			"attempts":   event.Attempts + 1,
			"last_error": &errMsg,
			"locked_at":  nil,
			"locked_by":  nil,
		}).Error

	if p.Logger != nil {
		p.Logger.WithFields(logrus.Fields{
			"field":      "MintOutboxProcessor",
			"worker_id":  p.WorkerID,
			"event_id":   event.ID,
			"story_id":   event.StoryId,
			"event_type": event.EventType,
			"status":     status,
		}).Error("outbox event terminally parked: " + errMsg)
	}

	if status == models.OutboxEventStatusFailed {
		revertStoryOnTerminalFailure(ctx, p.DB, p.Logger, event, cause)
	}
}
