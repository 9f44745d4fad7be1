package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/taleforge/stories_backend/config"
	"github.com/taleforge/stories_backend/models"
)

// Ops tool for stuck outbox events. Two modes:
//   - --event-id: requeue one terminal (FAILED/UNHANDLED) event with fresh budgets.
//   - --release-stale: release PROCESSING claims older than --stale-minutes,
//     typically left behind by a worker that died mid-event.
func main() {
	eventID := flag.Int("event-id", 0, "Requeue a single FAILED/UNHANDLED event by id")
	releaseStale := flag.Bool("release-stale", false, "Release stale PROCESSING claims back to PENDING")
	staleMinutes := flag.Int("stale-minutes", 10, "Claims older than this are considered stale")
	dryRun := flag.Bool("dry-run", true, "Show affected rows only (no writes)")
	confirm := flag.String("confirm", "", "Type REQUEUE to proceed when dry-run=false")
	flag.Parse()

	if *eventID <= 0 && !*releaseStale {
		fmt.Fprintln(os.Stderr, "one of --event-id or --release-stale is required")
		os.Exit(1)
	}
	if !*dryRun && strings.TrimSpace(*confirm) != "REQUEUE" {
		fmt.Fprintln(os.Stderr, "set --confirm=REQUEUE to proceed")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	if *eventID > 0 {
		var event models.OutboxEvent
		if err := db.Where("id = ?", *eventID).First(&event).Error; err != nil {
			fmt.Fprintf(os.Stderr, "event %d not found: %v\n", *eventID, err)
			os.Exit(1)
		}
		fmt.Printf("event %d: type=%s status=%s attempts=%d pending_attempts=%d story=%d\n",
			event.ID, event.EventType, event.Status, event.Attempts, event.PendingAttempts, event.StoryId)
		if event.LastError != nil {
			fmt.Printf("last_error: %s\n", *event.LastError)
		}
		if *dryRun {
			fmt.Println("dry-run; no changes made")
			return
		}

		res := db.Model(&models.OutboxEvent{}).
			Where("id = ? AND status IN ?", *eventID,
				[]models.OutboxEventStatus{models.OutboxEventStatusFailed, models.OutboxEventStatusUnhandled}).
			Updates(map[string]interface{}{
				"status":           models.OutboxEventStatusPending,
				"attempts":         0,
				"pending_attempts": 0,
				"processed_at":     nil,
				"last_error":       nil,
				"locked_at":        nil,
				"locked_by":        nil,
			})
		if res.Error != nil {
			fmt.Fprintf(os.Stderr, "requeue failed: %v\n", res.Error)
			os.Exit(1)
		}
		if res.RowsAffected == 0 {
			fmt.Fprintln(os.Stderr, "event is not in a terminal state; nothing to do")
			os.Exit(1)
		}
		fmt.Printf("event %d requeued\n", *eventID)
		return
	}

	staleBefore := time.Now().UTC().Add(-time.Duration(*staleMinutes) * time.Minute)
	if *dryRun {
		var stuck []models.OutboxEvent
		if err := db.
			Where("status = ? AND locked_at IS NOT NULL AND locked_at <= ?",
				models.OutboxEventStatusProcessing, staleBefore).
			Order("id ASC").
			Find(&stuck).Error; err != nil {
			fmt.Fprintf(os.Stderr, "query failed: %v\n", err)
			os.Exit(1)
		}
		for _, e := range stuck {
			lockedBy := ""
			if e.LockedBy != nil {
				lockedBy = *e.LockedBy
			}
			fmt.Printf("event %d: story=%d locked_at=%s locked_by=%s\n",
				e.ID, e.StoryId, e.LockedAt.Format(time.RFC3339), lockedBy)
		}
		fmt.Printf("dry-run; %d stale claim(s) found, no changes made\n", len(stuck))
		return
	}

	res := db.Model(&models.OutboxEvent{}).
		Where("status = ? AND locked_at IS NOT NULL AND locked_at <= ?",
			models.OutboxEventStatusProcessing, staleBefore).
		Updates(map[string]interface{}{
			"status":    models.OutboxEventStatusPending,
			"locked_at": nil,
			"locked_by": nil,
		})
	if res.Error != nil {
		fmt.Fprintf(os.Stderr, "release failed: %v\n", res.Error)
		os.Exit(1)
	}
	fmt.Printf("released %d stale claim(s)\n", res.RowsAffected)
}
