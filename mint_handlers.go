package main

import (
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/taleforge/stories_backend/config"
	"github.com/taleforge/stories_backend/models"
	"github.com/taleforge/stories_backend/utils"
	"github.com/taleforge/stories_backend/workflow"
	"gorm.io/gorm"
)

type mintRequestDto struct {
	// StoryId is optional; when zero a story record is created from the
	// submitted content.
	StoryId       int    `json:"story_id"`
	Title         string `json:"title" binding:"required,max=255"`
	Body          string `json:"body" binding:"required"`
	AuthorAddress string `json:"author_address" binding:"required,ethaddr"`
	// ContentHash is optional; the server always recomputes and a mismatch
	// is rejected.
	ContentHash string `json:"content_hash" binding:"omitempty,len=64"`
	// MetadataUri is optional; when absent the server publishes metadata to
	// the configured bucket or falls back to a content URI.
	MetadataUri string `json:"metadata_uri" binding:"omitempty,max=500,url"`
}

func mintRequestHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()
		db := config.GetDB()

		var dto mintRequestDto
		if err := c.ShouldBindJSON(&dto); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		authorAddress := utils.NormalizeAddress(dto.AuthorAddress)
		contentHash := utils.ComputeContentHash(dto.Title, dto.Body, dto.AuthorAddress)
		if dto.ContentHash != "" && !strings.EqualFold(strings.TrimSpace(dto.ContentHash), contentHash) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "content_hash does not match the submitted content"})
			return
		}

		ctx := c.Request.Context()

		story, err := resolveStory(c, db, &dto, authorAddress)
		if err != nil {
			return
		}

		metadataUri := story.MetadataUri
		if metadataUri == "" {
			metadataUri = dto.MetadataUri
		}
		if metadataUri == "" {
			if utils.MetadataUploadEnabled() {
				uri, uerr := utils.UploadStoryMetadata(ctx, contentHash, dto.Title, dto.Body, authorAddress)
				if uerr != nil {
					config.LogError(logger, "mint", "mintRequestHandler", "metadata upload", gin.H{"story_id": story.ID}, uerr)
					c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to publish story metadata"})
					return
				}
				metadataUri = uri
			} else {
				metadataUri = "content://" + contentHash
			}
		}
		if story.MetadataUri == "" {
			_ = db.WithContext(ctx).Model(&models.Story{}).
				Where("id = ?", story.ID).
				Update("metadata_uri", metadataUri).Error
		}

		result, err := workflow.RequestMint(ctx, db, &workflow.MintRequest{
			StoryId:       story.ID,
			ContentHash:   contentHash,
			AuthorAddress: authorAddress,
			Title:         dto.Title,
			MetadataUri:   metadataUri,
		})
		if err != nil {
			if utils.IsValidationError(err) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			config.LogError(logger, "mint", "mintRequestHandler", "request mint", gin.H{"story_id": story.ID}, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}

		if result.Accepted {
			_ = db.WithContext(ctx).Model(&models.Story{}).
				Where("id = ? AND status IN ?", story.ID,
					[]models.StoryStatus{models.StoryStatusDraft, models.StoryStatusFailed}).
				Update("status", models.StoryStatusMinting).Error
			c.JSON(http.StatusOK, gin.H{"story_id": story.ID, "result": result})
			return
		}

		// Any duplicate is a conflict; the embedded record's status tells the
		// client whether the mint finished, is in flight, or needs a retry.
		c.JSON(http.StatusConflict, gin.H{"story_id": story.ID, "result": result})
	}
}

// resolveStory loads the referenced story or creates one from the submitted
// content. Writes the HTTP error response itself and returns nil on failure.
func resolveStory(c *gin.Context, db *gorm.DB, dto *mintRequestDto, authorAddress string) (*models.Story, error) {
	ctx := c.Request.Context()

	if dto.StoryId > 0 {
		var story models.Story
		if err := db.WithContext(ctx).Where("id = ?", dto.StoryId).First(&story).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "story not found"})
			} else {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			}
			return nil, err
		}
		if !strings.EqualFold(story.AuthorAddress, authorAddress) {
			c.JSON(http.StatusConflict, gin.H{"error": "story belongs to a different author"})
			return nil, errors.New("author mismatch")
		}
		return &story, nil
	}

	story := models.Story{
		Title:         dto.Title,
		Body:          dto.Body,
		AuthorAddress: authorAddress,
		Status:        models.StoryStatusDraft,
	}
	if err := db.WithContext(ctx).Create(&story).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return nil, err
	}
	return &story, nil
}

func mintStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		contentHash := strings.ToLower(strings.TrimSpace(c.Query("content_hash")))
		authorAddress := utils.NormalizeAddress(c.Query("author_address"))
		if !utils.IsValidContentHash(contentHash) || authorAddress == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "content_hash and author_address are required"})
			return
		}

		// MINTED entries are immutable, so they are safe to cache.
		cacheKey := "MintLedger:" + contentHash + ":" + authorAddress
		var cached models.MintLedgerEntry
		if found, err := config.GetRedisObject(cacheKey, &cached); err == nil && found {
			c.JSON(http.StatusOK, gin.H{"record": cached})
			return
		}

		entry, err := workflow.GetLedgerEntry(c.Request.Context(), config.GetDB(), contentHash, authorAddress)
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "no mint request found for this content"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}

		if entry.Status == models.MintLedgerStatusMinted {
			_ = config.SetRedisObject(cacheKey, entry, 24*time.Hour)
		}
		c.JSON(http.StatusOK, gin.H{"record": entry})
	}
}

type outboxRequeueRequest struct {
	EventId int `json:"event_id"`
}

// outboxRequeueHandler releases a terminally FAILED or UNHANDLED event back
// to PENDING with fresh budgets. Guarded by a shared ops token because this
// endpoint can re-trigger chain transactions.
func outboxRequeueHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		opsToken := strings.TrimSpace(os.Getenv("OPS_API_TOKEN"))
		if opsToken == "" || c.GetHeader("token") != opsToken {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req outboxRequeueRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.EventId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "event_id is required"})
			return
		}

		db := config.GetDB()
		res := db.WithContext(c.Request.Context()).
			Model(&models.OutboxEvent{}).
			Where("id = ? AND status IN ?", req.EventId,
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
			c.JSON(http.StatusInternalServerError, gin.H{"error": res.Error.Error()})
			return
		}
		if res.RowsAffected == 0 {
			c.JSON(http.StatusConflict, gin.H{"error": "event is not in a terminal state"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"event_id": req.EventId,
			"status":   models.OutboxEventStatusPending,
		})
	}
}
