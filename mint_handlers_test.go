package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/taleforge/stories_backend/config"
	"github.com/taleforge/stories_backend/models"
	"github.com/taleforge/stories_backend/utils"
	"github.com/taleforge/stories_backend/workflow"
	"gorm.io/gorm"
)

const testAuthorAddress = "0x52908400098527886E0F7030069857D2E4169EE7"

func newMintTestRouter(t *testing.T) (*gin.Engine, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	registerValidators()

	db := newTestDB(t)
	config.SetDB(db)
	t.Cleanup(func() { config.SetDB(nil) })

	router := gin.New()
	router.POST("/mint/request", mintRequestHandler())
	router.GET("/mint/status", mintStatusHandler())
	return router, db
}

type mintRequestResponse struct {
	StoryId int                         `json:"story_id"`
	Result  *workflow.MintRequestResult `json:"result"`
}

func postMintRequest(t *testing.T, router *gin.Engine, payload map[string]interface{}) (*httptest.ResponseRecorder, *mintRequestResponse) {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/mint/request", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var resp mintRequestResponse
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	}
	return rec, &resp
}

func TestMintRequestAcceptsNewStory(t *testing.T) {
	router, db := newMintTestRouter(t)

	rec, resp := postMintRequest(t, router, map[string]interface{}{
		"title":          "The Lighthouse",
		"body":           "The keeper wrote it all down.",
		"author_address": testAuthorAddress,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusOK, rec.Body.String())
	}
	if resp.Result == nil || !resp.Result.Accepted {
		t.Fatalf("result = %+v, want accepted", resp.Result)
	}
	if resp.Result.Status != models.MintLedgerStatusPending {
		t.Fatalf("result status = %q, want %q", resp.Result.Status, models.MintLedgerStatusPending)
	}

	var story models.Story
	if err := db.Where("id = ?", resp.StoryId).First(&story).Error; err != nil {
		t.Fatalf("load story: %v", err)
	}
	if story.Status != models.StoryStatusMinting {
		t.Fatalf("story status = %q, want %q", story.Status, models.StoryStatusMinting)
	}
}

func TestMintRequestMintedDuplicateIsConflict(t *testing.T) {
	router, db := newMintTestRouter(t)

	title := "The Lighthouse"
	body := "The keeper wrote it all down."
	contentHash := utils.ComputeContentHash(title, body, testAuthorAddress)
	authorAddress := utils.NormalizeAddress(testAuthorAddress)

	story := models.Story{
		Title:         title,
		Body:          body,
		AuthorAddress: authorAddress,
		Status:        models.StoryStatusMinted,
		MetadataUri:   "content://" + contentHash,
	}
	if err := db.Create(&story).Error; err != nil {
		t.Fatalf("seed story: %v", err)
	}
	txHash := "0xdeadbeef"
	tokenId := uint64(42)
	mintedAt := time.Now().UTC()
	entry := models.MintLedgerEntry{
		ContentHash:   contentHash,
		AuthorAddress: authorAddress,
		Status:        models.MintLedgerStatusMinted,
		Title:         title,
		TxHash:        &txHash,
		TokenId:       &tokenId,
		MintedAt:      &mintedAt,
	}
	if err := db.Create(&entry).Error; err != nil {
		t.Fatalf("seed ledger entry: %v", err)
	}

	rec, resp := postMintRequest(t, router, map[string]interface{}{
		"story_id":       story.ID,
		"title":          title,
		"body":           body,
		"author_address": testAuthorAddress,
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusConflict, rec.Body.String())
	}
	if resp.Result == nil || resp.Result.Accepted {
		t.Fatalf("result = %+v, want rejected", resp.Result)
	}
	if resp.Result.Status != models.MintLedgerStatusMinted {
		t.Fatalf("result status = %q, want %q", resp.Result.Status, models.MintLedgerStatusMinted)
	}
	if resp.Result.Record == nil || resp.Result.Record.TxHash == nil || *resp.Result.Record.TxHash != txHash {
		t.Fatalf("record = %+v, want embedded minted record with tx hash %s", resp.Result.Record, txHash)
	}
}

func TestMintRequestPendingDuplicateIsConflict(t *testing.T) {
	router, _ := newMintTestRouter(t)

	payload := map[string]interface{}{
		"title":          "The Lighthouse",
		"body":           "The keeper wrote it all down.",
		"author_address": testAuthorAddress,
	}
	rec, _ := postMintRequest(t, router, payload)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want %d", rec.Code, http.StatusOK)
	}

	rec, resp := postMintRequest(t, router, payload)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate status = %d, want %d (body %s)", rec.Code, http.StatusConflict, rec.Body.String())
	}
	if resp.Result == nil || resp.Result.Accepted {
		t.Fatalf("result = %+v, want rejected", resp.Result)
	}
	if resp.Result.Status != models.MintLedgerStatusPending {
		t.Fatalf("result status = %q, want %q", resp.Result.Status, models.MintLedgerStatusPending)
	}
}

func TestMintRequestRejectsInvalidAuthorAddress(t *testing.T) {
	router, _ := newMintTestRouter(t)

	rec, _ := postMintRequest(t, router, map[string]interface{}{
		"title":          "The Lighthouse",
		"body":           "The keeper wrote it all down.",
		"author_address": "not-an-address",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestMintStatusReturnsLedgerRecord(t *testing.T) {
	router, _ := newMintTestRouter(t)

	payload := map[string]interface{}{
		"title":          "The Lighthouse",
		"body":           "The keeper wrote it all down.",
		"author_address": testAuthorAddress,
	}
	if rec, _ := postMintRequest(t, router, payload); rec.Code != http.StatusOK {
		t.Fatalf("mint request status = %d, want %d", rec.Code, http.StatusOK)
	}

	contentHash := utils.ComputeContentHash("The Lighthouse", "The keeper wrote it all down.", testAuthorAddress)
	req := httptest.NewRequest(http.MethodGet, "/mint/status?content_hash="+contentHash+"&author_address="+testAuthorAddress, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusOK, rec.Body.String())
	}

	var resp struct {
		Record *models.MintLedgerEntry `json:"record"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Record == nil || resp.Record.Status != models.MintLedgerStatusPending {
		t.Fatalf("record = %+v, want PENDING ledger record", resp.Record)
	}
}
