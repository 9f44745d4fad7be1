package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/taleforge/stories_backend/models"
	"github.com/taleforge/stories_backend/utils"
	"gorm.io/gorm"
)

// fakeChain scripts chain behavior: each status poll consumes the next entry
// from statuses.
type fakeChain struct {
	submitCalls int
	statusCalls int
	txHash      string
	submitErr   error
	statuses    []TransactionStatus
	statusErr   error
}

func (f *fakeChain) SubmitMintTransaction(ctx context.Context, walletAddress string, metadataUri string) (string, error) {
	f.submitCalls++
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return f.txHash, nil
}

func (f *fakeChain) GetTransactionStatus(ctx context.Context, txHash string) (*TransactionStatus, error) {
	f.statusCalls++
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	if len(f.statuses) == 0 {
		return &TransactionStatus{Status: TxStatusPending}, nil
	}
	st := f.statuses[0]
	if len(f.statuses) > 1 {
		f.statuses = f.statuses[1:]
	}
	return &st, nil
}

func sagaFixture(t *testing.T, db *gorm.DB) *models.OutboxEvent {
	t.Helper()
	story := models.Story{
		ID:            1,
		Title:         "The Last Lighthouse",
		Body:          "Once upon a time...",
		AuthorAddress: "0xabc123",
		Status:        models.StoryStatusMinting,
	}
	if err := db.Create(&story).Error; err != nil {
		t.Fatalf("create story: %v", err)
	}
	entry := models.MintLedgerEntry{
		ContentHash:   utils.ComputeContentHash(story.Title, story.Body, story.AuthorAddress),
		AuthorAddress: story.AuthorAddress,
		Status:        models.MintLedgerStatusPending,
		Title:         story.Title,
	}
	if err := db.Create(&entry).Error; err != nil {
		t.Fatalf("create ledger entry: %v", err)
	}
	event := models.OutboxEvent{
		EventType:     models.OutboxEventTypeMintRequested,
		Status:        models.OutboxEventStatusProcessing,
		StoryId:       story.ID,
		AuthorWallet:  story.AuthorAddress,
		MetadataUri:   "content://test",
		ContentHash:   entry.ContentHash,
		AuthorAddress: entry.AuthorAddress,
	}
	if err := db.Create(&event).Error; err != nil {
		t.Fatalf("create event: %v", err)
	}
	return &event
}

func loadIntent(t *testing.T, db *gorm.DB, storyId int) *models.MintIntent {
	t.Helper()
	var intent models.MintIntent
	if err := db.Where("intent_id = ?", models.MintIntentIdForStory(storyId)).First(&intent).Error; err != nil {
		t.Fatalf("load intent: %v", err)
	}
	return &intent
}

func TestMintSagaSubmitsExactlyOnce(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	event := sagaFixture(t, db)

	tokenId := uint64(7)
	chain := &fakeChain{
		txHash: "0xfeed",
		statuses: []TransactionStatus{
			{Status: TxStatusPending},
			{Status: TxStatusPending},
			{Status: TxStatusConfirmed, TokenId: &tokenId},
		},
	}

	// First two deliveries: submitted but unconfirmed.
	for i := 0; i < 2; i++ {
		err := ProcessMintRequestedWorkflow(ctx, db, nil, chain, event)
		if !errors.Is(err, ErrTransactionPending) {
			t.Fatalf("delivery %d: err = %v, want ErrTransactionPending", i, err)
		}
	}
	if chain.submitCalls != 1 {
		t.Fatalf("submit calls = %d, want 1 (redelivery must not resubmit)", chain.submitCalls)
	}

	intent := loadIntent(t, db, event.StoryId)
	if intent.Status != models.MintIntentStatusSubmitted {
		t.Fatalf("intent status = %s, want submitted", intent.Status)
	}
	if intent.TxHash == nil || *intent.TxHash != "0xfeed" {
		t.Fatalf("intent tx hash = %v, want 0xfeed", intent.TxHash)
	}

	// Third delivery confirms and settles everything.
	if err := ProcessMintRequestedWorkflow(ctx, db, nil, chain, event); err != nil {
		t.Fatalf("confirming delivery: %v", err)
	}
	if chain.submitCalls != 1 {
		t.Fatalf("submit calls = %d after confirmation, want 1", chain.submitCalls)
	}

	intent = loadIntent(t, db, event.StoryId)
	if intent.Status != models.MintIntentStatusConfirmed {
		t.Fatalf("intent status = %s, want confirmed", intent.Status)
	}
	if intent.TokenId == nil || *intent.TokenId != tokenId {
		t.Fatalf("intent token id = %v, want %d", intent.TokenId, tokenId)
	}

	var story models.Story
	if err := db.First(&story, event.StoryId).Error; err != nil {
		t.Fatalf("load story: %v", err)
	}
	if story.Status != models.StoryStatusMinted {
		t.Fatalf("story status = %s, want minted", story.Status)
	}
	if story.NftTokenId == nil || *story.NftTokenId != tokenId {
		t.Fatalf("story token id = %v, want %d", story.NftTokenId, tokenId)
	}

	var entry models.MintLedgerEntry
	if err := db.Where("content_hash = ?", event.ContentHash).First(&entry).Error; err != nil {
		t.Fatalf("load ledger: %v", err)
	}
	if entry.Status != models.MintLedgerStatusMinted {
		t.Fatalf("ledger status = %s, want MINTED", entry.Status)
	}
	if entry.MintedAt == nil || entry.TxHash == nil || *entry.TxHash != "0xfeed" {
		t.Fatalf("ledger completion fields not set: %+v", entry)
	}
}

func TestMintSagaRevertedIsTerminal(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	event := sagaFixture(t, db)

	chain := &fakeChain{
		txHash:   "0xfeed",
		statuses: []TransactionStatus{{Status: TxStatusReverted}},
	}

	err := ProcessMintRequestedWorkflow(ctx, db, nil, chain, event)
	if !errors.Is(err, ErrTransactionReverted) {
		t.Fatalf("err = %v, want ErrTransactionReverted", err)
	}

	intent := loadIntent(t, db, event.StoryId)
	if intent.Status != models.MintIntentStatusFailed {
		t.Fatalf("intent status = %s, want failed", intent.Status)
	}

	var story models.Story
	if err := db.First(&story, event.StoryId).Error; err != nil {
		t.Fatalf("load story: %v", err)
	}
	if story.Status != models.StoryStatusFailed {
		t.Fatalf("story status = %s, want failed", story.Status)
	}

	var entry models.MintLedgerEntry
	if err := db.Where("content_hash = ?", event.ContentHash).First(&entry).Error; err != nil {
		t.Fatalf("load ledger: %v", err)
	}
	if entry.Status != models.MintLedgerStatusFailed {
		t.Fatalf("ledger status = %s, want FAILED", entry.Status)
	}
	if entry.LastError == nil {
		t.Fatal("ledger last_error should record the revert")
	}

	// Redelivery short-circuits without touching the chain again.
	submitBefore, statusBefore := chain.submitCalls, chain.statusCalls
	err = ProcessMintRequestedWorkflow(ctx, db, nil, chain, event)
	if !errors.Is(err, ErrTransactionReverted) {
		t.Fatalf("redelivery err = %v, want ErrTransactionReverted", err)
	}
	if chain.submitCalls != submitBefore || chain.statusCalls != statusBefore {
		t.Fatal("terminal intent should not reach the chain on redelivery")
	}
}

func TestMintSagaResumesFromSubmitted(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	event := sagaFixture(t, db)

	// A prior delivery submitted and then the worker died.
	txHash := "0xcafe"
	intent := models.MintIntent{
		IntentId: models.MintIntentIdForStory(event.StoryId),
		StoryId:  event.StoryId,
		Status:   models.MintIntentStatusSubmitted,
		TxHash:   &txHash,
	}
	if err := db.Create(&intent).Error; err != nil {
		t.Fatalf("create intent: %v", err)
	}

	tokenId := uint64(42)
	chain := &fakeChain{
		txHash:   "0xother",
		statuses: []TransactionStatus{{Status: TxStatusConfirmed, TokenId: &tokenId}},
	}
	if err := ProcessMintRequestedWorkflow(ctx, db, nil, chain, event); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if chain.submitCalls != 0 {
		t.Fatalf("submit calls = %d, want 0 (resume must poll, not resubmit)", chain.submitCalls)
	}

	got := loadIntent(t, db, event.StoryId)
	if got.Status != models.MintIntentStatusConfirmed {
		t.Fatalf("intent status = %s, want confirmed", got.Status)
	}
	if got.TxHash == nil || *got.TxHash != txHash {
		t.Fatalf("intent tx hash = %v, want %s (original submission)", got.TxHash, txHash)
	}
}

func TestMintSagaSubmitErrorIsHard(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	event := sagaFixture(t, db)

	chain := &fakeChain{submitErr: errors.New("rpc connection refused")}
	err := ProcessMintRequestedWorkflow(ctx, db, nil, chain, event)
	if err == nil {
		t.Fatal("expected an error")
	}
	if errors.Is(err, ErrTransactionPending) || errors.Is(err, ErrTransactionReverted) {
		t.Fatalf("submit failure misclassified: %v", err)
	}

	// Nothing was submitted, so the intent must still be retryable.
	intent := loadIntent(t, db, event.StoryId)
	if intent.Status != models.MintIntentStatusPending {
		t.Fatalf("intent status = %s, want pending", intent.Status)
	}
	if intent.TxHash != nil {
		t.Fatalf("tx hash set despite failed submission: %v", intent.TxHash)
	}
}
