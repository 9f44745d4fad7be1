package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/taleforge/stories_backend/workflow"
)

// StubMinter is the local development fallback used when CHAIN_RPC_URL is
// unset. Submissions return a deterministic fake hash; status reads confirm
// on the second poll so the saga exercises its pending path.
type StubMinter struct {
	mu        sync.Mutex
	polls     map[string]int
	nextToken uint64
	tokens    map[string]uint64
}

func NewStubMinter() *StubMinter {
	return &StubMinter{
		polls:     make(map[string]int),
		nextToken: 1,
		tokens:    make(map[string]uint64),
	}
}

func (s *StubMinter) SubmitMintTransaction(ctx context.Context, walletAddress string, metadataUri string) (string, error) {
	sum := sha256.Sum256([]byte(walletAddress + "|" + metadataUri))
	return "0x" + hex.EncodeToString(sum[:]), nil
}

func (s *StubMinter) GetTransactionStatus(ctx context.Context, txHash string) (*workflow.TransactionStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.polls[txHash]++
	if s.polls[txHash] < 2 {
		return &workflow.TransactionStatus{Status: workflow.TxStatusPending}, nil
	}
	tokenId, ok := s.tokens[txHash]
	if !ok {
		tokenId = s.nextToken
		s.nextToken++
		s.tokens[txHash] = tokenId
	}
	return &workflow.TransactionStatus{Status: workflow.TxStatusConfirmed, TokenId: &tokenId}, nil
}
