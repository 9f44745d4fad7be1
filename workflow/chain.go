package workflow

import (
	"context"
	"errors"
)

const (
	TxStatusConfirmed = "confirmed"
	TxStatusPending   = "pending"
	TxStatusReverted  = "reverted"
)

// ErrTransactionPending is the soft-error signal: the chain has not confirmed
// the transaction yet. The outbox retries it against the pending budget
// instead of burning a hard-failure attempt.
var ErrTransactionPending = errors.New("transaction still pending")

// ErrTransactionReverted is terminal: the chain rejected the transaction.
// The outbox marks the event FAILED immediately, with no further retries.
var ErrTransactionReverted = errors.New("transaction reverted on chain")

// TransactionStatus is the chain's view of a submitted mint transaction.
type TransactionStatus struct {
	Status      string  `json:"status"` // confirmed | pending | reverted
	TokenId     *uint64 `json:"token_id,omitempty"`
	BlockNumber uint64  `json:"block_number,omitempty"`
}

// ChainService is the external collaborator that submits mint transactions
// and reports their on-chain status. Its internal RPC/retry behavior is not
// this subsystem's concern; the saga only relies on the contract below.
type ChainService interface {
	SubmitMintTransaction(ctx context.Context, walletAddress, metadataUri string) (string, error)
	GetTransactionStatus(ctx context.Context, txHash string) (*TransactionStatus, error)
}
