package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/taleforge/stories_backend/utils"
	"github.com/taleforge/stories_backend/workflow"
)

// storyNftABI is the fragment of the story NFT contract the minter touches.
const storyNftABI = `[
	{
		"name": "mintStory",
		"type": "function",
		"inputs": [
			{"name": "to", "type": "address"},
			{"name": "tokenURI", "type": "string"}
		],
		"outputs": [{"name": "tokenId", "type": "uint256"}]
	}
]`

// erc721TransferTopic is keccak256("Transfer(address,address,uint256)").
var erc721TransferTopic = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

const defaultMintGasLimit = 300000

// EthereumMinter submits story mint transactions to an EVM chain and reads
// their outcome back from transaction receipts. It implements
// workflow.ChainService.
type EthereumMinter struct {
	client      *ethclient.Client
	privateKey  *ecdsa.PrivateKey
	from        common.Address
	contract    common.Address
	chainId     *big.Int
	gasLimit    uint64
	contractAbi abi.ABI

	mu sync.Mutex
}

// NewEthereumMinterFromEnv builds a minter from CHAIN_RPC_URL,
// MINTER_PRIVATE_KEY and STORY_NFT_CONTRACT. Returns nil and no error when
// CHAIN_RPC_URL is unset so callers can fall back to a stub locally.
func NewEthereumMinterFromEnv(ctx context.Context) (*EthereumMinter, error) {
	rpcUrl := os.Getenv("CHAIN_RPC_URL")
	if rpcUrl == "" {
		return nil, nil
	}
	keyHex := strings.TrimPrefix(os.Getenv("MINTER_PRIVATE_KEY"), "0x")
	if keyHex == "" {
		return nil, errors.New("MINTER_PRIVATE_KEY is required when CHAIN_RPC_URL is set")
	}
	contractHex := os.Getenv("STORY_NFT_CONTRACT")
	if !common.IsHexAddress(contractHex) {
		return nil, fmt.Errorf("STORY_NFT_CONTRACT %q is not a valid address", contractHex)
	}
	return NewEthereumMinter(ctx, rpcUrl, keyHex, common.HexToAddress(contractHex),
		uint64(utils.IntFromEnv("CHAIN_GAS_LIMIT", defaultMintGasLimit)))
}

func NewEthereumMinter(ctx context.Context, rpcUrl, privateKeyHex string, contract common.Address, gasLimit uint64) (*EthereumMinter, error) {
	client, err := ethclient.DialContext(ctx, rpcUrl)
	if err != nil {
		return nil, fmt.Errorf("dial chain rpc: %w", err)
	}
	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("parse minter private key: %w", err)
	}
	chainId, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("get chain id: %w", err)
	}
	contractAbi, err := abi.JSON(strings.NewReader(storyNftABI))
	if err != nil {
		return nil, fmt.Errorf("parse contract abi: %w", err)
	}
	if gasLimit == 0 {
		gasLimit = defaultMintGasLimit
	}
	return &EthereumMinter{
		client:      client,
		privateKey:  privateKey,
		from:        crypto.PubkeyToAddress(privateKey.PublicKey),
		contract:    contract,
		chainId:     chainId,
		gasLimit:    gasLimit,
		contractAbi: contractAbi,
	}, nil
}

// SubmitMintTransaction signs and broadcasts mintStory(to, tokenURI) and
// returns the transaction hash. Serialized under a mutex so concurrent
// submissions from one signer cannot race on the same nonce.
func (m *EthereumMinter) SubmitMintTransaction(ctx context.Context, walletAddress string, metadataUri string) (string, error) {
	if !common.IsHexAddress(walletAddress) {
		return "", fmt.Errorf("wallet address %q is not a valid address", walletAddress)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	nonce, err := m.client.PendingNonceAt(ctx, m.from)
	if err != nil {
		return "", fmt.Errorf("get nonce: %w", err)
	}
	gasPrice, err := m.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("suggest gas price: %w", err)
	}

	data, err := m.contractAbi.Pack("mintStory", common.HexToAddress(walletAddress), metadataUri)
	if err != nil {
		return "", fmt.Errorf("pack mintStory call: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &m.contract,
		Value:    big.NewInt(0),
		Gas:      m.gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(m.chainId), m.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}
	if err := m.client.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("send transaction: %w", err)
	}
	return signedTx.Hash().Hex(), nil
}

// GetTransactionStatus reads the receipt for txHash. A missing receipt maps
// to pending, receipt status 0 to reverted, and a successful receipt to
// confirmed with the token id parsed from the ERC-721 Transfer log.
func (m *EthereumMinter) GetTransactionStatus(ctx context.Context, txHash string) (*workflow.TransactionStatus, error) {
	receipt, err := m.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return &workflow.TransactionStatus{Status: workflow.TxStatusPending}, nil
		}
		return nil, fmt.Errorf("get transaction receipt: %w", err)
	}

	if receipt.Status == types.ReceiptStatusFailed {
		return &workflow.TransactionStatus{
			Status:      workflow.TxStatusReverted,
			BlockNumber: receipt.BlockNumber.Uint64(),
		}, nil
	}

	status := &workflow.TransactionStatus{
		Status:      workflow.TxStatusConfirmed,
		BlockNumber: receipt.BlockNumber.Uint64(),
	}
	if tokenId, ok := tokenIdFromMintLogs(receipt.Logs, m.contract); ok {
		status.TokenId = &tokenId
	}
	return status, nil
}

// tokenIdFromMintLogs finds the ERC-721 Transfer emitted by the NFT contract
// for a mint (from == zero address) and returns its token id.
func tokenIdFromMintLogs(logs []*types.Log, contract common.Address) (uint64, bool) {
	for _, lg := range logs {
		if lg.Address != contract || len(lg.Topics) != 4 {
			continue
		}
		if lg.Topics[0] != erc721TransferTopic {
			continue
		}
		from := common.BytesToAddress(lg.Topics[1].Bytes())
		if from != (common.Address{}) {
			continue
		}
		return new(big.Int).SetBytes(lg.Topics[3].Bytes()).Uint64(), true
	}
	return 0, false
}
