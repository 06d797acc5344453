// Package ledger talks to the PluginRegistry and UsageMeter contracts.
package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/HanTheDev/plugin-pay-gateway/internal/models"
)

const pluginRegistryABI = `[{"type":"function","name":"plugins","stateMutability":"view",
"inputs":[{"name":"","type":"uint256"}],
"outputs":[{"name":"name","type":"string"},{"name":"description","type":"string"},{"name":"uri","type":"string"},
{"name":"owner","type":"address"},{"name":"pricePerCall","type":"uint256"},{"name":"version","type":"uint256"},
{"name":"verifierPubKey","type":"address"},{"name":"active","type":"bool"},{"name":"totalCalls","type":"uint256"},
{"name":"totalEarnings","type":"uint256"},{"name":"createdAt","type":"uint256"},{"name":"updatedAt","type":"uint256"}]}]`

const usageMeterABI = `[{"type":"function","name":"getUserEscrow","stateMutability":"view",
"inputs":[{"name":"user","type":"address"},{"name":"pluginId","type":"uint256"}],
"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"consume","stateMutability":"nonpayable",
"inputs":[{"name":"pluginId","type":"uint256"},{"name":"receiptHash","type":"bytes32"},{"name":"cost","type":"uint256"},{"name":"signature","type":"bytes"}],
"outputs":[]}]`

var (
	registryABI = mustParse(pluginRegistryABI)
	meterABI    = mustParse(usageMeterABI)
)

func mustParse(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// Backend is the subset of ethclient.Client the ledger needs.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	ChainID(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

var (
	// ErrReverted means the UsageMeter refused the consume, either in
	// simulation or on chain.
	ErrReverted = errors.New("consume reverted")
	// ErrUnconfirmed means the transaction was sent but no receipt arrived
	// before the confirmation timeout.
	ErrUnconfirmed = errors.New("consume not confirmed")
)

// ConsumeRequest authorizes the UsageMeter to debit one receipt.
type ConsumeRequest struct {
	PluginID    uint64
	ReceiptHash common.Hash
	Cost        *big.Int
	Signature   []byte
}

type Config struct {
	PluginRegistry common.Address
	UsageMeter     common.Address
	Submitter      *ecdsa.PrivateKey
	// GasLimit caps the estimated gas for consume.
	GasLimit       uint64
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
}

type Client struct {
	backend   Backend
	cfg       Config
	submitter common.Address

	// serializes nonce selection for consume transactions
	txMu    sync.Mutex
	chainID *big.Int
}

func NewClient(backend Backend, cfg Config) (*Client, error) {
	if cfg.Submitter == nil {
		return nil, errors.New("ledger: submitter key is required")
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = 300000
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 2 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Client{
		backend:   backend,
		cfg:       cfg,
		submitter: crypto.PubkeyToAddress(cfg.Submitter.PublicKey),
	}, nil
}

func (c *Client) Submitter() common.Address {
	return c.submitter
}

func (c *Client) call(ctx context.Context, to common.Address, contract abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}

	result, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("contract call %s failed: %w", method, err)
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("empty result from %s", method)
	}

	out, err := contract.Methods[method].Outputs.Unpack(result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", method, err)
	}
	return out, nil
}

// Plugin reads a registry entry. Unregistered ids come back inactive.
func (c *Client) Plugin(ctx context.Context, pluginID uint64) (*models.PluginDescriptor, error) {
	out, err := c.call(ctx, c.cfg.PluginRegistry, registryABI, "plugins", new(big.Int).SetUint64(pluginID))
	if err != nil {
		return nil, err
	}
	if len(out) != 12 {
		return nil, fmt.Errorf("plugins: unexpected output length %d", len(out))
	}

	name, _ := out[0].(string)
	price, ok1 := out[4].(*big.Int)
	version, ok2 := out[5].(*big.Int)
	verifier, ok3 := out[6].(common.Address)
	active, ok4 := out[7].(bool)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil, errors.New("plugins: unexpected output types")
	}

	return &models.PluginDescriptor{
		ID:          pluginID,
		Name:        name,
		Price:       price,
		Active:      active,
		Version:     version,
		VerifierKey: verifier.Hex(),
	}, nil
}

func (c *Client) Escrow(ctx context.Context, caller string, pluginID uint64) (*big.Int, error) {
	if !common.IsHexAddress(caller) {
		return nil, fmt.Errorf("invalid caller address %q", caller)
	}
	out, err := c.call(ctx, c.cfg.UsageMeter, meterABI, "getUserEscrow",
		common.HexToAddress(caller), new(big.Int).SetUint64(pluginID))
	if err != nil {
		return nil, err
	}
	amount, ok := out[0].(*big.Int)
	if !ok {
		return nil, errors.New("getUserEscrow: unexpected output type")
	}
	return amount, nil
}

// Consume simulates UsageMeter.consume, sends it, and waits for the receipt.
// A refusal in simulation or a failed receipt returns ErrReverted. The tx
// hash is returned whenever a transaction was sent.
func (c *Client) Consume(ctx context.Context, req ConsumeRequest) (string, error) {
	data, err := meterABI.Pack("consume", new(big.Int).SetUint64(req.PluginID), [32]byte(req.ReceiptHash), req.Cost, req.Signature)
	if err != nil {
		return "", fmt.Errorf("failed to pack consume: %w", err)
	}

	txHash, err := c.sendConsume(ctx, data)
	if err != nil {
		return "", err
	}
	return txHash.Hex(), c.waitMined(ctx, txHash)
}

func (c *Client) sendConsume(ctx context.Context, data []byte) (common.Hash, error) {
	c.txMu.Lock()
	defer c.txMu.Unlock()

	if c.chainID == nil {
		id, err := c.backend.ChainID(ctx)
		if err != nil {
			return common.Hash{}, fmt.Errorf("failed to get chain ID: %w", err)
		}
		c.chainID = id
	}

	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: c.submitter, To: &c.cfg.UsageMeter, Data: data})
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %v", ErrReverted, err)
	}
	// 20% headroom over the estimate
	gas += gas / 5
	if gas > c.cfg.GasLimit {
		return common.Hash{}, fmt.Errorf("consume needs %d gas, limit is %d", gas, c.cfg.GasLimit)
	}

	nonce, err := c.backend.PendingNonceAt(ctx, c.submitter)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to get nonce: %w", err)
	}

	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to get gas price: %w", err)
	}

	tx := types.NewTransaction(nonce, c.cfg.UsageMeter, big.NewInt(0), gas, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.cfg.Submitter)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := c.backend.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, fmt.Errorf("failed to send transaction: %w", err)
	}
	return signedTx.Hash(), nil
}

// waitMined polls for the receipt of txHash.
func (c *Client) waitMined(ctx context.Context, txHash common.Hash) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, txHash)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				return fmt.Errorf("%w: tx %s failed in block %v", ErrReverted, txHash.Hex(), receipt.BlockNumber)
			}
			return nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			log.Printf("ledger: receipt lookup for %s failed, retrying: %v", txHash.Hex(), err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: tx %s", ErrUnconfirmed, txHash.Hex())
		case <-ticker.C:
		}
	}
}
