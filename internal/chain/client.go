package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/0gfoundation/0g-invoice-guard/internal/config"
)

var (
	// ErrNotFound means the provider does not know a mined transaction with that hash.
	ErrNotFound = errors.New("transaction not found")
	// ErrMalformedResponse means a provider answered without a required field.
	ErrMalformedResponse = errors.New("malformed provider response")
)

// Receipt is one provider's view of a mined transaction. Every field is
// required; a provider that cannot fill one must return an error instead.
type Receipt struct {
	ProviderID  string
	TxHash      common.Hash
	BlockNumber uint64
	Status      uint64
	Logs        []*types.Log
	NativeValue *big.Int
	From        common.Address
	To          *common.Address // nil for contract creation
}

// Validate rejects receipts that are missing required fields.
func (r *Receipt) Validate() error {
	switch {
	case r == nil:
		return fmt.Errorf("%w: nil receipt", ErrMalformedResponse)
	case r.BlockNumber == 0:
		return fmt.Errorf("%w: missing block number", ErrMalformedResponse)
	case r.Status != types.ReceiptStatusSuccessful && r.Status != types.ReceiptStatusFailed:
		return fmt.Errorf("%w: unknown status %d", ErrMalformedResponse, r.Status)
	case r.NativeValue == nil:
		return fmt.Errorf("%w: missing value", ErrMalformedResponse)
	}
	return nil
}

// Provider is one independently operated source of chain data.
type Provider interface {
	ID() string
	Receipt(ctx context.Context, txHash common.Hash) (*Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// ethReader is the subset of *ethclient.Client the provider needs; the
// simulated backend satisfies it too.
type ethReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// EthProvider reads receipts over JSON-RPC via go-ethereum.
type EthProvider struct {
	id  string
	eth ethReader
}

func NewEthProvider(id string, eth ethReader) *EthProvider {
	return &EthProvider{id: id, eth: eth}
}

// Dial connects to every configured RPC endpoint.
func Dial(ctx context.Context, providers []config.ProviderConfig) ([]Provider, error) {
	out := make([]Provider, 0, len(providers))
	for _, p := range providers {
		eth, err := ethclient.DialContext(ctx, p.URL)
		if err != nil {
			return nil, fmt.Errorf("dial rpc %s: %w", p.ID, err)
		}
		out = append(out, NewEthProvider(p.ID, eth))
	}
	return out, nil
}

func (p *EthProvider) ID() string { return p.id }

func (p *EthProvider) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := p.eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("%s: block number: %w", p.id, err)
	}
	return n, nil
}

func (p *EthProvider) Receipt(ctx context.Context, txHash common.Hash) (*Receipt, error) {
	rcpt, err := p.eth.TransactionReceipt(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, fmt.Errorf("%s: %w", p.id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: receipt: %w", p.id, err)
	}
	if rcpt.BlockNumber == nil {
		return nil, fmt.Errorf("%s: %w: receipt without block number", p.id, ErrMalformedResponse)
	}

	tx, pending, err := p.eth.TransactionByHash(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) || (err == nil && pending) {
		return nil, fmt.Errorf("%s: %w", p.id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: transaction: %w", p.id, err)
	}
	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: recover sender: %v", p.id, ErrMalformedResponse, err)
	}

	r := &Receipt{
		ProviderID:  p.id,
		TxHash:      txHash,
		BlockNumber: rcpt.BlockNumber.Uint64(),
		Status:      rcpt.Status,
		Logs:        rcpt.Logs,
		NativeValue: tx.Value(),
		From:        from,
		To:          tx.To(),
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", p.id, err)
	}
	return r, nil
}
