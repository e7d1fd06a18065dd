// Package verifier decides whether an on-chain transaction is a final,
// correctly addressed, sufficiently large payment. It never trusts a single
// RPC endpoint: every fact comes from a quorum of independent providers that
// must agree exactly.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-invoice-guard/internal/chain"
	"github.com/0gfoundation/0g-invoice-guard/internal/replay"
	"github.com/0gfoundation/0g-invoice-guard/internal/validate"
)

// ReplayStore is satisfied by replay.Ledger.
type ReplayStore interface {
	IsConsumed(ctx context.Context, txHash string) (bool, error)
	MarkConsumed(ctx context.Context, txHash string) error
}

type Options struct {
	Quorum           int
	MinConfirmations uint64
	ProviderTimeout  time.Duration
	// Tolerance is the fraction by which the paid amount may fall short of
	// Expectation.MinAmount, e.g. 0.01.
	Tolerance decimal.Decimal
}

type Verifier struct {
	providers []chain.Provider
	registry  *chain.Registry
	replay    ReplayStore
	opts      Options
	log       *zap.Logger
	now       func() time.Time
}

func New(providers []chain.Provider, registry *chain.Registry, rs ReplayStore, opts Options, log *zap.Logger) *Verifier {
	if opts.Quorum < 2 {
		opts.Quorum = 2
	}
	if opts.ProviderTimeout <= 0 {
		opts.ProviderTimeout = 10 * time.Second
	}
	return &Verifier{
		providers: providers,
		registry:  registry,
		replay:    rs,
		opts:      opts,
		log:       log,
		now:       time.Now,
	}
}

// Verify runs the full check for txHash against exp. On success the hash is
// consumed in the replay ledger before the Verified outcome is returned.
func (v *Verifier) Verify(ctx context.Context, txHash string, exp Expectation) Outcome {
	if !validate.IsTxID(txHash) {
		return rejected(ErrInvalidTxID)
	}
	txHash = strings.ToLower(txHash)

	consumed, err := v.replay.IsConsumed(ctx, txHash)
	if err != nil {
		return rejected(fmt.Errorf("replay lookup: %w", err))
	}
	if consumed {
		return replayed()
	}

	rcpt, err := v.agreedReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		v.log.Warn("receipt consensus failed", zap.String("tx", txHash), zap.Error(err))
		return rejected(err)
	}

	head, err := v.agreedHead(ctx)
	if err != nil {
		v.log.Warn("head consensus failed", zap.String("tx", txHash), zap.Error(err))
		return rejected(err)
	}
	var confirmations uint64
	if head > rcpt.BlockNumber {
		confirmations = head - rcpt.BlockNumber
	}
	if confirmations < v.opts.MinConfirmations {
		return Outcome{Kind: KindPending, Confirmations: confirmations, Required: v.opts.MinConfirmations}
	}

	if rcpt.Status != types.ReceiptStatusSuccessful {
		return rejected(ErrReverted)
	}

	p, err := v.extract(rcpt, exp)
	if err != nil {
		return rejected(err)
	}
	p.TxHash = txHash
	p.BlockNumber = rcpt.BlockNumber
	p.Confirmations = confirmations

	// Second, atomic replay check at the point of commit.
	if err := v.replay.MarkConsumed(ctx, txHash); err != nil {
		if errors.Is(err, replay.ErrAlreadyConsumed) {
			return replayed()
		}
		return rejected(fmt.Errorf("replay commit: %w", err))
	}

	p.ID = uuid.NewString()
	p.VerifiedAt = v.now().UTC()
	v.log.Info("payment verified",
		zap.String("tx", txHash),
		zap.String("token", p.Token),
		zap.String("amount", p.Amount.String()),
		zap.Uint64("confirmations", confirmations),
	)
	return Outcome{Kind: KindVerified, Payment: p, Confirmations: confirmations, Required: v.opts.MinConfirmations}
}

// agreedReceipt queries every provider and returns the receipt only if a
// quorum answered and every answer names the same block and status.
func (v *Verifier) agreedReceipt(ctx context.Context, hash common.Hash) (*chain.Receipt, error) {
	results := fanOut(ctx, v.providers, v.opts.ProviderTimeout,
		func(ctx context.Context, p chain.Provider) (*chain.Receipt, error) {
			r, err := p.Receipt(ctx, hash)
			if err != nil {
				return nil, err
			}
			if err := r.Validate(); err != nil {
				return nil, err
			}
			return r, nil
		})

	var ok []*chain.Receipt
	var failures []string
	for _, r := range results {
		if r.err != nil {
			failures = append(failures, r.provider+": "+r.err.Error())
			continue
		}
		ok = append(ok, r.val)
	}
	if len(ok) < v.opts.Quorum {
		return nil, fmt.Errorf("%w: %d of %d providers answered (need %d) [%s]",
			ErrInsufficientConsensus, len(ok), len(v.providers), v.opts.Quorum, strings.Join(failures, "; "))
	}

	first := ok[0]
	for _, r := range ok[1:] {
		if r.BlockNumber != first.BlockNumber {
			return nil, fmt.Errorf("%w: %s reports block %d, %s reports block %d",
				ErrProviderInconsistency, first.ProviderID, first.BlockNumber, r.ProviderID, r.BlockNumber)
		}
		if r.Status != first.Status {
			return nil, fmt.Errorf("%w: %s reports status %d, %s reports status %d",
				ErrProviderInconsistency, first.ProviderID, first.Status, r.ProviderID, r.Status)
		}
	}
	return first, nil
}

// agreedHead returns the lowest head reported by a quorum of providers.
// Heads legitimately differ by a block or two between endpoints, so the
// minimum is used rather than requiring equality.
func (v *Verifier) agreedHead(ctx context.Context) (uint64, error) {
	results := fanOut(ctx, v.providers, v.opts.ProviderTimeout,
		func(ctx context.Context, p chain.Provider) (uint64, error) {
			return p.BlockNumber(ctx)
		})

	var head uint64
	n := 0
	for _, r := range results {
		if r.err != nil {
			continue
		}
		if n == 0 || r.val < head {
			head = r.val
		}
		n++
	}
	if n < v.opts.Quorum {
		return 0, fmt.Errorf("%w: %d of %d providers reported a head (need %d)",
			ErrInsufficientConsensus, n, len(v.providers), v.opts.Quorum)
	}
	return head, nil
}

// extract pulls sender, recipient, token and amount out of the receipt and
// checks them against exp.
func (v *Verifier) extract(r *chain.Receipt, exp Expectation) (*Payment, error) {
	var (
		tok       chain.Token
		raw       = r.NativeValue
		sender    = r.From
		recipient common.Address
	)

	transfers := chain.DecodeTransfers(r.Logs)
	switch {
	case len(transfers) > 0:
		tr := v.pickTransfer(transfers, exp.Recipient)
		t, ok := v.registry.ByAddress(tr.Contract)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownToken, tr.Contract.Hex())
		}
		tok, raw, sender, recipient = t, tr.Amount, tr.From, tr.To
	case r.NativeValue.Sign() > 0 && r.To != nil:
		tok, recipient = v.registry.Native(), *r.To
	default:
		return nil, ErrNoTransfer
	}

	if exp.Token != "" && !strings.EqualFold(exp.Token, tok.Symbol) {
		return nil, fmt.Errorf("%w: paid %s, expected %s", ErrTokenMismatch, tok.Symbol, exp.Token)
	}
	if recipient != exp.Recipient {
		return nil, fmt.Errorf("%w: paid to %s", ErrRecipientMismatch, recipient.Hex())
	}

	amount := tok.ToUnits(raw)
	floor := exp.MinAmount.Mul(decimal.NewFromInt(1).Sub(v.opts.Tolerance))
	if !amount.IsPositive() || amount.LessThan(floor) {
		return nil, fmt.Errorf("%w: paid %s %s, expected at least %s", ErrAmountMismatch, amount, tok.Symbol, exp.MinAmount)
	}

	return &Payment{
		Token:     tok.Symbol,
		Amount:    amount,
		RawAmount: raw,
		Sender:    sender,
		Recipient: recipient,
	}, nil
}

// pickTransfer prefers a registered-token transfer to the expected recipient,
// then any transfer to it, then the first transfer so a wrong recipient is
// reported rather than ignored.
func (v *Verifier) pickTransfer(transfers []chain.Transfer, recipient common.Address) chain.Transfer {
	var toRecipient []chain.Transfer
	for _, t := range transfers {
		if t.To != recipient {
			continue
		}
		if _, known := v.registry.ByAddress(t.Contract); known {
			return t
		}
		toRecipient = append(toRecipient, t)
	}
	if len(toRecipient) > 0 {
		return toRecipient[0]
	}
	return transfers[0]
}
