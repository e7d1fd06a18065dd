package invoice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	invoiceKeyPrefix = "invoice:"
	pendingKey       = "invoice:pending" // ZSET id → created_at (µs)
	payerKeyPrefix   = "invoice:payer:"  // SET of paid invoice ids per wallet
	paymentKeyPrefix = "payment:"
	unmatchedKey     = "payment:unmatched" // ZSET tx → verified_at (µs)

	maxTxRetries = 8
)

var (
	ErrNotFound   = errors.New("invoice not found")
	ErrNotPending = errors.New("invoice is not pending")
	ErrExpired    = errors.New("invoice has expired")
	ErrNoMatch    = errors.New("no matching invoice")
	ErrContention = errors.New("invoice busy, retry")
	ErrDuplicate  = errors.New("invoice id already exists")
)

func invoiceKey(id string) string   { return invoiceKeyPrefix + id }
func payerKey(wallet string) string { return payerKeyPrefix + normalizeAddr(wallet) }
func paymentKey(tx string) string   { return paymentKeyPrefix + strings.ToLower(tx) }

// Ledger stores invoices as Redis hashes. Every status transition runs under
// WATCH on the invoice key, so two writers can never both move the same
// invoice out of Pending.
type Ledger struct {
	rdb *redis.Client
	log *zap.Logger
	now func() time.Time
}

func NewLedger(rdb *redis.Client, log *zap.Logger) *Ledger {
	return &Ledger{rdb: rdb, log: log, now: time.Now}
}

// Create stores a new Pending invoice. The ID must not already exist. The
// hash and its pending-index entry are written in one MULTI, so a failed
// create leaves nothing behind.
func (l *Ledger) Create(ctx context.Context, inv *Invoice) error {
	if inv.Status != StatusPending {
		return fmt.Errorf("create invoice %s: status must be pending", inv.ID)
	}
	key := invoiceKey(inv.ID)

	txf := func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: %s", ErrDuplicate, inv.ID)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, inv.fields()...)
			// Microseconds stay exact in a float64 score; nanoseconds do not.
			pipe.ZAdd(ctx, pendingKey, redis.Z{Score: float64(inv.CreatedAt.UnixMicro()), Member: inv.ID})
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := l.rdb.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return fmt.Errorf("create invoice: %w", err)
	}
	return ErrContention
}

func (l *Ledger) Get(ctx context.Context, id string) (*Invoice, error) {
	vals, err := l.rdb.HGetAll(ctx, invoiceKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get invoice: %w", err)
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}
	return invoiceFromMap(vals)
}

// MarkPaid moves a Pending, unexpired invoice to Paid and stores p as its
// payment, all in one transaction.
func (l *Ledger) MarkPaid(ctx context.Context, id string, p Payment) (*Invoice, error) {
	p.InvoiceID = id
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payment: %w", err)
	}
	return l.transition(ctx, id,
		func(inv *Invoice) error {
			if inv.Status != StatusPending {
				return fmt.Errorf("%w: %s", ErrNotPending, inv.Status)
			}
			if inv.Expired(l.now()) {
				return ErrExpired
			}
			inv.Status = StatusPaid
			inv.Payer = normalizeAddr(p.Sender)
			inv.TxHash = strings.ToLower(p.TxHash)
			inv.PaymentID = p.ID
			inv.Confirmations = p.Confirmations
			inv.PaidAt = p.VerifiedAt
			return nil
		},
		func(pipe redis.Pipeliner, inv *Invoice) {
			pipe.Set(ctx, paymentKey(p.TxHash), raw, 0)
			pipe.SAdd(ctx, payerKey(p.Sender), id)
		})
}

// Expire moves a Pending invoice whose deadline has passed to Expired.
func (l *Ledger) Expire(ctx context.Context, id string) (*Invoice, error) {
	return l.transition(ctx, id, func(inv *Invoice) error {
		if inv.Status != StatusPending {
			return fmt.Errorf("%w: %s", ErrNotPending, inv.Status)
		}
		if !inv.Expired(l.now()) {
			return fmt.Errorf("invoice %s not yet due", id)
		}
		inv.Status = StatusExpired
		return nil
	}, nil)
}

// Cancel moves a Pending invoice to Canceled.
func (l *Ledger) Cancel(ctx context.Context, id string) (*Invoice, error) {
	return l.transition(ctx, id, func(inv *Invoice) error {
		if inv.Status != StatusPending {
			return fmt.Errorf("%w: %s", ErrNotPending, inv.Status)
		}
		inv.Status = StatusCanceled
		return nil
	}, nil)
}

// transition applies mutate to the stored invoice under WATCH and writes it
// back together with whatever extra queues onto the same MULTI.
func (l *Ledger) transition(
	ctx context.Context,
	id string,
	mutate func(inv *Invoice) error,
	extra func(pipe redis.Pipeliner, inv *Invoice),
) (*Invoice, error) {
	key := invoiceKey(id)
	var out *Invoice

	txf := func(tx *redis.Tx) error {
		vals, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(vals) == 0 {
			return ErrNotFound
		}
		inv, err := invoiceFromMap(vals)
		if err != nil {
			return err
		}
		if err := mutate(inv); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, inv.fields()...)
			if inv.Status.Terminal() {
				pipe.ZRem(ctx, pendingKey, id)
			}
			if extra != nil {
				extra(pipe, inv)
			}
			return nil
		})
		if err == nil {
			out = inv
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := l.rdb.Watch(ctx, txf, key)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, ErrContention
}

// Pending returns Pending invoices oldest first.
func (l *Ledger) Pending(ctx context.Context) ([]*Invoice, error) {
	ids, err := l.rdb.ZRange(ctx, pendingKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	out := make([]*Invoice, 0, len(ids))
	for _, id := range ids {
		inv, err := l.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if inv.Status == StatusPending {
			out = append(out, inv)
		}
	}
	// Scores tie within a microsecond; the stored timestamp decides.
	slices.SortStableFunc(out, func(a, b *Invoice) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

// Match returns the earliest-created Pending, unexpired invoice payable in
// token to recipient whose amount is within tolerance of amount on either
// side.
func (l *Ledger) Match(ctx context.Context, token, recipient string, amount, tolerance decimal.Decimal) (*Invoice, error) {
	pending, err := l.Pending(ctx)
	if err != nil {
		return nil, err
	}
	now := l.now()
	for _, inv := range pending {
		if inv.Expired(now) {
			continue
		}
		if !strings.EqualFold(inv.Token, token) || !strings.EqualFold(inv.Recipient, recipient) {
			continue
		}
		slack := inv.Amount.Mul(tolerance)
		if amount.Sub(inv.Amount).Abs().LessThanOrEqual(slack) {
			return inv, nil
		}
	}
	return nil, ErrNoMatch
}

// Overdue returns Pending invoices whose deadline has passed.
func (l *Ledger) Overdue(ctx context.Context) ([]*Invoice, error) {
	pending, err := l.Pending(ctx)
	if err != nil {
		return nil, err
	}
	now := l.now()
	var out []*Invoice
	for _, inv := range pending {
		if inv.Expired(now) {
			out = append(out, inv)
		}
	}
	return out, nil
}

// PaidBy returns every invoice paid from wallet.
func (l *Ledger) PaidBy(ctx context.Context, wallet string) ([]*Invoice, error) {
	ids, err := l.rdb.SMembers(ctx, payerKey(wallet)).Result()
	if err != nil {
		return nil, fmt.Errorf("paid invoices: %w", err)
	}
	out := make([]*Invoice, 0, len(ids))
	for _, id := range ids {
		inv, err := l.Get(ctx, id)
		if err != nil {
			l.log.Warn("paid invoice missing", zap.String("invoice", id), zap.Error(err))
			continue
		}
		if inv.Status == StatusPaid {
			out = append(out, inv)
		}
	}
	return out, nil
}

// Payment returns the stored payment for txHash, matched or not.
func (l *Ledger) Payment(ctx context.Context, txHash string) (*Payment, error) {
	raw, err := l.rdb.Get(ctx, paymentKey(txHash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	var p Payment
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode payment: %w", err)
	}
	return &p, nil
}

// RecordUnmatched stores a verified payment that settled no invoice so it
// can be reconciled by an operator.
func (l *Ledger) RecordUnmatched(ctx context.Context, p Payment) error {
	p.InvoiceID = ""
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payment: %w", err)
	}
	_, err = l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, paymentKey(p.TxHash), raw, 0)
		pipe.ZAdd(ctx, unmatchedKey, redis.Z{Score: float64(p.VerifiedAt.UnixMicro()), Member: strings.ToLower(p.TxHash)})
		return nil
	})
	if err != nil {
		return fmt.Errorf("record unmatched payment: %w", err)
	}
	return nil
}

// Unmatched lists unmatched payments, newest first, at most limit entries.
func (l *Ledger) Unmatched(ctx context.Context, limit int64) ([]*Payment, error) {
	if limit <= 0 {
		limit = 100
	}
	txs, err := l.rdb.ZRevRange(ctx, unmatchedKey, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("list unmatched: %w", err)
	}
	out := make([]*Payment, 0, len(txs))
	for _, tx := range txs {
		p, err := l.Payment(ctx, tx)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
