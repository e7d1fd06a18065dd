// Package recheck re-verifies transactions that were Pending (too few
// confirmations) or hit a transient consensus failure, until they reach a
// final outcome or run out of attempts.
//
// Due times live in a Redis sorted set keyed by transaction hash; per-item
// state ({invoice, attempts}) lives in a hash next to it. Claiming an item is
// a ZREM, so several workers can share the queue.
package recheck

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-invoice-guard/internal/config"
	"github.com/0gfoundation/0g-invoice-guard/internal/invoice"
	"github.com/0gfoundation/0g-invoice-guard/internal/payments"
	"github.com/0gfoundation/0g-invoice-guard/internal/verifier"
)

const (
	dueKey        = "recheck:due"
	itemKeyPrefix = "recheck:item:"
	maxBatchSize  = 50
)

func itemKey(tx string) string { return itemKeyPrefix + tx }

// Verifier is satisfied by *payments.Service.
type Verifier interface {
	VerifyPayment(ctx context.Context, req payments.VerifyRequest) (*payments.VerifyResult, error)
}

type Queue struct {
	rdb         *redis.Client
	interval    time.Duration
	maxAttempts int
	log         *zap.Logger
	now         func() time.Time
}

func NewQueue(rdb *redis.Client, cfg config.RecheckConfig, log *zap.Logger) *Queue {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 15
	}
	return &Queue{rdb: rdb, interval: cfg.Interval, maxAttempts: cfg.MaxAttempts, log: log, now: time.Now}
}

// Enqueue schedules txHash for a recheck one interval from now. A
// transaction already queued keeps its schedule and attempt count.
func (q *Queue) Enqueue(ctx context.Context, txHash, invoiceID string) error {
	tx := strings.ToLower(txHash)
	due := float64(q.now().Add(q.interval).UnixMilli())
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAddNX(ctx, dueKey, redis.Z{Score: due, Member: tx})
		p.HSetNX(ctx, itemKey(tx), "invoice", invoiceID)
		p.HSetNX(ctx, itemKey(tx), "attempts", 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue recheck %s: %w", tx, err)
	}
	return nil
}

// Len is the number of queued transactions.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.rdb.ZCard(ctx, dueKey).Result()
}

// Run polls for due items until ctx is canceled.
func (q *Queue) Run(ctx context.Context, v Verifier) {
	poll := q.interval / 4
	if poll > 5*time.Second {
		poll = 5 * time.Second
	}
	if poll < 100*time.Millisecond {
		poll = 100 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	q.log.Info("recheck worker started", zap.Duration("interval", q.interval), zap.Int("max_attempts", q.maxAttempts))
	for {
		select {
		case <-ctx.Done():
			q.log.Info("recheck worker stopped")
			return
		case <-ticker.C:
			if _, err := q.ProcessDue(ctx, v); err != nil && ctx.Err() == nil {
				q.log.Error("recheck: process due", zap.Error(err))
			}
		}
	}
}

// ProcessDue handles every item whose due time has passed and returns how
// many it claimed.
func (q *Queue) ProcessDue(ctx context.Context, v Verifier) (int, error) {
	now := q.now().UnixMilli()
	txs, err := q.rdb.ZRangeByScore(ctx, dueKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now, 10),
		Count: maxBatchSize,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("list due rechecks: %w", err)
	}

	claimed := 0
	for _, tx := range txs {
		n, err := q.rdb.ZRem(ctx, dueKey, tx).Result()
		if err != nil {
			return claimed, fmt.Errorf("claim recheck %s: %w", tx, err)
		}
		if n == 0 {
			continue // another worker has it
		}
		claimed++
		q.process(ctx, v, tx)
	}
	return claimed, nil
}

func (q *Queue) process(ctx context.Context, v Verifier, tx string) {
	item, err := q.rdb.HGetAll(ctx, itemKey(tx)).Result()
	if err != nil {
		q.log.Error("recheck: load item", zap.String("tx", tx), zap.Error(err))
		q.reschedule(ctx, tx)
		return
	}
	attempts, _ := strconv.Atoi(item["attempts"])
	attempts++

	res, err := v.VerifyPayment(ctx, payments.VerifyRequest{
		TxHash:    tx,
		InvoiceID: item["invoice"],
		System:    true,
	})
	if !retryable(res, err) {
		if err != nil {
			q.log.Info("recheck dropped", zap.String("tx", tx), zap.Error(err))
		} else {
			q.log.Info("recheck finished", zap.String("tx", tx), zap.String("outcome", res.Outcome.Kind.String()))
		}
		q.drop(ctx, tx)
		return
	}

	if attempts >= q.maxAttempts {
		q.log.Warn("recheck gave up", zap.String("tx", tx), zap.Int("attempts", attempts))
		q.drop(ctx, tx)
		return
	}
	if err := q.rdb.HSet(ctx, itemKey(tx), "attempts", attempts).Err(); err != nil {
		q.log.Error("recheck: save attempts", zap.String("tx", tx), zap.Error(err))
	}
	q.reschedule(ctx, tx)
}

// retryable reports whether another attempt could change the result:
// Pending, consensus failures and infrastructure errors.
func retryable(res *payments.VerifyResult, err error) bool {
	if err != nil {
		return !errors.Is(err, payments.ErrValidation) &&
			!errors.Is(err, payments.ErrInvoiceNotPayable) &&
			!errors.Is(err, payments.ErrTamperedInvoice) &&
			!errors.Is(err, invoice.ErrNotFound)
	}
	switch res.Outcome.Kind {
	case verifier.KindPending:
		return true
	case verifier.KindRejected:
		c := res.Outcome.Class()
		return c == verifier.ClassConsensus || c == verifier.ClassInternal
	default:
		return false
	}
}

func (q *Queue) reschedule(ctx context.Context, tx string) {
	due := float64(q.now().Add(q.interval).UnixMilli())
	if err := q.rdb.ZAdd(ctx, dueKey, redis.Z{Score: due, Member: tx}).Err(); err != nil {
		q.log.Error("recheck: reschedule", zap.String("tx", tx), zap.Error(err))
	}
}

func (q *Queue) drop(ctx context.Context, tx string) {
	if err := q.rdb.Del(ctx, itemKey(tx)).Err(); err != nil {
		q.log.Error("recheck: drop item", zap.String("tx", tx), zap.Error(err))
	}
}
