// Package replay records which transaction hashes have already been credited.
// A hash is consumed at most once, ever.
package replay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "replay:tx:"

// ErrAlreadyConsumed is returned by MarkConsumed when another caller won.
var ErrAlreadyConsumed = errors.New("transaction already consumed")

// Ledger is the Redis-backed consumed-transaction set.
type Ledger struct {
	rdb *redis.Client
	now func() time.Time
}

func NewLedger(rdb *redis.Client) *Ledger {
	return &Ledger{rdb: rdb, now: time.Now}
}

func key(txHash string) string {
	return keyPrefix + strings.ToLower(txHash)
}

func (l *Ledger) IsConsumed(ctx context.Context, txHash string) (bool, error) {
	n, err := l.rdb.Exists(ctx, key(txHash)).Result()
	if err != nil {
		return false, fmt.Errorf("replay exists: %w", err)
	}
	return n > 0, nil
}

// MarkConsumed atomically claims txHash. Exactly one concurrent caller gets a
// nil error; the rest get ErrAlreadyConsumed. The key never expires.
func (l *Ledger) MarkConsumed(ctx context.Context, txHash string) error {
	ok, err := l.rdb.SetNX(ctx, key(txHash), l.now().UTC().Unix(), 0).Result()
	if err != nil {
		return fmt.Errorf("replay setnx: %w", err)
	}
	if !ok {
		return ErrAlreadyConsumed
	}
	return nil
}
