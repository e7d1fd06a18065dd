// Package ratelimit implements the layered request budgets that gate invoice
// creation and payment verification.
//
// Layers are evaluated in a fixed order: suspicious flag, per-IP, per-wallet
// (only when a wallet is known) and global. Each budget is a fixed window
// counter stored in a Redis hash {count, reset_at}; a window that has elapsed
// is reset lazily on the next Record.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/0gfoundation/0g-invoice-guard/internal/config"
)

type Layer string

const (
	LayerSuspicious Layer = "suspicious"
	LayerIP         Layer = "ip"
	LayerWallet     Layer = "wallet"
	LayerGlobal     Layer = "global"
)

const (
	budgetKeyPrefix = "ratelimit:budget:"
	suspiciousKey   = "ratelimit:suspicious"
	violationsKey   = "ratelimit:violations"
	globalValue     = "all"
)

// Identity is who is asking. Wallet is empty for unauthenticated callers.
type Identity struct {
	IP     string
	Wallet string
}

// IPKey and WalletKey build the identity strings used by Flag and Unflag.
func IPKey(ip string) string         { return "ip:" + ip }
func WalletKey(wallet string) string { return "wallet:" + strings.ToLower(wallet) }

func (id Identity) keys() []string {
	keys := []string{IPKey(id.IP)}
	if id.Wallet != "" {
		keys = append(keys, WalletKey(id.Wallet))
	}
	return keys
}

// Denial is returned by Check when a layer refuses the request.
type Denial struct {
	Layer      Layer
	Reason     string
	RetryAfter time.Duration
}

func (d *Denial) Error() string {
	if d.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (%s): %s, retry after %s", d.Layer, d.Reason, d.RetryAfter.Round(time.Second))
	}
	return fmt.Sprintf("rate limited (%s): %s", d.Layer, d.Reason)
}

var ErrBadIdentity = errors.New("identity must be ip:<addr> or wallet:<addr>")

// Limiter evaluates and charges the budgets.
type Limiter struct {
	rdb    *redis.Client
	limits config.RateLimitConfig
	now    func() time.Time
}

func NewLimiter(rdb *redis.Client, limits config.RateLimitConfig) *Limiter {
	return &Limiter{rdb: rdb, limits: limits, now: time.Now}
}

type layerBudget struct {
	layer  Layer
	value  string
	budget config.Budget
}

func (l *Limiter) layers(id Identity) []layerBudget {
	out := []layerBudget{{LayerIP, id.IP, l.limits.IP}}
	if id.Wallet != "" {
		out = append(out, layerBudget{LayerWallet, strings.ToLower(id.Wallet), l.limits.Wallet})
	}
	return append(out, layerBudget{LayerGlobal, globalValue, l.limits.Global})
}

func budgetKey(layer Layer, value string) string {
	return budgetKeyPrefix + string(layer) + ":" + value
}

func enabled(b config.Budget) bool { return b.MaxRequests > 0 && b.Window > 0 }

// Check reports whether id may proceed. It never consumes budget. A nil error
// means allowed; a *Denial means refused; anything else is a storage failure
// and callers must fail closed.
func (l *Limiter) Check(ctx context.Context, id Identity) error {
	for _, k := range id.keys() {
		reason, err := l.rdb.HGet(ctx, suspiciousKey, k).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("suspicious lookup: %w", err)
		}
		if err == nil {
			return &Denial{Layer: LayerSuspicious, Reason: "flagged: " + reason}
		}
	}

	now := l.now().UnixMilli()
	for _, lb := range l.layers(id) {
		if !enabled(lb.budget) {
			continue
		}
		vals, err := l.rdb.HMGet(ctx, budgetKey(lb.layer, lb.value), "count", "reset_at").Result()
		if err != nil {
			return fmt.Errorf("read %s budget: %w", lb.layer, err)
		}
		count, resetAt := parseInt(vals[0]), parseInt(vals[1])
		if now > resetAt {
			continue // window elapsed, next Record resets it
		}
		if count >= lb.budget.MaxRequests {
			return &Denial{
				Layer:      lb.layer,
				Reason:     fmt.Sprintf("%d requests per %s exceeded", lb.budget.MaxRequests, lb.budget.Window),
				RetryAfter: time.Duration(resetAt-now) * time.Millisecond,
			}
		}
	}
	return nil
}

// recordScript increments one fixed-window counter, resetting it first if the
// window has elapsed. KEYS[1]=budget key, ARGV[1]=now ms, ARGV[2]=window ms.
var recordScript = redis.NewScript(`
local vals = redis.call('HMGET', KEYS[1], 'count', 'reset_at')
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local count = tonumber(vals[1]) or 0
local reset = tonumber(vals[2]) or 0
if now > reset then
  count = 0
  reset = now + window
end
count = count + 1
redis.call('HSET', KEYS[1], 'count', count, 'reset_at', reset)
redis.call('PEXPIRE', KEYS[1], (reset - now) + window)
return count
`)

// Record charges one request against every applicable layer.
func (l *Limiter) Record(ctx context.Context, id Identity) error {
	now := l.now().UnixMilli()
	for _, lb := range l.layers(id) {
		if !enabled(lb.budget) {
			continue
		}
		key := budgetKey(lb.layer, lb.value)
		if err := recordScript.Run(ctx, l.rdb, []string{key}, now, lb.budget.Window.Milliseconds()).Err(); err != nil {
			return fmt.Errorf("record %s budget: %w", lb.layer, err)
		}
	}
	return nil
}

func validIdentity(identity string) bool {
	ip, isIP := strings.CutPrefix(identity, "ip:")
	w, isWallet := strings.CutPrefix(identity, "wallet:")
	return (isIP && ip != "") || (isWallet && w != "")
}

// Flag denies identity unconditionally until Unflag is called.
func (l *Limiter) Flag(ctx context.Context, identity, reason string) error {
	if !validIdentity(identity) {
		return ErrBadIdentity
	}
	if reason == "" {
		reason = "unspecified"
	}
	return l.rdb.HSet(ctx, suspiciousKey, normalize(identity), reason).Err()
}

// Unflag clears the flag and the violation counter for identity.
func (l *Limiter) Unflag(ctx context.Context, identity string) error {
	if !validIdentity(identity) {
		return ErrBadIdentity
	}
	id := normalize(identity)
	_, err := l.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HDel(ctx, suspiciousKey, id)
		p.HDel(ctx, violationsKey, id)
		return nil
	})
	return err
}

// Flagged returns every flagged identity with its reason.
func (l *Limiter) Flagged(ctx context.Context) (map[string]string, error) {
	return l.rdb.HGetAll(ctx, suspiciousKey).Result()
}

// RecordViolation bumps the violation counter for identity and returns the
// new total. It never flags on its own.
func (l *Limiter) RecordViolation(ctx context.Context, identity string) (int64, error) {
	if !validIdentity(identity) {
		return 0, ErrBadIdentity
	}
	return l.rdb.HIncrBy(ctx, violationsKey, normalize(identity), 1).Result()
}

// ViolationThreshold is the configured auto-flag threshold; 0 disables it.
func (l *Limiter) ViolationThreshold() int64 { return l.limits.ViolationThreshold }

func normalize(identity string) string {
	if w, ok := strings.CutPrefix(identity, "wallet:"); ok {
		return WalletKey(w)
	}
	return identity
}

func parseInt(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
