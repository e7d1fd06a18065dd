package audit

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// ErrOutOfSequence means an append did not land directly after the last
// stored entry.
var ErrOutOfSequence = errors.New("audit append out of sequence")

// Store is append-only storage. There is deliberately no update or delete.
type Store interface {
	// Append stores e, which must carry Seq equal to the current length.
	Append(ctx context.Context, e *Entry) error
	// Last returns the newest entry, or nil when the store is empty.
	Last(ctx context.Context) (*Entry, error)
	// Scan calls fn for every entry in append order.
	Scan(ctx context.Context, fn func(*Entry) error) error
}

const (
	redisLogKey  = "audit:log"
	scanPageSize = 500
)

// appendScript pushes ARGV[2] only when the list length equals ARGV[1].
var appendScript = redis.NewScript(`
if redis.call('LLEN', KEYS[1]) ~= tonumber(ARGV[1]) then
  return 0
end
redis.call('RPUSH', KEYS[1], ARGV[2])
return 1
`)

// RedisStore keeps the log in a single Redis list.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Append(ctx context.Context, e *Entry) error {
	raw, err := encodeEntry(e)
	if err != nil {
		return err
	}
	ok, err := appendScript.Run(ctx, s.rdb, []string{redisLogKey}, strconv.FormatUint(e.Seq, 10), raw).Int()
	if err != nil {
		return fmt.Errorf("audit append: %w", err)
	}
	if ok == 0 {
		return fmt.Errorf("%w: seq %d", ErrOutOfSequence, e.Seq)
	}
	return nil
}

func (s *RedisStore) Last(ctx context.Context) (*Entry, error) {
	raw, err := s.rdb.LIndex(ctx, redisLogKey, -1).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit last: %w", err)
	}
	return decodeEntry(raw)
}

func (s *RedisStore) Scan(ctx context.Context, fn func(*Entry) error) error {
	for start := int64(0); ; start += scanPageSize {
		page, err := s.rdb.LRange(ctx, redisLogKey, start, start+scanPageSize-1).Result()
		if err != nil {
			return fmt.Errorf("audit scan: %w", err)
		}
		for _, raw := range page {
			e, err := decodeEntry([]byte(raw))
			if err != nil {
				return err
			}
			if err := fn(e); err != nil {
				return err
			}
		}
		if len(page) < scanPageSize {
			return nil
		}
	}
}
