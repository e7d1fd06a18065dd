package audit

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	bolt "github.com/boltdb/bolt"
)

const boltBucket = "audit"

// BoltStore keeps the log in an embedded BoltDB file, keyed by big-endian
// sequence number so cursor order is append order.
type BoltStore struct {
	db *bolt.DB
}

func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(boltBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

func (s *BoltStore) Append(_ context.Context, e *Entry) error {
	raw, err := encodeEntry(e)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltBucket))
		var next uint64
		if k, _ := b.Cursor().Last(); k != nil {
			next = binary.BigEndian.Uint64(k) + 1
		}
		if e.Seq != next {
			return fmt.Errorf("%w: seq %d, expected %d", ErrOutOfSequence, e.Seq, next)
		}
		return b.Put(seqKey(e.Seq), raw)
	})
}

func (s *BoltStore) Last(_ context.Context) (*Entry, error) {
	var out *Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		_, v := tx.Bucket([]byte(boltBucket)).Cursor().Last()
		if v == nil {
			return nil
		}
		e, err := decodeEntry(v)
		out = e
		return err
	})
	return out, err
}

func (s *BoltStore) Scan(ctx context.Context, fn func(*Entry) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(boltBucket)).ForEach(func(_, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			e, err := decodeEntry(v)
			if err != nil {
				return err
			}
			return fn(e)
		})
	})
}
