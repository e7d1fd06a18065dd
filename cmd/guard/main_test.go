package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/0gfoundation/0g-invoice-guard/internal/audit"
	"github.com/0gfoundation/0g-invoice-guard/internal/config"
)

// ── helpers ───────────────────────────────────────────────────────────────────

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

// ── openAuditStore ────────────────────────────────────────────────────────────

func TestOpenAuditStore_Redis(t *testing.T) {
	store, closeFn, err := openAuditStore(config.AuditConfig{Store: "redis"}, newTestRedis(t))
	if err != nil {
		t.Fatal(err)
	}
	defer closeFn()
	if _, ok := store.(*audit.RedisStore); !ok {
		t.Fatalf("got %T", store)
	}
}

func TestOpenAuditStore_Bolt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	store, closeFn, err := openAuditStore(config.AuditConfig{Store: "bolt", BoltPath: path}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer closeFn()
	if _, ok := store.(*audit.BoltStore); !ok {
		t.Fatalf("got %T", store)
	}
	last, err := store.Last(context.Background())
	if err != nil || last != nil {
		t.Fatalf("fresh store: %v %v", last, err)
	}
}

// ── receivingAddresses ────────────────────────────────────────────────────────

func TestReceivingAddresses(t *testing.T) {
	want := common.HexToAddress("0xabc0000000000000000000000000000000000001")
	got, err := receivingAddresses([]string{"0xabc0000000000000000000000000000000000001"})
	if err != nil || len(got) != 1 || got[0] != want {
		t.Fatalf("got %v %v", got, err)
	}
	if _, err := receivingAddresses([]string{"0xabc"}); err == nil {
		t.Error("short address accepted")
	}
}
