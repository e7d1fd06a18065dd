package main

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-invoice-guard/internal/audit"
	"github.com/0gfoundation/0g-invoice-guard/internal/config"
	"github.com/0gfoundation/0g-invoice-guard/internal/invoice"
	"github.com/0gfoundation/0g-invoice-guard/internal/payments"
	"github.com/0gfoundation/0g-invoice-guard/internal/ratelimit"
	"github.com/0gfoundation/0g-invoice-guard/internal/secrets"
)

// backend is the subset of the server's wiring the CLI needs. Operations go
// through payments.Service so they are audited exactly like API calls.
type backend struct {
	svc   *payments.Service
	close func()
}

func openBackend(ctx context.Context) (*backend, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log := zap.NewNop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	keys, err := secrets.Derive(cfg.Security.MasterSecret)
	if err != nil {
		return nil, err
	}
	signer, err := invoice.NewSigner(keys.InvoiceSigning, cfg.Security.SignatureMaxAge)
	if err != nil {
		return nil, err
	}

	var store audit.Store = audit.NewRedisStore(rdb)
	closeStore := func() {}
	if cfg.Audit.Store == "bolt" {
		bs, err := audit.OpenBoltStore(cfg.Audit.BoltPath)
		if err != nil {
			return nil, fmt.Errorf("open audit store: %w", err)
		}
		store, closeStore = bs, func() { _ = bs.Close() }
	}
	auditLog := audit.New(store, audit.NewRedactor(keys.AuditPepper, cfg.Audit.SensitiveFields), log)

	receiving := make([]common.Address, 0, len(cfg.Invoice.ReceivingAddresses))
	for _, a := range cfg.Invoice.ReceivingAddresses {
		receiving = append(receiving, common.HexToAddress(a))
	}
	svc, err := payments.NewService(payments.Options{
		ReceivingAddresses: receiving,
		DefaultToken:       cfg.Invoice.DefaultToken,
		Tolerance:          cfg.AmountTolerance(),
	}, payments.Deps{
		Limiter:  ratelimit.NewLimiter(rdb, cfg.RateLimit),
		Invoices: invoice.NewLedger(rdb, log),
		Signer:   signer,
		Audit:    auditLog,
	}, log)
	if err != nil {
		return nil, err
	}

	return &backend{svc: svc, close: func() {
		auditLog.Close()
		closeStore()
		_ = rdb.Close()
	}}, nil
}
