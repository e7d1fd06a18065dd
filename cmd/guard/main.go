package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-invoice-guard/internal/api"
	"github.com/0gfoundation/0g-invoice-guard/internal/audit"
	"github.com/0gfoundation/0g-invoice-guard/internal/chain"
	"github.com/0gfoundation/0g-invoice-guard/internal/config"
	"github.com/0gfoundation/0g-invoice-guard/internal/invoice"
	"github.com/0gfoundation/0g-invoice-guard/internal/payments"
	"github.com/0gfoundation/0g-invoice-guard/internal/pricing"
	"github.com/0gfoundation/0g-invoice-guard/internal/ratelimit"
	"github.com/0gfoundation/0g-invoice-guard/internal/recheck"
	"github.com/0gfoundation/0g-invoice-guard/internal/replay"
	"github.com/0gfoundation/0g-invoice-guard/internal/secrets"
	"github.com/0gfoundation/0g-invoice-guard/internal/validate"
	"github.com/0gfoundation/0g-invoice-guard/internal/verifier"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	// ── Keys ──────────────────────────────────────────────────────────────────
	keys, err := secrets.Derive(cfg.Security.MasterSecret)
	if err != nil {
		log.Fatal("derive keys failed", zap.Error(err))
	}

	// ── Chain providers + verifier ────────────────────────────────────────────
	providers, err := chain.Dial(ctx, cfg.Chain.Providers)
	if err != nil {
		log.Fatal("chain providers init failed", zap.Error(err))
	}
	registry, err := chain.NewRegistry(cfg.Chain.Native, cfg.Chain.Tokens)
	if err != nil {
		log.Fatal("token registry init failed", zap.Error(err))
	}
	v := verifier.New(providers, registry, replay.NewLedger(rdb), verifier.Options{
		Quorum:           cfg.Chain.Quorum,
		MinConfirmations: cfg.Chain.MinConfirmations,
		ProviderTimeout:  cfg.Chain.ProviderTimeout,
		Tolerance:        cfg.AmountTolerance(),
	}, log)

	// ── Audit log ─────────────────────────────────────────────────────────────
	store, closeStore, err := openAuditStore(cfg.Audit, rdb)
	if err != nil {
		log.Fatal("audit store init failed", zap.Error(err))
	}
	defer closeStore()
	auditLog := audit.New(store, audit.NewRedactor(keys.AuditPepper, cfg.Audit.SensitiveFields), log)
	defer auditLog.Close()

	rep, err := auditLog.VerifyIntegrity(ctx)
	switch {
	case err != nil:
		log.Error("startup audit check failed", zap.Error(err))
	case !rep.Valid:
		log.Error("audit log corrupted at startup, running degraded", zap.Int("corruptions", len(rep.Corruptions)))
	default:
		log.Info("audit log verified", zap.Uint64("entries", rep.Entries))
	}

	// ── Invoices + pricing ────────────────────────────────────────────────────
	signer, err := invoice.NewSigner(keys.InvoiceSigning, cfg.Security.SignatureMaxAge)
	if err != nil {
		log.Fatal("invoice signer init failed", zap.Error(err))
	}
	catalog, err := pricing.NewCatalog(cfg.Products)
	if err != nil {
		log.Fatal("product catalog init failed", zap.Error(err))
	}
	ledger := invoice.NewLedger(rdb, log)

	receiving, err := receivingAddresses(cfg.Invoice.ReceivingAddresses)
	if err != nil {
		log.Fatal("invalid receiving address", zap.Error(err))
	}

	svc, err := payments.NewService(payments.Options{
		ReceivingAddresses: receiving,
		DefaultToken:       cfg.Invoice.DefaultToken,
		InvoiceTTL:         cfg.Invoice.TTL,
		Tolerance:          cfg.AmountTolerance(),
	}, payments.Deps{
		Limiter:  ratelimit.NewLimiter(rdb, cfg.RateLimit),
		Verifier: v,
		Invoices: ledger,
		Signer:   signer,
		Quoter:   pricing.NewQuoter(catalog, registry, pricing.NewOracle(cfg.Pricing)),
		Audit:    auditLog,
	}, log)
	if err != nil {
		log.Fatal("payments service init failed", zap.Error(err))
	}

	// ── Goroutines ────────────────────────────────────────────────────────────
	go invoice.RunSweeper(ctx, ledger, cfg.Invoice.SweepInterval, svc.InvoiceExpired, log)
	if cfg.Recheck.Enabled {
		q := recheck.NewQueue(rdb, cfg.Recheck, log)
		svc.SetRecheck(q)
		go q.Run(ctx, svc)
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery())
	api.NewHandler(svc, rdb, cfg.Security.AdminKey, log).Register(r)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}

// openAuditStore returns the configured backend and its close function.
func openAuditStore(cfg config.AuditConfig, rdb *redis.Client) (audit.Store, func(), error) {
	if cfg.Store == "bolt" {
		s, err := audit.OpenBoltStore(cfg.BoltPath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	}
	return audit.NewRedisStore(rdb), func() {}, nil
}

func receivingAddresses(raw []string) ([]common.Address, error) {
	out := make([]common.Address, 0, len(raw))
	for _, a := range raw {
		if !validate.IsAddress(a) {
			return nil, fmt.Errorf("%q is not an address", a)
		}
		out = append(out, common.HexToAddress(a))
	}
	return out, nil
}
