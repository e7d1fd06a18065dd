// Package payments is the guarded entry point for invoicing: it applies the
// rate limiter, prices and signs invoices, drives verification, settles
// verified payments against invoices and records every decision in the audit
// log.
package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-invoice-guard/internal/audit"
	"github.com/0gfoundation/0g-invoice-guard/internal/invoice"
	"github.com/0gfoundation/0g-invoice-guard/internal/pricing"
	"github.com/0gfoundation/0g-invoice-guard/internal/ratelimit"
	"github.com/0gfoundation/0g-invoice-guard/internal/verifier"
)

var (
	// ErrValidation wraps every malformed-input failure.
	ErrValidation = errors.New("invalid request")
	// ErrInvoiceNotPayable means the named invoice is no longer Pending.
	ErrInvoiceNotPayable = errors.New("invoice cannot be paid")
	// ErrTamperedInvoice means a stored invoice no longer matches its signature.
	ErrTamperedInvoice = errors.New("invoice signature invalid")
)

// PaymentVerifier is satisfied by *verifier.Verifier.
type PaymentVerifier interface {
	Verify(ctx context.Context, txHash string, exp verifier.Expectation) verifier.Outcome
}

// Enqueuer schedules a pending transaction for another verification attempt.
type Enqueuer interface {
	Enqueue(ctx context.Context, txHash, invoiceID string) error
}

type Options struct {
	// ReceivingAddresses are the system's wallets; the first is the default
	// recipient and the one checked when no invoice is named.
	ReceivingAddresses []common.Address
	DefaultToken       string
	InvoiceTTL         time.Duration
	// Tolerance is the fractional amount slack for verification and matching.
	Tolerance decimal.Decimal
}

type Deps struct {
	Limiter  *ratelimit.Limiter
	Verifier PaymentVerifier
	Invoices *invoice.Ledger
	Signer   *invoice.Signer
	Quoter   *pricing.Quoter
	Audit    *audit.Log
	Recheck  Enqueuer // optional
}

type Service struct {
	opts Options
	Deps
	log *zap.Logger
	now func() time.Time
}

func NewService(opts Options, deps Deps, log *zap.Logger) (*Service, error) {
	if len(opts.ReceivingAddresses) == 0 {
		return nil, fmt.Errorf("at least one receiving address is required")
	}
	if opts.InvoiceTTL <= 0 {
		opts.InvoiceTTL = 30 * time.Minute
	}
	return &Service{opts: opts, Deps: deps, log: log, now: time.Now}, nil
}

// SetRecheck wires the recheck queue after construction; the queue's worker
// itself depends on the service.
func (s *Service) SetRecheck(q Enqueuer) { s.Recheck = q }

// gate runs the read-only limiter check and audits a denial.
func (s *Service) gate(ctx context.Context, op string, caller ratelimit.Identity) error {
	err := s.Limiter.Check(ctx, caller)
	if err == nil {
		return nil
	}
	var denial *ratelimit.Denial
	if errors.As(err, &denial) {
		s.Audit.Record(ctx, audit.SecurityRateLimited, withIdentity(map[string]string{
			"operation":   op,
			"layer":       string(denial.Layer),
			"reason":      denial.Reason,
			"retry_after": denial.RetryAfter.String(),
			"severity":    audit.SeverityWarn,
		}, caller))
		return err
	}
	s.log.Error("rate limiter unavailable", zap.String("operation", op), zap.Error(err))
	return fmt.Errorf("rate limiter: %w", err)
}

func (s *Service) charge(ctx context.Context, caller ratelimit.Identity) {
	if err := s.Limiter.Record(ctx, caller); err != nil {
		s.log.Error("rate limiter record", zap.Error(err))
	}
}

// violation counts a security violation against the caller and flags it once
// the configured threshold is reached.
func (s *Service) violation(ctx context.Context, caller ratelimit.Identity, reason string) {
	threshold := s.Limiter.ViolationThreshold()
	for _, identity := range identities(caller) {
		n, err := s.Limiter.RecordViolation(ctx, identity)
		if err != nil {
			s.log.Error("record violation", zap.Error(err))
			continue
		}
		if threshold > 0 && n >= threshold {
			if err := s.Flag(ctx, identity, "violation threshold: "+reason); err != nil {
				s.log.Error("auto-flag", zap.Error(err))
			}
		}
	}
}

// Violation is the entry point for violations detected outside this package,
// such as bad wallet signatures at the HTTP layer.
func (s *Service) Violation(ctx context.Context, caller ratelimit.Identity, category audit.Category, reason string) {
	s.Audit.Record(ctx, category, withIdentity(map[string]string{
		"reason":   reason,
		"severity": audit.SeverityWarn,
	}, caller))
	s.violation(ctx, caller, reason)
}

// Flag marks identity ("ip:<addr>" or "wallet:<addr>") as suspicious.
func (s *Service) Flag(ctx context.Context, identity, reason string) error {
	if err := s.Limiter.Flag(ctx, identity, reason); err != nil {
		if errors.Is(err, ratelimit.ErrBadIdentity) {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
		return err
	}
	s.Audit.Record(ctx, audit.SecurityFlagged, map[string]string{
		"identity": identity,
		"reason":   reason,
		"severity": audit.SeverityHigh,
	})
	s.log.Warn("identity flagged", zap.String("reason", reason))
	return nil
}

func (s *Service) Unflag(ctx context.Context, identity string) error {
	if err := s.Limiter.Unflag(ctx, identity); err != nil {
		if errors.Is(err, ratelimit.ErrBadIdentity) {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
		return err
	}
	s.Audit.Record(ctx, audit.SecurityUnflagged, map[string]string{
		"identity": identity,
		"severity": audit.SeverityInfo,
	})
	return nil
}

// Flagged lists flagged identities with their reasons.
func (s *Service) Flagged(ctx context.Context) (map[string]string, error) {
	return s.Limiter.Flagged(ctx)
}

// AuditIntegrity replays the audit chain.
func (s *Service) AuditIntegrity(ctx context.Context) (*audit.Report, error) {
	return s.Audit.VerifyIntegrity(ctx)
}

// Degraded reports whether automated reliance on the audit log must stop.
func (s *Service) Degraded() bool { return s.Audit.Tainted() }

func identities(caller ratelimit.Identity) []string {
	var out []string
	if caller.IP != "" {
		out = append(out, ratelimit.IPKey(caller.IP))
	}
	if caller.Wallet != "" {
		out = append(out, ratelimit.WalletKey(caller.Wallet))
	}
	return out
}

func withIdentity(payload map[string]string, caller ratelimit.Identity) map[string]string {
	if caller.IP != "" {
		payload["ip"] = caller.IP
	}
	if caller.Wallet != "" {
		payload["wallet"] = caller.Wallet
	}
	return payload
}
