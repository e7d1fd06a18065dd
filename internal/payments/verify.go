package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-invoice-guard/internal/audit"
	"github.com/0gfoundation/0g-invoice-guard/internal/invoice"
	"github.com/0gfoundation/0g-invoice-guard/internal/ratelimit"
	"github.com/0gfoundation/0g-invoice-guard/internal/validate"
	"github.com/0gfoundation/0g-invoice-guard/internal/verifier"
)

// maxMatchAttempts bounds retries when a matched invoice is paid by a
// concurrent verification first.
const maxMatchAttempts = 3

type VerifyRequest struct {
	TxHash    string
	InvoiceID string // optional
	Caller    ratelimit.Identity
	// System marks internal rechecks: no rate limiting and no re-enqueue.
	System bool
}

// VerifyResult carries the verifier outcome and, for a Verified payment,
// what it settled.
type VerifyResult struct {
	Outcome verifier.Outcome
	// Invoice is the invoice this payment marked Paid.
	Invoice *invoice.Invoice
	// Unmatched explains why a Verified payment settled no invoice.
	Unmatched string
}

// VerifyPayment verifies txHash and, when it is a final payment to this
// service, marks the matching invoice Paid.
func (s *Service) VerifyPayment(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	if !validate.IsTxID(req.TxHash) {
		return nil, fmt.Errorf("%w: malformed transaction hash", ErrValidation)
	}
	txHash := strings.ToLower(req.TxHash)

	if !req.System {
		if err := s.gate(ctx, "verify_payment", req.Caller); err != nil {
			return nil, err
		}
		s.charge(ctx, req.Caller)
	}

	exp := verifier.Expectation{Recipient: s.opts.ReceivingAddresses[0]}
	var target *invoice.Invoice
	if req.InvoiceID != "" {
		inv, err := s.payableInvoice(ctx, req.InvoiceID)
		if err != nil {
			return nil, err
		}
		target = inv
		exp = expectationFor(inv)
	}

	out := s.Verifier.Verify(ctx, txHash, exp)
	res := &VerifyResult{Outcome: out}
	base := withIdentity(map[string]string{
		"tx":      txHash,
		"invoice": req.InvoiceID,
	}, req.Caller)

	switch out.Kind {
	case verifier.KindPending:
		base["confirmations"] = fmt.Sprint(out.Confirmations)
		base["required"] = fmt.Sprint(out.Required)
		base["severity"] = audit.SeverityInfo
		s.Audit.Record(ctx, audit.PaymentPending, base)
		if !req.System && s.Recheck != nil {
			if err := s.Recheck.Enqueue(ctx, txHash, req.InvoiceID); err != nil {
				s.log.Error("recheck enqueue", zap.String("tx", txHash), zap.Error(err))
			}
		}

	case verifier.KindReplay:
		if req.System {
			// A queued recheck of a tx that has since been verified.
			base["severity"] = audit.SeverityInfo
			s.Audit.Record(ctx, audit.PaymentRecheckSettled, base)
			break
		}
		base["severity"] = audit.SeverityHigh
		s.Audit.Record(ctx, audit.SecurityReplay, base)
		s.log.Warn("replayed transaction submitted", zap.String("tx", txHash))
		s.violation(ctx, req.Caller, "replay")

	case verifier.KindRejected:
		base["class"] = string(out.Class())
		base["reason"] = out.Err.Error()
		base["severity"] = audit.SeverityWarn
		s.Audit.Record(ctx, audit.PaymentRejected, base)

	case verifier.KindVerified:
		// The tx is consumed; settlement must not die with the caller.
		s.settle(context.WithoutCancel(ctx), res, target, base)
	}
	return res, nil
}

// payableInvoice loads a named invoice and refuses anything that could not
// be marked Paid right now.
func (s *Service) payableInvoice(ctx context.Context, id string) (*invoice.Invoice, error) {
	inv, err := s.Invoices.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.Signer.Verify(inv); err != nil && !errors.Is(err, invoice.ErrSignatureExpired) {
		s.Audit.Record(ctx, audit.SecurityInvalidSignature, map[string]string{
			"invoice":  id,
			"reason":   err.Error(),
			"severity": audit.SeverityHigh,
		})
		return nil, fmt.Errorf("%w: %v", ErrTamperedInvoice, err)
	}
	if inv.Status != invoice.StatusPending {
		return nil, fmt.Errorf("%w: status %s", ErrInvoiceNotPayable, inv.Status)
	}
	if inv.Expired(s.now()) {
		return nil, fmt.Errorf("%w: expired", ErrInvoiceNotPayable)
	}
	return inv, nil
}

func expectationFor(inv *invoice.Invoice) verifier.Expectation {
	return verifier.Expectation{
		Recipient: common.HexToAddress(inv.Recipient),
		Token:     inv.Token,
		MinAmount: inv.Amount,
	}
}

// settle links a Verified payment to an invoice. The transaction is already
// consumed, so every path ends with the payment stored somewhere.
func (s *Service) settle(ctx context.Context, res *VerifyResult, target *invoice.Invoice, base map[string]string) {
	p := res.Outcome.Payment
	rec := invoice.Payment{
		ID:            p.ID,
		TxHash:        p.TxHash,
		Token:         p.Token,
		Amount:        p.Amount,
		Sender:        p.Sender.Hex(),
		Recipient:     p.Recipient.Hex(),
		BlockNumber:   p.BlockNumber,
		Confirmations: p.Confirmations,
		VerifiedAt:    p.VerifiedAt,
	}
	base["payment"] = p.ID
	base["amount"] = p.Amount.String()
	base["token"] = p.Token
	base["payer"] = rec.Sender
	base["confirmations"] = fmt.Sprint(p.Confirmations)
	base["severity"] = audit.SeverityInfo
	s.Audit.Record(ctx, audit.PaymentVerified, base)

	paid, reason := s.markPaid(ctx, target, rec)
	if paid == nil {
		res.Unmatched = reason
		if err := s.Invoices.RecordUnmatched(ctx, rec); err != nil {
			s.log.Error("record unmatched payment", zap.String("tx", p.TxHash), zap.Error(err))
		}
		s.Audit.Record(ctx, audit.PaymentUnmatched, map[string]string{
			"tx":       p.TxHash,
			"payment":  p.ID,
			"amount":   p.Amount.String(),
			"token":    p.Token,
			"payer":    rec.Sender,
			"reason":   reason,
			"severity": audit.SeverityWarn,
		})
		s.log.Warn("verified payment matched no invoice", zap.String("tx", p.TxHash), zap.String("reason", reason))
		return
	}

	res.Invoice = paid
	s.Audit.Record(ctx, audit.InvoicePaid, map[string]string{
		"invoice":  paid.ID,
		"tx":       p.TxHash,
		"payment":  p.ID,
		"payer":    rec.Sender,
		"severity": audit.SeverityInfo,
	})
	s.log.Info("invoice paid", zap.String("invoice", paid.ID), zap.String("tx", p.TxHash))
}

func (s *Service) markPaid(ctx context.Context, target *invoice.Invoice, rec invoice.Payment) (*invoice.Invoice, string) {
	if target != nil {
		paid, err := s.Invoices.MarkPaid(ctx, target.ID, rec)
		if err != nil {
			return nil, err.Error()
		}
		return paid, ""
	}

	for attempt := 0; attempt < maxMatchAttempts; attempt++ {
		inv, err := s.Invoices.Match(ctx, rec.Token, rec.Recipient, rec.Amount, s.opts.Tolerance)
		if err != nil {
			return nil, err.Error()
		}
		paid, err := s.Invoices.MarkPaid(ctx, inv.ID, rec)
		if err == nil {
			return paid, ""
		}
		if !errors.Is(err, invoice.ErrNotPending) && !errors.Is(err, invoice.ErrExpired) {
			return nil, err.Error()
		}
	}
	return nil, invoice.ErrNoMatch.Error()
}
