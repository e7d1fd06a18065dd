package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-invoice-guard/internal/audit"
	"github.com/0gfoundation/0g-invoice-guard/internal/invoice"
	"github.com/0gfoundation/0g-invoice-guard/internal/pricing"
	"github.com/0gfoundation/0g-invoice-guard/internal/ratelimit"
	"github.com/0gfoundation/0g-invoice-guard/internal/validate"
)

type CreateRequest struct {
	ProductID string
	// Recipient defaults to the first receiving address and must be one of
	// them.
	Recipient string
	Token     string
	Email     string
	Caller    ratelimit.Identity
}

// CreateInvoice prices, signs and stores a new Pending invoice.
func (s *Service) CreateInvoice(ctx context.Context, req CreateRequest) (*invoice.Invoice, error) {
	if strings.TrimSpace(req.ProductID) == "" {
		return nil, fmt.Errorf("%w: product_id is required", ErrValidation)
	}
	if req.Email != "" && !validate.IsEmail(req.Email) {
		return nil, fmt.Errorf("%w: malformed email", ErrValidation)
	}
	recipient, err := s.recipient(req.Recipient)
	if err != nil {
		return nil, err
	}
	token := req.Token
	if token == "" {
		token = s.opts.DefaultToken
	}

	if err := s.gate(ctx, "create_invoice", req.Caller); err != nil {
		return nil, err
	}

	q, err := s.Quoter.Quote(ctx, req.ProductID, token)
	switch {
	case errors.Is(err, pricing.ErrUnknownToken):
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	case err != nil:
		return nil, err
	}

	now := s.now().UTC()
	inv := &invoice.Invoice{
		ID:        uuid.NewString(),
		ProductID: q.Product.ID,
		Amount:    q.Amount,
		Token:     q.Token.Symbol,
		Recipient: recipient.Hex(),
		Email:     req.Email,
		Status:    invoice.StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(s.opts.InvoiceTTL),
	}
	s.Signer.Sign(inv)
	if err := s.Invoices.Create(ctx, inv); err != nil {
		return nil, err
	}
	s.charge(ctx, req.Caller)

	s.Audit.Record(ctx, audit.InvoiceCreated, withIdentity(map[string]string{
		"invoice":   inv.ID,
		"product":   inv.ProductID,
		"amount":    inv.Amount.String(),
		"token":     inv.Token,
		"recipient": inv.Recipient,
		"email":     inv.Email,
		"severity":  audit.SeverityInfo,
	}, req.Caller))
	s.log.Info("invoice created",
		zap.String("invoice", inv.ID),
		zap.String("product", inv.ProductID),
		zap.String("amount", inv.Amount.String()),
		zap.String("token", inv.Token),
	)
	return inv, nil
}

func (s *Service) recipient(requested string) (common.Address, error) {
	if requested == "" {
		return s.opts.ReceivingAddresses[0], nil
	}
	if !validate.IsAddress(requested) {
		return common.Address{}, fmt.Errorf("%w: malformed recipient address", ErrValidation)
	}
	addr := common.HexToAddress(requested)
	for _, a := range s.opts.ReceivingAddresses {
		if a == addr {
			return addr, nil
		}
	}
	return common.Address{}, fmt.Errorf("%w: recipient is not a receiving address of this service", ErrValidation)
}

// InvoiceView is an invoice plus the result of re-checking its signature.
type InvoiceView struct {
	*invoice.Invoice
	SignatureValid bool   `json:"signature_valid"`
	SignatureError string `json:"signature_error,omitempty"`
}

// GetInvoice loads an invoice and re-verifies its signature. A signature that
// fails for any reason other than age is audited as tampering.
func (s *Service) GetInvoice(ctx context.Context, id string) (*InvoiceView, error) {
	inv, err := s.Invoices.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	view := &InvoiceView{Invoice: inv, SignatureValid: true}
	if err := s.Signer.Verify(inv); err != nil {
		view.SignatureValid = false
		view.SignatureError = err.Error()
		if !errors.Is(err, invoice.ErrSignatureExpired) {
			s.Audit.Record(ctx, audit.SecurityInvalidSignature, map[string]string{
				"invoice":  id,
				"reason":   err.Error(),
				"severity": audit.SeverityHigh,
			})
		}
	}
	return view, nil
}

// CancelInvoice moves a Pending invoice to Canceled.
func (s *Service) CancelInvoice(ctx context.Context, id string) (*invoice.Invoice, error) {
	inv, err := s.Invoices.Cancel(ctx, id)
	if err != nil {
		return nil, err
	}
	s.Audit.Record(ctx, audit.InvoiceCanceled, map[string]string{
		"invoice":  id,
		"severity": audit.SeverityInfo,
	})
	return inv, nil
}

// InvoiceExpired records an expiry made by the sweeper.
func (s *Service) InvoiceExpired(inv *invoice.Invoice) {
	s.Audit.Record(context.Background(), audit.InvoiceExpired, map[string]string{
		"invoice":  inv.ID,
		"severity": audit.SeverityInfo,
	})
}

// CheckAccess reports whether wallet holds a Paid invoice for productID that
// is still inside the product's access period.
func (s *Service) CheckAccess(ctx context.Context, wallet, productID string) (bool, error) {
	if !validate.IsAddress(wallet) {
		return false, fmt.Errorf("%w: malformed wallet address", ErrValidation)
	}
	product, err := s.Quoter.Product(productID)
	if err != nil {
		return false, err
	}
	paid, err := s.Invoices.PaidBy(ctx, wallet)
	if err != nil {
		return false, err
	}
	now := s.now()
	for _, inv := range paid {
		if inv.ProductID != productID {
			continue
		}
		if product.Period == 0 || now.Before(inv.PaidAt.Add(product.Period)) {
			return true, nil
		}
	}
	return false, nil
}

// UnmatchedPayments lists verified payments that settled no invoice.
func (s *Service) UnmatchedPayments(ctx context.Context, limit int64) ([]*invoice.Payment, error) {
	return s.Invoices.Unmatched(ctx, limit)
}
