// Package invoice owns invoices and the payments settled against them.
package invoice

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusPaid     Status = "paid"
	StatusExpired  Status = "expired"
	StatusCanceled Status = "canceled"
)

func (s Status) Terminal() bool { return s != StatusPending }

// Signature is the keyed hash attached by Signer.Sign.
type Signature struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
	Timestamp int64  `json:"timestamp"`
}

// Invoice is a request for Amount of Token paid to Recipient before ExpiresAt.
type Invoice struct {
	ID        string          `json:"id"`
	ProductID string          `json:"product_id"`
	Amount    decimal.Decimal `json:"amount"`
	Token     string          `json:"token"`
	Recipient string          `json:"recipient"`
	Email     string          `json:"email,omitempty"`
	Status    Status          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`

	// Set once, when the invoice is paid.
	Payer         string    `json:"payer,omitempty"`
	TxHash        string    `json:"tx_hash,omitempty"`
	PaymentID     string    `json:"payment_id,omitempty"`
	Confirmations uint64    `json:"confirmations,omitempty"`
	PaidAt        time.Time `json:"paid_at,omitempty"`

	Signature Signature `json:"signature"`
}

// Expired reports whether the invoice deadline has passed at now.
func (inv *Invoice) Expired(now time.Time) bool {
	return now.After(inv.ExpiresAt)
}

// Payment is the record of one verified on-chain transaction. InvoiceID is
// empty for payments that matched no invoice.
type Payment struct {
	ID            string          `json:"id"`
	InvoiceID     string          `json:"invoice_id,omitempty"`
	TxHash        string          `json:"tx_hash"`
	Token         string          `json:"token"`
	Amount        decimal.Decimal `json:"amount"`
	Sender        string          `json:"sender"`
	Recipient     string          `json:"recipient"`
	BlockNumber   uint64          `json:"block_number"`
	Confirmations uint64          `json:"confirmations"`
	VerifiedAt    time.Time       `json:"verified_at"`
}

// ── redis hash encoding ───────────────────────────────────────────────────────

func (inv *Invoice) fields() []interface{} {
	return []interface{}{
		"id", inv.ID,
		"product_id", inv.ProductID,
		"amount", inv.Amount.String(),
		"token", inv.Token,
		"recipient", inv.Recipient,
		"email", inv.Email,
		"status", string(inv.Status),
		"created_at", inv.CreatedAt.UnixNano(),
		"expires_at", inv.ExpiresAt.UnixNano(),
		"payer", inv.Payer,
		"tx_hash", inv.TxHash,
		"payment_id", inv.PaymentID,
		"confirmations", inv.Confirmations,
		"paid_at", unixNano(inv.PaidAt),
		"sig_alg", inv.Signature.Algorithm,
		"sig_value", inv.Signature.Value,
		"sig_ts", inv.Signature.Timestamp,
	}
}

func invoiceFromMap(m map[string]string) (*Invoice, error) {
	amount, err := decimal.NewFromString(m["amount"])
	if err != nil {
		return nil, fmt.Errorf("invoice %s: amount: %w", m["id"], err)
	}
	created, _ := strconv.ParseInt(m["created_at"], 10, 64)
	expires, _ := strconv.ParseInt(m["expires_at"], 10, 64)
	paid, _ := strconv.ParseInt(m["paid_at"], 10, 64)
	confs, _ := strconv.ParseUint(m["confirmations"], 10, 64)
	sigTS, _ := strconv.ParseInt(m["sig_ts"], 10, 64)

	inv := &Invoice{
		ID:            m["id"],
		ProductID:     m["product_id"],
		Amount:        amount,
		Token:         m["token"],
		Recipient:     m["recipient"],
		Email:         m["email"],
		Status:        Status(m["status"]),
		CreatedAt:     time.Unix(0, created).UTC(),
		ExpiresAt:     time.Unix(0, expires).UTC(),
		Payer:         m["payer"],
		TxHash:        m["tx_hash"],
		PaymentID:     m["payment_id"],
		Confirmations: confs,
		Signature: Signature{
			Algorithm: m["sig_alg"],
			Value:     m["sig_value"],
			Timestamp: sigTS,
		},
	}
	if paid != 0 {
		inv.PaidAt = time.Unix(0, paid).UTC()
	}
	switch inv.Status {
	case StatusPending, StatusPaid, StatusExpired, StatusCanceled:
	default:
		return nil, fmt.Errorf("invoice %s: unknown status %q", inv.ID, inv.Status)
	}
	return inv, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func normalizeAddr(a string) string { return strings.ToLower(a) }
