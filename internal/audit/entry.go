// Package audit keeps a tamper-evident, append-only log of every security
// and payment decision. Each entry's hash covers its content and the hash of
// the entry before it.
package audit

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

type Category string

const (
	InvoiceCreated  Category = "invoice.created"
	InvoicePaid     Category = "invoice.paid"
	InvoiceExpired  Category = "invoice.expired"
	InvoiceCanceled Category = "invoice.canceled"

	PaymentVerified  Category = "payment.verified"
	PaymentPending   Category = "payment.pending"
	PaymentRejected  Category = "payment.rejected"
	PaymentUnmatched Category = "payment.unmatched"

	PaymentRecheckSettled Category = "payment.recheck_settled"

	SecurityReplay           Category = "security.replay"
	SecurityRateLimited      Category = "security.rate_limited"
	SecurityFlagged          Category = "security.flagged"
	SecurityUnflagged        Category = "security.unflagged"
	SecurityInvalidSignature Category = "security.invalid_signature"
)

// Severity is recorded in the payload under "severity".
const (
	SeverityInfo = "info"
	SeverityWarn = "warning"
	SeverityHigh = "high"
)

// GenesisHash is the previous-hash of the first entry.
var GenesisHash = common.Hash{}.Hex()

// Entry is one stored audit record.
type Entry struct {
	Seq       uint64            `json:"seq"`
	Timestamp int64             `json:"timestamp"` // unix nanoseconds
	Category  Category          `json:"category"`
	Payload   map[string]string `json:"payload"`
	PrevHash  string            `json:"prev_hash"`
	Hash      string            `json:"hash"`
}

// hashed is the exact content covered by Entry.Hash. json.Marshal writes map
// keys in sorted order, so the encoding is deterministic.
type hashed struct {
	Timestamp int64             `json:"timestamp"`
	Category  Category          `json:"category"`
	Payload   map[string]string `json:"payload"`
	PrevHash  string            `json:"prev_hash"`
}

// ComputeHash returns the Keccak-256 of the entry's hashed content.
func (e *Entry) ComputeHash() (string, error) {
	raw, err := json.Marshal(hashed{
		Timestamp: e.Timestamp,
		Category:  e.Category,
		Payload:   e.Payload,
		PrevHash:  e.PrevHash,
	})
	if err != nil {
		return "", fmt.Errorf("encode entry %d: %w", e.Seq, err)
	}
	return crypto.Keccak256Hash(raw).Hex(), nil
}

func encodeEntry(e *Entry) ([]byte, error) {
	return json.Marshal(e)
}

func decodeEntry(raw []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode audit entry: %w", err)
	}
	return &e, nil
}
