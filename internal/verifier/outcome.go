package verifier

import (
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/0gfoundation/0g-invoice-guard/internal/replay"
)

// Kind is the closed set of verification outcomes.
type Kind int

const (
	KindVerified Kind = iota + 1
	KindPending
	KindRejected
	KindReplay
)

func (k Kind) String() string {
	switch k {
	case KindVerified:
		return "verified"
	case KindPending:
		return "pending_confirmations"
	case KindRejected:
		return "rejected"
	case KindReplay:
		return "replay"
	default:
		return "unknown"
	}
}

var (
	ErrInvalidTxID           = errors.New("malformed transaction hash")
	ErrInsufficientConsensus = errors.New("insufficient consensus")
	ErrProviderInconsistency = errors.New("provider inconsistency")
	ErrReverted              = errors.New("transaction reverted")
	ErrNoTransfer            = errors.New("no payment transfer in transaction")
	ErrUnknownToken          = errors.New("transfer of unregistered token")
	ErrTokenMismatch         = errors.New("token does not match expected token")
	ErrRecipientMismatch     = errors.New("recipient does not match expected recipient")
	ErrAmountMismatch        = errors.New("amount below expected amount")
	ErrReplay                = errors.New("transaction already consumed")
)

// Class groups rejection reasons for callers and the audit trail.
type Class string

const (
	ClassNone       Class = ""
	ClassValidation Class = "validation"
	ClassConsensus  Class = "consensus_failure"
	ClassMismatch   Class = "mismatch_rejection"
	ClassReplay     Class = "replay_detected"
	ClassInternal   Class = "internal"
)

// Classify maps a verification error to its Class.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrInvalidTxID):
		return ClassValidation
	case errors.Is(err, ErrInsufficientConsensus), errors.Is(err, ErrProviderInconsistency):
		return ClassConsensus
	case errors.Is(err, ErrReplay), errors.Is(err, replay.ErrAlreadyConsumed):
		return ClassReplay
	case errors.Is(err, ErrReverted), errors.Is(err, ErrNoTransfer), errors.Is(err, ErrUnknownToken),
		errors.Is(err, ErrTokenMismatch), errors.Is(err, ErrRecipientMismatch), errors.Is(err, ErrAmountMismatch):
		return ClassMismatch
	default:
		return ClassInternal
	}
}

// Expectation is what the transaction must pay. An empty Token accepts any
// registered token; a zero MinAmount still requires a positive amount.
type Expectation struct {
	Recipient common.Address
	Token     string
	MinAmount decimal.Decimal
}

// Payment is the authoritative record extracted from an agreed receipt.
type Payment struct {
	ID            string          `json:"id"`
	TxHash        string          `json:"tx_hash"`
	Token         string          `json:"token"`
	Amount        decimal.Decimal `json:"amount"`
	RawAmount     *big.Int        `json:"raw_amount"`
	Sender        common.Address  `json:"sender"`
	Recipient     common.Address  `json:"recipient"`
	BlockNumber   uint64          `json:"block_number"`
	Confirmations uint64          `json:"confirmations"`
	VerifiedAt    time.Time       `json:"verified_at"`
}

// Outcome is the result of one Verify call. Pending is not a failure.
type Outcome struct {
	Kind          Kind
	Payment       *Payment
	Confirmations uint64
	Required      uint64
	Err           error
}

func (o Outcome) Class() Class { return Classify(o.Err) }

func rejected(err error) Outcome { return Outcome{Kind: KindRejected, Err: err} }

func replayed() Outcome { return Outcome{Kind: KindReplay, Err: ErrReplay} }
