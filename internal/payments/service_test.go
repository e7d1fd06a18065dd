package payments

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-invoice-guard/internal/audit"
	"github.com/0gfoundation/0g-invoice-guard/internal/chain"
	"github.com/0gfoundation/0g-invoice-guard/internal/config"
	"github.com/0gfoundation/0g-invoice-guard/internal/invoice"
	"github.com/0gfoundation/0g-invoice-guard/internal/pricing"
	"github.com/0gfoundation/0g-invoice-guard/internal/ratelimit"
	"github.com/0gfoundation/0g-invoice-guard/internal/replay"
	"github.com/0gfoundation/0g-invoice-guard/internal/verifier"
)

// ── fixtures ──────────────────────────────────────────────────────────────────

var (
	usdc      = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	ourWallet = common.HexToAddress("0xABC0000000000000000000000000000000000001")
	elsewhere = common.HexToAddress("0xDEF0000000000000000000000000000000000002")
	payer     = common.HexToAddress("0x5555555555555555555555555555555555555555")

	caller = ratelimit.Identity{IP: "203.0.113.7"}
)

func txHash(n int) string { return fmt.Sprintf("0x%064x", n) }

// chainState is shared by every fake provider: all of them agree.
type chainState struct {
	mu       sync.Mutex
	head     uint64
	receipts map[common.Hash]*chain.Receipt
}

func (c *chainState) add(tx string, r *chain.Receipt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receipts[common.HexToHash(tx)] = r
}

func (c *chainState) setHead(h uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head = h
}

type fakeProvider struct {
	id    string
	state *chainState
}

func (f *fakeProvider) ID() string { return f.id }

func (f *fakeProvider) Receipt(_ context.Context, h common.Hash) (*chain.Receipt, error) {
	f.state.mu.Lock()
	defer f.state.mu.Unlock()
	r, ok := f.state.receipts[h]
	if !ok {
		return nil, chain.ErrNotFound
	}
	cp := *r
	cp.ProviderID = f.id
	return &cp, nil
}

func (f *fakeProvider) BlockNumber(context.Context) (uint64, error) {
	f.state.mu.Lock()
	defer f.state.mu.Unlock()
	return f.state.head, nil
}

func usdcTransfer(block uint64, to common.Address, raw int64) *chain.Receipt {
	return &chain.Receipt{
		BlockNumber: block,
		Status:      types.ReceiptStatusSuccessful,
		Logs: []*types.Log{{
			Address: usdc,
			Topics: []common.Hash{
				chain.TransferTopic,
				common.BytesToHash(payer.Bytes()),
				common.BytesToHash(to.Bytes()),
			},
			Data: common.LeftPadBytes(big.NewInt(raw).Bytes(), 32),
		}},
		NativeValue: big.NewInt(0),
		From:        payer,
		To:          &usdc,
	}
}

type harness struct {
	svc      *Service
	chain    *chainState
	rdb      *redis.Client
	mr       *miniredis.Miniredis
	log      *audit.Log
	store    *audit.RedisStore
	recheck  *recordingQueue
	invoices *invoice.Ledger
}

type recordingQueue struct {
	mu  sync.Mutex
	txs []string
}

func (q *recordingQueue) Enqueue(_ context.Context, tx, _ string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.txs = append(q.txs, tx)
	return nil
}

func newHarness(t *testing.T, limits config.RateLimitConfig) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	log := zap.NewNop()

	reg, err := chain.NewRegistry(
		config.NativeConfig{Symbol: "ETH", Decimals: 18},
		[]config.TokenConfig{{Address: usdc.Hex(), Symbol: "USDC", Decimals: 6, USDPegged: true}},
	)
	require.NoError(t, err)
	catalog, err := pricing.NewCatalog([]config.ProductConfig{
		{ID: "pro", PriceUSD: "10.00", Interval: "monthly"},
		{ID: "lifetime", PriceUSD: "50", Interval: "once"},
	})
	require.NoError(t, err)

	state := &chainState{head: 107, receipts: map[common.Hash]*chain.Receipt{}}
	providers := []chain.Provider{
		&fakeProvider{id: "a", state: state},
		&fakeProvider{id: "b", state: state},
		&fakeProvider{id: "c", state: state},
	}
	tol := decimal.RequireFromString("0.01")
	v := verifier.New(providers, reg, replay.NewLedger(rdb), verifier.Options{
		Quorum: 2, MinConfirmations: 6, ProviderTimeout: time.Second, Tolerance: tol,
	}, log)

	signer, err := invoice.NewSigner([]byte("0123456789abcdef0123456789abcdef"), 24*time.Hour)
	require.NoError(t, err)

	store := audit.NewRedisStore(rdb)
	auditLog := audit.New(store, audit.NewRedactor([]byte("pepper"), []string{"wallet", "payer", "ip", "email", "identity"}), log)
	t.Cleanup(auditLog.Close)

	ledger := invoice.NewLedger(rdb, log)
	q := &recordingQueue{}
	svc, err := NewService(Options{
		ReceivingAddresses: []common.Address{ourWallet},
		DefaultToken:       "USDC",
		InvoiceTTL:         30 * time.Minute,
		Tolerance:          tol,
	}, Deps{
		Limiter:  ratelimit.NewLimiter(rdb, limits),
		Verifier: v,
		Invoices: ledger,
		Signer:   signer,
		Quoter:   pricing.NewQuoter(catalog, reg, nil),
		Audit:    auditLog,
		Recheck:  q,
	}, log)
	require.NoError(t, err)

	return &harness{svc: svc, chain: state, rdb: rdb, mr: mr, log: auditLog, store: store, recheck: q, invoices: ledger}
}

func generous() config.RateLimitConfig {
	return config.RateLimitConfig{
		IP:     config.Budget{MaxRequests: 1000, Window: time.Hour},
		Global: config.Budget{MaxRequests: 1000, Window: time.Hour},
	}
}

func (h *harness) categories(t *testing.T) []audit.Category {
	t.Helper()
	var out []audit.Category
	require.NoError(t, h.store.Scan(context.Background(), func(e *audit.Entry) error {
		out = append(out, e.Category)
		return nil
	}))
	return out
}

func (h *harness) createInvoice(t *testing.T) *invoice.Invoice {
	t.Helper()
	inv, err := h.svc.CreateInvoice(context.Background(), CreateRequest{ProductID: "pro", Caller: caller})
	require.NoError(t, err)
	return inv
}

// ── end to end ────────────────────────────────────────────────────────────────

func TestEndToEnd_PayReplayMismatch(t *testing.T) {
	h := newHarness(t, generous())
	ctx := context.Background()

	inv := h.createInvoice(t)
	assert.Equal(t, "10", inv.Amount.String())
	assert.Equal(t, "USDC", inv.Token)
	assert.Equal(t, ourWallet.Hex(), inv.Recipient)
	assert.Equal(t, invoice.StatusPending, inv.Status)

	// 10.05 USDC to us with 7 confirmations.
	h.chain.add(txHash(1), usdcTransfer(100, ourWallet, 10_050_000))
	res, err := h.svc.VerifyPayment(ctx, VerifyRequest{TxHash: txHash(1), Caller: caller})
	require.NoError(t, err)
	require.Equal(t, verifier.KindVerified, res.Outcome.Kind, "%v", res.Outcome.Err)
	require.NotNil(t, res.Invoice)
	assert.Equal(t, inv.ID, res.Invoice.ID)

	stored, err := h.invoices.Get(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, invoice.StatusPaid, stored.Status)
	assert.Equal(t, uint64(7), stored.Confirmations)

	// Same transaction again.
	res, err = h.svc.VerifyPayment(ctx, VerifyRequest{TxHash: txHash(1), Caller: caller})
	require.NoError(t, err)
	assert.Equal(t, verifier.KindReplay, res.Outcome.Kind)

	// A second invoice and a payment to someone else.
	second := h.createInvoice(t)
	h.chain.add(txHash(2), usdcTransfer(100, elsewhere, 10_000_000))
	res, err = h.svc.VerifyPayment(ctx, VerifyRequest{TxHash: txHash(2), InvoiceID: second.ID, Caller: caller})
	require.NoError(t, err)
	assert.Equal(t, verifier.KindRejected, res.Outcome.Kind)
	assert.Equal(t, verifier.ClassMismatch, res.Outcome.Class())

	stored, _ = h.invoices.Get(ctx, second.ID)
	assert.Equal(t, invoice.StatusPending, stored.Status)

	cats := h.categories(t)
	assert.Contains(t, cats, audit.InvoiceCreated)
	assert.Contains(t, cats, audit.PaymentVerified)
	assert.Contains(t, cats, audit.InvoicePaid)
	assert.Contains(t, cats, audit.SecurityReplay)
	assert.Contains(t, cats, audit.PaymentRejected)

	rep, err := h.svc.AuditIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, rep.Valid)
	assert.False(t, h.svc.Degraded())
}

func TestVerify_ReplayIsHighSeverityAndCountsViolation(t *testing.T) {
	limits := generous()
	limits.ViolationThreshold = 2
	h := newHarness(t, limits)
	ctx := context.Background()
	h.createInvoice(t)

	h.chain.add(txHash(1), usdcTransfer(100, ourWallet, 10_000_000))
	_, err := h.svc.VerifyPayment(ctx, VerifyRequest{TxHash: txHash(1), Caller: caller})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		res, err := h.svc.VerifyPayment(ctx, VerifyRequest{TxHash: txHash(1), Caller: caller})
		require.NoError(t, err)
		require.Equal(t, verifier.KindReplay, res.Outcome.Kind)
	}

	var replayEntry *audit.Entry
	require.NoError(t, h.store.Scan(ctx, func(e *audit.Entry) error {
		if e.Category == audit.SecurityReplay && replayEntry == nil {
			replayEntry = e
		}
		return nil
	}))
	require.NotNil(t, replayEntry)
	assert.Equal(t, audit.SeverityHigh, replayEntry.Payload["severity"])
	assert.NotEqual(t, caller.IP, replayEntry.Payload["ip"], "ip must be stored hashed")

	// Second replay reached the threshold: the caller is now flagged.
	flagged, err := h.svc.Flagged(ctx)
	require.NoError(t, err)
	assert.Contains(t, flagged, ratelimit.IPKey(caller.IP))

	_, err = h.svc.VerifyPayment(ctx, VerifyRequest{TxHash: txHash(9), Caller: caller})
	var denial *ratelimit.Denial
	require.True(t, errors.As(err, &denial))
	assert.Equal(t, ratelimit.LayerSuspicious, denial.Layer)

	require.NoError(t, h.svc.Unflag(ctx, ratelimit.IPKey(caller.IP)))
	h.chain.add(txHash(9), usdcTransfer(100, ourWallet, 1))
	_, err = h.svc.VerifyPayment(ctx, VerifyRequest{TxHash: txHash(9), Caller: caller})
	assert.NoError(t, err)
}

func TestVerify_PendingNeverPaysAndIsRequeued(t *testing.T) {
	h := newHarness(t, generous())
	ctx := context.Background()
	inv := h.createInvoice(t)

	h.chain.add(txHash(3), usdcTransfer(104, ourWallet, 10_000_000)) // 3 confirmations
	res, err := h.svc.VerifyPayment(ctx, VerifyRequest{TxHash: txHash(3), InvoiceID: inv.ID, Caller: caller})
	require.NoError(t, err)
	assert.Equal(t, verifier.KindPending, res.Outcome.Kind)
	assert.Nil(t, res.Invoice)
	assert.Equal(t, []string{txHash(3)}, h.recheck.txs)

	stored, _ := h.invoices.Get(ctx, inv.ID)
	assert.Equal(t, invoice.StatusPending, stored.Status)

	h.chain.setHead(110)
	res, err = h.svc.VerifyPayment(ctx, VerifyRequest{TxHash: txHash(3), InvoiceID: inv.ID, System: true})
	require.NoError(t, err)
	assert.Equal(t, verifier.KindVerified, res.Outcome.Kind)
	assert.Equal(t, inv.ID, res.Invoice.ID)
	assert.Len(t, h.recheck.txs, 1, "system rechecks are not re-enqueued")
}

func TestVerify_UnmatchedPaymentIsSurfaced(t *testing.T) {
	h := newHarness(t, generous())
	ctx := context.Background()
	h.createInvoice(t) // 10 USDC

	h.chain.add(txHash(4), usdcTransfer(100, ourWallet, 3_000_000)) // 3 USDC
	res, err := h.svc.VerifyPayment(ctx, VerifyRequest{TxHash: txHash(4), Caller: caller})
	require.NoError(t, err)
	assert.Equal(t, verifier.KindVerified, res.Outcome.Kind)
	assert.Nil(t, res.Invoice)
	assert.Contains(t, res.Unmatched, "no matching invoice")

	unmatched, err := h.svc.UnmatchedPayments(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unmatched, 1)
	assert.Equal(t, txHash(4), unmatched[0].TxHash)
	assert.Contains(t, h.categories(t), audit.PaymentUnmatched)
}

func TestVerify_MatchesEarliestInvoice(t *testing.T) {
	h := newHarness(t, generous())
	ctx := context.Background()
	clock := time.Now()
	h.svc.now = func() time.Time { return clock }
	first := h.createInvoice(t)
	clock = clock.Add(time.Second)
	h.createInvoice(t)

	h.chain.add(txHash(5), usdcTransfer(100, ourWallet, 10_000_000))
	res, err := h.svc.VerifyPayment(ctx, VerifyRequest{TxHash: txHash(5), Caller: caller})
	require.NoError(t, err)
	require.NotNil(t, res.Invoice)
	assert.Equal(t, first.ID, res.Invoice.ID)
}

func TestVerify_InvoiceStates(t *testing.T) {
	h := newHarness(t, generous())
	ctx := context.Background()

	_, err := h.svc.VerifyPayment(ctx, VerifyRequest{TxHash: "0x1234", Caller: caller})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = h.svc.VerifyPayment(ctx, VerifyRequest{TxHash: txHash(6), InvoiceID: "missing", Caller: caller})
	assert.ErrorIs(t, err, invoice.ErrNotFound)

	canceled := h.createInvoice(t)
	_, err = h.svc.CancelInvoice(ctx, canceled.ID)
	require.NoError(t, err)
	_, err = h.svc.VerifyPayment(ctx, VerifyRequest{TxHash: txHash(6), InvoiceID: canceled.ID, Caller: caller})
	assert.ErrorIs(t, err, ErrInvoiceNotPayable)

	expired := h.createInvoice(t)
	h.svc.now = func() time.Time { return time.Now().Add(time.Hour) }
	_, err = h.svc.VerifyPayment(ctx, VerifyRequest{TxHash: txHash(6), InvoiceID: expired.ID, Caller: caller})
	assert.ErrorIs(t, err, ErrInvoiceNotPayable)
}

func TestVerify_TamperedInvoiceRefused(t *testing.T) {
	h := newHarness(t, generous())
	ctx := context.Background()
	inv := h.createInvoice(t)

	// Someone with database access lowers the price.
	require.NoError(t, h.rdb.HSet(ctx, "invoice:"+inv.ID, "amount", "0.01").Err())

	_, err := h.svc.VerifyPayment(ctx, VerifyRequest{TxHash: txHash(7), InvoiceID: inv.ID, Caller: caller})
	assert.ErrorIs(t, err, ErrTamperedInvoice)

	view, err := h.svc.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.False(t, view.SignatureValid)
	assert.Contains(t, h.categories(t), audit.SecurityInvalidSignature)
}

// cancelAfterVerify cancels the request context as soon as the wrapped
// verifier returns, the way a client that disconnects mid-request would.
type cancelAfterVerify struct {
	inner  PaymentVerifier
	cancel context.CancelFunc
}

func (c *cancelAfterVerify) Verify(ctx context.Context, tx string, exp verifier.Expectation) verifier.Outcome {
	out := c.inner.Verify(ctx, tx, exp)
	c.cancel()
	return out
}

func TestVerify_CallerGoneAfterCommitStillSettles(t *testing.T) {
	h := newHarness(t, generous())
	inv := h.createInvoice(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.svc.Verifier = &cancelAfterVerify{inner: h.svc.Verifier, cancel: cancel}

	h.chain.add(txHash(10), usdcTransfer(100, ourWallet, 10_000_000))
	res, err := h.svc.VerifyPayment(ctx, VerifyRequest{TxHash: txHash(10), InvoiceID: inv.ID, Caller: caller})
	require.NoError(t, err)
	require.Equal(t, verifier.KindVerified, res.Outcome.Kind)
	require.NotNil(t, res.Invoice, "unmatched: %s", res.Unmatched)
	assert.Empty(t, res.Unmatched)

	bg := context.Background()
	stored, err := h.invoices.Get(bg, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, invoice.StatusPaid, stored.Status)
	p, err := h.invoices.Payment(bg, txHash(10))
	require.NoError(t, err)
	assert.Equal(t, inv.ID, p.InvoiceID)

	cats := h.categories(t)
	assert.Contains(t, cats, audit.PaymentVerified)
	assert.Contains(t, cats, audit.InvoicePaid)
}

func TestVerify_CallerGoneAfterCommitStillRecordsUnmatched(t *testing.T) {
	h := newHarness(t, generous())
	h.createInvoice(t) // 10 USDC

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.svc.Verifier = &cancelAfterVerify{inner: h.svc.Verifier, cancel: cancel}

	h.chain.add(txHash(11), usdcTransfer(100, ourWallet, 3_000_000))
	res, err := h.svc.VerifyPayment(ctx, VerifyRequest{TxHash: txHash(11), Caller: caller})
	require.NoError(t, err)
	require.Equal(t, verifier.KindVerified, res.Outcome.Kind)
	assert.Contains(t, res.Unmatched, "no matching invoice")

	unmatched, err := h.svc.UnmatchedPayments(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, unmatched, 1)
	assert.Equal(t, txHash(11), unmatched[0].TxHash)
	assert.Contains(t, h.categories(t), audit.PaymentUnmatched)
}

func TestVerify_RecheckAfterManualVerifyIsNotAReplayAlarm(t *testing.T) {
	limits := generous()
	limits.ViolationThreshold = 1
	h := newHarness(t, limits)
	ctx := context.Background()
	inv := h.createInvoice(t)

	h.chain.add(txHash(12), usdcTransfer(104, ourWallet, 10_000_000))
	res, err := h.svc.VerifyPayment(ctx, VerifyRequest{TxHash: txHash(12), Caller: caller})
	require.NoError(t, err)
	require.Equal(t, verifier.KindPending, res.Outcome.Kind)
	require.Equal(t, []string{txHash(12)}, h.recheck.txs)

	// The user resubmits once final, before the queued recheck runs.
	h.chain.setHead(200)
	res, err = h.svc.VerifyPayment(ctx, VerifyRequest{TxHash: txHash(12), Caller: caller})
	require.NoError(t, err)
	require.Equal(t, verifier.KindVerified, res.Outcome.Kind)
	require.NotNil(t, res.Invoice)
	assert.Equal(t, inv.ID, res.Invoice.ID)

	res, err = h.svc.VerifyPayment(ctx, VerifyRequest{TxHash: txHash(12), System: true})
	require.NoError(t, err)
	assert.Equal(t, verifier.KindReplay, res.Outcome.Kind)

	var last *audit.Entry
	require.NoError(t, h.store.Scan(ctx, func(e *audit.Entry) error {
		assert.NotEqual(t, audit.SecurityReplay, e.Category, "recheck raised a replay alarm")
		last = e
		return nil
	}))
	require.NotNil(t, last)
	assert.Equal(t, audit.PaymentRecheckSettled, last.Category)
	assert.Equal(t, audit.SeverityInfo, last.Payload["severity"])

	flagged, err := h.svc.Flagged(ctx)
	require.NoError(t, err)
	assert.Empty(t, flagged)
}

// ── invoices ──────────────────────────────────────────────────────────────────

func TestCreateInvoice_Validation(t *testing.T) {
	h := newHarness(t, generous())
	ctx := context.Background()

	cases := map[string]CreateRequest{
		"no product":        {Caller: caller},
		"bad email":         {ProductID: "pro", Email: "not-an-email", Caller: caller},
		"bad recipient":     {ProductID: "pro", Recipient: "0x12", Caller: caller},
		"foreign recipient": {ProductID: "pro", Recipient: elsewhere.Hex(), Caller: caller},
		"unknown token":     {ProductID: "pro", Token: "DOGE", Caller: caller},
	}
	for name, req := range cases {
		_, err := h.svc.CreateInvoice(ctx, req)
		assert.ErrorIs(t, err, ErrValidation, name)
	}

	_, err := h.svc.CreateInvoice(ctx, CreateRequest{ProductID: "nope", Caller: caller})
	assert.ErrorIs(t, err, pricing.ErrUnknownProduct)
}

func TestCreateInvoice_RateLimited(t *testing.T) {
	h := newHarness(t, config.RateLimitConfig{IP: config.Budget{MaxRequests: 2, Window: time.Hour}})
	ctx := context.Background()

	h.createInvoice(t)
	h.createInvoice(t)
	_, err := h.svc.CreateInvoice(ctx, CreateRequest{ProductID: "pro", Caller: caller})
	var denial *ratelimit.Denial
	require.True(t, errors.As(err, &denial), "err: %v", err)
	assert.Equal(t, ratelimit.LayerIP, denial.Layer)
	assert.Contains(t, h.categories(t), audit.SecurityRateLimited)

	// Another IP is unaffected.
	_, err = h.svc.CreateInvoice(ctx, CreateRequest{ProductID: "pro", Caller: ratelimit.Identity{IP: "198.51.100.1"}})
	assert.NoError(t, err)
}

// Rejected requests do not consume budget.
func TestCreateInvoice_FailuresNotCharged(t *testing.T) {
	h := newHarness(t, config.RateLimitConfig{IP: config.Budget{MaxRequests: 1, Window: time.Hour}})
	ctx := context.Background()

	_, err := h.svc.CreateInvoice(ctx, CreateRequest{ProductID: "nope", Caller: caller})
	require.ErrorIs(t, err, pricing.ErrUnknownProduct)
	h.createInvoice(t)
}

func TestGetInvoice_SignatureValid(t *testing.T) {
	h := newHarness(t, generous())
	inv := h.createInvoice(t)

	view, err := h.svc.GetInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.True(t, view.SignatureValid)
	assert.Equal(t, inv.ID, view.ID)
}

func TestCancelInvoice_Twice(t *testing.T) {
	h := newHarness(t, generous())
	inv := h.createInvoice(t)
	_, err := h.svc.CancelInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	_, err = h.svc.CancelInvoice(context.Background(), inv.ID)
	assert.ErrorIs(t, err, invoice.ErrNotPending)
	assert.Contains(t, h.categories(t), audit.InvoiceCanceled)
}

// ── access ────────────────────────────────────────────────────────────────────

func TestCheckAccess(t *testing.T) {
	h := newHarness(t, generous())
	ctx := context.Background()
	wallet := strings.ToLower(payer.Hex())

	ok, err := h.svc.CheckAccess(ctx, wallet, "pro")
	require.NoError(t, err)
	assert.False(t, ok)

	h.createInvoice(t)
	h.chain.add(txHash(8), usdcTransfer(100, ourWallet, 10_000_000))
	_, err = h.svc.VerifyPayment(ctx, VerifyRequest{TxHash: txHash(8), Caller: caller})
	require.NoError(t, err)

	ok, err = h.svc.CheckAccess(ctx, payer.Hex(), "pro")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = h.svc.CheckAccess(ctx, payer.Hex(), "lifetime")
	assert.False(t, ok, "paid for a different product")

	h.svc.now = func() time.Time { return time.Now().Add(31 * 24 * time.Hour) }
	ok, _ = h.svc.CheckAccess(ctx, payer.Hex(), "pro")
	assert.False(t, ok, "monthly access lapses")

	_, err = h.svc.CheckAccess(ctx, "0x12", "pro")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = h.svc.CheckAccess(ctx, payer.Hex(), "nope")
	assert.ErrorIs(t, err, pricing.ErrUnknownProduct)
}

// ── flags ─────────────────────────────────────────────────────────────────────

func TestFlag_BadIdentity(t *testing.T) {
	h := newHarness(t, generous())
	assert.ErrorIs(t, h.svc.Flag(context.Background(), "nobody", "x"), ErrValidation)
	assert.ErrorIs(t, h.svc.Unflag(context.Background(), "nobody"), ErrValidation)
}

func TestAuditIntegrity_DetectsTamperAndDegrades(t *testing.T) {
	h := newHarness(t, generous())
	ctx := context.Background()
	h.createInvoice(t)
	h.createInvoice(t)

	raw, err := h.rdb.LIndex(ctx, "audit:log", 0).Result()
	require.NoError(t, err)
	require.NoError(t, h.rdb.LSet(ctx, "audit:log", 0, strings.Replace(raw, `"product":"pro"`, `"product":"free"`, 1)).Err())

	rep, err := h.svc.AuditIntegrity(ctx)
	require.NoError(t, err)
	assert.False(t, rep.Valid)
	assert.Equal(t, uint64(0), rep.Corruptions[0].Seq)
	assert.True(t, h.svc.Degraded())
}
