// Package api is the HTTP surface over the payments service.
package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-invoice-guard/internal/audit"
	"github.com/0gfoundation/0g-invoice-guard/internal/auth"
	"github.com/0gfoundation/0g-invoice-guard/internal/invoice"
	"github.com/0gfoundation/0g-invoice-guard/internal/payments"
	"github.com/0gfoundation/0g-invoice-guard/internal/ratelimit"
	"github.com/0gfoundation/0g-invoice-guard/internal/verifier"
)

// Service is satisfied by *payments.Service.
// Decoupled here so handler tests can use a fake.
type Service interface {
	CreateInvoice(ctx context.Context, req payments.CreateRequest) (*invoice.Invoice, error)
	GetInvoice(ctx context.Context, id string) (*payments.InvoiceView, error)
	CancelInvoice(ctx context.Context, id string) (*invoice.Invoice, error)
	VerifyPayment(ctx context.Context, req payments.VerifyRequest) (*payments.VerifyResult, error)
	CheckAccess(ctx context.Context, wallet, productID string) (bool, error)
	UnmatchedPayments(ctx context.Context, limit int64) ([]*invoice.Payment, error)

	Violation(ctx context.Context, caller ratelimit.Identity, category audit.Category, reason string)
	Flag(ctx context.Context, identity, reason string) error
	Unflag(ctx context.Context, identity string) error
	Flagged(ctx context.Context) (map[string]string, error)
	AuditIntegrity(ctx context.Context) (*audit.Report, error)
	Degraded() bool
}

// Handler wires up all routes onto a Gin engine.
type Handler struct {
	svc      Service
	authn    *auth.Authenticator
	adminKey string
	log      *zap.Logger
}

func NewHandler(svc Service, rdb *redis.Client, adminKey string, log *zap.Logger) *Handler {
	registerValidators()
	h := &Handler{svc: svc, adminKey: adminKey, log: log}
	h.authn = auth.NewAuthenticator(rdb, h.authFailure)
	return h
}

// authFailure audits a rejected credential and counts it against the client
// IP. The claimed wallet is unproven, so it is never charged.
func (h *Handler) authFailure(c *gin.Context, _ string, reason string) {
	h.svc.Violation(c.Request.Context(), ratelimit.Identity{IP: c.ClientIP()}, audit.SecurityInvalidSignature, reason)
}

// Register mounts all routes.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/healthz", h.handleHealth)

	api := r.Group("/api", h.authn.Wallet())
	// ── Invoices ───────────────────────────────────────────────────────────
	api.POST("/invoices", h.handleCreateInvoice)
	api.GET("/invoices/:id", h.handleGetInvoice)
	api.POST("/invoices/:id/cancel", h.authn.Admin(h.adminKey), h.handleCancelInvoice)

	// ── Payments ───────────────────────────────────────────────────────────
	api.POST("/payments/verify", h.handleVerify)

	// ── Access ─────────────────────────────────────────────────────────────
	api.GET("/access", h.handleAccess)

	// ── Admin ──────────────────────────────────────────────────────────────
	admin := r.Group("/admin", h.authn.Admin(h.adminKey))
	admin.GET("/flags", h.handleListFlags)
	admin.POST("/flags", h.handleFlag)
	admin.DELETE("/flags/:identity", h.handleUnflag)
	admin.GET("/audit/integrity", h.handleIntegrity)
	admin.GET("/payments/unmatched", h.handleUnmatched)
}

func caller(c *gin.Context) ratelimit.Identity {
	return ratelimit.Identity{IP: c.ClientIP(), Wallet: auth.WalletFrom(c)}
}

// ── Health ──────────────────────────────────────────────────────────────────

func (h *Handler) handleHealth(c *gin.Context) {
	if h.svc.Degraded() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "audit": "tainted"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// ── Invoices ────────────────────────────────────────────────────────────────

type createInvoiceBody struct {
	ProductID string `json:"product_id" binding:"required,max=64"`
	Recipient string `json:"recipient" binding:"omitempty,evmaddr"`
	Token     string `json:"token" binding:"omitempty,max=16"`
	Email     string `json:"email" binding:"omitempty,email,max=254"`
}

func (h *Handler) handleCreateInvoice(c *gin.Context) {
	var body createInvoiceBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	inv, err := h.svc.CreateInvoice(c.Request.Context(), payments.CreateRequest{
		ProductID: body.ProductID,
		Recipient: body.Recipient,
		Token:     body.Token,
		Email:     body.Email,
		Caller:    caller(c),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, inv)
}

func (h *Handler) handleGetInvoice(c *gin.Context) {
	view, err := h.svc.GetInvoice(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) handleCancelInvoice(c *gin.Context) {
	inv, err := h.svc.CancelInvoice(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

// ── Payments ────────────────────────────────────────────────────────────────

type verifyBody struct {
	TxHash    string `json:"tx_hash" binding:"required,txhash"`
	InvoiceID string `json:"invoice_id" binding:"omitempty,max=64"`
}

type verifyResponse struct {
	Status        string            `json:"status"`
	Class         verifier.Class    `json:"class,omitempty"`
	Error         string            `json:"error,omitempty"`
	Payment       *verifier.Payment `json:"payment,omitempty"`
	Invoice       *invoice.Invoice  `json:"invoice,omitempty"`
	Unmatched     string            `json:"unmatched,omitempty"`
	Confirmations uint64            `json:"confirmations,omitempty"`
	Required      uint64            `json:"required,omitempty"`
}

func (h *Handler) handleVerify(c *gin.Context) {
	var body verifyBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	res, err := h.svc.VerifyPayment(c.Request.Context(), payments.VerifyRequest{
		TxHash:    body.TxHash,
		InvoiceID: body.InvoiceID,
		Caller:    caller(c),
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	out := res.Outcome
	resp := verifyResponse{Status: out.Kind.String()}
	code := http.StatusOK
	switch out.Kind {
	case verifier.KindVerified:
		resp.Payment, resp.Invoice, resp.Unmatched = out.Payment, res.Invoice, res.Unmatched
	case verifier.KindPending:
		code = http.StatusAccepted
		resp.Confirmations, resp.Required = out.Confirmations, out.Required
	case verifier.KindReplay:
		code = http.StatusConflict
		resp.Class, resp.Error = verifier.ClassReplay, out.Err.Error()
	case verifier.KindRejected:
		resp.Class, resp.Error = out.Class(), out.Err.Error()
		code = rejectionStatus(resp.Class)
		if code == http.StatusInternalServerError {
			h.log.Error("verification failed internally", zap.String("tx", body.TxHash), zap.Error(out.Err))
			resp.Error = "internal error"
		}
	}
	c.JSON(code, resp)
}

func rejectionStatus(class verifier.Class) int {
	switch class {
	case verifier.ClassConsensus:
		return http.StatusBadGateway
	case verifier.ClassValidation:
		return http.StatusBadRequest
	case verifier.ClassMismatch:
		return http.StatusUnprocessableEntity
	case verifier.ClassReplay:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// ── Access ──────────────────────────────────────────────────────────────────

type accessQuery struct {
	Wallet  string `form:"wallet" binding:"required,evmaddr"`
	Product string `form:"product" binding:"required,max=64"`
}

func (h *Handler) handleAccess(c *gin.Context) {
	var q accessQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err)
		return
	}
	ok, err := h.svc.CheckAccess(c.Request.Context(), q.Wallet, q.Product)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"has_access": ok})
}

// ── Admin ───────────────────────────────────────────────────────────────────

type flagBody struct {
	Identity string `json:"identity" binding:"required"`
	Reason   string `json:"reason" binding:"max=256"`
}

func (h *Handler) handleFlag(c *gin.Context) {
	var body flagBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.svc.Flag(c.Request.Context(), body.Identity, body.Reason); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) handleUnflag(c *gin.Context) {
	if err := h.svc.Unflag(c.Request.Context(), c.Param("identity")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) handleListFlags(c *gin.Context) {
	flags, err := h.svc.Flagged(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, flags)
}

func (h *Handler) handleIntegrity(c *gin.Context) {
	rep, err := h.svc.AuditIntegrity(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (h *Handler) handleUnmatched(c *gin.Context) {
	limit := int64(100)
	if s := c.Query("limit"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n <= 0 || n > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}
	list, err := h.svc.UnmatchedPayments(c.Request.Context(), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}
