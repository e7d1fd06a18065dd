package api

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-invoice-guard/internal/invoice"
	"github.com/0gfoundation/0g-invoice-guard/internal/payments"
	"github.com/0gfoundation/0g-invoice-guard/internal/pricing"
	"github.com/0gfoundation/0g-invoice-guard/internal/ratelimit"
)

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
}

// fail maps a service error to a status code. Unknown errors are logged and
// reported without detail.
func (h *Handler) fail(c *gin.Context, err error) {
	var denial *ratelimit.Denial
	switch {
	case errors.As(err, &denial):
		if denial.RetryAfter > 0 {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(denial.RetryAfter.Seconds()))))
		}
		c.JSON(http.StatusTooManyRequests, gin.H{"error": denial.Error(), "layer": denial.Layer})
	case errors.Is(err, payments.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, invoice.ErrNotFound), errors.Is(err, pricing.ErrUnknownProduct):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, payments.ErrInvoiceNotPayable), errors.Is(err, invoice.ErrNotPending),
		errors.Is(err, payments.ErrTamperedInvoice):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, pricing.ErrNoPrice):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "price unavailable, retry later"})
	default:
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
