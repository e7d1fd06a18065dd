// Package auth identifies callers: wallets by EIP-191 signature, operators by
// admin key.
package auth

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/0gfoundation/0g-invoice-guard/internal/validate"
)

const (
	HeaderWallet    = "X-Wallet-Address"
	HeaderMessage   = "X-Signed-Message"
	HeaderSignature = "X-Wallet-Signature"
	HeaderAdminKey  = "X-Admin-Key"

	walletCtxKey   = "wallet_address"
	nonceKeyPrefix = "auth:nonce:"

	maxFutureWindow = 5 * time.Minute
)

// SignedRequest is the JSON carried base64-encoded in X-Signed-Message.
// Action is "<METHOD> <route>", e.g. "POST /api/invoices".
type SignedRequest struct {
	Action    string `json:"action"`
	ExpiresAt int64  `json:"expires_at"`
	Nonce     string `json:"nonce"`
}

// FailureFunc is told about every rejected credential, so callers can audit
// and count it. wallet is the claimed address, possibly empty.
type FailureFunc func(c *gin.Context, wallet, reason string)

type Authenticator struct {
	rdb       *redis.Client
	onFailure FailureFunc
	now       func() time.Time
}

func NewAuthenticator(rdb *redis.Client, onFailure FailureFunc) *Authenticator {
	if onFailure == nil {
		onFailure = func(*gin.Context, string, string) {}
	}
	return &Authenticator{rdb: rdb, onFailure: onFailure, now: time.Now}
}

// WalletFrom returns the authenticated wallet, or "" for anonymous requests.
func WalletFrom(c *gin.Context) string {
	return c.GetString(walletCtxKey)
}

// Wallet authenticates the wallet headers when present. Requests without
// them pass through anonymously; requests with bad ones are rejected.
func (a *Authenticator) Wallet() gin.HandlerFunc {
	return func(c *gin.Context) {
		wallet := c.GetHeader(HeaderWallet)
		msgB64 := c.GetHeader(HeaderMessage)
		sigHex := c.GetHeader(HeaderSignature)

		if wallet == "" && msgB64 == "" && sigHex == "" {
			c.Next()
			return
		}
		if wallet == "" || msgB64 == "" || sigHex == "" {
			a.reject(c, wallet, "incomplete auth headers")
			return
		}
		if !validate.IsAddress(wallet) {
			a.reject(c, "", "invalid wallet address")
			return
		}

		msg, err := base64.StdEncoding.DecodeString(msgB64)
		if err != nil {
			a.reject(c, wallet, "invalid X-Signed-Message encoding")
			return
		}
		var req SignedRequest
		if err := json.Unmarshal(msg, &req); err != nil {
			a.reject(c, wallet, "invalid signed message JSON")
			return
		}

		now := a.now().Unix()
		switch {
		case req.ExpiresAt <= now:
			a.reject(c, wallet, "request expired")
			return
		case req.ExpiresAt > now+int64(maxFutureWindow.Seconds()):
			a.reject(c, wallet, "expires_at too far in future")
			return
		case req.Nonce == "":
			a.reject(c, wallet, "missing nonce")
			return
		case req.Action != c.Request.Method+" "+c.FullPath():
			a.reject(c, wallet, "signed action does not match request")
			return
		}

		if err := VerifyWallet(msg, sigHex, wallet); err != nil {
			a.reject(c, wallet, "invalid signature")
			return
		}

		ttl := time.Duration(req.ExpiresAt-now) * time.Second
		fresh, err := a.rdb.SetNX(c.Request.Context(), nonceKeyPrefix+req.Nonce, 1, ttl).Result()
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		if !fresh {
			a.reject(c, wallet, "nonce already used")
			return
		}

		c.Set(walletCtxKey, strings.ToLower(wallet))
		c.Next()
	}
}

func (a *Authenticator) reject(c *gin.Context, wallet, reason string) {
	a.onFailure(c, wallet, reason)
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": reason})
}

// Admin requires X-Admin-Key to equal key.
func (a *Authenticator) Admin(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(HeaderAdminKey)
		if got == "" || !validate.ConstantTimeEqual(got, key) {
			a.onFailure(c, "", "invalid admin key")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "admin key required"})
			return
		}
		c.Next()
	}
}
