package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Audit     AuditConfig
	Chain     ChainConfig
	Invoice   InvoiceConfig
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Security  SecurityConfig
	Pricing   PricingConfig
	Products  []ProductConfig
	Recheck   RecheckConfig

	tolerance decimal.Decimal
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type AuditConfig struct {
	Store           string   `mapstructure:"store"` // "redis" | "bolt"
	BoltPath        string   `mapstructure:"bolt_path"`
	SensitiveFields []string `mapstructure:"sensitive_fields"`
}

type ProviderConfig struct {
	ID  string `mapstructure:"id"`
	URL string `mapstructure:"url"`
}

type TokenConfig struct {
	Address   string `mapstructure:"address"`
	Symbol    string `mapstructure:"symbol"`
	Decimals  int32  `mapstructure:"decimals"`
	USDPegged bool   `mapstructure:"usd_pegged"`
	PriceID   string `mapstructure:"price_id"`
}

type NativeConfig struct {
	Symbol   string `mapstructure:"symbol"`
	Decimals int32  `mapstructure:"decimals"`
	PriceID  string `mapstructure:"price_id"`
}

type ChainConfig struct {
	Providers        []ProviderConfig `mapstructure:"providers"`
	ProviderURLs     string           `mapstructure:"provider_urls"`
	MinConfirmations uint64           `mapstructure:"min_confirmations"`
	Quorum           int              `mapstructure:"quorum"`
	ProviderTimeout  time.Duration    `mapstructure:"provider_timeout"`
	Native           NativeConfig     `mapstructure:"native"`
	Tokens           []TokenConfig    `mapstructure:"tokens"`
}

type InvoiceConfig struct {
	TTL                time.Duration `mapstructure:"ttl"`
	DefaultToken       string        `mapstructure:"default_token"`
	ReceivingAddresses []string      `mapstructure:"receiving_addresses"`
	AmountTolerance    string        `mapstructure:"amount_tolerance"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
}

// Budget is one fixed-window layer of the rate limiter.
type Budget struct {
	MaxRequests int64         `mapstructure:"max_requests"`
	Window      time.Duration `mapstructure:"window"`
}

type RateLimitConfig struct {
	IP                 Budget `mapstructure:"ip"`
	Wallet             Budget `mapstructure:"wallet"`
	Global             Budget `mapstructure:"global"`
	ViolationThreshold int64  `mapstructure:"violation_threshold"`
}

type SecurityConfig struct {
	MasterSecret    string        `mapstructure:"master_secret"`
	AdminKey        string        `mapstructure:"admin_key"`
	SignatureMaxAge time.Duration `mapstructure:"signature_max_age"`
}

type PricingConfig struct {
	OracleURL string        `mapstructure:"oracle_url"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type ProductConfig struct {
	ID       string `mapstructure:"id"`
	PriceUSD string `mapstructure:"price_usd"`
	Interval string `mapstructure:"interval"`
}

type RecheckConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Interval    time.Duration `mapstructure:"interval"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

func Load() (*Config, error) {
	// .env is optional; real env vars win over it.
	_ = godotenv.Load()

	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("audit.store", "redis")
	v.SetDefault("audit.bolt_path", "audit.db")
	v.SetDefault("audit.sensitive_fields", []string{"wallet", "payer", "sender", "recipient", "email", "ip", "identity"})
	v.SetDefault("chain.min_confirmations", 6)
	v.SetDefault("chain.quorum", 2)
	v.SetDefault("chain.provider_timeout", 10*time.Second)
	v.SetDefault("chain.native.symbol", "ETH")
	v.SetDefault("chain.native.decimals", 18)
	v.SetDefault("chain.native.price_id", "ethereum")
	v.SetDefault("invoice.ttl", 30*time.Minute)
	v.SetDefault("invoice.default_token", "USDC")
	v.SetDefault("invoice.amount_tolerance", "0.01")
	v.SetDefault("invoice.sweep_interval", time.Minute)
	v.SetDefault("ratelimit.ip.max_requests", 30)
	v.SetDefault("ratelimit.ip.window", time.Hour)
	v.SetDefault("ratelimit.wallet.max_requests", 20)
	v.SetDefault("ratelimit.wallet.window", time.Hour)
	v.SetDefault("ratelimit.global.max_requests", 1000)
	v.SetDefault("ratelimit.global.window", time.Hour)
	v.SetDefault("security.signature_max_age", 24*time.Hour)
	v.SetDefault("pricing.oracle_url", "https://api.coingecko.com/api/v3/simple/price")
	v.SetDefault("pricing.cache_ttl", time.Minute)
	v.SetDefault("pricing.timeout", 5*time.Second)
	v.SetDefault("recheck.enabled", true)
	v.SetDefault("recheck.interval", 2*time.Minute)
	v.SetDefault("recheck.max_attempts", 15)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"server.port":                 "PORT",
		"redis.addr":                  "REDIS_ADDR",
		"redis.password":              "REDIS_PASSWORD",
		"audit.store":                 "AUDIT_STORE",
		"audit.bolt_path":             "AUDIT_BOLT_PATH",
		"chain.provider_urls":         "RPC_URLS",
		"chain.min_confirmations":     "MIN_CONFIRMATIONS",
		"invoice.ttl":                 "INVOICE_TTL",
		"invoice.default_token":       "INVOICE_TOKEN",
		"invoice.receiving_addresses": "RECEIVING_ADDRESSES",
		"security.master_secret":      "MASTER_SECRET",
		"security.admin_key":          "ADMIN_KEY",
		"pricing.oracle_url":          "PRICE_ORACLE_URL",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyProviderURLs()

	return cfg, cfg.validate()
}

// applyProviderURLs turns RPC_URLS ("https://a,https://b") into provider
// entries when no structured provider list was configured.
func (c *Config) applyProviderURLs() {
	if len(c.Chain.Providers) > 0 || c.Chain.ProviderURLs == "" {
		return
	}
	for i, u := range strings.Split(c.Chain.ProviderURLs, ",") {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		c.Chain.Providers = append(c.Chain.Providers, ProviderConfig{ID: fmt.Sprintf("rpc-%d", i+1), URL: u})
	}
}

func (c *Config) validate() error {
	type req struct {
		val  string
		name string
	}
	for _, r := range []req{
		{c.Security.MasterSecret, "MASTER_SECRET"},
		{c.Security.AdminKey, "ADMIN_KEY"},
		{c.Invoice.DefaultToken, "INVOICE_TOKEN"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	if len(c.Security.MasterSecret) < 32 {
		return fmt.Errorf("MASTER_SECRET must be at least 32 characters")
	}
	if len(c.Invoice.ReceivingAddresses) == 0 {
		return fmt.Errorf("required config missing: RECEIVING_ADDRESSES")
	}
	if c.Chain.Quorum < 2 {
		return fmt.Errorf("chain.quorum must be at least 2, got %d", c.Chain.Quorum)
	}
	if len(c.Chain.Providers) < c.Chain.Quorum {
		return fmt.Errorf("need at least %d chain providers, got %d", c.Chain.Quorum, len(c.Chain.Providers))
	}
	if c.Chain.MinConfirmations == 0 {
		return fmt.Errorf("chain.min_confirmations must be positive")
	}
	switch c.Audit.Store {
	case "redis", "bolt":
	default:
		return fmt.Errorf("audit.store must be redis or bolt, got %q", c.Audit.Store)
	}
	tol, err := decimal.NewFromString(c.Invoice.AmountTolerance)
	if err != nil {
		return fmt.Errorf("invoice.amount_tolerance: %w", err)
	}
	if tol.IsNegative() || tol.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("invoice.amount_tolerance must be in [0, 1), got %s", tol)
	}
	c.tolerance = tol
	for _, p := range c.Products {
		if _, err := decimal.NewFromString(p.PriceUSD); err != nil {
			return fmt.Errorf("product %s: invalid price_usd %q", p.ID, p.PriceUSD)
		}
	}
	return nil
}

// AmountTolerance returns the parsed invoice.amount_tolerance.
func (c *Config) AmountTolerance() decimal.Decimal { return c.tolerance }
