package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"

	"github.com/0gfoundation/0g-invoice-guard/internal/config"
)

var ErrNoPrice = errors.New("price unavailable")

// Oracle fetches USD spot prices from a CoinGecko-style simple-price
// endpoint: GET <url>?ids=<id>&vs_currencies=usd → {"<id>":{"usd":1.23}}.
// Quotes are cached for the configured TTL; one query per id per TTL.
type Oracle struct {
	baseURL string
	http    *http.Client
	cache   *cache.Cache
}

func NewOracle(cfg config.PricingConfig) *Oracle {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Oracle{
		baseURL: cfg.OracleURL,
		http:    &http.Client{Timeout: timeout},
		cache:   cache.New(ttl, 2*ttl),
	}
}

// USDPrice returns the USD price of one unit of the asset named priceID.
func (o *Oracle) USDPrice(ctx context.Context, priceID string) (decimal.Decimal, error) {
	if v, ok := o.cache.Get(priceID); ok {
		return v.(decimal.Decimal), nil
	}

	q := url.Values{"ids": {priceID}, "vs_currencies": {"usd"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := o.http.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: %v", ErrNoPrice, priceID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("%w: %s: status %d", ErrNoPrice, priceID, resp.StatusCode)
	}

	var body map[string]map[string]json.Number
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: decode: %v", ErrNoPrice, priceID, err)
	}
	n, ok := body[priceID]["usd"]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s missing from response", ErrNoPrice, priceID)
	}
	price, err := decimal.NewFromString(n.String())
	if err != nil || !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s: bad price %q", ErrNoPrice, priceID, n)
	}

	o.cache.SetDefault(priceID, price)
	return price, nil
}
