// Package pricing sizes invoices: the product catalog, a best-effort USD
// price oracle, and the conversion into a token amount.
package pricing

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/0gfoundation/0g-invoice-guard/internal/config"
)

var ErrUnknownProduct = errors.New("unknown product")

const (
	IntervalOnce    = "once"
	IntervalMonthly = "monthly"
	IntervalYearly  = "yearly"
)

// Product is a purchasable item. A zero Period grants lifetime access.
type Product struct {
	ID       string
	PriceUSD decimal.Decimal
	Interval string
	Period   time.Duration
}

// ParseInterval maps an interval name or Go duration to an access period.
func ParseInterval(s string) (time.Duration, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", IntervalOnce:
		return 0, nil
	case IntervalMonthly:
		return 30 * 24 * time.Hour, nil
	case IntervalYearly:
		return 365 * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("interval %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval %q must be positive", s)
	}
	return d, nil
}

type Catalog struct {
	products map[string]Product
}

func NewCatalog(items []config.ProductConfig) (*Catalog, error) {
	c := &Catalog{products: make(map[string]Product, len(items))}
	for _, it := range items {
		if it.ID == "" {
			return nil, fmt.Errorf("product with empty id")
		}
		if _, dup := c.products[it.ID]; dup {
			return nil, fmt.Errorf("duplicate product %s", it.ID)
		}
		price, err := decimal.NewFromString(it.PriceUSD)
		if err != nil {
			return nil, fmt.Errorf("product %s: price: %w", it.ID, err)
		}
		if !price.IsPositive() {
			return nil, fmt.Errorf("product %s: price must be positive", it.ID)
		}
		period, err := ParseInterval(it.Interval)
		if err != nil {
			return nil, fmt.Errorf("product %s: %w", it.ID, err)
		}
		c.products[it.ID] = Product{ID: it.ID, PriceUSD: price, Interval: it.Interval, Period: period}
	}
	return c, nil
}

func (c *Catalog) Get(id string) (Product, error) {
	p, ok := c.products[id]
	if !ok {
		return Product{}, fmt.Errorf("%w: %s", ErrUnknownProduct, id)
	}
	return p, nil
}
