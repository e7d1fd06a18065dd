package pricing

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/0gfoundation/0g-invoice-guard/internal/chain"
)

var ErrUnknownToken = errors.New("unknown payment token")

// PriceSource is satisfied by *Oracle.
type PriceSource interface {
	USDPrice(ctx context.Context, priceID string) (decimal.Decimal, error)
}

// Quote is the amount of Token that buys Product.
type Quote struct {
	Product Product
	Token   chain.Token
	Amount  decimal.Decimal
}

type Quoter struct {
	catalog  *Catalog
	registry *chain.Registry
	prices   PriceSource
}

func NewQuoter(catalog *Catalog, registry *chain.Registry, prices PriceSource) *Quoter {
	return &Quoter{catalog: catalog, registry: registry, prices: prices}
}

func (q *Quoter) Product(id string) (Product, error) { return q.catalog.Get(id) }

// Quote prices productID in token. USD-pegged tokens are 1:1; anything else
// goes through the oracle and is rounded up to the token's precision.
func (q *Quoter) Quote(ctx context.Context, productID, token string) (*Quote, error) {
	p, err := q.catalog.Get(productID)
	if err != nil {
		return nil, err
	}
	tok, ok := q.registry.BySymbol(token)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToken, token)
	}

	if tok.USDPegged {
		return &Quote{Product: p, Token: tok, Amount: p.PriceUSD}, nil
	}
	if tok.PriceID == "" {
		return nil, fmt.Errorf("%w: %s has no price id", ErrNoPrice, tok.Symbol)
	}
	usd, err := q.prices.USDPrice(ctx, tok.PriceID)
	if err != nil {
		return nil, err
	}
	// Divide with spare precision, then round up so the quote never
	// undercharges.
	amount := p.PriceUSD.DivRound(usd, tok.Decimals+8).RoundCeil(tok.Decimals)
	return &Quote{Product: p, Token: tok, Amount: amount}, nil
}
