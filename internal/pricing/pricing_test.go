package pricing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/0gfoundation/0g-invoice-guard/internal/chain"
	"github.com/0gfoundation/0g-invoice-guard/internal/config"
)

// ── helpers ───────────────────────────────────────────────────────────────────

func mockServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func testRegistry(t *testing.T) *chain.Registry {
	t.Helper()
	reg, err := chain.NewRegistry(
		config.NativeConfig{Symbol: "ETH", Decimals: 18, PriceID: "ethereum"},
		[]config.TokenConfig{
			{Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Symbol: "USDC", Decimals: 6, USDPegged: true},
			{Address: "0x1111111111111111111111111111111111111111", Symbol: "NOPRICE", Decimals: 6},
		},
	)
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := NewCatalog([]config.ProductConfig{
		{ID: "pro", PriceUSD: "10.00", Interval: "monthly"},
		{ID: "lifetime", PriceUSD: "199", Interval: "once"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

type fixedPrice struct {
	price decimal.Decimal
	err   error
	calls int
}

func (f *fixedPrice) USDPrice(context.Context, string) (decimal.Decimal, error) {
	f.calls++
	return f.price, f.err
}

// ── catalog ───────────────────────────────────────────────────────────────────

func TestParseInterval(t *testing.T) {
	cases := map[string]time.Duration{
		"":        0,
		"once":    0,
		"Monthly": 30 * 24 * time.Hour,
		"yearly":  365 * 24 * time.Hour,
		"72h":     72 * time.Hour,
	}
	for in, want := range cases {
		got, err := ParseInterval(in)
		if err != nil || got != want {
			t.Errorf("%q: got %s, %v want %s", in, got, err, want)
		}
	}
	for _, bad := range []string{"weekly-ish", "-1h", "0s"} {
		if _, err := ParseInterval(bad); err == nil {
			t.Errorf("%q: expected error", bad)
		}
	}
}

func TestCatalog(t *testing.T) {
	c := testCatalog(t)
	p, err := c.Get("pro")
	if err != nil {
		t.Fatal(err)
	}
	if p.PriceUSD.String() != "10" || p.Period != 30*24*time.Hour {
		t.Errorf("product: %+v", p)
	}
	if _, err := c.Get("missing"); !errors.Is(err, ErrUnknownProduct) {
		t.Errorf("missing: %v", err)
	}
}

func TestNewCatalog_Invalid(t *testing.T) {
	for name, items := range map[string][]config.ProductConfig{
		"dup":      {{ID: "a", PriceUSD: "1"}, {ID: "a", PriceUSD: "2"}},
		"price":    {{ID: "a", PriceUSD: "ten"}},
		"zero":     {{ID: "a", PriceUSD: "0"}},
		"interval": {{ID: "a", PriceUSD: "1", Interval: "fortnightly"}},
		"no id":    {{PriceUSD: "1"}},
	} {
		if _, err := NewCatalog(items); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

// ── oracle ────────────────────────────────────────────────────────────────────

func TestOracle_FetchAndCache(t *testing.T) {
	var hits atomic.Int32
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Query().Get("ids") != "ethereum" || r.URL.Query().Get("vs_currencies") != "usd" {
			t.Errorf("query: %s", r.URL.RawQuery)
		}
		fmt.Fprint(w, `{"ethereum":{"usd":2500.5}}`)
	})
	o := NewOracle(config.PricingConfig{OracleURL: srv.URL, CacheTTL: time.Minute})

	for i := 0; i < 3; i++ {
		p, err := o.USDPrice(context.Background(), "ethereum")
		if err != nil {
			t.Fatal(err)
		}
		if p.String() != "2500.5" {
			t.Fatalf("price %s", p)
		}
	}
	if hits.Load() != 1 {
		t.Errorf("expected one upstream call, got %d", hits.Load())
	}
}

func TestOracle_Failures(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTooManyRequests) },
		"json":   func(w http.ResponseWriter, r *http.Request) { fmt.Fprint(w, `not json`) },
		"absent": func(w http.ResponseWriter, r *http.Request) { fmt.Fprint(w, `{"bitcoin":{"usd":1}}`) },
		"zero":   func(w http.ResponseWriter, r *http.Request) { fmt.Fprint(w, `{"ethereum":{"usd":0}}`) },
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			o := NewOracle(config.PricingConfig{OracleURL: mockServer(t, h).URL})
			if _, err := o.USDPrice(context.Background(), "ethereum"); !errors.Is(err, ErrNoPrice) {
				t.Fatalf("err: %v", err)
			}
		})
	}
}

func TestOracle_Timeout(t *testing.T) {
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	})
	o := NewOracle(config.PricingConfig{OracleURL: srv.URL, Timeout: 50 * time.Millisecond})
	if _, err := o.USDPrice(context.Background(), "ethereum"); !errors.Is(err, ErrNoPrice) {
		t.Fatalf("err: %v", err)
	}
}

// ── quotes ────────────────────────────────────────────────────────────────────

func TestQuote_PeggedSkipsOracle(t *testing.T) {
	prices := &fixedPrice{err: errors.New("must not be called")}
	q := NewQuoter(testCatalog(t), testRegistry(t), prices)

	got, err := q.Quote(context.Background(), "pro", "usdc")
	if err != nil {
		t.Fatal(err)
	}
	if got.Amount.String() != "10" || got.Token.Symbol != "USDC" || prices.calls != 0 {
		t.Errorf("quote: %+v calls=%d", got, prices.calls)
	}
}

func TestQuote_ConvertsAndRoundsUp(t *testing.T) {
	prices := &fixedPrice{price: decimal.RequireFromString("3000")}
	q := NewQuoter(testCatalog(t), testRegistry(t), prices)

	got, err := q.Quote(context.Background(), "pro", "ETH")
	if err != nil {
		t.Fatal(err)
	}
	// 10 / 3000 = 0.003333… → rounded up at 18 decimals
	want := decimal.RequireFromString("0.003333333333333334")
	if !got.Amount.Equal(want) {
		t.Errorf("amount %s want %s", got.Amount, want)
	}
	if got.Amount.Mul(decimal.NewFromInt(3000)).LessThan(decimal.NewFromInt(10)) {
		t.Error("quote undercharges")
	}
}

func TestQuote_Errors(t *testing.T) {
	q := NewQuoter(testCatalog(t), testRegistry(t), &fixedPrice{err: ErrNoPrice})
	ctx := context.Background()

	if _, err := q.Quote(ctx, "nope", "USDC"); !errors.Is(err, ErrUnknownProduct) {
		t.Errorf("unknown product: %v", err)
	}
	if _, err := q.Quote(ctx, "pro", "DOGE"); !errors.Is(err, ErrUnknownToken) {
		t.Errorf("unknown token: %v", err)
	}
	if _, err := q.Quote(ctx, "pro", "NOPRICE"); !errors.Is(err, ErrNoPrice) {
		t.Errorf("no price id: %v", err)
	}
	if _, err := q.Quote(ctx, "pro", "ETH"); !errors.Is(err, ErrNoPrice) {
		t.Errorf("oracle down: %v", err)
	}
}
