package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/0gfoundation/0g-invoice-guard/internal/config"
)

// Token describes a payable asset. Native tokens have a zero Address.
type Token struct {
	Address   common.Address
	Symbol    string
	Decimals  int32
	USDPegged bool
	PriceID   string
	Native    bool
}

// Registry maps ERC-20 contract addresses to tokens. Lookups never guess:
// an unknown contract is simply absent.
type Registry struct {
	byAddr   map[common.Address]Token
	bySymbol map[string]Token
	native   Token
}

func NewRegistry(native config.NativeConfig, tokens []config.TokenConfig) (*Registry, error) {
	r := &Registry{
		byAddr:   make(map[common.Address]Token),
		bySymbol: make(map[string]Token),
		native: Token{
			Symbol:   strings.ToUpper(native.Symbol),
			Decimals: native.Decimals,
			PriceID:  native.PriceID,
			Native:   true,
		},
	}
	if r.native.Symbol == "" {
		return nil, fmt.Errorf("native token symbol is required")
	}
	r.bySymbol[r.native.Symbol] = r.native

	for _, tc := range tokens {
		if !common.IsHexAddress(tc.Address) {
			return nil, fmt.Errorf("token %s: invalid address %q", tc.Symbol, tc.Address)
		}
		t := Token{
			Address:   common.HexToAddress(tc.Address),
			Symbol:    strings.ToUpper(tc.Symbol),
			Decimals:  tc.Decimals,
			USDPegged: tc.USDPegged,
			PriceID:   tc.PriceID,
		}
		if t.Symbol == "" {
			return nil, fmt.Errorf("token %s: symbol is required", tc.Address)
		}
		if _, dup := r.bySymbol[t.Symbol]; dup {
			return nil, fmt.Errorf("duplicate token symbol %s", t.Symbol)
		}
		if _, dup := r.byAddr[t.Address]; dup {
			return nil, fmt.Errorf("duplicate token address %s", t.Address.Hex())
		}
		r.byAddr[t.Address] = t
		r.bySymbol[t.Symbol] = t
	}
	return r, nil
}

func (r *Registry) ByAddress(addr common.Address) (Token, bool) {
	t, ok := r.byAddr[addr]
	return t, ok
}

// BySymbol is case-insensitive and includes the native token.
func (r *Registry) BySymbol(symbol string) (Token, bool) {
	t, ok := r.bySymbol[strings.ToUpper(symbol)]
	return t, ok
}

func (r *Registry) Native() Token { return r.native }

// ToUnits converts an on-chain integer amount to whole-token units.
func (t Token) ToUnits(raw *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(raw, -t.Decimals)
}
