package lx

import (
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// MaxTokenDecimals bounds token precision
const MaxTokenDecimals = 18

// Token describes an asset known to the engine
type Token struct {
	Symbol      string          `json:"symbol"`
	Decimals    int32           `json:"decimals"`
	TotalSupply decimal.Decimal `json:"totalSupply"`
}

// TokenRegistry holds token metadata keyed by symbol
type TokenRegistry struct {
	tokens map[string]Token
	mu     sync.RWMutex
}

// NewTokenRegistry creates an empty registry
func NewTokenRegistry() *TokenRegistry {
	return &TokenRegistry{tokens: make(map[string]Token)}
}

// Register adds a token; symbols are unique
func (r *TokenRegistry) Register(t Token) error {
	t.Symbol = strings.TrimSpace(t.Symbol)
	if t.Symbol == "" || strings.ContainsAny(t.Symbol, "-/ ") {
		return newError(KindValidation, "invalid token symbol %q", t.Symbol)
	}
	if t.Decimals < 0 || t.Decimals > MaxTokenDecimals {
		return newError(KindValidation, "token %s: decimals %d outside [0, %d]", t.Symbol, t.Decimals, MaxTokenDecimals)
	}
	if t.TotalSupply.IsNegative() {
		return newError(KindValidation, "token %s: negative total supply", t.Symbol)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tokens[t.Symbol]; exists {
		return newError(KindValidation, "token %s already registered", t.Symbol)
	}
	r.tokens[t.Symbol] = t
	return nil
}

// Get returns the token for symbol
func (r *TokenRegistry) Get(symbol string) (Token, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tokens[symbol]
	if !ok {
		return Token{}, newError(KindNotFound, "token %s", symbol)
	}
	return t, nil
}

// List returns all tokens sorted by symbol
func (r *TokenRegistry) List() []Token {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Token, 0, len(r.tokens))
	for _, t := range r.tokens {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// ValidateAmount checks that amount is positive and representable in the
// token's precision.
func (t Token) ValidateAmount(field string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return newError(KindValidation, "%s must be positive, got %s", field, amount)
	}
	if !fitsDecimals(amount, t.Decimals) {
		return newError(KindValidation, "%s %s exceeds %s precision of %d decimals", field, amount, t.Symbol, t.Decimals)
	}
	return nil
}

// PairID names a book or pool for a base/quote pair
func PairID(base, quote string) string {
	return base + "-" + quote
}

// SplitPairID splits a pair id into its base and quote symbols
func SplitPairID(id string) (string, string, bool) {
	parts := strings.SplitN(id, "-", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
