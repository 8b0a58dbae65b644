package lx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSqrtFloor(t *testing.T) {
	assertDecimal(t, "12", sqrtFloor(d("144"), 18))
	assertDecimal(t, "1.414", sqrtFloor(d("2"), 3))
	assertDecimal(t, "0", sqrtFloor(d("0"), 18))
	assertDecimal(t, "0", sqrtFloor(d("-4"), 18))
	assertDecimal(t, "0.1", sqrtFloor(d("0.01"), 18))
}

func TestDivRounding(t *testing.T) {
	assertDecimal(t, "0.333", divFloor(d("1"), d("3"), 3))
	assertDecimal(t, "0.334", divCeil(d("1"), d("3"), 3))
	assertDecimal(t, "-0.334", divFloor(d("-1"), d("3"), 3))
	assertDecimal(t, "-0.333", divCeil(d("-1"), d("3"), 3))
	assertDecimal(t, "2", divCeil(d("4"), d("2"), 0))
}

func TestFitsDecimals(t *testing.T) {
	assert.True(t, fitsDecimals(d("1.25"), 2))
	assert.False(t, fitsDecimals(d("1.255"), 2))
	assert.True(t, fitsDecimals(d("100"), 0))
}

func TestTokenRegistry(t *testing.T) {
	r := NewTokenRegistry()
	assert.NoError(t, r.Register(Token{Symbol: "ETH", Decimals: 18}))
	assert.Equal(t, KindValidation, KindOf(r.Register(Token{Symbol: "ETH", Decimals: 18})))
	assert.Equal(t, KindValidation, KindOf(r.Register(Token{Symbol: "BAD-PAIR", Decimals: 6})))
	assert.Equal(t, KindValidation, KindOf(r.Register(Token{Symbol: "WIDE", Decimals: 19})))
	assert.Equal(t, KindValidation, KindOf(r.Register(Token{Symbol: "NEG", Decimals: 2, TotalSupply: d("-1")})))

	_, err := r.Get("BTC")
	assert.Equal(t, KindNotFound, KindOf(err))

	tok, err := r.Get("ETH")
	assert.NoError(t, err)
	assert.Equal(t, KindValidation, KindOf(tok.ValidateAmount("amount", d("0"))))
	assert.NoError(t, tok.ValidateAmount("amount", d("0.000000000000000001")))

	base, quote, ok := SplitPairID(PairID("ETH", "USD"))
	assert.True(t, ok)
	assert.Equal(t, "ETH", base)
	assert.Equal(t, "USD", quote)
	_, _, ok = SplitPairID("ETHUSD")
	assert.False(t, ok)
}

func TestRollingWindowExpires(t *testing.T) {
	w := newRollingWindow(24, time.Hour)
	start := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	w.add(start, d("100"), d("0.3"))
	w.add(start.Add(2*time.Hour), d("50"), d("0.15"))

	vol, fees := w.sum(start.Add(3 * time.Hour))
	assertDecimal(t, "150", vol)
	assertDecimal(t, "0.45", fees)

	vol, _ = w.sum(start.Add(25 * time.Hour))
	assertDecimal(t, "50", vol)

	vol, _ = w.sum(start.Add(48 * time.Hour))
	assertDecimal(t, "0", vol)

	assertDecimal(t, "3.65", annualize(d("1"), d("100")))
	assertDecimal(t, "0", annualize(d("1"), d("0")))
}

func TestErrorKinds(t *testing.T) {
	err := wrapError(KindLedgerUnavailable, errLedgerDown, "debit %s", "alice")
	assert.Equal(t, "LedgerUnavailable: debit alice: ledger connection refused", err.Error())
	assert.Equal(t, "NotFound", ErrNotFound.Error())
	assert.Equal(t, ErrorKind(""), KindOf(errLedgerDown))
}
