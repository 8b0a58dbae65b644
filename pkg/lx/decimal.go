package lx

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// ShareDecimals is the fixed scale LP shares and fee growth are kept at
const ShareDecimals int32 = 18

var (
	zero = decimal.Zero
	one  = decimal.NewFromInt(1)
)

// sqrtFloor returns floor(sqrt(d)) at the given number of decimal places
// using an exact integer square root.
func sqrtFloor(d decimal.Decimal, places int32) decimal.Decimal {
	if d.Sign() <= 0 {
		return zero
	}
	scaled := d.Shift(2 * places).BigInt()
	root := new(big.Int).Sqrt(scaled)
	return decimal.NewFromBigInt(root, -places)
}

// divFloor returns a/b rounded toward negative infinity at places
func divFloor(a, b decimal.Decimal, places int32) decimal.Decimal {
	q, r := a.QuoRem(b, places)
	if !r.IsZero() && (r.Sign() < 0) != (b.Sign() < 0) {
		q = q.Sub(decimal.New(1, -places))
	}
	return q
}

// divCeil returns a/b rounded toward positive infinity at places
func divCeil(a, b decimal.Decimal, places int32) decimal.Decimal {
	q, r := a.QuoRem(b, places)
	if !r.IsZero() && (r.Sign() < 0) == (b.Sign() < 0) {
		q = q.Add(decimal.New(1, -places))
	}
	return q
}

// fitsDecimals reports whether d carries no more than places fractional digits
func fitsDecimals(d decimal.Decimal, places int32) bool {
	return d.Equal(d.Truncate(places))
}

func minDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}
