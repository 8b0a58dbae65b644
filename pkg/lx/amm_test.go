package lx

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSwapConstantProduct(t *testing.T) {
	e := newTestEngine(t)
	e.ammTokens(t)
	e.seededPool(t, PoolAMM, "0.003", "1000", "2000")
	e.fund("trader", "A", "100")

	res, err := e.Swap(context.Background(), SwapRequest{User: "trader", PoolID: "A-B", TokenIn: "A", AmountIn: d("100")})
	require.NoError(t, err)

	// out = rOut - rIn*rOut / (rIn + in*(1-fee)), floored
	expected := d("2000").Sub(divCeil(d("2000000"), d("1099.7"), 18))
	assert.True(t, expected.Equal(res.AmountOut), "got %s want %s", res.AmountOut, expected)
	assert.True(t, res.AmountOut.Sub(d("2000").Mul(d("99.7")).DivRound(d("1099.7"), 30)).Abs().LessThan(d("0.000000000000000002")))
	assertDecimal(t, "181.32", res.AmountOut.Round(2))
	assertDecimal(t, "0.3", res.Fee)

	info, err := e.GetPoolInfo("A-B")
	require.NoError(t, err)
	assertDecimal(t, "1100", info.ReserveA)
	assert.True(t, info.ReserveB.Equal(d("2000").Sub(res.AmountOut)))
	assert.True(t, info.ReserveA.Mul(info.ReserveB).GreaterThanOrEqual(d("2000000")))
	assert.True(t, res.AmountOut.Equal(e.balance("trader", "B")))
	assert.True(t, info.FeeGrowthA.IsPositive())
	assert.True(t, info.FeeGrowthB.IsZero())

	require.Len(t, res.Trades, 1)
	assert.Equal(t, "A-B", res.Trades[0].PoolID)
	assert.Equal(t, Sell, res.Trades[0].TakerSide)
	assertDecimal(t, "100", res.Trades[0].Quantity)
	assert.Len(t, e.publisher.ofType(EventPoolUpdated), 3)
}

func TestFirstDepositMintsSqrtMinusLocked(t *testing.T) {
	e := newTestEngine(t)
	e.ammTokens(t)
	info := e.seededPool(t, PoolAMM, "0.003", "100", "200")

	assertDecimal(t, "100", info.ReserveA)
	assertDecimal(t, "200", info.ReserveB)
	root := sqrtFloor(d("20000"), ShareDecimals)
	assert.True(t, root.Equal(info.TotalShares))
	assertDecimal(t, "0.001", info.LockedShares)

	positions := e.GetPositions("lp")
	require.Len(t, positions, 1)
	assert.True(t, root.Sub(DefaultMinimumLiquidity).Equal(positions[0].Shares))
	assert.Equal(t, "141.420356237309504880", positions[0].Shares.StringFixed(18))
}

func TestFirstDepositTooSmall(t *testing.T) {
	e := newTestEngine(t)
	e.ammTokens(t)
	ctx := context.Background()
	_, err := e.CreatePool(ctx, PoolRequest{TokenA: "A", TokenB: "B", FeeRate: d("0.003")})
	require.NoError(t, err)
	e.fund("lp", "A", "1")
	e.fund("lp", "B", "1")

	_, err = e.AddLiquidity(ctx, LiquidityRequest{User: "lp", PoolID: "A-B", AmountA: d("0.0000001"), AmountB: d("0.0000001")})
	assert.Equal(t, KindValidation, KindOf(err))
	assertDecimal(t, "1", e.balance("lp", "A"))
	assertDecimal(t, "1", e.balance("lp", "B"))
}

func TestRemoveHalfPosition(t *testing.T) {
	e := newTestEngine(t)
	e.ammTokens(t)
	before := e.seededPool(t, PoolAMM, "0.003", "100", "200")
	pos := e.GetPositions("lp")[0]

	res, err := e.RemoveLiquidity(context.Background(), "lp", "A-B", d("0.5"))
	require.NoError(t, err)

	burned := pos.Shares.Mul(d("0.5"))
	assert.True(t, burned.Equal(res.Shares))
	outA := divFloor(before.ReserveA.Mul(burned), before.TotalShares, 18)
	outB := divFloor(before.ReserveB.Mul(burned), before.TotalShares, 18)
	assert.True(t, outA.Equal(res.AmountA))
	assert.True(t, outB.Equal(res.AmountB))

	after, err := e.GetPoolInfo("A-B")
	require.NoError(t, err)
	assert.True(t, before.TotalShares.Sub(burned).Equal(after.TotalShares))
	assert.True(t, before.ReserveA.Sub(outA).Equal(after.ReserveA))
	assert.True(t, before.ReserveB.Sub(outB).Equal(after.ReserveB))

	remaining := e.GetPositions("lp")[0]
	assert.True(t, pos.Shares.Sub(burned).Equal(remaining.Shares))
	assertDecimal(t, "50", remaining.AmountA)
	assertDecimal(t, "100", remaining.AmountB)
	assert.True(t, outA.Equal(e.balance("lp", "A")))
}

func TestRemoveFullPositionZeroesShares(t *testing.T) {
	e := newTestEngine(t)
	e.ammTokens(t)
	e.seededPool(t, PoolAMM, "0.003", "100", "200")
	ctx := context.Background()

	e.fund("lp2", "A", "10")
	e.fund("lp2", "B", "20")
	_, err := e.AddLiquidity(ctx, LiquidityRequest{User: "lp2", PoolID: "A-B", AmountA: d("10"), AmountB: d("20")})
	require.NoError(t, err)

	_, err = e.RemoveLiquidity(ctx, "lp2", "A-B", d("1"))
	require.NoError(t, err)
	assert.Len(t, e.GetPositions("lp2"), 0)

	_, err = e.RemoveLiquidity(ctx, "lp", "A-B", d("1"))
	require.NoError(t, err)

	info, err := e.GetPoolInfo("A-B")
	require.NoError(t, err)
	assert.Equal(t, 0, info.Positions)
	assert.True(t, info.TotalShares.Equal(info.LockedShares))
	assert.True(t, info.ReserveA.IsPositive())

	_, err = e.RemoveLiquidity(ctx, "lp", "A-B", d("1"))
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSharesSumToTotal(t *testing.T) {
	e := newTestEngine(t)
	e.ammTokens(t)
	e.seededPool(t, PoolAMM, "0.003", "1000", "2000")
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	users := []string{"u1", "u2", "u3"}
	for _, u := range users {
		e.fund(u, "A", "100000")
		e.fund(u, "B", "100000")
	}
	for i := 0; i < 60; i++ {
		u := users[rng.Intn(len(users))]
		switch rng.Intn(3) {
		case 0:
			a := decimal.NewFromInt(int64(1 + rng.Intn(50)))
			_, err := e.AddLiquidity(ctx, LiquidityRequest{User: u, PoolID: "A-B", AmountA: a, AmountB: a.Mul(d("2.5"))})
			require.NoError(t, err)
		case 1:
			if len(e.GetPositions(u)) == 0 {
				continue
			}
			_, err := e.RemoveLiquidity(ctx, u, "A-B", d("0.3"))
			require.NoError(t, err)
		default:
			_, err := e.Swap(ctx, SwapRequest{User: u, PoolID: "A-B", TokenIn: "B", AmountIn: d("7.5")})
			require.NoError(t, err)
		}

		info, err := e.GetPoolInfo("A-B")
		require.NoError(t, err)
		sum := info.LockedShares
		for _, owner := range append(users, "lp") {
			for _, p := range e.GetPositions(owner) {
				sum = sum.Add(p.Shares)
			}
		}
		require.True(t, sum.Equal(info.TotalShares), "positions %s total %s", sum, info.TotalShares)
	}
}

func TestReserveProductNeverDecreases(t *testing.T) {
	e := newTestEngine(t)
	e.ammTokens(t)
	e.seededPool(t, PoolAMM, "0.0025", "5000", "12000")
	e.fund("trader", "A", "1000000")
	e.fund("trader", "B", "1000000")
	ctx := context.Background()
	rng := rand.New(rand.NewSource(99))

	info, _ := e.GetPoolInfo("A-B")
	k := info.ReserveA.Mul(info.ReserveB)
	for i := 0; i < 300; i++ {
		token := "A"
		if rng.Intn(2) == 1 {
			token = "B"
		}
		amount := decimal.NewFromInt(int64(1 + rng.Intn(100000))).Shift(-3)
		_, err := e.Swap(ctx, SwapRequest{User: "trader", PoolID: "A-B", TokenIn: token, AmountIn: amount})
		require.NoError(t, err)

		info, err := e.GetPoolInfo("A-B")
		require.NoError(t, err)
		next := info.ReserveA.Mul(info.ReserveB)
		require.True(t, next.GreaterThanOrEqual(k), "k decreased from %s to %s", k, next)
		k = next
	}
}

func TestSwapSlippageLeavesStateUntouched(t *testing.T) {
	e := newTestEngine(t)
	e.ammTokens(t)
	before := e.seededPool(t, PoolAMM, "0.003", "1000", "2000")
	e.fund("trader", "A", "100")

	_, err := e.Swap(context.Background(), SwapRequest{User: "trader", PoolID: "A-B", TokenIn: "A", AmountIn: d("100"), MinAmountOut: d("182")})
	assert.True(t, errors.Is(err, ErrSlippageExceeded))

	after, _ := e.GetPoolInfo("A-B")
	assert.True(t, before.ReserveA.Equal(after.ReserveA))
	assert.True(t, before.ReserveB.Equal(after.ReserveB))
	assertDecimal(t, "100", e.balance("trader", "A"))
	assert.True(t, e.balance("trader", "B").IsZero())
}

func TestCreatePoolRules(t *testing.T) {
	e := newTestEngine(t)
	e.ammTokens(t)
	ctx := context.Background()

	_, err := e.CreatePool(ctx, PoolRequest{TokenA: "A", TokenB: "B", FeeRate: d("0.003")})
	require.NoError(t, err)

	_, err = e.CreatePool(ctx, PoolRequest{TokenA: "A", TokenB: "B", FeeRate: d("0.003")})
	assert.True(t, errors.Is(err, ErrPoolAlreadyExists))
	_, err = e.CreatePool(ctx, PoolRequest{TokenA: "B", TokenB: "A", FeeRate: d("0.003")})
	assert.True(t, errors.Is(err, ErrPoolAlreadyExists))

	e.tokens(t, Token{Symbol: "C", Decimals: 6})
	_, err = e.CreatePool(ctx, PoolRequest{TokenA: "A", TokenB: "C", FeeRate: d("1")})
	assert.Equal(t, KindValidation, KindOf(err))
	_, err = e.CreatePool(ctx, PoolRequest{TokenA: "A", TokenB: "A", FeeRate: d("0.003")})
	assert.Equal(t, KindValidation, KindOf(err))
	_, err = e.CreatePool(ctx, PoolRequest{TokenA: "A", TokenB: "Z", FeeRate: d("0.003")})
	assert.Equal(t, KindNotFound, KindOf(err))

	assert.Len(t, e.ListPools(), 1)
}

func TestLaterDepositDonatesExcess(t *testing.T) {
	e := newTestEngine(t)
	e.ammTokens(t)
	before := e.seededPool(t, PoolAMM, "0.003", "100", "200")
	e.fund("lp2", "A", "10")
	e.fund("lp2", "B", "30")

	res, err := e.AddLiquidity(context.Background(), LiquidityRequest{User: "lp2", PoolID: "A-B", AmountA: d("10"), AmountB: d("30")})
	require.NoError(t, err)

	// A is the binding side
	expected := divFloor(d("10").Mul(before.TotalShares), d("100"), ShareDecimals)
	assert.True(t, expected.Equal(res.Shares))
	assertDecimal(t, "110", res.Pool.ReserveA)
	assertDecimal(t, "230", res.Pool.ReserveB)

	// reserves per share did not decrease for existing holders
	assert.True(t, res.Pool.ReserveB.Mul(before.TotalShares).GreaterThanOrEqual(before.ReserveB.Mul(res.Pool.TotalShares)))
}

func TestQuotes(t *testing.T) {
	e := newTestEngine(t)
	e.ammTokens(t)
	before := e.seededPool(t, PoolAMM, "0.003", "1000", "2000")

	q, err := e.QuoteSwap("A-B", "A", d("100"))
	require.NoError(t, err)
	assert.Equal(t, "B", q.TokenOut)
	assert.True(t, q.PriceImpact.IsPositive())

	exact, err := e.QuoteSwapExactOut("A-B", "B", d("50"))
	require.NoError(t, err)
	assert.Equal(t, "A", exact.TokenIn)
	assert.True(t, exact.AmountOut.GreaterThanOrEqual(d("50")))
	short, err := e.QuoteSwap("A-B", "A", exact.AmountIn.Sub(d("0.000000000000000001")))
	require.NoError(t, err)
	assert.True(t, short.AmountOut.LessThanOrEqual(exact.AmountOut))

	_, err = e.QuoteSwapExactOut("A-B", "B", d("2000"))
	assert.Equal(t, KindValidation, KindOf(err))

	lq, err := e.QuoteAddLiquidity("A-B", d("10"), d("50"))
	require.NoError(t, err)
	assertDecimal(t, "10", lq.AmountA)
	assertDecimal(t, "20", lq.AmountB)
	assert.True(t, divFloor(d("10").Mul(before.TotalShares), d("1000"), ShareDecimals).Equal(lq.Shares))

	// quotes never mutate
	after, _ := e.GetPoolInfo("A-B")
	assert.True(t, before.ReserveA.Equal(after.ReserveA))

	e.fund("trader", "A", "100")
	res, err := e.Swap(context.Background(), SwapRequest{User: "trader", PoolID: "A-B", TokenIn: "A", AmountIn: d("100")})
	require.NoError(t, err)
	assert.True(t, q.AmountOut.Equal(res.AmountOut))
}

func TestFeesAccrueToPositions(t *testing.T) {
	e := newTestEngine(t)
	e.ammTokens(t)
	e.seededPool(t, PoolAMM, "0.01", "1000", "1000")
	e.fund("trader", "A", "100")

	_, err := e.Swap(context.Background(), SwapRequest{User: "trader", PoolID: "A-B", TokenIn: "A", AmountIn: d("100")})
	require.NoError(t, err)

	pos := e.GetPositions("lp")[0]
	// fee of 1 A shared by all shares, locked ones included
	assert.True(t, pos.FeesEarnedA.GreaterThan(d("0.99999")))
	assert.True(t, pos.FeesEarnedA.LessThanOrEqual(d("1")))
	assert.True(t, pos.FeesEarnedB.IsZero())

	info, _ := e.GetPoolInfo("A-B")
	assert.True(t, info.Fees24h.IsPositive())
	assert.True(t, info.Volume24h.IsPositive())
	assert.True(t, info.APR.IsPositive())
}

func TestOrderBookPoolRejectsLiquidity(t *testing.T) {
	e := newTestEngine(t)
	e.ammTokens(t)
	ctx := context.Background()
	_, err := e.CreatePool(ctx, PoolRequest{TokenA: "A", TokenB: "B", FeeRate: d("0"), Type: PoolOrderBook})
	require.NoError(t, err)
	e.fund("lp", "A", "1")
	e.fund("lp", "B", "1")

	_, err = e.AddLiquidity(ctx, LiquidityRequest{User: "lp", PoolID: "A-B", AmountA: d("1"), AmountB: d("1")})
	assert.Equal(t, KindValidation, KindOf(err))
}
