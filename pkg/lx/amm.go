package lx

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// PoolType selects how swaps against a pool are executed
type PoolType int

const (
	PoolAMM PoolType = iota
	PoolOrderBook
	PoolHybrid
)

func (t PoolType) String() string {
	switch t {
	case PoolOrderBook:
		return "ORDER_BOOK"
	case PoolHybrid:
		return "HYBRID"
	}
	return "AMM"
}

// MarshalText renders the pool type as its string form
func (t PoolType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText parses AMM, ORDER_BOOK or HYBRID
func (t *PoolType) UnmarshalText(b []byte) error {
	switch string(b) {
	case "AMM", "amm", "":
		*t = PoolAMM
	case "ORDER_BOOK", "order_book", "orderbook":
		*t = PoolOrderBook
	case "HYBRID", "hybrid":
		*t = PoolHybrid
	default:
		return newError(KindValidation, "unknown pool type %q", string(b))
	}
	return nil
}

// DefaultMinimumLiquidity is the share amount locked on a pool's first deposit
var DefaultMinimumLiquidity = decimal.RequireFromString("0.001")

// Position is a liquidity provider's claim on a pool
type Position struct {
	Owner       string          `json:"owner"`
	PoolID      string          `json:"poolId"`
	AmountA     decimal.Decimal `json:"amountA"`
	AmountB     decimal.Decimal `json:"amountB"`
	Shares      decimal.Decimal `json:"shares"`
	FeeGrowthA  decimal.Decimal `json:"feeGrowthA"`
	FeeGrowthB  decimal.Decimal `json:"feeGrowthB"`
	FeesEarnedA decimal.Decimal `json:"feesEarnedA"`
	FeesEarnedB decimal.Decimal `json:"feesEarnedB"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// PoolInfo is the external view of a pool
type PoolInfo struct {
	ID           string          `json:"id"`
	TokenA       string          `json:"tokenA"`
	TokenB       string          `json:"tokenB"`
	Type         PoolType        `json:"type"`
	ReserveA     decimal.Decimal `json:"reserveA"`
	ReserveB     decimal.Decimal `json:"reserveB"`
	TotalShares  decimal.Decimal `json:"totalShares"`
	LockedShares decimal.Decimal `json:"lockedShares"`
	FeeRate      decimal.Decimal `json:"feeRate"`
	SpotPrice    decimal.Decimal `json:"spotPrice"`
	FeeGrowthA   decimal.Decimal `json:"feeGrowthA"`
	FeeGrowthB   decimal.Decimal `json:"feeGrowthB"`
	Volume24h    decimal.Decimal `json:"volume24h"`
	Fees24h      decimal.Decimal `json:"fees24h"`
	APR          decimal.Decimal `json:"apr"`
	Utilization  decimal.Decimal `json:"utilization"`
	Positions    int             `json:"positions"`
	Quarantined  bool            `json:"quarantined"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Value is the pool's reserve value in token B
func (p PoolInfo) Value() decimal.Decimal {
	return p.ReserveB.Add(p.ReserveA.Mul(p.SpotPrice))
}

// Pool is a constant-product market between TokenA and TokenB
type Pool struct {
	ID      string
	TokenA  Token
	TokenB  Token
	Type    PoolType
	FeeRate decimal.Decimal

	reserveA     decimal.Decimal
	reserveB     decimal.Decimal
	totalShares  decimal.Decimal
	lockedShares decimal.Decimal
	feeGrowthA   decimal.Decimal
	feeGrowthB   decimal.Decimal
	minLiquidity decimal.Decimal
	positions    map[string]*Position
	window       *rollingWindow
	updatedAt    time.Time

	guard quarantine
	mu    sync.Mutex
}

// NewPool creates an empty pool
func NewPool(a, b Token, feeRate decimal.Decimal, typ PoolType, minLiquidity decimal.Decimal, now time.Time) *Pool {
	return &Pool{
		ID:           PairID(a.Symbol, b.Symbol),
		TokenA:       a,
		TokenB:       b,
		Type:         typ,
		FeeRate:      feeRate,
		reserveA:     zero,
		reserveB:     zero,
		totalShares:  zero,
		lockedShares: zero,
		feeGrowthA:   zero,
		feeGrowthB:   zero,
		minLiquidity: minLiquidity,
		positions:    make(map[string]*Position),
		window:       newRollingWindow(24, time.Hour),
		updatedAt:    now,
	}
}

// LiquidityResult is returned from add and remove liquidity
type LiquidityResult struct {
	PoolID   string          `json:"poolId"`
	AmountA  decimal.Decimal `json:"amountA"`
	AmountB  decimal.Decimal `json:"amountB"`
	Shares   decimal.Decimal `json:"shares"`
	Position *Position       `json:"position,omitempty"`
	Pool     PoolInfo        `json:"pool"`
}

// SwapQuote previews a swap without mutating the pool
type SwapQuote struct {
	PoolID    string          `json:"poolId"`
	TokenIn   string          `json:"tokenIn"`
	TokenOut  string          `json:"tokenOut"`
	AmountIn  decimal.Decimal `json:"amountIn"`
	AmountOut decimal.Decimal `json:"amountOut"`
	Fee       decimal.Decimal `json:"fee"`
	Price     decimal.Decimal `json:"price"`
	// PriceImpact is the relative move of the spot price
	PriceImpact decimal.Decimal `json:"priceImpact"`
}

// LiquidityQuote gives deposit amounts that mint shares without donation
type LiquidityQuote struct {
	PoolID  string          `json:"poolId"`
	AmountA decimal.Decimal `json:"amountA"`
	AmountB decimal.Decimal `json:"amountB"`
	Shares  decimal.Decimal `json:"shares"`
}

func (p *Pool) hasLiquidity() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reserveA.IsPositive() && p.reserveB.IsPositive()
}

func (p *Pool) spotLocked() decimal.Decimal {
	if !p.reserveA.IsPositive() {
		return zero
	}
	return p.reserveB.DivRound(p.reserveA, ShareDecimals)
}

// spotPrice returns the marginal price of A in B
func (p *Pool) spotPrice() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spotLocked()
}

// orient returns the token pair as (in, out) plus reserves in that order
func (p *Pool) orient(tokenIn string) (Token, Token, decimal.Decimal, decimal.Decimal, error) {
	switch tokenIn {
	case p.TokenA.Symbol:
		return p.TokenA, p.TokenB, p.reserveA, p.reserveB, nil
	case p.TokenB.Symbol:
		return p.TokenB, p.TokenA, p.reserveB, p.reserveA, nil
	}
	return Token{}, Token{}, zero, zero, newError(KindValidation, "token %s is not in pool %s", tokenIn, p.ID)
}

// amountOut applies the constant-product formula with the fee taken from
// the input. The result is floored to the output token's precision so the
// product of reserves cannot decrease.
func (p *Pool) amountOut(rIn, rOut, amountIn decimal.Decimal, out Token) decimal.Decimal {
	netIn := amountIn.Mul(one.Sub(p.FeeRate))
	denom := rIn.Add(netIn)
	if !denom.IsPositive() {
		return zero
	}
	newOut := divCeil(rIn.Mul(rOut), denom, out.Decimals)
	return rOut.Sub(newOut)
}

func (p *Pool) quoteLocked(tokenIn string, amountIn decimal.Decimal) (SwapQuote, error) {
	in, out, rIn, rOut, err := p.orient(tokenIn)
	if err != nil {
		return SwapQuote{}, err
	}
	if !rIn.IsPositive() || !rOut.IsPositive() {
		return SwapQuote{}, newError(KindValidation, "pool %s has no liquidity", p.ID)
	}
	amountOut := p.amountOut(rIn, rOut, amountIn, out)
	if !amountOut.IsPositive() {
		return SwapQuote{}, newError(KindValidation, "swap of %s %s is too small for pool %s", amountIn, in.Symbol, p.ID)
	}
	q := SwapQuote{
		PoolID:    p.ID,
		TokenIn:   in.Symbol,
		TokenOut:  out.Symbol,
		AmountIn:  amountIn,
		AmountOut: amountOut,
		Fee:       amountIn.Mul(p.FeeRate),
	}
	before := rOut.DivRound(rIn, ShareDecimals)
	after := rOut.Sub(amountOut).DivRound(rIn.Add(amountIn), ShareDecimals)
	q.PriceImpact = before.Sub(after).Abs().DivRound(before, 8)
	if in.Symbol == p.TokenA.Symbol {
		q.Price = amountOut.DivRound(amountIn, ShareDecimals)
	} else {
		q.Price = amountIn.DivRound(amountOut, ShareDecimals)
	}
	return q, nil
}

// quote previews a swap of amountIn of tokenIn
func (p *Pool) quote(tokenIn string, amountIn decimal.Decimal) (SwapQuote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.quoteLocked(tokenIn, amountIn)
}

// quoteExactOut returns the input required to receive amountOut of tokenOut
func (p *Pool) quoteExactOut(tokenOut string, amountOut decimal.Decimal) (SwapQuote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tokenIn := p.TokenA.Symbol
	if tokenOut == p.TokenA.Symbol {
		tokenIn = p.TokenB.Symbol
	}
	in, _, rIn, rOut, err := p.orient(tokenIn)
	if err != nil {
		return SwapQuote{}, err
	}
	if tokenOut != p.TokenA.Symbol && tokenOut != p.TokenB.Symbol {
		return SwapQuote{}, newError(KindValidation, "token %s is not in pool %s", tokenOut, p.ID)
	}
	if !rIn.IsPositive() || !rOut.IsPositive() {
		return SwapQuote{}, newError(KindValidation, "pool %s has no liquidity", p.ID)
	}
	if amountOut.GreaterThanOrEqual(rOut) {
		return SwapQuote{}, newError(KindValidation, "requested %s %s exceeds pool reserve %s", amountOut, tokenOut, rOut)
	}
	// amountIn = rIn × out / ((rOut − out) × (1 − fee)), rounded up
	denom := rOut.Sub(amountOut).Mul(one.Sub(p.FeeRate))
	amountIn := divCeil(rIn.Mul(amountOut), denom, in.Decimals)
	step := decimal.New(1, -in.Decimals)
	for i := 0; i < 4; i++ {
		q, err := p.quoteLocked(tokenIn, amountIn)
		if err == nil && q.AmountOut.GreaterThanOrEqual(amountOut) {
			return q, nil
		}
		amountIn = amountIn.Add(step)
	}
	return SwapQuote{}, newError(KindInvariantViolation, "pool %s: cannot solve exact-out swap for %s %s", p.ID, amountOut, tokenOut)
}

// swapResult carries the mutation outcome to the manager
type swapResult struct {
	quote SwapQuote
	info  PoolInfo
}

// swap executes a swap of amountIn of tokenIn. The caller has already
// debited amountIn from the trader.
func (p *Pool) swap(tokenIn string, amountIn, minOut decimal.Decimal, now time.Time) (swapResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.guard.check(p.ID); err != nil {
		return swapResult{}, err
	}
	q, err := p.quoteLocked(tokenIn, amountIn)
	if err != nil {
		return swapResult{}, err
	}
	if q.AmountOut.LessThan(minOut) {
		return swapResult{}, newError(KindSlippageExceeded, "pool %s: output %s %s below minimum %s", p.ID, q.AmountOut, q.TokenOut, minOut)
	}

	newA, newB := p.reserveA, p.reserveB
	if tokenIn == p.TokenA.Symbol {
		newA, newB = newA.Add(amountIn), newB.Sub(q.AmountOut)
	} else {
		newB, newA = newB.Add(amountIn), newA.Sub(q.AmountOut)
	}
	if newA.Mul(newB).LessThan(p.reserveA.Mul(p.reserveB)) {
		err := newError(KindInvariantViolation, "pool %s: reserve product decreased", p.ID)
		p.guard.trip(err)
		return swapResult{}, err
	}
	p.reserveA, p.reserveB = newA, newB

	if p.totalShares.IsPositive() {
		growth := divFloor(q.Fee, p.totalShares, ShareDecimals)
		if tokenIn == p.TokenA.Symbol {
			p.feeGrowthA = p.feeGrowthA.Add(growth)
		} else {
			p.feeGrowthB = p.feeGrowthB.Add(growth)
		}
	}

	// volume and fees are tracked in token B
	volume, fees := amountIn, q.Fee
	if tokenIn == p.TokenA.Symbol {
		spot := p.spotLocked()
		volume, fees = q.AmountOut, q.Fee.Mul(spot)
	}
	p.window.add(now, volume, fees)
	p.updatedAt = now
	return swapResult{quote: q, info: p.infoLocked(now)}, nil
}

// accrue folds fee growth since the position's checkpoint into its earnings
func (p *Pool) accrue(pos *Position) {
	pos.FeesEarnedA = pos.FeesEarnedA.Add(pos.Shares.Mul(p.feeGrowthA.Sub(pos.FeeGrowthA)))
	pos.FeesEarnedB = pos.FeesEarnedB.Add(pos.Shares.Mul(p.feeGrowthB.Sub(pos.FeeGrowthB)))
	pos.FeeGrowthA = p.feeGrowthA
	pos.FeeGrowthB = p.feeGrowthB
}

// sharesFor returns shares minted by depositing a and b
func (p *Pool) sharesFor(a, b decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	if p.totalShares.IsZero() {
		root := sqrtFloor(a.Mul(b), ShareDecimals)
		if !root.GreaterThan(p.minLiquidity) {
			return zero, zero, newError(KindValidation, "first deposit into %s must mint more than %s shares", p.ID, p.minLiquidity)
		}
		return root.Sub(p.minLiquidity), p.minLiquidity, nil
	}
	byA := divFloor(a.Mul(p.totalShares), p.reserveA, ShareDecimals)
	byB := divFloor(b.Mul(p.totalShares), p.reserveB, ShareDecimals)
	minted := minDecimal(byA, byB)
	if !minted.IsPositive() {
		return zero, zero, newError(KindValidation, "deposit into %s is too small to mint shares", p.ID)
	}
	return minted, zero, nil
}

// perShareHolds reports whether reserves per share did not decrease going
// from (r, t) to (r2, t2).
func perShareHolds(r, t, r2, t2 decimal.Decimal) bool {
	if t.IsZero() || t2.IsZero() {
		return true
	}
	return r2.Mul(t).GreaterThanOrEqual(r.Mul(t2))
}

// addLiquidity deposits a and b for owner. Amounts beyond the current
// reserve ratio are donated to the pool.
func (p *Pool) addLiquidity(owner string, a, b decimal.Decimal, now time.Time) (LiquidityResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.guard.check(p.ID); err != nil {
		return LiquidityResult{}, err
	}
	minted, locked, err := p.sharesFor(a, b)
	if err != nil {
		return LiquidityResult{}, err
	}

	newA, newB := p.reserveA.Add(a), p.reserveB.Add(b)
	newT := p.totalShares.Add(minted).Add(locked)
	if !perShareHolds(p.reserveA, p.totalShares, newA, newT) || !perShareHolds(p.reserveB, p.totalShares, newB, newT) {
		err := newError(KindInvariantViolation, "pool %s: deposit diluted reserves per share", p.ID)
		p.guard.trip(err)
		return LiquidityResult{}, err
	}
	p.reserveA, p.reserveB, p.totalShares = newA, newB, newT
	p.lockedShares = p.lockedShares.Add(locked)

	pos, ok := p.positions[owner]
	if !ok {
		pos = &Position{
			Owner:       owner,
			PoolID:      p.ID,
			AmountA:     zero,
			AmountB:     zero,
			Shares:      zero,
			FeeGrowthA:  p.feeGrowthA,
			FeeGrowthB:  p.feeGrowthB,
			FeesEarnedA: zero,
			FeesEarnedB: zero,
			CreatedAt:   now,
		}
		p.positions[owner] = pos
	}
	p.accrue(pos)
	pos.AmountA = pos.AmountA.Add(a)
	pos.AmountB = pos.AmountB.Add(b)
	pos.Shares = pos.Shares.Add(minted)
	pos.UpdatedAt = now
	p.updatedAt = now

	if err := p.checkSharesLocked(); err != nil {
		return LiquidityResult{}, err
	}
	view := *pos
	return LiquidityResult{
		PoolID:   p.ID,
		AmountA:  a,
		AmountB:  b,
		Shares:   minted,
		Position: &view,
		Pool:     p.infoLocked(now),
	}, nil
}

// removeLiquidity burns fraction of owner's shares and returns the
// proportional reserves.
func (p *Pool) removeLiquidity(owner string, fraction decimal.Decimal, now time.Time) (LiquidityResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.guard.check(p.ID); err != nil {
		return LiquidityResult{}, err
	}
	if !fraction.IsPositive() || fraction.GreaterThan(one) {
		return LiquidityResult{}, newError(KindValidation, "fraction %s outside (0, 1]", fraction)
	}
	pos, ok := p.positions[owner]
	if !ok {
		return LiquidityResult{}, newError(KindNotFound, "%s has no position in %s", owner, p.ID)
	}

	full := fraction.Equal(one)
	burn := pos.Shares
	if !full {
		burn = pos.Shares.Mul(fraction).Truncate(ShareDecimals)
	}
	if !burn.IsPositive() {
		return LiquidityResult{}, newError(KindValidation, "fraction %s of %s burns no shares", fraction, pos.Shares)
	}

	outA := divFloor(p.reserveA.Mul(burn), p.totalShares, p.TokenA.Decimals)
	outB := divFloor(p.reserveB.Mul(burn), p.totalShares, p.TokenB.Decimals)
	newA, newB := p.reserveA.Sub(outA), p.reserveB.Sub(outB)
	newT := p.totalShares.Sub(burn)
	if newA.IsNegative() || newB.IsNegative() ||
		!perShareHolds(p.reserveA, p.totalShares, newA, newT) || !perShareHolds(p.reserveB, p.totalShares, newB, newT) {
		err := newError(KindInvariantViolation, "pool %s: withdrawal diluted reserves per share", p.ID)
		p.guard.trip(err)
		return LiquidityResult{}, err
	}

	p.accrue(pos)
	p.reserveA, p.reserveB, p.totalShares = newA, newB, newT
	pos.UpdatedAt = now
	p.updatedAt = now

	var view *Position
	if full {
		delete(p.positions, owner)
	} else {
		keep := one.Sub(fraction)
		pos.Shares = pos.Shares.Sub(burn)
		pos.AmountA = pos.AmountA.Mul(keep).Truncate(p.TokenA.Decimals)
		pos.AmountB = pos.AmountB.Mul(keep).Truncate(p.TokenB.Decimals)
		v := *pos
		view = &v
	}

	if err := p.checkSharesLocked(); err != nil {
		return LiquidityResult{}, err
	}
	return LiquidityResult{
		PoolID:   p.ID,
		AmountA:  outA,
		AmountB:  outB,
		Shares:   burn,
		Position: view,
		Pool:     p.infoLocked(now),
	}, nil
}

// checkSharesLocked verifies that positions and locked shares add up to
// the pool's total supply.
func (p *Pool) checkSharesLocked() error {
	sum := p.lockedShares
	for _, pos := range p.positions {
		sum = sum.Add(pos.Shares)
	}
	if !sum.Equal(p.totalShares) {
		err := newError(KindInvariantViolation, "pool %s: position shares %s != total %s", p.ID, sum, p.totalShares)
		p.guard.trip(err)
		return err
	}
	return nil
}

// quoteAddLiquidity returns the largest deposit within (a, b) that
// matches the reserve ratio.
func (p *Pool) quoteAddLiquidity(a, b decimal.Decimal) (LiquidityQuote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	q := LiquidityQuote{PoolID: p.ID, AmountA: a, AmountB: b}
	if p.totalShares.IsPositive() && p.reserveA.IsPositive() && p.reserveB.IsPositive() {
		optimalB := divCeil(a.Mul(p.reserveB), p.reserveA, p.TokenB.Decimals)
		if optimalB.LessThanOrEqual(b) {
			q.AmountB = optimalB
		} else {
			q.AmountA = divCeil(b.Mul(p.reserveA), p.reserveB, p.TokenA.Decimals)
		}
	}
	shares, _, err := p.sharesFor(q.AmountA, q.AmountB)
	if err != nil {
		return LiquidityQuote{}, err
	}
	q.Shares = shares
	return q, nil
}

func (p *Pool) infoLocked(now time.Time) PoolInfo {
	info := PoolInfo{
		ID:           p.ID,
		TokenA:       p.TokenA.Symbol,
		TokenB:       p.TokenB.Symbol,
		Type:         p.Type,
		ReserveA:     p.reserveA,
		ReserveB:     p.reserveB,
		TotalShares:  p.totalShares,
		LockedShares: p.lockedShares,
		FeeRate:      p.FeeRate,
		SpotPrice:    p.spotLocked(),
		FeeGrowthA:   p.feeGrowthA,
		FeeGrowthB:   p.feeGrowthB,
		Positions:    len(p.positions),
		Quarantined:  p.guard.tripped(),
		UpdatedAt:    p.updatedAt,
	}
	info.Volume24h, info.Fees24h = p.window.sum(now)
	info.APR = annualize(info.Fees24h, info.Value())
	info.Utilization = utilization(info.Volume24h, info.Value())
	return info
}

// info returns the pool's current state and analytics
func (p *Pool) info(now time.Time) PoolInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.infoLocked(now)
}

// position returns a copy of owner's position with fees accrued to date
func (p *Pool) position(owner string) (Position, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[owner]
	if !ok {
		return Position{}, false
	}
	view := *pos
	p.accrue(&view)
	return view, true
}

// positionOwners lists owners holding shares in the pool
func (p *Pool) positionOwners() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.positions))
	for owner := range p.positions {
		out = append(out, owner)
	}
	sort.Strings(out)
	return out
}
