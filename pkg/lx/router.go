package lx

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Routing weights and the depth threshold that switches between them
var (
	DefaultAMMWeight   = decimal.RequireFromString("0.7")
	ThinBookAMMWeight  = decimal.RequireFromString("0.9")
	DefaultDepthRatio  = decimal.RequireFromString("0.1")
	DefaultDepthLevels = 5
)

// HybridRouter splits swaps on a hybrid pool between its AMM reserves and
// its order book. The two settle independently; the router only decides
// how much input each receives.
type HybridRouter struct {
	depthLevels int
	depthRatio  decimal.Decimal

	ammWeight    decimal.Decimal
	rebalancedAt time.Time
	mu           sync.RWMutex
}

// NewHybridRouter creates a router at the default AMM weight
func NewHybridRouter(depthLevels int, depthRatio decimal.Decimal) *HybridRouter {
	if depthLevels <= 0 {
		depthLevels = DefaultDepthLevels
	}
	return &HybridRouter{
		depthLevels: depthLevels,
		depthRatio:  depthRatio,
		ammWeight:   DefaultAMMWeight,
	}
}

// AMMWeight returns the share of input routed to the AMM when the book
// offers better prices.
func (r *HybridRouter) AMMWeight() decimal.Decimal {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ammWeight
}

// rebalance sets the AMM weight from the book's top-of-book depth relative
// to the pool's reserve value. Returns the new weight and whether it changed.
func (r *HybridRouter) rebalance(book *OrderBook, pool *Pool, now time.Time) (decimal.Decimal, bool) {
	bids, asks := book.depthValue(r.depthLevels)
	value := pool.info(now).Value()

	weight := DefaultAMMWeight
	if bids.Add(asks).LessThan(value.Mul(r.depthRatio)) {
		weight = ThinBookAMMWeight
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	changed := !weight.Equal(r.ammWeight)
	r.ammWeight = weight
	r.rebalancedAt = now
	return weight, changed
}

// routePlan is the book leg of a hybrid swap
type routePlan struct {
	side     Side
	cap      decimal.Decimal
	bookIn   decimal.Decimal
	quantity decimal.Decimal
}

// plan sizes the book leg: (1 - ammWeight) of the input, capped by the depth
// resting at prices strictly better than the AMM's marginal price once both
// venues' fees are paid. takerRate is the book fee the swapper would pay.
func (r *HybridRouter) plan(book *OrderBook, pool *Pool, in Token, amountIn, takerRate decimal.Decimal) (routePlan, error) {
	spot := pool.spotPrice()
	poolNet, bookNet := one.Sub(pool.FeeRate), one.Sub(takerRate)
	p := routePlan{side: Buy, bookIn: zero, quantity: zero}
	if in.Symbol == pool.TokenA.Symbol {
		// bid*(1-takerRate) must beat spot*(1-poolFee)
		p.side = Sell
		p.cap = divCeil(spot.Mul(poolNet), bookNet, ShareDecimals)
	} else {
		// ask/(1-takerRate) must beat spot/(1-poolFee)
		p.cap = divFloor(spot.Mul(bookNet), poolNet, ShareDecimals)
	}
	levels, err := book.executable(p.side, p.cap)
	if err != nil || len(levels) == 0 {
		return p, err
	}

	capacity := zero
	for _, l := range levels {
		p.quantity = p.quantity.Add(l.Quantity)
		if p.side == Sell {
			capacity = capacity.Add(l.Quantity)
		} else {
			capacity = capacity.Add(l.Price.Mul(l.Quantity))
		}
	}
	share := amountIn.Mul(one.Sub(r.AMMWeight()))
	p.bookIn = minDecimal(share, capacity).Truncate(in.Decimals)
	if p.side == Sell {
		p.quantity = p.bookIn
	}
	return p, nil
}

// SwapRequest asks to exchange AmountIn of TokenIn on a pool
type SwapRequest struct {
	User         string          `json:"user"`
	PoolID       string          `json:"poolId"`
	TokenIn      string          `json:"tokenIn"`
	AmountIn     decimal.Decimal `json:"amountIn"`
	MinAmountOut decimal.Decimal `json:"minAmountOut"`
}

// SwapResult reports an executed swap. AmountIn is the input actually
// consumed; any unused input has been refunded.
type SwapResult struct {
	PoolID    string          `json:"poolId"`
	TokenIn   string          `json:"tokenIn"`
	TokenOut  string          `json:"tokenOut"`
	AmountIn  decimal.Decimal `json:"amountIn"`
	AmountOut decimal.Decimal `json:"amountOut"`
	AMMIn     decimal.Decimal `json:"ammIn"`
	BookIn    decimal.Decimal `json:"bookIn"`
	// Fee is the AMM fee in TokenIn; BookFee the taker fee in TokenOut
	Fee     decimal.Decimal `json:"fee"`
	BookFee decimal.Decimal `json:"bookFee"`
	Trades  []Trade         `json:"trades"`
	Pool    *PoolInfo       `json:"pool,omitempty"`
}

// swapEnv carries what a venue needs from the manager
type swapEnv struct {
	now         time.Time
	tier        *FeeTier
	nextOrderID func() uint64
	nextTradeID func() uint64
}

// swapOutcome is what a venue produced. When committed is false nothing
// was executed and the caller refunds the full input.
type swapOutcome struct {
	result    SwapResult
	updates   []OrderUpdate
	credits   []Transfer
	committed bool
}

// venue executes swaps for one pool type
type venue interface {
	swap(env swapEnv, req SwapRequest, in, out Token) (swapOutcome, error)
	quote(req SwapRequest, in, out Token) (SwapQuote, error)
}

func newVenue(typ PoolType, pool *Pool, book *OrderBook, router *HybridRouter) venue {
	amm := &ammVenue{pool: pool}
	switch typ {
	case PoolOrderBook:
		return &bookVenue{book: book}
	case PoolHybrid:
		return &hybridVenue{amm: amm, book: &bookVenue{book: book}, router: router}
	}
	return amm
}

type ammVenue struct {
	pool *Pool
}

func (v *ammVenue) quote(req SwapRequest, _, _ Token) (SwapQuote, error) {
	return v.pool.quote(req.TokenIn, req.AmountIn)
}

func (v *ammVenue) swap(env swapEnv, req SwapRequest, in, out Token) (swapOutcome, error) {
	res, err := v.pool.swap(in.Symbol, req.AmountIn, req.MinAmountOut, env.now)
	if err != nil {
		return swapOutcome{}, err
	}
	q := res.quote
	trade := Trade{
		ID:        env.nextTradeID(),
		PoolID:    v.pool.ID,
		Maker:     v.pool.ID,
		Taker:     req.User,
		TakerSide: Buy,
		Price:     q.Price,
		Quantity:  q.AmountIn,
		TakerFee:  q.Fee,
		MakerFee:  zero,
		Timestamp: env.now,
	}
	// quantity is always denominated in token A, amount in token B
	if in.Symbol == v.pool.TokenA.Symbol {
		trade.TakerSide = Sell
		trade.Amount = q.AmountOut
	} else {
		trade.Quantity = q.AmountOut
		trade.Amount = q.AmountIn
	}
	info := res.info
	return swapOutcome{
		result: SwapResult{
			PoolID:    v.pool.ID,
			TokenIn:   in.Symbol,
			TokenOut:  out.Symbol,
			AmountIn:  req.AmountIn,
			AmountOut: q.AmountOut,
			AMMIn:     req.AmountIn,
			BookIn:    zero,
			Fee:       q.Fee,
			BookFee:   zero,
			Trades:    []Trade{trade},
			Pool:      &info,
		},
		credits:   []Transfer{{Account: req.User, Token: out.Symbol, Amount: q.AmountOut, Reason: "swap"}},
		committed: true,
	}, nil
}

type bookVenue struct {
	book *OrderBook
}

// takerOrder builds an immediate-only order spending amountIn of in
func (v *bookVenue) takerOrder(env swapEnv, user string, in Token, amountIn decimal.Decimal) *Order {
	o := &Order{
		ID:     env.nextOrderID(),
		Owner:  user,
		Kind:   Market,
		Price:  zero,
		escrow: amountIn,
		tier:   env.tier,
	}
	if in.Symbol == v.book.Base.Symbol {
		o.Side = Sell
		o.Quantity = amountIn
	} else {
		o.Side = Buy
		o.Quantity = v.book.restingQuantity(Sell)
		budget := amountIn
		o.budget = &budget
	}
	return o
}

func (v *bookVenue) quote(req SwapRequest, in, out Token) (SwapQuote, error) {
	if in.Symbol != v.book.Base.Symbol && in.Symbol != v.book.Quote.Symbol {
		return SwapQuote{}, newError(KindValidation, "token %s is not traded on %s", in.Symbol, v.book.Symbol)
	}
	o := v.takerOrder(swapEnv{nextOrderID: func() uint64 { return 0 }}, req.User, in, req.AmountIn)
	if !o.Quantity.IsPositive() {
		return SwapQuote{}, newError(KindValidation, "%s has no resting liquidity", v.book.Symbol)
	}
	_, spent, received := v.book.preview(o)
	if !received.IsPositive() {
		return SwapQuote{}, newError(KindValidation, "%s has no resting liquidity", v.book.Symbol)
	}
	return SwapQuote{
		PoolID:      v.book.Symbol,
		TokenIn:     in.Symbol,
		TokenOut:    out.Symbol,
		AmountIn:    spent,
		AmountOut:   received,
		Fee:         zero,
		Price:       swapPrice(in.Symbol == v.book.Base.Symbol, spent, received),
		PriceImpact: zero,
	}, nil
}

// swapPrice is the average price of a swap in quote (token B) per base
func swapPrice(sellsBase bool, in, out decimal.Decimal) decimal.Decimal {
	if sellsBase {
		return out.DivRound(in, ShareDecimals)
	}
	return in.DivRound(out, ShareDecimals)
}

func (v *bookVenue) swap(env swapEnv, req SwapRequest, in, out Token) (swapOutcome, error) {
	if in.Symbol != v.book.Base.Symbol && in.Symbol != v.book.Quote.Symbol {
		return swapOutcome{}, newError(KindValidation, "token %s is not traded on %s", in.Symbol, v.book.Symbol)
	}
	o := v.takerOrder(env, req.User, in, req.AmountIn)
	if req.MinAmountOut.IsPositive() {
		minOut := req.MinAmountOut
		o.minOut = &minOut
	}
	return v.execute(env, o, req, in, out)
}

// execute submits o and converts the book result into a swap outcome
func (v *bookVenue) execute(env swapEnv, o *Order, req SwapRequest, in, out Token) (swapOutcome, error) {
	spent := o.escrow
	res, err := v.book.submit(o, env.now)
	if err != nil && len(res.trades) == 0 {
		return swapOutcome{}, err
	}

	received, fees := zero, zero
	for _, t := range res.trades {
		fees = fees.Add(t.TakerFee)
		if o.Side == Buy {
			received = received.Add(t.Quantity.Sub(t.TakerFee))
		} else {
			received = received.Add(t.Amount.Sub(t.TakerFee))
		}
	}
	for _, c := range res.credits {
		if c.Account == req.User && c.Token == in.Symbol && c.Reason != "fill" {
			spent = spent.Sub(c.Amount)
		}
	}
	return swapOutcome{
		result: SwapResult{
			PoolID:    req.PoolID,
			TokenIn:   in.Symbol,
			TokenOut:  out.Symbol,
			AmountIn:  spent,
			AmountOut: received,
			AMMIn:     zero,
			BookIn:    spent,
			Fee:       zero,
			BookFee:   fees,
			Trades:    res.trades,
		},
		updates:   res.updates,
		credits:   res.credits,
		committed: true,
	}, err
}

type hybridVenue struct {
	amm    *ammVenue
	book   *bookVenue
	router *HybridRouter
}

// quote prices both legs the way swap would route them: the book leg at
// the planned cap, the AMM on whatever input the book leaves over
func (v *hybridVenue) quote(req SwapRequest, in, out Token) (SwapQuote, error) {
	if !v.amm.pool.hasLiquidity() {
		return v.book.quote(req, in, out)
	}
	ob := v.book.book
	plan, err := v.router.plan(ob, v.amm.pool, in, req.AmountIn, ob.takerRate(nil))
	if err != nil || !plan.bookIn.IsPositive() {
		return v.amm.quote(req, in, out)
	}
	o := v.book.takerOrder(swapEnv{nextOrderID: func() uint64 { return 0 }}, req.User, in, plan.bookIn)
	capPrice := plan.cap
	o.capPrice = &capPrice
	o.Quantity = plan.quantity
	_, spent, received := ob.preview(o)

	ammIn := req.AmountIn.Sub(spent)
	if !ammIn.IsPositive() {
		return SwapQuote{
			PoolID:      v.amm.pool.ID,
			TokenIn:     in.Symbol,
			TokenOut:    out.Symbol,
			AmountIn:    spent,
			AmountOut:   received,
			Fee:         zero,
			Price:       swapPrice(in.Symbol == v.amm.pool.TokenA.Symbol, spent, received),
			PriceImpact: zero,
		}, nil
	}
	ammReq := req
	ammReq.AmountIn = ammIn
	q, err := v.amm.quote(ammReq, in, out)
	if err != nil {
		return SwapQuote{}, err
	}
	q.AmountIn = req.AmountIn
	q.AmountOut = q.AmountOut.Add(received)
	q.Price = swapPrice(in.Symbol == v.amm.pool.TokenA.Symbol, q.AmountIn, q.AmountOut)
	return q, nil
}

func (v *hybridVenue) swap(env swapEnv, req SwapRequest, in, out Token) (swapOutcome, error) {
	if !v.amm.pool.hasLiquidity() {
		return v.book.swap(env, req, in, out)
	}
	// the AMM alone must satisfy the minimum; the book leg only trades at
	// prices better than the AMM's marginal price
	full, err := v.amm.pool.quote(in.Symbol, req.AmountIn)
	if err != nil {
		return swapOutcome{}, err
	}
	if full.AmountOut.LessThan(req.MinAmountOut) {
		return swapOutcome{}, newError(KindSlippageExceeded, "pool %s: output %s %s below minimum %s", req.PoolID, full.AmountOut, out.Symbol, req.MinAmountOut)
	}

	plan, err := v.router.plan(v.book.book, v.amm.pool, in, req.AmountIn, v.book.book.takerRate(env.tier))
	if err != nil || !plan.bookIn.IsPositive() {
		return v.amm.swap(env, req, in, out)
	}

	o := v.book.takerOrder(env, req.User, in, plan.bookIn)
	capPrice := plan.cap
	o.capPrice = &capPrice
	o.Quantity = plan.quantity
	bookLeg, err := v.book.execute(env, o, req, in, out)
	if !bookLeg.committed {
		return v.amm.swap(env, req, in, out)
	}

	// unused book input flows to the AMM instead of back to the user
	credits := make([]Transfer, 0, len(bookLeg.credits)+1)
	for _, c := range bookLeg.credits {
		if c.Account == req.User && c.Token == in.Symbol && c.Reason != "fill" {
			continue
		}
		credits = append(credits, c)
	}
	bookLeg.credits = credits
	if err != nil {
		// book quarantined after matching: refund the AMM share and stop
		bookLeg.credits = append(bookLeg.credits, Transfer{Account: req.User, Token: in.Symbol, Amount: req.AmountIn.Sub(bookLeg.result.BookIn), Reason: "refund"})
		return bookLeg, err
	}

	ammIn := req.AmountIn.Sub(bookLeg.result.BookIn)
	result := bookLeg.result
	result.PoolID = req.PoolID
	result.AmountIn = req.AmountIn
	result.AMMIn = ammIn
	if !ammIn.IsPositive() {
		return bookLeg, nil
	}

	ammReq := req
	ammReq.AmountIn = ammIn
	ammReq.MinAmountOut = decimal.Max(zero, req.MinAmountOut.Sub(result.AmountOut))
	ammLeg, err := v.amm.swap(env, ammReq, in, out)
	if err != nil {
		// the book leg has settled; return the AMM share to the user
		bookLeg.credits = append(bookLeg.credits, Transfer{Account: req.User, Token: in.Symbol, Amount: ammIn, Reason: "refund"})
		bookLeg.result.AMMIn = zero
		return bookLeg, err
	}

	result.AmountOut = result.AmountOut.Add(ammLeg.result.AmountOut)
	result.Fee = ammLeg.result.Fee
	result.Trades = append(result.Trades, ammLeg.result.Trades...)
	result.Pool = ammLeg.result.Pool
	return swapOutcome{
		result:    result,
		updates:   bookLeg.updates,
		credits:   append(bookLeg.credits, ammLeg.credits...),
		committed: true,
	}, nil
}
