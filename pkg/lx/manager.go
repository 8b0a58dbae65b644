package lx

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luxfi/log"
	"github.com/shopspring/decimal"
)

// DefaultFeeAccount receives order book fees
const DefaultFeeAccount = "lqx-fees"

// OperationObserver is notified when a public operation completes
type OperationObserver interface {
	ObserveOperation(op string, took time.Duration, err error)
}

// Options configures a Manager
type Options struct {
	Logger    log.Logger
	Ledger    BalanceLedger
	Risk      RiskApprover
	Publisher EventPublisher
	Observer  OperationObserver

	// RiskFailOpen lets orders through ungated when the risk approver
	// cannot be reached.
	RiskFailOpen bool
	FeeAccount   string
	Market       MarketConfig

	MinimumLiquidity  decimal.Decimal
	RebalanceInterval time.Duration
	SettleInterval    time.Duration
	DepthLevels       int
	DepthRatio        decimal.Decimal

	// FeeTiers discounts taker fees by trailing volume; empty keeps the
	// market rates for everyone.
	FeeTiers     []FeeTier
	VolumeWindow time.Duration

	Now func() time.Time
}

// DefaultOptions returns options with the engine defaults and no collaborators
func DefaultOptions() Options {
	return Options{
		RiskFailOpen:      true,
		FeeAccount:        DefaultFeeAccount,
		Market:            DefaultMarketConfig(),
		MinimumLiquidity:  DefaultMinimumLiquidity,
		RebalanceInterval: time.Minute,
		SettleInterval:    5 * time.Second,
		DepthLevels:       DefaultDepthLevels,
		DepthRatio:        DefaultDepthRatio,
		VolumeWindow:      DefaultVolumeWindow,
		Now:               time.Now,
	}
}

// Manager is the single entry point to the engine. It validates requests,
// moves balances through the ledger and delegates to books and pools.
type Manager struct {
	opts      Options
	logger    log.Logger
	ledger    BalanceLedger
	risk      RiskApprover
	publisher EventPublisher
	registry  *Registry
	volumes   *volumeTracker

	orderSeq atomic.Uint64
	tradeSeq atomic.Uint64
	eventSeq atomic.Uint64

	pending   []Transfer
	pendingMu sync.Mutex
}

// NewManager creates a manager. Options.Ledger is required.
func NewManager(opts Options) (*Manager, error) {
	if opts.Ledger == nil {
		return nil, newError(KindValidation, "balance ledger is required")
	}
	defaults := DefaultOptions()
	if opts.Logger == nil {
		opts.Logger = log.Root().New("module", "lx")
	}
	if opts.Publisher == nil {
		opts.Publisher = nopPublisher{}
	}
	if opts.FeeAccount == "" {
		opts.FeeAccount = defaults.FeeAccount
	}
	if opts.MinimumLiquidity.IsNegative() {
		return nil, newError(KindValidation, "negative minimum liquidity %s", opts.MinimumLiquidity)
	}
	if opts.RebalanceInterval <= 0 {
		opts.RebalanceInterval = defaults.RebalanceInterval
	}
	if opts.SettleInterval <= 0 {
		opts.SettleInterval = defaults.SettleInterval
	}
	if opts.DepthLevels <= 0 {
		opts.DepthLevels = defaults.DepthLevels
	}
	if !opts.DepthRatio.IsPositive() {
		opts.DepthRatio = defaults.DepthRatio
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.VolumeWindow <= 0 {
		opts.VolumeWindow = defaults.VolumeWindow
	}
	if err := opts.Market.validate(); err != nil {
		return nil, err
	}
	if err := validateTiers(opts.FeeTiers); err != nil {
		return nil, err
	}

	return &Manager{
		opts:      opts,
		logger:    opts.Logger,
		ledger:    opts.Ledger,
		risk:      opts.Risk,
		publisher: opts.Publisher,
		registry:  NewRegistry(),
		volumes:   newVolumeTracker(opts.FeeTiers, opts.VolumeWindow),
	}, nil
}

// Registry returns the manager's registry
func (m *Manager) Registry() *Registry {
	return m.registry
}

func (m *Manager) now() time.Time {
	return m.opts.Now()
}

func (m *Manager) nextTradeID() uint64 {
	return m.tradeSeq.Add(1)
}

func (m *Manager) nextOrderID() uint64 {
	return m.orderSeq.Add(1)
}

// track reports the duration and outcome of op to the observer
func (m *Manager) track(op string) func(*error) {
	start := time.Now()
	return func(err *error) {
		if m.opts.Observer != nil {
			m.opts.Observer.ObserveOperation(op, time.Since(start), *err)
		}
	}
}

// CreateToken registers a token
func (m *Manager) CreateToken(t Token) (err error) {
	defer m.track("create_token")(&err)
	if err := m.registry.tokens.Register(t); err != nil {
		return err
	}
	m.logger.Info("token registered", "symbol", t.Symbol, "decimals", t.Decimals)
	return nil
}

// Tokens lists registered tokens
func (m *Manager) Tokens() []Token {
	return m.registry.tokens.List()
}

// CreateMarket opens an order book for base/quote. A nil config uses the
// manager's default fee schedule.
func (m *Manager) CreateMarket(base, quote string, cfg *MarketConfig) (string, error) {
	b, q, err := m.pair(base, quote)
	if err != nil {
		return "", err
	}
	config := m.opts.Market
	if cfg != nil {
		config = *cfg
	}
	if err := config.validate(); err != nil {
		return "", err
	}
	ob, created := m.registry.addBook(NewOrderBook(b, q, config, m.nextTradeID))
	if !created {
		return "", newError(KindValidation, "market %s already exists", ob.Symbol)
	}
	m.logger.Info("market created", "symbol", ob.Symbol, "makerFee", config.MakerFeeRate, "takerFee", config.TakerFeeRate)
	return ob.Symbol, nil
}

func (m *Manager) pair(a, b string) (Token, Token, error) {
	if a == b {
		return Token{}, Token{}, newError(KindValidation, "pair needs two distinct tokens, got %s twice", a)
	}
	ta, err := m.registry.tokens.Get(a)
	if err != nil {
		return Token{}, Token{}, err
	}
	tb, err := m.registry.tokens.Get(b)
	if err != nil {
		return Token{}, Token{}, err
	}
	return ta, tb, nil
}

// OrderRequest is a new order from a trader
type OrderRequest struct {
	Owner    string          `json:"owner"`
	Symbol   string          `json:"symbol"`
	Side     Side            `json:"side"`
	Kind     OrderKind       `json:"kind"`
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

func (m *Manager) validateOrder(ob *OrderBook, req *OrderRequest) error {
	if req.Owner == "" {
		return newError(KindValidation, "owner is required")
	}
	if err := ob.Base.ValidateAmount("quantity", req.Quantity); err != nil {
		return err
	}
	if req.Kind == Market {
		req.Price = zero
		return nil
	}
	return ob.Quote.ValidateAmount("price", req.Price)
}

// SubmitOrder validates, escrows and matches an order. Partial fills are
// successful results with FilledQuantity below Quantity.
func (m *Manager) SubmitOrder(ctx context.Context, req OrderRequest) (res OrderResult, err error) {
	defer m.track("submit_order")(&err)

	ob, err := m.registry.book(req.Symbol)
	if err != nil {
		return OrderResult{}, err
	}
	if err := m.validateOrder(ob, &req); err != nil {
		return OrderResult{}, err
	}
	if err := ob.guard.check(ob.Symbol); err != nil {
		return OrderResult{}, err
	}
	if err := m.approve(ctx, req); err != nil {
		return OrderResult{}, err
	}

	now := m.now()
	o := &Order{
		ID:       m.nextOrderID(),
		Owner:    req.Owner,
		Side:     req.Side,
		Kind:     req.Kind,
		Quantity: req.Quantity,
		Price:    req.Price,
		tier:     m.volumes.tier(req.Owner, now),
	}
	// buyers are charged their running cost rounded up, so the escrow is too
	token := ob.escrowToken(req.Side)
	switch {
	case req.Side == Sell:
		o.escrow = req.Quantity
	case req.Kind == Limit:
		o.escrow = req.Quantity.Mul(req.Price).RoundCeil(ob.Quote.Decimals)
	default:
		cost, _ := ob.previewBuyCost(req.Quantity)
		o.escrow = cost.RoundCeil(ob.Quote.Decimals)
		budget := o.escrow
		o.budget = &budget
	}
	if err := m.debit(ctx, req.Owner, token, o.escrow); err != nil {
		return OrderResult{}, err
	}

	// the order is visible in the book as soon as submit returns
	m.registry.bindOrder(o.ID, ob.Symbol)
	br, err := ob.submit(o, now)
	if err != nil && len(br.updates) == 0 {
		m.registry.unbindOrder(o.ID)
		m.refund(ctx, req.Owner, token, o.escrow, "rejected")
		return OrderResult{}, err
	}
	m.volumes.recordTrades(now, br.trades)
	m.settle(ctx, br.credits)
	m.publish(ctx, m.bookEvents(now, br.trades, br.updates))
	if err != nil {
		m.logger.Error("market quarantined", "symbol", ob.Symbol, "order", o.ID, "error", err)
		return OrderResult{Order: br.taker, Trades: br.trades}, err
	}

	m.logger.Debug("order processed",
		"id", br.taker.ID,
		"symbol", ob.Symbol,
		"side", br.taker.Side,
		"status", br.taker.Status,
		"filled", br.taker.FilledQuantity,
		"trades", len(br.trades))
	return OrderResult{Order: br.taker, Trades: br.trades}, nil
}

func (m *Manager) approve(ctx context.Context, req OrderRequest) error {
	if m.risk == nil {
		return nil
	}
	ok, err := m.risk.ApproveOrder(ctx, req.Owner, req.Symbol, req.Side, req.Quantity, req.Price)
	if err != nil {
		if m.opts.RiskFailOpen {
			m.logger.Warn("risk approver unavailable, proceeding ungated", "owner", req.Owner, "symbol", req.Symbol, "error", err)
			return nil
		}
		return wrapError(KindRiskUnavailable, err, "approve order for %s", req.Owner)
	}
	if !ok {
		return newError(KindRiskRejected, "order for %s on %s rejected by risk", req.Owner, req.Symbol)
	}
	return nil
}

// CancelOrder cancels a resting order and refunds its escrow
func (m *Manager) CancelOrder(ctx context.Context, owner string, id uint64) (order Order, err error) {
	defer m.track("cancel_order")(&err)

	ob, err := m.registry.orderBook(id)
	if err != nil {
		return Order{}, err
	}
	now := m.now()
	br, err := ob.cancel(id, owner, now)
	if err != nil {
		return Order{}, err
	}
	m.settle(ctx, br.credits)
	m.publish(ctx, m.bookEvents(now, nil, br.updates))
	m.logger.Debug("order cancelled", "id", id, "symbol", ob.Symbol, "owner", owner)
	return br.taker, nil
}

// GetFeeTier returns a trader's trailing volume and the fee tier it earns.
// Tier is nil when fee tiers are disabled.
func (m *Manager) GetFeeTier(user string) UserVolume {
	now := m.now()
	return UserVolume{
		User:   user,
		Volume: m.volumes.volume(user, now),
		Tier:   m.volumes.tier(user, now),
	}
}

// GetOrder returns the current state of an order
func (m *Manager) GetOrder(id uint64) (Order, error) {
	ob, err := m.registry.orderBook(id)
	if err != nil {
		return Order{}, err
	}
	o, ok := ob.get(id)
	if !ok {
		return Order{}, newError(KindNotFound, "order %d", id)
	}
	return o, nil
}

// GetOrderBook returns the top depth levels of a market; depth <= 0 returns
// every level.
func (m *Manager) GetOrderBook(symbol string, depth int) (OrderBookSnapshot, error) {
	ob, err := m.registry.book(symbol)
	if err != nil {
		return OrderBookSnapshot{}, err
	}
	return ob.snapshot(depth, m.now()), nil
}

// MarketStats returns analytics for a market
func (m *Manager) MarketStats(symbol string) (BookStats, error) {
	ob, err := m.registry.book(symbol)
	if err != nil {
		return BookStats{}, err
	}
	return ob.stats24h(m.now()), nil
}

// ListMarkets returns analytics for every market
func (m *Manager) ListMarkets() []BookStats {
	now := m.now()
	books := m.registry.bookList()
	out := make([]BookStats, 0, len(books))
	for _, ob := range books {
		out = append(out, ob.stats24h(now))
	}
	return out
}

// PoolRequest creates a pool
type PoolRequest struct {
	TokenA  string          `json:"tokenA"`
	TokenB  string          `json:"tokenB"`
	FeeRate decimal.Decimal `json:"feeRate"`
	Type    PoolType        `json:"type"`
}

// CreatePool creates a pool and resolves its swap venue. Order book and
// hybrid pools share the market for the same pair, creating it if needed.
func (m *Manager) CreatePool(ctx context.Context, req PoolRequest) (info PoolInfo, err error) {
	defer m.track("create_pool")(&err)

	a, b, err := m.pair(req.TokenA, req.TokenB)
	if err != nil {
		return PoolInfo{}, err
	}
	if req.FeeRate.IsNegative() || req.FeeRate.GreaterThanOrEqual(one) {
		return PoolInfo{}, newError(KindValidation, "fee rate %s outside [0, 1)", req.FeeRate)
	}
	if req.Type < PoolAMM || req.Type > PoolHybrid {
		return PoolInfo{}, newError(KindValidation, "unknown pool type %d", req.Type)
	}
	for _, id := range []string{PairID(a.Symbol, b.Symbol), PairID(b.Symbol, a.Symbol)} {
		if _, err := m.registry.pool(id); err == nil {
			return PoolInfo{}, newError(KindPoolAlreadyExists, "pool %s", id)
		}
	}

	now := m.now()
	e := &poolEntry{pool: NewPool(a, b, req.FeeRate, req.Type, m.opts.MinimumLiquidity, now)}
	if req.Type != PoolAMM {
		e.book, _ = m.registry.addBook(NewOrderBook(a, b, m.opts.Market, m.nextTradeID))
	}
	if req.Type == PoolHybrid {
		e.router = NewHybridRouter(m.opts.DepthLevels, m.opts.DepthRatio)
	}
	e.venue = newVenue(req.Type, e.pool, e.book, e.router)
	if err := m.registry.addPool(e); err != nil {
		return PoolInfo{}, err
	}

	info = e.pool.info(now)
	m.publish(ctx, []Event{m.poolEvent(now, info)})
	m.logger.Info("pool created", "pool", info.ID, "type", info.Type, "fee", info.FeeRate)
	return info, nil
}

// LiquidityRequest deposits into a pool
type LiquidityRequest struct {
	User    string          `json:"user"`
	PoolID  string          `json:"poolId"`
	AmountA decimal.Decimal `json:"amountA"`
	AmountB decimal.Decimal `json:"amountB"`
}

func (m *Manager) liquidityPool(id string) (*Pool, error) {
	e, err := m.registry.pool(id)
	if err != nil {
		return nil, err
	}
	if e.pool.Type == PoolOrderBook {
		return nil, newError(KindValidation, "pool %s trades on its order book only", id)
	}
	if err := e.pool.guard.check(id); err != nil {
		return nil, err
	}
	return e.pool, nil
}

// AddLiquidity deposits both tokens and mints shares to the user's position
func (m *Manager) AddLiquidity(ctx context.Context, req LiquidityRequest) (res LiquidityResult, err error) {
	defer m.track("add_liquidity")(&err)

	if req.User == "" {
		return LiquidityResult{}, newError(KindValidation, "user is required")
	}
	pool, err := m.liquidityPool(req.PoolID)
	if err != nil {
		return LiquidityResult{}, err
	}
	if err := pool.TokenA.ValidateAmount("amountA", req.AmountA); err != nil {
		return LiquidityResult{}, err
	}
	if err := pool.TokenB.ValidateAmount("amountB", req.AmountB); err != nil {
		return LiquidityResult{}, err
	}

	if err := m.debit(ctx, req.User, pool.TokenA.Symbol, req.AmountA); err != nil {
		return LiquidityResult{}, err
	}
	if err := m.debit(ctx, req.User, pool.TokenB.Symbol, req.AmountB); err != nil {
		m.refund(ctx, req.User, pool.TokenA.Symbol, req.AmountA, "rejected")
		return LiquidityResult{}, err
	}

	now := m.now()
	res, err = pool.addLiquidity(req.User, req.AmountA, req.AmountB, now)
	if err != nil {
		m.refund(ctx, req.User, pool.TokenA.Symbol, req.AmountA, "rejected")
		m.refund(ctx, req.User, pool.TokenB.Symbol, req.AmountB, "rejected")
		if KindOf(err) == KindInvariantViolation {
			m.logger.Error("pool quarantined", "pool", pool.ID, "error", err)
		}
		return LiquidityResult{}, err
	}
	m.publish(ctx, []Event{m.poolEvent(now, res.Pool)})
	m.logger.Info("liquidity added", "pool", pool.ID, "user", req.User, "amountA", req.AmountA, "amountB", req.AmountB, "shares", res.Shares)
	return res, nil
}

// RemoveLiquidity burns fraction of the user's shares and credits the
// proportional reserves.
func (m *Manager) RemoveLiquidity(ctx context.Context, user, poolID string, fraction decimal.Decimal) (res LiquidityResult, err error) {
	defer m.track("remove_liquidity")(&err)

	if !fraction.IsPositive() || fraction.GreaterThan(one) {
		return LiquidityResult{}, newError(KindValidation, "fraction %s outside (0, 1]", fraction)
	}
	pool, err := m.liquidityPool(poolID)
	if err != nil {
		return LiquidityResult{}, err
	}
	now := m.now()
	res, err = pool.removeLiquidity(user, fraction, now)
	if err != nil {
		if KindOf(err) == KindInvariantViolation {
			m.logger.Error("pool quarantined", "pool", pool.ID, "error", err)
		}
		return LiquidityResult{}, err
	}
	m.settle(ctx, []Transfer{
		{Account: user, Token: pool.TokenA.Symbol, Amount: res.AmountA, Reason: "withdraw"},
		{Account: user, Token: pool.TokenB.Symbol, Amount: res.AmountB, Reason: "withdraw"},
	})
	m.publish(ctx, []Event{m.poolEvent(now, res.Pool)})
	m.logger.Info("liquidity removed", "pool", pool.ID, "user", user, "fraction", fraction, "amountA", res.AmountA, "amountB", res.AmountB)
	return res, nil
}

func (m *Manager) swapTokens(e *poolEntry, tokenIn string) (Token, Token, error) {
	switch tokenIn {
	case e.pool.TokenA.Symbol:
		return e.pool.TokenA, e.pool.TokenB, nil
	case e.pool.TokenB.Symbol:
		return e.pool.TokenB, e.pool.TokenA, nil
	}
	return Token{}, Token{}, newError(KindValidation, "token %s is not in pool %s", tokenIn, e.pool.ID)
}

// Swap exchanges tokens on a pool through the pool's venue
func (m *Manager) Swap(ctx context.Context, req SwapRequest) (res SwapResult, err error) {
	defer m.track("swap")(&err)

	if req.User == "" {
		return SwapResult{}, newError(KindValidation, "user is required")
	}
	e, err := m.registry.pool(req.PoolID)
	if err != nil {
		return SwapResult{}, err
	}
	in, out, err := m.swapTokens(e, req.TokenIn)
	if err != nil {
		return SwapResult{}, err
	}
	if err := in.ValidateAmount("amountIn", req.AmountIn); err != nil {
		return SwapResult{}, err
	}
	if req.MinAmountOut.IsNegative() {
		return SwapResult{}, newError(KindValidation, "minAmountOut must not be negative")
	}
	if e.pool.Type != PoolOrderBook {
		if err := e.pool.guard.check(e.pool.ID); err != nil {
			return SwapResult{}, err
		}
	}

	if err := m.debit(ctx, req.User, in.Symbol, req.AmountIn); err != nil {
		return SwapResult{}, err
	}
	now := m.now()
	env := swapEnv{
		now:         now,
		tier:        m.volumes.tier(req.User, now),
		nextOrderID: m.nextOrderID,
		nextTradeID: m.nextTradeID,
	}
	outcome, err := e.venue.swap(env, req, in, out)
	if !outcome.committed {
		m.refund(ctx, req.User, in.Symbol, req.AmountIn, "rejected")
		if KindOf(err) == KindInvariantViolation {
			m.logger.Error("pool quarantined", "pool", e.pool.ID, "error", err)
		}
		return SwapResult{}, err
	}

	m.volumes.recordTrades(now, outcome.result.Trades)
	m.settle(ctx, outcome.credits)
	events := m.bookEvents(now, outcome.result.Trades, outcome.updates)
	if outcome.result.Pool != nil {
		events = append(events, m.poolEvent(now, *outcome.result.Pool))
	}
	m.publish(ctx, events)
	if err != nil {
		m.logger.Warn("swap partially executed", "pool", e.pool.ID, "user", req.User, "bookIn", outcome.result.BookIn, "error", err)
		return outcome.result, err
	}
	m.logger.Debug("swap executed",
		"pool", e.pool.ID,
		"user", req.User,
		"in", outcome.result.AmountIn,
		"out", outcome.result.AmountOut,
		"bookIn", outcome.result.BookIn)
	return outcome.result, nil
}

// QuoteSwap previews a swap without executing it
func (m *Manager) QuoteSwap(poolID, tokenIn string, amountIn decimal.Decimal) (SwapQuote, error) {
	e, err := m.registry.pool(poolID)
	if err != nil {
		return SwapQuote{}, err
	}
	in, out, err := m.swapTokens(e, tokenIn)
	if err != nil {
		return SwapQuote{}, err
	}
	if err := in.ValidateAmount("amountIn", amountIn); err != nil {
		return SwapQuote{}, err
	}
	return e.venue.quote(SwapRequest{PoolID: poolID, TokenIn: tokenIn, AmountIn: amountIn}, in, out)
}

// QuoteSwapExactOut returns the input needed to receive amountOut of tokenOut
// from the pool's reserves.
func (m *Manager) QuoteSwapExactOut(poolID, tokenOut string, amountOut decimal.Decimal) (SwapQuote, error) {
	e, err := m.registry.pool(poolID)
	if err != nil {
		return SwapQuote{}, err
	}
	if e.pool.Type == PoolOrderBook {
		return SwapQuote{}, newError(KindValidation, "pool %s has no reserves to quote against", poolID)
	}
	out, _, err := m.swapTokens(e, tokenOut)
	if err != nil {
		return SwapQuote{}, err
	}
	if err := out.ValidateAmount("amountOut", amountOut); err != nil {
		return SwapQuote{}, err
	}
	return e.pool.quoteExactOut(tokenOut, amountOut)
}

// QuoteAddLiquidity returns deposit amounts within (amountA, amountB) that
// match the pool ratio and the shares they would mint.
func (m *Manager) QuoteAddLiquidity(poolID string, amountA, amountB decimal.Decimal) (LiquidityQuote, error) {
	e, err := m.registry.pool(poolID)
	if err != nil {
		return LiquidityQuote{}, err
	}
	if err := e.pool.TokenA.ValidateAmount("amountA", amountA); err != nil {
		return LiquidityQuote{}, err
	}
	if err := e.pool.TokenB.ValidateAmount("amountB", amountB); err != nil {
		return LiquidityQuote{}, err
	}
	return e.pool.quoteAddLiquidity(amountA, amountB)
}

// GetPoolInfo returns a pool's reserves and analytics
func (m *Manager) GetPoolInfo(id string) (PoolInfo, error) {
	e, err := m.registry.pool(id)
	if err != nil {
		return PoolInfo{}, err
	}
	return e.pool.info(m.now()), nil
}

// ListPools returns every pool sorted by id
func (m *Manager) ListPools() []PoolInfo {
	now := m.now()
	entries := m.registry.poolList()
	out := make([]PoolInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.pool.info(now))
	}
	return out
}

// GetPositions returns the user's positions across all pools
func (m *Manager) GetPositions(user string) []Position {
	var out []Position
	for _, e := range m.registry.poolList() {
		if pos, ok := e.pool.position(user); ok {
			out = append(out, pos)
		}
	}
	return out
}

// RoutingWeight returns the current AMM weight of a hybrid pool
func (m *Manager) RoutingWeight(poolID string) (decimal.Decimal, error) {
	e, err := m.registry.pool(poolID)
	if err != nil {
		return zero, err
	}
	if e.router == nil {
		return zero, newError(KindValidation, "pool %s is not hybrid", poolID)
	}
	return e.router.AMMWeight(), nil
}

// GetOverview summarizes the engine
func (m *Manager) GetOverview() Overview {
	ov := Overview{
		Tokens:      len(m.registry.tokens.List()),
		Quarantined: []string{},
		Timestamp:   m.now(),
	}
	for _, ob := range m.registry.bookList() {
		ov.Markets++
		if ob.guard.tripped() {
			ov.Quarantined = append(ov.Quarantined, ob.Symbol)
		}
	}
	for _, e := range m.registry.poolList() {
		ov.Pools++
		ov.TotalPositions += len(e.pool.positionOwners())
		if e.pool.guard.tripped() {
			ov.Quarantined = append(ov.Quarantined, e.pool.ID)
			continue
		}
		ov.ActivePools++
	}
	sort.Strings(ov.Quarantined)
	return ov
}

// Rebalance recomputes routing weights for every hybrid pool
func (m *Manager) Rebalance(ctx context.Context) {
	now := m.now()
	for _, e := range m.registry.poolList() {
		if e.router == nil || ctx.Err() != nil {
			continue
		}
		weight, changed := e.router.rebalance(e.book, e.pool, now)
		if changed {
			m.logger.Info("routing weight changed", "pool", e.pool.ID, "ammWeight", weight)
		}
	}
}

// Unquarantine re-enables mutations on a book or pool after an operator
// has inspected it.
func (m *Manager) Unquarantine(resource string) error {
	found := false
	if ob, err := m.registry.book(resource); err == nil {
		found = true
		if ob.guard.lift() {
			m.logger.Warn("market released from quarantine", "symbol", resource)
		}
	}
	if e, err := m.registry.pool(resource); err == nil {
		found = true
		if e.pool.guard.lift() {
			m.logger.Warn("pool released from quarantine", "pool", resource)
		}
	}
	if !found {
		return newError(KindNotFound, "resource %s", resource)
	}
	return nil
}

// Run drives periodic rebalancing and retries queued settlement credits
// until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	rebalance := time.NewTicker(m.opts.RebalanceInterval)
	defer rebalance.Stop()
	settle := time.NewTicker(m.opts.SettleInterval)
	defer settle.Stop()

	m.logger.Info("liquidity manager running", "rebalanceInterval", m.opts.RebalanceInterval)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("liquidity manager stopped", "pendingCredits", len(m.PendingCredits()))
			return nil
		case <-rebalance.C:
			m.Rebalance(ctx)
		case <-settle.C:
			m.RetryPending(ctx)
		}
	}
}

// ledger access

func (m *Manager) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	err := fn(ctx)
	if err == nil || errors.Is(err, ErrInsufficientBalance) {
		return err
	}
	if ctx.Err() == nil {
		m.logger.Warn("ledger call failed, retrying", "op", op, "error", err)
		err = fn(ctx)
		if err == nil || errors.Is(err, ErrInsufficientBalance) {
			return err
		}
	}
	return wrapError(KindLedgerUnavailable, err, "ledger %s", op)
}

func (m *Manager) debit(ctx context.Context, account, token string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return nil
	}
	var ok bool
	err := m.withRetry(ctx, "check_available", func(ctx context.Context) error {
		var err error
		ok, err = m.ledger.CheckAvailable(ctx, account, token, amount)
		return err
	})
	if err != nil {
		return err
	}
	if !ok {
		return newError(KindInsufficientBalance, "%s has less than %s %s available", account, amount, token)
	}
	return m.withRetry(ctx, "debit", func(ctx context.Context) error {
		return m.ledger.Debit(ctx, account, token, amount)
	})
}

func (m *Manager) refund(ctx context.Context, account, token string, amount decimal.Decimal, reason string) {
	m.settle(ctx, []Transfer{{Account: account, Token: token, Amount: amount, Reason: reason}})
}

// settle credits transfers after a mutation. Credits that fail after the
// retry are queued for Run.
func (m *Manager) settle(ctx context.Context, credits []Transfer) {
	ctx = context.WithoutCancel(ctx)
	for _, c := range credits {
		if !c.Amount.IsPositive() {
			continue
		}
		if c.Account == "" {
			c.Account = m.opts.FeeAccount
		}
		if err := m.credit(ctx, c); err != nil {
			m.logger.Error("credit failed, queued for retry", "account", c.Account, "token", c.Token, "amount", c.Amount, "reason", c.Reason, "error", err)
			m.pendingMu.Lock()
			m.pending = append(m.pending, c)
			m.pendingMu.Unlock()
		}
	}
}

func (m *Manager) credit(ctx context.Context, c Transfer) error {
	return m.withRetry(ctx, "credit", func(ctx context.Context) error {
		return m.ledger.Credit(ctx, c.Account, c.Token, c.Amount)
	})
}

// PendingCredits returns credits awaiting retry
func (m *Manager) PendingCredits() []Transfer {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	return append([]Transfer(nil), m.pending...)
}

// RetryPending attempts every queued credit once and returns how many
// remain queued.
func (m *Manager) RetryPending(ctx context.Context) int {
	m.pendingMu.Lock()
	queued := m.pending
	m.pending = nil
	m.pendingMu.Unlock()

	var failed []Transfer
	for _, c := range queued {
		if err := m.ledger.Credit(ctx, c.Account, c.Token, c.Amount); err != nil {
			failed = append(failed, c)
			continue
		}
		m.logger.Info("queued credit settled", "account", c.Account, "token", c.Token, "amount", c.Amount)
	}

	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	m.pending = append(failed, m.pending...)
	return len(m.pending)
}

// events

func (m *Manager) bookEvents(now time.Time, trades []Trade, updates []OrderUpdate) []Event {
	events := make([]Event, 0, len(trades)+len(updates))
	for i := range trades {
		ev := newEvent(EventTrade, m.eventSeq.Add(1), now)
		ev.Trade = &trades[i]
		events = append(events, ev)
	}
	for i := range updates {
		ev := newEvent(EventOrderUpdated, m.eventSeq.Add(1), now)
		ev.Order = &updates[i]
		events = append(events, ev)
	}
	return events
}

func (m *Manager) poolEvent(now time.Time, info PoolInfo) Event {
	ev := newEvent(EventPoolUpdated, m.eventSeq.Add(1), now)
	ev.Pool = &info
	return ev
}

func (m *Manager) publish(ctx context.Context, events []Event) {
	for _, ev := range events {
		if err := m.publisher.Publish(ctx, ev); err != nil {
			m.logger.Warn("event publish failed", "type", ev.Type, "id", ev.ID, "resource", ev.Resource(), "error", err)
		}
	}
}
