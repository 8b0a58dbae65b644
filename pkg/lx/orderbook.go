package lx

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MarketConfig holds per-market fee rates. Fees are charged on the asset each
// party receives: base for the buyer, quote for the seller. A trader's fee
// tier can lower the taker rate further.
type MarketConfig struct {
	MakerFeeRate decimal.Decimal `json:"makerFeeRate"`
	TakerFeeRate decimal.Decimal `json:"takerFeeRate"`
}

// DefaultMarketConfig returns the default fee schedule
func DefaultMarketConfig() MarketConfig {
	return MarketConfig{
		MakerFeeRate: zero,
		TakerFeeRate: decimal.RequireFromString("0.001"),
	}
}

func (c MarketConfig) validate() error {
	for _, r := range []decimal.Decimal{c.MakerFeeRate, c.TakerFeeRate} {
		if r.IsNegative() || r.GreaterThanOrEqual(one) {
			return newError(KindValidation, "fee rate %s outside [0, 1)", r)
		}
	}
	return nil
}

// priceLevel is a FIFO queue of resting orders at one price
type priceLevel struct {
	price    decimal.Decimal
	quantity decimal.Decimal
	count    int
	head     *Order
	tail     *Order
}

func (l *priceLevel) enqueue(o *Order) {
	o.level = l
	o.next = nil
	o.prev = l.tail
	if l.tail == nil {
		l.head = o
	} else {
		l.tail.next = o
	}
	l.tail = o
	l.quantity = l.quantity.Add(o.Remaining())
	l.count++
}

func (l *priceLevel) unlink(o *Order) {
	if o.prev != nil {
		o.prev.next = o.next
	} else {
		l.head = o.next
	}
	if o.next != nil {
		o.next.prev = o.prev
	} else {
		l.tail = o.prev
	}
	l.quantity = l.quantity.Sub(o.Remaining())
	l.count--
	o.level, o.next, o.prev = nil, nil, nil
}

func (l *priceLevel) view() PriceLevel {
	ids := make([]uint64, 0, l.count)
	for o := l.head; o != nil; o = o.next {
		ids = append(ids, o.ID)
	}
	return PriceLevel{Price: l.price, Quantity: l.quantity, OrderIDs: ids}
}

// bookSide keeps price levels sorted best-first
type bookSide struct {
	side   Side
	levels map[string]*priceLevel
	prices []decimal.Decimal
}

func newBookSide(side Side) *bookSide {
	return &bookSide{side: side, levels: make(map[string]*priceLevel)}
}

// better reports whether a is a strictly better price than b on this side
func (s *bookSide) better(a, b decimal.Decimal) bool {
	if s.side == Buy {
		return a.GreaterThan(b)
	}
	return a.LessThan(b)
}

func (s *bookSide) best() *priceLevel {
	if len(s.prices) == 0 {
		return nil
	}
	return s.levels[s.prices[0].String()]
}

func (s *bookSide) upsert(price decimal.Decimal) *priceLevel {
	key := price.String()
	if l, ok := s.levels[key]; ok {
		return l
	}
	l := &priceLevel{price: price, quantity: zero}
	s.levels[key] = l
	i := sort.Search(len(s.prices), func(i int) bool { return !s.better(s.prices[i], price) })
	s.prices = append(s.prices, decimal.Decimal{})
	copy(s.prices[i+1:], s.prices[i:])
	s.prices[i] = price
	return l
}

func (s *bookSide) remove(l *priceLevel) {
	delete(s.levels, l.price.String())
	i := sort.Search(len(s.prices), func(i int) bool { return !s.better(s.prices[i], l.price) })
	if i < len(s.prices) && s.prices[i].Equal(l.price) {
		s.prices = append(s.prices[:i], s.prices[i+1:]...)
	}
}

func (s *bookSide) enqueue(o *Order) {
	s.upsert(o.Price).enqueue(o)
}

func (s *bookSide) unlink(o *Order) {
	l := o.level
	if l == nil {
		return
	}
	l.unlink(o)
	if l.count == 0 {
		s.remove(l)
	}
}

func (s *bookSide) depth(n int) []PriceLevel {
	if n <= 0 || n > len(s.prices) {
		n = len(s.prices)
	}
	out := make([]PriceLevel, 0, n)
	for _, p := range s.prices[:n] {
		out = append(out, s.levels[p.String()].view())
	}
	return out
}

// value returns the quote value resting in the top n levels
func (s *bookSide) value(n int) decimal.Decimal {
	total := zero
	for i, p := range s.prices {
		if i >= n {
			break
		}
		total = total.Add(p.Mul(s.levels[p.String()].quantity))
	}
	return total
}

// OrderBook represents a complete order book for a trading pair. All state is
// guarded by a single mutex; nothing inside the critical section blocks.
type OrderBook struct {
	Symbol string
	Base   Token
	Quote  Token

	config MarketConfig
	bids   *bookSide
	asks   *bookSide
	orders map[uint64]*Order

	sequence  uint64
	lastPrice decimal.Decimal
	stats     *rollingWindow
	feesBase  decimal.Decimal
	feesQuote decimal.Decimal

	nextTradeID func() uint64
	guard       quarantine
	mu          sync.Mutex
}

// NewOrderBook creates an order book for base/quote
func NewOrderBook(base, quote Token, config MarketConfig, nextTradeID func() uint64) *OrderBook {
	return &OrderBook{
		Symbol:      PairID(base.Symbol, quote.Symbol),
		Base:        base,
		Quote:       quote,
		config:      config,
		bids:        newBookSide(Buy),
		asks:        newBookSide(Sell),
		orders:      make(map[uint64]*Order),
		lastPrice:   zero,
		stats:       newRollingWindow(24, time.Hour),
		feesBase:    zero,
		feesQuote:   zero,
		nextTradeID: nextTradeID,
	}
}

func (ob *OrderBook) side(s Side) *bookSide {
	if s == Buy {
		return ob.bids
	}
	return ob.asks
}

// bookResult collects everything a mutation produced so the caller can settle
// and publish after the lock is released.
type bookResult struct {
	taker   Order
	trades  []Trade
	updates []OrderUpdate
	credits []Transfer
}

func (ob *OrderBook) transition(o *Order, to OrderStatus, now time.Time, res *bookResult) error {
	if o.Status == to {
		return nil
	}
	if !canTransition(o.Status, to) {
		return newError(KindInvariantViolation, "order %d: illegal transition %s -> %s", o.ID, o.Status, to)
	}
	o.Status = to
	res.updates = append(res.updates, OrderUpdate{
		OrderID:        o.ID,
		Symbol:         o.Symbol,
		Owner:          o.Owner,
		Side:           o.Side,
		Status:         to,
		FilledQuantity: o.FilledQuantity,
		Remaining:      o.Remaining(),
		Timestamp:      now,
	})
	return nil
}

// escrowToken is the asset locked for an order on side s
func (ob *OrderBook) escrowToken(s Side) string {
	if s == Buy {
		return ob.Quote.Symbol
	}
	return ob.Base.Symbol
}

func (ob *OrderBook) release(o *Order, amount decimal.Decimal, reason string, res *bookResult) {
	if !amount.IsPositive() {
		return
	}
	o.escrow = o.escrow.Sub(amount)
	res.credits = append(res.credits, Transfer{
		Account: o.Owner,
		Token:   ob.escrowToken(o.Side),
		Amount:  amount,
		Reason:  reason,
	})
}

// submit matches o against the book and rests any limit remainder. The
// escrow for o must already be held by the ledger.
func (ob *OrderBook) submit(o *Order, now time.Time) (bookResult, error) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	var res bookResult
	if err := ob.guard.check(ob.Symbol); err != nil {
		return res, err
	}
	if o.minOut != nil {
		if _, _, received := ob.simulate(o); received.LessThan(*o.minOut) {
			return res, newError(KindSlippageExceeded, "%s: proceeds %s below minimum %s", ob.Symbol, received, *o.minOut)
		}
	}

	ob.sequence++
	o.Sequence = ob.sequence
	o.SubmittedAt = now
	o.Symbol = ob.Symbol
	o.FilledQuantity = zero
	o.cost = zero
	o.Status = StatusPending
	ob.orders[o.ID] = o

	if err := ob.transition(o, StatusOpen, now, &res); err != nil {
		return res, ob.fail(err)
	}
	if err := ob.match(o, now, &res); err != nil {
		return res, ob.fail(err)
	}

	rests := o.Kind == Limit && o.capPrice == nil && o.Remaining().IsPositive()
	switch {
	case rests:
		ob.side(o.Side).enqueue(o)
		if o.Side == Buy {
			// fills at better maker prices leave surplus escrow behind
			places := ob.Quote.Decimals
			hold := o.cost.Add(o.Remaining().Mul(o.Price)).RoundCeil(places).Sub(o.cost.RoundCeil(places))
			ob.release(o, o.escrow.Sub(hold), "price_improvement", &res)
		}
	case o.Remaining().IsPositive():
		if err := ob.transition(o, StatusCancelled, now, &res); err != nil {
			return res, ob.fail(err)
		}
		ob.release(o, o.escrow, "unfilled_remainder", &res)
	default:
		ob.release(o, o.escrow, "price_improvement", &res)
	}

	if err := ob.checkUncrossed(); err != nil {
		return res, ob.fail(err)
	}
	res.taker = o.snapshot()
	return res, nil
}

// crosses reports whether a taker on side s limited to limit can trade at price
func crosses(s Side, price, limit decimal.Decimal) bool {
	if s == Buy {
		return price.LessThanOrEqual(limit)
	}
	return price.GreaterThanOrEqual(limit)
}

func (ob *OrderBook) match(t *Order, now time.Time, res *bookResult) error {
	opposite := ob.side(t.Side.Opposite())
	for t.Remaining().IsPositive() {
		lvl := opposite.best()
		if lvl == nil {
			return nil
		}
		if t.Kind == Limit && !crosses(t.Side, lvl.price, t.Price) {
			return nil
		}
		if t.capPrice != nil && !opposite.better(lvl.price, *t.capPrice) {
			return nil
		}
		for m := lvl.head; m != nil && t.Remaining().IsPositive(); {
			qty := minDecimal(t.Remaining(), m.Remaining())
			if t.budget != nil {
				affordable := divFloor(t.budget.Sub(t.cost), lvl.price, ob.Base.Decimals)
				qty = minDecimal(qty, affordable)
				if !qty.IsPositive() {
					return nil
				}
			}
			next := m.next
			if err := ob.fill(t, m, lvl, qty, now, res); err != nil {
				return err
			}
			m = next
		}
		if lvl.count == 0 {
			opposite.remove(lvl)
		}
	}
	return nil
}

// charge adds price*qty to a buyer's running cost and returns what the buyer
// pays for it: the growth of the cost rounded up to places. Over any series
// of fills a buyer pays exactly its total cost rounded up.
func charge(cost *decimal.Decimal, price, qty decimal.Decimal, places int32) decimal.Decimal {
	before := cost.RoundCeil(places)
	*cost = cost.Add(price.Mul(qty))
	return cost.RoundCeil(places).Sub(before)
}

// fill executes qty between taker t and maker m at the maker's price. The
// seller's proceeds are floored to the quote precision; whatever the buyer
// paid above them goes to the fee account.
func (ob *OrderBook) fill(t, m *Order, lvl *priceLevel, qty decimal.Decimal, now time.Time, res *bookResult) error {
	price := m.Price
	buyer, seller := t, m
	if t.Side == Sell {
		buyer, seller = m, t
	}
	paid := charge(&buyer.cost, price, qty, ob.Quote.Decimals)
	proceeds := price.Mul(qty).RoundFloor(ob.Quote.Decimals)
	fees := ob.fillFees(t, m, qty, proceeds)

	t.FilledQuantity = t.FilledQuantity.Add(qty)
	m.FilledQuantity = m.FilledQuantity.Add(qty)
	lvl.quantity = lvl.quantity.Sub(qty)

	trade := Trade{
		ID:           ob.nextTradeID(),
		Symbol:       ob.Symbol,
		MakerOrderID: m.ID,
		TakerOrderID: t.ID,
		Maker:        m.Owner,
		Taker:        t.Owner,
		TakerSide:    t.Side,
		Price:        price,
		Quantity:     qty,
		Amount:       proceeds,
		MakerFee:     fees.maker,
		TakerFee:     fees.taker,
		MakerRebate:  fees.rebate,
		Timestamp:    now,
	}
	res.trades = append(res.trades, trade)

	buyer.escrow = buyer.escrow.Sub(paid)
	seller.escrow = seller.escrow.Sub(qty)
	ob.settle(t, m, qty, proceeds, fees, res)
	ob.collect(ob.Quote.Symbol, paid.Sub(proceeds), res)

	ob.lastPrice = price
	ob.stats.add(now, proceeds, zero)

	if m.Remaining().IsZero() {
		lvl.unlink(m)
		if err := ob.transition(m, StatusFilled, now, res); err != nil {
			return err
		}
	} else if err := ob.transition(m, StatusPartiallyFilled, now, res); err != nil {
		return err
	}

	if t.Remaining().IsZero() {
		return ob.transition(t, StatusFilled, now, res)
	}
	return ob.transition(t, StatusPartiallyFilled, now, res)
}

// takerRate is the taker fee rate for a trader in tier. A tier never raises
// the market's own rate.
func (ob *OrderBook) takerRate(tier *FeeTier) decimal.Decimal {
	if tier == nil {
		return ob.config.TakerFeeRate
	}
	return minDecimal(ob.config.TakerFeeRate, tier.TakerFeeRate)
}

type fillFees struct {
	taker  decimal.Decimal
	maker  decimal.Decimal
	rebate decimal.Decimal
}

// fillFees prices a fill's fees, each floored to the precision of the asset
// the paying party receives: base for the buyer, quote for the seller. The
// maker's rebate is paid out of the taker fee.
func (ob *OrderBook) fillFees(t, m *Order, qty, proceeds decimal.Decimal) fillFees {
	takerGross, takerPlaces := qty, ob.Base.Decimals
	makerGross, makerPlaces := proceeds, ob.Quote.Decimals
	if t.Side == Sell {
		takerGross, takerPlaces, makerGross, makerPlaces = makerGross, makerPlaces, takerGross, takerPlaces
	}
	f := fillFees{
		taker:  takerGross.Mul(ob.takerRate(t.tier)).RoundFloor(takerPlaces),
		maker:  makerGross.Mul(ob.config.MakerFeeRate).RoundFloor(makerPlaces),
		rebate: zero,
	}
	if m.tier != nil && m.tier.MakerRebateRate.IsPositive() {
		f.rebate = minDecimal(f.taker, takerGross.Mul(m.tier.MakerRebateRate).RoundFloor(takerPlaces))
	}
	return f
}

func (ob *OrderBook) settle(t, m *Order, qty, proceeds decimal.Decimal, f fillFees, res *bookResult) {
	takerToken, takerGross := ob.Base.Symbol, qty
	makerToken, makerGross := ob.Quote.Symbol, proceeds
	if t.Side == Sell {
		takerToken, takerGross, makerToken, makerGross = makerToken, makerGross, takerToken, takerGross
	}
	res.credits = append(res.credits,
		Transfer{Account: t.Owner, Token: takerToken, Amount: takerGross.Sub(f.taker), Reason: "fill"},
		Transfer{Account: m.Owner, Token: makerToken, Amount: makerGross.Sub(f.maker), Reason: "fill"},
	)
	if f.rebate.IsPositive() {
		res.credits = append(res.credits, Transfer{Account: m.Owner, Token: takerToken, Amount: f.rebate, Reason: "rebate"})
	}
	ob.collect(takerToken, f.taker.Sub(f.rebate), res)
	ob.collect(makerToken, f.maker, res)
}

// collect credits amount of token to the fee account
func (ob *OrderBook) collect(token string, amount decimal.Decimal, res *bookResult) {
	if !amount.IsPositive() {
		return
	}
	if token == ob.Base.Symbol {
		ob.feesBase = ob.feesBase.Add(amount)
	} else {
		ob.feesQuote = ob.feesQuote.Add(amount)
	}
	res.credits = append(res.credits, Transfer{Token: token, Amount: amount, Reason: "fee"})
}

func (ob *OrderBook) checkUncrossed() error {
	bid, ask := ob.bids.best(), ob.asks.best()
	if bid != nil && ask != nil && !bid.price.LessThan(ask.price) {
		return newError(KindInvariantViolation, "book %s crossed at rest: bid %s >= ask %s", ob.Symbol, bid.price, ask.price)
	}
	return nil
}

func (ob *OrderBook) fail(err error) error {
	if KindOf(err) == KindInvariantViolation {
		ob.guard.trip(err)
	}
	return err
}

// cancel removes a resting order owned by owner
func (ob *OrderBook) cancel(id uint64, owner string, now time.Time) (bookResult, error) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	var res bookResult
	if err := ob.guard.check(ob.Symbol); err != nil {
		return res, err
	}
	o, ok := ob.orders[id]
	if !ok {
		return res, newError(KindNotFound, "order %d", id)
	}
	if o.Owner != owner {
		return res, newError(KindNotOwner, "order %d is not owned by %s", id, owner)
	}
	if o.Status.Terminal() {
		return res, newError(KindAlreadyFilled, "order %d is %s", id, o.Status)
	}

	ob.side(o.Side).unlink(o)
	if err := ob.transition(o, StatusCancelled, now, &res); err != nil {
		return res, ob.fail(err)
	}
	ob.release(o, o.escrow, "cancel", &res)
	res.taker = o.snapshot()
	return res, nil
}

func (ob *OrderBook) get(id uint64) (Order, bool) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	o, ok := ob.orders[id]
	if !ok {
		return Order{}, false
	}
	return o.snapshot(), true
}

// snapshot returns the top depth levels of each side
func (ob *OrderBook) snapshot(depth int, now time.Time) OrderBookSnapshot {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return OrderBookSnapshot{
		Symbol:    ob.Symbol,
		Bids:      ob.bids.depth(depth),
		Asks:      ob.asks.depth(depth),
		Sequence:  ob.sequence,
		Timestamp: now,
	}
}

// simulate walks the book as match would for t without mutating it. It
// returns the filled quantity, what the taker gives up (quote for a buyer,
// base for a seller) and the taker's proceeds net of fees.
func (ob *OrderBook) simulate(t *Order) (decimal.Decimal, decimal.Decimal, decimal.Decimal) {
	opposite := ob.side(t.Side.Opposite())
	filled, spent, received := zero, zero, zero
	cost := t.cost
	for _, p := range opposite.prices {
		if t.Kind == Limit && !crosses(t.Side, p, t.Price) {
			break
		}
		if t.capPrice != nil && !opposite.better(p, *t.capPrice) {
			break
		}
		for m := opposite.levels[p.String()].head; m != nil; m = m.next {
			remaining := t.Remaining().Sub(filled)
			if !remaining.IsPositive() {
				return filled, spent, received
			}
			qty := minDecimal(remaining, m.Remaining())
			if t.budget != nil {
				qty = minDecimal(qty, divFloor(t.budget.Sub(cost), p, ob.Base.Decimals))
				if !qty.IsPositive() {
					return filled, spent, received
				}
			}
			proceeds := p.Mul(qty).RoundFloor(ob.Quote.Decimals)
			fees := ob.fillFees(t, m, qty, proceeds)
			if t.Side == Buy {
				spent = spent.Add(charge(&cost, p, qty, ob.Quote.Decimals))
				received = received.Add(qty.Sub(fees.taker))
			} else {
				spent = spent.Add(qty)
				received = received.Add(proceeds.Sub(fees.taker))
			}
			filled = filled.Add(qty)
		}
	}
	return filled, spent, received
}

// preview runs simulate under the book lock
func (ob *OrderBook) preview(t *Order) (decimal.Decimal, decimal.Decimal, decimal.Decimal) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.simulate(t)
}

// restingQuantity returns the total quantity resting on side s
func (ob *OrderBook) restingQuantity(s Side) decimal.Decimal {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	total := zero
	for _, l := range ob.side(s).levels {
		total = total.Add(l.quantity)
	}
	return total
}

// previewBuyCost walks the asks and returns the quote cost of buying up to
// qty and the quantity that cost buys.
func (ob *OrderBook) previewBuyCost(qty decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	cost, filled := zero, zero
	for _, p := range ob.asks.prices {
		if !filled.LessThan(qty) {
			break
		}
		take := minDecimal(qty.Sub(filled), ob.asks.levels[p.String()].quantity)
		cost = cost.Add(p.Mul(take))
		filled = filled.Add(take)
	}
	return cost, filled
}

// executable returns the levels a taker on takerSide would hit at prices
// strictly better than limit.
func (ob *OrderBook) executable(takerSide Side, limit decimal.Decimal) ([]PriceLevel, error) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	if err := ob.guard.check(ob.Symbol); err != nil {
		return nil, err
	}
	opposite := ob.side(takerSide.Opposite())
	var out []PriceLevel
	for _, p := range opposite.prices {
		if !opposite.better(p, limit) {
			break
		}
		out = append(out, PriceLevel{Price: p, Quantity: opposite.levels[p.String()].quantity})
	}
	return out, nil
}

// depthValue returns the quote value resting in the top n levels of each side
func (ob *OrderBook) depthValue(n int) (decimal.Decimal, decimal.Decimal) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.bids.value(n), ob.asks.value(n)
}

// BookStats is the analytics view of a market
type BookStats struct {
	Symbol      string          `json:"symbol"`
	LastPrice   decimal.Decimal `json:"lastPrice"`
	BestBid     decimal.Decimal `json:"bestBid"`
	BestAsk     decimal.Decimal `json:"bestAsk"`
	Volume24h   decimal.Decimal `json:"volume24h"`
	FeesBase    decimal.Decimal `json:"feesBase"`
	FeesQuote   decimal.Decimal `json:"feesQuote"`
	OpenOrders  int             `json:"openOrders"`
	Quarantined bool            `json:"quarantined"`
}

func (ob *OrderBook) stats24h(now time.Time) BookStats {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	s := BookStats{
		Symbol:      ob.Symbol,
		LastPrice:   ob.lastPrice,
		BestBid:     zero,
		BestAsk:     zero,
		Volume24h:   ob.stats.volume(now),
		FeesBase:    ob.feesBase,
		FeesQuote:   ob.feesQuote,
		Quarantined: ob.guard.tripped(),
	}
	if l := ob.bids.best(); l != nil {
		s.BestBid = l.price
	}
	if l := ob.asks.best(); l != nil {
		s.BestAsk = l.price
	}
	for _, side := range []*bookSide{ob.bids, ob.asks} {
		for _, l := range side.levels {
			s.OpenOrders += l.count
		}
	}
	return s
}

// canTransition encodes the order lifecycle:
// pending -> open -> {partially_filled -> (filled | cancelled) | filled | cancelled}
func canTransition(from, to OrderStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusOpen
	case StatusOpen:
		return to == StatusPartiallyFilled || to == StatusFilled || to == StatusCancelled
	case StatusPartiallyFilled:
		return to == StatusFilled || to == StatusCancelled
	}
	return false
}
