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

func TestLimitOrdersCrossAtSamePrice(t *testing.T) {
	e := newTestEngine(t)
	e.spotMarket(t)
	e.fund("buyer", "USD", "1000")
	e.fund("seller", "BTC", "10")

	buy := e.limit(t, "buyer", Buy, "10", "100")
	assert.Equal(t, StatusOpen, buy.Order.Status)
	assert.Empty(t, buy.Trades)

	sell := e.limit(t, "seller", Sell, "10", "100")
	require.Len(t, sell.Trades, 1)
	trade := sell.Trades[0]
	assertDecimal(t, "10", trade.Quantity)
	assertDecimal(t, "100", trade.Price)
	assert.Equal(t, buy.Order.ID, trade.MakerOrderID)
	assert.Equal(t, sell.Order.ID, trade.TakerOrderID)
	assert.Equal(t, StatusFilled, sell.Order.Status)

	maker, err := e.GetOrder(buy.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, maker.Status)

	// taker pays 0.1% on the quote it receives, maker pays nothing
	assertDecimal(t, "10", e.balance("buyer", "BTC"))
	assertDecimal(t, "0", e.balance("buyer", "USD"))
	assertDecimal(t, "999", e.balance("seller", "USD"))
	assertDecimal(t, "1", e.balance(DefaultFeeAccount, "USD"))

	snap, err := e.GetOrderBook("BTC-USD", 10)
	require.NoError(t, err)
	assert.Empty(t, snap.Bids)
	assert.Empty(t, snap.Asks)
}

func TestFIFOWithinPriceLevel(t *testing.T) {
	e := newTestEngine(t)
	e.spotMarket(t)
	e.fund("first", "USD", "500")
	e.fund("second", "USD", "500")
	e.fund("seller", "BTC", "7")

	first := e.limit(t, "first", Buy, "5", "100")
	second := e.limit(t, "second", Buy, "5", "100")

	snap, err := e.GetOrderBook("BTC-USD", 1)
	require.NoError(t, err)
	require.Len(t, snap.Bids, 1)
	assert.Equal(t, []uint64{first.Order.ID, second.Order.ID}, snap.Bids[0].OrderIDs)
	assertDecimal(t, "10", snap.Bids[0].Quantity)

	sell := e.market(t, "seller", Sell, "7")
	require.Len(t, sell.Trades, 2)
	assert.Equal(t, first.Order.ID, sell.Trades[0].MakerOrderID)
	assertDecimal(t, "5", sell.Trades[0].Quantity)
	assert.Equal(t, second.Order.ID, sell.Trades[1].MakerOrderID)
	assertDecimal(t, "2", sell.Trades[1].Quantity)
	for _, tr := range sell.Trades {
		assertDecimal(t, "100", tr.Price)
	}

	o1, _ := e.GetOrder(first.Order.ID)
	o2, _ := e.GetOrder(second.Order.ID)
	assert.Equal(t, StatusFilled, o1.Status)
	assert.Equal(t, StatusPartiallyFilled, o2.Status)
	assertDecimal(t, "2", o2.FilledQuantity)
	assert.Equal(t, StatusFilled, sell.Order.Status)
}

func TestTradesExecuteAtMakerPrice(t *testing.T) {
	e := newTestEngine(t)
	e.spotMarket(t)
	e.fund("maker", "BTC", "5")
	e.fund("taker", "USD", "1000")

	e.limit(t, "maker", Sell, "5", "90")
	res := e.limit(t, "taker", Buy, "5", "100")

	require.Len(t, res.Trades, 1)
	assertDecimal(t, "90", res.Trades[0].Price)

	// escrowed 500, paid 450, the rest comes back
	assertDecimal(t, "550", e.balance("taker", "USD"))
	assertDecimal(t, "4.995", e.balance("taker", "BTC"))
	assertDecimal(t, "450", e.balance("maker", "USD"))
	assertDecimal(t, "0.005", e.balance(DefaultFeeAccount, "BTC"))
}

func TestRestingBuyReleasesPriceImprovement(t *testing.T) {
	e := newTestEngine(t)
	e.spotMarket(t)
	e.fund("maker", "BTC", "2")
	e.fund("taker", "USD", "1000")

	e.limit(t, "maker", Sell, "2", "95")
	res := e.limit(t, "taker", Buy, "5", "100")
	assert.Equal(t, StatusPartiallyFilled, res.Order.Status)

	// 190 spent, 300 still escrowed for the 3 resting at 100
	assertDecimal(t, "510", e.balance("taker", "USD"))

	_, err := e.CancelOrder(context.Background(), "taker", res.Order.ID)
	require.NoError(t, err)
	assertDecimal(t, "810", e.balance("taker", "USD"))
}

func TestMarketOrderDiscardsRemainder(t *testing.T) {
	e := newTestEngine(t)
	e.spotMarket(t)
	e.fund("bidder", "USD", "300")
	e.fund("seller", "BTC", "5")

	e.limit(t, "bidder", Buy, "3", "100")
	res := e.market(t, "seller", Sell, "5")

	assert.Equal(t, StatusCancelled, res.Order.Status)
	assertDecimal(t, "3", res.Order.FilledQuantity)
	assertDecimal(t, "2", e.balance("seller", "BTC"))
	assertDecimal(t, "299.7", e.balance("seller", "USD"))

	snap, err := e.GetOrderBook("BTC-USD", 0)
	require.NoError(t, err)
	assert.Empty(t, snap.Bids)
	assert.Empty(t, snap.Asks)
}

func TestMarketBuyOnEmptyBookIsCancelled(t *testing.T) {
	e := newTestEngine(t)
	e.spotMarket(t)
	e.fund("buyer", "USD", "100")

	res := e.market(t, "buyer", Buy, "1")
	assert.Equal(t, StatusCancelled, res.Order.Status)
	assert.True(t, res.Order.FilledQuantity.IsZero())
	assertDecimal(t, "100", e.balance("buyer", "USD"))
}

func TestMarketBuyWalksLevels(t *testing.T) {
	e := newTestEngine(t)
	e.spotMarket(t)
	e.fund("m1", "BTC", "1")
	e.fund("m2", "BTC", "2")
	e.fund("buyer", "USD", "1000")

	e.limit(t, "m1", Sell, "1", "100")
	e.limit(t, "m2", Sell, "2", "110")

	res := e.market(t, "buyer", Buy, "2")
	require.Len(t, res.Trades, 2)
	assertDecimal(t, "100", res.Trades[0].Price)
	assertDecimal(t, "110", res.Trades[1].Price)
	assert.Equal(t, StatusFilled, res.Order.Status)
	assertDecimal(t, "790", e.balance("buyer", "USD"))
}

func TestCancelOrderErrors(t *testing.T) {
	e := newTestEngine(t)
	e.spotMarket(t)
	e.fund("alice", "USD", "1000")
	e.fund("bob", "BTC", "1")
	ctx := context.Background()

	_, err := e.CancelOrder(ctx, "alice", 999)
	assert.True(t, errors.Is(err, ErrNotFound))

	res := e.limit(t, "alice", Buy, "1", "100")
	_, err = e.CancelOrder(ctx, "bob", res.Order.ID)
	assert.True(t, errors.Is(err, ErrNotOwner))

	e.limit(t, "bob", Sell, "1", "100")
	before := e.balance("alice", "USD")
	updates := len(e.publisher.ofType(EventOrderUpdated))

	_, err = e.CancelOrder(ctx, "alice", res.Order.ID)
	assert.True(t, errors.Is(err, ErrAlreadyFilled))
	assert.Equal(t, KindAlreadyFilled, KindOf(err))

	o, err := e.GetOrder(res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, o.Status)
	assert.True(t, before.Equal(e.balance("alice", "USD")))
	assert.Len(t, e.publisher.ofType(EventOrderUpdated), updates)
}

func TestCancelledOrderCannotBeCancelledAgain(t *testing.T) {
	e := newTestEngine(t)
	e.spotMarket(t)
	e.fund("alice", "BTC", "1")
	ctx := context.Background()

	res := e.limit(t, "alice", Sell, "1", "100")
	cancelled, err := e.CancelOrder(ctx, "alice", res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assertDecimal(t, "1", e.balance("alice", "BTC"))

	_, err = e.CancelOrder(ctx, "alice", res.Order.ID)
	assert.True(t, errors.Is(err, ErrAlreadyFilled))
}

func TestSubmitOrderValidation(t *testing.T) {
	e := newTestEngine(t)
	e.spotMarket(t)
	e.fund("alice", "USD", "1000")
	ctx := context.Background()

	cases := []struct {
		name string
		req  OrderRequest
		kind ErrorKind
	}{
		{"zero quantity", OrderRequest{Owner: "alice", Symbol: "BTC-USD", Side: Buy, Kind: Limit, Quantity: d("0"), Price: d("1")}, KindValidation},
		{"negative price", OrderRequest{Owner: "alice", Symbol: "BTC-USD", Side: Buy, Kind: Limit, Quantity: d("1"), Price: d("-1")}, KindValidation},
		{"zero limit price", OrderRequest{Owner: "alice", Symbol: "BTC-USD", Side: Buy, Kind: Limit, Quantity: d("1"), Price: d("0")}, KindValidation},
		{"quantity precision", OrderRequest{Owner: "alice", Symbol: "BTC-USD", Side: Buy, Kind: Limit, Quantity: d("0.000000001"), Price: d("1")}, KindValidation},
		{"price precision", OrderRequest{Owner: "alice", Symbol: "BTC-USD", Side: Buy, Kind: Limit, Quantity: d("1"), Price: d("1.0000001")}, KindValidation},
		{"missing owner", OrderRequest{Symbol: "BTC-USD", Side: Buy, Kind: Limit, Quantity: d("1"), Price: d("1")}, KindValidation},
		{"unknown market", OrderRequest{Owner: "alice", Symbol: "ETH-USD", Side: Buy, Kind: Limit, Quantity: d("1"), Price: d("1")}, KindNotFound},
		{"insufficient balance", OrderRequest{Owner: "alice", Symbol: "BTC-USD", Side: Buy, Kind: Limit, Quantity: d("11"), Price: d("100")}, KindInsufficientBalance},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.SubmitOrder(ctx, tc.req)
			require.Error(t, err)
			assert.Equal(t, tc.kind, KindOf(err))
		})
	}
	assertDecimal(t, "1000", e.balance("alice", "USD"))
}

func TestBookNeverCrossedAtRest(t *testing.T) {
	e := newTestEngine(t)
	e.spotMarket(t)
	rng := rand.New(rand.NewSource(42))
	traders := []string{"t1", "t2", "t3", "t4"}
	for _, tr := range traders {
		e.fund(tr, "USD", "10000000")
		e.fund(tr, "BTC", "100000")
	}

	for i := 0; i < 400; i++ {
		side := Buy
		if rng.Intn(2) == 1 {
			side = Sell
		}
		qty := decimal.NewFromInt(int64(1 + rng.Intn(20))).Div(d("2"))
		price := decimal.NewFromInt(int64(95 + rng.Intn(11)))
		owner := traders[rng.Intn(len(traders))]
		res, err := e.SubmitOrder(context.Background(), OrderRequest{
			Owner: owner, Symbol: "BTC-USD", Side: side, Kind: Limit, Quantity: qty, Price: price,
		})
		require.NoError(t, err)
		for _, tr := range res.Trades {
			if side == Buy {
				assert.True(t, tr.Price.LessThanOrEqual(price))
			} else {
				assert.True(t, tr.Price.GreaterThanOrEqual(price))
			}
		}

		snap, err := e.GetOrderBook("BTC-USD", 1)
		require.NoError(t, err)
		if len(snap.Bids) > 0 && len(snap.Asks) > 0 {
			require.True(t, snap.Bids[0].Price.LessThan(snap.Asks[0].Price),
				"crossed: bid %s ask %s", snap.Bids[0].Price, snap.Asks[0].Price)
		}
	}
}

func TestEscrowIsConserved(t *testing.T) {
	e := newTestEngine(t)
	e.spotMarket(t)
	e.fund("a", "USD", "5000")
	e.fund("b", "BTC", "50")
	ctx := context.Background()

	ids := []uint64{
		e.limit(t, "a", Buy, "10", "101").Order.ID,
		e.limit(t, "a", Buy, "10", "99").Order.ID,
	}
	e.limit(t, "b", Sell, "15", "98")
	ids = append(ids, e.limit(t, "b", Sell, "5", "105").Order.ID)

	for _, id := range ids {
		o, err := e.GetOrder(id)
		require.NoError(t, err)
		if !o.Status.Terminal() {
			_, err := e.CancelOrder(ctx, o.Owner, id)
			require.NoError(t, err)
		}
	}

	total := func(token string) decimal.Decimal {
		sum := d("0")
		for _, acct := range e.ledger.Accounts() {
			sum = sum.Add(e.balance(acct, token))
		}
		return sum
	}
	assertDecimal(t, "5000", total("USD"))
	assertDecimal(t, "50", total("BTC"))
}

func TestBalancesKeepTokenPrecision(t *testing.T) {
	e := newTestEngine(t)
	e.spotMarket(t)
	e.fund("maker", "BTC", "1")
	e.fund("buyer", "USD", "1000")
	e.fund("bidder", "USD", "1000")
	e.fund("seller", "BTC", "1")
	ctx := context.Background()

	// one satoshi at a price that leaves eight more digits of notional
	e.limit(t, "maker", Sell, "0.00000001", "123.456789")
	res := e.market(t, "buyer", Buy, "0.00000001")
	require.Len(t, res.Trades, 1)
	assertDecimal(t, "0.000001", res.Trades[0].Amount)
	assertDecimal(t, "999.999998", e.balance("buyer", "USD"))
	assertDecimal(t, "0.00000001", e.balance("buyer", "BTC"))
	assertDecimal(t, "0.000001", e.balance("maker", "USD"))
	assertDecimal(t, "0.000001", e.balance(DefaultFeeAccount, "USD"))

	e.limit(t, "maker", Sell, "0.12345678", "101.333333")
	bid := e.limit(t, "bidder", Buy, "0.5", "101.777777")
	assert.Equal(t, StatusPartiallyFilled, bid.Order.Status)
	e.market(t, "seller", Sell, "0.2")
	e.limit(t, "seller", Sell, "0.03333333", "101.777777")
	_, err := e.CancelOrder(ctx, "bidder", bid.Order.ID)
	require.NoError(t, err)

	places := map[string]int32{"BTC": 8, "USD": 6}
	totals := map[string]decimal.Decimal{"BTC": d("0"), "USD": d("0")}
	for _, acct := range e.ledger.Accounts() {
		for token, bal := range e.ledger.Balances(acct) {
			assert.True(t, fitsDecimals(bal, places[token]), "%s holds %s %s", acct, bal, token)
			assert.False(t, bal.IsNegative(), "%s holds %s %s", acct, bal, token)
			totals[token] = totals[token].Add(bal)
		}
	}
	assertDecimal(t, "2", totals["BTC"])
	assertDecimal(t, "2000", totals["USD"])
}

func TestBuyerPaysRunningCostRoundedUp(t *testing.T) {
	cost := d("0")
	paid := d("0")
	for i := 0; i < 3; i++ {
		paid = paid.Add(charge(&cost, d("0.333333"), d("0.00000007"), 6))
	}
	// 3 * 0.0000000233333 rounds up once, not three times
	assertDecimal(t, "0.000001", paid)
	assertDecimal(t, "0.00000006999993", cost)
}

func TestOrderEventsFollowLifecycle(t *testing.T) {
	e := newTestEngine(t)
	e.spotMarket(t)
	e.fund("buyer", "USD", "1000")
	e.fund("seller", "BTC", "10")

	buy := e.limit(t, "buyer", Buy, "10", "100")
	e.limit(t, "seller", Sell, "4", "100")
	e.limit(t, "seller", Sell, "6", "100")

	var statuses []OrderStatus
	for _, ev := range e.publisher.ofType(EventOrderUpdated) {
		if ev.Order.OrderID == buy.Order.ID {
			statuses = append(statuses, ev.Order.Status)
		}
	}
	assert.Equal(t, []OrderStatus{StatusOpen, StatusPartiallyFilled, StatusFilled}, statuses)
	assert.Len(t, e.publisher.ofType(EventTrade), 2)

	var last uint64
	for _, ev := range e.publisher.events {
		assert.Greater(t, ev.Sequence, last)
		assert.NotEmpty(t, ev.ID)
		last = ev.Sequence
	}
}

func TestStatusTransitions(t *testing.T) {
	assert.True(t, canTransition(StatusPending, StatusOpen))
	assert.True(t, canTransition(StatusOpen, StatusFilled))
	assert.True(t, canTransition(StatusPartiallyFilled, StatusCancelled))
	assert.False(t, canTransition(StatusFilled, StatusCancelled))
	assert.False(t, canTransition(StatusCancelled, StatusOpen))
	assert.False(t, canTransition(StatusPending, StatusFilled))
	assert.False(t, canTransition(StatusPartiallyFilled, StatusOpen))
}
