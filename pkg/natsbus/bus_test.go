package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/luxfi/liquidity/pkg/lx"
	"github.com/luxfi/log"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	subject string
	data    []byte
}

type fakeConn struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (c *fakeConn) Publish(subj string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, published{subject: subj, data: data})
	return nil
}

type fakeEngine struct {
	orders []lx.OrderRequest
}

func (e *fakeEngine) SubmitOrder(_ context.Context, req lx.OrderRequest) (lx.OrderResult, error) {
	e.orders = append(e.orders, req)
	if req.Owner == "" {
		return lx.OrderResult{}, lx.ErrValidation
	}
	return lx.OrderResult{Order: lx.Order{ID: 7, Owner: req.Owner, Symbol: req.Symbol, Status: lx.StatusOpen}}, nil
}

func (e *fakeEngine) Swap(_ context.Context, req lx.SwapRequest) (lx.SwapResult, error) {
	return lx.SwapResult{}, lx.ErrSlippageExceeded
}

func newTestBus(conn Conn) *Bus {
	level, _ := log.ToLevel("error")
	return New(conn, "", log.NewTestLogger(level))
}

func TestSubjects(t *testing.T) {
	b := newTestBus(&fakeConn{})

	assert.Equal(t, "lqx.trade.BTC-USD", b.Subject(lx.Event{Type: lx.EventTrade, Trade: &lx.Trade{Symbol: "BTC-USD"}}))
	assert.Equal(t, "lqx.trade.A-B", b.Subject(lx.Event{Type: lx.EventTrade, Trade: &lx.Trade{PoolID: "A-B"}}))
	assert.Equal(t, "lqx.pool_updated.W_ETH-USD", b.Subject(lx.Event{Type: lx.EventPoolUpdated, Pool: &lx.PoolInfo{ID: "W.ETH-USD"}}))
	assert.Equal(t, "lqx.order_updated._", b.Subject(lx.Event{Type: lx.EventOrderUpdated}))
}

func TestPublishEncodesEvent(t *testing.T) {
	conn := &fakeConn{}
	b := newTestBus(conn)

	ev := lx.Event{
		Type:     lx.EventTrade,
		ID:       "ev-1",
		Sequence: 3,
		Trade:    &lx.Trade{ID: 1, Symbol: "BTC-USD", Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(2)},
	}
	require.NoError(t, b.Publish(context.Background(), ev))
	require.Len(t, conn.msgs, 1)
	assert.Equal(t, "lqx.trade.BTC-USD", conn.msgs[0].subject)

	var decoded lx.Event
	require.NoError(t, json.Unmarshal(conn.msgs[0].data, &decoded))
	assert.Equal(t, "ev-1", decoded.ID)
	assert.Equal(t, uint64(3), decoded.Sequence)
	require.NotNil(t, decoded.Trade)
	assert.True(t, decoded.Trade.Price.Equal(decimal.NewFromInt(100)))

	conn.err = errors.New("nats: connection closed")
	require.Error(t, b.Publish(context.Background(), ev))
	sent, failed := b.Stats()
	assert.Equal(t, uint64(1), sent)
	assert.Equal(t, uint64(1), failed)
}

func TestRequestHandlers(t *testing.T) {
	engine := &fakeEngine{}
	ctx := context.Background()

	r := handleOrder(ctx, engine, []byte(`{"owner":"alice","symbol":"BTC-USD","side":"buy","kind":"limit","quantity":"1","price":"100"}`))
	require.Empty(t, r.Error)
	var res lx.OrderResult
	require.NoError(t, json.Unmarshal(r.Result, &res))
	assert.Equal(t, uint64(7), res.Order.ID)
	require.Len(t, engine.orders, 1)
	assert.Equal(t, lx.Buy, engine.orders[0].Side)

	r = handleOrder(ctx, engine, []byte(`{"symbol":"BTC-USD"}`))
	assert.Equal(t, lx.KindValidation, r.Kind)

	r = handleOrder(ctx, engine, []byte(`not json`))
	assert.Equal(t, lx.KindValidation, r.Kind)

	r = handleSwap(ctx, engine, []byte(`{"user":"bob","poolId":"A-B","tokenIn":"A","amountIn":"1"}`))
	assert.Equal(t, lx.KindSlippageExceeded, r.Kind)
	assert.Nil(t, r.Result)
}

func TestServeRequestsNeedsConnection(t *testing.T) {
	b := newTestBus(&fakeConn{})
	require.Error(t, b.ServeRequests(context.Background(), &fakeEngine{}, "workers"))
}
