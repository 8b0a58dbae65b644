package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/luxfi/liquidity/pkg/lx"
	"github.com/luxfi/log"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct{}

func (fakeSource) GetOrderBook(symbol string, depth int) (lx.OrderBookSnapshot, error) {
	if symbol != "BTC-USD" {
		return lx.OrderBookSnapshot{}, lx.ErrNotFound
	}
	return lx.OrderBookSnapshot{
		Symbol:    symbol,
		Bids:      []lx.PriceLevel{{Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(2), OrderIDs: []uint64{1}}},
		Sequence:  4,
		Timestamp: time.Now(),
	}, nil
}

func (fakeSource) GetPoolInfo(id string) (lx.PoolInfo, error) {
	return lx.PoolInfo{ID: id, ReserveA: decimal.NewFromInt(10), ReserveB: decimal.NewFromInt(20)}, nil
}

type testConn struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, srv *httptest.Server) *testConn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c := &testConn{t: t, conn: conn}
	assert.Equal(t, "welcome", c.next().Type)
	return c
}

func (c *testConn) next() Message {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := c.conn.ReadMessage()
	require.NoError(c.t, err)
	var msg Message
	require.NoError(c.t, json.Unmarshal(raw, &msg))
	return msg
}

func (c *testConn) send(v interface{}) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(v))
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	level, _ := log.ToLevel("error")
	s := NewServer(fakeSource{}, log.NewTestLogger(level), DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return s, srv
}

func TestSubscribeSendsSnapshot(t *testing.T) {
	_, srv := newTestServer(t)
	c := dial(t, srv)

	c.send(SubscribeRequest{Type: "subscribe", Channels: []string{"orderbook:BTC-USD", "pool:A-B"}})

	msg := c.next()
	assert.Equal(t, "snapshot", msg.Type)
	assert.Equal(t, "orderbook:BTC-USD", msg.Channel)
	assert.Equal(t, uint64(4), msg.Sequence)

	msg = c.next()
	assert.Equal(t, "snapshot", msg.Type)
	assert.Equal(t, "pool:A-B", msg.Channel)

	msg = c.next()
	assert.Equal(t, "subscribed", msg.Type)
}

func TestPublishRoutesByChannel(t *testing.T) {
	s, srv := newTestServer(t)
	c := dial(t, srv)

	c.send(SubscribeRequest{Type: "subscribe", Channels: []string{"trades:A-B", "orders:alice"}})
	require.Equal(t, "subscribed", c.next().Type)

	ctx := context.Background()
	// not subscribed
	require.NoError(t, s.Publish(ctx, lx.Event{Type: lx.EventTrade, Sequence: 1, Timestamp: time.Now(),
		Trade: &lx.Trade{ID: 1, PoolID: "C-D", Price: decimal.NewFromInt(1), Quantity: decimal.NewFromInt(1)}}))
	require.NoError(t, s.Publish(ctx, lx.Event{Type: lx.EventTrade, Sequence: 2, Timestamp: time.Now(),
		Trade: &lx.Trade{ID: 2, PoolID: "A-B", Price: decimal.NewFromInt(1), Quantity: decimal.NewFromInt(1)}}))

	msg := c.next()
	assert.Equal(t, "trade", msg.Type)
	assert.Equal(t, "trades:A-B", msg.Channel)
	assert.Equal(t, uint64(2), msg.Sequence)

	require.NoError(t, s.Publish(ctx, lx.Event{Type: lx.EventOrderUpdated, Sequence: 3, Timestamp: time.Now(),
		Order: &lx.OrderUpdate{OrderID: 9, Symbol: "BTC-USD", Owner: "alice", Status: lx.StatusOpen}}))

	msg = c.next()
	assert.Equal(t, "order_updated", msg.Type)
	assert.Equal(t, "orders:alice", msg.Channel)
	data, ok := msg.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "open", data["status"])
}

func TestClientErrors(t *testing.T) {
	_, srv := newTestServer(t)
	c := dial(t, srv)

	c.send(map[string]string{"type": "dance"})
	msg := c.next()
	assert.Equal(t, "error", msg.Type)

	c.send(SubscribeRequest{Type: "subscribe", Channels: []string{"weather:today"}})
	msg = c.next()
	assert.Equal(t, "error", msg.Type)
	msg = c.next()
	assert.Equal(t, "subscribed", msg.Type)
	assert.Equal(t, map[string]interface{}{"channels": []interface{}{}}, msg.Data)

	c.send(map[string]string{"type": "ping"})
	assert.Equal(t, "pong", c.next().Type)
}

func TestPublishBacklog(t *testing.T) {
	level, _ := log.ToLevel("error")
	cfg := DefaultConfig()
	cfg.QueueSize = 1
	s := NewServer(nil, log.NewTestLogger(level), cfg)

	ev := lx.Event{Type: lx.EventPoolUpdated, Pool: &lx.PoolInfo{ID: "A-B"}, Timestamp: time.Now()}
	require.NoError(t, s.Publish(context.Background(), ev))
	// hub is not running, so the queue stays full
	require.ErrorIs(t, s.Publish(context.Background(), ev), ErrBacklog)
	assert.Equal(t, uint64(1), s.GetStats()["dropped"])
}
