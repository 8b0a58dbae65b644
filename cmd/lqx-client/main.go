package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/luxfi/liquidity/pkg/api"
	"github.com/luxfi/log"
)

// Client calls the lqxd JSON-RPC API
type Client struct {
	baseURL string
	client  *http.Client
	nextID  atomic.Int64
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Call invokes method and decodes the result into out
func (c *Client) Call(method string, params interface{}, out interface{}) error {
	req := map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
		"id":      c.nextID.Add(1),
	}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}

	resp, err := c.client.Post(c.baseURL+"/rpc", "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *api.RPCError   `json:"error"`
	}
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return fmt.Errorf("failed to parse response: %s", string(body))
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(rpcResp.Result, out)
}

func main() {
	var (
		serverURL = flag.String("server", "http://localhost:8080", "lqxd JSON-RPC URL")
		action    = flag.String("action", "overview", "Action: buy, sell, market-buy, market-sell, cancel, book, swap, quote, pools, positions, fee-tier, overview")
		symbol    = flag.String("symbol", "BTC-USD", "Market symbol")
		pool      = flag.String("pool", "BTC-USD", "Pool id")
		tokenIn   = flag.String("token-in", "USD", "Swap input token")
		amount    = flag.String("amount", "1", "Order quantity or swap input")
		price     = flag.String("price", "50000", "Limit price")
		minOut    = flag.String("min-out", "0", "Minimum swap output")
		orderID   = flag.Uint64("order", 0, "Order id to cancel")
		user      = flag.String("user", "client1", "Account")
	)
	flag.Parse()

	level, _ := log.ToLevel("info")
	logger := log.NewTestLogger(level)
	client := NewClient(*serverURL)

	order := func(side, kind string) map[string]string {
		return map[string]string{"owner": *user, "symbol": *symbol, "side": side, "kind": kind, "quantity": *amount, "price": *price}
	}

	var (
		method string
		params interface{}
	)
	switch *action {
	case "buy":
		method, params = "lx_placeOrder", order("buy", "limit")
	case "sell":
		method, params = "lx_placeOrder", order("sell", "limit")
	case "market-buy":
		method, params = "lx_placeOrder", order("buy", "market")
	case "market-sell":
		method, params = "lx_placeOrder", order("sell", "market")
	case "cancel":
		method, params = "lx_cancelOrder", map[string]interface{}{"owner": *user, "orderId": *orderID}
	case "book":
		method, params = "lx_getOrderBook", map[string]interface{}{"symbol": *symbol, "depth": 10}
	case "swap":
		method, params = "lx_swap", map[string]string{"user": *user, "poolId": *pool, "tokenIn": *tokenIn, "amountIn": *amount, "minAmountOut": *minOut}
	case "quote":
		method, params = "lx_quoteSwap", map[string]string{"poolId": *pool, "tokenIn": *tokenIn, "amountIn": *amount}
	case "pools":
		method = "lx_listPools"
	case "positions":
		method, params = "lx_getPositions", map[string]string{"user": *user}
	case "fee-tier":
		method, params = "lx_getFeeTier", map[string]string{"user": *user}
	case "overview":
		method = "lx_getOverview"
	default:
		logger.Error("Unknown action", "action", *action)
		os.Exit(1)
	}

	var result json.RawMessage
	if err := client.Call(method, params, &result); err != nil {
		logger.Error("Request failed", "method", method, "error", err)
		os.Exit(1)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, result, "", "  "); err != nil {
		fmt.Println(string(result))
		return
	}
	fmt.Println(pretty.String())
}
