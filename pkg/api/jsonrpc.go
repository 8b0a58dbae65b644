package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/luxfi/liquidity/pkg/lx"
	"github.com/luxfi/log"
	"github.com/shopspring/decimal"
)

// TradeHistory serves recent trades for a market or pool
type TradeHistory interface {
	Trades(resource string, limit int) ([]lx.Trade, error)
}

// JSONRPCServer handles JSON-RPC 2.0 requests
type JSONRPCServer struct {
	manager *lx.Manager
	history TradeHistory
	logger  log.Logger
	version string
}

// NewJSONRPCServer creates a new JSON-RPC server. history may be nil.
func NewJSONRPCServer(manager *lx.Manager, history TradeHistory, logger log.Logger) *JSONRPCServer {
	return &JSONRPCServer{
		manager: manager,
		history: history,
		logger:  logger,
		version: "1.0.0",
	}
}

// JSONRPCRequest represents a JSON-RPC 2.0 request
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// RPCError represents a JSON-RPC error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements error interface
func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC Error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Application error codes, one per engine error kind
const (
	ValidationError          = -32000
	InsufficientBalanceError = -32001
	NotFoundError            = -32002
	NotOwnerError            = -32003
	SlippageError            = -32004
	PoolExistsError          = -32005
	AlreadyFilledError       = -32006
	InvariantError           = -32007
	LedgerUnavailableError   = -32008
	RiskUnavailableError     = -32009
	RiskRejectedError        = -32010
)

var kindCodes = map[lx.ErrorKind]int{
	lx.KindValidation:          ValidationError,
	lx.KindInsufficientBalance: InsufficientBalanceError,
	lx.KindNotFound:            NotFoundError,
	lx.KindNotOwner:            NotOwnerError,
	lx.KindSlippageExceeded:    SlippageError,
	lx.KindPoolAlreadyExists:   PoolExistsError,
	lx.KindAlreadyFilled:       AlreadyFilledError,
	lx.KindInvariantViolation:  InvariantError,
	lx.KindLedgerUnavailable:   LedgerUnavailableError,
	lx.KindRiskUnavailable:     RiskUnavailableError,
	lx.KindRiskRejected:        RiskRejectedError,
}

// toRPCError maps engine errors to application codes
func toRPCError(err error) *RPCError {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	kind := lx.KindOf(err)
	if code, ok := kindCodes[kind]; ok {
		return &RPCError{Code: code, Message: err.Error(), Data: map[string]string{"kind": string(kind)}}
	}
	return &RPCError{Code: InternalError, Message: err.Error()}
}

// ServeHTTP implements http.Handler
func (s *JSONRPCServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, nil, &RPCError{Code: ParseError, Message: "Parse error"})
		return
	}

	if req.JSONRPC != "2.0" {
		s.sendError(w, req.ID, &RPCError{Code: InvalidRequest, Message: "Invalid Request"})
		return
	}

	// Route to method handler
	result, err := s.handleMethod(r.Context(), req.Method, req.Params)
	if err != nil {
		rpcErr := toRPCError(err)
		if rpcErr.Code == InternalError || rpcErr.Code == InvariantError {
			s.logger.Error("rpc call failed", "method", req.Method, "error", err)
		}
		s.sendError(w, req.ID, rpcErr)
		return
	}

	// Send success response
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Result:  result,
		ID:      req.ID,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to write rpc response", "method", req.Method, "error", err)
	}
}

func (s *JSONRPCServer) handleMethod(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	switch method {
	// Order methods
	case "lx_placeOrder":
		return s.placeOrder(ctx, params)
	case "lx_cancelOrder":
		return s.cancelOrder(ctx, params)
	case "lx_getOrder":
		return s.getOrder(params)

	// Market data methods
	case "lx_getOrderBook":
		return s.getOrderBook(params)
	case "lx_getMarketStats":
		return s.getMarketStats(params)
	case "lx_listMarkets":
		return s.manager.ListMarkets(), nil
	case "lx_getTrades":
		return s.getTrades(params)

	// Pool methods
	case "lx_createPool":
		return s.createPool(ctx, params)
	case "lx_addLiquidity":
		return s.addLiquidity(ctx, params)
	case "lx_removeLiquidity":
		return s.removeLiquidity(ctx, params)
	case "lx_swap":
		return s.swap(ctx, params)
	case "lx_quoteSwap":
		return s.quoteSwap(params)
	case "lx_quoteSwapExactOut":
		return s.quoteSwapExactOut(params)
	case "lx_quoteAddLiquidity":
		return s.quoteAddLiquidity(params)
	case "lx_getPoolInfo":
		return s.getPoolInfo(params)
	case "lx_listPools":
		return s.manager.ListPools(), nil
	case "lx_getPositions":
		return s.getPositions(params)
	case "lx_getFeeTier":
		return s.getFeeTier(params)

	// Admin methods
	case "lx_createToken":
		return s.createToken(params)
	case "lx_listTokens":
		return s.manager.Tokens(), nil
	case "lx_createMarket":
		return s.createMarket(params)
	case "lx_rebalance":
		s.manager.Rebalance(ctx)
		return map[string]string{"status": "ok"}, nil
	case "lx_unquarantine":
		return s.unquarantine(params)

	// Info methods
	case "lx_getOverview":
		return s.manager.GetOverview(), nil
	case "lx_getInfo":
		return s.getInfo()
	case "lx_ping":
		return "pong", nil

	default:
		return nil, &RPCError{Code: MethodNotFound, Message: "Method not found"}
	}
}

func decodeParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	if err := json.Unmarshal(params, v); err != nil {
		return &RPCError{Code: InvalidParams, Message: "Invalid params", Data: err.Error()}
	}
	return nil
}

// Order placement
func (s *JSONRPCServer) placeOrder(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req lx.OrderRequest
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	return s.manager.SubmitOrder(ctx, req)
}

type orderParams struct {
	OrderID uint64 `json:"orderId"`
	Owner   string `json:"owner"`
}

// Order cancellation
func (s *JSONRPCServer) cancelOrder(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p orderParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return s.manager.CancelOrder(ctx, p.Owner, p.OrderID)
}

// Get order by ID
func (s *JSONRPCServer) getOrder(params json.RawMessage) (interface{}, error) {
	var p orderParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return s.manager.GetOrder(p.OrderID)
}

type symbolParams struct {
	Symbol string `json:"symbol"`
	Depth  int    `json:"depth"`
	Limit  int    `json:"limit"`
}

// Get order book snapshot
func (s *JSONRPCServer) getOrderBook(params json.RawMessage) (interface{}, error) {
	// Default depth
	p := symbolParams{Depth: 10}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return s.manager.GetOrderBook(p.Symbol, p.Depth)
}

func (s *JSONRPCServer) getMarketStats(params json.RawMessage) (interface{}, error) {
	var p symbolParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return s.manager.MarketStats(p.Symbol)
}

// Get recent trades
func (s *JSONRPCServer) getTrades(params json.RawMessage) (interface{}, error) {
	p := symbolParams{Limit: 100}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if s.history == nil {
		return nil, &RPCError{Code: InternalError, Message: "trade history is not enabled"}
	}
	return s.history.Trades(p.Symbol, p.Limit)
}

func (s *JSONRPCServer) createPool(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req lx.PoolRequest
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	return s.manager.CreatePool(ctx, req)
}

func (s *JSONRPCServer) addLiquidity(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req lx.LiquidityRequest
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	return s.manager.AddLiquidity(ctx, req)
}

func (s *JSONRPCServer) removeLiquidity(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		User     string          `json:"user"`
		PoolID   string          `json:"poolId"`
		Fraction decimal.Decimal `json:"fraction"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return s.manager.RemoveLiquidity(ctx, p.User, p.PoolID, p.Fraction)
}

func (s *JSONRPCServer) swap(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req lx.SwapRequest
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	return s.manager.Swap(ctx, req)
}

type quoteParams struct {
	PoolID    string          `json:"poolId"`
	TokenIn   string          `json:"tokenIn"`
	TokenOut  string          `json:"tokenOut"`
	AmountIn  decimal.Decimal `json:"amountIn"`
	AmountOut decimal.Decimal `json:"amountOut"`
	AmountA   decimal.Decimal `json:"amountA"`
	AmountB   decimal.Decimal `json:"amountB"`
}

func (s *JSONRPCServer) quoteSwap(params json.RawMessage) (interface{}, error) {
	var p quoteParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return s.manager.QuoteSwap(p.PoolID, p.TokenIn, p.AmountIn)
}

func (s *JSONRPCServer) quoteSwapExactOut(params json.RawMessage) (interface{}, error) {
	var p quoteParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return s.manager.QuoteSwapExactOut(p.PoolID, p.TokenOut, p.AmountOut)
}

func (s *JSONRPCServer) quoteAddLiquidity(params json.RawMessage) (interface{}, error) {
	var p quoteParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return s.manager.QuoteAddLiquidity(p.PoolID, p.AmountA, p.AmountB)
}

func (s *JSONRPCServer) getPoolInfo(params json.RawMessage) (interface{}, error) {
	var p quoteParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return s.manager.GetPoolInfo(p.PoolID)
}

func (s *JSONRPCServer) getPositions(params json.RawMessage) (interface{}, error) {
	var p struct {
		User string `json:"user"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	positions := s.manager.GetPositions(p.User)
	if positions == nil {
		positions = []lx.Position{}
	}
	return positions, nil
}

func (s *JSONRPCServer) getFeeTier(params json.RawMessage) (interface{}, error) {
	var p struct {
		User string `json:"user"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.User == "" {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params", Data: "user is required"}
	}
	return s.manager.GetFeeTier(p.User), nil
}

func (s *JSONRPCServer) createToken(params json.RawMessage) (interface{}, error) {
	var t lx.Token
	if err := decodeParams(params, &t); err != nil {
		return nil, err
	}
	if err := s.manager.CreateToken(t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *JSONRPCServer) createMarket(params json.RawMessage) (interface{}, error) {
	var p struct {
		Base   string           `json:"base"`
		Quote  string           `json:"quote"`
		Config *lx.MarketConfig `json:"config"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	symbol, err := s.manager.CreateMarket(p.Base, p.Quote, p.Config)
	if err != nil {
		return nil, err
	}
	return map[string]string{"symbol": symbol}, nil
}

func (s *JSONRPCServer) unquarantine(params json.RawMessage) (interface{}, error) {
	var p struct {
		Resource string `json:"resource"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := s.manager.Unquarantine(p.Resource); err != nil {
		return nil, err
	}
	s.logger.Warn("resource released by operator", "resource", p.Resource)
	return map[string]string{"resource": p.Resource, "status": "active"}, nil
}

// Get node info
func (s *JSONRPCServer) getInfo() (interface{}, error) {
	ov := s.manager.GetOverview()
	return map[string]interface{}{
		"version":   s.version,
		"timestamp": time.Now().Unix(),
		"markets":   ov.Markets,
		"pools":     ov.Pools,
		"pending":   len(s.manager.PendingCredits()),
	}, nil
}

func (s *JSONRPCServer) sendError(w http.ResponseWriter, id interface{}, rpcErr *RPCError) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Error:   rpcErr,
		ID:      id,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to write rpc error", "code", rpcErr.Code, "error", err)
	}
}

// StartJSONRPCServer serves handler on addr until ctx is done
func StartJSONRPCServer(ctx context.Context, addr string, handler http.Handler, logger log.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/rpc", handler)
	mux.Handle("/", handler)

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("JSON-RPC server started", "addr", addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
