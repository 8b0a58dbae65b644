package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/luxfi/liquidity/pkg/lx"
	"github.com/luxfi/log"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "lqx.Liquidity"

// Codec carries messages as JSON so clients need no generated stubs. Callers
// select it with grpc.CallContentSubtype(CodecName).
const CodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// Engine is the part of the manager served over gRPC
type Engine interface {
	SubmitOrder(ctx context.Context, req lx.OrderRequest) (lx.OrderResult, error)
	CancelOrder(ctx context.Context, owner string, id uint64) (lx.Order, error)
	GetOrder(id uint64) (lx.Order, error)
	GetOrderBook(symbol string, depth int) (lx.OrderBookSnapshot, error)
	Swap(ctx context.Context, req lx.SwapRequest) (lx.SwapResult, error)
	QuoteSwap(poolID, tokenIn string, amountIn decimal.Decimal) (lx.SwapQuote, error)
	AddLiquidity(ctx context.Context, req lx.LiquidityRequest) (lx.LiquidityResult, error)
	RemoveLiquidity(ctx context.Context, user, poolID string, fraction decimal.Decimal) (lx.LiquidityResult, error)
	GetPoolInfo(id string) (lx.PoolInfo, error)
	GetPositions(user string) []lx.Position
}

// CancelOrderRequest identifies an order to cancel
type CancelOrderRequest struct {
	Owner   string `json:"owner"`
	OrderID uint64 `json:"orderId"`
}

// GetOrderRequest identifies an order
type GetOrderRequest struct {
	OrderID uint64 `json:"orderId"`
}

// GetOrderBookRequest selects a market and depth
type GetOrderBookRequest struct {
	Symbol string `json:"symbol"`
	Depth  int    `json:"depth"`
}

// QuoteSwapRequest prices a swap without executing it
type QuoteSwapRequest struct {
	PoolID   string          `json:"poolId"`
	TokenIn  string          `json:"tokenIn"`
	AmountIn decimal.Decimal `json:"amountIn"`
}

// RemoveLiquidityRequest burns a fraction of a position
type RemoveLiquidityRequest struct {
	User     string          `json:"user"`
	PoolID   string          `json:"poolId"`
	Fraction decimal.Decimal `json:"fraction"`
}

// GetPoolInfoRequest identifies a pool
type GetPoolInfoRequest struct {
	PoolID string `json:"poolId"`
}

// GetPositionsRequest identifies a liquidity provider
type GetPositionsRequest struct {
	User string `json:"user"`
}

// GetPositionsResponse lists a provider's positions
type GetPositionsResponse struct {
	Positions []lx.Position `json:"positions"`
}

// Server implements the lqx.Liquidity service
type Server struct {
	engine Engine
	logger log.Logger
}

// NewServer creates a new gRPC server
func NewServer(engine Engine, logger log.Logger) *Server {
	return &Server{
		engine: engine,
		logger: logger,
	}
}

// Register attaches the service to gs
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&serviceDesc, s)
}

func (s *Server) SubmitOrder(ctx context.Context, req *lx.OrderRequest) (*lx.OrderResult, error) {
	res, err := s.engine.SubmitOrder(ctx, *req)
	if err != nil {
		return nil, toStatus(err)
	}
	return &res, nil
}

func (s *Server) CancelOrder(ctx context.Context, req *CancelOrderRequest) (*lx.Order, error) {
	order, err := s.engine.CancelOrder(ctx, req.Owner, req.OrderID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &order, nil
}

func (s *Server) GetOrder(ctx context.Context, req *GetOrderRequest) (*lx.Order, error) {
	order, err := s.engine.GetOrder(req.OrderID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &order, nil
}

func (s *Server) GetOrderBook(ctx context.Context, req *GetOrderBookRequest) (*lx.OrderBookSnapshot, error) {
	depth := req.Depth
	if depth <= 0 {
		depth = 10
	}
	book, err := s.engine.GetOrderBook(req.Symbol, depth)
	if err != nil {
		return nil, toStatus(err)
	}
	return &book, nil
}

func (s *Server) Swap(ctx context.Context, req *lx.SwapRequest) (*lx.SwapResult, error) {
	res, err := s.engine.Swap(ctx, *req)
	if err != nil {
		return nil, toStatus(err)
	}
	return &res, nil
}

func (s *Server) QuoteSwap(ctx context.Context, req *QuoteSwapRequest) (*lx.SwapQuote, error) {
	quote, err := s.engine.QuoteSwap(req.PoolID, req.TokenIn, req.AmountIn)
	if err != nil {
		return nil, toStatus(err)
	}
	return &quote, nil
}

func (s *Server) AddLiquidity(ctx context.Context, req *lx.LiquidityRequest) (*lx.LiquidityResult, error) {
	res, err := s.engine.AddLiquidity(ctx, *req)
	if err != nil {
		return nil, toStatus(err)
	}
	return &res, nil
}

func (s *Server) RemoveLiquidity(ctx context.Context, req *RemoveLiquidityRequest) (*lx.LiquidityResult, error) {
	res, err := s.engine.RemoveLiquidity(ctx, req.User, req.PoolID, req.Fraction)
	if err != nil {
		return nil, toStatus(err)
	}
	return &res, nil
}

func (s *Server) GetPoolInfo(ctx context.Context, req *GetPoolInfoRequest) (*lx.PoolInfo, error) {
	info, err := s.engine.GetPoolInfo(req.PoolID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &info, nil
}

func (s *Server) GetPositions(ctx context.Context, req *GetPositionsRequest) (*GetPositionsResponse, error) {
	positions := s.engine.GetPositions(req.User)
	if positions == nil {
		positions = []lx.Position{}
	}
	return &GetPositionsResponse{Positions: positions}, nil
}

// toStatus maps engine error kinds onto gRPC codes; the kind is kept in the
// status message prefix
func toStatus(err error) error {
	kind := lx.KindOf(err)
	var code codes.Code
	switch kind {
	case lx.KindValidation:
		code = codes.InvalidArgument
	case lx.KindNotFound:
		code = codes.NotFound
	case lx.KindNotOwner:
		code = codes.PermissionDenied
	case lx.KindPoolAlreadyExists:
		code = codes.AlreadyExists
	case lx.KindInsufficientBalance, lx.KindSlippageExceeded, lx.KindAlreadyFilled, lx.KindRiskRejected:
		code = codes.FailedPrecondition
	case lx.KindLedgerUnavailable, lx.KindRiskUnavailable:
		code = codes.Unavailable
	default:
		if errors.Is(err, context.Canceled) {
			return status.Error(codes.Canceled, err.Error())
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return status.Error(codes.DeadlineExceeded, err.Error())
		}
		code = codes.Internal
	}
	if kind == "" {
		return status.Error(code, err.Error())
	}
	return status.Errorf(code, "%s: %v", kind, err)
}

func unaryHandler[Req any, Resp any](method string, call func(*Server, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
			}
			if interceptor == nil {
				return call(srv.(*Server), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + ServiceName + "/" + method,
			}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(*Server), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*interface{})(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("SubmitOrder", (*Server).SubmitOrder),
		unaryHandler("CancelOrder", (*Server).CancelOrder),
		unaryHandler("GetOrder", (*Server).GetOrder),
		unaryHandler("GetOrderBook", (*Server).GetOrderBook),
		unaryHandler("Swap", (*Server).Swap),
		unaryHandler("QuoteSwap", (*Server).QuoteSwap),
		unaryHandler("AddLiquidity", (*Server).AddLiquidity),
		unaryHandler("RemoveLiquidity", (*Server).RemoveLiquidity),
		unaryHandler("GetPoolInfo", (*Server).GetPoolInfo),
		unaryHandler("GetPositions", (*Server).GetPositions),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "lqx/liquidity",
}

// logRequests logs failed calls at debug level
func logRequests(logger log.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		if err != nil {
			logger.Debug("gRPC call failed", "method", info.FullMethod, "error", err)
		}
		return resp, err
	}
}

// NewGRPCServer returns a grpc.Server with the service registered
func NewGRPCServer(engine Engine, logger log.Logger) *grpc.Server {
	gs := grpc.NewServer(grpc.UnaryInterceptor(logRequests(logger)))
	NewServer(engine, logger).Register(gs)
	return gs
}

// StartGRPCServer starts the gRPC server
func StartGRPCServer(ctx context.Context, addr string, engine Engine, logger log.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %v", err)
	}

	grpcServer := NewGRPCServer(engine, logger)

	go func() {
		<-ctx.Done()
		grpcServer.GracefulStop()
	}()

	logger.Info("gRPC server started", "addr", addr)
	return grpcServer.Serve(lis)
}
