package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/database/manager"
	"github.com/luxfi/liquidity/pkg/api"
	"github.com/luxfi/liquidity/pkg/config"
	"github.com/luxfi/liquidity/pkg/grpc"
	"github.com/luxfi/liquidity/pkg/journal"
	"github.com/luxfi/liquidity/pkg/lx"
	"github.com/luxfi/liquidity/pkg/metrics"
	"github.com/luxfi/liquidity/pkg/natsbus"
	"github.com/luxfi/liquidity/pkg/websocket"
	"github.com/luxfi/log"
	"golang.org/x/sync/errgroup"
)

// Node wires the engine to its ledger, publishers and servers
type Node struct {
	cfg    *config.Config
	logger log.Logger

	ledger  *lx.MemoryLedger
	engine  *lx.Manager
	journal *journal.Journal
	metrics *metrics.Metrics
	ws      *websocket.Server
	bus     *natsbus.Bus
	rpc     *api.JSONRPCServer

	shutdown sync.Once
}

// NewNode builds the engine and loads the markets, pools and balances
// listed in cfg
func NewNode(ctx context.Context, cfg *config.Config, logger log.Logger) (*Node, error) {
	db, err := openDatabase(cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:     cfg,
		logger:  logger,
		ledger:  lx.NewMemoryLedger(),
		journal: journal.New(db, logger.New("module", "journal")),
		metrics: metrics.New("lqx", logger.New("module", "metrics")),
	}

	// The websocket hub reads snapshots from the engine, so the fan-out is
	// bound once both exist and before any event can be produced.
	var fanout lx.MultiPublisher
	opts := cfg.EngineOptions()
	opts.Logger = logger.New("module", "lx")
	opts.Ledger = n.ledger
	opts.Observer = n.metrics
	opts.Publisher = lx.PublisherFunc(func(ctx context.Context, ev lx.Event) error {
		return fanout.Publish(ctx, ev)
	})

	n.engine, err = lx.NewManager(opts)
	if err != nil {
		n.journal.Close()
		return nil, err
	}

	fanout = lx.MultiPublisher{n.journal, n.metrics}
	if cfg.Server.WSAddr != "" {
		n.ws = websocket.NewServer(n.engine, logger.New("module", "websocket"), websocket.DefaultConfig())
		fanout = append(fanout, n.ws)
	}

	if cfg.NATS.Enabled {
		n.bus, err = natsbus.Connect(cfg.NATS.URL, cfg.NATS.Prefix, logger.New("module", "natsbus"))
		if err != nil {
			n.journal.Close()
			return nil, err
		}
		fanout = append(fanout, n.bus)
	}

	n.rpc = api.NewJSONRPCServer(n.engine, n.journal, logger.New("module", "rpc"))

	if err := n.bootstrap(ctx); err != nil {
		n.Shutdown()
		return nil, err
	}
	return n, nil
}

// openDatabase opens the journal store, falling back to memory when
// BadgerDB cannot be opened
func openDatabase(cfg config.DatabaseConfig, logger log.Logger) (database.Database, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbManager := manager.NewManager(cfg.DataDir, nil)

	if strings.EqualFold(cfg.Backend, "badgerdb") {
		dbConfig := manager.DefaultBadgerDBConfig("badgerdb")
		dbConfig.Namespace = "lqx"
		db, err := dbManager.New(dbConfig)
		if err == nil {
			logger.Info("Journal opened", "backend", "badgerdb", "dataDir", cfg.DataDir)
			return db, nil
		}
		logger.Warn("Failed to open BadgerDB, using in-memory journal", "error", err)
	}

	db, err := dbManager.New(manager.DefaultMemoryConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create database: %w", err)
	}
	logger.Info("Journal opened", "backend", "memory")
	return db, nil
}

// bootstrap registers the configured tokens, markets and pools and funds
// the development ledger
func (n *Node) bootstrap(ctx context.Context) error {
	for _, t := range n.cfg.Tokens {
		if err := n.engine.CreateToken(lx.Token{Symbol: t.Symbol, Decimals: t.Decimals, TotalSupply: t.TotalSupply}); err != nil {
			return fmt.Errorf("token %s: %w", t.Symbol, err)
		}
	}
	for _, b := range n.cfg.Balances {
		n.ledger.Deposit(b.Account, b.Token, b.Amount)
	}
	for _, m := range n.cfg.Markets {
		if _, err := n.engine.CreateMarket(m.Base, m.Quote, m.MarketOverride(n.cfg.Engine)); err != nil {
			return fmt.Errorf("market %s-%s: %w", m.Base, m.Quote, err)
		}
	}
	for _, p := range n.cfg.Pools {
		var typ lx.PoolType
		if err := typ.UnmarshalText([]byte(strings.ToUpper(p.Type))); err != nil {
			return err
		}
		info, err := n.engine.CreatePool(ctx, lx.PoolRequest{TokenA: p.TokenA, TokenB: p.TokenB, FeeRate: p.FeeRate, Type: typ})
		if err != nil {
			return fmt.Errorf("pool %s-%s: %w", p.TokenA, p.TokenB, err)
		}
		if p.Provider == "" {
			continue
		}
		if _, err := n.engine.AddLiquidity(ctx, lx.LiquidityRequest{
			User:    p.Provider,
			PoolID:  info.ID,
			AmountA: p.AmountA,
			AmountB: p.AmountB,
		}); err != nil {
			return fmt.Errorf("seed pool %s: %w", info.ID, err)
		}
	}

	ov := n.engine.GetOverview()
	n.logger.Info("Engine ready", "tokens", ov.Tokens, "markets", ov.Markets, "pools", ov.Pools)
	return nil
}

// Run serves until ctx is done or a server fails
func (n *Node) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return n.engine.Run(ctx)
	})

	if addr := n.cfg.Server.RPCAddr; addr != "" {
		g.Go(func() error {
			return api.StartJSONRPCServer(ctx, addr, n.rpc, n.logger)
		})
	}

	if addr := n.cfg.Server.GRPCAddr; addr != "" {
		g.Go(func() error {
			return grpc.StartGRPCServer(ctx, addr, n.engine, n.logger.New("module", "grpc"))
		})
	}

	if addr := n.cfg.Server.WSAddr; n.ws != nil {
		g.Go(func() error {
			return n.ws.ListenAndServe(ctx, addr)
		})
	}

	if addr := n.cfg.Server.MetricsAddr; addr != "" {
		g.Go(func() error {
			return n.metrics.ListenAndServe(ctx, addr)
		})
		g.Go(func() error {
			n.metrics.Collect(ctx, n.engine, 10*time.Second)
			return nil
		})
	}

	if n.bus != nil && n.cfg.NATS.ServeRequests {
		g.Go(func() error {
			return n.bus.ServeRequests(ctx, n.engine, n.cfg.NATS.Queue)
		})
	}

	return g.Wait()
}

// Shutdown retries queued settlement once more and closes the bus and the
// journal
func (n *Node) Shutdown() {
	n.shutdown.Do(func() {
		if pending := len(n.engine.PendingCredits()); pending > 0 {
			settled := n.engine.RetryPending(context.Background())
			n.logger.Warn("Settling queued credits at shutdown", "pending", pending, "settled", settled)
		}
		if n.bus != nil {
			n.bus.Close()
		}
		if err := n.journal.Close(); err != nil {
			n.logger.Warn("Failed to close journal", "error", err)
		}
	})
}
