// Package config loads lqxd configuration from TOML, .env and LQX_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/luxfi/liquidity/pkg/lx"
	"github.com/shopspring/decimal"
)

// Config is the top-level daemon configuration
type Config struct {
	LogLevel string         `toml:"log_level"`
	Engine   EngineConfig   `toml:"engine"`
	Server   ServerConfig   `toml:"server"`
	NATS     NATSConfig     `toml:"nats"`
	Database DatabaseConfig `toml:"database"`

	Tokens   []TokenConfig   `toml:"tokens"`
	Markets  []MarketConfig  `toml:"markets"`
	Pools    []PoolConfig    `toml:"pools"`
	Balances []BalanceConfig `toml:"balances"`
}

// EngineConfig tunes the liquidity manager
type EngineConfig struct {
	MakerFeeRate      decimal.Decimal `toml:"maker_fee_rate"`
	TakerFeeRate      decimal.Decimal `toml:"taker_fee_rate"`
	MinimumLiquidity  decimal.Decimal `toml:"minimum_liquidity"`
	RebalanceInterval duration        `toml:"rebalance_interval"`
	SettleInterval    duration        `toml:"settle_interval"`
	RiskFailOpen      bool            `toml:"risk_fail_open"`
	DepthLevels       int             `toml:"depth_levels"`
	DepthRatio        decimal.Decimal `toml:"depth_ratio"`
	FeeAccount        string          `toml:"fee_account"`
	VolumeWindow      duration        `toml:"volume_window"`
	FeeTiers          []FeeTierConfig `toml:"fee_tiers"`
}

// FeeTierConfig is one step of the volume fee schedule
type FeeTierConfig struct {
	MinVolume       decimal.Decimal `toml:"min_volume"`
	TakerFeeRate    decimal.Decimal `toml:"taker_fee_rate"`
	MakerRebateRate decimal.Decimal `toml:"maker_rebate_rate"`
}

// ServerConfig holds listen addresses; an empty address disables the server
type ServerConfig struct {
	RPCAddr     string `toml:"rpc_addr"`
	GRPCAddr    string `toml:"grpc_addr"`
	WSAddr      string `toml:"ws_addr"`
	MetricsAddr string `toml:"metrics_addr"`
}

// NATSConfig configures the event bus
type NATSConfig struct {
	Enabled       bool   `toml:"enabled"`
	URL           string `toml:"url"`
	Prefix        string `toml:"prefix"`
	ServeRequests bool   `toml:"serve_requests"`
	Queue         string `toml:"queue"`
}

// DatabaseConfig selects the journal store
type DatabaseConfig struct {
	DataDir string `toml:"data_dir"`
	Backend string `toml:"backend"`
}

// TokenConfig registers a token at startup
type TokenConfig struct {
	Symbol      string          `toml:"symbol"`
	Decimals    int32           `toml:"decimals"`
	TotalSupply decimal.Decimal `toml:"total_supply"`
}

// MarketConfig opens an order book at startup. Nil fee rates use the engine
// defaults.
type MarketConfig struct {
	Base         string           `toml:"base"`
	Quote        string           `toml:"quote"`
	MakerFeeRate *decimal.Decimal `toml:"maker_fee_rate"`
	TakerFeeRate *decimal.Decimal `toml:"taker_fee_rate"`
}

// PoolConfig creates a pool at startup and optionally seeds it from Provider
type PoolConfig struct {
	TokenA   string          `toml:"token_a"`
	TokenB   string          `toml:"token_b"`
	FeeRate  decimal.Decimal `toml:"fee_rate"`
	Type     string          `toml:"type"`
	Provider string          `toml:"provider"`
	AmountA  decimal.Decimal `toml:"amount_a"`
	AmountB  decimal.Decimal `toml:"amount_b"`
}

// BalanceConfig funds an account in the development ledger
type BalanceConfig struct {
	Account string          `toml:"account"`
	Token   string          `toml:"token"`
	Amount  decimal.Decimal `toml:"amount"`
}

// duration wraps time.Duration for TOML string decoding ("5m", "30s")
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns the built-in configuration
func Defaults() Config {
	market := lx.DefaultMarketConfig()
	return Config{
		LogLevel: "info",
		Engine: EngineConfig{
			MakerFeeRate:      market.MakerFeeRate,
			TakerFeeRate:      market.TakerFeeRate,
			MinimumLiquidity:  lx.DefaultMinimumLiquidity,
			RebalanceInterval: duration{time.Minute},
			SettleInterval:    duration{5 * time.Second},
			RiskFailOpen:      true,
			DepthLevels:       lx.DefaultDepthLevels,
			DepthRatio:        lx.DefaultDepthRatio,
			FeeAccount:        lx.DefaultFeeAccount,
			VolumeWindow:      duration{lx.DefaultVolumeWindow},
		},
		Server: ServerConfig{
			RPCAddr:     ":8080",
			GRPCAddr:    ":50051",
			WSAddr:      ":8081",
			MetricsAddr: ":9090",
		},
		NATS: NATSConfig{
			URL:    "nats://127.0.0.1:4222",
			Prefix: "lqx",
			Queue:  "lqx-workers",
		},
		Database: DatabaseConfig{
			DataDir: "./data",
			Backend: "memory",
		},
	}
}

var validLogLevels = map[string]bool{
	"trace": true,
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
	"crit":  true,
}

var validBackends = map[string]bool{
	"memory":   true,
	"badgerdb": true,
}

var validPoolTypes = map[string]bool{
	"":           true,
	"AMM":        true,
	"ORDER_BOOK": true,
	"HYBRID":     true,
}

// Validate reports every invalid value in one error
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q", c.LogLevel))
	}

	// Engine
	if c.Engine.MakerFeeRate.IsNegative() || c.Engine.MakerFeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		errs = append(errs, "engine: maker_fee_rate must be in [0, 1)")
	}
	if c.Engine.TakerFeeRate.IsNegative() || c.Engine.TakerFeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		errs = append(errs, "engine: taker_fee_rate must be in [0, 1)")
	}
	if c.Engine.MinimumLiquidity.IsNegative() {
		errs = append(errs, "engine: minimum_liquidity must not be negative")
	}
	if c.Engine.RebalanceInterval.Duration <= 0 {
		errs = append(errs, "engine: rebalance_interval must be positive")
	}
	if c.Engine.SettleInterval.Duration <= 0 {
		errs = append(errs, "engine: settle_interval must be positive")
	}
	if c.Engine.DepthLevels <= 0 {
		errs = append(errs, "engine: depth_levels must be positive")
	}
	if !c.Engine.DepthRatio.IsPositive() {
		errs = append(errs, "engine: depth_ratio must be positive")
	}
	if c.Engine.VolumeWindow.Duration <= 0 {
		errs = append(errs, "engine: volume_window must be positive")
	}
	for i, t := range c.Engine.FeeTiers {
		if t.MinVolume.IsNegative() {
			errs = append(errs, fmt.Sprintf("engine: fee_tiers[%d]: min_volume must not be negative", i))
		}
		for _, r := range []decimal.Decimal{t.TakerFeeRate, t.MakerRebateRate} {
			if r.IsNegative() || r.GreaterThanOrEqual(decimal.NewFromInt(1)) {
				errs = append(errs, fmt.Sprintf("engine: fee_tiers[%d]: rates must be in [0, 1)", i))
				break
			}
		}
	}

	// NATS
	if c.NATS.Enabled && c.NATS.URL == "" {
		errs = append(errs, "nats: url is required when enabled")
	}
	if c.NATS.ServeRequests && !c.NATS.Enabled {
		errs = append(errs, "nats: serve_requests needs enabled = true")
	}

	// Database
	if !validBackends[strings.ToLower(c.Database.Backend)] {
		errs = append(errs, fmt.Sprintf("database: unknown backend %q (valid: memory, badgerdb)", c.Database.Backend))
	}
	if strings.EqualFold(c.Database.Backend, "badgerdb") && c.Database.DataDir == "" {
		errs = append(errs, "database: data_dir is required for badgerdb")
	}

	// Startup resources
	tokens := make(map[string]bool, len(c.Tokens))
	for i, t := range c.Tokens {
		if t.Symbol == "" {
			errs = append(errs, fmt.Sprintf("tokens[%d]: symbol is required", i))
		}
		tokens[t.Symbol] = true
	}
	for i, m := range c.Markets {
		if !tokens[m.Base] || !tokens[m.Quote] {
			errs = append(errs, fmt.Sprintf("markets[%d]: %s-%s references an unconfigured token", i, m.Base, m.Quote))
		}
	}
	for i, p := range c.Pools {
		if !tokens[p.TokenA] || !tokens[p.TokenB] {
			errs = append(errs, fmt.Sprintf("pools[%d]: %s-%s references an unconfigured token", i, p.TokenA, p.TokenB))
		}
		if !validPoolTypes[strings.ToUpper(p.Type)] {
			errs = append(errs, fmt.Sprintf("pools[%d]: unknown type %q", i, p.Type))
		}
		if p.Provider != "" && (!p.AmountA.IsPositive() || !p.AmountB.IsPositive()) {
			errs = append(errs, fmt.Sprintf("pools[%d]: seed amounts must be positive", i))
		}
	}
	for i, b := range c.Balances {
		if b.Account == "" || !tokens[b.Token] {
			errs = append(errs, fmt.Sprintf("balances[%d]: account and a configured token are required", i))
		}
		if b.Amount.IsNegative() {
			errs = append(errs, fmt.Sprintf("balances[%d]: amount must not be negative", i))
		}
	}

	if len(errs) > 0 {
		return errors.New("invalid config:\n  " + strings.Join(errs, "\n  "))
	}
	return nil
}

// EngineOptions maps the engine section onto manager options. Collaborators
// (ledger, publishers, logger) are left for the caller to set.
func (c *Config) EngineOptions() lx.Options {
	opts := lx.DefaultOptions()
	opts.Market = lx.MarketConfig{
		MakerFeeRate: c.Engine.MakerFeeRate,
		TakerFeeRate: c.Engine.TakerFeeRate,
	}
	opts.MinimumLiquidity = c.Engine.MinimumLiquidity
	opts.RebalanceInterval = c.Engine.RebalanceInterval.Duration
	opts.SettleInterval = c.Engine.SettleInterval.Duration
	opts.RiskFailOpen = c.Engine.RiskFailOpen
	opts.DepthLevels = c.Engine.DepthLevels
	opts.DepthRatio = c.Engine.DepthRatio
	opts.FeeAccount = c.Engine.FeeAccount
	opts.VolumeWindow = c.Engine.VolumeWindow.Duration
	for _, t := range c.Engine.FeeTiers {
		opts.FeeTiers = append(opts.FeeTiers, lx.FeeTier{
			MinVolume:       t.MinVolume,
			TakerFeeRate:    t.TakerFeeRate,
			MakerRebateRate: t.MakerRebateRate,
		})
	}
	return opts
}

// MarketOverride returns per-market fees, or nil to use the engine defaults
func (m MarketConfig) MarketOverride(engine EngineConfig) *lx.MarketConfig {
	if m.MakerFeeRate == nil && m.TakerFeeRate == nil {
		return nil
	}
	cfg := lx.MarketConfig{MakerFeeRate: engine.MakerFeeRate, TakerFeeRate: engine.TakerFeeRate}
	if m.MakerFeeRate != nil {
		cfg.MakerFeeRate = *m.MakerFeeRate
	}
	if m.TakerFeeRate != nil {
		cfg.TakerFeeRate = *m.TakerFeeRate
	}
	return &cfg
}
