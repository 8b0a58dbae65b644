package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load merges the TOML file at path (if any) over Defaults and applies LQX_*
// environment overrides. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	// .env is optional
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.LogLevel, "LQX_LOG_LEVEL")

	// Engine
	setDecimal(&cfg.Engine.MakerFeeRate, "LQX_MAKER_FEE_RATE")
	setDecimal(&cfg.Engine.TakerFeeRate, "LQX_TAKER_FEE_RATE")
	setDecimal(&cfg.Engine.MinimumLiquidity, "LQX_MINIMUM_LIQUIDITY")
	setDuration(&cfg.Engine.RebalanceInterval, "LQX_REBALANCE_INTERVAL")
	setDuration(&cfg.Engine.SettleInterval, "LQX_SETTLE_INTERVAL")
	setBool(&cfg.Engine.RiskFailOpen, "LQX_RISK_FAIL_OPEN")
	setInt(&cfg.Engine.DepthLevels, "LQX_DEPTH_LEVELS")
	setDecimal(&cfg.Engine.DepthRatio, "LQX_DEPTH_RATIO")
	setStr(&cfg.Engine.FeeAccount, "LQX_FEE_ACCOUNT")

	// Server
	setStr(&cfg.Server.RPCAddr, "LQX_RPC_ADDR")
	setStr(&cfg.Server.GRPCAddr, "LQX_GRPC_ADDR")
	setStr(&cfg.Server.WSAddr, "LQX_WS_ADDR")
	setStr(&cfg.Server.MetricsAddr, "LQX_METRICS_ADDR")

	// NATS
	setBool(&cfg.NATS.Enabled, "LQX_NATS_ENABLED")
	setStr(&cfg.NATS.URL, "LQX_NATS_URL")
	setStr(&cfg.NATS.Prefix, "LQX_NATS_PREFIX")
	setBool(&cfg.NATS.ServeRequests, "LQX_NATS_SERVE_REQUESTS")
	setStr(&cfg.NATS.Queue, "LQX_NATS_QUEUE")

	// Database
	setStr(&cfg.Database.DataDir, "LQX_DATA_DIR")
	setStr(&cfg.Database.Backend, "LQX_DB_BACKEND")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			*dst = d
		}
	}
}
