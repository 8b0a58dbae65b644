package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/luxfi/liquidity/pkg/config"
	"github.com/luxfi/log"
)

func main() {
	configPath := flag.String("config", "", "Path to TOML config file")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error); overrides config")
	rpcAddr := flag.String("rpc-addr", "", "JSON-RPC listen address; overrides config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *rpcAddr != "" {
		cfg.Server.RPCAddr = *rpcAddr
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	level, _ := log.ToLevel(cfg.LogLevel)
	logger := log.NewTestLogger(level)
	logger.Info("Starting lqxd",
		"platform", fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		"cpus", runtime.NumCPU(),
		"backend", cfg.Database.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	node, err := NewNode(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to create node", "error", err)
		os.Exit(1)
	}
	defer node.Shutdown()

	if err := node.Run(ctx); err != nil {
		logger.Error("Node stopped with error", "error", err)
		node.Shutdown()
		os.Exit(1)
	}
	logger.Info("lqxd shutdown complete")
}
