// Command bankd runs the custodial bank and perpetual futures exchange.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bitcoinbank/perpengine/internal/config"
	"github.com/bitcoinbank/perpengine/internal/engine"
	"github.com/bitcoinbank/perpengine/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := logging.Setup("bankd", cfg.Logging.Env, logging.ParseLevel(cfg.Logging.Level))

	eng, err := engine.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("construct engine: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("bankd starting", "listen_addr", cfg.API.ListenAddr)
	return eng.Run(ctx)
}
