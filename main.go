package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/XCP/xcpfolio-bot/chain"
	"github.com/XCP/xcpfolio-bot/config"
	"github.com/XCP/xcpfolio-bot/fulfillment"
	"github.com/XCP/xcpfolio-bot/history"
	"github.com/XCP/xcpfolio-bot/ledger"
	"github.com/XCP/xcpfolio-bot/logging"
	"github.com/XCP/xcpfolio-bot/maintenance"
	"github.com/XCP/xcpfolio-bot/metrics"
	"github.com/XCP/xcpfolio-bot/notify"
	"github.com/XCP/xcpfolio-bot/prices"
	"github.com/XCP/xcpfolio-bot/server"
	"github.com/XCP/xcpfolio-bot/signer"
	"github.com/XCP/xcpfolio-bot/store"
)

const version = "1.0.0"

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := logging.NewComponentLogger("xcpfolio-bot", version)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger.LogStartup(logging.StartupConfig{
		Address:       cfg.Address,
		Network:       cfg.Network,
		DryRun:        cfg.DryRun,
		RBFEnabled:    cfg.RBFEnabled,
		MaxMempoolTxs: cfg.MaxMempoolTxs,
		StatusPort:    cfg.StatusPort,
	})

	st, err := store.New(cfg.RedisURL, cfg.RedisPassword, logger)
	if err != nil {
		return fmt.Errorf("connect state store: %w", err)
	}

	ledgerClient := ledger.NewClient(cfg.CounterpartyAPI, logger)
	chainClient := chain.NewClient(cfg.MempoolAPI, []string{cfg.BlockstreamAPI}, logger)

	txSigner, err := signer.New(cfg.PrivateKeyWIF, cfg.Address, cfg.ChainParams(), chainClient, logger)
	if err != nil {
		return fmt.Errorf("init signer: %w", err)
	}

	collector := metrics.NewCollector(logger)
	notifier := notify.New(cfg.NotifyWebhookURL, logger)
	recorder := history.NewRecorder(st.Client(), logger)

	fc := fulfillment.NewController(cfg, ledgerClient, chainClient, txSigner, st, recorder, notifier, collector, logger)
	mc := maintenance.NewController(cfg, ledgerClient, chainClient, txSigner, st, notifier, collector, logger)

	if table, err := prices.Load(cfg.PriceTablePath); err != nil {
		logger.Warn().
			Err(err).
			Str("path", cfg.PriceTablePath).
			Msg("Price table unavailable, maintenance will not list anything")
	} else {
		mc.SetPrices(table)
		logger.Info().
			Int("assets", len(table)).
			Msg("Price table loaded")
	}

	srv := server.New(cfg.StatusPort, fc, mc, recorder, collector, logger)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	runFulfillment := func() {
		if _, err := fc.Process(ctx); err != nil {
			logger.Error().
				Err(err).
				Msg("Fulfillment run failed")
		}
	}
	runMaintenance := func() {
		if table, err := prices.Load(cfg.PriceTablePath); err == nil {
			mc.SetPrices(table)
		}
		if _, err := mc.Run(ctx); err != nil {
			logger.Error().
				Err(err).
				Msg("Maintenance run failed")
		}
	}

	// First passes immediately; tickers keep the cadence after.
	runFulfillment()
	go runMaintenance()

	fulfillTicker := time.NewTicker(cfg.CheckInterval)
	defer fulfillTicker.Stop()
	maintTicker := time.NewTicker(cfg.MaintenanceInterval)
	defer maintTicker.Stop()

	for {
		select {
		case <-fulfillTicker.C:
			runFulfillment()
		case <-maintTicker.C:
			go runMaintenance()
		case err := <-serverErr:
			if err != nil {
				return fmt.Errorf("status server: %w", err)
			}
		case sig := <-sigCh:
			logger.Info().
				Str("signal", sig.String()).
				Msg("Shutdown requested")
			fc.RequestStop()
			cancel()

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn().
					Err(err).
					Msg("Status server shutdown error")
			}
			logger.Info().
				Msg("Shutdown complete")
			return nil
		}
	}
}
