package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ComponentLogger provides structured logging for bot components
type ComponentLogger struct {
	logger zerolog.Logger
}

// NewComponentLogger creates a component-specific logger with consistent context
func NewComponentLogger(componentName, version string) *ComponentLogger {
	// Configure zerolog globally
	zerolog.TimeFieldFormat = time.RFC3339

	// Set log level from environment
	logLevel := os.Getenv("LOG_LEVEL")
	switch logLevel {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	// Console output for development
	if os.Getenv("ENVIRONMENT") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
			NoColor:    false,
		})
	}

	logger := log.With().
		Str("component", componentName).
		Str("version", version).
		Logger()

	return &ComponentLogger{
		logger: logger,
	}
}

func (cl *ComponentLogger) Info() *zerolog.Event {
	return cl.logger.Info()
}

func (cl *ComponentLogger) Error() *zerolog.Event {
	return cl.logger.Error()
}

func (cl *ComponentLogger) Warn() *zerolog.Event {
	return cl.logger.Warn()
}

func (cl *ComponentLogger) Debug() *zerolog.Event {
	return cl.logger.Debug()
}

// LogStartup logs service startup with structured fields
func (cl *ComponentLogger) LogStartup(config StartupConfig) {
	cl.Info().
		Str("address", config.Address).
		Str("network", config.Network).
		Bool("dry_run", config.DryRun).
		Bool("rbf_enabled", config.RBFEnabled).
		Int("max_mempool_txs", config.MaxMempoolTxs).
		Int("status_port", config.StatusPort).
		Msg("Starting fulfillment agent")
}

// LogOrderResult logs the outcome of a single fulfillment attempt
func (cl *ComponentLogger) LogOrderResult(orderHash, asset, buyer, stage, txid string, success bool) {
	evt := cl.Info()
	if !success {
		evt = cl.Warn()
	}
	evt.
		Str("order_hash", orderHash).
		Str("asset", asset).
		Str("buyer", buyer).
		Str("stage", stage).
		Str("txid", txid).
		Bool("success", success).
		Msg("Order processed")
}

// LogBroadcast logs a successful transaction broadcast
func (cl *ComponentLogger) LogBroadcast(txid string, feeRate int64, feeSats int64, vsize int) {
	cl.Info().
		Str("txid", txid).
		Int64("fee_rate", feeRate).
		Int64("fee_sats", feeSats).
		Int("vsize", vsize).
		Msg("Transaction broadcast")
}

// LogRBF logs a fee-bump replacement
func (cl *ComponentLogger) LogRBF(orderHash, oldTxid, newTxid string, oldRate, newRate int64, rbfCount int) {
	cl.Info().
		Str("order_hash", orderHash).
		Str("old_txid", oldTxid).
		Str("new_txid", newTxid).
		Int64("old_fee_rate", oldRate).
		Int64("new_fee_rate", newRate).
		Int("rbf_count", rbfCount).
		Msg("RBF replacement broadcast")
}

// LogRunSummary logs the outcome of one controller pass
func (cl *ComponentLogger) LogRunSummary(controller string, processed, succeeded, failed int, duration time.Duration) {
	cl.Info().
		Str("controller", controller).
		Int("processed", processed).
		Int("succeeded", succeeded).
		Int("failed", failed).
		Dur("duration", duration).
		Msg("Run completed")
}

// StartupConfig represents service startup configuration
type StartupConfig struct {
	Address       string
	Network       string
	DryRun        bool
	RBFEnabled    bool
	MaxMempoolTxs int
	StatusPort    int
}
