package fulfillment

import (
	"context"
	"fmt"
	"time"

	"github.com/XCP/xcpfolio-bot/history"
	"github.com/XCP/xcpfolio-bot/ledger"
	"github.com/XCP/xcpfolio-bot/signer"
	"github.com/XCP/xcpfolio-bot/store"
)

// processOrder runs one order through validate, compose, sign and
// broadcast. Exactly one of the terminal outcomes happens: the order is
// marked processed with a live transaction tracked, marked processed
// because delivery already happened, or left unmarked with a failure
// recorded for the retry gate.
func (c *Controller) processOrder(ctx context.Context, order ledger.Order, buyer string, currentBlock int64, state *store.FulfillmentState) Result {
	now := time.Now()
	asset := order.XcpfolioAsset()

	fail := func(stage string, err error) Result {
		c.recordFailure(order.TxHash, asset, stage, err, now)
		return Result{
			OrderHash: order.TxHash,
			Asset:     asset,
			Buyer:     buyer,
			Success:   false,
			Stage:     stage,
			Error:     err.Error(),
		}
	}

	// Validation.
	if order.Status != "filled" {
		return fail(StageValidation, fmt.Errorf("order status is %q, not filled", order.Status))
	}
	if asset == "" {
		return fail(StageValidation, fmt.Errorf("order %s does not sell an XCPFOLIO subasset", order.TxHash))
	}
	if buyer == "" {
		return fail(StageValidation, fmt.Errorf("no buyer resolved for order %s", order.TxHash))
	}
	if buyer == c.cfg.Address {
		return fail(StageValidation, fmt.Errorf("buyer is our own address"))
	}

	info, err := c.ledger.GetAssetInfo(ctx, asset)
	if err != nil {
		return fail(StageValidation, fmt.Errorf("asset info for %s: %w", asset, err))
	}
	if info == nil {
		return fail(StageValidation, fmt.Errorf("asset %s does not exist", asset))
	}
	if info.Owner != c.cfg.Address {
		// Either already delivered or never ours. The delivered case
		// is settled below; anything else is a hard failure.
		if info.Owner == buyer {
			return c.settleDelivered(ctx, order, asset, buyer, state)
		}
		return fail(StageValidation, fmt.Errorf("asset %s owned by %s, not us", asset, info.Owner))
	}
	if info.Locked {
		return fail(StageValidation, fmt.Errorf("asset %s is locked", asset))
	}

	// Duplicate guards. An active transaction for this order means a
	// broadcast already happened; return its txid rather than sending
	// a second transaction.
	c.mu.Lock()
	active, hasActive := c.activeTxs[order.TxHash]
	c.mu.Unlock()
	if hasActive {
		return Result{
			OrderHash: order.TxHash,
			Asset:     asset,
			Buyer:     buyer,
			Success:   true,
			Stage:     StageBroadcast,
			Txid:      active.Txid,
		}
	}
	if transferred, err := c.ledger.IsAssetTransferredTo(ctx, asset, buyer, c.cfg.Address); err == nil && transferred {
		return c.settleDelivered(ctx, order, asset, buyer, state)
	}

	// Retry gate.
	if backoff := c.checkRetryGate(order.TxHash, asset, buyer, now); backoff != nil {
		return *backoff
	}

	// Global compose cooldown spaces UTXO-consuming composes so the
	// ledger sees each prior spend before selecting inputs.
	c.mu.Lock()
	sinceCompose := now.Sub(c.lastCompose)
	c.mu.Unlock()
	if wait := c.cfg.ComposeCooldown - sinceCompose; wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return fail(StageCompose, ctx.Err())
		}
	}

	if c.cfg.DryRun {
		c.logger.Info().
			Str("order_hash", order.TxHash).
			Str("asset", asset).
			Str("buyer", buyer).
			Msg("Dry run, skipping transfer broadcast")
		state.MarkProcessed(order.TxHash)
		return Result{
			OrderHash: order.TxHash,
			Asset:     asset,
			Buyer:     buyer,
			Success:   true,
			Stage:     StageBroadcast,
			Txid:      "dry-run",
		}
	}

	// Compose.
	feeRate, err := c.chain.GetOptimalFeeRate(ctx)
	if err != nil {
		return fail(StageCompose, fmt.Errorf("fee rate: %w", err))
	}
	if feeRate > c.cfg.MaxFeeRateForNewTx {
		return fail(StageCompose, fmt.Errorf("fee rate too high: %d sat/vB exceeds %d sat/vB", feeRate, c.cfg.MaxFeeRateForNewTx))
	}
	if rateCap := c.cfg.MaxTotalFeeSats / signer.EstimateTransferVsize; feeRate > rateCap {
		c.logger.Debug().
			Int64("market_rate", feeRate).
			Int64("capped_rate", rateCap).
			Msg("Capping fee rate to stay under total fee ceiling")
		feeRate = rateCap
	}

	composeStart := time.Now()
	composed, err := c.ledger.ComposeTransfer(ctx, c.cfg.Address, asset, buyer, feeRate, true)
	c.mu.Lock()
	c.lastCompose = time.Now()
	c.mu.Unlock()
	c.metrics.ObserveComposeLatency(time.Since(composeStart).Seconds())
	if err != nil {
		return fail(StageCompose, fmt.Errorf("compose transfer: %w", err))
	}

	// Sign.
	signed, err := c.signer.Sign(ctx, composed.RawTransaction)
	if err != nil {
		return fail(StageSign, fmt.Errorf("sign: %w", err))
	}
	if signed.Fee > c.cfg.MaxTotalFeeSats {
		return fail(StageSign, fmt.Errorf("signed fee %d sats exceeds maximum %d sats", signed.Fee, c.cfg.MaxTotalFeeSats))
	}

	// Broadcast. Re-check the mempool budget right before sending.
	if unconfirmed, err := c.chain.GetUnconfirmedTxCount(ctx, c.cfg.Address); err == nil && unconfirmed >= c.cfg.MaxMempoolTxs {
		return fail(StageBroadcast, fmt.Errorf("mempool at capacity: %d unconfirmed", unconfirmed))
	}
	txid, err := c.chain.BroadcastTransaction(ctx, signed.Hex)
	if err != nil {
		return fail(StageBroadcast, fmt.Errorf("broadcast: %w", err))
	}

	c.mu.Lock()
	c.activeTxs[order.TxHash] = &ActiveTransaction{
		OrderHash:      order.TxHash,
		Asset:          asset,
		Buyer:          buyer,
		Txid:           txid,
		OriginalTxid:   txid,
		RbfHistory:     []string{txid},
		BroadcastTime:  time.Now(),
		BroadcastBlock: currentBlock,
		FeeRate:        feeRate,
	}
	c.mu.Unlock()

	state.MarkProcessed(order.TxHash)
	c.clearFailure(order.TxHash)

	c.logger.LogBroadcast(txid, feeRate, signed.Fee, signed.Vsize)
	c.metrics.RecordBroadcast(feeRate)
	c.history.Record(history.Entry{
		OrderHash:  order.TxHash,
		Asset:      asset,
		Buyer:      buyer,
		Status:     "delivering",
		Txid:       txid,
		BlockIndex: order.BlockIndex,
	})
	c.notifier.Info(
		"Transfer broadcast",
		fmt.Sprintf("Transferring %s to %s (order %s)", asset, shortHash(buyer), shortHash(order.TxHash)),
		map[string]interface{}{"asset": asset, "buyer": buyer, "txid": txid},
	)

	return Result{
		OrderHash: order.TxHash,
		Asset:     asset,
		Buyer:     buyer,
		Success:   true,
		Stage:     StageBroadcast,
		Txid:      txid,
	}
}

// settleDelivered marks an order processed because the ledger already
// shows the asset with the buyer.
func (c *Controller) settleDelivered(ctx context.Context, order ledger.Order, asset, buyer string, state *store.FulfillmentState) Result {
	txid := c.ledger.FindTransferTxid(ctx, asset, buyer)
	state.MarkProcessed(order.TxHash)
	c.clearFailure(order.TxHash)
	c.history.Record(history.Entry{
		OrderHash:   order.TxHash,
		Asset:       asset,
		Buyer:       buyer,
		Status:      "delivered",
		Txid:        txid,
		BlockIndex:  order.BlockIndex,
		DeliveredAt: time.Now(),
	})
	return Result{
		OrderHash: order.TxHash,
		Asset:     asset,
		Buyer:     buyer,
		Success:   true,
		Stage:     StageConfirmed,
		Txid:      txid,
	}
}

func shortHash(s string) string {
	if len(s) <= 12 {
		return s
	}
	return s[:8] + ".." + s[len(s)-4:]
}
