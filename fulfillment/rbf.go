package fulfillment

import (
	"context"
	"fmt"
	"time"

	"github.com/XCP/xcpfolio-bot/signer"
)

// maxRBFFeeRate is a protective cap on replacement fee rates.
const maxRBFFeeRate = 500

// attemptRBF replaces every transaction flagged NeedsRBF with a
// higher-fee version. Each replacement spends the same logical transfer,
// so the order stays marked processed throughout; only the tracked txid
// changes.
func (c *Controller) attemptRBF(ctx context.Context, currentBlock int64) {
	c.mu.Lock()
	flagged := make([]string, 0)
	for hash, tx := range c.activeTxs {
		if tx.NeedsRBF {
			flagged = append(flagged, hash)
		}
	}
	c.mu.Unlock()

	for _, hash := range flagged {
		c.mu.Lock()
		tx, ok := c.activeTxs[hash]
		if !ok || !tx.NeedsRBF {
			c.mu.Unlock()
			continue
		}
		cp := *tx
		c.mu.Unlock()

		if err := c.replaceTransaction(ctx, hash, cp, currentBlock); err != nil {
			c.logger.Warn().
				Err(err).
				Str("order_hash", hash).
				Str("txid", cp.Txid).
				Msg("Fee bump failed")
		}
	}
}

// replacementRate computes the fee rate for a replacement. Escalation
// grows with how long the transaction has waited, never goes below
// oldRate+1, and never exceeds what the total fee ceiling and the
// protective cap allow.
func replacementRate(oldRate, marketRate, blocksSince int64) int64 {
	var newRate int64
	switch {
	case blocksSince < 12:
		newRate = max64(oldRate*3/2, marketRate)
	case blocksSince < 24:
		newRate = max64(oldRate*2, marketRate*11/10)
	default:
		newRate = marketRate * 3 / 2
	}
	if newRate <= oldRate {
		newRate = oldRate + 1
	}
	if newRate > maxRBFFeeRate {
		newRate = maxRBFFeeRate
	}
	return newRate
}

func (c *Controller) replaceTransaction(ctx context.Context, hash string, tx ActiveTransaction, currentBlock int64) error {
	marketRate, err := c.chain.GetOptimalFeeRate(ctx)
	if err != nil {
		return fmt.Errorf("fee rate: %w", err)
	}

	blocksSince := currentBlock - tx.BroadcastBlock
	newRate := replacementRate(tx.FeeRate, marketRate, blocksSince)

	// The ceiling divided by the last known vsize bounds the rate. If
	// even oldRate+1 busts the ceiling the transaction cannot be
	// replaced; stop tracking it and let the mempool decide. The order
	// stays processed because the original transaction may still
	// confirm, and a rebroadcast would double-send if it did.
	if ceiling := c.cfg.MaxTotalFeeSats / signer.EstimateTransferVsize; newRate > ceiling {
		if ceiling <= tx.FeeRate {
			c.logger.Error().
				Str("order_hash", hash).
				Str("txid", tx.Txid).
				Int64("fee_rate", tx.FeeRate).
				Int64("ceiling_rate", ceiling).
				Msg("Cannot replace within fee ceiling, abandoning tracking")
			c.mu.Lock()
			delete(c.activeTxs, hash)
			c.mu.Unlock()
			c.notifier.Critical(
				"Transfer cannot be fee-bumped",
				fmt.Sprintf("Order %s transfer %s is stuck at %d sat/vB and the fee ceiling blocks replacement; manual intervention may be needed",
					shortHash(hash), shortHash(tx.Txid), tx.FeeRate),
				map[string]interface{}{"orderHash": hash, "txid": tx.Txid, "asset": tx.Asset},
			)
			return nil
		}
		newRate = ceiling
	}

	composed, err := c.ledger.ComposeTransfer(ctx, c.cfg.Address, tx.Asset, tx.Buyer, newRate, false)
	c.mu.Lock()
	c.lastCompose = time.Now()
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("compose replacement: %w", err)
	}

	signed, err := c.signer.Sign(ctx, composed.RawTransaction)
	if err != nil {
		return fmt.Errorf("sign replacement: %w", err)
	}
	if signed.Fee > c.cfg.MaxTotalFeeSats {
		return fmt.Errorf("replacement fee %d sats exceeds maximum %d sats", signed.Fee, c.cfg.MaxTotalFeeSats)
	}

	newTxid, err := c.chain.BroadcastTransaction(ctx, signed.Hex)
	if err != nil {
		// A rejected replacement usually means the original confirmed
		// or its inputs moved. Reconciliation re-settles next run, so
		// drop the record rather than keep bumping blind.
		c.mu.Lock()
		delete(c.activeTxs, hash)
		c.mu.Unlock()
		return fmt.Errorf("broadcast replacement: %w", err)
	}

	c.mu.Lock()
	if live, ok := c.activeTxs[hash]; ok {
		live.RbfHistory = append(live.RbfHistory, newTxid)
		live.Txid = newTxid
		live.FeeRate = newRate
		live.RbfCount++
		live.NeedsRBF = false
		live.DroppedFromMempool = false
		live.BroadcastBlock = currentBlock
		live.BroadcastTime = time.Now()
	}
	c.mu.Unlock()

	c.logger.LogRBF(hash, tx.Txid, newTxid, tx.FeeRate, newRate, tx.RbfCount+1)
	c.metrics.RecordRBF(newRate)
	return nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
