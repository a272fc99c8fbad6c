package fulfillment

import (
	"context"
	"fmt"
	"time"

	"github.com/XCP/xcpfolio-bot/history"
)

// reconcileActiveTransactions settles tracked transactions against the
// chain. Confirmed transfers are retired; transactions that vanished
// from the mempool without confirming are flagged for replacement.
func (c *Controller) reconcileActiveTransactions(ctx context.Context) {
	c.mu.Lock()
	hashes := make([]string, 0, len(c.activeTxs))
	for hash := range c.activeTxs {
		hashes = append(hashes, hash)
	}
	c.mu.Unlock()

	for _, hash := range hashes {
		c.mu.Lock()
		tx, ok := c.activeTxs[hash]
		if !ok {
			c.mu.Unlock()
			continue
		}
		cp := *tx
		cp.RbfHistory = append([]string(nil), tx.RbfHistory...)
		c.mu.Unlock()

		confirmed, err := c.chain.IsConfirmed(ctx, cp.Txid)
		if err != nil {
			c.logger.Debug().
				Err(err).
				Str("txid", cp.Txid).
				Msg("Confirmation check failed, keeping transaction tracked")
			continue
		}
		if confirmed {
			c.retireConfirmed(hash, cp, cp.Txid)
			continue
		}

		inMempool, err := c.chain.IsInMempool(ctx, cp.Txid)
		if err != nil || inMempool {
			continue
		}

		// Not in the mempool and not confirmed under the current txid.
		// An earlier replacement in the chain may have won instead.
		settled := false
		for _, prev := range cp.RbfHistory {
			if prev == cp.Txid {
				continue
			}
			if ok, err := c.chain.IsConfirmed(ctx, prev); err == nil && ok {
				c.retireConfirmed(hash, cp, prev)
				settled = true
				break
			}
		}
		if settled {
			continue
		}

		c.logger.Warn().
			Str("order_hash", hash).
			Str("txid", cp.Txid).
			Str("asset", cp.Asset).
			Msg("Transaction dropped from mempool, flagging for replacement")
		c.mu.Lock()
		if live, ok := c.activeTxs[hash]; ok {
			live.DroppedFromMempool = true
			live.NeedsRBF = true
		}
		c.mu.Unlock()
	}
}

// retireConfirmed removes a settled transaction from tracking and
// publishes the delivery.
func (c *Controller) retireConfirmed(hash string, tx ActiveTransaction, txid string) {
	c.mu.Lock()
	delete(c.activeTxs, hash)
	c.mu.Unlock()

	c.logger.Info().
		Str("order_hash", hash).
		Str("txid", txid).
		Str("asset", tx.Asset).
		Int("rbf_count", tx.RbfCount).
		Msg("Transfer confirmed")
	c.history.Record(history.Entry{
		OrderHash:   hash,
		Asset:       tx.Asset,
		Buyer:       tx.Buyer,
		Status:      "delivered",
		Txid:        txid,
		DeliveredAt: time.Now(),
	})
	c.notifier.Success(
		"Transfer confirmed",
		fmt.Sprintf("%s delivered to %s", tx.Asset, shortHash(tx.Buyer)),
		map[string]interface{}{"asset": tx.Asset, "buyer": tx.Buyer, "txid": txid},
	)
}

// detectStuckTransactions flags tracked transactions that have waited
// longer than the stuck threshold for replacement.
func (c *Controller) detectStuckTransactions(currentBlock int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for hash, tx := range c.activeTxs {
		if tx.NeedsRBF {
			continue
		}
		blocksWaiting := currentBlock - tx.BroadcastBlock
		if blocksWaiting >= c.cfg.StuckTxThreshold {
			tx.NeedsRBF = true
			c.logger.Info().
				Str("order_hash", hash).
				Str("txid", tx.Txid).
				Int64("blocks_waiting", blocksWaiting).
				Int64("fee_rate", tx.FeeRate).
				Msg("Transaction stuck, scheduling fee bump")
		}
	}
}
