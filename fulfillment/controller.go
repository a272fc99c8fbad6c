package fulfillment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/XCP/xcpfolio-bot/config"
	"github.com/XCP/xcpfolio-bot/history"
	"github.com/XCP/xcpfolio-bot/ledger"
	"github.com/XCP/xcpfolio-bot/logging"
	"github.com/XCP/xcpfolio-bot/metrics"
	"github.com/XCP/xcpfolio-bot/notify"
	"github.com/XCP/xcpfolio-bot/store"
)

// stopScanAfterProcessed short-circuits the newest-first walk once this
// many consecutive already-processed orders are seen. A newly filled
// order older than a processed backlog tail can be missed; accepted
// limitation.
const stopScanAfterProcessed = 10

// cleanupEveryBlocks triggers periodic truncation of the processed set.
const cleanupEveryBlocks = 100

// Controller drives filled XCPFOLIO orders to exactly one confirmed
// ownership transfer each, under a per-transaction fee ceiling and a
// global unconfirmed-transaction budget.
type Controller struct {
	cfg      *config.Config
	ledger   LedgerAPI
	chain    ChainAPI
	signer   TxSigner
	store    *store.Store
	history  HistoryRecorder
	notifier notify.Notifier
	metrics  *metrics.Collector
	logger   *logging.ComponentLogger

	mu          sync.Mutex
	running     bool
	runDone     chan struct{}
	stop        bool
	activeTxs   map[string]*ActiveTransaction
	failures    map[string]*FailureRecord
	lastCompose time.Time
	lastBlock   int64
	lastRun     time.Time
}

// NewController wires the fulfillment controller.
func NewController(
	cfg *config.Config,
	ledgerAPI LedgerAPI,
	chainAPI ChainAPI,
	txSigner TxSigner,
	st *store.Store,
	recorder HistoryRecorder,
	notifier notify.Notifier,
	collector *metrics.Collector,
	logger *logging.ComponentLogger,
) *Controller {
	return &Controller{
		cfg:       cfg,
		ledger:    ledgerAPI,
		chain:     chainAPI,
		signer:    txSigner,
		store:     st,
		history:   recorder,
		notifier:  notifier,
		metrics:   collector,
		logger:    logger,
		activeTxs: make(map[string]*ActiveTransaction),
		failures:  make(map[string]*FailureRecord),
	}
}

// RequestStop asks the running pass to stop between orders.
func (c *Controller) RequestStop() {
	c.mu.Lock()
	c.stop = true
	c.mu.Unlock()
}

func (c *Controller) stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stop
}

// GetState returns a consistent copy of the controller's in-process
// state for the status surface.
func (c *Controller) GetState() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		IsRunning:          c.running,
		ActiveTransactions: make(map[string]ActiveTransaction, len(c.activeTxs)),
		Failures:           make(map[string]FailureRecord, len(c.failures)),
		LastBlock:          c.lastBlock,
		LastRun:            c.lastRun,
	}
	for hash, tx := range c.activeTxs {
		cp := *tx
		cp.RbfHistory = append([]string(nil), tx.RbfHistory...)
		snap.ActiveTransactions[hash] = cp
	}
	for hash, rec := range c.failures {
		snap.Failures[hash] = *rec
	}
	return snap
}

// Process runs one fulfillment pass. If a pass is already running in
// this process, the call waits for it and returns an empty list.
func (c *Controller) Process(ctx context.Context) ([]Result, error) {
	c.mu.Lock()
	if c.running {
		done := c.runDone
		c.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return []Result{}, nil
	}
	c.running = true
	c.runDone = make(chan struct{})
	c.lastRun = time.Now()
	c.mu.Unlock()

	started := time.Now()
	defer func() {
		c.mu.Lock()
		c.running = false
		close(c.runDone)
		c.mu.Unlock()
		c.metrics.ObserveRunDuration("fulfillment", time.Since(started).Seconds())
	}()

	results, err := c.run(ctx)
	if err != nil {
		return nil, err
	}

	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
		}
	}
	c.logger.LogRunSummary("fulfillment", len(results), succeeded, len(results)-succeeded, time.Since(started))
	return results, nil
}

func (c *Controller) run(ctx context.Context) ([]Result, error) {
	// Mempool budget gate. At capacity, do nothing this tick.
	unconfirmed, err := c.chain.GetUnconfirmedTxCount(ctx, c.cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("unconfirmed tx count: %w", err)
	}
	c.metrics.UpdateUnconfirmedCount(unconfirmed)
	if unconfirmed >= c.cfg.MaxMempoolTxs {
		c.logger.Warn().
			Int("unconfirmed", unconfirmed).
			Int("max", c.cfg.MaxMempoolTxs).
			Msg("Mempool at capacity, skipping run")
		c.notifier.Warning(
			"Mempool at capacity",
			fmt.Sprintf("%d unconfirmed transactions (max %d); pausing fulfillment", unconfirmed, c.cfg.MaxMempoolTxs),
			map[string]interface{}{"unconfirmed": unconfirmed},
		)
		return []Result{}, nil
	}

	currentBlock, err := c.chain.GetCurrentBlockHeight(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain tip: %w", err)
	}
	c.mu.Lock()
	c.lastBlock = currentBlock
	c.mu.Unlock()
	c.metrics.UpdateLastBlock(currentBlock)

	state, err := store.LoadFulfillmentState(c.store)
	if err != nil {
		return nil, fmt.Errorf("load fulfillment state: %w", err)
	}

	// Reconcile actives against the chain before anything new is
	// enqueued, then escalate what needs it.
	c.reconcileActiveTransactions(ctx)
	c.detectStuckTransactions(currentBlock)
	if c.cfg.RBFEnabled {
		c.attemptRBF(ctx, currentBlock)
	}

	// In-mempool transfers we already sent, keyed (asset, buyer).
	pending := make(map[string]bool)
	if transfers, err := c.ledger.GetMempoolTransfers(ctx, c.cfg.Address); err != nil {
		c.logger.Warn().
			Err(err).
			Msg("Failed to fetch mempool transfers, continuing without")
	} else {
		for _, t := range transfers {
			pending[t.Asset+"|"+t.To] = true
		}
	}

	// Periodic cleanup of the processed set.
	if currentBlock-state.LastCleanup >= cleanupEveryBlocks {
		state.TruncateProcessed(store.ProcessedKeepOnClean)
		state.LastCleanup = currentBlock
	}

	// Open buy orders in the mempool, surfaced for the UI only.
	c.publishMempoolBuyOrders(ctx)

	orders, err := c.ledger.GetFilledXcpfolioOrders(ctx, c.cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("filled orders: %w", err)
	}

	queue, results := c.selectOrders(ctx, orders, state, pending)

	for _, item := range queue {
		if c.stopped() {
			c.logger.Info().
				Msg("Stop requested, ending run early")
			break
		}
		unconfirmed, err := c.chain.GetUnconfirmedTxCount(ctx, c.cfg.Address)
		if err == nil && unconfirmed >= c.cfg.MaxMempoolTxs {
			c.logger.Warn().
				Int("unconfirmed", unconfirmed).
				Msg("Mempool reached capacity mid-run, deferring remaining orders")
			break
		}

		res := c.processOrder(ctx, item.order, item.buyer, currentBlock, state)
		results = append(results, res)
		c.metrics.RecordOrderProcessed()
		c.logger.LogOrderResult(res.OrderHash, res.Asset, res.Buyer, res.Stage, res.Txid, res.Success)
	}

	if len(orders) > 0 {
		state.LastOrderHash = orders[0].TxHash
	}
	state.LastBlock = currentBlock
	if err := store.SaveFulfillmentState(c.store, state); err != nil {
		return results, fmt.Errorf("save fulfillment state: %w", err)
	}

	c.mu.Lock()
	c.metrics.UpdateActiveTransactions(len(c.activeTxs))
	c.metrics.UpdatePendingFailures(len(c.failures))
	c.mu.Unlock()

	return results, nil
}

type queuedOrder struct {
	order ledger.Order
	buyer string
}

// selectOrders walks the filled orders newest-first, stopping after ten
// consecutive already-processed hashes, and resolves each candidate's
// buyer. Orders already delivered (per the ledger or the pending
// transfer set) are marked processed without entering the queue. The
// queue is reversed so the backlog drains in submission order.
func (c *Controller) selectOrders(ctx context.Context, orders []ledger.Order, state *store.FulfillmentState, pending map[string]bool) ([]queuedOrder, []Result) {
	var queue []queuedOrder
	var results []Result
	consecutiveProcessed := 0

	for _, order := range orders {
		if consecutiveProcessed >= stopScanAfterProcessed {
			break
		}
		if state.IsProcessed(order.TxHash) {
			consecutiveProcessed++
			continue
		}
		consecutiveProcessed = 0

		asset := order.XcpfolioAsset()
		buyer, err := c.resolveBuyer(ctx, order.TxHash)
		if err != nil {
			c.logger.Warn().
				Err(err).
				Str("order_hash", order.TxHash).
				Msg("Failed to resolve buyer, deferring order")
			continue
		}

		if pending[asset+"|"+buyer] {
			state.MarkProcessed(order.TxHash)
			c.history.Record(history.Entry{
				OrderHash:  order.TxHash,
				Asset:      asset,
				Buyer:      buyer,
				Status:     "delivering",
				BlockIndex: order.BlockIndex,
			})
			results = append(results, Result{
				OrderHash: order.TxHash,
				Asset:     asset,
				Buyer:     buyer,
				Success:   true,
				Stage:     StageBroadcast,
			})
			continue
		}

		if transferred, err := c.ledger.IsAssetTransferredTo(ctx, asset, buyer, c.cfg.Address); err == nil && transferred {
			txid := c.ledger.FindTransferTxid(ctx, asset, buyer)
			state.MarkProcessed(order.TxHash)
			c.history.Record(history.Entry{
				OrderHash:   order.TxHash,
				Asset:       asset,
				Buyer:       buyer,
				Status:      "delivered",
				Txid:        txid,
				BlockIndex:  order.BlockIndex,
				DeliveredAt: time.Now(),
			})
			results = append(results, Result{
				OrderHash: order.TxHash,
				Asset:     asset,
				Buyer:     buyer,
				Success:   true,
				Stage:     StageConfirmed,
				Txid:      txid,
			})
			continue
		}

		queue = append(queue, queuedOrder{order: order, buyer: buyer})
	}

	// Newest-first discovery, oldest-ready-first processing.
	for i, j := 0, len(queue)-1; i < j; i, j = i+1, j-1 {
		queue[i], queue[j] = queue[j], queue[i]
	}
	return queue, results
}

// resolveBuyer picks the counterparty address from the order-match
// record. The ledger owns this answer.
func (c *Controller) resolveBuyer(ctx context.Context, orderHash string) (string, error) {
	matches, err := c.ledger.GetOrderMatches(ctx, orderHash)
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no order match for filled order %s", orderHash)
	}
	return matches[0].Counterparty(c.cfg.Address, orderHash), nil
}

// publishMempoolBuyOrders mirrors unconfirmed buy orders into the
// order-history surface. Visibility only; failures are swallowed.
func (c *Controller) publishMempoolBuyOrders(ctx context.Context) {
	buyOrders, err := c.ledger.GetMempoolBuyOrders(ctx)
	if err != nil {
		c.logger.Debug().
			Err(err).
			Msg("Failed to fetch mempool buy orders")
		return
	}
	for _, o := range buyOrders {
		c.history.Record(history.Entry{
			OrderHash: o.TxHash,
			Asset:     o.Asset,
			Buyer:     o.Buyer,
			Status:    "pending_buy",
			PriceSats: o.PriceQuantity,
		})
	}
}
