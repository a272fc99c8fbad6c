package maintenance

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/XCP/xcpfolio-bot/config"
	"github.com/XCP/xcpfolio-bot/ledger"
	"github.com/XCP/xcpfolio-bot/logging"
	"github.com/XCP/xcpfolio-bot/metrics"
	"github.com/XCP/xcpfolio-bot/notify"
	"github.com/XCP/xcpfolio-bot/prices"
	"github.com/XCP/xcpfolio-bot/store"
)

const (
	// baseUnitsPerXCP converts the price table's whole-XCP prices to
	// the base-unit get_quantity on listing orders.
	baseUnitsPerXCP = 100_000_000

	// verifyDelay is how long to wait after broadcast before checking
	// the mempool for the new listing.
	verifyDelay = 2 * time.Second

	// maxConsecutiveUTXOErrors aborts the run when the same missing
	// outpoint keeps coming back, which means our UTXO view is stale.
	maxConsecutiveUTXOErrors = 3
)

// Controller re-lists expired XCPFOLIO listings. One run at a time per
// deployment, enforced with a distributed lock.
type Controller struct {
	cfg      *config.Config
	ledger   LedgerAPI
	chain    ChainAPI
	signer   TxSigner
	store    *store.Store
	lock     *store.Lock
	notifier notify.Notifier
	metrics  *metrics.Collector
	logger   *logging.ComponentLogger

	// verifyWait spaces the post-broadcast and lost-response mempool
	// checks. Narrowed in tests.
	verifyWait time.Duration

	mu      sync.Mutex
	running bool
	lastRun time.Time
	prices  prices.Table
}

// NewController wires the maintenance controller.
func NewController(
	cfg *config.Config,
	ledgerAPI LedgerAPI,
	chainAPI ChainAPI,
	txSigner TxSigner,
	st *store.Store,
	notifier notify.Notifier,
	collector *metrics.Collector,
	logger *logging.ComponentLogger,
) *Controller {
	return &Controller{
		cfg:      cfg,
		ledger:   ledgerAPI,
		chain:    chainAPI,
		signer:   txSigner,
		store:    st,
		lock:     store.NewLock(st, logger),
		notifier: notifier,
		metrics:  collector,
		logger:   logger,

		verifyWait: verifyDelay,

		prices: prices.Table{},
	}
}

// SetPrices swaps in a freshly loaded price table. Assets absent from
// the table are never listed.
func (c *Controller) SetPrices(table prices.Table) {
	c.mu.Lock()
	c.prices = table
	c.mu.Unlock()
}

// GetStatus returns the maintenance view for the status API.
func (c *Controller) GetStatus() Status {
	c.mu.Lock()
	running := c.running
	lastRun := c.lastRun
	priced := len(c.prices)
	c.mu.Unlock()

	status := Status{
		IsRunning:    running,
		LastRun:      lastRun,
		ActiveOrders: make(map[string]ActiveEntry),
		FailedAssets: make(map[string]FailureEntry),
		PricedAssets: priced,
	}
	if state, err := store.LoadMaintenanceState(c.store, false); err == nil {
		for asset, ao := range state.ActiveOrders {
			status.ActiveOrders[asset] = ActiveEntry{
				Txid:          ao.Txid,
				Price:         ao.Price,
				BroadcastTime: ao.BroadcastTime,
			}
		}
		for asset, fe := range state.FailedAssets {
			status.FailedAssets[asset] = FailureEntry{
				Count:       fe.Count,
				LastError:   fe.LastError,
				LastAttempt: fe.LastAttemptTime,
			}
		}
	}
	return status
}

// Run executes one maintenance pass: find owned XCPFOLIO subassets with
// no live listing and create sell orders for them. Returns nil results
// without error when another run holds the lock.
func (c *Controller) Run(ctx context.Context) ([]RelistResult, error) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil, nil
	}
	c.running = true
	c.lastRun = time.Now()
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	token, acquired, err := c.lock.Acquire(store.MaintenanceLockKey, store.MaintenanceLockTTL)
	if err != nil {
		return nil, fmt.Errorf("maintenance lock: %w", err)
	}
	if !acquired {
		c.logger.Info().
			Msg("Maintenance lock held elsewhere, skipping run")
		return nil, nil
	}
	defer func() {
		if err := c.lock.Release(store.MaintenanceLockKey, token); err != nil {
			c.logger.Warn().
				Err(err).
				Msg("Failed to release maintenance lock")
		}
	}()

	started := time.Now()
	if state, err := store.LoadMaintenanceState(c.store, true); err == nil {
		state.BeginRun(started)
		if err := store.SaveMaintenanceState(c.store, state); err != nil {
			c.logger.Warn().
				Err(err).
				Msg("Failed to persist maintenance run start")
		}
	}
	results, err := c.run(ctx)
	c.metrics.ObserveRunDuration("maintenance", time.Since(started).Seconds())
	if err != nil {
		return results, err
	}

	relisted := 0
	for _, r := range results {
		if r.Success {
			relisted++
		}
	}
	c.logger.LogRunSummary("maintenance", len(results), relisted, len(results)-relisted, time.Since(started))
	return results, nil
}

func (c *Controller) run(ctx context.Context) ([]RelistResult, error) {
	unconfirmed, err := c.chain.GetUnconfirmedTxCount(ctx, c.cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("unconfirmed tx count: %w", err)
	}
	if unconfirmed >= c.cfg.MaxMempoolTxs {
		c.logger.Warn().
			Int("unconfirmed", unconfirmed).
			Int("max", c.cfg.MaxMempoolTxs).
			Msg("Mempool at capacity, skipping maintenance")
		return nil, nil
	}

	toProcess, results, err := c.selectAssets(ctx)
	if err != nil {
		return results, err
	}
	if len(toProcess) == 0 {
		c.logger.Info().
			Msg("All priced assets already listed")
		return results, nil
	}

	feeRate, err := c.chain.GetActualMinimumFeeRate(ctx)
	if err != nil {
		return results, fmt.Errorf("minimum fee rate: %w", err)
	}

	utxos, err := c.chain.FetchUTXOs(ctx, c.cfg.Address)
	if err != nil {
		return results, fmt.Errorf("fetch utxos: %w", err)
	}
	if len(utxos) == 0 {
		return results, fmt.Errorf("no utxos available for listing orders")
	}
	inputsSet := make([]string, len(utxos))
	for i, u := range utxos {
		inputsSet[i] = u.Outpoint()
	}

	c.logger.Info().
		Int("assets", len(toProcess)).
		Float64("fee_rate", feeRate).
		Int("utxos", len(utxos)).
		Msg("Relisting expired orders")

	processedThisRun := make(map[string]bool)
	consecutiveUTXOErrors := 0
	var lastUTXOError string

	for i, candidate := range toProcess {
		select {
		case <-ctx.Done():
			return results, ctx.Err()
		default:
		}

		res := c.listAsset(ctx, candidate.asset, candidate.price, feeRate, inputsSet, processedThisRun)
		results = append(results, res)

		if res.Success {
			processedThisRun[candidate.asset] = true
			c.metrics.RecordRelisted()
			consecutiveUTXOErrors = 0
			if i < len(toProcess)-1 {
				select {
				case <-time.After(c.cfg.WaitAfterBroadcast):
				case <-ctx.Done():
					return results, ctx.Err()
				}
			}
			continue
		}
		if res.Skipped {
			continue
		}
		c.recordAssetFailure(candidate.asset, res.Error)

		if isFundingError(res.Error) {
			c.logger.Error().
				Str("asset", candidate.asset).
				Str("error", res.Error).
				Msg("Funding problem, aborting maintenance run")
			c.notifier.Critical(
				"Maintenance aborted: insufficient funds",
				fmt.Sprintf("Listing %s failed: %s", candidate.asset, res.Error),
				map[string]interface{}{"asset": candidate.asset},
			)
			return results, fmt.Errorf("insufficient funds: %s", res.Error)
		}

		if outpoint := staleOutpoint(res.Error); outpoint != "" {
			if outpoint == lastUTXOError {
				consecutiveUTXOErrors++
			} else {
				consecutiveUTXOErrors = 1
				lastUTXOError = outpoint
			}
			if consecutiveUTXOErrors >= maxConsecutiveUTXOErrors {
				c.logger.Error().
					Str("outpoint", outpoint).
					Msg("UTXO view is stale, aborting maintenance run")
				return results, fmt.Errorf("stale utxo %s repeated %d times", outpoint, consecutiveUTXOErrors)
			}
		} else {
			consecutiveUTXOErrors = 0
		}
	}

	return results, nil
}

type relistCandidate struct {
	asset string
	price float64
}

// selectAssets returns the owned, priced subassets that have no live or
// in-flight listing, with skip results for the rest.
func (c *Controller) selectAssets(ctx context.Context) ([]relistCandidate, []RelistResult, error) {
	balances, err := c.ledger.GetXcpfolioBalances(ctx, c.cfg.Address)
	if err != nil {
		return nil, nil, fmt.Errorf("xcpfolio balances: %w", err)
	}

	openAssets, err := c.ledger.GetOpenOrderAssets(ctx, c.cfg.Address)
	if err != nil {
		return nil, nil, fmt.Errorf("open order assets: %w", err)
	}
	mempoolAssets, err := c.ledger.GetMempoolOrderAssets(ctx, c.cfg.Address)
	if err != nil {
		return nil, nil, fmt.Errorf("mempool order assets: %w", err)
	}

	state, err := store.LoadMaintenanceState(c.store, true)
	if err != nil {
		return nil, nil, fmt.Errorf("load maintenance state: %w", err)
	}

	c.mu.Lock()
	table := c.prices
	c.mu.Unlock()

	candidates, results := filterCandidates(balances, openAssets, mempoolAssets, state.ActiveOrders, table)
	return candidates, results, nil
}

// filterCandidates reduces held balances to the assets that need a new
// listing: no open order, no mempool order, no active marker, and a
// configured price. Candidates come back in stable alphabetical order.
func filterCandidates(
	balances []ledger.Balance,
	openAssets, mempoolAssets map[string]bool,
	activeOrders map[string]store.ActiveOrder,
	table prices.Table,
) ([]relistCandidate, []RelistResult) {
	var candidates []relistCandidate
	var results []RelistResult
	for _, bal := range balances {
		long := bal.AssetLongname
		if long == "" {
			long = bal.Asset
		}
		asset := strings.TrimPrefix(long, ledger.SubassetPrefix)

		if openAssets[asset] || mempoolAssets[asset] {
			continue
		}
		if _, active := activeOrders[asset]; active {
			continue
		}
		price, priced := table[asset]
		if !priced {
			results = append(results, RelistResult{
				Asset:   asset,
				Skipped: true,
				Reason:  "no price configured",
			})
			continue
		}
		candidates = append(candidates, relistCandidate{asset: asset, price: price})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].asset < candidates[j].asset
	})
	return candidates, results
}

// listAsset composes, signs and broadcasts one sell order. An active
// marker with a pending placeholder is persisted before compose so a
// crash mid-flight cannot cause a duplicate listing; the marker clears
// only by TTL.
func (c *Controller) listAsset(ctx context.Context, asset string, price float64, feeRate float64, inputsSet []string, processedThisRun map[string]bool) RelistResult {
	if processedThisRun[asset] {
		return RelistResult{Asset: asset, Skipped: true, Reason: "already listed this run"}
	}

	// Re-check with fresh reads. Another deployment or the previous
	// iteration may have listed the asset since selection.
	state, err := store.LoadMaintenanceState(c.store, true)
	if err != nil {
		return RelistResult{Asset: asset, Error: fmt.Sprintf("reload state: %v", err)}
	}
	if _, active := state.ActiveOrders[asset]; active {
		return RelistResult{Asset: asset, Skipped: true, Reason: "active marker present"}
	}
	if mempoolAssets, err := c.ledger.GetMempoolOrderAssets(ctx, c.cfg.Address); err == nil && mempoolAssets[asset] {
		return RelistResult{Asset: asset, Skipped: true, Reason: "listing already in mempool"}
	}

	if c.cfg.DryRun {
		c.logger.Info().
			Str("asset", asset).
			Float64("price", price).
			Msg("Dry run, skipping listing broadcast")
		return RelistResult{Asset: asset, Success: true, Txid: "dry-run", Price: price}
	}

	state.ActiveOrders[asset] = store.ActiveOrder{
		Asset:         asset,
		Txid:          store.PendingTxid,
		BroadcastTime: time.Now(),
		Price:         price,
	}
	if err := store.SaveMaintenanceState(c.store, state); err != nil {
		return RelistResult{Asset: asset, Error: fmt.Sprintf("reserve marker: %v", err)}
	}

	getQty := int64(price * baseUnitsPerXCP)
	composed, err := c.ledger.ComposeOrder(ctx, c.cfg.Address,
		ledger.SubassetPrefix+asset, 1, "XCP", getQty,
		c.cfg.OrderExpiration, feeRate, inputsSet)
	if err != nil {
		if c.listingVisible(ctx, asset, "") {
			return c.recoverLostListing(asset, price, "")
		}
		return RelistResult{Asset: asset, Price: price, Error: fmt.Sprintf("compose order: %v", err)}
	}

	signed, err := c.signer.Sign(ctx, composed.RawTransaction)
	if err != nil {
		if c.listingVisible(ctx, asset, "") {
			return c.recoverLostListing(asset, price, "")
		}
		return RelistResult{Asset: asset, Price: price, Error: fmt.Sprintf("sign order: %v", err)}
	}
	if signed.Fee > c.cfg.MaxTotalFeeSats {
		return RelistResult{Asset: asset, Price: price,
			Error: fmt.Sprintf("order fee %d sats exceeds maximum %d sats", signed.Fee, c.cfg.MaxTotalFeeSats)}
	}

	txid, err := c.chain.BroadcastTransaction(ctx, signed.Hex)
	if err != nil {
		if c.listingVisible(ctx, asset, signed.Txid) {
			return c.recoverLostListing(asset, price, signed.Txid)
		}
		return RelistResult{Asset: asset, Price: price, Error: fmt.Sprintf("broadcast order: %v", err)}
	}

	c.recordListing(asset, txid, price)

	select {
	case <-time.After(c.verifyWait):
	case <-ctx.Done():
		return RelistResult{Asset: asset, Success: true, Txid: txid, Price: price}
	}
	if inMempool, err := c.chain.IsInMempool(ctx, txid); err == nil && !inMempool {
		c.logger.Warn().
			Str("asset", asset).
			Str("txid", txid).
			Msg("Listing not visible in mempool after broadcast")
	}

	c.logger.Info().
		Str("asset", asset).
		Str("txid", txid).
		Float64("price", price).
		Int("expiration_blocks", c.cfg.OrderExpiration).
		Msg("Listing order broadcast")
	return RelistResult{Asset: asset, Success: true, Txid: txid, Price: price}
}

// listingVisible waits briefly and checks whether a listing for the
// asset landed in the mempool despite an error response. A known txid
// narrows the check to the signed transaction itself.
func (c *Controller) listingVisible(ctx context.Context, asset, txid string) bool {
	select {
	case <-time.After(c.verifyWait):
	case <-ctx.Done():
		return false
	}
	if txid != "" {
		if inMempool, err := c.chain.IsInMempool(ctx, txid); err == nil && inMempool {
			return true
		}
	}
	mempoolAssets, err := c.ledger.GetMempoolOrderAssets(ctx, c.cfg.Address)
	return err == nil && mempoolAssets[asset]
}

// recoverLostListing settles an errored listing whose order is visible
// in the mempool anyway: the broadcast went through and the response
// was lost.
func (c *Controller) recoverLostListing(asset string, price float64, txid string) RelistResult {
	c.logger.Warn().
		Str("asset", asset).
		Str("txid", txid).
		Msg("Listing errored but order is in the mempool, treating as broadcast")
	if txid != "" {
		c.recordListing(asset, txid, price)
	}
	return RelistResult{Asset: asset, Success: true, Txid: txid, Price: price}
}

// recordListing replaces the pending placeholder with the broadcast
// txid.
func (c *Controller) recordListing(asset, txid string, price float64) {
	state, err := store.LoadMaintenanceState(c.store, true)
	if err != nil {
		return
	}
	state.ActiveOrders[asset] = store.ActiveOrder{
		Asset:         asset,
		Txid:          txid,
		BroadcastTime: time.Now(),
		Price:         price,
	}
	if err := store.SaveMaintenanceState(c.store, state); err != nil {
		c.logger.Warn().
			Err(err).
			Str("asset", asset).
			Msg("Failed to persist listing marker")
	}
}

// recordAssetFailure persists a per-asset failure for the status
// surface.
func (c *Controller) recordAssetFailure(asset, errMsg string) {
	state, err := store.LoadMaintenanceState(c.store, true)
	if err != nil {
		return
	}
	state.RecordAssetFailure(asset, errMsg, time.Now())
	if err := store.SaveMaintenanceState(c.store, state); err != nil {
		c.logger.Warn().
			Err(err).
			Str("asset", asset).
			Msg("Failed to persist asset failure")
	}
}

// isFundingError reports whether a listing failure means the address is
// out of spendable funds, which dooms every remaining asset in the run.
func isFundingError(errMsg string) bool {
	lower := strings.ToLower(errMsg)
	return strings.Contains(lower, "insufficient") ||
		strings.Contains(lower, "not enough") ||
		strings.Contains(lower, "no utxos") ||
		strings.Contains(lower, "balance")
}

// staleOutpoint extracts a "txid:vout" token from a compose error, or
// "" when the error is not about a missing input.
func staleOutpoint(errMsg string) string {
	lower := strings.ToLower(errMsg)
	if !strings.Contains(lower, "utxo") && !strings.Contains(lower, "outpoint") && !strings.Contains(lower, "missing") {
		return ""
	}
	for _, field := range strings.Fields(errMsg) {
		field = strings.Trim(field, "(),.;'\"")
		idx := strings.IndexByte(field, ':')
		if idx != 64 {
			continue
		}
		if isHex(field[:idx]) && isDigits(field[idx+1:]) {
			return field
		}
	}
	return ""
}

func isHex(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') && (r < 'A' || r > 'F') {
			return false
		}
	}
	return len(s) > 0
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
