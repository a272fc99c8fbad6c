package fulfillment

import (
	"fmt"
	"time"
)

// failureResetAfter discards a failure record wholesale, giving the
// order a clean slate.
const failureResetAfter = time.Hour

// retryTier maps a failure count to its cap and minimum wait.
type retryTier struct {
	maxRetries int
	minWait    time.Duration
}

// tierFor returns the tier for a given failure count. baseRetries sets
// the width of the fast tier (MAX_RETRIES, default 10). The controller
// never permanently gives up while under the cap; the final tier just
// slows the cadence to one attempt per five minutes.
func tierFor(count, baseRetries int) retryTier {
	switch {
	case count < baseRetries:
		return retryTier{maxRetries: baseRetries, minWait: 5 * time.Second}
	case count < 25:
		return retryTier{maxRetries: 25, minWait: 30 * time.Second}
	case count < 50:
		return retryTier{maxRetries: 50, minWait: 60 * time.Second}
	default:
		return retryTier{maxRetries: 100, minWait: 5 * time.Minute}
	}
}

// alertThresholds are the failure counts at which a critical alert is
// raised exactly once each.
var alertThresholds = []int{10, 25, 50}

// checkRetryGate applies the progressive retry policy for an order with
// a prior failure record. It returns a non-nil soft-fail Result when
// the order must wait, or nil when the attempt may proceed.
func (c *Controller) checkRetryGate(orderHash, asset, buyer string, now time.Time) *Result {
	c.mu.Lock()
	rec, exists := c.failures[orderHash]
	if !exists {
		c.mu.Unlock()
		return nil
	}

	if now.Sub(rec.FirstFailure) > failureResetAfter {
		delete(c.failures, orderHash)
		c.mu.Unlock()
		c.logger.Info().
			Str("order_hash", orderHash).
			Int("previous_count", rec.Count).
			Msg("Failure record expired, resetting retry state")
		return nil
	}

	tier := tierFor(rec.Count, c.cfg.MaxRetries)
	wait := now.Sub(rec.LastAttempt)
	c.mu.Unlock()

	if wait < tier.minWait {
		return &Result{
			OrderHash: orderHash,
			Asset:     asset,
			Buyer:     buyer,
			Success:   false,
			Stage:     StageBackoff,
			Error: fmt.Sprintf("retry backoff: %s of %s elapsed after %d failures",
				wait.Round(time.Second), tier.minWait, rec.Count),
		}
	}
	return nil
}

// recordFailure updates the failure record for an order and raises
// threshold alerts.
func (c *Controller) recordFailure(orderHash, asset, stage string, failure error, now time.Time) {
	c.mu.Lock()
	rec, exists := c.failures[orderHash]
	if !exists {
		rec = &FailureRecord{FirstFailure: now}
		c.failures[orderHash] = rec
	}
	rec.Count++
	rec.LastError = failure.Error()
	rec.Stage = stage
	rec.LastAttempt = now
	count := rec.Count
	c.mu.Unlock()

	c.metrics.RecordError(stage)

	for _, threshold := range alertThresholds {
		if count == threshold {
			c.metrics.RecordRetryAlert()
			c.notifier.Critical(
				"Order fulfillment failing repeatedly",
				fmt.Sprintf("Order %s has failed %d times at stage %s: %s", orderHash, count, stage, failure),
				map[string]interface{}{
					"orderHash": orderHash,
					"asset":     asset,
					"stage":     stage,
					"count":     count,
				},
			)
		}
	}
}

// clearFailure removes the failure record after a successful attempt.
func (c *Controller) clearFailure(orderHash string) {
	c.mu.Lock()
	delete(c.failures, orderHash)
	c.mu.Unlock()
}
