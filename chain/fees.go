package chain

import (
	"context"
	"fmt"
)

// FeeRates mirrors the mempool.space recommended-fee response, in
// sat/vB.
type FeeRates struct {
	FastestFee  float64 `json:"fastestFee"`
	HalfHourFee float64 `json:"halfHourFee"`
	HourFee     float64 `json:"hourFee"`
	EconomyFee  float64 `json:"economyFee"`
	MinimumFee  float64 `json:"minimumFee"`
}

// GetFeeRates returns the current recommended fee tiers.
func (c *Client) GetFeeRates(ctx context.Context) (*FeeRates, error) {
	var rates FeeRates
	if err := c.getJSON(ctx, "/v1/fees/recommended", &rates); err != nil {
		return nil, fmt.Errorf("fee rates: %w", err)
	}
	return &rates, nil
}

// GetOptimalFeeRate returns the next-block fee rate as an integer
// sat/vB, never below 1. Fulfillment is latency-sensitive and pays for
// the next block.
func (c *Client) GetOptimalFeeRate(ctx context.Context) (int64, error) {
	rates, err := c.GetFeeRates(ctx)
	if err != nil {
		return 0, err
	}
	rate := int64(rates.FastestFee)
	if rate < 1 {
		rate = 1
	}
	return rate, nil
}

// GetActualMinimumFeeRate returns the lowest fee rate the mempool will
// relay, preserving sub-1 values. Maintenance is not latency-sensitive
// and rides the floor.
func (c *Client) GetActualMinimumFeeRate(ctx context.Context) (float64, error) {
	rates, err := c.GetFeeRates(ctx)
	if err != nil {
		return 0, err
	}
	min := rates.MinimumFee
	if min <= 0 {
		min = 1
	}
	if rates.EconomyFee > 0 && rates.EconomyFee < min {
		min = rates.EconomyFee
	}
	return min, nil
}
