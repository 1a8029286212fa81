// Package gasprice estimates the gas price to submit a new response at.
// See spec.md §2's "Gas price estimator" component.
package gasprice

import (
	"context"
	"fmt"
	"math/big"
)

// NodeGasPriceSource is the node call the estimator builds on
// (getGasPrice, spec.md §6).
type NodeGasPriceSource interface {
	GetGasPrice(ctx context.Context) (*big.Int, error)
}

// Estimator implements responder.GasPriceEstimator against a live node
// suggestion, with a configurable floor and multiplier — grounded on the
// teacher's SendContractTransaction, which enforces a minimum gas price
// floor before submission.
type Estimator struct {
	source     NodeGasPriceSource
	floor      *big.Int
	multiplier *big.Int // percent, e.g. 100 = no change, 120 = +20%
}

// NewEstimator builds an Estimator. floor may be nil for no floor.
// multiplierPercent of 0 is treated as 100 (no adjustment).
func NewEstimator(source NodeGasPriceSource, floor *big.Int, multiplierPercent int64) *Estimator {
	if multiplierPercent == 0 {
		multiplierPercent = 100
	}
	return &Estimator{source: source, floor: floor, multiplier: big.NewInt(multiplierPercent)}
}

// EstimateGasPrice implements responder.GasPriceEstimator.
func (e *Estimator) EstimateGasPrice(ctx context.Context) (*big.Int, error) {
	price, err := e.source.GetGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gasprice: suggest price: %w", err)
	}
	adjusted := new(big.Int).Mul(price, e.multiplier)
	adjusted = adjusted.Div(adjusted, big.NewInt(100))
	if e.floor != nil && adjusted.Cmp(e.floor) < 0 {
		adjusted = new(big.Int).Set(e.floor)
	}
	return adjusted, nil
}
