// Package sizing converts a risk budget and a stop distance into an order
// quantity within the instrument's limits.
package sizing

import (
	"math"

	"github.com/atlas-desktop/confluence-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SizingConfig configures position sizing
type SizingConfig struct {
	Precision int32 `json:"precision"` // decimal places of the quantity
}

// DefaultSizingConfig returns the standard configuration.
func DefaultSizingConfig() SizingConfig {
	return SizingConfig{Precision: 4}
}

// Limiting factors reported in SizingResult.
const (
	LimitRisk    = "risk"
	LimitMinSize = "min_size"
	LimitMaxSize = "max_size"
	LimitInvalid = "invalid_input"
)

// SizingRequest contains inputs for position sizing
type SizingRequest struct {
	RiskAmount   float64          `json:"riskAmount"`   // account currency
	StopDistance float64          `json:"stopDistance"` // price units
	Instrument   types.Instrument `json:"instrument"`
}

// SizingResult contains the calculated position size
type SizingResult struct {
	Quantity       decimal.Decimal `json:"quantity"`
	RawQuantity    float64         `json:"rawQuantity"`
	LimitingFactor string          `json:"limitingFactor"`
}

// Tradable reports whether the result allows an order.
func (r SizingResult) Tradable() bool {
	return r.Quantity.IsPositive()
}

// PositionSizer calculates position sizes
type PositionSizer struct {
	logger *zap.Logger
	config SizingConfig
}

// NewPositionSizer creates a new position sizer
func NewPositionSizer(logger *zap.Logger, config SizingConfig) *PositionSizer {
	return &PositionSizer{
		logger: logger.Named("position-sizer"),
		config: config,
	}
}

// CalculateSize returns riskAmount / stopDistance clamped to the
// instrument limits and rounded. A zero quantity means "no trade".
func (ps *PositionSizer) CalculateSize(req SizingRequest) SizingResult {
	result := SizingResult{Quantity: decimal.Zero, LimitingFactor: LimitInvalid}

	if !finite(req.RiskAmount) || !finite(req.StopDistance) || req.StopDistance <= 0 || req.RiskAmount <= 0 {
		ps.logger.Debug("Sizing rejected",
			zap.Float64("risk", req.RiskAmount),
			zap.Float64("stopDistance", req.StopDistance))
		return result
	}

	raw := req.RiskAmount / req.StopDistance
	result.RawQuantity = raw

	qty := raw
	result.LimitingFactor = LimitRisk
	if qty < req.Instrument.MinSize {
		qty = req.Instrument.MinSize
		result.LimitingFactor = LimitMinSize
	}
	if req.Instrument.MaxSize > 0 && qty > req.Instrument.MaxSize {
		qty = req.Instrument.MaxSize
		result.LimitingFactor = LimitMaxSize
	}

	rounded := decimal.NewFromFloat(qty).Round(ps.config.Precision)
	if !rounded.IsPositive() {
		result.Quantity = decimal.Zero
		return result
	}
	result.Quantity = rounded
	return result
}

// Size is CalculateSize reduced to the quantity.
func (ps *PositionSizer) Size(riskAmount, stopDistance float64, instrument types.Instrument) float64 {
	return ps.CalculateSize(SizingRequest{
		RiskAmount:   riskAmount,
		StopDistance: stopDistance,
		Instrument:   instrument,
	}).Quantity.InexactFloat64()
}

// RiskAmount is the capital put at risk for one trade:
// balance × maxRiskPercent/100 × confidence/100, confidence clamped to [0,100].
func RiskAmount(balance, maxRiskPercent, confidence float64) float64 {
	if !finite(balance) || !finite(maxRiskPercent) || !finite(confidence) {
		return 0
	}
	fraction := math.Max(0, math.Min(1, confidence/100))
	return balance * maxRiskPercent / 100 * fraction
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
