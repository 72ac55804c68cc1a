package signals

import (
	"github.com/atlas-desktop/confluence-engine/pkg/types"
	"go.uber.org/zap"
)

// OrderFlowConfig configures the order flow tracker.
type OrderFlowConfig struct {
	TickSize      float64 `json:"tickSize"`
	WhaleMultiple float64 `json:"whaleMultiple"`
	ResetEvery    int     `json:"resetEvery"`
}

// DefaultOrderFlowConfig returns defaults for an instrument with the given
// minimum price increment.
func DefaultOrderFlowConfig(tickSize float64) OrderFlowConfig {
	return OrderFlowConfig{
		TickSize:      tickSize,
		WhaleMultiple: 3.0,
		ResetEvery:    20,
	}
}

// OrderFlowState is the running intrabar pressure estimate.
type OrderFlowState struct {
	BuyVolume       float64 `json:"buyVolume"`
	SellVolume      float64 `json:"sellVolume"`
	Imbalance       float64 `json:"imbalance"`
	Whale           bool    `json:"whale"`
	LargeOrderRatio float64 `json:"largeOrderRatio"`
	Cycles          int     `json:"cycles"`
}

// OrderFlowTracker attributes each bar's volume to buyers or sellers by
// where the close sits relative to the open, scaled by the bar range.
type OrderFlowTracker struct {
	logger *zap.Logger
	config OrderFlowConfig
	state  OrderFlowState
}

// NewOrderFlowTracker creates an order flow tracker
func NewOrderFlowTracker(logger *zap.Logger, config OrderFlowConfig) *OrderFlowTracker {
	return &OrderFlowTracker{
		logger: logger.Named("order-flow"),
		config: config,
	}
}

// Update folds the current bar in and returns the new state.
// avgVolume is the volume moving average; a non-positive value disables
// whale detection for the cycle.
func (t *OrderFlowTracker) Update(bar types.Bar, avgVolume float64) OrderFlowState {
	s := &t.state

	span := bar.Range()
	if span > t.config.TickSize*2 && span > 0 {
		switch {
		case bar.Close > bar.Open:
			s.BuyVolume += bar.Volume * (bar.Close - bar.Open) / span
		case bar.Close < bar.Open:
			s.SellVolume += bar.Volume * (bar.Open - bar.Close) / span
		}
	}

	if total := s.BuyVolume + s.SellVolume; total > 0 {
		s.Imbalance = (s.BuyVolume - s.SellVolume) / total
	}

	s.Whale = false
	if avgVolume > 0 && bar.Volume > avgVolume*t.config.WhaleMultiple {
		s.Whale = true
		s.LargeOrderRatio = bar.Volume / avgVolume
		t.logger.Info("Whale alert",
			zap.Float64("ratio", s.LargeOrderRatio),
			zap.Float64("volume", bar.Volume))
	}

	s.Cycles++
	if t.config.ResetEvery > 0 && s.Cycles%t.config.ResetEvery == 0 {
		s.BuyVolume = 0
		s.SellVolume = 0
	}

	return *s
}

// State returns the current state.
func (t *OrderFlowTracker) State() OrderFlowState {
	return t.state
}

// Reset clears all accumulated state.
func (t *OrderFlowTracker) Reset() {
	t.state = OrderFlowState{}
}
