package execution

import (
	"context"
	"errors"

	"github.com/atlas-desktop/confluence-engine/pkg/types"
	"go.uber.org/zap"
)

// SupervisorConfig configures trailing-stop management.
type SupervisorConfig struct {
	StopATR      float64 `json:"stopAtr"`      // stop distance in ATRs
	ActivateFrac float64 `json:"activateFrac"` // profit needed, as a fraction of the stop distance
	TrailATR     float64 `json:"trailAtr"`     // new stop offset from entry in ATRs
}

// DefaultSupervisorConfig returns the standard configuration.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		StopATR:      2.0,
		ActivateFrac: 0.75,
		TrailATR:     0.5,
	}
}

// StopAdjustment is one stop move proposed or applied by the supervisor.
type StopAdjustment struct {
	PositionID string     `json:"positionId"`
	Side       types.Side `json:"side"`
	OldStop    float64    `json:"oldStop"`
	NewStop    float64    `json:"newStop"`
	Profit     float64    `json:"profit"` // price units
	Applied    bool       `json:"applied"`
	Error      string     `json:"error,omitempty"`
}

// PositionSupervisor moves stops of profitable positions toward break-even.
type PositionSupervisor struct {
	logger *zap.Logger
	config SupervisorConfig
	broker BrokerPort
}

// NewPositionSupervisor creates a new supervisor.
func NewPositionSupervisor(logger *zap.Logger, config SupervisorConfig, broker BrokerPort) *PositionSupervisor {
	return &PositionSupervisor{
		logger: logger.Named("supervisor"),
		config: config,
		broker: broker,
	}
}

// Propose returns the stop the position should move to, if any.
func (s *PositionSupervisor) Propose(p types.Position, price, atr float64) (StopAdjustment, bool) {
	if atr <= 0 {
		return StopAdjustment{}, false
	}

	profit := price - p.EntryPrice
	if p.Side == types.SideSell {
		profit = p.EntryPrice - price
	}
	if profit <= s.config.ActivateFrac*s.config.StopATR*atr {
		return StopAdjustment{}, false
	}

	adj := StopAdjustment{
		PositionID: p.ID,
		Side:       p.Side,
		OldStop:    p.StopLoss,
		Profit:     profit,
	}

	switch p.Side {
	case types.SideBuy:
		adj.NewStop = p.EntryPrice + s.config.TrailATR*atr
		if p.StopLoss < adj.NewStop {
			return adj, true
		}
	case types.SideSell:
		adj.NewStop = p.EntryPrice - s.config.TrailATR*atr
		if p.StopLoss == 0 || p.StopLoss > adj.NewStop {
			return adj, true
		}
	}
	return StopAdjustment{}, false
}

// Supervise applies every proposed adjustment. A failed modification is
// logged and the remaining positions are still processed.
func (s *PositionSupervisor) Supervise(ctx context.Context, positions []types.Position, price, atr float64) []StopAdjustment {
	var out []StopAdjustment
	for _, p := range positions {
		adj, ok := s.Propose(p, price, atr)
		if !ok {
			continue
		}

		if err := s.broker.ModifyStop(ctx, p.ID, adj.NewStop); err != nil {
			adj.Error = err.Error()
			s.logger.Warn("Stop modification failed",
				zap.String("positionId", p.ID),
				zap.Float64("stop", adj.NewStop),
				zap.Error(err))
		} else {
			adj.Applied = true
			s.logger.Info("Trailing stop moved",
				zap.String("positionId", p.ID),
				zap.String("side", string(p.Side)),
				zap.Float64("from", adj.OldStop),
				zap.Float64("to", adj.NewStop))
		}
		out = append(out, adj)
	}
	return out
}

// CloseAll asks the broker to close every position. Positions the broker no
// longer knows are skipped; other failures are joined.
func (s *PositionSupervisor) CloseAll(ctx context.Context, positions []types.Position) (int, error) {
	var (
		closed int
		errs   []error
	)
	for _, p := range positions {
		err := s.broker.ClosePosition(ctx, p.ID)
		switch {
		case err == nil:
			closed++
		case errors.Is(err, ErrPositionNotFound):
		default:
			s.logger.Error("Failed to close position",
				zap.String("positionId", p.ID),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	return closed, errors.Join(errs...)
}
