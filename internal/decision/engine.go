// Package decision combines family scores into a trade decision.
package decision

import (
	"math"

	"github.com/atlas-desktop/confluence-engine/internal/regime"
	"github.com/atlas-desktop/confluence-engine/internal/signals"
	"github.com/atlas-desktop/confluence-engine/pkg/types"
	"go.uber.org/zap"
)

// Config configures the decision engine.
type Config struct {
	MinConfidence      float64 `json:"minConfidence"`      // 0-100
	AgreementThreshold float64 `json:"agreementThreshold"` // family counts as bullish/bearish beyond this
	DirectionThreshold float64 `json:"directionThreshold"` // weighted score dead band
	ShockMultiple      float64 `json:"shockMultiple"`      // ATR vs its average
	ShockDampener      float64 `json:"shockDampener"`
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		MinConfidence:      75,
		AgreementThreshold: 0.2,
		DirectionThreshold: 0.15,
		ShockMultiple:      3.0,
		ShockDampener:      0.90,
	}
}

// Contribution is one family's part in a decision.
type Contribution struct {
	Family   signals.Family `json:"family"`
	Score    float64        `json:"score"`
	Weight   float64        `json:"weight"`
	Weighted float64        `json:"weighted"`
	Strength int            `json:"strength"` // 0-3
}

// TradeDecision is the outcome of one decision pass.
type TradeDecision struct {
	Direction        types.Direction `json:"direction"`
	Confidence       float64         `json:"confidence"`
	RawScore         float64         `json:"rawScore"`
	AgreementPercent int             `json:"agreementPercent"`

	RawConfidence    float64        `json:"rawConfidence"`
	RegimeMultiplier float64        `json:"regimeMultiplier"`
	Dampener         float64        `json:"dampener"`
	Bullish          int            `json:"bullish"`
	Bearish          int            `json:"bearish"`
	TotalFamilies    int            `json:"totalFamilies"`
	Regime           regime.Regime  `json:"regime"`
	Contributions    []Contribution `json:"contributions"`
}

// Actionable reports whether the decision asks for an entry.
func (d TradeDecision) Actionable() bool {
	_, ok := d.Direction.Side()
	return ok
}

// Inputs carries the market context the engine reads besides the scores.
type Inputs struct {
	Regime regime.Regime
	ATR    float64
	AvgATR float64
}

// Engine turns family scores into a TradeDecision. It is pure apart from
// logging.
type Engine struct {
	logger  *zap.Logger
	config  Config
	weights Weights
	regimes regime.Config
}

// NewEngine creates a decision engine. It fails when the weight table is
// invalid.
func NewEngine(logger *zap.Logger, config Config, weights Weights, regimes regime.Config) (*Engine, error) {
	if err := weights.Validate(); err != nil {
		return nil, err
	}
	w := make(Weights, len(weights))
	for f, v := range weights {
		w[f] = v
	}
	return &Engine{
		logger:  logger.Named("decision-engine"),
		config:  config,
		weights: w,
		regimes: regimes,
	}, nil
}

// Weights returns a copy of the weight table.
func (e *Engine) Weights() Weights {
	w := make(Weights, len(e.weights))
	for f, v := range e.weights {
		w[f] = v
	}
	return w
}

// Decide combines scores into a decision.
func (e *Engine) Decide(scores signals.Scores, in Inputs) TradeDecision {
	d := TradeDecision{
		Direction: types.DirectionNone,
		Regime:    in.Regime,
		Dampener:  1.0,
	}

	for _, fs := range scores {
		weight, ok := e.weights[fs.Family]
		if !ok {
			continue
		}
		weighted := fs.Score * weight
		d.RawScore += weighted
		d.TotalFamilies++

		switch {
		case fs.Score > e.config.AgreementThreshold:
			d.Bullish++
		case fs.Score < -e.config.AgreementThreshold:
			d.Bearish++
		}

		d.Contributions = append(d.Contributions, Contribution{
			Family:   fs.Family,
			Score:    fs.Score,
			Weight:   weight,
			Weighted: weighted,
			Strength: strength(fs.Score),
		})
	}

	d.RawConfidence = math.Abs(d.RawScore) * 100
	d.RegimeMultiplier = e.regimes.Multiplier(in.Regime)
	adjusted := math.Min(100, d.RawConfidence*d.RegimeMultiplier)

	if in.AvgATR > 0 && in.ATR > in.AvgATR*e.config.ShockMultiple {
		d.Dampener = e.config.ShockDampener
		e.logger.Info("Volatility shock, confidence dampened",
			zap.Float64("atr", in.ATR),
			zap.Float64("avgAtr", in.AvgATR))
	}
	d.Confidence = math.Min(100, adjusted*d.Dampener)

	if d.TotalFamilies > 0 {
		d.AgreementPercent = max(d.Bullish, d.Bearish) * 100 / d.TotalFamilies

		switch {
		case d.RawScore > e.config.DirectionThreshold && d.Confidence >= e.config.MinConfidence:
			d.Direction = types.DirectionBuy
		case d.RawScore < -e.config.DirectionThreshold && d.Confidence >= e.config.MinConfidence:
			d.Direction = types.DirectionSell
		}
	}

	e.logger.Debug("Decision",
		zap.String("direction", string(d.Direction)),
		zap.Float64("score", d.RawScore),
		zap.Float64("confidence", d.Confidence),
		zap.Int("agreement", d.AgreementPercent),
		zap.String("regime", string(in.Regime)))

	return d
}

func strength(score float64) int {
	abs := math.Abs(score)
	switch {
	case abs >= 0.8:
		return 3
	case abs >= 0.5:
		return 2
	case abs >= 0.3:
		return 1
	default:
		return 0
	}
}
