// Package signals scores the market with eight independent rule families
// and tracks the inputs they share: Fibonacci levels and order flow.
package signals

import (
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"
)

// FamilyScore is one family's result for a cycle.
type FamilyScore struct {
	Family  Family  `json:"family"`
	Score   float64 `json:"score"`
	Signals int     `json:"signals"`
	Faulted bool    `json:"faulted,omitempty"`
}

// Scores holds every family's result in evaluation order.
type Scores []FamilyScore

// Get returns the score for a family.
func (s Scores) Get(f Family) (FamilyScore, bool) {
	for _, fs := range s {
		if fs.Family == f {
			return fs, true
		}
	}
	return FamilyScore{}, false
}

// Map returns family -> score.
func (s Scores) Map() map[Family]float64 {
	out := make(map[Family]float64, len(s))
	for _, fs := range s {
		out[fs.Family] = fs.Score
	}
	return out
}

// Faulted returns the families neutralised this cycle.
func (s Scores) Faulted() []Family {
	var out []Family
	for _, fs := range s {
		if fs.Faulted {
			out = append(out, fs.Family)
		}
	}
	return out
}

// AggregatorConfig configures the aggregator.
type AggregatorConfig struct {
	// LiquidityBoost scales the Liquidity score on a whale cycle.
	LiquidityBoost float64 `json:"liquidityBoost"`
}

// DefaultAggregatorConfig returns the standard configuration.
func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{LiquidityBoost: 1.3}
}

// Aggregator evaluates the family rule table against a snapshot.
type Aggregator struct {
	logger *zap.Logger
	config AggregatorConfig

	mu       sync.RWMutex
	families map[Family]FamilySpec
}

// NewAggregator creates an aggregator with the default rule table.
func NewAggregator(logger *zap.Logger, config AggregatorConfig) *Aggregator {
	return &Aggregator{
		logger:   logger.Named("signal-aggregator"),
		config:   config,
		families: DefaultFamilies(),
	}
}

// SetFamily replaces the rule list of one family.
func (a *Aggregator) SetFamily(f Family, spec FamilySpec) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.families[f] = spec
}

// Aggregate scores every family. When flow is non-nil its imbalance feeds
// Liquidity, and a whale cycle boosts the finished Liquidity score.
func (a *Aggregator) Aggregate(snap Snapshot, flow *OrderFlowState) Scores {
	if flow != nil {
		snap.Imbalance = flow.Imbalance
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	scores := make(Scores, 0, len(Families))
	for _, f := range Families {
		spec, ok := a.families[f]
		if !ok {
			scores = append(scores, FamilyScore{Family: f})
			continue
		}
		scores = append(scores, a.evaluate(f, spec, &snap))
	}

	if flow != nil && flow.Whale {
		for i := range scores {
			if scores[i].Family == Liquidity && !scores[i].Faulted {
				scores[i].Score *= a.config.LiquidityBoost
			}
		}
	}

	return scores
}

// evaluate runs one family in isolation. A panic or a non-finite result
// neutralises the family without touching the others.
func (a *Aggregator) evaluate(f Family, spec FamilySpec, snap *Snapshot) (result FamilyScore) {
	defer func() {
		if rec := recover(); rec != nil {
			a.logger.Error("Family evaluation panicked",
				zap.String("family", string(f)),
				zap.String("panic", fmt.Sprint(rec)))
			result = FamilyScore{Family: f, Faulted: true}
		}
	}()

	score, signals := 0.0, 0
	for _, rule := range spec.Rules {
		if v, fired := rule(snap); fired {
			score += v
			signals++
		}
	}

	result = FamilyScore{Family: f, Signals: signals}
	if signals > 0 {
		result.Score = score / float64(signals)
		if spec.Scale != nil {
			result.Score *= spec.Scale(snap)
		}
	}

	if math.IsNaN(result.Score) || math.IsInf(result.Score, 0) {
		a.logger.Warn("Family produced non-finite score",
			zap.String("family", string(f)))
		return FamilyScore{Family: f, Faulted: true}
	}
	return result
}
