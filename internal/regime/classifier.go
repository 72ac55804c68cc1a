// Package regime classifies the market into a coarse regime from
// volatility, trend strength and recent range compression.
package regime

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Regime represents a market regime
type Regime string

const (
	Trending Regime = "trending"
	Ranging  Regime = "ranging"
	Volatile Regime = "volatile"
	Unknown  Regime = "unknown"
)

// Ordinal returns a stable numeric code, used for gauges.
func (r Regime) Ordinal() int {
	switch r {
	case Trending:
		return 1
	case Ranging:
		return 2
	case Volatile:
		return 3
	default:
		return 0
	}
}

// Inputs are the market measurements the classifier reads.
type Inputs struct {
	ATR           float64 `json:"atr"`
	Close         float64 `json:"close"`
	TrendStrength float64 `json:"trendStrength"` // ADX
	High20        float64 `json:"high20"`
	Low20         float64 `json:"low20"`
}

// Config holds the classification thresholds.
type Config struct {
	VolatileATRPercent float64 `json:"volatileAtrPercent"`
	TrendingStrength   float64 `json:"trendingStrength"`
	RangeWidthPercent  float64 `json:"rangeWidthPercent"`
	RangingMaxStrength float64 `json:"rangingMaxStrength"`
	RangeLookback      int     `json:"rangeLookback"`
	HistorySize        int     `json:"historySize"`
	TrendingMultiplier float64 `json:"trendingMultiplier"`
	RangingMultiplier  float64 `json:"rangingMultiplier"`
	VolatileMultiplier float64 `json:"volatileMultiplier"`
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		VolatileATRPercent: 3.0,
		TrendingStrength:   25,
		RangeWidthPercent:  5.0,
		RangingMaxStrength: 20,
		RangeLookback:      20,
		HistorySize:        500,
		TrendingMultiplier: 1.15,
		RangingMultiplier:  0.90,
		VolatileMultiplier: 0.85,
	}
}

// Classify applies the rules in order; the first match wins.
func (c Config) Classify(in Inputs) Regime {
	if !finite(in.ATR, in.Close, in.TrendStrength, in.High20, in.Low20) {
		return Unknown
	}
	if in.Close <= 0 {
		return Unknown
	}

	volatility := in.ATR / in.Close * 100
	if volatility > c.VolatileATRPercent {
		return Volatile
	}
	if in.TrendStrength > c.TrendingStrength {
		return Trending
	}
	if in.Low20 <= 0 {
		return Unknown
	}

	rangePercent := (in.High20 - in.Low20) / in.Low20 * 100
	if rangePercent < c.RangeWidthPercent && in.TrendStrength < c.RangingMaxStrength {
		return Ranging
	}
	return Unknown
}

// Multiplier returns the confidence multiplier for a regime.
func (c Config) Multiplier(r Regime) float64 {
	switch r {
	case Trending:
		return c.TrendingMultiplier
	case Ranging:
		return c.RangingMultiplier
	case Volatile:
		return c.VolatileMultiplier
	default:
		return 1.0
	}
}

func finite(vals ...float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// State is the regime currently in force.
type State struct {
	Regime    Regime        `json:"regime"`
	Inputs    Inputs        `json:"inputs"`
	StartedAt time.Time     `json:"startedAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
	Duration  time.Duration `json:"duration"`
	Cycles    int           `json:"cycles"`
}

// Statistics summarises observed regimes.
type Statistics struct {
	Current      Regime         `json:"current"`
	Counts       map[Regime]int `json:"counts"`
	Transitions  int            `json:"transitions"`
	Observations int            `json:"observations"`
}

// Classifier classifies each cycle and tracks how long a regime has held.
// Classification never depends on the tracked state.
type Classifier struct {
	logger *zap.Logger
	config Config

	mu          sync.RWMutex
	current     *State
	history     []State
	counts      map[Regime]int
	transitions int
}

// NewClassifier creates a regime classifier
func NewClassifier(logger *zap.Logger, config Config) *Classifier {
	return &Classifier{
		logger: logger.Named("regime"),
		config: config,
		counts: make(map[Regime]int),
	}
}

// Config returns the classifier thresholds.
func (c *Classifier) Config() Config {
	return c.config
}

// Observe classifies in at time now and records the result.
func (c *Classifier) Observe(in Inputs, now time.Time) Regime {
	r := c.config.Classify(in)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.counts[r]++
	if c.current != nil && c.current.Regime == r {
		c.current.Inputs = in
		c.current.UpdatedAt = now
		c.current.Duration = now.Sub(c.current.StartedAt)
		c.current.Cycles++
		return r
	}

	if c.current != nil {
		c.transitions++
		c.history = append(c.history, *c.current)
		if n := c.config.HistorySize; n > 0 && len(c.history) > n {
			c.history = c.history[len(c.history)-n:]
		}
		c.logger.Info("Regime changed",
			zap.String("from", string(c.current.Regime)),
			zap.String("to", string(r)),
			zap.Int("cycles", c.current.Cycles))
	}

	c.current = &State{
		Regime:    r,
		Inputs:    in,
		StartedAt: now,
		UpdatedAt: now,
		Cycles:    1,
	}
	return r
}

// Current returns the regime currently in force.
func (c *Classifier) Current() State {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.current == nil {
		return State{Regime: Unknown}
	}
	return *c.current
}

// History returns up to limit previous regimes, oldest first.
func (c *Classifier) History(limit int) []State {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if limit <= 0 || limit > len(c.history) {
		limit = len(c.history)
	}
	out := make([]State, limit)
	copy(out, c.history[len(c.history)-limit:])
	return out
}

// Stats returns regime statistics
func (c *Classifier) Stats() Statistics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := Statistics{
		Current:     Unknown,
		Counts:      make(map[Regime]int, len(c.counts)),
		Transitions: c.transitions,
	}
	for r, n := range c.counts {
		stats.Counts[r] = n
		stats.Observations += n
	}
	if c.current != nil {
		stats.Current = c.current.Regime
	}
	return stats
}
