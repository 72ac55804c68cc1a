package signals_test

import (
	"math"
	"math/rand"
	"testing"

	"github.com/atlas-desktop/confluence-engine/internal/signals"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newAggregator() *signals.Aggregator {
	return signals.NewAggregator(zap.NewNop(), signals.DefaultAggregatorConfig())
}

func score(t *testing.T, scores signals.Scores, f signals.Family) signals.FamilyScore {
	t.Helper()
	fs, ok := scores.Get(f)
	require.True(t, ok, "missing family %s", f)
	return fs
}

func TestGoldenCrossScaledAfterAveraging(t *testing.T) {
	snap := signals.Snapshot{
		SMA50: 105, SMA200: 100,
		SMA50Prev: 99, SMA200Prev: 100,
		ADX: 30,
	}

	scores := newAggregator().Aggregate(snap, nil)
	trend := score(t, scores, signals.Trend)
	assert.Equal(t, 1, trend.Signals)
	assert.InDelta(t, 1.2, trend.Score, 1e-12)
}

func TestTrendAveragesTwoSignals(t *testing.T) {
	snap := signals.Snapshot{
		SMA50: 95, SMA200: 100,
		SMA50Prev: 101, SMA200Prev: 100,
		MACD: -1, MACDSignal: -0.5,
		ADX: 10,
	}

	trend := score(t, newAggregator().Aggregate(snap, nil), signals.Trend)
	assert.Equal(t, 2, trend.Signals)
	assert.InDelta(t, -0.75, trend.Score, 1e-12)
}

func TestNoSignalsIsExactlyZero(t *testing.T) {
	scores := newAggregator().Aggregate(signals.Snapshot{}, nil)
	require.Len(t, scores, len(signals.Families))
	for _, fs := range scores {
		if fs.Family == signals.MeanReversion {
			// RSI 0 reads as oversold
			continue
		}
		assert.Equal(t, 0.0, fs.Score, "family %s", fs.Family)
		assert.Equal(t, 0, fs.Signals, "family %s", fs.Family)
	}
}

func TestFamilyRules(t *testing.T) {
	agg := newAggregator()

	tests := []struct {
		name   string
		family signals.Family
		snap   signals.Snapshot
		want   float64
	}{
		{"rsi oversold and below band", signals.MeanReversion, signals.Snapshot{RSI: 25, Close: 90, BBLower: 95, BBUpper: 110}, 0.9},
		{"rsi overbought", signals.MeanReversion, signals.Snapshot{RSI: 75, Close: 100, BBLower: 95, BBUpper: 110}, -1.0},
		{"zero band ignored", signals.MeanReversion, signals.Snapshot{RSI: 50, Close: 100}, 0},
		{"momentum up with cci", signals.Momentum, signals.Snapshot{Close: 103, CloseAgo: 100, CCI: 150}, 0.8},
		{"momentum without history", signals.Momentum, signals.Snapshot{Close: 103, CloseAgo: 0, CCI: -150}, -0.6},
		{"volatility expansion", signals.Volatility, signals.Snapshot{ATR: 2, AvgATR: 1}, 0.5},
		{"volatility zero average", signals.Volatility, signals.Snapshot{ATR: 2}, 0},
		{"breakout", signals.Pattern, signals.Snapshot{Close: 102, ChannelHigh: 100, ChannelLow: 90}, 0.7},
		{"breakdown", signals.Pattern, signals.Snapshot{Close: 89, ChannelHigh: 100, ChannelLow: 90}, -0.7},
		{"inside channel", signals.Pattern, signals.Snapshot{Close: 100.5, ChannelHigh: 100, ChannelLow: 90}, 0},
		{"compression with volume", signals.Arbitrage, signals.Snapshot{ATR: 0.7, ATRAgo: 1, Volume: 200, AvgVolume: 100}, 0.5},
		{"compression without volume", signals.Arbitrage, signals.Snapshot{ATR: 0.7, ATRAgo: 1, Volume: 120, AvgVolume: 100}, 0},
		{"obv falling", signals.Liquidity, signals.Snapshot{OBV: 10, OBVPrev: 20}, -0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := score(t, agg.Aggregate(tt.snap, nil), tt.family)
			assert.InDelta(t, tt.want, fs.Score, 1e-12)
		})
	}
}

func TestHarmonicNeedsFibonacci(t *testing.T) {
	agg := newAggregator()
	levels := signals.ComputeFibLevels(200, 100)

	snap := signals.Snapshot{Close: 150.1, RSI: 30}
	assert.Equal(t, 0.0, score(t, agg.Aggregate(snap, nil), signals.Harmonic).Score)

	snap.Fib = &levels
	assert.Equal(t, 1.0, score(t, agg.Aggregate(snap, nil), signals.Harmonic).Score)

	snap.RSI = 70
	assert.Equal(t, -1.0, score(t, agg.Aggregate(snap, nil), signals.Harmonic).Score)

	snap.Close = 145
	assert.Equal(t, 0.0, score(t, agg.Aggregate(snap, nil), signals.Harmonic).Score)
}

func TestWhaleBoostsLiquidityAfterScoring(t *testing.T) {
	agg := newAggregator()
	snap := signals.Snapshot{Volume: 400, AvgVolume: 100, OBV: 20, OBVPrev: 10}

	flow := &signals.OrderFlowState{Imbalance: 0.5}
	liq := score(t, agg.Aggregate(snap, flow), signals.Liquidity)
	assert.InDelta(t, 0.5, liq.Score, 1e-12)

	flow.Whale = true
	liq = score(t, agg.Aggregate(snap, flow), signals.Liquidity)
	assert.InDelta(t, 0.65, liq.Score, 1e-12)
	assert.Equal(t, 2, liq.Signals)
}

func TestFaultIsolation(t *testing.T) {
	agg := newAggregator()
	agg.SetFamily(signals.Momentum, signals.FamilySpec{
		Rules: []signals.Rule{func(*signals.Snapshot) (float64, bool) {
			panic("indicator exploded")
		}},
	})

	snap := signals.Snapshot{
		SMA50: 105, SMA200: 100, SMA50Prev: 99, SMA200Prev: 100,
		Volume: 200, AvgVolume: 100, RSI: 50,
	}
	flow := &signals.OrderFlowState{Imbalance: math.NaN()}

	scores := agg.Aggregate(snap, flow)
	require.Len(t, scores, len(signals.Families))

	mom := score(t, scores, signals.Momentum)
	assert.True(t, mom.Faulted)
	assert.Equal(t, 0.0, mom.Score)

	liq := score(t, scores, signals.Liquidity)
	assert.True(t, liq.Faulted, "non-finite score is neutralised")
	assert.Equal(t, 0, liq.Signals)

	assert.ElementsMatch(t, []signals.Family{signals.Momentum, signals.Liquidity}, scores.Faulted())
	assert.InDelta(t, 1.0, score(t, scores, signals.Trend).Score, 1e-12)
}

func TestScoreBounds(t *testing.T) {
	agg := newAggregator()
	rng := rand.New(rand.NewSource(7))
	levels := signals.ComputeFibLevels(120, 80)

	pick := func(lo, hi float64) float64 { return lo + rng.Float64()*(hi-lo) }

	for i := 0; i < 5000; i++ {
		snap := signals.Snapshot{
			Close: pick(80, 120), CloseAgo: pick(0, 120), Volume: pick(0, 1000),
			SMA50: pick(90, 110), SMA200: pick(90, 110), SMA50Prev: pick(90, 110), SMA200Prev: pick(90, 110),
			MACD: pick(-2, 2), MACDSignal: pick(-2, 2), ADX: pick(0, 60),
			RSI: pick(0, 100), CCI: pick(-300, 300),
			BBUpper: pick(0, 120), BBLower: pick(0, 120),
			OBV: pick(-1e6, 1e6), OBVPrev: pick(-1e6, 1e6),
			ATR: pick(0, 5), ATRAgo: pick(0, 5), AvgATR: pick(0, 5), AvgVolume: pick(0, 400),
			ChannelHigh: pick(90, 120), ChannelLow: pick(80, 110),
			Fib: &levels,
		}
		flow := &signals.OrderFlowState{Imbalance: pick(-1, 1), Whale: rng.Intn(2) == 0}

		for _, fs := range agg.Aggregate(snap, flow) {
			bound := 1.2
			if fs.Family == signals.Liquidity {
				bound = 1.3
			}
			require.LessOrEqual(t, math.Abs(fs.Score), bound+1e-12, "family %s", fs.Family)
			require.False(t, fs.Faulted)
		}
	}
}
