package orchestrator_test

import (
	"context"
	"testing"
	"time"

	"github.com/atlas-desktop/confluence-engine/internal/config"
	"github.com/atlas-desktop/confluence-engine/internal/data"
	"github.com/atlas-desktop/confluence-engine/internal/events"
	"github.com/atlas-desktop/confluence-engine/internal/execution"
	"github.com/atlas-desktop/confluence-engine/internal/metrics"
	"github.com/atlas-desktop/confluence-engine/internal/orchestrator"
	"github.com/atlas-desktop/confluence-engine/internal/signals"
	"github.com/atlas-desktop/confluence-engine/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var day1 = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

type harness struct {
	orch   *orchestrator.Orchestrator
	broker *execution.PaperBroker
	series *data.BarSeries
	bus    *events.EventBus
}

func newHarness(t *testing.T, bars int, mutate func(*types.Config)) *harness {
	t.Helper()

	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}

	series := data.NewBarSeries(cfg.Instrument.Symbol, 1000)
	gen := data.NewSampleGenerator(cfg.Instrument.Symbol, types.Timeframe1h,
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 2000)
	series.Load(gen.Generate(bars))

	broker := execution.NewPaperBroker(zap.NewNop(), cfg.Instrument, cfg.Strategy.InitialCapital, series)
	bus := events.NewEventBus(zap.NewNop(), events.DefaultEventBusConfig())
	t.Cleanup(bus.Stop)

	o, err := orchestrator.New(zap.NewNop(), cfg, orchestrator.Dependencies{
		Market:     series,
		Indicators: data.NewCalculator(series, data.DefaultCalculatorConfig()),
		Broker:     broker,
		Bus:        bus,
		Metrics:    metrics.New(prometheus.NewRegistry()),
	})
	require.NoError(t, err)
	broker.OnClose(o.OnPositionClosed)

	return &harness{orch: o, broker: broker, series: series, bus: bus}
}

// forceAll makes every family report v.
func (h *harness) forceAll(v float64) {
	for _, f := range signals.Families {
		h.orch.Aggregator().SetFamily(f, signals.FamilySpec{
			Rules: []signals.Rule{func(*signals.Snapshot) (float64, bool) { return v, true }},
		})
	}
}

func (h *harness) cycle(t *testing.T, at time.Time) *orchestrator.CycleReport {
	t.Helper()
	r, err := h.orch.ProcessCycle(context.Background(), types.Update{Symbol: "XAUUSD", Timestamp: at})
	require.NoError(t, err)
	require.NotNil(t, r)
	return r
}

func (h *harness) open(t *testing.T) []types.Position {
	t.Helper()
	p, err := h.broker.OpenPositions(context.Background())
	require.NoError(t, err)
	return p
}

func TestWarmupSkipsCycle(t *testing.T) {
	h := newHarness(t, 150, nil)
	h.forceAll(1)

	r := h.cycle(t, day1)
	assert.True(t, r.Skipped)
	assert.Nil(t, r.Decision)
	assert.Empty(t, h.open(t))
	assert.Equal(t, int64(1), h.orch.Status().Cycles)
}

func TestConfidentCycleEntersOnce(t *testing.T) {
	h := newHarness(t, 260, nil)
	h.forceAll(1)

	r := h.cycle(t, day1)
	require.False(t, r.Skipped)
	require.NotNil(t, r.Decision)
	assert.Equal(t, types.DirectionBuy, r.Decision.Direction)
	assert.GreaterOrEqual(t, r.Decision.Confidence, 75.0)
	assert.Equal(t, 100, r.Decision.AgreementPercent)
	require.NotNil(t, r.Entry, "errors: %v, no trade: %s", r.Errors, r.NoTrade)
	assert.NotNil(t, r.Fib)
	assert.NotNil(t, r.OrderFlow)
	assert.Len(t, r.Scores, len(signals.Families))

	pos := h.open(t)
	require.Len(t, pos, 1)
	assert.Less(t, pos[0].StopLoss, pos[0].EntryPrice)
	assert.Greater(t, pos[0].TakeProfit, pos[0].EntryPrice)

	r = h.cycle(t, day1.Add(time.Hour))
	assert.Nil(t, r.Entry)
	assert.Contains(t, r.NoTrade, "position already open")
	assert.Len(t, h.open(t), 1)
}

func TestCircuitBreakerClosesAndHalts(t *testing.T) {
	h := newHarness(t, 260, nil)
	h.forceAll(1)

	tripped := make(chan *events.CircuitBreakerEvent, 1)
	h.bus.Subscribe(events.EventTypeCircuitBreaker, func(e events.Event) error {
		tripped <- e.(*events.CircuitBreakerEvent)
		return nil
	})

	r := h.cycle(t, day1)
	require.NotNil(t, r.Entry)

	h.broker.SetBalance(9400)
	r = h.cycle(t, day1.Add(time.Hour))
	assert.True(t, r.Halted)
	assert.True(t, r.Risk.Tripped)
	assert.Equal(t, execution.HaltDailyLoss, r.Risk.Reason)
	assert.Equal(t, 1, r.ClosedOnHalt)
	assert.Nil(t, r.Decision, "no decision while halted")
	assert.Empty(t, h.open(t))

	select {
	case ev := <-tripped:
		assert.Equal(t, execution.HaltDailyLoss, ev.Reason)
		assert.Equal(t, 1, ev.PositionsClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("no circuit breaker event")
	}

	st := h.orch.Status()
	assert.True(t, st.Risk.CircuitBreakerActive)
	assert.Equal(t, 1, st.Risk.TotalTrades, "the forced close is booked")

	// still halted for the rest of the day, even with a recovered balance
	h.broker.SetBalance(10000)
	r = h.cycle(t, day1.Add(2*time.Hour))
	assert.True(t, r.Halted)
	assert.False(t, r.Risk.Tripped)
	assert.Empty(t, h.open(t))

	// a new UTC day clears the breaker and trading resumes
	r = h.cycle(t, day1.Add(16*time.Hour))
	assert.False(t, r.Halted)
	assert.True(t, r.Risk.Rolled)
	assert.NotNil(t, r.Entry)
}

func TestDisabledBreakerKeepsTrading(t *testing.T) {
	h := newHarness(t, 260, func(c *types.Config) { c.Features.EnableCircuitBreakers = false })
	h.forceAll(1)

	h.cycle(t, day1)
	h.broker.SetBalance(5000)
	r := h.cycle(t, day1.Add(time.Hour))
	assert.False(t, r.Halted)
	assert.Len(t, h.open(t), 1)
}

func TestDecisionEngineToggle(t *testing.T) {
	h := newHarness(t, 260, func(c *types.Config) { c.Features.UseDecisionEngine = false })
	h.forceAll(1)

	r := h.cycle(t, day1)
	require.NotNil(t, r.Decision)
	assert.Equal(t, types.DirectionNone, r.Decision.Direction)
	assert.Nil(t, r.Entry)
	assert.Empty(t, h.open(t))
}

func TestOptionalStagesOff(t *testing.T) {
	h := newHarness(t, 260, func(c *types.Config) {
		c.Features.UseFibonacci = false
		c.Features.UseOrderFlow = false
	})

	r := h.cycle(t, day1)
	assert.Nil(t, r.Fib)
	assert.Nil(t, r.OrderFlow)
	score, ok := r.Scores.Get(signals.Harmonic)
	require.True(t, ok)
	assert.Equal(t, 0.0, score.Score, "harmonic needs Fibonacci levels")
}

func TestBelowMinimumConfidenceDoesNotTrade(t *testing.T) {
	h := newHarness(t, 260, nil)
	h.forceAll(0.3)

	r := h.cycle(t, day1)
	require.NotNil(t, r.Decision)
	assert.Equal(t, types.DirectionNone, r.Decision.Direction)
	assert.Less(t, r.Decision.Confidence, 75.0)
	assert.Empty(t, h.open(t))
}

func TestUnknownSymbol(t *testing.T) {
	h := newHarness(t, 260, nil)

	_, err := h.orch.ProcessCycle(context.Background(), types.Update{Symbol: "BTCUSD", Timestamp: day1})
	assert.ErrorIs(t, err, orchestrator.ErrUnknownSymbol)
	assert.Nil(t, h.orch.LastReport())
}

func TestRunConsumesUntilClosed(t *testing.T) {
	h := newHarness(t, 260, nil)

	updates := make(chan types.Update, 3)
	updates <- types.Update{Symbol: "XAUUSD", Timestamp: day1}
	updates <- types.Update{Symbol: "BTCUSD", Timestamp: day1}
	updates <- types.Update{Timestamp: day1.Add(time.Hour)}
	close(updates)

	require.NoError(t, h.orch.Run(context.Background(), updates))

	st := h.orch.Status()
	assert.Equal(t, int64(2), st.Cycles)
	require.NotNil(t, st.Last)
	assert.Equal(t, day1.Add(time.Hour), st.Last.Timestamp)
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, 10, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.orch.Run(ctx, make(chan types.Update))
	assert.ErrorIs(t, err, context.Canceled)
}

// appendBar adds a bar one hour after the current last bar, moving from
// open to close across a 20-point range.
func (h *harness) appendBar(t *testing.T, openPx, closePx float64) types.Bar {
	t.Helper()
	lo := openPx
	if closePx < lo {
		lo = closePx
	}
	bar := types.Bar{
		Timestamp: h.series.Time(0).Add(time.Hour),
		Open:      openPx,
		High:      lo + 20,
		Low:       lo,
		Close:     closePx,
		Volume:    1000,
	}
	require.NoError(t, h.series.Append(bar))
	return bar
}

func barUpdate(b types.Bar) types.Update {
	return types.Update{Symbol: "XAUUSD", Timestamp: b.Timestamp, BarTime: b.Timestamp}
}

func TestStaleUpdateIsRejected(t *testing.T) {
	h := newHarness(t, 260, nil)
	base := h.series.Close(0)

	b1 := h.appendBar(t, base, base+8)
	b2 := h.appendBar(t, base+8, base+18)

	r, err := h.orch.ProcessCycle(context.Background(), barUpdate(b1))
	assert.ErrorIs(t, err, orchestrator.ErrStaleUpdate)
	assert.Nil(t, r)
	assert.Equal(t, int64(0), h.orch.Status().Cycles)

	r, err = h.orch.ProcessCycle(context.Background(), barUpdate(b2))
	require.NoError(t, err)
	require.NotNil(t, r.OrderFlow)
	assert.InDelta(t, 500, r.OrderFlow.BuyVolume, 1e-9)
	assert.Equal(t, int64(1), h.orch.Status().Cycles)
}

func TestOrderFlowCountsEachBarOnce(t *testing.T) {
	h := newHarness(t, 260, nil)
	base := h.series.Close(0)

	b1 := h.appendBar(t, base, base+8)
	r, err := h.orch.ProcessCycle(context.Background(), barUpdate(b1))
	require.NoError(t, err)
	require.NotNil(t, r.OrderFlow)
	assert.InDelta(t, 400, r.OrderFlow.BuyVolume, 1e-9)

	b2 := h.appendBar(t, base+8, base+18)
	r, err = h.orch.ProcessCycle(context.Background(), barUpdate(b2))
	require.NoError(t, err)
	require.NotNil(t, r.OrderFlow)
	assert.InDelta(t, 900, r.OrderFlow.BuyVolume, 1e-9)
	assert.Zero(t, r.OrderFlow.SellVolume)
}

func TestRunClosesDoneForEveryUpdate(t *testing.T) {
	h := newHarness(t, 260, nil)
	b := h.appendBar(t, h.series.Close(0), h.series.Close(0)+5)

	ok := barUpdate(b)
	ok.Done = make(chan struct{})
	stale := barUpdate(b)
	stale.BarTime = b.Timestamp.Add(-time.Hour)
	stale.Done = make(chan struct{})

	updates := make(chan types.Update, 2)
	updates <- ok
	updates <- stale
	close(updates)

	require.NoError(t, h.orch.Run(context.Background(), updates))

	for _, done := range []chan struct{}{ok.Done, stale.Done} {
		select {
		case <-done:
		default:
			t.Fatal("done channel left open")
		}
	}
	assert.Equal(t, int64(1), h.orch.Status().Cycles)
}

func TestFeedWaitsForEachCycle(t *testing.T) {
	h := newHarness(t, 0, nil)
	store, err := data.NewStore(zap.NewNop(), t.TempDir())
	require.NoError(t, err)

	feed := data.NewFeed(zap.NewNop(), "XAUUSD", types.FeedConfig{
		Timeframe:    types.Timeframe1h,
		HistoryBars:  260,
		PollInterval: 2 * time.Millisecond,
		StartPrice:   2000,
	}, h.series, store)
	feed.OnBar(h.broker.OnBar)
	require.NoError(t, feed.Warm(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, feed.Start(ctx))

	runErr := make(chan error, 1)
	go func() { runErr <- h.orch.Run(ctx, feed.Updates()) }()

	require.Eventually(t, func() bool { return h.orch.Status().Cycles >= 5 },
		5*time.Second, 5*time.Millisecond)

	feed.Stop()
	require.NoError(t, <-runErr)

	// every appended bar got its own cycle, except possibly the last one
	// appended while the feed was stopping
	cycles := h.orch.Status().Cycles
	appended := int64(h.series.Len() - 260)
	assert.GreaterOrEqual(t, appended, cycles)
	assert.LessOrEqual(t, appended, cycles+1)
	require.NotNil(t, h.orch.LastReport())
}
