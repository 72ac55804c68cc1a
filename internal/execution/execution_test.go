package execution_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atlas-desktop/confluence-engine/internal/execution"
	"github.com/atlas-desktop/confluence-engine/internal/sizing"
	"github.com/atlas-desktop/confluence-engine/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var gold = types.Instrument{Symbol: "XAUUSD", MinSize: 0.01, MaxSize: 50, TickSize: 0.01}

type fixedPrice struct{ v float64 }

func (p *fixedPrice) Close(int) float64 { return p.v }

// fakeBroker records calls and fails on demand.
type fakeBroker struct {
	positions []types.Position
	balance   float64
	placeErr  error
	modifyErr map[string]error
	modified  map[string]float64
	closed    []string
}

func (f *fakeBroker) PlaceMarketOrder(ctx context.Context, req execution.OrderRequest) (execution.OrderResult, error) {
	if f.placeErr != nil {
		return execution.OrderResult{}, f.placeErr
	}
	return execution.OrderResult{OrderID: "o-1", ClientOrderID: req.ClientOrderID, Side: req.Side, Quantity: req.Quantity}, nil
}

func (f *fakeBroker) ModifyStop(ctx context.Context, id string, stop float64) error {
	if err := f.modifyErr[id]; err != nil {
		return err
	}
	if f.modified == nil {
		f.modified = map[string]float64{}
	}
	f.modified[id] = stop
	return nil
}

func (f *fakeBroker) ClosePosition(ctx context.Context, id string) error {
	f.closed = append(f.closed, id)
	return nil
}

func (f *fakeBroker) OpenPositions(ctx context.Context) ([]types.Position, error) {
	return f.positions, nil
}

func (f *fakeBroker) Balance(ctx context.Context) (float64, error) { return f.balance, nil }

func (f *fakeBroker) Instrument() types.Instrument { return gold }

var day1 = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

func TestDailyLossTripsAndStaysHaltedUntilRollover(t *testing.T) {
	g := execution.NewRiskGate(zap.NewNop(), execution.DefaultRiskGateConfig(), 10000)

	r := g.Check(day1, 10000)
	assert.True(t, r.Rolled)
	assert.Equal(t, execution.StatusNormal, r.Status)

	r = g.Check(day1.Add(time.Hour), 9400)
	assert.True(t, r.Tripped)
	assert.Equal(t, execution.StatusHalted, r.Status)
	assert.Equal(t, execution.HaltDailyLoss, r.Reason)
	assert.InDelta(t, -6, g.State().DailyPnLPercent, 1e-9)
	assert.Equal(t, "-600", g.State().DailyPnL.String())

	// recovery within the day does not clear the breaker
	r = g.Check(day1.Add(2*time.Hour), 10000)
	assert.False(t, r.Tripped)
	assert.True(t, g.Halted())

	r = g.Check(day1.Add(14*time.Hour), 9400)
	assert.True(t, r.Rolled)
	assert.False(t, r.Tripped)
	assert.False(t, g.Halted())
	assert.Equal(t, "9400", g.State().StartOfDayBalance.String())
	assert.Equal(t, "2024-03-05", g.State().LastTradingDay)
}

func TestLargeGainAlsoHalts(t *testing.T) {
	g := execution.NewRiskGate(zap.NewNop(), execution.DefaultRiskGateConfig(), 10000)
	g.Check(day1, 10000)

	r := g.Check(day1.Add(time.Minute), 10600)
	assert.True(t, r.Tripped)
}

func TestConsecutiveLosses(t *testing.T) {
	g := execution.NewRiskGate(zap.NewNop(), execution.DefaultRiskGateConfig(), 10000)
	g.Check(day1, 10000)

	g.RecordClose(-10)
	g.RecordClose(0)
	g.RecordClose(-10)
	assert.Equal(t, 2, g.State().ConsecutiveLosses, "a flat trade leaves the streak alone")
	assert.False(t, g.Check(day1, 9980).Tripped)

	g.RecordClose(-10)
	r := g.Check(day1, 9970)
	assert.True(t, r.Tripped)
	assert.Equal(t, execution.HaltConsecutiveLosses, r.Reason)

	g.RecordClose(25)
	st := g.State()
	assert.Equal(t, 0, st.ConsecutiveLosses)
	assert.True(t, st.CircuitBreakerActive, "a win does not clear the breaker")
	assert.Equal(t, 5, st.TotalTrades)
	assert.Equal(t, 1, st.WinningTrades)
	assert.InDelta(t, 20, st.WinRate, 1e-9)
}

func TestDisabledBreakerNeverTrips(t *testing.T) {
	cfg := execution.DefaultRiskGateConfig()
	cfg.Enabled = false
	g := execution.NewRiskGate(zap.NewNop(), cfg, 10000)
	g.Check(day1, 10000)

	for i := 0; i < 5; i++ {
		g.RecordClose(-100)
	}
	r := g.Check(day1, 5000)
	assert.False(t, r.Tripped)
	assert.Equal(t, execution.StatusNormal, r.Status)
	assert.InDelta(t, -50, g.State().DailyPnLPercent, 1e-9)
}

func TestSupervisorProposals(t *testing.T) {
	s := execution.NewPositionSupervisor(zap.NewNop(), execution.DefaultSupervisorConfig(), &fakeBroker{})
	long := types.Position{ID: "L", Side: types.SideBuy, EntryPrice: 100, StopLoss: 96}
	short := types.Position{ID: "S", Side: types.SideSell, EntryPrice: 100, StopLoss: 104}

	tests := []struct {
		name  string
		pos   types.Position
		price float64
		atr   float64
		want  float64
		ok    bool
	}{
		{"long in profit", long, 103.5, 2, 101, true},
		{"long at threshold", long, 103, 2, 0, false},
		{"long stop already tighter", types.Position{ID: "L", Side: types.SideBuy, EntryPrice: 100, StopLoss: 101.5}, 104, 2, 0, false},
		{"short in profit", short, 96.5, 2, 99, true},
		{"short without stop", types.Position{ID: "S", Side: types.SideSell, EntryPrice: 100}, 96.5, 2, 99, true},
		{"short stop already tighter", types.Position{ID: "S", Side: types.SideSell, EntryPrice: 100, StopLoss: 98.5}, 96, 2, 0, false},
		{"no atr", long, 110, 0, 0, false},
		{"losing long", long, 97, 2, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adj, ok := s.Propose(tt.pos, tt.price, tt.atr)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.InDelta(t, tt.want, adj.NewStop, 1e-9)
			}
		})
	}
}

func TestSuperviseSkipsFailedModifications(t *testing.T) {
	b := &fakeBroker{modifyErr: map[string]error{"A": errors.New("broker busy")}}
	s := execution.NewPositionSupervisor(zap.NewNop(), execution.DefaultSupervisorConfig(), b)

	positions := []types.Position{
		{ID: "A", Side: types.SideBuy, EntryPrice: 100, StopLoss: 96},
		{ID: "B", Side: types.SideBuy, EntryPrice: 100, StopLoss: 96, TakeProfit: 106},
	}
	adjs := s.Supervise(context.Background(), positions, 104, 2)

	require.Len(t, adjs, 2)
	assert.False(t, adjs[0].Applied)
	assert.Equal(t, "broker busy", adjs[0].Error)
	assert.True(t, adjs[1].Applied)
	assert.Equal(t, 101.0, b.modified["B"])
}

func TestCloseAll(t *testing.T) {
	b := &fakeBroker{}
	s := execution.NewPositionSupervisor(zap.NewNop(), execution.DefaultSupervisorConfig(), b)

	n, err := s.CloseAll(context.Background(), []types.Position{{ID: "A"}, {ID: "B"}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"A", "B"}, b.closed)
}

func newExecutor(b execution.BrokerPort) *execution.Executor {
	sizer := sizing.NewPositionSizer(zap.NewNop(), sizing.DefaultSizingConfig())
	return execution.NewExecutor(zap.NewNop(), execution.DefaultExecutorConfig(), b, sizer)
}

func TestExecutorLevels(t *testing.T) {
	tests := []struct {
		dir        types.Direction
		side       types.Side
		stop, take float64
	}{
		{types.DirectionBuy, types.SideBuy, 1990, 2015},
		{types.DirectionSell, types.SideSell, 2010, 1985},
	}

	for _, tt := range tests {
		t.Run(string(tt.dir), func(t *testing.T) {
			b := execution.NewPaperBroker(zap.NewNop(), gold, 10000, &fixedPrice{v: 2000})
			ex := newExecutor(b)

			res, plan, err := ex.Execute(context.Background(), tt.dir, 80, 2000, 5)
			require.NoError(t, err)
			assert.InDelta(t, 160, plan.RiskAmount, 1e-9)
			assert.Equal(t, 16.0, res.Quantity)
			assert.Equal(t, tt.side, res.Side)
			assert.NotEmpty(t, res.ClientOrderID)

			open, _ := b.OpenPositions(context.Background())
			require.Len(t, open, 1)
			assert.InDelta(t, tt.stop, open[0].StopLoss, 1e-9)
			assert.InDelta(t, tt.take, open[0].TakeProfit, 1e-9)
			assert.Equal(t, 2000.0, open[0].EntryPrice)
		})
	}
}

func TestExecutorNoTrade(t *testing.T) {
	b := execution.NewPaperBroker(zap.NewNop(), gold, 10000, &fixedPrice{v: 2000})
	ex := newExecutor(b)
	ctx := context.Background()

	_, _, err := ex.Execute(ctx, types.DirectionNone, 90, 2000, 5)
	assert.ErrorIs(t, err, execution.ErrNoTrade)

	_, _, err = ex.Execute(ctx, types.DirectionBuy, 90, 2000, 0)
	assert.ErrorIs(t, err, execution.ErrNoTrade)

	b.SetBalance(0)
	_, _, err = ex.Execute(ctx, types.DirectionBuy, 90, 2000, 5)
	assert.ErrorIs(t, err, execution.ErrNoTrade, "zero risk gives zero quantity")

	b.SetBalance(10000)
	_, _, err = ex.Execute(ctx, types.DirectionBuy, 90, 2000, 5)
	require.NoError(t, err)
	_, _, err = ex.Execute(ctx, types.DirectionSell, 90, 2000, 5)
	assert.ErrorIs(t, err, execution.ErrNoTrade, "only one position at a time")

	m := ex.Metrics()
	assert.Equal(t, 1, m.TotalOrders)
	assert.Equal(t, 4, m.SkippedEntries)
}

func TestExecutorWrapsRejection(t *testing.T) {
	b := &fakeBroker{balance: 10000, placeErr: errors.New("market closed")}
	ex := newExecutor(b)

	_, _, err := ex.Execute(context.Background(), types.DirectionBuy, 80, 2000, 5)
	require.Error(t, err)
	assert.ErrorIs(t, err, execution.ErrOrderRejected)
	assert.Contains(t, err.Error(), "market closed")
	assert.Equal(t, 1, ex.Metrics().RejectedOrders)
}

func TestPaperBrokerStopsAndListeners(t *testing.T) {
	price := &fixedPrice{v: 2000}
	b := execution.NewPaperBroker(zap.NewNop(), gold, 10000, price)
	ctx := context.Background()

	var got []execution.ClosedPosition
	b.OnClose(func(c execution.ClosedPosition) { got = append(got, c) })

	res, err := b.PlaceMarketOrder(ctx, execution.OrderRequest{
		Symbol: "XAUUSD", Side: types.SideBuy, Quantity: 16, StopLoss: 1990, TakeProfit: 2015,
	})
	require.NoError(t, err)

	b.OnBar(types.Bar{High: 2004, Low: 1995, Close: 2001})
	assert.Empty(t, got)

	b.OnBar(types.Bar{High: 2002, Low: 1989, Close: 1992})
	require.Len(t, got, 1)
	assert.Equal(t, res.PositionID, got[0].Position.ID)
	assert.Equal(t, execution.CloseStopLoss, got[0].Reason)
	assert.InDelta(t, -160, got[0].PnL, 1e-9)

	bal, _ := b.Balance(ctx)
	assert.InDelta(t, 9840, bal, 1e-9)

	open, _ := b.OpenPositions(ctx)
	assert.Empty(t, open)
	assert.Len(t, b.ClosedPositions(), 1)
}

func TestPaperBrokerManualCloseAndErrors(t *testing.T) {
	price := &fixedPrice{v: 100}
	inst := types.Instrument{Symbol: "EURUSD", MinSize: 1, MaxSize: 10, TickSize: 0.0001}
	b := execution.NewPaperBroker(zap.NewNop(), inst, 1000, price)
	ctx := context.Background()

	_, err := b.PlaceMarketOrder(ctx, execution.OrderRequest{Symbol: "EURUSD", Side: types.SideSell, Quantity: 2, StopLoss: 99})
	assert.ErrorIs(t, err, execution.ErrOrderRejected)

	_, err = b.PlaceMarketOrder(ctx, execution.OrderRequest{Symbol: "EURUSD", Side: types.SideBuy, Quantity: 20})
	assert.ErrorIs(t, err, execution.ErrOrderRejected)

	res, err := b.PlaceMarketOrder(ctx, execution.OrderRequest{Symbol: "EURUSD", Side: types.SideSell, Quantity: 2, StopLoss: 102})
	require.NoError(t, err)

	require.NoError(t, b.ModifyStop(ctx, res.PositionID, 101))
	assert.ErrorIs(t, b.ModifyStop(ctx, "missing", 101), execution.ErrPositionNotFound)

	price.v = 97
	require.NoError(t, b.ClosePosition(ctx, res.PositionID))
	assert.ErrorIs(t, b.ClosePosition(ctx, res.PositionID), execution.ErrPositionNotFound)

	bal, _ := b.Balance(ctx)
	assert.InDelta(t, 1006, bal, 1e-9)

	journal := b.Journal()
	require.Len(t, journal, 3)
	assert.Equal(t, execution.OrderStatusRejected, journal[0].Status)
	assert.Equal(t, execution.OrderStatusFilled, journal[2].Status)
}
