// Package orchestrator runs the decision cycle: it wires the market data
// ports, regime classifier, signal families, decision engine, risk gate and
// execution components together and runs them once per bar.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/confluence-engine/internal/data"
	"github.com/atlas-desktop/confluence-engine/internal/decision"
	"github.com/atlas-desktop/confluence-engine/internal/events"
	"github.com/atlas-desktop/confluence-engine/internal/execution"
	"github.com/atlas-desktop/confluence-engine/internal/metrics"
	"github.com/atlas-desktop/confluence-engine/internal/regime"
	"github.com/atlas-desktop/confluence-engine/internal/signals"
	"github.com/atlas-desktop/confluence-engine/internal/sizing"
	"github.com/atlas-desktop/confluence-engine/pkg/types"
	"go.uber.org/zap"
)

var (
	// ErrUnknownSymbol is returned for an update addressed to another symbol.
	ErrUnknownSymbol = errors.New("unknown symbol")
	// ErrStaleUpdate is returned for an update whose bar is no longer the
	// current bar of the series.
	ErrStaleUpdate = errors.New("stale update")
)

// Cycle outcomes, used as the metrics label.
const (
	OutcomeCompleted = "completed"
	OutcomeWarmup    = "warmup"
	OutcomeHalted    = "halted"
)

// Dependencies are the ports and shared services the orchestrator drives.
type Dependencies struct {
	Market     data.MarketDataPort
	Indicators data.IndicatorPort
	Broker     execution.BrokerPort
	Bus        *events.EventBus
	Metrics    *metrics.Recorder
}

// CycleReport describes what one cycle saw and did.
type CycleReport struct {
	Symbol     string        `json:"symbol"`
	Timestamp  time.Time     `json:"timestamp"`
	Bars       int           `json:"bars"`
	Skipped    bool          `json:"skipped"`
	SkipReason string        `json:"skipReason,omitempty"`
	Duration   time.Duration `json:"duration"`

	Risk         execution.CheckResult `json:"risk"`
	Halted       bool                  `json:"halted"`
	ClosedOnHalt int                   `json:"closedOnHalt,omitempty"`

	Regime    regime.Regime              `json:"regime,omitempty"`
	Fib       *signals.FibLevels         `json:"fib,omitempty"`
	OrderFlow *signals.OrderFlowState    `json:"orderFlow,omitempty"`
	Scores    signals.Scores             `json:"scores,omitempty"`
	Decision  *decision.TradeDecision    `json:"decision,omitempty"`
	Entry     *execution.OrderResult     `json:"entry,omitempty"`
	EntryPlan *execution.EntryPlan       `json:"entryPlan,omitempty"`
	NoTrade   string                     `json:"noTrade,omitempty"`
	Stops     []execution.StopAdjustment `json:"stops,omitempty"`

	Errors []string `json:"errors,omitempty"`
}

func (r *CycleReport) fail(err error) {
	r.Errors = append(r.Errors, err.Error())
}

// Status is the engine state served by the API.
type Status struct {
	Symbol    string                    `json:"symbol"`
	Cycles    int64                     `json:"cycles"`
	Features  types.FeatureToggles      `json:"features"`
	Last      *CycleReport              `json:"last,omitempty"`
	Risk      execution.RiskState       `json:"risk"`
	Regime    regime.State              `json:"regime"`
	OrderFlow signals.OrderFlowState    `json:"orderFlow"`
	Execution execution.ExecutorMetrics `json:"execution"`
}

// Orchestrator runs one decision cycle per update. Cycles never overlap.
type Orchestrator struct {
	logger   *zap.Logger
	symbol   string
	warmup   int
	features types.FeatureToggles

	market  data.MarketDataPort
	reader  *data.Reader
	broker  execution.BrokerPort
	bus     *events.EventBus
	metrics *metrics.Recorder

	classifier *regime.Classifier
	flow       *signals.OrderFlowTracker
	aggregator *signals.Aggregator
	engine     *decision.Engine
	gate       *execution.RiskGate
	executor   *execution.Executor
	supervisor *execution.PositionSupervisor

	// serialises cycles
	mu sync.Mutex

	stateMu sync.RWMutex
	last    *CycleReport
	cycles  int64
}

// New builds the cycle components from cfg.
func New(logger *zap.Logger, cfg *types.Config, deps Dependencies) (*Orchestrator, error) {
	if deps.Market == nil || deps.Indicators == nil || deps.Broker == nil {
		return nil, errors.New("orchestrator: market, indicators and broker are required")
	}
	if deps.Bus == nil || deps.Metrics == nil {
		return nil, errors.New("orchestrator: event bus and metrics are required")
	}

	regimes := regime.DefaultConfig()

	engineCfg := decision.DefaultConfig()
	engineCfg.MinConfidence = cfg.Strategy.MinConfidenceScorePercent
	engine, err := decision.NewEngine(logger, engineCfg, decision.DefaultWeights(), regimes)
	if err != nil {
		return nil, fmt.Errorf("decision engine: %w", err)
	}

	gateCfg := execution.RiskGateConfig{
		MaxDailyLossPercent:  cfg.Strategy.MaxDailyLossPercent,
		MaxConsecutiveLosses: cfg.Strategy.MaxConsecutiveLosses,
		Enabled:              cfg.Features.EnableCircuitBreakers,
	}

	execCfg := execution.DefaultExecutorConfig()
	execCfg.MaxRiskPercent = cfg.Strategy.MaxRiskPerTradePercent
	sizer := sizing.NewPositionSizer(logger, sizing.DefaultSizingConfig())

	inst := deps.Broker.Instrument()

	o := &Orchestrator{
		logger:     logger.Named("orchestrator"),
		symbol:     inst.Symbol,
		warmup:     cfg.Strategy.WarmupBars,
		features:   cfg.Features,
		market:     deps.Market,
		reader:     data.NewReader(deps.Indicators, logger),
		broker:     deps.Broker,
		bus:        deps.Bus,
		metrics:    deps.Metrics,
		classifier: regime.NewClassifier(logger, regimes),
		flow:       signals.NewOrderFlowTracker(logger, signals.DefaultOrderFlowConfig(inst.TickSize)),
		aggregator: signals.NewAggregator(logger, signals.DefaultAggregatorConfig()),
		engine:     engine,
		gate:       execution.NewRiskGate(logger, gateCfg, cfg.Strategy.InitialCapital),
		executor:   execution.NewExecutor(logger, execCfg, deps.Broker, sizer),
		supervisor: execution.NewPositionSupervisor(logger, execution.DefaultSupervisorConfig(), deps.Broker),
	}
	return o, nil
}

// Aggregator exposes the signal aggregator so families can be replaced.
func (o *Orchestrator) Aggregator() *signals.Aggregator {
	return o.aggregator
}

// RiskGate exposes the circuit breaker.
func (o *Orchestrator) RiskGate() *execution.RiskGate {
	return o.gate
}

// Run processes updates until ctx is done or updates is closed. It is the
// single consumer for every event source. Each update's Done channel is
// closed after its cycle, failed or not.
func (o *Orchestrator) Run(ctx context.Context, updates <-chan types.Update) error {
	o.logger.Info("Orchestrator running",
		zap.String("symbol", o.symbol),
		zap.Int("warmupBars", o.warmup))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			if _, err := o.ProcessCycle(ctx, upd); err != nil {
				o.logger.Error("Cycle failed", zap.Error(err))
			}
			if upd.Done != nil {
				close(upd.Done)
			}
		}
	}
}

// ProcessCycle runs exactly one decision cycle. Component failures degrade
// the cycle and are listed in the report; only a misaddressed or stale
// update returns an error.
func (o *Orchestrator) ProcessCycle(ctx context.Context, upd types.Update) (*CycleReport, error) {
	if upd.Symbol != "" && upd.Symbol != o.symbol {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSymbol, upd.Symbol)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if !upd.BarTime.IsZero() {
		if current := o.market.Time(0); !upd.BarTime.Equal(current) {
			return nil, fmt.Errorf("%w: bar %s, series at %s", ErrStaleUpdate,
				upd.BarTime.Format(time.RFC3339), current.Format(time.RFC3339))
		}
	}

	start := time.Now()
	report := &CycleReport{
		Symbol:    o.symbol,
		Timestamp: upd.Timestamp,
		Bars:      o.market.Len(),
	}
	if report.Timestamp.IsZero() {
		report.Timestamp = o.market.Time(0)
	}

	if report.Bars < o.warmup {
		report.Skipped = true
		report.SkipReason = fmt.Sprintf("warm-up: %d of %d bars", report.Bars, o.warmup)
		return o.finish(report, OutcomeWarmup, start), nil
	}

	if o.checkRisk(ctx, report) {
		return o.finish(report, OutcomeHalted, start), nil
	}

	snap := signals.ReadSnapshot(o.reader, o.market)

	prev := o.classifier.Current().Regime
	report.Regime = o.classifier.Observe(regime.Inputs{
		ATR:           snap.ATR,
		Close:         snap.Close,
		TrendStrength: snap.ADX,
		High20:        snap.High20,
		Low20:         snap.Low20,
	}, report.Timestamp)
	if prev != report.Regime {
		o.bus.Publish(&events.RegimeChangeEvent{
			BaseEvent: events.NewBaseEvent(events.EventTypeRegimeChange, report.Timestamp),
			Symbol:    o.symbol,
			From:      string(prev),
			To:        string(report.Regime),
		})
	}

	if o.features.UseFibonacci {
		fib := signals.SwingLevels(o.market)
		snap.Fib = &fib
		report.Fib = &fib
	}

	if o.features.UseOrderFlow {
		state := o.flow.Update(snap.Bar, snap.AvgVolume)
		report.OrderFlow = &state
		if state.Whale {
			o.metrics.RecordWhale()
			o.bus.Publish(&events.WhaleEvent{
				BaseEvent: events.NewBaseEvent(events.EventTypeWhale, report.Timestamp),
				Symbol:    o.symbol,
				Ratio:     state.LargeOrderRatio,
				Imbalance: state.Imbalance,
			})
		}
	}

	report.Scores = o.aggregator.Aggregate(snap, report.OrderFlow)
	for _, s := range report.Scores {
		o.metrics.SetFamilyScore(string(s.Family), s.Score, s.Faulted)
	}

	dec := decision.TradeDecision{Direction: types.DirectionNone, Regime: report.Regime}
	if o.features.UseDecisionEngine {
		dec = o.engine.Decide(report.Scores, decision.Inputs{
			Regime: report.Regime,
			ATR:    snap.ATR,
			AvgATR: snap.AvgATR,
		})
	}
	report.Decision = &dec
	o.metrics.SetDecision(dec.Confidence, report.Regime.Ordinal())

	if dec.Actionable() {
		o.enter(ctx, report, dec, snap)
	}

	o.supervise(ctx, report, snap)

	return o.finish(report, OutcomeCompleted, start), nil
}

// checkRisk evaluates the breaker and, while halted, closes whatever is
// still open. It reports whether the rest of the cycle must be skipped.
func (o *Orchestrator) checkRisk(ctx context.Context, report *CycleReport) bool {
	balance, err := o.broker.Balance(ctx)
	if err != nil {
		report.fail(fmt.Errorf("read balance: %w", err))
		report.Halted = o.gate.Halted()
		return report.Halted
	}

	report.Risk = o.gate.Check(report.Timestamp, balance)
	if !o.gate.Halted() {
		return false
	}
	report.Halted = true

	positions, err := o.broker.OpenPositions(ctx)
	if err != nil {
		report.fail(fmt.Errorf("list positions: %w", err))
		return true
	}

	closed, err := o.supervisor.CloseAll(ctx, positions)
	report.ClosedOnHalt = closed
	if err != nil {
		report.fail(err)
	}

	if report.Risk.Tripped {
		st := o.gate.State()
		o.bus.Publish(&events.CircuitBreakerEvent{
			BaseEvent:         events.NewBaseEvent(events.EventTypeCircuitBreaker, report.Timestamp),
			Reason:            report.Risk.Reason,
			DailyPnLPercent:   st.DailyPnLPercent,
			ConsecutiveLosses: st.ConsecutiveLosses,
			PositionsClosed:   closed,
		})
	}
	return true
}

func (o *Orchestrator) enter(ctx context.Context, report *CycleReport, dec decision.TradeDecision, snap signals.Snapshot) {
	res, plan, err := o.executor.Execute(ctx, dec.Direction, dec.Confidence, snap.Close, snap.ATR)
	if plan.Quantity > 0 {
		report.EntryPlan = &plan
	}

	switch {
	case err == nil:
		report.Entry = &res
		o.metrics.RecordOrder("filled")
		o.publishOrder(report, res, plan, dec.Confidence, "filled", "")
	case errors.Is(err, execution.ErrNoTrade):
		report.NoTrade = err.Error()
		o.metrics.RecordOrder("skipped")
	default:
		report.fail(err)
		o.metrics.RecordOrder("rejected")
		o.publishOrder(report, execution.OrderResult{}, plan, dec.Confidence, "rejected", err.Error())
	}
}

func (o *Orchestrator) publishOrder(report *CycleReport, res execution.OrderResult, plan execution.EntryPlan, confidence float64, status, reason string) {
	o.bus.Publish(&events.OrderEvent{
		BaseEvent:     events.NewBaseEvent(events.EventTypeOrder, report.Timestamp),
		OrderID:       res.OrderID,
		ClientOrderID: res.ClientOrderID,
		PositionID:    res.PositionID,
		Symbol:        o.symbol,
		Side:          string(plan.Side),
		Quantity:      plan.Quantity,
		Price:         plan.Price,
		StopLoss:      plan.StopLoss,
		TakeProfit:    plan.TakeProfit,
		Confidence:    confidence,
		Status:        status,
		Reason:        reason,
	})
}

func (o *Orchestrator) supervise(ctx context.Context, report *CycleReport, snap signals.Snapshot) {
	positions, err := o.broker.OpenPositions(ctx)
	if err != nil {
		report.fail(fmt.Errorf("list positions: %w", err))
		return
	}

	report.Stops = o.supervisor.Supervise(ctx, positions, snap.Close, snap.ATR)
	for _, adj := range report.Stops {
		if !adj.Applied {
			continue
		}
		o.metrics.RecordStopAdjustment()
		o.bus.Publish(&events.StopAdjustedEvent{
			BaseEvent:  events.NewBaseEvent(events.EventTypeStopAdjusted, report.Timestamp),
			PositionID: adj.PositionID,
			Side:       string(adj.Side),
			OldStop:    adj.OldStop,
			NewStop:    adj.NewStop,
		})
	}
}

func (o *Orchestrator) finish(report *CycleReport, outcome string, start time.Time) *CycleReport {
	report.Duration = time.Since(start)

	risk := o.gate.State()
	o.metrics.ObserveCycle(outcome, report.Duration)
	o.metrics.SetRisk(risk.CircuitBreakerActive, risk.DailyPnLPercent)

	ev := &events.CycleEvent{
		BaseEvent: events.NewBaseEvent(events.EventTypeCycle, report.Timestamp),
		Symbol:    o.symbol,
		Regime:    string(report.Regime),
		Direction: string(types.DirectionNone),
		Halted:    report.Halted,
		Skipped:   report.Skipped,
	}
	if report.Decision != nil {
		ev.Direction = string(report.Decision.Direction)
		ev.Confidence = report.Decision.Confidence
		ev.AgreementPercent = report.Decision.AgreementPercent
	}
	if len(report.Scores) > 0 {
		ev.Scores = make(map[string]float64, len(report.Scores))
		for _, s := range report.Scores {
			ev.Scores[string(s.Family)] = s.Score
		}
	}
	o.bus.Publish(ev)

	o.stateMu.Lock()
	o.last = report
	o.cycles++
	o.stateMu.Unlock()

	if !report.Skipped {
		o.logger.Debug("Cycle completed",
			zap.Time("timestamp", report.Timestamp),
			zap.String("outcome", outcome),
			zap.String("regime", string(report.Regime)),
			zap.Duration("duration", report.Duration))
	}
	return report
}

// OnPositionClosed books a realised trade with the risk gate. It can be
// called from inside a cycle (a close the cycle issued) or from the feed,
// so it does not take the cycle lock.
func (o *Orchestrator) OnPositionClosed(c execution.ClosedPosition) {
	o.gate.RecordClose(c.PnL)

	o.bus.Publish(&events.PositionClosedEvent{
		BaseEvent:  events.NewBaseEvent(events.EventTypePositionClosed, c.ClosedAt),
		PositionID: c.Position.ID,
		Symbol:     c.Position.Symbol,
		Side:       string(c.Position.Side),
		Quantity:   c.Position.Quantity,
		EntryPrice: c.Position.EntryPrice,
		ExitPrice:  c.ExitPrice,
		PnL:        c.PnL,
		Reason:     c.Reason,
	})

	o.logger.Info("Position closed",
		zap.String("positionId", c.Position.ID),
		zap.String("reason", c.Reason),
		zap.Float64("pnl", c.PnL))
}

// LastReport returns the most recent cycle report, or nil before the first
// cycle.
func (o *Orchestrator) LastReport() *CycleReport {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	return o.last
}

// Status returns the engine state. It never waits for a running cycle.
func (o *Orchestrator) Status() Status {
	o.stateMu.RLock()
	last, cycles := o.last, o.cycles
	o.stateMu.RUnlock()

	return Status{
		Symbol:    o.symbol,
		Cycles:    cycles,
		Features:  o.features,
		Last:      last,
		Risk:      o.gate.State(),
		Regime:    o.classifier.Current(),
		OrderFlow: o.lastFlow(last),
		Execution: o.executor.Metrics(),
	}
}

func (o *Orchestrator) lastFlow(last *CycleReport) signals.OrderFlowState {
	if last == nil || last.OrderFlow == nil {
		return signals.OrderFlowState{}
	}
	return *last.OrderFlow
}
