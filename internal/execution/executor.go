package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/confluence-engine/internal/sizing"
	"github.com/atlas-desktop/confluence-engine/pkg/types"
	"github.com/atlas-desktop/confluence-engine/pkg/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ExecutorConfig configures entry execution.
type ExecutorConfig struct {
	StopATR        float64 `json:"stopAtr"`
	TargetATR      float64 `json:"targetAtr"`
	MaxRiskPercent float64 `json:"maxRiskPercent"` // of balance, at full confidence
}

// DefaultExecutorConfig returns sensible defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		StopATR:        2.0,
		TargetATR:      3.0,
		MaxRiskPercent: 2.0,
	}
}

// ExecutorMetrics tracks execution outcomes.
type ExecutorMetrics struct {
	TotalOrders      int       `json:"totalOrders"`
	SuccessfulOrders int       `json:"successfulOrders"`
	RejectedOrders   int       `json:"rejectedOrders"`
	SkippedEntries   int       `json:"skippedEntries"`
	LastOrderTime    time.Time `json:"lastOrderTime"`
}

// EntryPlan is the order derived from a decision before it is sent.
type EntryPlan struct {
	Side         types.Side `json:"side"`
	Price        float64    `json:"price"`
	RiskAmount   float64    `json:"riskAmount"`
	StopDistance float64    `json:"stopDistance"`
	Quantity     float64    `json:"quantity"`
	StopLoss     float64    `json:"stopLoss"`
	TakeProfit   float64    `json:"takeProfit"`
}

// Executor turns an actionable decision into a single protected market
// order.
type Executor struct {
	logger *zap.Logger
	config ExecutorConfig
	broker BrokerPort
	sizer  *sizing.PositionSizer

	mu      sync.RWMutex
	metrics ExecutorMetrics
}

// NewExecutor creates a new entry executor.
func NewExecutor(logger *zap.Logger, config ExecutorConfig, broker BrokerPort, sizer *sizing.PositionSizer) *Executor {
	return &Executor{
		logger: logger.Named("executor"),
		config: config,
		broker: broker,
		sizer:  sizer,
	}
}

// Plan computes the entry without touching open positions. It returns an
// ErrNoTrade-wrapped error when no order should be sent.
func (e *Executor) Plan(dir types.Direction, confidence, balance, price, atr float64) (EntryPlan, error) {
	side, ok := dir.Side()
	if !ok {
		return EntryPlan{}, fmt.Errorf("%w: no direction", ErrNoTrade)
	}
	if atr <= 0 {
		return EntryPlan{}, fmt.Errorf("%w: atr %v", ErrNoTrade, atr)
	}
	if price <= 0 {
		return EntryPlan{}, fmt.Errorf("%w: price %v", ErrNoTrade, price)
	}

	inst := e.broker.Instrument()
	plan := EntryPlan{
		Side:         side,
		Price:        price,
		RiskAmount:   sizing.RiskAmount(balance, e.config.MaxRiskPercent, confidence),
		StopDistance: e.config.StopATR * atr,
	}
	plan.Quantity = e.sizer.Size(plan.RiskAmount, plan.StopDistance, inst)
	if plan.Quantity <= 0 {
		return EntryPlan{}, fmt.Errorf("%w: zero quantity for risk %.2f", ErrNoTrade, plan.RiskAmount)
	}

	target := e.config.TargetATR * atr
	if side == types.SideBuy {
		plan.StopLoss = roundToTick(price-plan.StopDistance, inst.TickSize)
		plan.TakeProfit = roundToTick(price+target, inst.TickSize)
	} else {
		plan.StopLoss = roundToTick(price+plan.StopDistance, inst.TickSize)
		plan.TakeProfit = roundToTick(price-target, inst.TickSize)
	}
	return plan, nil
}

// Execute places an entry when no position is open. Rejections are wrapped
// ErrOrderRejected and are not retried.
func (e *Executor) Execute(ctx context.Context, dir types.Direction, confidence, price, atr float64) (OrderResult, EntryPlan, error) {
	open, err := e.broker.OpenPositions(ctx)
	if err != nil {
		return OrderResult{}, EntryPlan{}, fmt.Errorf("list positions: %w", err)
	}
	if len(open) > 0 {
		e.skip()
		return OrderResult{}, EntryPlan{}, fmt.Errorf("%w: position already open", ErrNoTrade)
	}

	balance, err := e.broker.Balance(ctx)
	if err != nil {
		return OrderResult{}, EntryPlan{}, fmt.Errorf("read balance: %w", err)
	}

	plan, err := e.Plan(dir, confidence, balance, price, atr)
	if err != nil {
		e.skip()
		e.logger.Debug("Entry skipped", zap.Error(err))
		return OrderResult{}, plan, err
	}

	req := OrderRequest{
		ClientOrderID: uuid.NewString(),
		Symbol:        e.broker.Instrument().Symbol,
		Side:          plan.Side,
		Quantity:      plan.Quantity,
		StopLoss:      plan.StopLoss,
		TakeProfit:    plan.TakeProfit,
	}

	result, err := e.broker.PlaceMarketOrder(ctx, req)

	e.mu.Lock()
	e.metrics.TotalOrders++
	if err != nil {
		e.metrics.RejectedOrders++
	} else {
		e.metrics.SuccessfulOrders++
		e.metrics.LastOrderTime = result.Timestamp
	}
	e.mu.Unlock()

	if err != nil {
		e.logger.Error("Order rejected",
			zap.String("clientOrderId", req.ClientOrderID),
			zap.String("side", string(req.Side)),
			zap.Float64("quantity", req.Quantity),
			zap.Error(err))
		if !errors.Is(err, ErrOrderRejected) {
			err = fmt.Errorf("%w: %w", ErrOrderRejected, err)
		}
		return OrderResult{}, plan, err
	}

	e.logger.Info("Entry placed",
		zap.String("orderId", result.OrderID),
		zap.String("side", string(result.Side)),
		zap.Float64("quantity", result.Quantity),
		zap.Float64("fill", result.FillPrice),
		zap.Float64("stopLoss", req.StopLoss),
		zap.Float64("takeProfit", req.TakeProfit),
		zap.Float64("confidence", confidence))

	return result, plan, nil
}

func (e *Executor) skip() {
	e.mu.Lock()
	e.metrics.SkippedEntries++
	e.mu.Unlock()
}

// Metrics returns execution counters.
func (e *Executor) Metrics() ExecutorMetrics {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.metrics
}

func roundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	return utils.RoundToTickSize(decimal.NewFromFloat(price), decimal.NewFromFloat(tick)).InexactFloat64()
}
