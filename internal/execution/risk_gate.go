package execution

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/atlas-desktop/confluence-engine/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Status represents the risk gate state.
type Status string

const (
	StatusNormal Status = "normal"
	StatusHalted Status = "halted"
)

// Halt reasons.
const (
	HaltDailyLoss         = "max_daily_loss"
	HaltConsecutiveLosses = "max_consecutive_losses"
)

// RiskGateConfig contains circuit breaker configuration.
type RiskGateConfig struct {
	MaxDailyLossPercent  float64 `json:"maxDailyLossPercent"`
	MaxConsecutiveLosses int     `json:"maxConsecutiveLosses"`
	Enabled              bool    `json:"enabled"`
}

// DefaultRiskGateConfig returns default circuit breaker configuration.
func DefaultRiskGateConfig() RiskGateConfig {
	return RiskGateConfig{
		MaxDailyLossPercent:  5.0,
		MaxConsecutiveLosses: 3,
		Enabled:              true,
	}
}

// RiskState is a snapshot of the daily risk bookkeeping.
type RiskState struct {
	Status               Status          `json:"status"`
	StartOfDayBalance    decimal.Decimal `json:"startOfDayBalance"`
	DailyPnL             decimal.Decimal `json:"dailyPnl"`
	DailyPnLPercent      float64         `json:"dailyPnlPercent"`
	ConsecutiveLosses    int             `json:"consecutiveLosses"`
	CircuitBreakerActive bool            `json:"circuitBreakerActive"`
	LastTradingDay       string          `json:"lastTradingDay"`
	HaltReason           string          `json:"haltReason,omitempty"`
	HaltedAt             time.Time       `json:"haltedAt,omitempty"`
	TotalTrades          int             `json:"totalTrades"`
	WinningTrades        int             `json:"winningTrades"`
	WinRate              float64         `json:"winRate"`
}

// CheckResult is the outcome of one RiskGate.Check.
type CheckResult struct {
	Status  Status `json:"status"`
	Tripped bool   `json:"tripped"` // this call moved Normal -> Halted
	Rolled  bool   `json:"rolled"`  // a new trading day started
	Reason  string `json:"reason,omitempty"`
}

// RiskGate is the daily circuit breaker. Once tripped it stays halted until
// the next UTC trading day.
type RiskGate struct {
	logger *zap.Logger
	config RiskGateConfig

	mu    sync.RWMutex
	state RiskState
}

// NewRiskGate creates a risk gate whose first trading day starts with
// initialBalance.
func NewRiskGate(logger *zap.Logger, config RiskGateConfig, initialBalance float64) *RiskGate {
	return &RiskGate{
		logger: logger.Named("risk-gate"),
		config: config,
		state: RiskState{
			Status:            StatusNormal,
			StartOfDayBalance: decimal.NewFromFloat(initialBalance),
			DailyPnL:          decimal.Zero,
		},
	}
}

// Check rolls the trading day if needed, refreshes daily P&L from balance
// and evaluates the breaker.
func (g *RiskGate) Check(now time.Time, balance float64) CheckResult {
	g.mu.Lock()
	defer g.mu.Unlock()

	var result CheckResult
	bal := decimal.NewFromFloat(balance)

	day := now.UTC().Format(time.DateOnly)
	if day != g.state.LastTradingDay {
		if g.state.LastTradingDay != "" {
			g.logger.Info("New trading day",
				zap.String("day", day),
				zap.String("previousDay", g.state.LastTradingDay),
				zap.String("startBalance", bal.String()))
		}
		g.state.LastTradingDay = day
		g.state.StartOfDayBalance = bal
		g.state.DailyPnL = decimal.Zero
		g.state.DailyPnLPercent = 0
		g.state.ConsecutiveLosses = 0
		g.state.CircuitBreakerActive = false
		g.state.Status = StatusNormal
		g.state.HaltReason = ""
		g.state.HaltedAt = time.Time{}
		result.Rolled = true
	}

	start := g.state.StartOfDayBalance
	g.state.DailyPnL = bal.Sub(start)
	g.state.DailyPnLPercent = utils.PercentOf(g.state.DailyPnL, start).InexactFloat64()

	if g.config.Enabled && !g.state.CircuitBreakerActive {
		if reason := g.breach(); reason != "" {
			g.state.CircuitBreakerActive = true
			g.state.Status = StatusHalted
			g.state.HaltReason = reason
			g.state.HaltedAt = now
			result.Tripped = true

			g.logger.Warn("Circuit breaker tripped",
				zap.String("reason", reason),
				zap.Float64("dailyPnlPercent", g.state.DailyPnLPercent),
				zap.Int("consecutiveLosses", g.state.ConsecutiveLosses))
		}
	}

	result.Status = g.state.Status
	result.Reason = g.state.HaltReason
	return result
}

func (g *RiskGate) breach() string {
	if g.state.StartOfDayBalance.IsPositive() &&
		math.Abs(g.state.DailyPnLPercent) >= g.config.MaxDailyLossPercent {
		return HaltDailyLoss
	}
	if g.config.MaxConsecutiveLosses > 0 && g.state.ConsecutiveLosses >= g.config.MaxConsecutiveLosses {
		return HaltConsecutiveLosses
	}
	return ""
}

// RecordClose books a realised trade result.
func (g *RiskGate) RecordClose(pnl float64) {
	if math.IsNaN(pnl) || math.IsInf(pnl, 0) {
		g.logger.Warn("Ignoring non-finite trade result", zap.Float64("pnl", pnl))
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.state.TotalTrades++
	switch {
	case pnl > 0:
		g.state.WinningTrades++
		g.state.ConsecutiveLosses = 0
	case pnl < 0:
		g.state.ConsecutiveLosses++
	}
	g.state.WinRate = float64(g.state.WinningTrades) / float64(g.state.TotalTrades) * 100

	g.logger.Debug("Trade recorded",
		zap.Float64("pnl", pnl),
		zap.Int("consecutiveLosses", g.state.ConsecutiveLosses),
		zap.String("winRate", fmt.Sprintf("%.1f%%", g.state.WinRate)))
}

// Halted reports whether the breaker is active.
func (g *RiskGate) Halted() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state.CircuitBreakerActive
}

// State returns a copy of the current risk state.
func (g *RiskGate) State() RiskState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// Config returns the gate configuration.
func (g *RiskGate) Config() RiskGateConfig {
	return g.config
}
