package execution

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/confluence-engine/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PriceSource supplies the price paper orders fill at.
type PriceSource interface {
	Close(shift int) float64
}

// OrderStatus represents order status.
type OrderStatus string

const (
	OrderStatusFilled   OrderStatus = "filled"
	OrderStatusRejected OrderStatus = "rejected"
)

// JournalEntry records one order the paper broker handled.
type JournalEntry struct {
	Request   OrderRequest `json:"request"`
	Status    OrderStatus  `json:"status"`
	Result    *OrderResult `json:"result,omitempty"`
	Message   string       `json:"message,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// PaperBroker is an in-memory BrokerPort. Orders fill at the current close;
// protective levels are checked against each new bar.
type PaperBroker struct {
	logger     *zap.Logger
	instrument types.Instrument
	prices     PriceSource
	now        func() time.Time

	mu        sync.RWMutex
	balance   decimal.Decimal
	positions map[string]*types.Position
	journal   []JournalEntry
	closed    []ClosedPosition
	listeners []func(ClosedPosition)
}

// NewPaperBroker creates a paper broker with a starting balance.
func NewPaperBroker(logger *zap.Logger, instrument types.Instrument, initialBalance float64, prices PriceSource) *PaperBroker {
	return &PaperBroker{
		logger:     logger.Named("paper-broker"),
		instrument: instrument,
		prices:     prices,
		now:        func() time.Time { return time.Now().UTC() },
		balance:    decimal.NewFromFloat(initialBalance),
		positions:  make(map[string]*types.Position),
	}
}

// OnClose registers a listener for realised closes. Listeners run after the
// broker lock is released.
func (b *PaperBroker) OnClose(fn func(ClosedPosition)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, fn)
}

// SetClock overrides the broker's clock.
func (b *PaperBroker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// Instrument implements BrokerPort.
func (b *PaperBroker) Instrument() types.Instrument {
	return b.instrument
}

// Balance implements BrokerPort. It is the realised balance.
func (b *PaperBroker) Balance(ctx context.Context) (float64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.balance.InexactFloat64(), nil
}

// SetBalance overwrites the realised balance.
func (b *PaperBroker) SetBalance(balance float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balance = decimal.NewFromFloat(balance)
}

// PlaceMarketOrder implements BrokerPort.
func (b *PaperBroker) PlaceMarketOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return OrderResult{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	price := b.prices.Close(0)

	if reason := b.validate(req, price); reason != "" {
		b.journal = append(b.journal, JournalEntry{
			Request:   req,
			Status:    OrderStatusRejected,
			Message:   reason,
			Timestamp: now,
		})
		return OrderResult{}, fmt.Errorf("%w: %s", ErrOrderRejected, reason)
	}

	pos := &types.Position{
		ID:         uuid.NewString(),
		Symbol:     req.Symbol,
		Side:       req.Side,
		Quantity:   req.Quantity,
		EntryPrice: price,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		OpenedAt:   now,
	}
	b.positions[pos.ID] = pos

	result := OrderResult{
		OrderID:       uuid.NewString(),
		ClientOrderID: req.ClientOrderID,
		PositionID:    pos.ID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Quantity:      req.Quantity,
		FillPrice:     price,
		Timestamp:     now,
	}
	b.journal = append(b.journal, JournalEntry{
		Request:   req,
		Status:    OrderStatusFilled,
		Result:    &result,
		Timestamp: now,
	})

	b.logger.Info("Paper order filled",
		zap.String("positionId", pos.ID),
		zap.String("side", string(req.Side)),
		zap.Float64("quantity", req.Quantity),
		zap.Float64("price", price))

	return result, nil
}

func (b *PaperBroker) validate(req OrderRequest, price float64) string {
	switch {
	case req.Side != types.SideBuy && req.Side != types.SideSell:
		return fmt.Sprintf("invalid side %q", req.Side)
	case req.Symbol != b.instrument.Symbol:
		return fmt.Sprintf("unknown symbol %q", req.Symbol)
	case req.Quantity < b.instrument.MinSize:
		return fmt.Sprintf("quantity %v below minimum %v", req.Quantity, b.instrument.MinSize)
	case b.instrument.MaxSize > 0 && req.Quantity > b.instrument.MaxSize:
		return fmt.Sprintf("quantity %v above maximum %v", req.Quantity, b.instrument.MaxSize)
	case price <= 0:
		return "no market price"
	case req.Side == types.SideBuy && req.StopLoss > 0 && req.StopLoss >= price:
		return "stop loss above entry for buy"
	case req.Side == types.SideSell && req.StopLoss > 0 && req.StopLoss <= price:
		return "stop loss below entry for sell"
	}
	return ""
}

// ModifyStop implements BrokerPort.
func (b *PaperBroker) ModifyStop(ctx context.Context, positionID string, stop float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.positions[positionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
	}
	if stop <= 0 {
		return fmt.Errorf("invalid stop %v", stop)
	}
	pos.StopLoss = stop
	return nil
}

// ClosePosition implements BrokerPort. The position closes at the current
// close.
func (b *PaperBroker) ClosePosition(ctx context.Context, positionID string) error {
	b.mu.Lock()
	closed, err := b.closeLocked(positionID, b.prices.Close(0), CloseManual)
	listeners := b.listeners
	b.mu.Unlock()

	if err != nil {
		return err
	}
	notify(listeners, closed)
	return nil
}

// OpenPositions implements BrokerPort. Positions are ordered by open time.
func (b *PaperBroker) OpenPositions(ctx context.Context) ([]types.Position, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]types.Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out, nil
}

// OnBar closes positions whose stop or target the bar touched. When both
// are inside the bar the stop is assumed to fill first.
func (b *PaperBroker) OnBar(bar types.Bar) {
	b.mu.Lock()
	var closed []ClosedPosition
	for id, p := range b.positions {
		exit, reason := exitFor(*p, bar)
		if reason == "" {
			continue
		}
		c, err := b.closeLocked(id, exit, reason)
		if err == nil {
			closed = append(closed, c)
		}
	}
	listeners := b.listeners
	b.mu.Unlock()

	for _, c := range closed {
		notify(listeners, c)
	}
}

func exitFor(p types.Position, bar types.Bar) (float64, string) {
	if p.Side == types.SideBuy {
		if p.StopLoss > 0 && bar.Low <= p.StopLoss {
			return p.StopLoss, CloseStopLoss
		}
		if p.TakeProfit > 0 && bar.High >= p.TakeProfit {
			return p.TakeProfit, CloseTakeProfit
		}
		return 0, ""
	}
	if p.StopLoss > 0 && bar.High >= p.StopLoss {
		return p.StopLoss, CloseStopLoss
	}
	if p.TakeProfit > 0 && bar.Low <= p.TakeProfit {
		return p.TakeProfit, CloseTakeProfit
	}
	return 0, ""
}

func (b *PaperBroker) closeLocked(positionID string, exit float64, reason string) (ClosedPosition, error) {
	pos, ok := b.positions[positionID]
	if !ok {
		return ClosedPosition{}, fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
	}

	pnl := decimal.NewFromFloat(pos.UnrealizedPnL(exit)).Round(8)
	b.balance = b.balance.Add(pnl)
	delete(b.positions, positionID)

	closed := ClosedPosition{
		Position:  *pos,
		ExitPrice: exit,
		PnL:       pnl.InexactFloat64(),
		Reason:    reason,
		ClosedAt:  b.now(),
	}
	b.closed = append(b.closed, closed)

	b.logger.Info("Paper position closed",
		zap.String("positionId", positionID),
		zap.String("reason", reason),
		zap.Float64("exit", exit),
		zap.String("pnl", pnl.String()),
		zap.String("balance", b.balance.String()))

	return closed, nil
}

func notify(listeners []func(ClosedPosition), c ClosedPosition) {
	for _, fn := range listeners {
		fn(c)
	}
}

// Journal returns every order handled so far.
func (b *PaperBroker) Journal() []JournalEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]JournalEntry, len(b.journal))
	copy(out, b.journal)
	return out
}

// ClosedPositions returns the realised trade history.
func (b *PaperBroker) ClosedPositions() []ClosedPosition {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]ClosedPosition, len(b.closed))
	copy(out, b.closed)
	return out
}

var _ BrokerPort = (*PaperBroker)(nil)
