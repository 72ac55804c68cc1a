// Package execution holds everything that acts on the account: the broker
// port and its paper implementation, the daily risk gate, entry execution
// and open-position supervision.
package execution

import (
	"context"
	"errors"
	"time"

	"github.com/atlas-desktop/confluence-engine/pkg/types"
)

var (
	// ErrOrderRejected is returned when the broker declines an order.
	ErrOrderRejected = errors.New("order rejected")
	// ErrPositionNotFound is returned for an unknown position ID.
	ErrPositionNotFound = errors.New("position not found")
	// ErrNoTrade marks an entry that was deliberately not placed.
	ErrNoTrade = errors.New("no trade")
)

// OrderRequest is a market order with protective levels.
type OrderRequest struct {
	ClientOrderID string     `json:"clientOrderId"`
	Symbol        string     `json:"symbol"`
	Side          types.Side `json:"side"`
	Quantity      float64    `json:"quantity"`
	StopLoss      float64    `json:"stopLoss"`
	TakeProfit    float64    `json:"takeProfit"`
}

// OrderResult contains the result of an accepted order.
type OrderResult struct {
	OrderID       string     `json:"orderId"`
	ClientOrderID string     `json:"clientOrderId"`
	PositionID    string     `json:"positionId"`
	Symbol        string     `json:"symbol"`
	Side          types.Side `json:"side"`
	Quantity      float64    `json:"quantity"`
	FillPrice     float64    `json:"fillPrice"`
	Timestamp     time.Time  `json:"timestamp"`
}

// BrokerPort is the account the engine trades through.
type BrokerPort interface {
	PlaceMarketOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	ModifyStop(ctx context.Context, positionID string, stop float64) error
	ClosePosition(ctx context.Context, positionID string) error
	OpenPositions(ctx context.Context) ([]types.Position, error)
	Balance(ctx context.Context) (float64, error)
	Instrument() types.Instrument
}

// ClosedPosition is delivered to close listeners with the realised P&L.
type ClosedPosition struct {
	Position  types.Position `json:"position"`
	ExitPrice float64        `json:"exitPrice"`
	PnL       float64        `json:"pnl"`
	Reason    string         `json:"reason"`
	ClosedAt  time.Time      `json:"closedAt"`
}

// Close reasons.
const (
	CloseManual     = "manual"
	CloseStopLoss   = "stop_loss"
	CloseTakeProfit = "take_profit"
)
