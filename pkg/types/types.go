// Package types provides shared type definitions for the confluence engine.
package types

import (
	"time"
)

// Side represents the side of an order or position.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the closing side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Direction is the outcome of a decision cycle.
type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
	DirectionNone Direction = "none"
)

// Side maps an actionable direction onto an order side.
func (d Direction) Side() (Side, bool) {
	switch d {
	case DirectionBuy:
		return SideBuy, true
	case DirectionSell:
		return SideSell, true
	default:
		return "", false
	}
}

// Timeframe represents bar timeframes
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

// Duration returns the bar interval for the timeframe.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case Timeframe1m:
		return time.Minute
	case Timeframe5m:
		return 5 * time.Minute
	case Timeframe15m:
		return 15 * time.Minute
	case Timeframe4h:
		return 4 * time.Hour
	case Timeframe1d:
		return 24 * time.Hour
	default:
		return time.Hour
	}
}

// Bar is a single OHLCV observation. Bars are immutable once produced by the feed.
type Bar struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Range returns high minus low.
func (b Bar) Range() float64 {
	return b.High - b.Low
}

// Position is an open position as reported by the broker.
// The engine reads it and issues modify/close instructions; it never mutates it.
type Position struct {
	ID         string    `json:"id"`
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Quantity   float64   `json:"quantity"`
	EntryPrice float64   `json:"entryPrice"`
	StopLoss   float64   `json:"stopLoss,omitempty"`
	TakeProfit float64   `json:"takeProfit,omitempty"`
	OpenedAt   time.Time `json:"openedAt"`
}

// UnrealizedPnL returns the side-adjusted profit at the given price.
func (p Position) UnrealizedPnL(price float64) float64 {
	if p.Side == SideSell {
		return (p.EntryPrice - price) * p.Quantity
	}
	return (price - p.EntryPrice) * p.Quantity
}

// Instrument describes the traded symbol's trading limits.
type Instrument struct {
	Symbol   string  `json:"symbol" mapstructure:"symbol" validate:"required"`
	MinSize  float64 `json:"minSize" mapstructure:"min_size" validate:"gt=0"`
	MaxSize  float64 `json:"maxSize" mapstructure:"max_size" validate:"gtefield=MinSize"`
	TickSize float64 `json:"tickSize" mapstructure:"tick_size" validate:"gte=0"`
}

// Update is one new-bar event driving exactly one decision cycle.
// BarTime is the open time of the bar that triggered it; a zero BarTime
// skips the staleness check. Done, when set, is closed once the cycle
// for this update has finished.
type Update struct {
	Symbol    string        `json:"symbol"`
	Timestamp time.Time     `json:"timestamp"`
	BarTime   time.Time     `json:"barTime"`
	Done      chan struct{} `json:"-"`
}
