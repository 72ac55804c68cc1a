// Package data provides market data access for the confluence engine:
// the port interfaces the core reads through, a bar series, an indicator
// calculator over it, and a JSON bar store.
package data

import (
	"errors"
	"time"
)

// ErrNotReady is returned by an indicator port while it lacks history.
var ErrNotReady = errors.New("indicator not ready")

// Indicator identifies one of the indicators the engine consumes.
type Indicator int

const (
	SMA50 Indicator = iota
	SMA200
	MACD // line 0 = macd, line 1 = signal
	ADX
	RSI
	CCI
	ATR
	Bollinger // line 0 = upper, 1 = middle, 2 = lower
	OBV
	VolumeSMA
)

// Bollinger and MACD line indices.
const (
	LineMain   = 0
	LineSignal = 1

	LineUpper  = 0
	LineMiddle = 1
	LineLower  = 2
)

var indicatorNames = map[Indicator]string{
	SMA50:     "sma50",
	SMA200:    "sma200",
	MACD:      "macd",
	ADX:       "adx",
	RSI:       "rsi",
	CCI:       "cci",
	ATR:       "atr",
	Bollinger: "bollinger",
	OBV:       "obv",
	VolumeSMA: "volume_sma",
}

func (i Indicator) String() string {
	if name, ok := indicatorNames[i]; ok {
		return name
	}
	return "unknown"
}

// Lines returns how many output lines the indicator has.
func (i Indicator) Lines() int {
	switch i {
	case MACD:
		return 2
	case Bollinger:
		return 3
	default:
		return 1
	}
}

// IndicatorPort supplies indicator values by shift (0 = current bar).
type IndicatorPort interface {
	Value(ind Indicator, shift, line int) (float64, error)
}

// MarketDataPort supplies raw bar data by shift (0 = current bar).
type MarketDataPort interface {
	Close(shift int) float64
	Open(shift int) float64
	High(shift int) float64
	Low(shift int) float64
	Volume(shift int) float64
	// Highest returns the max high over shifts shift..shift+lookback-1.
	Highest(shift, lookback int) float64
	// Lowest returns the min low over the same window, or 0 when empty.
	Lowest(shift, lookback int) float64
	Len() int
	Time(shift int) time.Time
}
