package signals

import (
	"time"

	"github.com/atlas-desktop/confluence-engine/internal/data"
	"github.com/atlas-desktop/confluence-engine/pkg/types"
)

// Lookbacks used when reading a snapshot.
const (
	RangeLookback   = 20
	SwingLookback   = 100
	ATRAverageBars  = 20
	ATRCompareShift = 10
)

// Snapshot is every value one cycle reads from the ports. Missing
// indicators are 0.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Bar       types.Bar `json:"bar"`

	Close    float64 `json:"close"`
	CloseAgo float64 `json:"closeAgo"`
	Volume   float64 `json:"volume"`

	SMA50      float64 `json:"sma50"`
	SMA200     float64 `json:"sma200"`
	SMA50Prev  float64 `json:"sma50Prev"`
	SMA200Prev float64 `json:"sma200Prev"`
	MACD       float64 `json:"macd"`
	MACDSignal float64 `json:"macdSignal"`
	ADX        float64 `json:"adx"`
	RSI        float64 `json:"rsi"`
	CCI        float64 `json:"cci"`
	BBUpper    float64 `json:"bbUpper"`
	BBLower    float64 `json:"bbLower"`
	OBV        float64 `json:"obv"`
	OBVPrev    float64 `json:"obvPrev"`

	ATR       float64 `json:"atr"`
	ATRAgo    float64 `json:"atrAgo"`
	AvgATR    float64 `json:"avgAtr"`
	AvgVolume float64 `json:"avgVolume"`

	// High20/Low20 include the current bar; the channel excludes it.
	High20      float64 `json:"high20"`
	Low20       float64 `json:"low20"`
	ChannelHigh float64 `json:"channelHigh"`
	ChannelLow  float64 `json:"channelLow"`

	Imbalance float64    `json:"imbalance"`
	Fib       *FibLevels `json:"fib,omitempty"`
}

// ReadSnapshot reads the current cycle's inputs.
func ReadSnapshot(r *data.Reader, m data.MarketDataPort) Snapshot {
	bar := types.Bar{
		Timestamp: m.Time(0),
		Open:      m.Open(0),
		High:      m.High(0),
		Low:       m.Low(0),
		Close:     m.Close(0),
		Volume:    m.Volume(0),
	}

	return Snapshot{
		Timestamp: bar.Timestamp,
		Bar:       bar,

		Close:    bar.Close,
		CloseAgo: m.Close(momentumBars),
		Volume:   bar.Volume,

		SMA50:      r.Get(data.SMA50, 0),
		SMA200:     r.Get(data.SMA200, 0),
		SMA50Prev:  r.Get(data.SMA50, 1),
		SMA200Prev: r.Get(data.SMA200, 1),
		MACD:       r.Line(data.MACD, 0, data.LineMain),
		MACDSignal: r.Line(data.MACD, 0, data.LineSignal),
		ADX:        r.Get(data.ADX, 0),
		RSI:        r.Get(data.RSI, 0),
		CCI:        r.Get(data.CCI, 0),
		BBUpper:    r.Line(data.Bollinger, 0, data.LineUpper),
		BBLower:    r.Line(data.Bollinger, 0, data.LineLower),
		OBV:        r.Get(data.OBV, 0),
		OBVPrev:    r.Get(data.OBV, 1),

		ATR:       r.Get(data.ATR, 0),
		ATRAgo:    r.Get(data.ATR, ATRCompareShift),
		AvgATR:    r.AverageATR(ATRAverageBars),
		AvgVolume: r.Get(data.VolumeSMA, 0),

		High20:      m.Highest(0, RangeLookback),
		Low20:       m.Lowest(0, RangeLookback),
		ChannelHigh: m.Highest(1, RangeLookback),
		ChannelLow:  m.Lowest(1, RangeLookback),
	}
}

// SwingLevels computes Fibonacci levels from the last SwingLookback bars.
func SwingLevels(m data.MarketDataPort) FibLevels {
	return ComputeFibLevels(m.Highest(0, SwingLookback), m.Lowest(0, SwingLookback))
}
