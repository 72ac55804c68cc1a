package data

import (
	"fmt"
	"math"
	"sync"

	talib "github.com/markcheno/go-talib"
)

// CalculatorConfig holds indicator periods.
type CalculatorConfig struct {
	FastSMA        int     `json:"fastSma"`
	SlowSMA        int     `json:"slowSma"`
	MACDFast       int     `json:"macdFast"`
	MACDSlow       int     `json:"macdSlow"`
	MACDSignal     int     `json:"macdSignal"`
	ADXPeriod      int     `json:"adxPeriod"`
	RSIPeriod      int     `json:"rsiPeriod"`
	CCIPeriod      int     `json:"cciPeriod"`
	ATRPeriod      int     `json:"atrPeriod"`
	BollingerLen   int     `json:"bollingerLen"`
	BollingerWidth float64 `json:"bollingerWidth"`
	VolumePeriod   int     `json:"volumePeriod"`
}

// DefaultCalculatorConfig returns the standard indicator periods.
func DefaultCalculatorConfig() CalculatorConfig {
	return CalculatorConfig{
		FastSMA:        50,
		SlowSMA:        200,
		MACDFast:       12,
		MACDSlow:       26,
		MACDSignal:     9,
		ADXPeriod:      14,
		RSIPeriod:      14,
		CCIPeriod:      20,
		ATRPeriod:      14,
		BollingerLen:   20,
		BollingerWidth: 2.0,
		VolumePeriod:   20,
	}
}

// Calculator computes indicators over a BarSeries. Results are cached per
// series version and recomputed lazily after the series changes.
type Calculator struct {
	mu      sync.Mutex
	series  *BarSeries
	config  CalculatorConfig
	version uint64
	cache   map[Indicator][][]float64
}

// NewCalculator creates an indicator calculator for the series.
func NewCalculator(series *BarSeries, config CalculatorConfig) *Calculator {
	return &Calculator{
		series: series,
		config: config,
		cache:  make(map[Indicator][][]float64),
	}
}

// Value implements IndicatorPort.
func (c *Calculator) Value(ind Indicator, shift, line int) (float64, error) {
	if line < 0 || line >= ind.Lines() {
		return 0, fmt.Errorf("indicator %s has no line %d", ind, line)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if v := c.series.Version(); v != c.version {
		c.cache = make(map[Indicator][][]float64)
		c.version = v
	}

	lines, ok := c.cache[ind]
	if !ok {
		var err error
		lines, err = c.compute(ind)
		if err != nil {
			return 0, err
		}
		c.cache[ind] = lines
	}

	values := lines[line]
	idx := len(values) - 1 - shift
	if shift < 0 || idx < 0 || math.IsNaN(values[idx]) {
		return 0, ErrNotReady
	}
	return values[idx], nil
}

func (c *Calculator) compute(ind Indicator) ([][]float64, error) {
	bars := c.series.Bars()
	n := len(bars)
	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	volumes := make([]float64, n)
	for i, b := range bars {
		closes[i] = b.Close
		highs[i] = b.High
		lows[i] = b.Low
		volumes[i] = b.Volume
	}

	cfg := c.config
	switch ind {
	case SMA50:
		return [][]float64{guarded(n, cfg.FastSMA-1, func() []float64 { return talib.Sma(closes, cfg.FastSMA) })}, nil
	case SMA200:
		return [][]float64{guarded(n, cfg.SlowSMA-1, func() []float64 { return talib.Sma(closes, cfg.SlowSMA) })}, nil
	case MACD:
		lookback := max(cfg.MACDFast, cfg.MACDSlow) - 1 + cfg.MACDSignal - 1
		if cfg.MACDFast < 2 || cfg.MACDSlow < 2 || cfg.MACDSignal < 1 || n <= lookback {
			return [][]float64{nanSlice(n), nanSlice(n)}, nil
		}
		line, signal, _ := talib.Macd(closes, cfg.MACDFast, cfg.MACDSlow, cfg.MACDSignal)
		return [][]float64{mask(line, lookback), mask(signal, lookback)}, nil
	case ADX:
		return [][]float64{guarded(n, 2*cfg.ADXPeriod-1, func() []float64 { return talib.Adx(highs, lows, closes, cfg.ADXPeriod) })}, nil
	case RSI:
		return [][]float64{guarded(n, cfg.RSIPeriod, func() []float64 { return talib.Rsi(closes, cfg.RSIPeriod) })}, nil
	case CCI:
		return [][]float64{guarded(n, cfg.CCIPeriod-1, func() []float64 { return talib.Cci(highs, lows, closes, cfg.CCIPeriod) })}, nil
	case ATR:
		return [][]float64{guarded(n, cfg.ATRPeriod, func() []float64 { return talib.Atr(highs, lows, closes, cfg.ATRPeriod) })}, nil
	case Bollinger:
		lookback := cfg.BollingerLen - 1
		if cfg.BollingerLen < 2 || n <= lookback {
			return [][]float64{nanSlice(n), nanSlice(n), nanSlice(n)}, nil
		}
		upper, middle, lower := talib.BBands(closes, cfg.BollingerLen, cfg.BollingerWidth, cfg.BollingerWidth, talib.SMA)
		return [][]float64{mask(upper, lookback), mask(middle, lookback), mask(lower, lookback)}, nil
	case OBV:
		return [][]float64{guarded(n, 0, func() []float64 { return talib.Obv(closes, volumes) })}, nil
	case VolumeSMA:
		return [][]float64{guarded(n, cfg.VolumePeriod-1, func() []float64 { return talib.Sma(volumes, cfg.VolumePeriod) })}, nil
	default:
		return nil, fmt.Errorf("unsupported indicator %d", ind)
	}
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// guarded runs fn only when the series is longer than the indicator's
// lookback; talib indexes past the end of short inputs.
func guarded(n, lookback int, fn func() []float64) []float64 {
	if lookback < 0 || n <= lookback {
		return nanSlice(n)
	}
	return mask(fn(), lookback)
}

// mask marks the first lookback values, which talib leaves at zero, as
// not ready.
func mask(values []float64, lookback int) []float64 {
	for i := 0; i < lookback && i < len(values); i++ {
		values[i] = math.NaN()
	}
	return values
}

var _ IndicatorPort = (*Calculator)(nil)
