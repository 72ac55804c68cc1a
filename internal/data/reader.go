package data

import (
	"errors"
	"math"

	"go.uber.org/zap"
)

// Reader wraps an IndicatorPort and degrades every failure to 0.
// A degraded read is not neutral for every rule: an RSI of 0 reads as
// oversold and can fire the mean reversion and harmonic families.
type Reader struct {
	port   IndicatorPort
	logger *zap.Logger
}

// NewReader creates a safe indicator reader
func NewReader(port IndicatorPort, logger *zap.Logger) *Reader {
	return &Reader{
		port:   port,
		logger: logger.Named("indicator-reader"),
	}
}

// Get returns line 0 of the indicator at shift, or 0.
func (r *Reader) Get(ind Indicator, shift int) float64 {
	return r.Line(ind, shift, 0)
}

// Line returns the given line of the indicator at shift, or 0.
func (r *Reader) Line(ind Indicator, shift, line int) (v float64) {
	if r.port == nil {
		return 0
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn("Indicator read panicked",
				zap.Stringer("indicator", ind),
				zap.Any("panic", rec))
			v = 0
		}
	}()

	val, err := r.port.Value(ind, shift, line)
	if err != nil {
		if !errors.Is(err, ErrNotReady) {
			r.logger.Debug("Indicator read failed",
				zap.Stringer("indicator", ind),
				zap.Int("shift", shift),
				zap.Error(err))
		}
		return 0
	}
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return 0
	}
	return val
}

// AverageATR returns the mean ATR over shifts 0..period-1.
func (r *Reader) AverageATR(period int) float64 {
	if period <= 0 {
		return 0
	}
	sum := 0.0
	for i := 0; i < period; i++ {
		sum += r.Get(ATR, i)
	}
	return sum / float64(period)
}
