package data

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/atlas-desktop/confluence-engine/pkg/types"
)

// BarSeries is an in-memory bar history. Bars are stored oldest first and
// read most-recent-first by shift.
type BarSeries struct {
	mu      sync.RWMutex
	symbol  string
	bars    []types.Bar
	maxBars int
	version uint64
}

// NewBarSeries creates a series that keeps at most maxBars bars (0 = unbounded).
func NewBarSeries(symbol string, maxBars int) *BarSeries {
	return &BarSeries{
		symbol:  symbol,
		bars:    make([]types.Bar, 0, 256),
		maxBars: maxBars,
	}
}

// Symbol returns the series symbol.
func (s *BarSeries) Symbol() string {
	return s.symbol
}

// Append adds a bar. A bar with the same timestamp as the last one replaces
// it; an older bar is rejected.
func (s *BarSeries) Append(bar types.Bar) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.bars); n > 0 {
		last := s.bars[n-1].Timestamp
		switch {
		case bar.Timestamp.Equal(last):
			s.bars[n-1] = bar
			s.version++
			return nil
		case bar.Timestamp.Before(last):
			return fmt.Errorf("bar at %s is older than last bar %s", bar.Timestamp, last)
		}
	}

	s.bars = append(s.bars, bar)
	if s.maxBars > 0 && len(s.bars) > s.maxBars {
		s.bars = append(s.bars[:0], s.bars[len(s.bars)-s.maxBars:]...)
	}
	s.version++
	return nil
}

// Load replaces the series content with bars (oldest first).
func (s *BarSeries) Load(bars []types.Bar) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxBars > 0 && len(bars) > s.maxBars {
		bars = bars[len(bars)-s.maxBars:]
	}
	s.bars = append(s.bars[:0], bars...)
	s.version++
}

// Version changes every time the series is modified.
func (s *BarSeries) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Bars returns a copy of the bars, oldest first.
func (s *BarSeries) Bars() []types.Bar {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Bar, len(s.bars))
	copy(out, s.bars)
	return out
}

// Bar returns the bar at shift.
func (s *BarSeries) Bar(shift int) (types.Bar, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.at(shift)
}

func (s *BarSeries) at(shift int) (types.Bar, bool) {
	idx := len(s.bars) - 1 - shift
	if shift < 0 || idx < 0 {
		return types.Bar{}, false
	}
	return s.bars[idx], true
}

// Len returns the number of bars.
func (s *BarSeries) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bars)
}

// Close returns the close at shift, 0 when out of range.
func (s *BarSeries) Close(shift int) float64 {
	b, _ := s.Bar(shift)
	return b.Close
}

// Open returns the open at shift, 0 when out of range.
func (s *BarSeries) Open(shift int) float64 {
	b, _ := s.Bar(shift)
	return b.Open
}

// High returns the high at shift, 0 when out of range.
func (s *BarSeries) High(shift int) float64 {
	b, _ := s.Bar(shift)
	return b.High
}

// Low returns the low at shift, 0 when out of range.
func (s *BarSeries) Low(shift int) float64 {
	b, _ := s.Bar(shift)
	return b.Low
}

// Volume returns the volume at shift, 0 when out of range.
func (s *BarSeries) Volume(shift int) float64 {
	b, _ := s.Bar(shift)
	return b.Volume
}

// Time returns the timestamp at shift, zero when out of range.
func (s *BarSeries) Time(shift int) time.Time {
	b, _ := s.Bar(shift)
	return b.Timestamp
}

// Highest returns the max high over shifts shift..shift+lookback-1.
func (s *BarSeries) Highest(shift, lookback int) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	highest := 0.0
	for i := shift; i < shift+lookback; i++ {
		b, ok := s.at(i)
		if !ok {
			break
		}
		highest = math.Max(highest, b.High)
	}
	return highest
}

// Lowest returns the min low over shifts shift..shift+lookback-1, or 0
// when the window holds no bars.
func (s *BarSeries) Lowest(shift, lookback int) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lowest := math.MaxFloat64
	for i := shift; i < shift+lookback; i++ {
		b, ok := s.at(i)
		if !ok {
			break
		}
		lowest = math.Min(lowest, b.Low)
	}
	if lowest == math.MaxFloat64 {
		return 0
	}
	return lowest
}

var _ MarketDataPort = (*BarSeries)(nil)
