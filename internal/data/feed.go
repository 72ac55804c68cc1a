package data

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/atlas-desktop/confluence-engine/pkg/types"
	"go.uber.org/zap"
)

// Feed appends bars to a series and announces each new bar as an Update.
// Bars come from stored history first, then from a sample generator.
type Feed struct {
	logger  *zap.Logger
	config  types.FeedConfig
	symbol  string
	series  *BarSeries
	store   *Store
	quality *QualityChecker

	mu      sync.Mutex
	gen     *SampleGenerator
	updates chan types.Update
	onBar   func(types.Bar)
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewFeed creates a bar feed for one symbol.
func NewFeed(logger *zap.Logger, symbol string, config types.FeedConfig, series *BarSeries, store *Store) *Feed {
	return &Feed{
		logger:  logger.Named("bar-feed"),
		config:  config,
		symbol:  symbol,
		series:  series,
		store:   store,
		quality: NewQualityChecker(logger),
		updates: make(chan types.Update),
	}
}

// OnBar registers a callback invoked for every live bar.
func (f *Feed) OnBar(fn func(types.Bar)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onBar = fn
}

// Updates returns the channel of new-bar notifications. The feed appends
// nothing further until the consumer closes the update's Done channel.
func (f *Feed) Updates() <-chan types.Update {
	return f.updates
}

// Warm fills the series with history. Stored bars are used when present;
// otherwise HistoryBars sample bars are generated and saved.
func (f *Feed) Warm(ctx context.Context) error {
	history, err := f.store.LoadBars(ctx, f.symbol, f.config.Timeframe, time.Time{}, time.Now().UTC())
	switch {
	case errors.Is(err, os.ErrNotExist):
		start := time.Now().UTC().Truncate(f.config.Timeframe.Duration()).
			Add(-time.Duration(f.config.HistoryBars) * f.config.Timeframe.Duration())
		gen := NewSampleGenerator(f.symbol, f.config.Timeframe, start, f.config.StartPrice)
		history = gen.Generate(f.config.HistoryBars)
		if err := f.store.SaveBars(f.symbol, f.config.Timeframe, history); err != nil {
			f.logger.Warn("Failed to persist sample history", zap.Error(err))
		}
		f.logger.Info("Generated sample history",
			zap.String("symbol", f.symbol),
			zap.Int("bars", len(history)))
	case err != nil:
		return fmt.Errorf("failed to load history: %w", err)
	default:
		report := f.quality.Validate(f.symbol, f.config.Timeframe, history)
		if !report.Usable {
			f.logger.Warn("Stored history has quality issues",
				zap.String("symbol", f.symbol),
				zap.Int("score", report.QualityScore),
				zap.Int("issues", len(report.Issues)))
		}
		history = f.quality.Clean(history)
	}

	f.series.Load(history)

	next, price := time.Now().UTC(), f.config.StartPrice
	if n := len(history); n > 0 {
		next = history[n-1].Timestamp.Add(f.config.Timeframe.Duration())
		price = history[n-1].Close
	}

	f.mu.Lock()
	f.gen = NewSampleGenerator(f.symbol, f.config.Timeframe, next, price)
	f.mu.Unlock()
	return nil
}

// Start begins producing one bar per poll interval.
func (f *Feed) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.running {
		return fmt.Errorf("feed already running")
	}
	if f.gen == nil {
		return fmt.Errorf("feed not warmed")
	}

	ctx, f.cancel = context.WithCancel(ctx)
	f.running = true
	f.wg.Add(1)
	go f.loop(ctx)

	f.logger.Info("Bar feed started",
		zap.String("symbol", f.symbol),
		zap.Duration("interval", f.config.PollInterval))
	return nil
}

// Stop stops the feed and closes the updates channel.
func (f *Feed) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	f.cancel()
	f.mu.Unlock()

	f.wg.Wait()
	close(f.updates)
	f.logger.Info("Bar feed stopped")
}

func (f *Feed) loop(ctx context.Context) {
	defer f.wg.Done()

	ticker := time.NewTicker(f.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.mu.Lock()
			bar := f.gen.Next()
			onBar := f.onBar
			f.mu.Unlock()

			if err := f.series.Append(bar); err != nil {
				f.logger.Warn("Dropped bar", zap.Error(err))
				continue
			}
			if onBar != nil {
				onBar(bar)
			}

			done := make(chan struct{})
			select {
			case f.updates <- types.Update{
				Symbol:    f.symbol,
				Timestamp: bar.Timestamp,
				BarTime:   bar.Timestamp,
				Done:      done,
			}:
			case <-ctx.Done():
				return
			}

			select {
			case <-done:
			case <-ctx.Done():
				return
			}
		}
	}
}
