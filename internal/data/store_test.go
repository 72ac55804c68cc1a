package data_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/atlas-desktop/confluence-engine/internal/data"
	"github.com/atlas-desktop/confluence-engine/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestStoreSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	store, err := data.NewStore(zap.NewNop(), dir)
	require.NoError(t, err)

	bars := []types.Bar{
		bar(2, 110, 120, 108, 118, 2000),
		bar(0, 100, 110, 95, 105, 1000),
		bar(1, 105, 115, 100, 110.25, 1500),
	}
	require.NoError(t, store.SaveBars("EUR/USD", types.Timeframe1h, bars))
	assert.Equal(t, []string{"EUR/USD"}, store.Symbols())

	// fresh store reads from disk
	reloaded, err := data.NewStore(zap.NewNop(), dir)
	require.NoError(t, err)
	got, err := reloaded.LoadBars(context.Background(), "EUR/USD", types.Timeframe1h, t0, t0.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, 105.0, got[0].Close, "bars are sorted oldest first")
	assert.Equal(t, 110.25, got[1].Close)
	assert.True(t, got[2].Timestamp.Equal(t0.Add(2*time.Hour)))

	start, end, err := reloaded.DataRange("EUR/USD")
	require.NoError(t, err)
	assert.True(t, start.Equal(t0))
	assert.True(t, end.Equal(t0.Add(2*time.Hour)))

	filtered, err := reloaded.LoadBars(context.Background(), "EUR/USD", types.Timeframe1h, t0.Add(time.Hour), t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, filtered, 1)
	assert.Equal(t, 1, reloaded.CacheSize())

	reloaded.ClearCache()
	assert.Equal(t, 0, reloaded.CacheSize())
}

func TestStoreMissingSymbol(t *testing.T) {
	store, err := data.NewStore(zap.NewNop(), t.TempDir())
	require.NoError(t, err)

	_, err = store.LoadBars(context.Background(), "NOPE", types.Timeframe1h, time.Time{}, time.Now())
	assert.True(t, errors.Is(err, os.ErrNotExist))

	_, _, err = store.DataRange("NOPE")
	assert.Error(t, err)
}

func TestSampleGeneratorIsDeterministic(t *testing.T) {
	a := data.NewSampleGenerator("XAUUSD", types.Timeframe1h, t0, 2000).Generate(300)
	b := data.NewSampleGenerator("XAUUSD", types.Timeframe1h, t0, 2000).Generate(300)
	require.Equal(t, a, b)

	for i, bar := range a {
		assert.GreaterOrEqual(t, bar.High, bar.Low)
		assert.GreaterOrEqual(t, bar.High, bar.Close)
		assert.LessOrEqual(t, bar.Low, bar.Open)
		assert.Greater(t, bar.Volume, 0.0)
		if i > 0 {
			assert.Equal(t, time.Hour, bar.Timestamp.Sub(a[i-1].Timestamp))
		}
	}
}

func TestFeedWarmGeneratesHistory(t *testing.T) {
	store, err := data.NewStore(zap.NewNop(), t.TempDir())
	require.NoError(t, err)

	series := data.NewBarSeries("XAUUSD", 0)
	feed := data.NewFeed(zap.NewNop(), "XAUUSD", types.FeedConfig{
		Timeframe:    types.Timeframe1h,
		HistoryBars:  250,
		PollInterval: 10 * time.Millisecond,
		StartPrice:   2000,
	}, series, store)

	require.NoError(t, feed.Warm(context.Background()))
	assert.Equal(t, 250, series.Len())
	assert.Equal(t, []string{"XAUUSD"}, store.Symbols())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, feed.Start(ctx))

	select {
	case u := <-feed.Updates():
		assert.Equal(t, "XAUUSD", u.Symbol)
		assert.True(t, u.Timestamp.Equal(series.Time(0)) || u.Timestamp.Before(series.Time(0)))
	case <-time.After(2 * time.Second):
		t.Fatal("no update from feed")
	}
	feed.Stop()
	assert.GreaterOrEqual(t, series.Len(), 251)
}

func TestFeedHoldsNextBarUntilDone(t *testing.T) {
	store, err := data.NewStore(zap.NewNop(), t.TempDir())
	require.NoError(t, err)

	series := data.NewBarSeries("XAUUSD", 0)
	feed := data.NewFeed(zap.NewNop(), "XAUUSD", types.FeedConfig{
		Timeframe:    types.Timeframe1h,
		HistoryBars:  50,
		PollInterval: 2 * time.Millisecond,
		StartPrice:   2000,
	}, series, store)
	require.NoError(t, feed.Warm(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, feed.Start(ctx))
	defer feed.Stop()

	var u types.Update
	select {
	case u = <-feed.Updates():
	case <-time.After(2 * time.Second):
		t.Fatal("no update from feed")
	}
	require.NotNil(t, u.Done)
	assert.Equal(t, series.Time(0), u.BarTime)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 51, series.Len(), "no bar appended while the cycle is pending")

	close(u.Done)
	require.Eventually(t, func() bool { return series.Len() == 52 }, 2*time.Second, time.Millisecond)
}
