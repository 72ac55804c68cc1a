package data

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/atlas-desktop/confluence-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Store provides access to historical bars kept as JSON files on disk.
type Store struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	dataDir  string
	cache    map[string][]types.Bar
	metadata map[string]*SymbolMetadata
}

// SymbolMetadata contains metadata about available data for a symbol
type SymbolMetadata struct {
	Symbol    string    `json:"symbol"`
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
	BarCount  int       `json:"barCount"`
	Timeframe string    `json:"timeframe"`
}

// barRecord is the on-disk form of a bar. Prices are written as decimal
// strings so files round-trip without float formatting drift.
type barRecord struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

func toRecord(b types.Bar) barRecord {
	return barRecord{
		Timestamp: b.Timestamp,
		Open:      decimal.NewFromFloat(b.Open),
		High:      decimal.NewFromFloat(b.High),
		Low:       decimal.NewFromFloat(b.Low),
		Close:     decimal.NewFromFloat(b.Close),
		Volume:    decimal.NewFromFloat(b.Volume),
	}
}

func (r barRecord) bar() types.Bar {
	return types.Bar{
		Timestamp: r.Timestamp,
		Open:      r.Open.InexactFloat64(),
		High:      r.High.InexactFloat64(),
		Low:       r.Low.InexactFloat64(),
		Close:     r.Close.InexactFloat64(),
		Volume:    r.Volume.InexactFloat64(),
	}
}

// NewStore creates a new data store
func NewStore(logger *zap.Logger, dataDir string) (*Store, error) {
	store := &Store{
		logger:   logger.Named("data-store"),
		dataDir:  dataDir,
		cache:    make(map[string][]types.Bar),
		metadata: make(map[string]*SymbolMetadata),
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	if err := store.loadMetadata(); err != nil {
		store.logger.Warn("Failed to load metadata", zap.Error(err))
	}

	return store, nil
}

func cacheKey(symbol string, timeframe types.Timeframe) string {
	return fmt.Sprintf("%s_%s", strings.ReplaceAll(symbol, "/", "-"), timeframe)
}

// LoadBars loads bars for a symbol within [start, end], oldest first.
// It returns os.ErrNotExist (wrapped) when no file exists for the symbol.
func (s *Store) LoadBars(ctx context.Context, symbol string, timeframe types.Timeframe, start, end time.Time) ([]types.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := cacheKey(symbol, timeframe)
	if cached, ok := s.cache[key]; ok {
		return filterByTimeRange(cached, start, end), nil
	}

	filename := filepath.Join(s.dataDir, key+".json")
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read data file: %w", err)
	}

	var records []barRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("failed to parse data: %w", err)
	}

	bars := make([]types.Bar, len(records))
	for i, r := range records {
		bars[i] = r.bar()
	}
	sort.Slice(bars, func(i, j int) bool {
		return bars[i].Timestamp.Before(bars[j].Timestamp)
	})

	s.cache[key] = bars
	return filterByTimeRange(bars, start, end), nil
}

// SaveBars writes bars for a symbol to disk and updates the cache.
func (s *Store) SaveBars(symbol string, timeframe types.Timeframe, bars []types.Bar) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sorted := make([]types.Bar, len(bars))
	copy(sorted, bars)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	records := make([]barRecord, len(sorted))
	for i, b := range sorted {
		records[i] = toRecord(b)
	}

	raw, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	key := cacheKey(symbol, timeframe)
	if err := os.WriteFile(filepath.Join(s.dataDir, key+".json"), raw, 0644); err != nil {
		return fmt.Errorf("failed to write data file: %w", err)
	}

	s.cache[key] = sorted
	if len(sorted) > 0 {
		s.metadata[symbol] = &SymbolMetadata{
			Symbol:    symbol,
			StartDate: sorted[0].Timestamp,
			EndDate:   sorted[len(sorted)-1].Timestamp,
			BarCount:  len(sorted),
			Timeframe: string(timeframe),
		}
	}

	if err := s.saveMetadata(); err != nil {
		s.logger.Warn("Failed to save metadata", zap.Error(err))
	}
	return nil
}

// Symbols returns all symbols with stored data, sorted.
func (s *Store) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	symbols := make([]string, 0, len(s.metadata))
	for symbol := range s.metadata {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// DataRange returns the available data range for a symbol
func (s *Store) DataRange(symbol string) (start, end time.Time, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if meta, ok := s.metadata[symbol]; ok {
		return meta.StartDate, meta.EndDate, nil
	}
	return time.Time{}, time.Time{}, fmt.Errorf("no data available for symbol %s", symbol)
}

// ClearCache clears the in-memory cache
func (s *Store) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string][]types.Bar)
}

// CacheSize returns the number of cached datasets
func (s *Store) CacheSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache)
}

func filterByTimeRange(bars []types.Bar, start, end time.Time) []types.Bar {
	filtered := make([]types.Bar, 0, len(bars))
	for _, bar := range bars {
		if !bar.Timestamp.Before(start) && !bar.Timestamp.After(end) {
			filtered = append(filtered, bar)
		}
	}
	return filtered
}

func (s *Store) loadMetadata() error {
	raw, err := os.ReadFile(filepath.Join(s.dataDir, "metadata.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var metadata map[string]*SymbolMetadata
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return err
	}
	if metadata != nil {
		s.metadata = metadata
	}
	return nil
}

func (s *Store) saveMetadata() error {
	raw, err := json.MarshalIndent(s.metadata, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dataDir, "metadata.json"), raw, 0644)
}

// SampleGenerator produces a deterministic random-walk bar stream for a
// symbol, used when no stored data exists.
type SampleGenerator struct {
	rng      *rand.Rand
	price    float64
	next     time.Time
	interval time.Duration
	drift    float64
	left     int
}

// NewSampleGenerator creates a generator seeded from the symbol name.
func NewSampleGenerator(symbol string, timeframe types.Timeframe, start time.Time, startPrice float64) *SampleGenerator {
	h := fnv.New64a()
	h.Write([]byte(symbol))
	return &SampleGenerator{
		rng:      rand.New(rand.NewSource(int64(h.Sum64()))),
		price:    startPrice,
		next:     start,
		interval: timeframe.Duration(),
	}
}

// Next returns the next bar. The walk alternates between drifting and
// flat stretches so every regime shows up in a long enough run.
func (g *SampleGenerator) Next() types.Bar {
	if g.left <= 0 {
		g.left = 30 + g.rng.Intn(90)
		switch g.rng.Intn(3) {
		case 0:
			g.drift = 0.002
		case 1:
			g.drift = -0.002
		default:
			g.drift = 0
		}
	}
	g.left--

	open := g.price
	change := (g.drift + (g.rng.Float64()-0.5)*0.01) * open
	closePrice := open + change
	if closePrice <= 0 {
		closePrice = open * 0.99
	}
	g.price = closePrice

	bar := types.Bar{
		Timestamp: g.next,
		Open:      open,
		High:      max(open, closePrice) * (1 + g.rng.Float64()*0.003),
		Low:       min(open, closePrice) * (1 - g.rng.Float64()*0.003),
		Close:     closePrice,
		Volume:    500 + g.rng.Float64()*1000,
	}
	// occasional volume spikes
	if g.rng.Intn(25) == 0 {
		bar.Volume *= 4
	}
	g.next = g.next.Add(g.interval)
	return bar
}

// Generate returns count consecutive bars.
func (g *SampleGenerator) Generate(count int) []types.Bar {
	bars := make([]types.Bar, count)
	for i := range bars {
		bars[i] = g.Next()
	}
	return bars
}
