package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/marcusgoll/sentinel-equity/pkg/types"
)

// HistoricalSource fetches a raw bar series from one upstream provider.
// HistoricalStore takes a primary and an optional secondary source; cmd/bot
// passes its one broker adapter (HTTPAdapter or PaperAdapter) as the primary
// and no secondary.
type HistoricalSource interface {
	GetHistoricalBars(ctx context.Context, symbol string, start, end time.Time) ([]types.HistoricalBar, error)
}

// HistoricalStore caches bars to on-disk files keyed by (symbol, interval,
// range) and falls back from a primary source to a secondary one on
// failure, per spec.md §4.9's HistoricalDataManager.
//
// Grounded on the teacher's internal/data/store.go: same
// mutex-guarded-map-plus-file-cache idiom, generalized with a fallback
// source and routed through the DataQualityValidator below instead of
// teacher's sample-data generator.
type HistoricalStore struct {
	mu        sync.RWMutex
	primary   HistoricalSource
	secondary HistoricalSource
	cacheDir  string
	validator *DataQualityValidator
	cache     map[string][]types.HistoricalBar
}

func NewHistoricalStore(primary, secondary HistoricalSource, cacheDir string, validator *DataQualityValidator) (*HistoricalStore, error) {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating backtest cache dir: %w", err)
	}
	return &HistoricalStore{
		primary:   primary,
		secondary: secondary,
		cacheDir:  cacheDir,
		validator: validator,
		cache:     make(map[string][]types.HistoricalBar),
	}, nil
}

func (s *HistoricalStore) cacheKey(symbol, interval string, start, end time.Time) string {
	return fmt.Sprintf("%s_%s_%d_%d", symbol, interval, start.Unix(), end.Unix())
}

func (s *HistoricalStore) cachePath(key string) string {
	return filepath.Join(s.cacheDir, key+".json")
}

// Load returns bars for (symbol, interval, start, end), from the in-memory
// cache, then the on-disk cache, then primary/secondary sources in that
// order. skipGaps controls whether a detected gap raises (false) or is
// tolerated with a warning (true), per spec.md §4.9.
func (s *HistoricalStore) Load(ctx context.Context, symbol, interval string, start, end time.Time, skipGaps bool) ([]types.HistoricalBar, []string, error) {
	key := s.cacheKey(symbol, interval, start, end)

	s.mu.RLock()
	if bars, ok := s.cache[key]; ok {
		s.mu.RUnlock()
		return s.validate(symbol, bars, skipGaps)
	}
	s.mu.RUnlock()

	if bars, err := s.readDiskCache(key); err == nil {
		s.mu.Lock()
		s.cache[key] = bars
		s.mu.Unlock()
		return s.validate(symbol, bars, skipGaps)
	}

	bars, err := s.primary.GetHistoricalBars(ctx, symbol, start, end)
	if err != nil {
		if s.secondary == nil {
			return nil, nil, fmt.Errorf("primary source failed, no fallback configured: %w", err)
		}
		bars, err = s.secondary.GetHistoricalBars(ctx, symbol, start, end)
		if err != nil {
			return nil, nil, fmt.Errorf("primary and secondary sources both failed: %w", err)
		}
	}

	sort.Slice(bars, func(i, j int) bool { return bars[i].TimestampUTC.Before(bars[j].TimestampUTC) })

	s.mu.Lock()
	s.cache[key] = bars
	s.mu.Unlock()
	_ = s.writeDiskCache(key, bars)

	return s.validate(symbol, bars, skipGaps)
}

func (s *HistoricalStore) validate(symbol string, bars []types.HistoricalBar, skipGaps bool) ([]types.HistoricalBar, []string, error) {
	if s.validator == nil {
		return bars, nil, nil
	}
	report := s.validator.Validate(symbol, bars)
	if len(report.GapDates) > 0 && !skipGaps {
		return nil, nil, &DataQualityError{Symbol: symbol, MissingDates: report.GapDates}
	}
	var warnings []string
	if len(report.GapDates) > 0 && skipGaps {
		warnings = append(warnings, fmt.Sprintf("skip_gaps: %d missing dates tolerated for %s", len(report.GapDates), symbol))
	}
	for _, issue := range report.CriticalIssues {
		return nil, nil, &DataQualityError{Symbol: symbol, Reason: issue}
	}
	return bars, warnings, nil
}

func (s *HistoricalStore) readDiskCache(key string) ([]types.HistoricalBar, error) {
	data, err := os.ReadFile(s.cachePath(key))
	if err != nil {
		return nil, err
	}
	var bars []types.HistoricalBar
	if err := json.Unmarshal(data, &bars); err != nil {
		return nil, err
	}
	return bars, nil
}

func (s *HistoricalStore) writeDiskCache(key string, bars []types.HistoricalBar) error {
	data, err := json.Marshal(bars)
	if err != nil {
		return err
	}
	return os.WriteFile(s.cachePath(key), data, 0o644)
}
