package marketdata_test

import (
	"context"
	"testing"
	"time"

	"github.com/marcusgoll/sentinel-equity/internal/marketdata"
	"github.com/marcusgoll/sentinel-equity/pkg/types"
	"github.com/shopspring/decimal"
)

type stubHistorical struct {
	bars []types.HistoricalBar
	err  error
	hits int
}

func (s *stubHistorical) GetHistoricalBars(ctx context.Context, symbol string, start, end time.Time) ([]types.HistoricalBar, error) {
	s.hits++
	if s.err != nil {
		return nil, s.err
	}
	return s.bars, nil
}

func dailyBars(n int) []types.HistoricalBar {
	base := time.Date(2026, 1, 5, 9, 30, 0, 0, time.UTC)
	out := make([]types.HistoricalBar, n)
	for i := 0; i < n; i++ {
		p := decimal.NewFromInt(int64(100 + i))
		ts := base.Add(time.Duration(i) * 24 * time.Hour)
		out[i] = types.HistoricalBar{
			Symbol: "AAPL", TimestampUTC: ts,
			Open: p, High: p.Add(decimal.NewFromInt(1)), Low: p.Sub(decimal.NewFromInt(1)), Close: p,
			Volume: decimal.NewFromInt(1000),
		}
	}
	return out
}

func TestHistoricalStore_FallsBackToSecondaryOnPrimaryFailure(t *testing.T) {
	primary := &stubHistorical{err: context.DeadlineExceeded}
	secondary := &stubHistorical{bars: dailyBars(5)}

	store, err := marketdata.NewHistoricalStore(primary, secondary, t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}

	bars, _, err := store.Load(context.Background(), "AAPL", "1d", time.Now().Add(-30*24*time.Hour), time.Now(), true)
	if err != nil {
		t.Fatalf("expected fallback to succeed, got %v", err)
	}
	if len(bars) != 5 {
		t.Errorf("expected 5 bars from secondary, got %d", len(bars))
	}
	if primary.hits != 1 || secondary.hits != 1 {
		t.Errorf("expected exactly 1 call to each source, got primary=%d secondary=%d", primary.hits, secondary.hits)
	}
}

func TestHistoricalStore_CachesAfterFirstLoad(t *testing.T) {
	primary := &stubHistorical{bars: dailyBars(5)}
	store, err := marketdata.NewHistoricalStore(primary, nil, t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}

	start, end := time.Now().Add(-30*24*time.Hour), time.Now()
	for i := 0; i < 3; i++ {
		if _, _, err := store.Load(context.Background(), "AAPL", "1d", start, end, true); err != nil {
			t.Fatal(err)
		}
	}
	if primary.hits != 1 {
		t.Errorf("expected exactly 1 upstream call across repeated loads, got %d", primary.hits)
	}
}

func TestHistoricalStore_RaisesDataQualityErrorOnGapWhenNotSkipping(t *testing.T) {
	bars := dailyBars(3)
	// introduce a 30-day gap between bar 1 and bar 2
	bars[2].TimestampUTC = bars[1].TimestampUTC.Add(30 * 24 * time.Hour)

	primary := &stubHistorical{bars: bars}
	validator := marketdata.NewDataQualityValidator()
	store, err := marketdata.NewHistoricalStore(primary, nil, t.TempDir(), validator)
	if err != nil {
		t.Fatal(err)
	}

	_, _, err = store.Load(context.Background(), "AAPL", "1d", time.Now().Add(-60*24*time.Hour), time.Now(), false)
	if err == nil {
		t.Fatal("expected DataQualityError on gap")
	}
	if _, ok := err.(*marketdata.DataQualityError); !ok {
		t.Errorf("expected *DataQualityError, got %T", err)
	}
}

func TestHistoricalStore_SkipGapsToleratesGapWithWarning(t *testing.T) {
	bars := dailyBars(3)
	bars[2].TimestampUTC = bars[1].TimestampUTC.Add(30 * 24 * time.Hour)

	primary := &stubHistorical{bars: bars}
	validator := marketdata.NewDataQualityValidator()
	store, err := marketdata.NewHistoricalStore(primary, nil, t.TempDir(), validator)
	if err != nil {
		t.Fatal(err)
	}

	got, warnings, err := store.Load(context.Background(), "AAPL", "1d", time.Now().Add(-60*24*time.Hour), time.Now(), true)
	if err != nil {
		t.Fatalf("expected skip_gaps to tolerate the gap, got %v", err)
	}
	if len(got) != 3 {
		t.Errorf("expected all 3 bars returned, got %d", len(got))
	}
	if len(warnings) == 0 {
		t.Error("expected a warning noting the tolerated gap")
	}
}
