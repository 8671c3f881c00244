package marketdata

import (
	"fmt"
	"sort"
	"time"

	"github.com/marcusgoll/sentinel-equity/pkg/types"
)

// DataQualityError is raised when a historical series fails completeness or
// consistency validation. MissingDates holds, for each detected gap, the date
// of the last bar before it; the individual missing sessions are not listed.
type DataQualityError struct {
	Symbol       string
	MissingDates []string
	Reason       string
}

func (e *DataQualityError) Error() string {
	if len(e.MissingDates) > 0 {
		return fmt.Sprintf("data quality: %s has %d gap(s), after: %v", e.Symbol, len(e.MissingDates), e.MissingDates)
	}
	return fmt.Sprintf("data quality: %s: %s", e.Symbol, e.Reason)
}

// QualityReport is the result of validating a bar series.
type QualityReport struct {
	GapDates       []string
	CriticalIssues []string
}

// DataQualityValidator checks historical bar series for completeness and for
// internal consistency, before the series is handed to the backtest engine.
// Completeness is judged against the series' own median bar interval (see
// MaxGapMultiple); no trading calendar is consulted.
//
// Grounded on the teacher's internal/data/quality.go DataQualityValidator,
// trimmed of the crypto-era score/recommendation machinery spec.md §4.4 has
// no use for: gaps and consistency failures raise directly instead of
// lowering a 0-100 score.
type DataQualityValidator struct {
	// MaxGapMultiple is how many multiples of the series' median bar
	// interval constitute a missing-session gap.
	MaxGapMultiple float64
}

// NewDataQualityValidator returns a validator tuned for daily-or-intraday
// equity bars (the teacher's crypto 24/7 defaults do not apply here).
func NewDataQualityValidator() *DataQualityValidator {
	return &DataQualityValidator{MaxGapMultiple: 3.0}
}

// Validate runs completeness and consistency checks over a chronologically
// sorted bar series for one symbol.
func (v *DataQualityValidator) Validate(symbol string, bars []types.HistoricalBar) QualityReport {
	var report QualityReport
	if len(bars) == 0 {
		report.CriticalIssues = append(report.CriticalIssues, "no bars provided")
		return report
	}

	report.GapDates = v.checkGaps(bars)
	report.CriticalIssues = append(report.CriticalIssues, v.checkOHLCConsistency(symbol, bars)...)
	report.CriticalIssues = append(report.CriticalIssues, v.checkChronologicalOrder(symbol, bars)...)
	report.CriticalIssues = append(report.CriticalIssues, v.checkDuplicates(symbol, bars)...)
	return report
}

// checkGaps finds missing bars relative to the series' own median interval,
// returning the timestamps immediately preceding each detected gap.
func (v *DataQualityValidator) checkGaps(bars []types.HistoricalBar) []string {
	if len(bars) < 2 {
		return nil
	}

	sampleN := len(bars) - 1
	if sampleN > 10 {
		sampleN = 10
	}
	intervals := make([]time.Duration, 0, sampleN)
	for i := 1; i <= sampleN; i++ {
		intervals = append(intervals, bars[i].TimestampUTC.Sub(bars[i-1].TimestampUTC))
	}
	sort.Slice(intervals, func(i, j int) bool { return intervals[i] < intervals[j] })
	// Lower middle: in a short sample, one long interval must not become the
	// median it is measured against.
	median := intervals[(len(intervals)-1)/2]
	if median <= 0 {
		return nil
	}

	maxInterval := time.Duration(float64(median) * v.MaxGapMultiple)

	var gaps []string
	for i := 1; i < len(bars); i++ {
		actual := bars[i].TimestampUTC.Sub(bars[i-1].TimestampUTC)
		if actual > maxInterval {
			gaps = append(gaps, bars[i-1].TimestampUTC.Format("2006-01-02"))
		}
	}
	return gaps
}

func (v *DataQualityValidator) checkOHLCConsistency(symbol string, bars []types.HistoricalBar) []string {
	var issues []string
	for i, bar := range bars {
		if bar.High.LessThan(bar.Open) || bar.High.LessThan(bar.Close) || bar.High.LessThan(bar.Low) {
			issues = append(issues, fmt.Sprintf("%s bar %d: high is not the highest price", symbol, i))
		}
		if bar.Low.GreaterThan(bar.Open) || bar.Low.GreaterThan(bar.Close) || bar.Low.GreaterThan(bar.High) {
			issues = append(issues, fmt.Sprintf("%s bar %d: low is not the lowest price", symbol, i))
		}
		if !bar.Open.IsPositive() || !bar.High.IsPositive() || !bar.Low.IsPositive() || !bar.Close.IsPositive() {
			issues = append(issues, fmt.Sprintf("%s bar %d: non-positive price", symbol, i))
		}
	}
	return issues
}

func (v *DataQualityValidator) checkChronologicalOrder(symbol string, bars []types.HistoricalBar) []string {
	var issues []string
	for i := 1; i < len(bars); i++ {
		if bars[i].TimestampUTC.Before(bars[i-1].TimestampUTC) {
			issues = append(issues, fmt.Sprintf("%s bar %d is out of chronological order", symbol, i))
		}
	}
	return issues
}

func (v *DataQualityValidator) checkDuplicates(symbol string, bars []types.HistoricalBar) []string {
	var issues []string
	seen := make(map[int64]bool, len(bars))
	for i, bar := range bars {
		ts := bar.TimestampUTC.UnixNano()
		if seen[ts] {
			issues = append(issues, fmt.Sprintf("%s bar %d: duplicate timestamp", symbol, i))
			continue
		}
		seen[ts] = true
	}
	return issues
}
