package data

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/atlas-desktop/confluence-engine/pkg/types"
	"go.uber.org/zap"
)

// Issue types reported by the QualityChecker.
const (
	IssueBadPrice     = "BAD_PRICE"
	IssueInconsistent = "OHLC_INCONSISTENT"
	IssueExtremeMove  = "EXTREME_MOVE"
	IssueGapMove      = "GAP_MOVE"
	IssueDuplicate    = "DUPLICATE_TIMESTAMP"
	IssueOutOfOrder   = "OUT_OF_ORDER"
	IssueMissingBars  = "MISSING_BARS"
)

// QualityChecker inspects bar history before it is loaded into a series.
type QualityChecker struct {
	logger *zap.Logger

	MaxIntradayMove float64 // (high-low)/low above this is flagged
	MaxGapMove      float64 // |open-prevClose|/prevClose above this is flagged
}

// DataIssue represents a data quality problem
type DataIssue struct {
	Type      string    `json:"type"`
	Severity  string    `json:"severity"` // "critical", "high", "medium"
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	BarIndex  int       `json:"barIndex"`
}

// QualityReport summarizes a history check.
type QualityReport struct {
	Symbol       string      `json:"symbol"`
	TotalBars    int         `json:"totalBars"`
	Issues       []DataIssue `json:"issues"`
	QualityScore int         `json:"qualityScore"` // 0-100
	Usable       bool        `json:"usable"`
}

// NewQualityChecker creates a checker with limits suited to metals and FX.
func NewQualityChecker(logger *zap.Logger) *QualityChecker {
	return &QualityChecker{
		logger:          logger.Named("quality"),
		MaxIntradayMove: 0.10,
		MaxGapMove:      0.05,
	}
}

// Validate runs every check. Bars are expected oldest first with a fixed
// spacing of timeframe.
func (q *QualityChecker) Validate(symbol string, timeframe types.Timeframe, bars []types.Bar) QualityReport {
	if len(bars) == 0 {
		return QualityReport{Symbol: symbol, Usable: false}
	}

	var issues []DataIssue
	step := timeframe.Duration()

	for i, b := range bars {
		if !validPrice(b.Open) || !validPrice(b.High) || !validPrice(b.Low) || !validPrice(b.Close) {
			issues = append(issues, DataIssue{
				Type: IssueBadPrice, Severity: "critical", Timestamp: b.Timestamp, BarIndex: i,
				Message: "non-positive or non-finite price",
			})
			continue
		}

		if b.High < math.Max(b.Open, b.Close) || b.Low > math.Min(b.Open, b.Close) {
			issues = append(issues, DataIssue{
				Type: IssueInconsistent, Severity: "critical", Timestamp: b.Timestamp, BarIndex: i,
				Message: fmt.Sprintf("O:%g H:%g L:%g C:%g", b.Open, b.High, b.Low, b.Close),
			})
		}

		if move := (b.High - b.Low) / b.Low; move > q.MaxIntradayMove {
			issues = append(issues, DataIssue{
				Type: IssueExtremeMove, Severity: "high", Timestamp: b.Timestamp, BarIndex: i,
				Message: fmt.Sprintf("intraday move %.2f%%", move*100),
			})
		}

		if i == 0 {
			continue
		}
		prev := bars[i-1]

		switch gap := b.Timestamp.Sub(prev.Timestamp); {
		case gap == 0:
			issues = append(issues, DataIssue{
				Type: IssueDuplicate, Severity: "high", Timestamp: b.Timestamp, BarIndex: i,
				Message: "duplicate timestamp",
			})
		case gap < 0:
			issues = append(issues, DataIssue{
				Type: IssueOutOfOrder, Severity: "critical", Timestamp: b.Timestamp, BarIndex: i,
				Message: "bar is out of chronological order",
			})
		case step > 0 && gap > step:
			issues = append(issues, DataIssue{
				Type: IssueMissingBars, Severity: "medium", Timestamp: b.Timestamp, BarIndex: i,
				Message: fmt.Sprintf("%d bars missing", int(gap/step)-1),
			})
		}

		if prev.Close > 0 {
			if move := math.Abs(b.Open-prev.Close) / prev.Close; move > q.MaxGapMove {
				issues = append(issues, DataIssue{
					Type: IssueGapMove, Severity: "medium", Timestamp: b.Timestamp, BarIndex: i,
					Message: fmt.Sprintf("price gap %.2f%%", move*100),
				})
			}
		}
	}

	score := qualityScore(len(bars), issues)
	return QualityReport{
		Symbol:       symbol,
		TotalBars:    len(bars),
		Issues:       issues,
		QualityScore: score,
		Usable:       score >= 70 && !hasCritical(issues),
	}
}

// Clean sorts bars, drops duplicates and bad prices, and widens high/low to
// cover open and close. The input slice is not modified.
func (q *QualityChecker) Clean(bars []types.Bar) []types.Bar {
	if len(bars) == 0 {
		return bars
	}

	sorted := make([]types.Bar, len(bars))
	copy(sorted, bars)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	cleaned := make([]types.Bar, 0, len(sorted))
	for _, b := range sorted {
		if n := len(cleaned); n > 0 && cleaned[n-1].Timestamp.Equal(b.Timestamp) {
			continue
		}
		if !validPrice(b.Open) || !validPrice(b.High) || !validPrice(b.Low) || !validPrice(b.Close) {
			continue
		}
		if b.High < b.Low {
			continue
		}

		b.High = math.Max(b.High, math.Max(b.Open, b.Close))
		b.Low = math.Min(b.Low, math.Min(b.Open, b.Close))
		cleaned = append(cleaned, b)
	}

	if removed := len(bars) - len(cleaned); removed > 0 {
		q.logger.Info("Data cleaning complete",
			zap.Int("original_bars", len(bars)),
			zap.Int("cleaned_bars", len(cleaned)),
			zap.Int("removed", removed),
		)
	}
	return cleaned
}

func validPrice(p float64) bool {
	return p > 0 && !math.IsInf(p, 0) && !math.IsNaN(p)
}

// qualityScore deducts per issue, weighted by severity and scaled by
// history length.
func qualityScore(totalBars int, issues []DataIssue) int {
	if totalBars == 0 {
		return 0
	}

	penalty := 0.0
	for _, issue := range issues {
		switch issue.Severity {
		case "critical":
			penalty += 10
		case "high":
			penalty += 5
		default:
			penalty += 1
		}
	}

	score := 100 - penalty*100/float64(totalBars)
	if score < 0 {
		return 0
	}
	return int(score)
}

func hasCritical(issues []DataIssue) bool {
	for _, issue := range issues {
		if issue.Severity == "critical" {
			return true
		}
	}
	return false
}
