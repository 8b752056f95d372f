package models

import (
	"fmt"
	"time"

	"cloud.google.com/go/civil"
)

// Metadata columns appended to every normalized batch.
const (
	ColWindowStart     = "window_start"
	ColWindowEnd       = "window_end"
	ColRefreshDatetime = "refresh_datetime"
)

// MetadataColumns lists the run metadata columns in the order they are appended.
var MetadataColumns = []string{ColWindowStart, ColWindowEnd, ColRefreshDatetime}

// ReportKind selects the window policy, natural key and placeholder schema of a report.
type ReportKind int

const (
	// KindRollingTrend is a per-day series over a fixed lookback ending at the latest published day.
	KindRollingTrend ReportKind = iota
	// KindLifetimeAggregate breaks lifetime totals down by one dimension (country, traffic source).
	KindLifetimeAggregate
	// KindPerItem reports one row per content item, each over its own lifetime.
	KindPerItem
)

func (k ReportKind) String() string {
	switch k {
	case KindRollingTrend:
		return "rolling_trend"
	case KindLifetimeAggregate:
		return "lifetime_aggregate"
	case KindPerItem:
		return "per_item"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ReportSpec is the immutable query shape of one catalog entry.
type ReportSpec struct {
	ID        string
	Kind      ReportKind
	Metrics   []string
	Sort      string
	Filter    string
	PageSize  int // per-request cap; 0 means the fetcher default
	MaxRows   int // total row cap; 0 means unbounded
	Dimension string
	Output    string

	// ExtraColumns are appended by the orchestrator (e.g. per-item publish date).
	ExtraColumns []string
}

// NaturalKey returns the columns whose combined value is unique in the canonical table.
// Aggregate and per-item reports keep one row per window; the rolling trend keeps one row per day.
func (s ReportSpec) NaturalKey() []string {
	if s.Kind == KindRollingTrend {
		return []string{s.Dimension}
	}
	return []string{s.Dimension, ColWindowStart, ColWindowEnd}
}

// EmptySchema is the header written when a report produced no usable data.
func (s ReportSpec) EmptySchema() []string {
	cols := make([]string, 0, 1+len(s.Metrics)+len(s.ExtraColumns)+len(MetadataColumns))
	cols = append(cols, s.Dimension)
	cols = append(cols, s.Metrics...)
	cols = append(cols, s.ExtraColumns...)
	cols = append(cols, MetadataColumns...)
	return cols
}

// DateWindow is an inclusive calendar-date range.
type DateWindow struct {
	Start civil.Date
	End   civil.Date
}

// NewDateWindow builds a window, rejecting start > end.
func NewDateWindow(start, end civil.Date) (DateWindow, error) {
	if end.Before(start) {
		return DateWindow{}, fmt.Errorf("window start %s is after end %s", start, end)
	}
	return DateWindow{Start: start, End: end}, nil
}

// Days returns the number of calendar days covered, inclusive.
func (w DateWindow) Days() int {
	return w.End.DaysSince(w.Start) + 1
}

func (w DateWindow) String() string {
	return w.Start.String() + ".." + w.End.String()
}

// Query is one request against the remote reporting endpoint.
type Query struct {
	Window     DateWindow
	Metrics    []string
	Dimension  string
	Sort       string
	Filter     string
	PageSize   int
	StartIndex int
}

// QueryResult is the raw tabular answer to a Query.
type QueryResult struct {
	ColumnHeaders []string
	Rows          [][]any
}

// ReportRow maps a column name to a scalar value (string, int64, float64 or civil.Date).
type ReportRow map[string]any

// ReportBatch holds the rows of one fetch; Columns is empty when no rows were returned.
type ReportBatch struct {
	Columns []string
	Rows    []ReportRow
}

// Len returns the number of rows in the batch.
func (b *ReportBatch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Rows)
}

// Item is a content item (e.g. a video) with the date it first appeared.
type Item struct {
	ID        string
	Published civil.Date
}

// ReportOutcome is the per-report result recorded by the orchestrator.
type ReportOutcome struct {
	ReportID    string
	Output      string
	Window      DateWindow
	RowsFetched int
	RowsWritten int
	TotalRows   int
	BackupPath  string
	Placeholder bool
	Err         error
	Duration    time.Duration
}

// OK reports whether the report completed without error.
func (o ReportOutcome) OK() bool { return o.Err == nil }

// RunSummary collects the outcomes of one orchestrator run.
type RunSummary struct {
	RunID         string
	StartedAt     time.Time
	FinishedAt    time.Time
	Latest        civil.Date
	LifetimeStart civil.Date
	Outcomes      []ReportOutcome
}

// Failed returns the number of reports that ended in a placeholder.
func (s *RunSummary) Failed() int {
	n := 0
	for _, o := range s.Outcomes {
		if !o.OK() {
			n++
		}
	}
	return n
}
