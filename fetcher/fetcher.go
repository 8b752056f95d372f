package fetcher

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"yta-ingest/metrics"
	"yta-ingest/models"
	"yta-ingest/utils"
)

// DefaultPageSize is used when a report does not cap its page size.
const DefaultPageSize = 200

// QueryClient issues one windowed query against the remote reporting endpoint.
type QueryClient interface {
	Query(ctx context.Context, q models.Query) (*models.QueryResult, error)
}

// ErrorClass groups remote failures by how the caller should react to them.
type ErrorClass string

const (
	ClassNetwork ErrorClass = "network"
	ClassAuth    ErrorClass = "auth"
	ClassQuota   ErrorClass = "quota"
	ClassSchema  ErrorClass = "schema"
)

// ErrSchemaDrift is the cause of a FetchError when pages disagree on their columns.
var ErrSchemaDrift = errors.New("column headers changed between pages")

// ClassifiedError lets a QueryClient tag its errors with an ErrorClass.
type ClassifiedError interface {
	error
	Class() ErrorClass
}

// FetchError wraps any failure that ended a fetch.
type FetchError struct {
	Report     string
	StartIndex int
	Class      ErrorClass
	Cause      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s (startIndex=%d, %s): %v", e.Report, e.StartIndex, e.Class, e.Cause)
}

func (e *FetchError) Unwrap() error { return e.Cause }

// IsRetryable reports whether err is a transient network failure worth retrying.
func IsRetryable(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Class == ClassNetwork
	}
	return false
}

// Fetcher pages through a report sequentially.
type Fetcher struct {
	client          QueryClient
	logger          *utils.Logger
	pacer           *utils.Pacer
	metrics         *metrics.Collector
	defaultPageSize int
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithPacer spaces consecutive page requests.
func WithPacer(p *utils.Pacer) Option { return func(f *Fetcher) { f.pacer = p } }

// WithMetrics reports pages and rows to m.
func WithMetrics(m *metrics.Collector) Option { return func(f *Fetcher) { f.metrics = m } }

// WithDefaultPageSize overrides DefaultPageSize; values below 1 are ignored.
func WithDefaultPageSize(n int) Option {
	return func(f *Fetcher) {
		if n >= 1 {
			f.defaultPageSize = n
		}
	}
}

// New creates a Fetcher backed by client.
func New(client QueryClient, logger *utils.Logger, opts ...Option) *Fetcher {
	f := &Fetcher{
		client:          client,
		logger:          logger,
		defaultPageSize: DefaultPageSize,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch accumulates every page of spec over window.
//
// The loop stops on a page shorter than the requested size, or once spec.MaxRows rows
// have been collected. Page size is always at least 1 and the start index advances by a
// full page on every continuing iteration, so the loop ends for any finite remote table.
func (f *Fetcher) Fetch(ctx context.Context, window models.DateWindow, spec models.ReportSpec) (*models.ReportBatch, error) {
	pageSize := spec.PageSize
	if pageSize < 1 {
		pageSize = f.defaultPageSize
	}

	batch := &models.ReportBatch{}
	var columns []string
	var raw [][]any
	startIndex := 1

	for page := 1; ; page++ {
		if err := f.pacer.Wait(ctx); err != nil {
			return nil, &FetchError{Report: spec.ID, StartIndex: startIndex, Class: ClassNetwork, Cause: err}
		}
		res, err := f.client.Query(ctx, models.Query{
			Window:     window,
			Metrics:    spec.Metrics,
			Dimension:  spec.Dimension,
			Sort:       spec.Sort,
			Filter:     spec.Filter,
			PageSize:   pageSize,
			StartIndex: startIndex,
		})
		if err != nil {
			return nil, &FetchError{Report: spec.ID, StartIndex: startIndex, Class: classify(err), Cause: err}
		}
		if res == nil {
			res = &models.QueryResult{}
		}

		switch {
		case len(res.ColumnHeaders) == 0:
		case columns == nil:
			columns = append([]string(nil), res.ColumnHeaders...)
		case !slices.Equal(columns, res.ColumnHeaders):
			return nil, &FetchError{
				Report:     spec.ID,
				StartIndex: startIndex,
				Class:      ClassSchema,
				Cause:      fmt.Errorf("%w: %v then %v", ErrSchemaDrift, columns, res.ColumnHeaders),
			}
		}

		raw = append(raw, res.Rows...)
		f.metrics.PageFetched(spec.ID, len(res.Rows))
		f.logger.Debug("[fetcher] %s page %d: %d rows (startIndex=%d, pageSize=%d)",
			spec.ID, page, len(res.Rows), startIndex, pageSize)

		if spec.MaxRows > 0 && len(raw) >= spec.MaxRows {
			raw = raw[:spec.MaxRows]
			break
		}
		if len(res.Rows) < pageSize {
			break
		}
		startIndex += pageSize
	}

	if len(raw) == 0 {
		return batch, nil
	}
	if len(columns) == 0 {
		return nil, &FetchError{Report: spec.ID, StartIndex: startIndex, Class: ClassSchema,
			Cause: fmt.Errorf("%w: %d rows without column headers", ErrSchemaDrift, len(raw))}
	}

	batch.Columns = columns
	batch.Rows = make([]models.ReportRow, 0, len(raw))
	for i, values := range raw {
		if len(values) != len(columns) {
			return nil, &FetchError{Report: spec.ID, StartIndex: startIndex, Class: ClassSchema,
				Cause: fmt.Errorf("%w: row %d has %d values for %d columns", ErrSchemaDrift, i, len(values), len(columns))}
		}
		row := make(models.ReportRow, len(columns))
		for j, col := range columns {
			row[col] = values[j]
		}
		batch.Rows = append(batch.Rows, row)
	}

	f.logger.Info("[fetcher] %s %s: %d rows", spec.ID, window, len(batch.Rows))
	return batch, nil
}

func classify(err error) ErrorClass {
	var ce ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class()
	}
	return ClassNetwork
}
