package runner

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"yta-ingest/catalog"
	"yta-ingest/fetcher"
	"yta-ingest/metrics"
	"yta-ingest/models"
	"yta-ingest/services"
	"yta-ingest/storage"
	"yta-ingest/utils"
)

// itemListLimit caps the number of content items a per-item report queries.
const itemListLimit = 1000

// ItemSource lists content items with their first-appearance dates.
type ItemSource interface {
	Items(ctx context.Context, limit int) ([]models.Item, error)
}

// Recorder persists run history. Recording failures are logged and never fail a report.
type Recorder interface {
	StartRun(ctx context.Context, runID string, startedAt time.Time) error
	RecordReport(ctx context.Context, runID string, o models.ReportOutcome) error
	FinishRun(ctx context.Context, summary *models.RunSummary) error
}

// History is implemented by recorders that can tell when a report last succeeded.
type History interface {
	LastSuccess(ctx context.Context, report string) (windowEnd string, ok bool, err error)
}

// Request selects the reports of one run and an optional explicit window.
type Request struct {
	ReportIDs []string
	Override  *models.DateWindow
}

// Deps are the collaborators of a Runner. Mirrors, Recorder, Metrics, Channels and Items are optional.
type Deps struct {
	Catalog    *catalog.Catalog
	Client     fetcher.QueryClient
	Fetcher    *fetcher.Fetcher
	Resolver   *services.WindowResolver
	Normalizer *services.Normalizer
	Store      storage.TableStore
	Mirrors    []storage.Mirror
	Recorder   Recorder
	Metrics    *metrics.Collector
	Channels   []services.ChannelInfoSource
	Items      ItemSource
	Retry      *utils.RetryConfig
	Logger     *utils.Logger
	Now        func() time.Time
}

// Runner processes catalog reports one at a time, isolating each report's failures.
type Runner struct {
	Deps
}

func New(d Deps) *Runner {
	if d.Now == nil {
		d.Now = time.Now
	}
	retry := utils.RetryConfig{MaxAttempts: 1}
	if d.Retry != nil {
		retry = *d.Retry
	}
	if retry.Retryable == nil {
		retry.Retryable = fetcher.IsRetryable
	}
	d.Retry = &retry
	return &Runner{Deps: d}
}

// Run executes the requested reports. It returns an error only when the request itself is
// invalid; report failures are recorded in the summary and leave a placeholder table behind.
func (r *Runner) Run(ctx context.Context, req Request) (*models.RunSummary, error) {
	specs, err := r.Catalog.Select(req.ReportIDs)
	if err != nil {
		return nil, err
	}

	summary := &models.RunSummary{RunID: uuid.NewString(), StartedAt: r.Now()}
	r.Logger.Info("[runner] Run %s: %d reports (%s)", summary.RunID, len(specs),
		lo.Map(specs, func(s models.ReportSpec, _ int) string { return s.ID }))
	if r.Recorder != nil {
		if err := r.Recorder.StartRun(ctx, summary.RunID, summary.StartedAt); err != nil {
			r.Logger.Warn("[runner] Ledger start failed: %v", err)
		}
	}

	latest, ok := r.Resolver.LatestAvailableDate(ctx, r.Client)
	if !ok {
		latest = r.Resolver.FallbackLatest()
		r.Logger.Warn("[runner] Resolution degraded: latest date defaults to %s", latest)
	}
	summary.Latest = latest
	summary.LifetimeStart = r.Resolver.LifetimeStart(ctx, r.Channels...)
	r.Logger.Info("[runner] Latest analytics date %s, lifetime start %s", summary.Latest, summary.LifetimeStart)

	for _, spec := range specs {
		outcome := r.runReport(ctx, spec, req.Override, summary.Latest, summary.LifetimeStart)
		summary.Outcomes = append(summary.Outcomes, outcome)
		if r.Recorder != nil {
			if err := r.Recorder.RecordReport(ctx, summary.RunID, outcome); err != nil {
				r.Logger.Warn("[runner] Ledger record failed for %s: %v", spec.ID, err)
			}
		}
	}

	summary.FinishedAt = r.Now()
	if r.Recorder != nil {
		if err := r.Recorder.FinishRun(ctx, summary); err != nil {
			r.Logger.Warn("[runner] Ledger finish failed: %v", err)
		}
	}
	return summary, nil
}

func (r *Runner) runReport(ctx context.Context, spec models.ReportSpec, override *models.DateWindow, latest, lifetimeStart civil.Date) models.ReportOutcome {
	started := time.Now()
	window := r.Resolver.ResolveForReport(spec.Kind, override, latest, lifetimeStart)
	outcome := models.ReportOutcome{ReportID: spec.ID, Output: spec.Output, Window: window}
	r.Logger.Info("[runner] %s (%s) window %s", spec.ID, spec.Kind, window)
	if h, ok := r.Recorder.(History); ok {
		if end, found, err := h.LastSuccess(ctx, spec.ID); err != nil {
			r.Logger.Debug("[runner] %s history unavailable: %v", spec.ID, err)
		} else if found {
			r.Logger.Info("[runner] %s last succeeded through %s", spec.ID, end)
		}
	}

	batch, fetched, err := r.collect(ctx, spec, window, override)
	outcome.RowsFetched = fetched
	if err == nil {
		var res *storage.UpsertResult
		res, err = r.Store.Upsert(spec.Output, batch, spec.NaturalKey())
		if err == nil {
			outcome.RowsWritten = res.RowsWritten
			outcome.TotalRows = res.TotalRows
			outcome.BackupPath = res.BackupPath
			r.publish(ctx, spec, res)
		}
	}
	outcome.Duration = time.Since(started)

	if err != nil {
		outcome.Err = err
		r.Logger.Error("[runner] %s failed: %v", spec.ID, err)
		wrote, perr := r.Store.EnsurePlaceholder(spec.Output, spec.EmptySchema())
		if perr != nil {
			r.Logger.Error("[runner] %s placeholder failed: %v", spec.ID, perr)
		}
		outcome.Placeholder = wrote
		r.Metrics.ReportFailed(spec.ID, outcome.Duration)
		return outcome
	}

	r.Metrics.ReportSucceeded(spec.ID, outcome.RowsWritten, outcome.TotalRows, outcome.Duration, r.Now())
	r.Logger.Info("[runner] %s done: %d rows merged, table has %d", spec.ID, outcome.RowsWritten, outcome.TotalRows)
	return outcome
}

// collect fetches and normalizes the rows of one report, ready to upsert.
func (r *Runner) collect(ctx context.Context, spec models.ReportSpec, window models.DateWindow, override *models.DateWindow) (*models.ReportBatch, int, error) {
	if spec.Kind == models.KindPerItem {
		return r.collectPerItem(ctx, spec, window, override)
	}

	raw, err := r.fetch(ctx, spec, window)
	if err != nil {
		return nil, 0, err
	}
	fetched := raw.Len()
	if spec.Kind == models.KindRollingTrend {
		raw = r.Normalizer.FillDailyGaps(raw, spec.Dimension, window)
	}
	return r.normalize(spec, raw, window), fetched, nil
}

// collectPerItem queries each content item over its own lifetime. Without an item list it
// falls back to a single ranked query over the seed window.
func (r *Runner) collectPerItem(ctx context.Context, spec models.ReportSpec, seed models.DateWindow, override *models.DateWindow) (*models.ReportBatch, int, error) {
	var items []models.Item
	if r.Items != nil {
		var err error
		items, err = r.Items.Items(ctx, itemListLimit)
		if err != nil {
			r.Logger.Warn("[runner] %s: item list unavailable, using one ranked query: %v", spec.ID, err)
			items = nil
		}
	}
	if len(items) == 0 {
		raw, err := r.fetch(ctx, spec, seed)
		if err != nil {
			return nil, 0, err
		}
		if raw.Len() > 0 {
			raw.Columns = lo.Uniq(append(raw.Columns, spec.ExtraColumns...))
		}
		return r.normalize(spec, raw, seed), raw.Len(), nil
	}

	out := &models.ReportBatch{}
	fetched := 0
	for _, item := range items {
		win := services.ItemWindow(seed, item.Published, override)
		raw, err := r.fetch(ctx, itemSpec(spec, item.ID), win)
		if err != nil {
			return nil, fetched, fmt.Errorf("item %s: %w", item.ID, err)
		}
		if raw.Len() == 0 {
			continue
		}
		fetched += raw.Len()

		published := ""
		if item.Published.IsValid() {
			published = item.Published.String()
		}
		for _, row := range raw.Rows {
			row["videoPublishedAt"] = published
		}
		raw.Columns = lo.Uniq(append(raw.Columns, spec.ExtraColumns...))

		norm := r.normalize(spec, raw, win)
		out.Columns = lo.Uniq(append(out.Columns, norm.Columns...))
		out.Rows = append(out.Rows, norm.Rows...)
	}
	r.Logger.Info("[runner] %s: %d rows across %d items", spec.ID, fetched, len(items))

	if out.Len() == 0 {
		out.Columns = spec.EmptySchema()
	}
	return out, fetched, nil
}

func (r *Runner) fetch(ctx context.Context, spec models.ReportSpec, window models.DateWindow) (*models.ReportBatch, error) {
	var batch *models.ReportBatch
	err := r.Retry.Do(ctx, "fetch "+spec.ID, func() error {
		var ferr error
		batch, ferr = r.Fetcher.Fetch(ctx, window, spec)
		return ferr
	})
	return batch, err
}

func (r *Runner) normalize(spec models.ReportSpec, raw *models.ReportBatch, window models.DateWindow) *models.ReportBatch {
	batch := r.Normalizer.Normalize(raw, spec.Dimension, services.Metadata{Window: window, CapturedAt: r.Now()})
	if batch.Len() == 0 {
		batch.Columns = spec.EmptySchema()
	}
	return batch
}

func (r *Runner) publish(ctx context.Context, spec models.ReportSpec, res *storage.UpsertResult) {
	for _, m := range r.Mirrors {
		if err := m.Publish(ctx, spec.Output, res, spec.NaturalKey()); err != nil {
			r.Logger.Warn("[runner] %s mirror %s failed: %v", spec.ID, m.Name(), err)
		}
	}
}

// itemSpec narrows spec to a single content item.
func itemSpec(spec models.ReportSpec, id string) models.ReportSpec {
	s := spec
	s.Filter = "video==" + id
	if spec.Filter != "" {
		s.Filter = spec.Filter + ";" + s.Filter
	}
	s.Sort = ""
	s.PageSize = 1
	s.MaxRows = 1
	return s
}
