package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"

	"yta-ingest/fetcher"
	"yta-ingest/models"
	"yta-ingest/utils"
)

const (
	// probeLookbackDays is how far back the latest-date probe looks for published days.
	probeLookbackDays = 90
	// publishScanLimit caps the content listing scanned for the earliest publish date.
	publishScanLimit = 500
	// latestFallbackDays is the assumed reporting lag when the latest-date probe fails.
	latestFallbackDays = 3
)

// PlatformLaunch is the earliest start any per-item window may have.
var PlatformLaunch = civil.Date{Year: 2006, Month: time.January, Day: 1}

// ChannelInfoSource answers best-effort questions about when a channel became active.
type ChannelInfoSource interface {
	ChannelCreated(ctx context.Context) (civil.Date, error)
	EarliestPublished(ctx context.Context, limit int) (civil.Date, error)
}

// WindowResolver computes the date window each report queries.
type WindowResolver struct {
	logger       *utils.Logger
	lookbackDays int
	fallback     civil.Date
	today        func() civil.Date
}

// NewWindowResolver creates a resolver. today supplies the reference "today" in the capture zone.
func NewWindowResolver(logger *utils.Logger, lookbackDays int, fallback civil.Date, today func() civil.Date) *WindowResolver {
	if lookbackDays < 0 {
		lookbackDays = 0
	}
	return &WindowResolver{logger: logger, lookbackDays: lookbackDays, fallback: fallback, today: today}
}

// ResolveExplicit returns a window only when both bounds are supplied.
func ResolveExplicit(start, end *civil.Date) *models.DateWindow {
	if start == nil || end == nil {
		return nil
	}
	return &models.DateWindow{Start: *start, End: *end}
}

// ParseOverrides parses --start/--end values. A single bound is ignored; a malformed
// date or an inverted range is an error.
func ParseOverrides(start, end string) (*models.DateWindow, error) {
	start, end = strings.TrimSpace(start), strings.TrimSpace(end)
	if start == "" || end == "" {
		return nil, nil
	}
	s, err := civil.ParseDate(start)
	if err != nil {
		return nil, fmt.Errorf("invalid --start %q: want YYYY-MM-DD", start)
	}
	e, err := civil.ParseDate(end)
	if err != nil {
		return nil, fmt.Errorf("invalid --end %q: want YYYY-MM-DD", end)
	}
	w, err := models.NewDateWindow(s, e)
	if err != nil {
		return nil, err
	}
	return ResolveExplicit(&w.Start, &w.End), nil
}

// LatestAvailableDate asks the remote for its most recent published day.
// The boolean is false when the probe failed or returned nothing.
func (r *WindowResolver) LatestAvailableDate(ctx context.Context, client fetcher.QueryClient) (civil.Date, bool) {
	today := r.today()
	res, err := client.Query(ctx, models.Query{
		Window:     models.DateWindow{Start: today.AddDays(-probeLookbackDays), End: today},
		Metrics:    []string{"views"},
		Dimension:  "day",
		Sort:       "day",
		PageSize:   fetcher.DefaultPageSize,
		StartIndex: 1,
	})
	if err != nil {
		r.logger.Warn("[window] Latest-date probe failed, degrading to default: %v", err)
		return civil.Date{}, false
	}
	if res == nil || len(res.Rows) == 0 || len(res.Rows[len(res.Rows)-1]) == 0 {
		r.logger.Warn("[window] Latest-date probe returned no rows")
		return civil.Date{}, false
	}

	last := res.Rows[len(res.Rows)-1][0]
	d, ok := parseDate(last).(civil.Date)
	if !ok {
		r.logger.Warn("[window] Latest-date probe returned unparseable day %v", last)
		return civil.Date{}, false
	}
	return d, true
}

// FallbackLatest is the latest date assumed when LatestAvailableDate cannot tell.
func (r *WindowResolver) FallbackLatest() civil.Date {
	return r.today().AddDays(-latestFallbackDays)
}

// LifetimeStart returns the earliest known activity date: the channel creation date from
// the first source that knows it, else the earliest publish date, else the fallback.
func (r *WindowResolver) LifetimeStart(ctx context.Context, sources ...ChannelInfoSource) civil.Date {
	for _, src := range sources {
		if src == nil {
			continue
		}
		d, err := src.ChannelCreated(ctx)
		if err == nil && d.IsValid() {
			return d
		}
		r.logger.Debug("[window] Channel creation probe failed: %v", err)
	}
	for _, src := range sources {
		if src == nil {
			continue
		}
		d, err := src.EarliestPublished(ctx, publishScanLimit)
		if err == nil && d.IsValid() {
			return d
		}
		r.logger.Debug("[window] Earliest-publish probe failed: %v", err)
	}

	r.logger.Warn("[window] Lifetime start unknown, using fallback %s", r.fallback)
	return r.fallback
}

// ResolveForReport applies the window policy of kind. An override always wins.
func (r *WindowResolver) ResolveForReport(kind models.ReportKind, override *models.DateWindow, latest, lifetimeStart civil.Date) models.DateWindow {
	if override != nil {
		return *override
	}

	var start civil.Date
	switch kind {
	case models.KindRollingTrend:
		start = latest.AddDays(-r.lookbackDays)
	default:
		start = lifetimeStart
	}
	if start.After(latest) {
		start = latest
	}
	return models.DateWindow{Start: start, End: latest}
}

// ItemWindow narrows a per-item seed window to start at the item's own first appearance,
// never before PlatformLaunch. Undated items keep the seed start.
func ItemWindow(seed models.DateWindow, firstAppearance civil.Date, override *models.DateWindow) models.DateWindow {
	if override != nil {
		return *override
	}
	start := firstAppearance
	if !start.IsValid() {
		start = seed.Start
	}
	if start.Before(PlatformLaunch) {
		start = PlatformLaunch
	}
	if start.After(seed.End) {
		start = seed.End
	}
	return models.DateWindow{Start: start, End: seed.End}
}
