package services

import (
	"math"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/samber/lo"

	"yta-ingest/models"
	"yta-ingest/utils"
)

// Metadata describes the run a batch was captured in.
type Metadata struct {
	Window     models.DateWindow
	CapturedAt time.Time
}

// Normalizer coerces raw report values into typed columns and stamps run metadata.
type Normalizer struct {
	logger   *utils.Logger
	location *time.Location
}

// NewNormalizer creates a Normalizer that renders capture timestamps in loc.
func NewNormalizer(logger *utils.Logger, loc *time.Location) *Normalizer {
	if loc == nil {
		loc = time.UTC
	}
	return &Normalizer{logger: logger, location: loc}
}

// Normalize returns a new batch with typed values and the metadata columns appended.
// The grouping dimension keeps its raw value since it is part of the natural key.
// Coercion never fails: values that do not parse are kept as they came.
func (n *Normalizer) Normalize(batch *models.ReportBatch, dimension string, meta Metadata) *models.ReportBatch {
	out := &models.ReportBatch{}
	if batch.Len() == 0 {
		return out
	}

	out.Columns = lo.Uniq(append(append([]string(nil), batch.Columns...), models.MetadataColumns...))
	captured := meta.CapturedAt.In(n.location).Format(time.RFC3339)

	kept := 0
	out.Rows = make([]models.ReportRow, 0, len(batch.Rows))
	for _, r := range batch.Rows {
		row := make(models.ReportRow, len(out.Columns))
		for _, col := range batch.Columns {
			v := r[col]
			switch {
			case col == dimension && !isDateColumn(col):
				row[col] = v
			case isDateColumn(col):
				row[col] = parseDate(v)
			default:
				row[col] = parseNumber(v)
			}
			if s, ok := row[col].(string); ok && s != "" && col != dimension {
				kept++
			}
		}
		row[models.ColWindowStart] = meta.Window.Start
		row[models.ColWindowEnd] = meta.Window.End
		row[models.ColRefreshDatetime] = captured
		out.Rows = append(out.Rows, row)
	}

	if kept > 0 {
		n.logger.Debug("[normalizer] %d values left as text after numeric coercion", kept)
	}
	return out
}

// FillDailyGaps makes a per-day batch continuous over window, adding zero-metric rows
// for days the remote omitted. Batches without a day column are returned unchanged.
func (n *Normalizer) FillDailyGaps(batch *models.ReportBatch, dayColumn string, window models.DateWindow) *models.ReportBatch {
	if batch.Len() == 0 || !lo.Contains(batch.Columns, dayColumn) {
		return batch
	}

	byDay := make(map[civil.Date]models.ReportRow, len(batch.Rows))
	var undated []models.ReportRow
	for _, r := range batch.Rows {
		d, ok := parseDate(r[dayColumn]).(civil.Date)
		if !ok {
			undated = append(undated, r)
			continue
		}
		byDay[d] = r
	}

	out := &models.ReportBatch{Columns: batch.Columns}
	filled := 0
	for d := window.Start; !d.After(window.End); d = d.AddDays(1) {
		if r, ok := byDay[d]; ok {
			out.Rows = append(out.Rows, r)
			continue
		}
		row := make(models.ReportRow, len(batch.Columns))
		for _, col := range batch.Columns {
			row[col] = int64(0)
		}
		row[dayColumn] = d.String()
		out.Rows = append(out.Rows, row)
		filled++
	}
	out.Rows = append(out.Rows, undated...)

	if filled > 0 {
		n.logger.Info("[normalizer] Filled %d missing days in %s", filled, window)
	}
	return out
}

func isDateColumn(name string) bool {
	lower := strings.ToLower(name)
	return lower == "day" || lower == "date" ||
		strings.HasSuffix(lower, "publishedat") || strings.HasSuffix(lower, "_date")
}

func parseDate(v any) any {
	switch val := v.(type) {
	case civil.Date:
		return val
	case string:
		s := strings.TrimSpace(val)
		if len(s) > 10 {
			if t, err := time.Parse(time.RFC3339, s); err == nil {
				return civil.DateOf(t.UTC())
			}
		}
		if d, err := civil.ParseDate(s); err == nil {
			return d
		}
	}
	return v
}

// parseNumber converts text and JSON numbers to int64 when integral, float64 otherwise.
func parseNumber(v any) any {
	switch val := v.(type) {
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1<<53 {
			return int64(val)
		}
		return val
	case int:
		return int64(val)
	case string:
		s := strings.TrimSpace(val)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
			return f
		}
	}
	return v
}
