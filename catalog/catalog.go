package catalog

import (
	"fmt"
	"os"
	"strings"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"yta-ingest/models"
)

var basicMetrics = []string{
	"views",
	"estimatedMinutesWatched",
	"averageViewDuration",
	"averageViewPercentage",
	"subscribersGained",
	"subscribersLost",
	"likes",
	"dislikes",
	"comments",
	"shares",
}

// DefaultMaxResults is the largest page the Analytics API serves for ranked dimensions.
const DefaultMaxResults = 200

var builtin = []models.ReportSpec{
	{
		ID:        "day",
		Kind:      models.KindRollingTrend,
		Metrics:   basicMetrics,
		Sort:      "day",
		Dimension: "day",
		Output:    "yta_daily_trend",
	},
	{
		ID:        "country",
		Kind:      models.KindLifetimeAggregate,
		Metrics:   basicMetrics,
		Sort:      "-views",
		PageSize:  DefaultMaxResults,
		Dimension: "country",
		Output:    "country",
	},
	{
		ID:        "traffic_sources",
		Kind:      models.KindLifetimeAggregate,
		Metrics:   []string{"views", "estimatedMinutesWatched", "averageViewDuration", "averageViewPercentage"},
		Sort:      "-views",
		Dimension: "insightTrafficSourceType",
		Output:    "yta_traffic_sources",
	},
	{
		ID:   "top_videos",
		Kind: models.KindPerItem,
		Metrics: []string{
			"views", "estimatedMinutesWatched", "averageViewDuration", "averageViewPercentage",
			"subscribersGained", "subscribersLost", "likes", "comments", "shares",
		},
		Sort:         "-views",
		PageSize:     DefaultMaxResults,
		MaxRows:      DefaultMaxResults,
		Dimension:    "video",
		Output:       "yta_top_videos",
		ExtraColumns: []string{"videoPublishedAt"},
	},
}

// UnknownReportError is returned when a report identifier is not registered.
type UnknownReportError struct {
	ID string
}

func (e *UnknownReportError) Error() string {
	return fmt.Sprintf("catalog: unknown report %q", e.ID)
}

// Catalog is an immutable registry of report definitions, in a fixed order.
type Catalog struct {
	order []string
	specs map[string]models.ReportSpec
}

// Default returns the built-in catalog.
func Default() *Catalog {
	return newCatalog(builtin)
}

func newCatalog(specs []models.ReportSpec) *Catalog {
	c := &Catalog{specs: make(map[string]models.ReportSpec, len(specs))}
	for _, s := range specs {
		s.Metrics = append([]string(nil), s.Metrics...)
		s.ExtraColumns = append([]string(nil), s.ExtraColumns...)
		c.order = append(c.order, s.ID)
		c.specs[s.ID] = s
	}
	return c
}

// Lookup returns the spec registered under id.
func (c *Catalog) Lookup(id string) (models.ReportSpec, error) {
	s, ok := c.specs[id]
	if !ok {
		return models.ReportSpec{}, &UnknownReportError{ID: id}
	}
	s.Metrics = append([]string(nil), s.Metrics...)
	s.ExtraColumns = append([]string(nil), s.ExtraColumns...)
	return s, nil
}

// IDs lists every registered identifier in catalog order.
func (c *Catalog) IDs() []string {
	return append([]string(nil), c.order...)
}

// Select resolves a requested subset of ids. An empty request selects the whole catalog.
// Duplicates are dropped, keeping first-request order.
func (c *Catalog) Select(ids []string) ([]models.ReportSpec, error) {
	if len(ids) == 0 {
		ids = c.order
	}
	ids = lo.Uniq(lo.Map(ids, func(id string, _ int) string { return strings.TrimSpace(id) }))

	out := make([]models.ReportSpec, 0, len(ids))
	for _, id := range ids {
		s, err := c.Lookup(id)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Override adjusts the query shape of a known report. Kind and dimension are fixed.
type Override struct {
	Metrics  []string `yaml:"metrics"`
	Sort     *string  `yaml:"sort"`
	Filter   *string  `yaml:"filter"`
	PageSize *int     `yaml:"page_size"`
	MaxRows  *int     `yaml:"max_rows"`
	Output   string   `yaml:"output"`
}

// WithOverrides returns a new Catalog with the given overrides applied.
func (c *Catalog) WithOverrides(overrides map[string]Override) (*Catalog, error) {
	specs := make([]models.ReportSpec, 0, len(c.order))
	for _, id := range c.order {
		specs = append(specs, c.specs[id])
	}
	for id := range overrides {
		if _, ok := c.specs[id]; !ok {
			return nil, &UnknownReportError{ID: id}
		}
	}

	for i, s := range specs {
		o, ok := overrides[s.ID]
		if !ok {
			continue
		}
		if len(o.Metrics) > 0 {
			s.Metrics = o.Metrics
		}
		if o.Sort != nil {
			s.Sort = *o.Sort
		}
		if o.Filter != nil {
			s.Filter = *o.Filter
		}
		if o.PageSize != nil {
			if *o.PageSize < 0 {
				return nil, fmt.Errorf("catalog: %s: page_size must not be negative", s.ID)
			}
			s.PageSize = *o.PageSize
		}
		if o.MaxRows != nil {
			if *o.MaxRows < 0 {
				return nil, fmt.Errorf("catalog: %s: max_rows must not be negative", s.ID)
			}
			s.MaxRows = *o.MaxRows
		}
		if o.Output != "" {
			s.Output = o.Output
		}
		specs[i] = s
	}
	return newCatalog(specs), nil
}

// LoadOverrides reads a YAML file of the form `reports: {<id>: {...}}` and applies it to c.
func (c *Catalog) LoadOverrides(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %q: %w", path, err)
	}

	var doc struct {
		Reports map[string]Override `yaml:"reports"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("catalog: parse %q: %w", path, err)
	}
	return c.WithOverrides(doc.Reports)
}
