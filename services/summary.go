package services

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"yta-ingest/models"
	"yta-ingest/utils"
)

// RunStats are the aggregate figures printed at the end of a run.
type RunStats struct {
	Reports     int
	Succeeded   int
	Failed      int
	RowsFetched int
	RowsWritten int
	Slowest     *models.ReportOutcome
	Failures    []models.ReportOutcome
}

type SummaryService struct {
	logger *utils.Logger
	out    io.Writer
}

func NewSummaryService(logger *utils.Logger) *SummaryService {
	return &SummaryService{logger: logger, out: os.Stdout}
}

func (s *SummaryService) Generate(summary *models.RunSummary) *RunStats {
	stats := &RunStats{}
	if summary == nil {
		return stats
	}

	stats.Reports = len(summary.Outcomes)
	for i := range summary.Outcomes {
		o := &summary.Outcomes[i]
		stats.RowsFetched += o.RowsFetched
		if o.OK() {
			stats.Succeeded++
			stats.RowsWritten += o.RowsWritten
		} else {
			stats.Failed++
			stats.Failures = append(stats.Failures, *o)
		}
		if stats.Slowest == nil || o.Duration > stats.Slowest.Duration {
			stats.Slowest = o
		}
	}

	sort.Slice(stats.Failures, func(i, j int) bool {
		return stats.Failures[i].ReportID < stats.Failures[j].ReportID
	})
	return stats
}

func (s *SummaryService) Print(summary *models.RunSummary, stats *RunStats) {
	sep := strings.Repeat("═", 64)
	thin := strings.Repeat("─", 64)
	w := s.out

	fmt.Fprintf(w, "\n\033[1;35m%s\033[0m\n", sep)
	fmt.Fprintf(w, "\033[1;35m  YOUTUBE ANALYTICS INGEST  run %s\033[0m\n", summary.RunID)
	fmt.Fprintf(w, "\033[1;35m%s\033[0m\n\n", sep)

	fmt.Fprintf(w, "\033[1;33m  Overview\033[0m\n")
	fmt.Fprintf(w, "  %s\n", thin)
	fmt.Fprintf(w, "  Latest analytics date : \033[1m%s\033[0m\n", summary.Latest)
	fmt.Fprintf(w, "  Lifetime start        : \033[1m%s\033[0m\n", summary.LifetimeStart)
	fmt.Fprintf(w, "  Reports               : \033[1m%d\033[0m (%d ok, %d failed)\n", stats.Reports, stats.Succeeded, stats.Failed)
	fmt.Fprintf(w, "  Rows fetched / merged : \033[1m%d / %d\033[0m\n", stats.RowsFetched, stats.RowsWritten)
	fmt.Fprintf(w, "  Elapsed               : %s\n", summary.FinishedAt.Sub(summary.StartedAt).Round(time.Millisecond))
	fmt.Fprintln(w)

	fmt.Fprintf(w, "\033[1;33m  Reports\033[0m\n")
	fmt.Fprintf(w, "  %s\n", thin)
	for _, o := range summary.Outcomes {
		status := "\033[1;32mok\033[0m  "
		if !o.OK() {
			status = "\033[1;31mFAIL\033[0m"
		}
		fmt.Fprintf(w, "  %s %-16s %-23s %6d rows (table %d)\n",
			status, truncate(o.ReportID, 16), o.Window, o.RowsWritten, o.TotalRows)
	}
	fmt.Fprintln(w)

	if len(stats.Failures) > 0 {
		fmt.Fprintf(w, "\033[1;33m  Failures (placeholders written)\033[0m\n")
		fmt.Fprintf(w, "  %s\n", thin)
		for _, o := range stats.Failures {
			fmt.Fprintf(w, "  %-16s %s\n", truncate(o.ReportID, 16), truncate(o.Err.Error(), 44))
		}
		fmt.Fprintln(w)
	}

	if stats.Slowest != nil {
		fmt.Fprintf(w, "  Slowest report: %s (%s)\n", stats.Slowest.ReportID, stats.Slowest.Duration.Round(time.Millisecond))
	}
	fmt.Fprintf(w, "\n\033[1;35m%s\033[0m\n\n", sep)
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
