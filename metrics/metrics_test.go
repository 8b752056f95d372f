package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorCounts(t *testing.T) {
	c := NewCollector()
	c.PageFetched("country", 200)
	c.PageFetched("country", 50)
	c.ReportSucceeded("country", 250, 300, time.Second, time.Unix(1700000000, 0))
	c.ReportFailed("top_videos", time.Second)

	if got := testutil.ToFloat64(c.pagesFetched.WithLabelValues("country")); got != 2 {
		t.Errorf("pages: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.rowsFetched.WithLabelValues("country")); got != 250 {
		t.Errorf("rows fetched: got %v, want 250", got)
	}
	if got := testutil.ToFloat64(c.tableRows.WithLabelValues("country")); got != 300 {
		t.Errorf("table rows: got %v, want 300", got)
	}
	if got := testutil.ToFloat64(c.reportsTotal.WithLabelValues("top_videos", "failure")); got != 1 {
		t.Errorf("failures: got %v, want 1", got)
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.PageFetched("day", 1)
	c.ReportSucceeded("day", 1, 1, 0, time.Now())
	c.ReportFailed("day", 0)
	if err := c.WriteTextfile("ignored.prom"); err != nil {
		t.Fatalf("nil collector write: %v", err)
	}
}

func TestWriteTextfile(t *testing.T) {
	c := NewCollector()
	c.PageFetched("day", 31)

	path := filepath.Join(t.TempDir(), "yta.prom")
	if err := c.WriteTextfile(path); err != nil {
		t.Fatalf("write textfile: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), `yta_rows_fetched_total{report="day"} 31`) {
		t.Errorf("textfile missing rows counter:\n%s", raw)
	}
}
