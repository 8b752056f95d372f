package storage

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/civil"

	"yta-ingest/models"
)

func TestTableRecords(t *testing.T) {
	tbl := &Table{
		Columns: []string{"country", "views", "window_start", "window_end"},
		Rows: [][]string{
			{"US", "10", "2024-01-01", "2024-03-01"},
			{"FR", "2", "2024-01-01", "2024-03-01"},
		},
	}
	recs, err := tableRecords("geo", tbl, []string{"country", "window_start", "window_end"})
	if err != nil {
		t.Fatalf("tableRecords: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if want := strings.Join([]string{"US", "2024-01-01", "2024-03-01"}, keySep); recs[0].key != want {
		t.Errorf("key = %q", recs[0].key)
	}
	var doc map[string]string
	if err := json.Unmarshal(recs[1].row, &doc); err != nil {
		t.Fatal(err)
	}
	if doc["country"] != "FR" || doc["views"] != "2" {
		t.Errorf("doc = %v", doc)
	}

	if _, err := tableRecords("geo", tbl, []string{"day"}); err == nil {
		t.Error("expected error for missing key column")
	}
}

func TestUpsertStatement(t *testing.T) {
	recs := []pgRecord{
		{report: "geo", key: "US", row: []byte(`{"country":"US"}`)},
		{report: "geo", key: "FR", row: []byte(`{"country":"FR"}`)},
	}
	at := time.Date(2024, 3, 12, 0, 0, 0, 0, time.UTC)

	query, args := upsertStatement(recs, at)
	if !strings.Contains(query, "($1,$2,$3,$4),($5,$6,$7,$8)") {
		t.Errorf("placeholders missing in %s", query)
	}
	if !strings.Contains(query, "ON CONFLICT (report, natural_key) DO UPDATE") {
		t.Errorf("conflict clause missing in %s", query)
	}
	if len(args) != 8 {
		t.Fatalf("got %d args, want 8", len(args))
	}
	if args[5] != "FR" || args[7] != at {
		t.Errorf("args = %v", args)
	}
}

func TestObjectKey(t *testing.T) {
	tests := []struct {
		prefix string
		file   string
		want   string
	}{
		{"", "/out/geo.csv", "geo/geo.csv"},
		{"yta/", "/out/geo_uptodate_to_2024-03-12.csv", "yta/geo/geo_uptodate_to_2024-03-12.csv"},
		{"/a/b/", "geo.csv", "a/b/geo/geo.csv"},
	}
	for _, tt := range tests {
		if got := objectKey(tt.prefix, "geo", tt.file); got != tt.want {
			t.Errorf("objectKey(%q, %q) = %q, want %q", tt.prefix, tt.file, got, tt.want)
		}
	}
}

func TestLedgerRoundTrip(t *testing.T) {
	ctx := context.Background()
	l, err := NewLedger(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	defer l.Close()

	started := time.Date(2024, 3, 12, 8, 0, 0, 0, time.UTC)
	if err := l.StartRun(ctx, "run-1", started); err != nil {
		t.Fatal(err)
	}
	if status, _ := l.runStatus(ctx, "run-1"); status != "running" {
		t.Errorf("status = %q, want running", status)
	}

	win := models.DateWindow{
		Start: civil.Date{Year: 2024, Month: time.February, Day: 10},
		End:   civil.Date{Year: 2024, Month: time.March, Day: 11},
	}
	outcomes := []models.ReportOutcome{
		{ReportID: "day", Window: win, RowsFetched: 31, RowsWritten: 31, TotalRows: 40},
		{ReportID: "top_videos", Window: win, Placeholder: true, Err: errors.New("quota exceeded")},
	}
	for _, o := range outcomes {
		if err := l.RecordReport(ctx, "run-1", o); err != nil {
			t.Fatal(err)
		}
	}

	summary := &models.RunSummary{RunID: "run-1", StartedAt: started, FinishedAt: started.Add(time.Minute), Outcomes: outcomes}
	if err := l.FinishRun(ctx, summary); err != nil {
		t.Fatal(err)
	}
	if status, _ := l.runStatus(ctx, "run-1"); status != "partial" {
		t.Errorf("status = %q, want partial", status)
	}

	entries, err := l.entries(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if e := entries[0]; e.Report != "day" || e.WindowEnd != "2024-03-11" || e.TotalRows != 40 || e.Placeholder {
		t.Errorf("entry 0 = %+v", e)
	}
	if e := entries[1]; !e.Placeholder || e.Error != "quota exceeded" {
		t.Errorf("entry 1 = %+v", e)
	}

	end, ok, err := l.LastSuccess(ctx, "day")
	if err != nil || !ok || end != "2024-03-11" {
		t.Errorf("LastSuccess(day) = %q, %v, %v", end, ok, err)
	}
	if _, ok, _ := l.LastSuccess(ctx, "top_videos"); ok {
		t.Error("failed report should have no success")
	}
	if _, err := l.runStatus(ctx, "missing"); err == nil {
		t.Error("expected error for unknown run")
	}
}
