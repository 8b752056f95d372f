package storage

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"cloud.google.com/go/civil"

	"yta-ingest/models"
	"yta-ingest/utils"
)

var testToday = civil.Date{Year: 2024, Month: time.March, Day: 12}

func newTestStore(t *testing.T) *CSVStore {
	t.Helper()
	s, err := NewCSVStore(t.TempDir(), utils.NewNopLogger(), func() civil.Date { return testToday })
	if err != nil {
		t.Fatalf("NewCSVStore: %v", err)
	}
	return s
}

func dayBatch(rows ...[2]any) *models.ReportBatch {
	b := &models.ReportBatch{Columns: []string{"day", "views"}}
	for _, r := range rows {
		b.Rows = append(b.Rows, models.ReportRow{"day": r[0], "views": r[1]})
	}
	return b
}

func readFile(t *testing.T, p string) string {
	t.Helper()
	b, err := os.ReadFile(p)
	if err != nil {
		t.Fatalf("read %s: %v", p, err)
	}
	return string(b)
}

func TestUpsertFirstRun(t *testing.T) {
	s := newTestStore(t)

	res, err := s.Upsert("daily", dayBatch([2]any{"2024-03-02", int64(5)}, [2]any{"2024-03-01", int64(3)}), []string{"day"})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if res.BackupPath != "" {
		t.Errorf("BackupPath = %q, want none on first run", res.BackupPath)
	}
	if res.RowsWritten != 2 || res.TotalRows != 2 {
		t.Errorf("written/total = %d/%d, want 2/2", res.RowsWritten, res.TotalRows)
	}

	want := "day,views\n2024-03-01,3\n2024-03-02,5\n"
	if got := readFile(t, s.CanonicalPath("daily")); got != want {
		t.Errorf("canonical =\n%s\nwant\n%s", got, want)
	}
}

func TestUpsertLastWriteWins(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.Upsert("daily", dayBatch([2]any{"2024-03-01", int64(3)}, [2]any{"2024-03-02", int64(5)}), []string{"day"}); err != nil {
		t.Fatalf("first Upsert: %v", err)
	}
	res, err := s.Upsert("daily", dayBatch([2]any{"2024-03-02", int64(9)}, [2]any{"2024-03-03", int64(1)}), []string{"day"})
	if err != nil {
		t.Fatalf("second Upsert: %v", err)
	}
	if res.TotalRows != 3 {
		t.Errorf("TotalRows = %d, want 3", res.TotalRows)
	}

	want := "day,views\n2024-03-01,3\n2024-03-02,9\n2024-03-03,1\n"
	if got := readFile(t, s.CanonicalPath("daily")); got != want {
		t.Errorf("canonical =\n%s\nwant\n%s", got, want)
	}
	if res.BackupPath != filepath.Join(s.dir, "daily_uptodate_to_2024-03-12.csv") {
		t.Errorf("BackupPath = %q", res.BackupPath)
	}
	if got := readFile(t, res.BackupPath); got != "day,views\n2024-03-01,3\n2024-03-02,5\n" {
		t.Errorf("backup should hold the prior canonical, got\n%s", got)
	}
}

func TestUpsertDuplicateKeysInBatch(t *testing.T) {
	s := newTestStore(t)

	res, err := s.Upsert("daily", dayBatch([2]any{"2024-03-01", int64(1)}, [2]any{"2024-03-01", int64(2)}), []string{"day"})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if res.TotalRows != 1 {
		t.Fatalf("TotalRows = %d, want 1", res.TotalRows)
	}
	if got := res.Table.Rows[0][1]; got != "2" {
		t.Errorf("kept views = %q, want the last occurrence 2", got)
	}
}

func TestUpsertIdempotent(t *testing.T) {
	s := newTestStore(t)
	batch := dayBatch([2]any{"2024-03-01", int64(3)}, [2]any{"2024-03-02", 2.5})

	if _, err := s.Upsert("daily", batch, []string{"day"}); err != nil {
		t.Fatal(err)
	}
	first := readFile(t, s.CanonicalPath("daily"))
	if _, err := s.Upsert("daily", batch, []string{"day"}); err != nil {
		t.Fatal(err)
	}
	if second := readFile(t, s.CanonicalPath("daily")); second != first {
		t.Errorf("second merge changed the table:\n%s\nvs\n%s", first, second)
	}
}

func TestUpsertEmptyBatchKeepsRows(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Upsert("daily", dayBatch([2]any{"2024-03-01", int64(3)}), []string{"day"}); err != nil {
		t.Fatal(err)
	}
	before := readFile(t, s.CanonicalPath("daily"))

	res, err := s.Upsert("daily", &models.ReportBatch{Columns: []string{"day", "views"}}, []string{"day"})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if res.RowsWritten != 0 || res.TotalRows != 1 {
		t.Errorf("written/total = %d/%d, want 0/1", res.RowsWritten, res.TotalRows)
	}
	if after := readFile(t, s.CanonicalPath("daily")); after != before {
		t.Errorf("empty merge changed the table")
	}
}

func TestUpsertSchemaUnion(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Upsert("daily", dayBatch([2]any{"2024-03-01", int64(3)}), []string{"day"}); err != nil {
		t.Fatal(err)
	}

	batch := &models.ReportBatch{
		Columns: []string{"day", "likes"},
		Rows:    []models.ReportRow{{"day": "2024-03-02", "likes": int64(4)}},
	}
	res, err := s.Upsert("daily", batch, []string{"day"})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if want := []string{"day", "views", "likes"}; !reflect.DeepEqual(res.Table.Columns, want) {
		t.Errorf("columns = %v, want %v", res.Table.Columns, want)
	}
	want := "day,views,likes\n2024-03-01,3,\n2024-03-02,,4\n"
	if got := readFile(t, s.CanonicalPath("daily")); got != want {
		t.Errorf("canonical =\n%s\nwant\n%s", got, want)
	}
}

func TestUpsertSortsByViewsWithoutDay(t *testing.T) {
	s := newTestStore(t)
	batch := &models.ReportBatch{
		Columns: []string{"country", "views"},
		Rows: []models.ReportRow{
			{"country": "FR", "views": int64(2)},
			{"country": "US", "views": int64(10)},
			{"country": "XX", "views": "n/a"},
			{"country": "DE", "views": int64(7)},
		},
	}
	res, err := s.Upsert("geo", batch, []string{"country"})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	var got []string
	for _, r := range res.Table.Rows {
		got = append(got, r[0])
	}
	if want := []string{"US", "DE", "FR", "XX"}; !reflect.DeepEqual(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestUpsertMissingKeyColumn(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Upsert("daily", dayBatch([2]any{"2024-03-01", int64(3)}), []string{"day", "window_start"})
	var me *MergeError
	if !errors.As(err, &me) || me.Op != "key" {
		t.Fatalf("err = %v, want key MergeError", err)
	}
	if fileExists(s.CanonicalPath("daily")) {
		t.Error("canonical should not be written on key error")
	}
}

func TestUpsertReplaceFailureLeavesCanonical(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Upsert("daily", dayBatch([2]any{"2024-03-01", int64(3)}), []string{"day"}); err != nil {
		t.Fatal(err)
	}
	before := readFile(t, s.CanonicalPath("daily"))

	s.rename = func(string, string) error { return errors.New("disk full") }
	_, err := s.Upsert("daily", dayBatch([2]any{"2024-03-02", int64(5)}), []string{"day"})

	var me *MergeError
	if !errors.As(err, &me) || me.Table != "daily" || me.Op != "write" {
		t.Fatalf("err = %v, want write MergeError", err)
	}
	if after := readFile(t, s.CanonicalPath("daily")); after != before {
		t.Errorf("canonical changed after failed merge:\n%s", after)
	}
	backup := filepath.Join(s.dir, "daily_uptodate_to_2024-03-12.csv")
	if got := readFile(t, backup); got != before {
		t.Errorf("backup = %q, want %q", got, before)
	}

	entries, _ := os.ReadDir(s.dir)
	if len(entries) != 2 {
		t.Errorf("dir has %d entries, want canonical and backup only", len(entries))
	}
}

func TestBackupPathNeverOverwrites(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 3; i++ {
		if _, err := s.Upsert("daily", dayBatch([2]any{"2024-03-01", int64(i)}), []string{"day"}); err != nil {
			t.Fatal(err)
		}
	}
	for _, name := range []string{"daily_uptodate_to_2024-03-12.csv", "daily_uptodate_to_2024-03-12_2.csv"} {
		if !fileExists(filepath.Join(s.dir, name)) {
			t.Errorf("missing backup %s", name)
		}
	}
	if got := s.BackupPath("daily"); filepath.Base(got) != "daily_uptodate_to_2024-03-12_3.csv" {
		t.Errorf("next BackupPath = %s", got)
	}
}

func TestReadToleratesBOMAndRaggedRows(t *testing.T) {
	s := newTestStore(t)
	content := append([]byte{0xEF, 0xBB, 0xBF}, []byte("day,views,likes\n2024-03-01,3\n2024-03-02,4,1,extra\n")...)
	if err := os.WriteFile(s.CanonicalPath("daily"), content, 0644); err != nil {
		t.Fatal(err)
	}

	tbl, err := s.Read("daily")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if tbl.Columns[0] != "day" {
		t.Errorf("first column = %q, BOM not stripped", tbl.Columns[0])
	}
	want := [][]string{{"2024-03-01", "3", ""}, {"2024-03-02", "4", "1"}}
	if !reflect.DeepEqual(tbl.Rows, want) {
		t.Errorf("rows = %v, want %v", tbl.Rows, want)
	}
}

func TestReadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	batch := &models.ReportBatch{
		Columns: []string{"insightTrafficSourceType", "views", "note"},
		Rows: []models.ReportRow{
			{"insightTrafficSourceType": "YT_SEARCH", "views": int64(9), "note": "a, \"quoted\" value"},
		},
	}
	if _, err := s.Upsert("traffic", batch, []string{"insightTrafficSourceType"}); err != nil {
		t.Fatal(err)
	}
	tbl, err := s.Read("traffic")
	if err != nil {
		t.Fatal(err)
	}
	if got := tbl.Rows[0][2]; got != "a, \"quoted\" value" {
		t.Errorf("note = %q", got)
	}

	var buf bytes.Buffer
	if err := writeTable(&buf, tbl); err != nil {
		t.Fatal(err)
	}
	if buf.String() != readFile(t, s.CanonicalPath("traffic")) {
		t.Error("re-serialized table differs from file")
	}
}

func TestReadMissing(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Read("nope"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want ErrNotExist", err)
	}
}

func TestEnsurePlaceholder(t *testing.T) {
	s := newTestStore(t)
	cols := []string{"video", "views", "window_start", "window_end", "refresh_datetime"}

	wrote, err := s.EnsurePlaceholder("top", cols)
	if err != nil || !wrote {
		t.Fatalf("EnsurePlaceholder = %v, %v", wrote, err)
	}
	if got := readFile(t, s.CanonicalPath("top")); got != "video,views,window_start,window_end,refresh_datetime\n" {
		t.Errorf("placeholder = %q", got)
	}

	if _, err := s.Upsert("top", &models.ReportBatch{
		Columns: []string{"video", "views", "window_start", "window_end"},
		Rows:    []models.ReportRow{{"video": "abc", "views": int64(1), "window_start": "2024-01-01", "window_end": "2024-03-01"}},
	}, []string{"video", "window_start", "window_end"}); err != nil {
		t.Fatal(err)
	}
	before := readFile(t, s.CanonicalPath("top"))

	wrote, err = s.EnsurePlaceholder("top", cols)
	if err != nil || wrote {
		t.Fatalf("EnsurePlaceholder on existing table = %v, %v", wrote, err)
	}
	if after := readFile(t, s.CanonicalPath("top")); after != before {
		t.Error("placeholder overwrote existing data")
	}
}
