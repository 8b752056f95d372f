package storage

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"cloud.google.com/go/civil"
	"github.com/samber/lo"

	"yta-ingest/models"
	"yta-ingest/utils"
)

// keySep joins natural key parts; it cannot appear in CSV text produced by the API.
const keySep = "\x1f"

// Table is a canonical dataset as stored on disk: a header and text rows aligned to it.
type Table struct {
	Columns []string
	Rows    [][]string
}

// Index returns the position of column, or -1.
func (t *Table) Index(column string) int {
	return lo.IndexOf(t.Columns, column)
}

// UpsertResult describes one merge into a canonical table.
type UpsertResult struct {
	Path        string
	BackupPath  string // empty when no backup was taken
	RowsWritten int
	TotalRows   int
	Table       *Table
}

// MergeError is returned when a merge could not be persisted.
// The canonical file is left exactly as it was before the upsert.
type MergeError struct {
	Table string
	Op    string
	Cause error
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("merge %s: %s: %v", e.Table, e.Op, e.Cause)
}

func (e *MergeError) Unwrap() error { return e.Cause }

// CSVStore keeps one canonical CSV file per report plus dated backups in a directory.
// Concurrent runs against the same directory are not supported.
type CSVStore struct {
	dir    string
	logger *utils.Logger
	today  func() civil.Date

	// rename replaces the canonical file with a fully written temp file.
	rename func(oldpath, newpath string) error
}

// NewCSVStore creates the output directory if needed and returns a store rooted there.
func NewCSVStore(dir string, logger *utils.Logger, today func() civil.Date) (*CSVStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("csv: create output dir: %w", err)
	}
	return &CSVStore{dir: dir, logger: logger, today: today, rename: os.Rename}, nil
}

// CanonicalPath is the stable file name of table name.
func (s *CSVStore) CanonicalPath(name string) string {
	return filepath.Join(s.dir, name+".csv")
}

// BackupPath returns the first unused dated backup name for table name.
func (s *CSVStore) BackupPath(name string) string {
	base := fmt.Sprintf("%s_uptodate_to_%s", name, s.today())
	path := filepath.Join(s.dir, base+".csv")
	for n := 2; fileExists(path); n++ {
		path = filepath.Join(s.dir, base+"_"+strconv.Itoa(n)+".csv")
	}
	return path
}

// Read loads the canonical table. A missing file returns an error wrapping os.ErrNotExist.
func (s *CSVStore) Read(name string) (*Table, error) {
	return readTable(s.CanonicalPath(name))
}

// Upsert merges batch into the canonical table keyed by naturalKey.
//
// The previous canonical file is copied to a dated backup, the backup is read as the
// prior dataset, prior and new rows are concatenated and de-duplicated keeping the last
// occurrence of each key, the result is sorted and then swapped in atomically.
func (s *CSVStore) Upsert(name string, batch *models.ReportBatch, naturalKey []string) (*UpsertResult, error) {
	canonical := s.CanonicalPath(name)
	res := &UpsertResult{Path: canonical}

	readFrom := canonical
	if fileExists(canonical) {
		backup := s.BackupPath(name)
		if err := copyFile(canonical, backup); err != nil {
			s.logger.Warn("[store] Backup of %s failed, merging from the canonical file: %v", canonical, err)
		} else {
			res.BackupPath = backup
			readFrom = backup
			s.logger.Info("[store] Backed up %s -> %s", filepath.Base(canonical), filepath.Base(backup))
		}
	}

	prior, err := readTable(readFrom)
	switch {
	case errors.Is(err, os.ErrNotExist):
		prior = &Table{}
	case err != nil:
		s.logger.Error("[store] Prior %s unreadable, merging as first run: %v", readFrom, err)
		prior = &Table{}
	}

	merged := &Table{Columns: lo.Uniq(append(append([]string(nil), prior.Columns...), batchColumns(batch)...))}
	for _, k := range naturalKey {
		if !lo.Contains(merged.Columns, k) {
			return nil, &MergeError{Table: name, Op: "key", Cause: fmt.Errorf("natural key column %q missing from %v", k, merged.Columns)}
		}
	}

	merged.Rows = make([][]string, 0, len(prior.Rows)+batch.Len())
	for _, row := range prior.Rows {
		merged.Rows = append(merged.Rows, realign(prior.Columns, row, merged.Columns))
	}
	for _, r := range batch.Rows {
		row := make([]string, len(merged.Columns))
		for i, col := range merged.Columns {
			row[i] = models.FormatValue(r[col])
		}
		merged.Rows = append(merged.Rows, row)
	}

	merged.Rows = dedupeLast(merged, naturalKey)
	sortForReadability(merged)

	if err := s.writeAtomic(canonical, merged); err != nil {
		return nil, &MergeError{Table: name, Op: "write", Cause: err}
	}

	res.RowsWritten = batch.Len()
	res.TotalRows = len(merged.Rows)
	res.Table = merged
	s.logger.Info("[store] Saved %s (%d new rows, %d total)", filepath.Base(canonical), res.RowsWritten, res.TotalRows)
	return res, nil
}

// EnsurePlaceholder writes a header-only canonical file unless one already exists.
// It reports whether a placeholder was written.
func (s *CSVStore) EnsurePlaceholder(name string, columns []string) (bool, error) {
	canonical := s.CanonicalPath(name)
	if fileExists(canonical) {
		return false, nil
	}
	if err := s.writeAtomic(canonical, &Table{Columns: columns}); err != nil {
		return false, &MergeError{Table: name, Op: "placeholder", Cause: err}
	}
	s.logger.Warn("[store] Wrote empty placeholder %s", filepath.Base(canonical))
	return true, nil
}

func (s *CSVStore) writeAtomic(path string, t *Table) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("csv: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if err := writeTable(tmp, t); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("csv: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("csv: close: %w", err)
	}
	if err := s.rename(tmpPath, path); err != nil {
		return fmt.Errorf("csv: replace %q: %w", path, err)
	}
	return nil
}

func writeTable(w io.Writer, t *Table) error {
	bw := bufio.NewWriter(w)
	cw := csv.NewWriter(bw)
	if err := cw.Write(t.Columns); err != nil {
		return fmt.Errorf("csv: write header: %w", err)
	}
	if err := cw.WriteAll(t.Rows); err != nil {
		return fmt.Errorf("csv: write rows: %w", err)
	}
	return bw.Flush()
}

func readTable(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	if bom, _ := br.Peek(3); len(bom) == 3 && bom[0] == 0xEF && bom[1] == 0xBB && bom[2] == 0xBF {
		_, _ = br.Discard(3)
	}
	r := csv.NewReader(br)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err == io.EOF {
		return &Table{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("csv: read header of %q: %w", path, err)
	}

	t := &Table{Columns: header}
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("csv: read %q: %w", path, err)
		}
		t.Rows = append(t.Rows, realign(header, rec, header))
	}
	return t, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	return out.Close()
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func batchColumns(b *models.ReportBatch) []string {
	if b == nil {
		return nil
	}
	return b.Columns
}

// realign maps a row laid out by from onto the column order to, padding with "".
func realign(from, row, to []string) []string {
	out := make([]string, len(to))
	for i, col := range to {
		if j := lo.IndexOf(from, col); j >= 0 && j < len(row) {
			out[i] = row[j]
		}
	}
	return out
}

// dedupeLast keeps the last row for every natural key, preserving the order of the survivors.
func dedupeLast(t *Table, naturalKey []string) [][]string {
	idx := lo.Map(naturalKey, func(k string, _ int) int { return t.Index(k) })
	seen := utils.NewKeySet()

	kept := make([][]string, 0, len(t.Rows))
	for i := len(t.Rows) - 1; i >= 0; i-- {
		row := t.Rows[i]
		parts := lo.Map(idx, func(j int, _ int) string { return row[j] })
		if seen.Add(strings.Join(parts, keySep)) {
			kept = append(kept, row)
		}
	}
	return lo.Reverse(kept)
}

// sortForReadability orders by the day/date column ascending, else by views descending.
func sortForReadability(t *Table) {
	for _, col := range []string{"day", "date"} {
		if i := t.Index(col); i >= 0 {
			sort.SliceStable(t.Rows, func(a, b int) bool { return t.Rows[a][i] < t.Rows[b][i] })
			return
		}
	}
	if i := t.Index("views"); i >= 0 {
		sort.SliceStable(t.Rows, func(a, b int) bool {
			return numericOrMin(t.Rows[a][i]) > numericOrMin(t.Rows[b][i])
		})
	}
}

func numericOrMin(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return -1 << 62
	}
	return f
}
