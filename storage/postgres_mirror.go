package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

const pgBatchSize = 50

// PostgresMirror copies every merged canonical table into a single report_rows table,
// one JSON document per natural key. The CSV file stays the source of truth.
type PostgresMirror struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresMirror opens a connection to PostgreSQL, runs schema migrations,
// and returns a ready-to-use mirror.
func NewPostgresMirror(ctx context.Context, dsn string) (*PostgresMirror, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	for i := 0; i < 5; i++ {
		if err = db.PingContext(ctx); err == nil {
			break
		}
		select {
		case <-ctx.Done():
			db.Close()
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping failed after retries: %w", err)
	}

	pm := &PostgresMirror{db: db, now: time.Now}
	if err := pm.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	return pm, nil
}

func (pm *PostgresMirror) migrate(ctx context.Context) error {
	_, err := pm.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS report_rows (
			report       TEXT        NOT NULL,
			natural_key  TEXT        NOT NULL,
			row          JSONB       NOT NULL,
			refreshed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (report, natural_key)
		);

		CREATE INDEX IF NOT EXISTS idx_report_rows_refreshed ON report_rows(report, refreshed_at);
	`)
	return err
}

func (pm *PostgresMirror) Name() string { return "postgres" }

// Publish upserts every row of the merged table. Rows are keyed by their joined natural key
// so repeated runs overwrite in place, matching the canonical file.
func (pm *PostgresMirror) Publish(ctx context.Context, name string, res *UpsertResult, naturalKey []string) error {
	if res == nil || res.Table == nil || len(res.Table.Rows) == 0 {
		return nil
	}

	records, err := tableRecords(name, res.Table, naturalKey)
	if err != nil {
		return fmt.Errorf("postgres: encode %s: %w", name, err)
	}

	tx, err := pm.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback()

	refreshed := pm.now().UTC()
	for i := 0; i < len(records); i += pgBatchSize {
		end := min(i+pgBatchSize, len(records))
		query, args := upsertStatement(records[i:end], refreshed)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("postgres: upsert %s: %w", name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

func (pm *PostgresMirror) Close() error {
	return pm.db.Close()
}

type pgRecord struct {
	report string
	key    string
	row    []byte
}

func tableRecords(report string, t *Table, naturalKey []string) ([]pgRecord, error) {
	idx := make([]int, len(naturalKey))
	for i, k := range naturalKey {
		if idx[i] = t.Index(k); idx[i] < 0 {
			return nil, fmt.Errorf("natural key column %q not in table", k)
		}
	}

	out := make([]pgRecord, 0, len(t.Rows))
	for _, r := range t.Rows {
		doc := make(map[string]string, len(t.Columns))
		for i, col := range t.Columns {
			doc[col] = r[i]
		}
		b, err := json.Marshal(doc)
		if err != nil {
			return nil, err
		}
		parts := make([]string, len(idx))
		for i, j := range idx {
			parts[i] = r[j]
		}
		out = append(out, pgRecord{report: report, key: strings.Join(parts, keySep), row: b})
	}
	return out, nil
}

func upsertStatement(batch []pgRecord, refreshed time.Time) (string, []interface{}) {
	valueStrings := make([]string, 0, len(batch))
	valueArgs := make([]interface{}, 0, len(batch)*4)

	for idx, rec := range batch {
		base := idx * 4
		valueStrings = append(valueStrings,
			fmt.Sprintf("($%d,$%d,$%d,$%d)", base+1, base+2, base+3, base+4))
		valueArgs = append(valueArgs, rec.report, rec.key, string(rec.row), refreshed)
	}

	query := fmt.Sprintf(`
		INSERT INTO report_rows (report, natural_key, row, refreshed_at)
		VALUES %s
		ON CONFLICT (report, natural_key) DO UPDATE
		SET row = EXCLUDED.row, refreshed_at = EXCLUDED.refreshed_at
	`, strings.Join(valueStrings, ","))
	return query, valueArgs
}
