package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"yta-ingest/models"
)

// Ledger records every run and per-report outcome in a local SQLite database.
type Ledger struct {
	db *sql.DB
}

// LedgerEntry is one recorded report outcome.
type LedgerEntry struct {
	RunID       string
	Report      string
	WindowStart string
	WindowEnd   string
	RowsFetched int
	RowsWritten int
	TotalRows   int
	Placeholder bool
	Error       string
	RecordedAt  time.Time
}

func NewLedger(dbPath string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("ledger: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	l := &Ledger{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: migrate: %w", err)
	}
	return l, nil
}

func (l *Ledger) migrate() error {
	_, err := l.db.Exec(`
	CREATE TABLE IF NOT EXISTS runs (
		id          TEXT PRIMARY KEY,
		started_at  TEXT NOT NULL,
		finished_at TEXT,
		status      TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS report_runs (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id       TEXT NOT NULL REFERENCES runs(id),
		report       TEXT NOT NULL,
		window_start TEXT NOT NULL,
		window_end   TEXT NOT NULL,
		rows_fetched INTEGER NOT NULL DEFAULT 0,
		rows_written INTEGER NOT NULL DEFAULT 0,
		total_rows   INTEGER NOT NULL DEFAULT 0,
		placeholder  INTEGER NOT NULL DEFAULT 0,
		error        TEXT NOT NULL DEFAULT '',
		recorded_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_report_runs_report ON report_runs(report, recorded_at);
	`)
	return err
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

// StartRun inserts a run in the running state.
func (l *Ledger) StartRun(ctx context.Context, runID string, startedAt time.Time) error {
	_, err := l.db.ExecContext(ctx, `INSERT INTO runs (id, started_at, status) VALUES (?, ?, ?)`,
		runID, startedAt.UTC().Format(time.RFC3339Nano), "running")
	if err != nil {
		return fmt.Errorf("ledger: start run: %w", err)
	}
	return nil
}

// RecordReport appends the outcome of one report to a run.
func (l *Ledger) RecordReport(ctx context.Context, runID string, o models.ReportOutcome) error {
	errText := ""
	if o.Err != nil {
		errText = o.Err.Error()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO report_runs
			(run_id, report, window_start, window_end, rows_fetched, rows_written, total_rows, placeholder, error, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, o.ReportID, o.Window.Start.String(), o.Window.End.String(),
		o.RowsFetched, o.RowsWritten, o.TotalRows, o.Placeholder, errText,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("ledger: record %s: %w", o.ReportID, err)
	}
	return nil
}

// FinishRun closes a run, marking it partial when any report failed.
func (l *Ledger) FinishRun(ctx context.Context, summary *models.RunSummary) error {
	status := "ok"
	if summary.Failed() > 0 {
		status = "partial"
	}
	_, err := l.db.ExecContext(ctx, `UPDATE runs SET finished_at = ?, status = ? WHERE id = ?`,
		summary.FinishedAt.UTC().Format(time.RFC3339Nano), status, summary.RunID)
	if err != nil {
		return fmt.Errorf("ledger: finish run: %w", err)
	}
	return nil
}

// runStatus returns the stored status of a run.
func (l *Ledger) runStatus(ctx context.Context, runID string) (string, error) {
	var status string
	err := l.db.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ?`, runID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("ledger: run %s not found", runID)
	}
	return status, err
}

// entries lists the outcomes recorded for a run in insertion order.
func (l *Ledger) entries(ctx context.Context, runID string) ([]LedgerEntry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT run_id, report, window_start, window_end, rows_fetched, rows_written,
		       total_rows, placeholder, error, recorded_at
		FROM report_runs WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("ledger: query entries: %w", err)
	}
	defer rows.Close()

	var out []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		var recorded string
		if err := rows.Scan(&e.RunID, &e.Report, &e.WindowStart, &e.WindowEnd, &e.RowsFetched,
			&e.RowsWritten, &e.TotalRows, &e.Placeholder, &e.Error, &recorded); err != nil {
			return nil, fmt.Errorf("ledger: scan entry: %w", err)
		}
		e.RecordedAt, _ = time.Parse(time.RFC3339Nano, recorded)
		out = append(out, e)
	}
	return out, rows.Err()
}

// LastSuccess returns the most recent successful window end for a report, if any.
func (l *Ledger) LastSuccess(ctx context.Context, report string) (string, bool, error) {
	var end string
	err := l.db.QueryRowContext(ctx, `
		SELECT window_end FROM report_runs
		WHERE report = ? AND error = ''
		ORDER BY id DESC LIMIT 1`, report).Scan(&end)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("ledger: last success: %w", err)
	}
	return end, true, nil
}
