package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"symphony/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ RunStore = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	strategy   TEXT NOT NULL,
	start_date TEXT NOT NULL,
	end_date   TEXT NOT NULL,
	created_at TEXT NOT NULL,
	summary    TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS trades (
	run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	seq        INTEGER NOT NULL,
	date       TEXT NOT NULL,
	symbol     TEXT NOT NULL,
	side       TEXT NOT NULL,
	shares     REAL NOT NULL,
	price      REAL NOT NULL,
	commission REAL NOT NULL,
	value      REAL NOT NULL,
	PRIMARY KEY (run_id, seq)
);
CREATE TABLE IF NOT EXISTS equity (
	run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	curve  TEXT NOT NULL,
	seq    INTEGER NOT NULL,
	date   TEXT NOT NULL,
	value  REAL NOT NULL,
	PRIMARY KEY (run_id, curve, seq)
);
CREATE TABLE IF NOT EXISTS day_errors (
	run_id   TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	seq      INTEGER NOT NULL,
	date     TEXT NOT NULL,
	strategy TEXT NOT NULL,
	message  TEXT NOT NULL,
	PRIMARY KEY (run_id, seq)
);
`

const (
	curveStrategy  = "strategy"
	curveBenchmark = "benchmark"
)

// SQLiteStore implements RunStore backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, creates the
// schema if needed, and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// SQLite serialises writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// RunStore implementation
// ---------------------------------------------------------------------------

// SaveRun inserts a run and all of its detail rows in one transaction.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *RunRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	createdAt := run.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	summary := string(run.Summary)
	if summary == "" {
		summary = "{}"
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, strategy, start_date, end_date, created_at, summary) VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.Strategy, formatTime(run.Start), formatTime(run.End), formatTime(createdAt), summary,
	); err != nil {
		return fmt.Errorf("inserting run %s: %w", run.ID, err)
	}

	for i, t := range run.Trades {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO trades (run_id, seq, date, symbol, side, shares, price, commission, value) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, i, formatTime(t.Date), t.Symbol, string(t.Side), t.Shares, t.Price, t.Commission, t.Value,
		); err != nil {
			return fmt.Errorf("inserting trade %d: %w", i, err)
		}
	}

	if err := insertCurve(ctx, tx, run.ID, curveStrategy, run.Equity); err != nil {
		return err
	}
	if err := insertCurve(ctx, tx, run.ID, curveBenchmark, run.Benchmark); err != nil {
		return err
	}

	for i, e := range run.Errors {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO day_errors (run_id, seq, date, strategy, message) VALUES (?, ?, ?, ?, ?)`,
			run.ID, i, formatTime(e.Date), e.Strategy, e.Message,
		); err != nil {
			return fmt.Errorf("inserting day error %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// GetRun retrieves a single run by its ID, including detail rows.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, strategy, start_date, end_date, created_at, summary FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if run.Trades, err = s.trades(ctx, id); err != nil {
		return nil, err
	}
	if run.Equity, err = s.curve(ctx, id, curveStrategy); err != nil {
		return nil, err
	}
	if run.Benchmark, err = s.curve(ctx, id, curveBenchmark); err != nil {
		return nil, err
	}
	if run.Errors, err = s.dayErrors(ctx, id); err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns the most recent runs, newest first, up to limit.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, strategy, start_date, end_date, created_at, summary FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(r rowScanner) (*RunRecord, error) {
	var (
		run                         RunRecord
		start, end, created, summary string
	)
	if err := r.Scan(&run.ID, &run.Strategy, &start, &end, &created, &summary); err != nil {
		return nil, err
	}
	var err error
	if run.Start, err = parseTime(start); err != nil {
		return nil, err
	}
	if run.End, err = parseTime(end); err != nil {
		return nil, err
	}
	if run.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	run.Summary = []byte(summary)
	return &run, nil
}

func insertCurve(ctx context.Context, tx *sql.Tx, runID, curve string, points []domain.EquityPoint) error {
	for i, p := range points {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO equity (run_id, curve, seq, date, value) VALUES (?, ?, ?, ?, ?)`,
			runID, curve, i, formatTime(p.Date), p.Value,
		); err != nil {
			return fmt.Errorf("inserting %s point %d: %w", curve, i, err)
		}
	}
	return nil
}

func (s *SQLiteStore) trades(ctx context.Context, runID string) ([]domain.Trade, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT date, symbol, side, shares, price, commission, value FROM trades WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Trade
	for rows.Next() {
		var (
			t          domain.Trade
			date, side string
		)
		if err := rows.Scan(&date, &t.Symbol, &side, &t.Shares, &t.Price, &t.Commission, &t.Value); err != nil {
			return nil, err
		}
		if t.Date, err = parseTime(date); err != nil {
			return nil, err
		}
		t.Side = domain.Side(side)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) curve(ctx context.Context, runID, curve string) ([]domain.EquityPoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT date, value FROM equity WHERE run_id = ? AND curve = ? ORDER BY seq`, runID, curve)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.EquityPoint
	for rows.Next() {
		var (
			p    domain.EquityPoint
			date string
		)
		if err := rows.Scan(&date, &p.Value); err != nil {
			return nil, err
		}
		if p.Date, err = parseTime(date); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) dayErrors(ctx context.Context, runID string) ([]DayErrorRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT date, strategy, message FROM day_errors WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DayErrorRecord
	for rows.Next() {
		var (
			e    DayErrorRecord
			date string
		)
		if err := rows.Scan(&date, &e.Strategy, &e.Message); err != nil {
			return nil, err
		}
		if e.Date, err = parseTime(date); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
