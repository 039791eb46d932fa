// Package store defines storage interfaces for historical market data and
// completed backtest runs, with Parquet and SQLite implementations.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"symphony/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// BarStore persists and retrieves OHLCV bar data.
type BarStore interface {
	// WriteBars persists a batch of bars to storage under the given market.
	WriteBars(ctx context.Context, market string, bars []domain.Bar) error

	// ReadBars returns bars for the given symbol and market within [start, end],
	// ordered by timestamp.
	ReadBars(ctx context.Context, symbol string, market string, start, end time.Time) ([]domain.Bar, error)

	// ListSymbols returns all distinct symbols available in the given market.
	ListSymbols(ctx context.Context, market string) ([]string, error)
}

// RunStore persists and retrieves completed backtest runs.
type RunStore interface {
	// SaveRun inserts a run together with its trades, curves and errors.
	SaveRun(ctx context.Context, run *RunRecord) error

	// GetRun retrieves a run by ID, including its trades, curves and errors.
	GetRun(ctx context.Context, id string) (*RunRecord, error)

	// ListRuns returns the most recent runs (without detail rows), up to limit.
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)
}

// RunRecord is the persisted form of one backtest run. Summary holds the
// JSON-encoded result mapping.
type RunRecord struct {
	ID        string
	Strategy  string
	Start     time.Time
	End       time.Time
	CreatedAt time.Time
	Summary   json.RawMessage
	Trades    []domain.Trade
	Equity    []domain.EquityPoint
	Benchmark []domain.EquityPoint
	Errors    []DayErrorRecord
}

// DayErrorRecord is one recorded per-day failure.
type DayErrorRecord struct {
	Date     time.Time
	Strategy string
	Message  string
}
