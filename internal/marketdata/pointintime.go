package marketdata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"symphony/internal/domain"
)

// ErrNonMonotonicAsOf is returned when SetAsOf would move the simulation
// date backwards.
var ErrNonMonotonicAsOf = errors.New("as-of date moved backwards")

// LookAheadBiasError reports a request for data dated after the current
// simulation date. It is never recoverable within a backtest.
type LookAheadBiasError struct {
	Symbol    string
	Requested time.Time
	AsOf      time.Time
}

func (e *LookAheadBiasError) Error() string {
	return fmt.Sprintf("look-ahead bias: %s close requested for %s but as-of date is %s",
		e.Symbol, e.Requested.Format("2006-01-02"), e.AsOf.Format("2006-01-02"))
}

// HistoryReader loads the full stored daily history of a symbol, oldest
// first. A symbol without data yields an empty slice and no error.
type HistoryReader interface {
	History(ctx context.Context, symbol, market string) ([]domain.Bar, error)
}

// Compile-time interface check.
var _ Port = (*PointInTime)(nil)

// PointInTime serves daily bars as they were known at a simulation date.
// Each symbol's history is loaded from the reader once and cached; every
// read is then filtered to bars dated on or before the as-of date.
//
// Daily bars are identified by the UTC calendar date of their timestamp;
// the as-of date is compared by its calendar date in its own location.
//
// A PointInTime belongs to one backtest run and must not be shared across
// concurrently running backtests.
type PointInTime struct {
	src    HistoryReader
	market domain.Market
	log    *slog.Logger

	mu    sync.Mutex
	asOf  time.Time
	bars  map[string][]domain.Bar
	loads int
}

// NewPointInTime creates an adapter reading market history from src with
// the simulation date set to asOf.
func NewPointInTime(src HistoryReader, market domain.Market, asOf time.Time) *PointInTime {
	return &PointInTime{
		src:    src,
		market: market,
		asOf:   asOf,
		bars:   make(map[string][]domain.Bar),
		log:    slog.Default().With("component", "pit-marketdata", "market", string(market)),
	}
}

// SetAsOf moves the simulation date. Dates may repeat but never move
// backwards.
func (p *PointInTime) SetAsOf(t time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if civilDay(t) < civilDay(p.asOf) {
		return fmt.Errorf("%w: %s before %s", ErrNonMonotonicAsOf,
			t.Format("2006-01-02"), p.asOf.Format("2006-01-02"))
	}
	p.asOf = t
	return nil
}

// AsOf returns the current simulation date.
func (p *PointInTime) AsOf() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.asOf
}

// Loads returns how many symbol histories were read from the underlying
// reader.
func (p *PointInTime) Loads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loads
}

// GetBars returns visible daily bars within period of the as-of date.
func (p *PointInTime) GetBars(ctx context.Context, symbol, period string, tf domain.Timeframe) ([]domain.Bar, error) {
	if tf != "" && tf != domain.TimeframeDay {
		return nil, fmt.Errorf("point-in-time data only serves %s bars, got %s", domain.TimeframeDay, tf)
	}
	per, err := ParsePeriod(period)
	if err != nil {
		return nil, err
	}
	visible, asOf, err := p.visible(ctx, symbol, time.Time{})
	if err != nil {
		return nil, err
	}
	if per.IsZero() {
		return visible, nil
	}
	from := civilDay(per.Start(asOf))
	i := sort.Search(len(visible), func(i int) bool { return barDay(visible[i]) > from })
	return visible[i:], nil
}

// GetLatestQuote synthesizes a quote from the last visible close.
func (p *PointInTime) GetLatestQuote(ctx context.Context, symbol string) (*domain.Quote, error) {
	visible, _, err := p.visible(ctx, symbol, time.Time{})
	if err != nil || len(visible) == 0 {
		return nil, err
	}
	last := visible[len(visible)-1]
	return &domain.Quote{
		Symbol:    last.Symbol,
		Timestamp: last.Timestamp,
		BidPrice:  last.Close,
		AskPrice:  last.Close,
	}, nil
}

// GetCurrentPrice returns the last close on or before the as-of date.
func (p *PointInTime) GetCurrentPrice(ctx context.Context, symbol string) (float64, bool, error) {
	visible, _, err := p.visible(ctx, symbol, time.Time{})
	if err != nil || len(visible) == 0 {
		return 0, false, err
	}
	return visible[len(visible)-1].Close, true, nil
}

// GetClosePriceOn returns the last close on or before date. A date after
// the as-of date is a *LookAheadBiasError.
func (p *PointInTime) GetClosePriceOn(ctx context.Context, symbol string, date time.Time) (float64, bool, error) {
	visible, _, err := p.visible(ctx, symbol, date)
	if err != nil || len(visible) == 0 {
		return 0, false, err
	}
	return visible[len(visible)-1].Close, true, nil
}

// visible returns the cached history of symbol cut at the as-of date, or
// at upTo when it is set and not later than the as-of date.
func (p *PointInTime) visible(ctx context.Context, symbol string, upTo time.Time) ([]domain.Bar, time.Time, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	p.mu.Lock()
	asOf := p.asOf
	hist, cached := p.bars[symbol]
	p.mu.Unlock()

	cut := civilDay(asOf)
	if !upTo.IsZero() {
		if civilDay(upTo) > cut {
			return nil, asOf, &LookAheadBiasError{Symbol: symbol, Requested: upTo, AsOf: asOf}
		}
		cut = civilDay(upTo)
	}

	if !cached {
		loaded, err := p.src.History(ctx, symbol, string(p.market))
		if err != nil {
			return nil, asOf, fmt.Errorf("loading history for %s: %w", symbol, err)
		}
		sort.SliceStable(loaded, func(i, j int) bool { return loaded[i].Timestamp.Before(loaded[j].Timestamp) })
		p.mu.Lock()
		if existing, ok := p.bars[symbol]; ok {
			loaded = existing
		} else {
			p.bars[symbol] = loaded
			p.loads++
			p.log.Debug("loaded history", "symbol", symbol, "bars", len(loaded))
		}
		p.mu.Unlock()
		hist = loaded
	}

	n := sort.Search(len(hist), func(i int) bool { return barDay(hist[i]) > cut })
	return hist[:n:n], asOf, nil
}

// civilDay encodes t's calendar date in its own location as YYYYMMDD.
func civilDay(t time.Time) int {
	y, m, d := t.Date()
	return y*10000 + int(m)*100 + d
}

func barDay(b domain.Bar) int {
	return civilDay(b.Timestamp.UTC())
}
