// Package marketdata defines the narrow market data interface strategies
// are evaluated against, with a point-in-time implementation for
// backtests and an Alpaca-backed implementation for live evaluation.
package marketdata

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"symphony/internal/domain"
)

// Port supplies price history and current prices for a symbol.
//
// Implementations return an empty result, not an error, when a symbol has
// no data.
type Port interface {
	// GetBars returns bars ordered oldest first covering period (see
	// ParsePeriod) up to the source's notion of "now".
	GetBars(ctx context.Context, symbol, period string, tf domain.Timeframe) ([]domain.Bar, error)
	// GetLatestQuote returns nil when no quote is available.
	GetLatestQuote(ctx context.Context, symbol string) (*domain.Quote, error)
	// GetCurrentPrice returns ok=false when no price is available.
	GetCurrentPrice(ctx context.Context, symbol string) (price float64, ok bool, err error)
}

// Period is a calendar lookback such as "6mo". The zero Period means the
// full history.
type Period struct {
	Years  int
	Months int
	Days   int
}

// ParsePeriod parses "<n>d", "<n>w", "<n>mo", "<n>y" or "max".
func ParsePeriod(s string) (Period, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "max" {
		return Period{}, nil
	}
	units := []struct {
		suffix string
		apply  func(n int) Period
	}{
		{"mo", func(n int) Period { return Period{Months: n} }},
		{"d", func(n int) Period { return Period{Days: n} }},
		{"w", func(n int) Period { return Period{Days: 7 * n} }},
		{"y", func(n int) Period { return Period{Years: n} }},
	}
	for _, u := range units {
		num, found := strings.CutSuffix(s, u.suffix)
		if !found {
			continue
		}
		n, err := strconv.Atoi(num)
		if err != nil || n <= 0 {
			return Period{}, fmt.Errorf("invalid period %q", s)
		}
		return u.apply(n), nil
	}
	return Period{}, fmt.Errorf("invalid period %q: want <n>d, <n>w, <n>mo, <n>y or max", s)
}

// IsZero reports whether p covers the full history.
func (p Period) IsZero() bool { return p == Period{} }

// Start returns the first instant covered by p when the period ends at end.
func (p Period) Start(end time.Time) time.Time {
	if p.IsZero() {
		return time.Time{}
	}
	return end.AddDate(-p.Years, -p.Months, -p.Days)
}

// String renders p. Single-unit periods round-trip through ParsePeriod.
func (p Period) String() string {
	switch {
	case p.IsZero():
		return "max"
	case p.Months == 0 && p.Days == 0:
		return strconv.Itoa(p.Years) + "y"
	case p.Years == 0 && p.Days == 0:
		return strconv.Itoa(p.Months) + "mo"
	case p.Years == 0 && p.Months == 0:
		return strconv.Itoa(p.Days) + "d"
	}
	return fmt.Sprintf("%dy%dmo%dd", p.Years, p.Months, p.Days)
}

// PeriodForBars returns a period long enough to hold n daily bars. A year
// has about 252 sessions in 365 days, so n sessions span at most 3n/2
// calendar days plus slack for holiday clusters.
func PeriodForBars(n int) string {
	if n < 1 {
		n = 1
	}
	days := n*3/2 + 20
	return strconv.Itoa(days) + "d"
}

// Closes extracts the close series from bars.
func Closes(bars []domain.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}
