package marketdata

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"symphony/internal/domain"
	"symphony/internal/store"
	"symphony/internal/util"
)

type memHistory struct {
	bars  map[string][]domain.Bar
	calls int
}

func (m *memHistory) History(_ context.Context, symbol, _ string) ([]domain.Bar, error) {
	m.calls++
	return m.bars[symbol], nil
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func dailyBars(symbol string, start time.Time, closes ...float64) []domain.Bar {
	bars := make([]domain.Bar, len(closes))
	for i, c := range closes {
		bars[i] = domain.Bar{Symbol: symbol, Timestamp: start.AddDate(0, 0, i), Close: c}
	}
	return bars
}

func TestParsePeriod(t *testing.T) {
	tests := []struct {
		in   string
		want Period
	}{
		{"1y", Period{Years: 1}},
		{"6mo", Period{Months: 6}},
		{"30d", Period{Days: 30}},
		{"2w", Period{Days: 14}},
		{"max", Period{}},
		{"", Period{}},
	}
	for _, tt := range tests {
		got, err := ParsePeriod(tt.in)
		if err != nil {
			t.Fatalf("ParsePeriod(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParsePeriod(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
	for _, bad := range []string{"1", "0d", "-3d", "5x", "mo"} {
		if _, err := ParsePeriod(bad); err == nil {
			t.Errorf("ParsePeriod(%q) succeeded, want error", bad)
		}
	}
}

func TestPointInTimeFiltersToAsOf(t *testing.T) {
	src := &memHistory{bars: map[string][]domain.Bar{
		"SPY": dailyBars("SPY", day(2024, 1, 1), 100, 101, 102, 103, 104),
	}}
	p := NewPointInTime(src, domain.MarketUS, day(2024, 1, 3))
	ctx := context.Background()

	bars, err := p.GetBars(ctx, "spy", "max", domain.TimeframeDay)
	if err != nil {
		t.Fatalf("GetBars: %v", err)
	}
	if len(bars) != 3 || bars[2].Close != 102 {
		t.Fatalf("visible bars = %d (last %v), want 3 ending at 102", len(bars), bars[len(bars)-1].Close)
	}

	price, ok, err := p.GetCurrentPrice(ctx, "SPY")
	if err != nil || !ok || price != 102 {
		t.Errorf("GetCurrentPrice = %v, %v, %v; want 102, true, nil", price, ok, err)
	}

	if err := p.SetAsOf(day(2024, 1, 5)); err != nil {
		t.Fatalf("SetAsOf: %v", err)
	}
	price, _, _ = p.GetCurrentPrice(ctx, "SPY")
	if price != 104 {
		t.Errorf("price after SetAsOf = %v, want 104", price)
	}
	if src.calls != 1 || p.Loads() != 1 {
		t.Errorf("history loaded %d times (Loads %d), want 1", src.calls, p.Loads())
	}
}

func TestPointInTimeAsOfInLocalZone(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	src := &memHistory{bars: map[string][]domain.Bar{
		"SPY": dailyBars("SPY", day(2024, 1, 1), 100, 101, 102),
	}}
	// midnight New York on Jan 2 is 05:00 UTC Jan 2: Jan 2 bar is visible, Jan 3 is not
	p := NewPointInTime(src, domain.MarketUS, time.Date(2024, 1, 2, 0, 0, 0, 0, ny))
	price, _, _ := p.GetCurrentPrice(context.Background(), "SPY")
	if price != 101 {
		t.Errorf("price = %v, want 101", price)
	}
}

func TestPointInTimeGetBarsPeriod(t *testing.T) {
	src := &memHistory{bars: map[string][]domain.Bar{
		"SPY": dailyBars("SPY", day(2024, 1, 1), 1, 2, 3, 4, 5, 6, 7, 8, 9, 10),
	}}
	p := NewPointInTime(src, domain.MarketUS, day(2024, 1, 10))
	bars, err := p.GetBars(context.Background(), "SPY", "3d", domain.TimeframeDay)
	if err != nil {
		t.Fatalf("GetBars: %v", err)
	}
	if len(bars) != 3 || bars[0].Close != 8 {
		t.Errorf("bars = %d starting at %v, want 3 starting at 8", len(bars), bars[0].Close)
	}
	if _, err := p.GetBars(context.Background(), "SPY", "3d", domain.TimeframeHour); err == nil {
		t.Error("GetBars with hourly timeframe succeeded, want error")
	}
}

func TestGetClosePriceOnLookAhead(t *testing.T) {
	src := &memHistory{bars: map[string][]domain.Bar{
		"SPY": dailyBars("SPY", day(2024, 1, 1), 100, 101, 102, 103, 104),
		"QQQ": dailyBars("QQQ", day(2024, 1, 1), 200, 201, 202, 203, 204),
	}}
	asOf := day(2024, 1, 3)
	p := NewPointInTime(src, domain.MarketUS, asOf)
	ctx := context.Background()

	for _, sym := range []string{"SPY", "QQQ", "MISSING"} {
		for offset := 1; offset <= 30; offset++ {
			date := asOf.AddDate(0, 0, offset)
			_, _, err := p.GetClosePriceOn(ctx, sym, date)
			var lab *LookAheadBiasError
			if !errors.As(err, &lab) {
				t.Fatalf("GetClosePriceOn(%s, %s) err = %v, want LookAheadBiasError", sym, date.Format("2006-01-02"), err)
			}
			if !lab.Requested.Equal(date) || !lab.AsOf.Equal(asOf) {
				t.Errorf("error dates = %s/%s, want %s/%s", lab.Requested, lab.AsOf, date, asOf)
			}
		}
	}

	price, ok, err := p.GetClosePriceOn(ctx, "SPY", day(2024, 1, 2))
	if err != nil || !ok || price != 101 {
		t.Errorf("GetClosePriceOn(past) = %v, %v, %v; want 101", price, ok, err)
	}
	price, ok, err = p.GetClosePriceOn(ctx, "SPY", asOf)
	if err != nil || !ok || price != 102 {
		t.Errorf("GetClosePriceOn(as-of) = %v, %v, %v; want 102", price, ok, err)
	}
}

func TestPointInTimeMissingSymbol(t *testing.T) {
	p := NewPointInTime(&memHistory{}, domain.MarketUS, day(2024, 1, 3))
	ctx := context.Background()
	bars, err := p.GetBars(ctx, "NOPE", "1y", domain.TimeframeDay)
	if err != nil || len(bars) != 0 {
		t.Errorf("GetBars = %d bars, %v; want empty, nil", len(bars), err)
	}
	q, err := p.GetLatestQuote(ctx, "NOPE")
	if err != nil || q != nil {
		t.Errorf("GetLatestQuote = %v, %v; want nil, nil", q, err)
	}
	_, ok, err := p.GetClosePriceOn(ctx, "NOPE", day(2024, 1, 2))
	if err != nil || ok {
		t.Errorf("GetClosePriceOn = ok %v, %v; want false, nil", ok, err)
	}
}

func TestSetAsOfMonotonic(t *testing.T) {
	p := NewPointInTime(&memHistory{}, domain.MarketUS, day(2024, 1, 3))
	if err := p.SetAsOf(day(2024, 1, 3)); err != nil {
		t.Errorf("SetAsOf(same day): %v", err)
	}
	err := p.SetAsOf(day(2024, 1, 2))
	if !errors.Is(err, ErrNonMonotonicAsOf) {
		t.Errorf("SetAsOf(earlier) = %v, want ErrNonMonotonicAsOf", err)
	}
	if !p.AsOf().Equal(day(2024, 1, 3)) {
		t.Errorf("AsOf = %s, want unchanged", p.AsOf())
	}
}

func TestPointInTimeOverParquet(t *testing.T) {
	ps := store.NewParquetStore(t.TempDir())
	ctx := context.Background()
	bars := append(dailyBars("SPY", day(2023, 12, 28), 470, 475), dailyBars("SPY", day(2024, 1, 2), 472, 468)...)
	if err := ps.WriteBars(ctx, "us", bars); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}
	p := NewPointInTime(ps, domain.MarketUS, day(2024, 1, 2))
	got, err := p.GetBars(ctx, "SPY", "max", domain.TimeframeDay)
	if err != nil {
		t.Fatalf("GetBars: %v", err)
	}
	if len(got) != 3 || got[2].Close != 472 {
		t.Errorf("bars = %d (last %v), want 3 ending at 472", len(got), got[len(got)-1].Close)
	}
}

func TestPeriodForBarsCoversSessions(t *testing.T) {
	cal := util.NewTradingCalendar(domain.MarketUS, time.UTC)
	sessions := cal.TradingDays(day(2010, 1, 1), day(2025, 12, 31))

	for _, n := range []int{1, 5, 20, 60, 150, 200, 201, 252, 253, 500, 1260} {
		per, err := ParsePeriod(PeriodForBars(n))
		if err != nil {
			t.Fatalf("PeriodForBars(%d) = %q: %v", n, PeriodForBars(n), err)
		}
		for i := len(sessions) - 1; i >= 0 && sessions[i].Year() >= 2016; i -= 3 {
			end := sessions[i]
			from := per.Start(end)
			first := sort.Search(len(sessions), func(j int) bool { return sessions[j].After(from) })
			if got := i - first + 1; got < n {
				t.Fatalf("PeriodForBars(%d) ending %s holds %d sessions, want at least %d",
					n, end.Format(time.DateOnly), got, n)
			}
		}
	}
}
