package util

import (
	"time"

	"symphony/internal/domain"
)

// TradingCalendar enumerates trading sessions for a specific market. US
// sessions skip weekends and the NYSE full-day holidays; other markets skip
// weekends only.
type TradingCalendar struct {
	market domain.Market
	loc    *time.Location
}

// NewTradingCalendar creates a TradingCalendar for the given market. Dates
// it returns are midnight in loc; a nil loc means UTC.
func NewTradingCalendar(market domain.Market, loc *time.Location) *TradingCalendar {
	if loc == nil {
		loc = time.UTC
	}
	return &TradingCalendar{
		market: market,
		loc:    loc,
	}
}

// Location returns the calendar's time zone.
func (tc *TradingCalendar) Location() *time.Location {
	return tc.loc
}

// IsTradingDay reports whether the calendar date of t (in the calendar's
// location) is a trading session.
func (tc *TradingCalendar) IsTradingDay(t time.Time) bool {
	d := tc.day(t)
	switch d.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	if tc.market == domain.MarketUS && isNYSEHoliday(d) {
		return false
	}
	return true
}

// TradingDays returns every trading day in [start, end], inclusive, in
// ascending order.
func (tc *TradingCalendar) TradingDays(start, end time.Time) []time.Time {
	first := tc.day(start)
	last := tc.day(end)
	var days []time.Time
	for d := first; !d.After(last); d = d.AddDate(0, 0, 1) {
		if tc.IsTradingDay(d) {
			days = append(days, d)
		}
	}
	return days
}

// NextTradingDay returns the first trading day strictly after t.
func (tc *TradingCalendar) NextTradingDay(t time.Time) time.Time {
	d := tc.day(t).AddDate(0, 0, 1)
	for !tc.IsTradingDay(d) {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

func (tc *TradingCalendar) day(t time.Time) time.Time {
	t = t.In(tc.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, tc.loc)
}

// ---------------------------------------------------------------------------
// NYSE holidays
// ---------------------------------------------------------------------------

func isNYSEHoliday(d time.Time) bool {
	y, m, day := d.Date()
	switch {
	case observed(d, y, time.January, 1):
		return true
	case m == time.January && d.Weekday() == time.Monday && day > 14 && day <= 21: // MLK day
		return true
	case m == time.February && d.Weekday() == time.Monday && day > 14 && day <= 21: // Presidents' day
		return true
	case sameDate(d, easter(y).AddDate(0, 0, -2)): // Good Friday
		return true
	case m == time.May && d.Weekday() == time.Monday && day > 24: // Memorial day
		return true
	case y >= 2022 && observed(d, y, time.June, 19):
		return true
	case observed(d, y, time.July, 4):
		return true
	case m == time.September && d.Weekday() == time.Monday && day <= 7: // Labor day
		return true
	case m == time.November && d.Weekday() == time.Thursday && day > 21 && day <= 28: // Thanksgiving
		return true
	case observed(d, y, time.December, 25):
		return true
	}
	return false
}

// observed reports whether d is the observed date of a fixed holiday:
// Saturday holidays move to Friday and Sunday holidays to Monday.
func observed(d time.Time, year int, month time.Month, day int) bool {
	h := time.Date(year, month, day, 0, 0, 0, 0, d.Location())
	switch h.Weekday() {
	case time.Saturday:
		h = h.AddDate(0, 0, -1)
	case time.Sunday:
		h = h.AddDate(0, 0, 1)
	}
	return sameDate(d, h)
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// easter returns Easter Sunday for year using the anonymous Gregorian
// algorithm.
func easter(year int) time.Time {
	a := year % 19
	b := year / 100
	c := year % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451
	month := (h + l - 7*m + 114) / 31
	day := (h+l-7*m+114)%31 + 1
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
}
