package performance

import (
	"math"
	"testing"
	"time"

	"symphony/internal/domain"
)

func curveOf(values ...float64) []domain.EquityPoint {
	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	out := make([]domain.EquityPoint, len(values))
	for i, v := range values {
		out[i] = domain.EquityPoint{Date: start.AddDate(0, 0, i), Value: v}
	}
	return out
}

func TestFlatCurve(t *testing.T) {
	m := Calculate(curveOf(100, 100, 100, 100), nil, 0.02)
	if m.TotalReturn != 0 || m.MaxDrawdown != 0 {
		t.Errorf("flat curve: total %v, drawdown %v; want 0, 0", m.TotalReturn, m.MaxDrawdown)
	}
	if m != Empty(0) {
		t.Errorf("flat curve = %+v, want Empty", m)
	}
}

func TestShortCurve(t *testing.T) {
	trades := []domain.Trade{{Symbol: "A", Side: domain.SideBuy, Shares: 1, Price: 1}}
	m := Calculate(curveOf(100), trades, 0)
	if m != Empty(1) {
		t.Errorf("single point = %+v, want Empty(1)", m)
	}
}

func TestLinearRiseOverOneYear(t *testing.T) {
	values := make([]float64, TradingDaysPerYear+1)
	for i := range values {
		values[i] = 100 + 10*float64(i)/TradingDaysPerYear
	}
	m := Calculate(curveOf(values...), nil, 0)
	if m.TotalReturn <= 0.09 || m.TotalReturn >= 0.11 {
		t.Errorf("total return = %v, want in (0.09, 0.11)", m.TotalReturn)
	}
	if math.Abs(m.CAGR-m.TotalReturn) > 1e-9 {
		t.Errorf("CAGR over exactly one year = %v, want %v", m.CAGR, m.TotalReturn)
	}
	if m.MaxDrawdown != 0 || m.MaxDrawdownDuration != 0 {
		t.Errorf("drawdown = %v/%d, want 0", m.MaxDrawdown, m.MaxDrawdownDuration)
	}
	if m.Sharpe <= 0 {
		t.Errorf("Sharpe = %v, want positive", m.Sharpe)
	}
	if m.WinRate != 1 {
		t.Errorf("daily win rate = %v, want 1", m.WinRate)
	}
}

func TestDrawdownAndRecovery(t *testing.T) {
	m := Calculate(curveOf(100, 110, 120, 96, 105, 110), nil, 0)
	if m.MaxDrawdown <= 0.15 || m.MaxDrawdown >= 0.25 {
		t.Errorf("max drawdown = %v, want in (0.15, 0.25)", m.MaxDrawdown)
	}
	if math.Abs(m.MaxDrawdown-0.2) > 1e-12 {
		t.Errorf("max drawdown = %v, want 0.2", m.MaxDrawdown)
	}
	if m.MaxDrawdownDuration != 3 {
		t.Errorf("duration = %d, want 3", m.MaxDrawdownDuration)
	}
	if m.Calmar == 0 || m.Sortino == 0 {
		t.Errorf("Calmar %v, Sortino %v; want non-zero", m.Calmar, m.Sortino)
	}
}

func TestDrawdownDurationEndsAtRecovery(t *testing.T) {
	_, d := maxDrawdown([]float64{100, 80, 90, 100, 95, 101})
	if d != 2 {
		t.Errorf("duration = %d, want 2", d)
	}
}

func TestRealizedTradeStats(t *testing.T) {
	d := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	trades := []domain.Trade{
		{Date: d, Symbol: "A", Side: domain.SideBuy, Shares: 10, Price: 100},
		{Date: d, Symbol: "A", Side: domain.SideSell, Shares: 5, Price: 110},  // +50
		{Date: d, Symbol: "A", Side: domain.SideSell, Shares: 5, Price: 90},   // -50
		{Date: d, Symbol: "B", Side: domain.SideBuy, Shares: 1, Price: 10},
		{Date: d, Symbol: "B", Side: domain.SideSell, Shares: 1, Price: 160}, // +150
	}
	m := Calculate(curveOf(100, 101, 99, 102), trades, 0)
	if math.Abs(m.WinRate-2.0/3) > 1e-12 {
		t.Errorf("win rate = %v, want 2/3", m.WinRate)
	}
	if math.Abs(m.ProfitFactor-4) > 1e-12 {
		t.Errorf("profit factor = %v, want 4", m.ProfitFactor)
	}
	if m.TotalTrades != 5 {
		t.Errorf("total trades = %d, want 5", m.TotalTrades)
	}
}

func TestMetricsAlwaysFinite(t *testing.T) {
	m := Calculate(curveOf(100, 0.0001, 50, 0.0001), nil, 0)
	for name, v := range map[string]float64{
		"total": m.TotalReturn, "cagr": m.CAGR, "vol": m.Volatility, "sharpe": m.Sharpe,
		"sortino": m.Sortino, "mdd": m.MaxDrawdown, "calmar": m.Calmar, "pf": m.ProfitFactor,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Errorf("%s = %v, want finite", name, v)
		}
	}
}
