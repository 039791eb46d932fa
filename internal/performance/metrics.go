// Package performance derives return and risk statistics from an equity
// curve and trade log.
package performance

import (
	"math"

	"symphony/internal/domain"
	"symphony/internal/indicators"
)

// TradingDaysPerYear annualizes daily statistics.
const TradingDaysPerYear = 252

// Metrics summarizes a completed run. Every field is finite.
type Metrics struct {
	TotalReturn         float64 `json:"total_return"`
	CAGR                float64 `json:"cagr"`
	Volatility          float64 `json:"volatility"`
	Sharpe              float64 `json:"sharpe"`
	Sortino             float64 `json:"sortino"`
	MaxDrawdown         float64 `json:"max_drawdown"`
	MaxDrawdownDuration int     `json:"max_drawdown_duration"` // days below the prior peak
	WinRate             float64 `json:"win_rate"`
	ProfitFactor        float64 `json:"profit_factor"`
	Calmar              float64 `json:"calmar"`
	TotalTrades         int     `json:"total_trades"`
	TradingDays         int     `json:"trading_days"`
}

// Empty returns the metrics reported for a curve too short or too flat to
// measure: all statistics zero, trade count kept.
func Empty(totalTrades int) Metrics {
	return Metrics{TotalTrades: totalTrades}
}

// Calculate computes metrics for curve (ordered by date) and trades.
// riskFree is an annual rate. Curves with fewer than two points, a
// non-positive start, or zero return volatility yield Empty.
func Calculate(curve []domain.EquityPoint, trades []domain.Trade, riskFree float64) Metrics {
	if len(curve) < 2 || !(curve[0].Value > 0) {
		return Empty(len(trades))
	}
	values := make([]float64, len(curve))
	for i, p := range curve {
		values[i] = p.Value
	}
	returns := indicators.Returns(values)
	vol := indicators.StdDev(returns)
	if !(vol > 0) || math.IsInf(vol, 0) {
		return Empty(len(trades))
	}

	m := Metrics{TotalTrades: len(trades), TradingDays: len(curve)}
	start, end := values[0], values[len(values)-1]
	m.TotalReturn = end/start - 1

	years := float64(len(values)-1) / TradingDaysPerYear
	if end > 0 {
		m.CAGR = math.Pow(end/start, 1/years) - 1
	} else {
		m.CAGR = -1
	}

	annual := math.Sqrt(TradingDaysPerYear)
	dailyRF := riskFree / TradingDaysPerYear
	excess := indicators.Mean(returns) - dailyRF
	m.Volatility = vol * annual
	m.Sharpe = excess / vol * annual
	if dd := downsideDeviation(returns, dailyRF); dd > 0 {
		m.Sortino = excess / dd * annual
	}

	m.MaxDrawdown, m.MaxDrawdownDuration = maxDrawdown(values)
	if m.MaxDrawdown > 0 {
		m.Calmar = m.CAGR / m.MaxDrawdown
	}

	if wins, losses, profit, loss, ok := realized(trades); ok {
		m.WinRate = float64(wins) / float64(wins+losses)
		if loss > 0 {
			m.ProfitFactor = profit / loss
		}
	} else {
		m.WinRate, m.ProfitFactor = dailyWinStats(returns)
	}
	return sanitize(m)
}

func downsideDeviation(returns []float64, target float64) float64 {
	sum := 0.0
	for _, r := range returns {
		if d := r - target; d < 0 {
			sum += d * d
		}
	}
	return math.Sqrt(sum / float64(len(returns)))
}

// maxDrawdown returns the largest peak-to-trough decline and the number of
// days the curve stayed below the peak that preceded it.
func maxDrawdown(values []float64) (float64, int) {
	peak, peakIdx := values[0], 0
	worst, worstPeak, duration := 0.0, -1, 0
	for i, v := range values {
		if v >= peak {
			peak, peakIdx = v, i
			continue
		}
		dd := (peak - v) / peak
		if dd > worst {
			worst, worstPeak = dd, peakIdx
		}
		if peakIdx == worstPeak {
			duration = i - peakIdx
		}
	}
	return worst, duration
}

// realized replays trades with average-cost accounting and classifies each
// sell by its realized P&L net of commissions. ok is false without sells.
func realized(trades []domain.Trade) (wins, losses int, profit, loss float64, ok bool) {
	type lot struct{ shares, basis float64 }
	book := make(map[string]lot)
	for _, t := range trades {
		l := book[t.Symbol]
		switch t.Side {
		case domain.SideBuy:
			total := l.shares + t.Shares
			if total > 0 {
				l.basis = (l.shares*l.basis + t.Shares*t.Price + t.Commission) / total
			}
			l.shares = total
		case domain.SideSell:
			pnl := t.Shares*(t.Price-l.basis) - t.Commission
			if pnl > 0 {
				wins++
				profit += pnl
			} else {
				losses++
				loss -= pnl
			}
			l.shares = math.Max(l.shares-t.Shares, 0)
		}
		book[t.Symbol] = l
	}
	return wins, losses, profit, loss, wins+losses > 0
}

func dailyWinStats(returns []float64) (winRate, profitFactor float64) {
	var up, gain, lossSum float64
	for _, r := range returns {
		switch {
		case r > 0:
			up++
			gain += r
		case r < 0:
			lossSum -= r
		}
	}
	winRate = up / float64(len(returns))
	if lossSum > 0 {
		profitFactor = gain / lossSum
	}
	return winRate, profitFactor
}

func sanitize(m Metrics) Metrics {
	for _, f := range []*float64{
		&m.TotalReturn, &m.CAGR, &m.Volatility, &m.Sharpe, &m.Sortino,
		&m.MaxDrawdown, &m.WinRate, &m.ProfitFactor, &m.Calmar,
	} {
		if math.IsNaN(*f) || math.IsInf(*f, 0) {
			*f = 0
		}
	}
	return m
}
