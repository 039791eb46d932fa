package backtest

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"symphony/internal/domain"
	"symphony/internal/performance"
	"symphony/internal/store"
)

// Result is the output of one backtest run.
type Result struct {
	ID               string
	Strategy         string
	Config           Config
	Equity           []domain.EquityPoint
	Benchmark        []domain.EquityPoint
	Trades           []domain.Trade
	Metrics          performance.Metrics
	BenchmarkMetrics *performance.Metrics // nil without a benchmark symbol
	Errors           []DayError
	FinalValue       float64
}

// Alpha is the strategy's total return minus the benchmark's.
func (r *Result) Alpha() (float64, bool) {
	if r.BenchmarkMetrics == nil {
		return 0, false
	}
	return r.Metrics.TotalReturn - r.BenchmarkMetrics.TotalReturn, true
}

// ---------------------------------------------------------------------------
// Mapping
// ---------------------------------------------------------------------------

// ToMap converts r to a JSON-ready mapping. Floating point values are
// written as exact decimal strings so ResultFromMap restores them bit for
// bit. Curves and trades are not included.
func (r *Result) ToMap() map[string]any {
	cfg := r.Config
	m := map[string]any{
		"id":       r.ID,
		"strategy": r.Strategy,
		"config": map[string]any{
			"strategy_path":        cfg.StrategyPath,
			"start":                cfg.Start.Format(time.RFC3339),
			"end":                  cfg.End.Format(time.RFC3339),
			"initial_capital":      dec(cfg.InitialCapital),
			"slippage_bps":         dec(cfg.SlippageBps),
			"commission_per_share": dec(cfg.CommissionPerShare),
			"data_dir":             cfg.DataDir,
			"market":               string(cfg.Market),
			"benchmark":            cfg.Benchmark,
			"risk_free_rate":       dec(cfg.RiskFreeRate),
		},
		"metrics":     metricsToMap(r.Metrics),
		"final_value": dec(r.FinalValue),
		"trade_count": len(r.Trades),
		"error_count": len(r.Errors),
	}
	if r.BenchmarkMetrics != nil {
		alpha, _ := r.Alpha()
		m["benchmark"] = map[string]any{
			"symbol":  cfg.Benchmark,
			"metrics": metricsToMap(*r.BenchmarkMetrics),
			"alpha":   dec(alpha),
		}
	}
	errs := make([]any, len(r.Errors))
	for i, de := range r.Errors {
		errs[i] = map[string]any{
			"date":     de.Date.Format(time.RFC3339),
			"strategy": de.Strategy,
			"message":  de.Message,
		}
	}
	m["errors"] = errs
	return m
}

// ResultFromMap rebuilds a Result from a ToMap mapping, directly or after
// a JSON round trip.
func ResultFromMap(m map[string]any) (*Result, error) {
	r := &Result{}
	var err error
	if r.ID, err = str(m, "id"); err != nil {
		return nil, err
	}
	if r.Strategy, err = str(m, "strategy"); err != nil {
		return nil, err
	}
	if r.FinalValue, err = decField(m, "final_value"); err != nil {
		return nil, err
	}

	cm, err := sub(m, "config")
	if err != nil {
		return nil, err
	}
	if r.Config, err = configFromMap(cm); err != nil {
		return nil, err
	}

	mm, err := sub(m, "metrics")
	if err != nil {
		return nil, err
	}
	if r.Metrics, err = metricsFromMap(mm); err != nil {
		return nil, err
	}

	if _, ok := m["benchmark"]; ok {
		bm, err := sub(m, "benchmark")
		if err != nil {
			return nil, err
		}
		bmm, err := sub(bm, "metrics")
		if err != nil {
			return nil, fmt.Errorf("benchmark: %w", err)
		}
		metrics, err := metricsFromMap(bmm)
		if err != nil {
			return nil, fmt.Errorf("benchmark: %w", err)
		}
		r.BenchmarkMetrics = &metrics
	}

	if raw, ok := m["errors"]; ok && raw != nil {
		list, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("errors: got %T, want a list", raw)
		}
		for i, item := range list {
			em, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("errors[%d]: got %T, want a mapping", i, item)
			}
			de, err := dayErrorFromMap(em)
			if err != nil {
				return nil, fmt.Errorf("errors[%d]: %w", i, err)
			}
			r.Errors = append(r.Errors, de)
		}
	}
	return r, nil
}

func configFromMap(m map[string]any) (Config, error) {
	var (
		c   Config
		err error
	)
	if c.StrategyPath, err = str(m, "strategy_path"); err != nil {
		return c, err
	}
	if c.Start, err = timeField(m, "start"); err != nil {
		return c, err
	}
	if c.End, err = timeField(m, "end"); err != nil {
		return c, err
	}
	for key, dst := range map[string]*float64{
		"initial_capital":      &c.InitialCapital,
		"slippage_bps":         &c.SlippageBps,
		"commission_per_share": &c.CommissionPerShare,
		"risk_free_rate":       &c.RiskFreeRate,
	} {
		if *dst, err = decField(m, key); err != nil {
			return c, err
		}
	}
	if c.DataDir, err = str(m, "data_dir"); err != nil {
		return c, err
	}
	market, err := str(m, "market")
	if err != nil {
		return c, err
	}
	c.Market = domain.Market(market)
	if c.Benchmark, err = str(m, "benchmark"); err != nil {
		return c, err
	}
	return c, nil
}

func dayErrorFromMap(m map[string]any) (DayError, error) {
	var (
		de  DayError
		err error
	)
	if de.Date, err = timeField(m, "date"); err != nil {
		return de, err
	}
	if de.Strategy, err = str(m, "strategy"); err != nil {
		return de, err
	}
	if de.Message, err = str(m, "message"); err != nil {
		return de, err
	}
	return de, nil
}

func metricsToMap(mt performance.Metrics) map[string]any {
	return map[string]any{
		"total_return":          dec(mt.TotalReturn),
		"cagr":                  dec(mt.CAGR),
		"volatility":            dec(mt.Volatility),
		"sharpe":                dec(mt.Sharpe),
		"sortino":               dec(mt.Sortino),
		"max_drawdown":          dec(mt.MaxDrawdown),
		"max_drawdown_duration": mt.MaxDrawdownDuration,
		"win_rate":              dec(mt.WinRate),
		"profit_factor":         dec(mt.ProfitFactor),
		"calmar":                dec(mt.Calmar),
		"total_trades":          mt.TotalTrades,
		"trading_days":          mt.TradingDays,
	}
}

func metricsFromMap(m map[string]any) (performance.Metrics, error) {
	var (
		mt  performance.Metrics
		err error
	)
	for key, dst := range map[string]*float64{
		"total_return":  &mt.TotalReturn,
		"cagr":          &mt.CAGR,
		"volatility":    &mt.Volatility,
		"sharpe":        &mt.Sharpe,
		"sortino":       &mt.Sortino,
		"max_drawdown":  &mt.MaxDrawdown,
		"win_rate":      &mt.WinRate,
		"profit_factor": &mt.ProfitFactor,
		"calmar":        &mt.Calmar,
	} {
		if *dst, err = decField(m, key); err != nil {
			return mt, err
		}
	}
	for key, dst := range map[string]*int{
		"max_drawdown_duration": &mt.MaxDrawdownDuration,
		"total_trades":          &mt.TotalTrades,
		"trading_days":          &mt.TradingDays,
	} {
		if *dst, err = intField(m, key); err != nil {
			return mt, err
		}
	}
	return mt, nil
}

// dec renders f as the shortest decimal string that parses back to f.
// Non-finite values never occur in results and are written as "0".
func dec(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "0"
	}
	return decimal.NewFromFloat(f).String()
}

func sub(m map[string]any, key string) (map[string]any, error) {
	v, ok := m[key].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s: got %T, want a mapping", key, m[key])
	}
	return v, nil
}

func str(m map[string]any, key string) (string, error) {
	v, ok := m[key].(string)
	if !ok {
		return "", fmt.Errorf("%s: got %T, want a string", key, m[key])
	}
	return v, nil
}

func decField(m map[string]any, key string) (float64, error) {
	switch v := m[key].(type) {
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
		f, _ := d.Float64()
		return f, nil
	case float64:
		return v, nil
	case json.Number:
		return v.Float64()
	default:
		return 0, fmt.Errorf("%s: got %T, want a decimal string", key, v)
	}
}

func intField(m map[string]any, key string) (int, error) {
	switch v := m[key].(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("%s: %v is not an integer", key, v)
		}
		return int(v), nil
	case json.Number:
		n, err := v.Int64()
		return int(n), err
	default:
		return 0, fmt.Errorf("%s: got %T, want an integer", key, v)
	}
}

func timeField(m map[string]any, key string) (time.Time, error) {
	s, err := str(m, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %w", key, err)
	}
	return t, nil
}

// ---------------------------------------------------------------------------
// Persistence
// ---------------------------------------------------------------------------

// Record converts r to its persisted form.
func (r *Result) Record() (*store.RunRecord, error) {
	summary, err := json.Marshal(r.ToMap())
	if err != nil {
		return nil, fmt.Errorf("encoding summary: %w", err)
	}
	rec := &store.RunRecord{
		ID:        r.ID,
		Strategy:  r.Strategy,
		Start:     r.Config.Start,
		End:       r.Config.End,
		CreatedAt: time.Now().UTC(),
		Summary:   summary,
		Trades:    r.Trades,
		Equity:    r.Equity,
		Benchmark: r.Benchmark,
	}
	for _, de := range r.Errors {
		rec.Errors = append(rec.Errors, store.DayErrorRecord{Date: de.Date, Strategy: de.Strategy, Message: de.Message})
	}
	return rec, nil
}

// ResultFromRecord restores a Result from its persisted form.
func ResultFromRecord(rec *store.RunRecord) (*Result, error) {
	var m map[string]any
	if err := json.Unmarshal(rec.Summary, &m); err != nil {
		return nil, fmt.Errorf("decoding summary of run %s: %w", rec.ID, err)
	}
	r, err := ResultFromMap(m)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", rec.ID, err)
	}
	r.Trades = rec.Trades
	r.Equity = rec.Equity
	r.Benchmark = rec.Benchmark
	return r, nil
}

// ---------------------------------------------------------------------------
// Text summary
// ---------------------------------------------------------------------------

// Summary renders a multi-line report for terminal output.
func (r *Result) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Strategy: %s\n", r.Strategy)
	fmt.Fprintf(&b, "Period:   %s to %s\n", r.Config.Start.Format(time.DateOnly), r.Config.End.Format(time.DateOnly))
	fmt.Fprintf(&b, "Capital:  %.2f -> %.2f\n\n", r.Config.InitialCapital, r.FinalValue)

	tw := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprint(tw, "\tStrategy")
	if r.BenchmarkMetrics != nil {
		fmt.Fprintf(tw, "\t%s", r.Config.Benchmark)
	}
	fmt.Fprintln(tw)
	row := func(label string, f func(performance.Metrics) string) {
		fmt.Fprintf(tw, "%s\t%s", label, f(r.Metrics))
		if r.BenchmarkMetrics != nil {
			fmt.Fprintf(tw, "\t%s", f(*r.BenchmarkMetrics))
		}
		fmt.Fprintln(tw)
	}
	pct := func(v float64) string { return fmt.Sprintf("%.2f%%", v*100) }
	num := func(v float64) string { return fmt.Sprintf("%.2f", v) }
	row("Total return", func(m performance.Metrics) string { return pct(m.TotalReturn) })
	row("CAGR", func(m performance.Metrics) string { return pct(m.CAGR) })
	row("Volatility", func(m performance.Metrics) string { return pct(m.Volatility) })
	row("Sharpe", func(m performance.Metrics) string { return num(m.Sharpe) })
	row("Sortino", func(m performance.Metrics) string { return num(m.Sortino) })
	row("Max drawdown", func(m performance.Metrics) string { return pct(m.MaxDrawdown) })
	row("Drawdown days", func(m performance.Metrics) string { return fmt.Sprint(m.MaxDrawdownDuration) })
	row("Calmar", func(m performance.Metrics) string { return num(m.Calmar) })
	row("Win rate", func(m performance.Metrics) string { return pct(m.WinRate) })
	row("Profit factor", func(m performance.Metrics) string { return num(m.ProfitFactor) })
	tw.Flush()

	if alpha, ok := r.Alpha(); ok {
		fmt.Fprintf(&b, "\nAlpha vs %s: %s\n", r.Config.Benchmark, pct(alpha))
	}
	fmt.Fprintf(&b, "Trades: %d  Errors: %d\n", len(r.Trades), len(r.Errors))
	for _, de := range r.Errors {
		fmt.Fprintf(&b, "  %s %s: %s\n", de.Date.Format(time.DateOnly), de.Strategy, de.Message)
	}
	return b.String()
}
