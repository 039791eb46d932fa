package backtest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"symphony/internal/domain"
	"symphony/internal/eval"
	"symphony/internal/marketdata"
	"symphony/internal/performance"
	"symphony/internal/portfolio"
	"symphony/internal/store"
	"symphony/internal/strategy"
	"symphony/internal/util"
)

// DayError records one trading day whose evaluation or rebalance failed.
// The run continues past it.
type DayError struct {
	Date     time.Time `json:"date"`
	Strategy string    `json:"strategy"`
	Message  string    `json:"message"`
}

// Engine runs one strategy over a date range.
type Engine struct {
	cfg   Config
	strat *strategy.Strategy
	opts  options
	log   *slog.Logger
}

// NewEngine creates an engine for cfg. The strategy is loaded from
// cfg.StrategyPath unless WithStrategy supplies one.
func NewEngine(cfg Config, opts ...Option) (*Engine, error) {
	o := buildOptions(opts)
	strat := o.strategy
	if strat == nil {
		s, err := strategy.LoadFile(o.parser, cfg.StrategyPath)
		if err != nil {
			return nil, err
		}
		strat = s
	}
	if o.history == nil {
		o.history = store.NewParquetStore(cfg.DataDir)
	}
	return &Engine{
		cfg:   cfg,
		strat: strat,
		opts:  o,
		log:   o.log.With("component", "backtest", "strategy", strat.Name),
	}, nil
}

// Strategy returns the strategy the engine runs.
func (e *Engine) Strategy() *strategy.Strategy { return e.strat }

// Run simulates every trading day in the configured range. A day whose
// evaluation or rebalance fails is recorded in Result.Errors and the
// holdings carried forward. Look-ahead bias, cancellation and data
// access failures abort the run.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	began := time.Now()
	res, err := e.run(ctx)
	e.opts.metrics.run(err, time.Since(began).Seconds())
	return res, err
}

func (e *Engine) run(ctx context.Context) (*Result, error) {
	cfg := e.cfg
	cal := util.NewTradingCalendar(cfg.Market, cfg.Start.Location())
	days := cal.TradingDays(cfg.Start, cfg.End)
	if len(days) == 0 {
		return nil, invalidf("no trading days between %s and %s",
			cfg.Start.Format(time.DateOnly), cfg.End.Format(time.DateOnly))
	}

	pit := marketdata.NewPointInTime(e.opts.history, cfg.Market, days[0])
	sim := portfolio.NewSimulator(pit, portfolio.Config{
		SlippageBps:        cfg.SlippageBps,
		CommissionPerShare: cfg.CommissionPerShare,
	})
	if err := sim.Initialize(cfg.InitialCapital); err != nil {
		return nil, err
	}
	evOpts := []eval.Option{eval.WithLogger(e.log)}
	if e.opts.memo != nil {
		evOpts = append(evOpts, eval.WithMemo(e.opts.memo))
	}
	ev := eval.New(pit, evOpts...)
	bench := newBuyAndHold(cfg.Benchmark, cfg.InitialCapital)

	universe := e.strat.Symbols()
	env := map[string]string{"data_dir": cfg.DataDir, "market": string(cfg.Market)}

	e.log.Info("backtest started",
		"start", days[0].Format(time.DateOnly),
		"end", days[len(days)-1].Format(time.DateOnly),
		"days", len(days))

	var dayErrs []DayError
	for _, day := range days {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := pit.SetAsOf(day); err != nil {
			return nil, err
		}

		err := e.step(ctx, ev, sim, day, eval.NewEvalContext(day, universe, env))
		if err != nil {
			if fatal(ctx, err) {
				return nil, fmt.Errorf("%s: %w", day.Format(time.DateOnly), err)
			}
			e.log.Warn("day failed", "date", day.Format(time.DateOnly), "error", err)
			dayErrs = append(dayErrs, DayError{Date: day, Strategy: e.strat.Name, Message: err.Error()})
		}
		e.opts.metrics.day(err == nil)

		if _, err := sim.MarkToMarket(ctx, day); err != nil {
			return nil, fmt.Errorf("marking %s: %w", day.Format(time.DateOnly), err)
		}
		if err := bench.mark(ctx, pit, day); err != nil {
			return nil, fmt.Errorf("benchmark %s: %w", day.Format(time.DateOnly), err)
		}
	}

	equity := sim.EquityCurve()
	trades := sim.Trades()
	res := &Result{
		ID:         uuid.NewString(),
		Strategy:   e.strat.Name,
		Config:     cfg,
		Equity:     equity,
		Trades:     trades,
		Metrics:    performance.Calculate(equity, trades, cfg.RiskFreeRate),
		Errors:     dayErrs,
		FinalValue: equity[len(equity)-1].Value,
	}
	if bench.enabled() {
		res.Benchmark = bench.curve
		m := performance.Calculate(bench.curve, nil, cfg.RiskFreeRate)
		res.BenchmarkMetrics = &m
	}

	e.log.Info("backtest finished",
		"final_value", res.FinalValue,
		"total_return", res.Metrics.TotalReturn,
		"trades", len(trades),
		"errors", len(dayErrs))
	return res, nil
}

// step evaluates the strategy for day and rebalances to its weights.
func (e *Engine) step(ctx context.Context, ev *eval.Evaluator, sim *portfolio.Simulator, day time.Time, ec eval.EvalContext) error {
	port, _, err := ev.EvaluatePortfolio(ctx, e.strat.Root, ec)
	if err != nil {
		return err
	}
	if _, err := sim.Rebalance(ctx, day, port.Weights()); err != nil {
		return fmt.Errorf("rebalance: %w", err)
	}
	return nil
}

// fatal reports whether a per-day failure must abort the whole run.
func fatal(ctx context.Context, err error) bool {
	var lab *marketdata.LookAheadBiasError
	switch {
	case errors.As(err, &lab):
		return true
	case ctx.Err() != nil, errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Benchmark
// ---------------------------------------------------------------------------

// buyAndHold tracks capital fully invested in one symbol at its first
// available close. Until then the curve stays at the initial capital.
type buyAndHold struct {
	symbol  string
	capital float64
	shares  float64
	curve   []domain.EquityPoint
}

func newBuyAndHold(symbol string, capital float64) *buyAndHold {
	return &buyAndHold{symbol: symbol, capital: capital}
}

func (b *buyAndHold) enabled() bool { return b.symbol != "" }

func (b *buyAndHold) mark(ctx context.Context, prices portfolio.PriceSource, day time.Time) error {
	if !b.enabled() {
		return nil
	}
	price, ok, err := prices.GetClosePriceOn(ctx, b.symbol, day)
	if err != nil {
		return err
	}
	value := b.capital
	if ok && price > 0 {
		if b.shares == 0 {
			b.shares = b.capital / price
		}
		value = b.shares * price
	}
	b.curve = append(b.curve, domain.EquityPoint{Date: day, Value: value})
	return nil
}
