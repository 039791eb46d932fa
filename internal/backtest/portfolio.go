package backtest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"symphony/internal/domain"
	"symphony/internal/performance"
)

// AllocationTolerance is how far allocation weights may sum from 1 before
// LoadAllocations warns.
const AllocationTolerance = 1e-6

// Allocation is one strategy file and its share of portfolio capital.
type Allocation struct {
	Path   string
	Weight float64
}

// LoadAllocations reads a JSON object mapping strategy file paths to
// weights. Relative paths are resolved against the file's directory. The
// result is sorted by path. Weights not summing to 1 are logged, not
// rejected.
func LoadAllocations(path string) ([]Allocation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading allocations: %w", err)
	}
	var raw map[string]float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing allocations %s: %w", path, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: allocations %s are empty", ErrInvalidConfig, path)
	}

	base := filepath.Dir(path)
	out := make([]Allocation, 0, len(raw))
	var sum float64
	for p, w := range raw {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, invalidf("allocation %s has weight %v", p, w)
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(base, p)
		}
		out = append(out, Allocation{Path: p, Weight: w})
		sum += w
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })

	if math.Abs(sum-1) > AllocationTolerance {
		slog.Default().With("component", "backtest").Warn("allocation weights do not sum to 1",
			"file", path, "sum", sum)
	}
	return out, nil
}

// StrategyRun pairs an allocation with its standalone backtest.
type StrategyRun struct {
	Allocation Allocation
	Result     *Result
}

// PortfolioResult combines the weighted strategy runs.
type PortfolioResult struct {
	ID               string
	Config           Config
	Runs             []StrategyRun
	Equity           []domain.EquityPoint
	Benchmark        []domain.EquityPoint
	Metrics          performance.Metrics
	BenchmarkMetrics *performance.Metrics
	Errors           []DayError
	FinalValue       float64
}

// Result flattens p into a single Result named name, with the trades of
// every run in date order.
func (p *PortfolioResult) Result(name string) *Result {
	var trades []domain.Trade
	for _, run := range p.Runs {
		trades = append(trades, run.Result.Trades...)
	}
	sort.SliceStable(trades, func(i, j int) bool { return trades[i].Date.Before(trades[j].Date) })
	return &Result{
		ID:               p.ID,
		Strategy:         name,
		Config:           p.Config,
		Equity:           p.Equity,
		Benchmark:        p.Benchmark,
		Trades:           trades,
		Metrics:          p.Metrics,
		BenchmarkMetrics: p.BenchmarkMetrics,
		Errors:           p.Errors,
		FinalValue:       p.FinalValue,
	}
}

// PortfolioEngine backtests several strategies independently and sums
// their weighted equity curves.
type PortfolioEngine struct {
	cfg    Config
	allocs []Allocation
	opts   []Option
	o      options
	log    *slog.Logger
}

// NewPortfolioEngine creates an engine running each allocation with cfg.
// cfg.StrategyPath is ignored.
func NewPortfolioEngine(cfg Config, allocs []Allocation, opts ...Option) (*PortfolioEngine, error) {
	if len(allocs) == 0 {
		return nil, invalidf("no allocations")
	}
	o := buildOptions(opts)
	return &PortfolioEngine{
		cfg:    cfg,
		allocs: allocs,
		opts:   opts,
		o:      o,
		log:    o.log.With("component", "portfolio-backtest"),
	}, nil
}

// Run backtests every allocation, each with its own point-in-time data
// adapter and simulator, then combines the curves. Any run that aborts
// cancels the others and fails the whole portfolio.
func (pe *PortfolioEngine) Run(ctx context.Context) (*PortfolioResult, error) {
	pe.log.Info("portfolio backtest started", "strategies", len(pe.allocs))

	results := make([]*Result, len(pe.allocs))
	g, gctx := errgroup.WithContext(ctx)
	if pe.o.parallelism > 0 {
		g.SetLimit(pe.o.parallelism)
	}
	for i, a := range pe.allocs {
		g.Go(func() error {
			cfg := pe.cfg
			cfg.StrategyPath = a.Path
			opts := append(append([]Option(nil), pe.opts...), WithStrategy(nil))
			eng, err := NewEngine(cfg, opts...)
			if err != nil {
				return err
			}
			res, err := eng.Run(gctx)
			if err != nil {
				return fmt.Errorf("strategy %s: %w", eng.Strategy().Name, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &PortfolioResult{
		ID:     uuid.NewString(),
		Config: pe.cfg,
	}
	curves := make([][]domain.EquityPoint, len(results))
	weights := make([]float64, len(results))
	for i, res := range results {
		out.Runs = append(out.Runs, StrategyRun{Allocation: pe.allocs[i], Result: res})
		out.Errors = append(out.Errors, res.Errors...)
		curves[i] = res.Equity
		weights[i] = pe.allocs[i].Weight
	}
	sort.SliceStable(out.Errors, func(i, j int) bool { return out.Errors[i].Date.Before(out.Errors[j].Date) })

	out.Equity = combineCurves(curves, weights, pe.cfg.InitialCapital)
	var trades []domain.Trade
	for _, res := range results {
		trades = append(trades, res.Trades...)
	}
	out.Metrics = performance.Calculate(out.Equity, trades, pe.cfg.RiskFreeRate)
	if n := len(out.Equity); n > 0 {
		out.FinalValue = out.Equity[n-1].Value
	}
	// Every run sees the same benchmark; the weights sum to the capital
	// fraction actually invested, so it is scaled the same way.
	if first := results[0]; first.BenchmarkMetrics != nil {
		var total float64
		for _, w := range weights {
			total += w
		}
		out.Benchmark = scaleCurve(first.Benchmark, total)
		m := performance.Calculate(out.Benchmark, nil, pe.cfg.RiskFreeRate)
		out.BenchmarkMetrics = &m
	}

	pe.log.Info("portfolio backtest finished",
		"final_value", out.FinalValue,
		"total_return", out.Metrics.TotalReturn,
		"errors", len(out.Errors))
	return out, nil
}

// combineCurves sums weight-scaled curves over the union of their dates.
// A curve missing a date contributes its last known value, or its scaled
// initial capital before its first point.
func combineCurves(curves [][]domain.EquityPoint, weights []float64, initial float64) []domain.EquityPoint {
	seen := make(map[time.Time]bool)
	var dates []time.Time
	for _, c := range curves {
		for _, p := range c {
			key := p.Date.UTC()
			if !seen[key] {
				seen[key] = true
				dates = append(dates, p.Date)
			}
		}
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	out := make([]domain.EquityPoint, len(dates))
	for i, d := range dates {
		out[i].Date = d
	}
	for ci, c := range curves {
		last := initial
		j := 0
		for i, d := range dates {
			for j < len(c) && !c[j].Date.After(d) {
				last = c[j].Value
				j++
			}
			out[i].Value += last * weights[ci]
		}
	}
	return out
}

func scaleCurve(curve []domain.EquityPoint, factor float64) []domain.EquityPoint {
	out := make([]domain.EquityPoint, len(curve))
	for i, p := range curve {
		out[i] = domain.EquityPoint{Date: p.Date, Value: p.Value * factor}
	}
	return out
}
