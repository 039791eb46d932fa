package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"symphony/internal/backtest"
	"symphony/internal/domain"
	"symphony/internal/store"
)

// runFlags are the command-line overrides shared by backtest and portfolio.
type runFlags struct {
	start, end  string
	capital     float64
	slippage    float64
	commission  float64
	benchmark   string
	riskFree    float64
	dataDir     string
	jsonOut     bool
	save        bool
	noMemo      bool
	parallelism int
}

func addRunFlags(cmd *cobra.Command, f *runFlags) {
	fs := cmd.Flags()
	fs.StringVar(&f.start, "start", "", "first day, YYYY-MM-DD (required)")
	fs.StringVar(&f.end, "end", "", "last day, YYYY-MM-DD (default today)")
	fs.Float64Var(&f.capital, "capital", 0, "initial capital (default from config)")
	fs.Float64Var(&f.slippage, "slippage-bps", -1, "slippage in basis points (default from config)")
	fs.Float64Var(&f.commission, "commission", -1, "commission per share (default from config)")
	fs.StringVar(&f.benchmark, "benchmark", "", "buy-and-hold benchmark symbol, \"none\" to disable")
	fs.Float64Var(&f.riskFree, "risk-free", -1, "annual risk-free rate (default from config)")
	fs.StringVar(&f.dataDir, "data-dir", "", "Parquet history directory (default from config)")
	fs.BoolVar(&f.jsonOut, "json", false, "print the result mapping as JSON")
	fs.BoolVar(&f.save, "save", false, "persist the result to the SQLite run store")
	fs.BoolVar(&f.noMemo, "no-memo", false, "disable the cross-day evaluation cache")
	_ = cmd.MarkFlagRequired("start")
}

// backtestConfig merges f over the configured defaults.
func (a *app) backtestConfig(f *runFlags, strategyPath string) (backtest.Config, error) {
	loc, err := a.location()
	if err != nil {
		return backtest.Config{}, err
	}
	start, err := parseDate(f.start, loc, time.Time{})
	if err != nil {
		return backtest.Config{}, err
	}
	now := time.Now().In(loc)
	end, err := parseDate(f.end, loc, time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc))
	if err != nil {
		return backtest.Config{}, err
	}

	bt := a.cfg.Backtest
	c := backtest.Config{
		StrategyPath:       strategyPath,
		Start:              start,
		End:                end,
		InitialCapital:     pick(f.capital, 0, bt.InitialCapital),
		SlippageBps:        pick(f.slippage, -1, bt.SlippageBps),
		CommissionPerShare: pick(f.commission, -1, bt.CommissionPerShare),
		RiskFreeRate:       pick(f.riskFree, -1, bt.RiskFreeRate),
		DataDir:            a.cfg.Storage.DataDir,
		Market:             domain.Market(bt.Market),
		Benchmark:          bt.Benchmark,
	}
	if f.dataDir != "" {
		c.DataDir = f.dataDir
	}
	switch f.benchmark {
	case "":
	case "none":
		c.Benchmark = ""
	default:
		c.Benchmark = f.benchmark
	}
	return backtest.NewConfig(c)
}

// pick returns v unless it equals unset.
func pick(v, unset, def float64) float64 {
	if v == unset {
		return def
	}
	return v
}

func (a *app) runOptions(f *runFlags) []backtest.Option {
	opts := []backtest.Option{
		backtest.WithParser(a.parser),
		backtest.WithLogger(a.log),
	}
	if !f.noMemo {
		opts = append(opts, backtest.WithMemo(a.memo))
	}
	return opts
}

func backtestCmd(ctx context.Context, a *app) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "backtest STRATEGY",
		Short: "Backtest one strategy file or built-in strategy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			strat, err := a.loadStrategy(args[0])
			if err != nil {
				return err
			}
			cfg, err := a.backtestConfig(f, args[0])
			if err != nil {
				return err
			}
			if b := strat.Metadata["benchmark"]; b != "" && f.benchmark == "" {
				cfg.Benchmark = strings.ToUpper(strings.TrimSpace(b))
			}
			eng, err := backtest.NewEngine(cfg, append(a.runOptions(f), backtest.WithStrategy(strat))...)
			if err != nil {
				return err
			}
			res, err := eng.Run(ctx)
			if err != nil {
				return err
			}
			return a.report(ctx, cmd, f, res)
		},
	}
	addRunFlags(cmd, f)
	return cmd
}

// report prints res and optionally saves it.
func (a *app) report(ctx context.Context, cmd *cobra.Command, f *runFlags, res *backtest.Result) error {
	out := cmd.OutOrStdout()
	if f.jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res.ToMap()); err != nil {
			return err
		}
	} else {
		fmt.Fprint(out, res.Summary())
	}

	if !f.save {
		return nil
	}
	runs, err := a.openRunStore()
	if err != nil {
		return err
	}
	defer runs.Close()
	rec, err := res.Record()
	if err != nil {
		return err
	}
	if err := runs.SaveRun(ctx, rec); err != nil {
		return fmt.Errorf("saving run: %w", err)
	}
	a.log.Info("run saved", "id", res.ID, "db", a.cfg.Storage.SQLitePath)
	return nil
}

func (a *app) openRunStore() (*store.SQLiteStore, error) {
	path := a.cfg.Storage.SQLitePath
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating run store dir: %w", err)
	}
	return store.NewSQLiteStore(path)
}

func portfolioCmd(ctx context.Context, a *app) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "portfolio ALLOCATIONS.json",
		Short: "Backtest a weighted portfolio of strategies",
		Long: "Backtest every strategy listed in a JSON file mapping strategy paths to\n" +
			"weights, then combine their equity curves by weight.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			allocs, err := backtest.LoadAllocations(args[0])
			if err != nil {
				return err
			}
			cfg, err := a.backtestConfig(f, args[0])
			if err != nil {
				return err
			}
			parallel := f.parallelism
			if parallel <= 0 {
				parallel = a.cfg.Backtest.Parallelism
			}
			pe, err := backtest.NewPortfolioEngine(cfg, allocs,
				append(a.runOptions(f), backtest.WithParallelism(parallel))...)
			if err != nil {
				return err
			}
			res, err := pe.Run(ctx)
			if err != nil {
				return err
			}
			if !f.jsonOut {
				out := cmd.OutOrStdout()
				for _, run := range res.Runs {
					fmt.Fprintf(out, "%-30s weight %.3f  return %7.2f%%  errors %d\n",
						run.Result.Strategy, run.Allocation.Weight,
						run.Result.Metrics.TotalReturn*100, len(run.Result.Errors))
				}
				fmt.Fprintln(out)
			}
			return a.report(ctx, cmd, f, res.Result(filepath.Base(args[0])))
		},
	}
	addRunFlags(cmd, f)
	cmd.Flags().IntVar(&f.parallelism, "parallelism", 0, "strategies run at once (default from config)")
	return cmd
}
