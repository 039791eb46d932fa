package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"symphony/internal/domain"
	"symphony/internal/gather"
	"symphony/internal/marketdata"
	"symphony/internal/store"
	"symphony/internal/strategy"
	"symphony/internal/strategy/builtins"
	"symphony/internal/util"
)

func fetchCmd(ctx context.Context, a *app) *cobra.Command {
	var (
		start, end string
		symbols    []string
		stratDir   string
		workers    int
		batch      int
	)
	cmd := &cobra.Command{
		Use:   "fetch [STRATEGY...]",
		Short: "Download daily bars from Alpaca into the local Parquet store",
		Long: "Download daily bars for every symbol the given strategies reference\n" +
			"(all built-ins when none are given), the benchmark and --symbols.\n" +
			"Symbols already fetched through the same end date are skipped.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ac := a.cfg.Alpaca
			if ac.APIKey == "" || ac.APISecret == "" {
				return fmt.Errorf("fetch needs alpaca credentials; set ALPACA_API_KEY and ALPACA_API_SECRET")
			}
			loc, err := a.location()
			if err != nil {
				return err
			}

			syms, err := a.fetchSymbols(args, stratDir, symbols)
			if err != nil {
				return err
			}
			if len(syms) == 0 {
				return fmt.Errorf("no symbols to fetch")
			}

			from, err := parseDate(start, loc, time.Time{})
			if err != nil {
				return err
			}
			to, err := parseDate(end, loc, time.Time{})
			if err != nil {
				return err
			}
			if to.IsZero() {
				to, err = gather.LatestFinishedTradingDay(ac.APIKey, ac.APISecret, ac.BaseURL)
				if err != nil {
					a.log.Warn("alpaca calendar unavailable, using local calendar", "error", err)
					to = previousTradingDay(domain.Market(a.cfg.Backtest.Market), loc, time.Now())
				}
			}

			src := marketdata.NewAlpaca(marketdata.AlpacaConfig{
				APIKey:          ac.APIKey,
				APISecret:       ac.APISecret,
				DataURL:         ac.DataURL,
				Feed:            ac.Feed,
				RateLimitPerMin: ac.RateLimitPerMin,
			})
			bars := store.NewParquetStore(a.cfg.Storage.DataDir)
			g := gather.NewBarGatherer(src, bars, gather.BarGathererConfig{
				Symbols:   syms,
				Range:     gather.DateRange{Start: from, End: to},
				Market:    domain.Market(a.cfg.Backtest.Market),
				DataDir:   a.cfg.Storage.DataDir,
				BatchSize: batch,
				Workers:   workers,
			})
			runErr := g.Run(ctx)
			st := g.Stats()
			fmt.Fprintf(cmd.OutOrStdout(), "%s: requested %d, with data %d, empty %d, failed %d, bars %d\n",
				g.Name(), st.Requested, st.Hits, st.Empty, st.Failed, st.Bars)
			return runErr
		},
	}
	cmd.Flags().StringVar(&start, "start", "2015-01-01", "first day, YYYY-MM-DD")
	cmd.Flags().StringVar(&end, "end", "", "last day, YYYY-MM-DD (default latest finished trading day)")
	cmd.Flags().StringSliceVar(&symbols, "symbols", nil, "extra symbols to fetch")
	cmd.Flags().StringVar(&stratDir, "strategies", "", "also fetch symbols of every strategy file in this directory")
	cmd.Flags().IntVar(&workers, "workers", 4, "concurrent requests")
	cmd.Flags().IntVar(&batch, "batch", 100, "symbols per request")
	return cmd
}

// fetchSymbols collects the symbols referenced by the named strategies (all
// built-ins when refs is empty), every strategy in dir, the configured
// benchmark and extra.
func (a *app) fetchSymbols(refs []string, dir string, extra []string) ([]string, error) {
	var strats []*strategy.Strategy
	if len(refs) == 0 && dir == "" {
		bs, err := builtins.Load(a.parser)
		if err != nil {
			return nil, err
		}
		strats = append(strats, bs...)
	}
	for _, ref := range refs {
		s, err := a.loadStrategy(ref)
		if err != nil {
			return nil, err
		}
		strats = append(strats, s)
	}
	if dir != "" {
		ds, err := strategy.LoadDir(a.parser, dir)
		if err != nil {
			return nil, err
		}
		strats = append(strats, ds...)
	}

	set := make(map[string]bool)
	add := func(s string) {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			set[s] = true
		}
	}
	for _, s := range strats {
		for _, sym := range s.Symbols() {
			add(sym)
		}
		add(s.Metadata["benchmark"])
	}
	add(a.cfg.Backtest.Benchmark)
	for _, s := range extra {
		add(s)
	}

	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

// previousTradingDay returns the last trading day strictly before now's date.
func previousTradingDay(market domain.Market, loc *time.Location, now time.Time) time.Time {
	cal := util.NewTradingCalendar(market, loc)
	d := now.In(loc)
	d = time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, loc)
	for {
		d = d.AddDate(0, 0, -1)
		if cal.IsTradingDay(d) {
			return d
		}
	}
}
