package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"symphony/internal/domain"
	"symphony/internal/eval"
	"symphony/internal/marketdata"
	"symphony/internal/store"
)

func evalCmd(ctx context.Context, a *app) *cobra.Command {
	var (
		asOf    string
		dataDir string
		trace   bool
	)
	cmd := &cobra.Command{
		Use:   "eval STRATEGY",
		Short: "Evaluate a strategy once and print its target portfolio",
		Long: "Evaluate a strategy against live Alpaca data, or with --as-of against\n" +
			"local history as it stood at the close of that day.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			strat, err := a.loadStrategy(args[0])
			if err != nil {
				return err
			}

			var (
				port   marketdata.Port
				day    string
				source string
			)
			ec := eval.EvalContext{}
			if asOf != "" {
				loc, err := a.location()
				if err != nil {
					return err
				}
				t, err := parseDate(asOf, loc, time.Time{})
				if err != nil {
					return err
				}
				if dataDir == "" {
					dataDir = a.cfg.Storage.DataDir
				}
				source = "parquet:" + dataDir
				port = marketdata.NewPointInTime(store.NewParquetStore(dataDir),
					domain.Market(a.cfg.Backtest.Market), t)
				ec = eval.NewEvalContext(t, strat.Symbols(), map[string]string{"source": source})
				day = asOf
			} else {
				ac := a.cfg.Alpaca
				if ac.APIKey == "" || ac.APISecret == "" {
					return fmt.Errorf("live evaluation needs alpaca credentials; set ALPACA_API_KEY and ALPACA_API_SECRET or pass --as-of")
				}
				source = "alpaca:" + ac.Feed
				port = marketdata.NewAlpaca(marketdata.AlpacaConfig{
					APIKey:          ac.APIKey,
					APISecret:       ac.APISecret,
					DataURL:         ac.DataURL,
					Feed:            ac.Feed,
					RateLimitPerMin: ac.RateLimitPerMin,
				})
				day = "live"
			}

			ev := eval.New(port, eval.WithMemo(a.memo), eval.WithLogger(a.log))
			p, tr, err := ev.EvaluatePortfolio(ctx, strat.Root, ec)
			if err != nil {
				return fmt.Errorf("evaluating %s: %w", strat.Name, err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s (%s, %s)\n", strat.Name, day, source)
			weights := p.Weights()
			syms := make([]string, 0, len(weights))
			for s := range weights {
				syms = append(syms, s)
			}
			sort.Strings(syms)
			for _, s := range syms {
				fmt.Fprintf(out, "  %-8s %6.2f%%\n", s, weights[s]*100)
			}
			if trace && tr != nil {
				fmt.Fprintln(out)
				fmt.Fprint(out, tr.String())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&asOf, "as-of", "", "evaluate against local history as of YYYY-MM-DD")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Parquet history directory (default from config)")
	cmd.Flags().BoolVar(&trace, "trace", false, "print the evaluation trace")
	return cmd
}
