package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"symphony/internal/config"
	"symphony/internal/dsl"
	"symphony/internal/eval"
	"symphony/internal/strategy"
	"symphony/internal/strategy/builtins"
	"symphony/internal/util"
)

const defaultConfigPath = "config/symphony.yaml"

// app holds the process-wide state shared by every subcommand.
type app struct {
	cfg    *config.Config
	log    *slog.Logger
	pool   *dsl.Pool
	memo   *eval.MemoCache
	parser *dsl.Parser
}

func newRootCmd(ctx context.Context) *cobra.Command {
	a := &app{}
	var (
		cfgPath  string
		logLevel string
	)

	root := &cobra.Command{
		Use:           "symphony",
		Short:         "Parse, evaluate and backtest symphony strategies",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cfgPath, logLevel)
		},
	}

	defPath := defaultConfigPath
	if p := os.Getenv("SYMPHONY_CONFIG"); p != "" {
		defPath = p
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", defPath, "config file (env SYMPHONY_CONFIG)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(backtestCmd(ctx, a))
	root.AddCommand(portfolioCmd(ctx, a))
	root.AddCommand(evalCmd(ctx, a))
	root.AddCommand(fetchCmd(ctx, a))
	root.AddCommand(parseCmd(a))
	root.AddCommand(serveCmd(ctx, a))
	root.AddCommand(versionCmd())
	return root
}

func (a *app) init(cfgPath, logLevel string) error {
	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	a.cfg = cfg
	a.log = util.NewLoggerTo(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(a.log)

	a.pool = dsl.NewPool(cfg.Engine.InternCapacity)
	a.memo = eval.NewMemoCache(cfg.Engine.MemoCapacity)
	a.parser = dsl.NewParser(
		dsl.WithMaxDepth(cfg.Engine.MaxDepth),
		dsl.WithMaxNodes(cfg.Engine.MaxNodes),
		dsl.WithPool(a.pool),
	)
	return nil
}

// loadStrategy reads ref as a file path, falling back to a built-in
// strategy of that name.
func (a *app) loadStrategy(ref string) (*strategy.Strategy, error) {
	if _, err := os.Stat(ref); err == nil {
		return strategy.LoadFile(a.parser, ref)
	}
	reg := strategy.NewRegistry()
	if err := builtins.Register(reg, a.parser); err != nil {
		return nil, err
	}
	if s, ok := reg.Get(ref); ok {
		return s, nil
	}
	return nil, fmt.Errorf("strategy %q is neither a file nor a built-in (built-ins: %v)", ref, reg.List())
}

// location returns the configured backtest time zone.
func (a *app) location() (*time.Location, error) {
	loc, err := time.LoadLocation(a.cfg.Backtest.Timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", a.cfg.Backtest.Timezone, err)
	}
	return loc, nil
}

// parseDate parses YYYY-MM-DD as midnight in loc. An empty string yields def.
func parseDate(s string, loc *time.Location, def time.Time) (time.Time, error) {
	if s == "" {
		return def, nil
	}
	t, err := time.ParseInLocation(time.DateOnly, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, want YYYY-MM-DD", s)
	}
	return t, nil
}
