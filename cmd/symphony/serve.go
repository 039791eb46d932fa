package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"symphony/internal/api"
	"symphony/internal/backtest"
	"symphony/internal/eval"
	"symphony/internal/strategy"
	"symphony/internal/strategy/builtins"
)

func serveCmd(ctx context.Context, a *app) *cobra.Command {
	var stratDir string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve strategies, backtests, health and metrics over HTTP and gRPC",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
				eval.NewCollector(a.pool, a.memo),
			)

			runs, err := a.openRunStore()
			if err != nil {
				return err
			}
			defer runs.Close()

			strategies := strategy.NewRegistry()
			srv := api.NewServer(a.cfg, strategies, runs, reg,
				api.WithRunMetrics(backtest.NewRunMetrics(reg)),
				api.WithMemo(a.memo))

			// Listeners come up NOT_SERVING while strategies load.
			loaded := make(chan error, 1)
			go func() {
				loaded <- a.loadRegistry(strategies, stratDir)
			}()

			sctx, cancel := context.WithCancel(ctx)
			defer cancel()
			errc := make(chan error, 1)
			go func() { errc <- srv.ListenAndServe(sctx) }()

			select {
			case err := <-loaded:
				if err != nil {
					cancel()
					<-errc
					return fmt.Errorf("loading strategies: %w", err)
				}
				srv.Health().SetServing(true)
				a.log.Info("strategies loaded", "count", strategies.Len())
			case err := <-errc:
				return err
			}
			return <-errc
		},
	}
	cmd.Flags().StringVar(&stratDir, "strategies", "", "directory of strategy files served alongside the built-ins")
	return cmd
}

func (a *app) loadRegistry(r *strategy.Registry, dir string) error {
	if err := builtins.Register(r, a.parser); err != nil {
		return err
	}
	if dir == "" {
		return nil
	}
	ss, err := strategy.LoadDir(a.parser, dir)
	for _, s := range ss {
		r.Register(s)
	}
	return err
}
