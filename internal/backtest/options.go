package backtest

import (
	"log/slog"

	"symphony/internal/dsl"
	"symphony/internal/eval"
	"symphony/internal/marketdata"
	"symphony/internal/strategy"
)

// options is shared by Engine and PortfolioEngine.
type options struct {
	parser      *dsl.Parser
	memo        *eval.MemoCache
	history     marketdata.HistoryReader
	strategy    *strategy.Strategy
	metrics     *RunMetrics
	log         *slog.Logger
	parallelism int
}

// Option configures an Engine or PortfolioEngine.
type Option func(*options)

// WithParser parses strategy files with p instead of a default parser.
func WithParser(p *dsl.Parser) Option { return func(o *options) { o.parser = p } }

// WithMemo shares a cross-run evaluation cache.
func WithMemo(m *eval.MemoCache) Option { return func(o *options) { o.memo = m } }

// WithHistory reads market history from h instead of the Parquet files
// under the configured data directory.
func WithHistory(h marketdata.HistoryReader) Option { return func(o *options) { o.history = h } }

// WithStrategy runs s instead of loading Config.StrategyPath. Ignored by
// PortfolioEngine.
func WithStrategy(s *strategy.Strategy) Option { return func(o *options) { o.strategy = s } }

// WithRunMetrics records run and day counters into m.
func WithRunMetrics(m *RunMetrics) Option { return func(o *options) { o.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.log = l } }

// WithParallelism bounds how many strategies a PortfolioEngine runs at once.
func WithParallelism(n int) Option { return func(o *options) { o.parallelism = n } }

func buildOptions(opts []Option) options {
	o := options{parallelism: 4}
	for _, fn := range opts {
		fn(&o)
	}
	if o.parser == nil {
		o.parser = dsl.NewParser()
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	return o
}
