package gather

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"symphony/internal/domain"
	"symphony/internal/store"
)

// ---------------------------------------------------------------------------
// Compile-time interface checks
// ---------------------------------------------------------------------------

var _ Gatherer = (*BarGatherer)(nil)

// MultiBarSource fetches daily bars for several symbols in one request.
// marketdata.Alpaca implements it.
type MultiBarSource interface {
	GetMultiBars(ctx context.Context, symbols []string, start, end time.Time) ([]domain.Bar, error)
}

// BarGathererConfig configures a BarGatherer.
type BarGathererConfig struct {
	Symbols   []string
	Range     DateRange
	Market    domain.Market
	DataDir   string // holds the resume log; normally the store's data dir
	BatchSize int    // symbols per request, default 100
	Workers   int    // concurrent requests, default 4
}

// BarStats summarizes one gathering pass.
type BarStats struct {
	Requested int64 // symbols not already fetched through the end date
	Hits      int64 // symbols that returned bars
	Empty     int64 // symbols that returned nothing
	Bars      int64
	Failed    int64 // symbols in failed batches
}

// BarGatherer downloads daily bars for a fixed symbol list into a
// BarStore. Symbols already fetched through the same end date are skipped,
// so a rerun after an interruption only requests what is missing.
type BarGatherer struct {
	src   MultiBarSource
	store store.BarStore
	cfg   BarGathererConfig
	log   *slog.Logger

	requested, hits, empty, bars, failed atomic.Int64
}

// NewBarGatherer creates a BarGatherer reading from src and writing to st.
func NewBarGatherer(src MultiBarSource, st store.BarStore, cfg BarGathererConfig) *BarGatherer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Market == "" {
		cfg.Market = domain.MarketUS
	}
	cfg.Symbols = normalizeSymbols(cfg.Symbols)
	return &BarGatherer{
		src:   src,
		store: st,
		cfg:   cfg,
		log:   slog.Default().With("gatherer", "bars-"+string(cfg.Market)),
	}
}

// Name returns the gatherer identifier.
func (g *BarGatherer) Name() string { return "bars-" + string(g.cfg.Market) }

// Stats returns the counters of the last Run.
func (g *BarGatherer) Stats() BarStats {
	return BarStats{
		Requested: g.requested.Load(),
		Hits:      g.hits.Load(),
		Empty:     g.empty.Load(),
		Bars:      g.bars.Load(),
		Failed:    g.failed.Load(),
	}
}

// Run fetches every configured symbol over the configured range. A failed
// batch is logged and left unmarked so the next run retries it; Run then
// reports how many symbols failed.
func (g *BarGatherer) Run(ctx context.Context) error {
	for _, c := range []*atomic.Int64{&g.requested, &g.hits, &g.empty, &g.bars, &g.failed} {
		c.Store(0)
	}
	rng := g.cfg.Range
	if rng.End.Before(rng.Start) {
		return fmt.Errorf("end %s is before start %s", rng.End.Format(time.DateOnly), rng.Start.Format(time.DateOnly))
	}
	endStr := rng.End.Format(time.DateOnly)

	flog, err := openFetchLog(filepath.Join(g.cfg.DataDir, string(g.cfg.Market)), endStr)
	if err != nil {
		return err
	}
	defer flog.Close()

	var remaining []string
	for _, sym := range g.cfg.Symbols {
		if !flog.Done(sym) {
			remaining = append(remaining, sym)
		}
	}
	g.requested.Store(int64(len(remaining)))
	if len(remaining) == 0 {
		g.log.Info("already up to date", "end", endStr, "symbols", len(g.cfg.Symbols))
		return nil
	}

	var batches [][]string
	for i := 0; i < len(remaining); i += g.cfg.BatchSize {
		batches = append(batches, remaining[i:min(i+g.cfg.BatchSize, len(remaining))])
	}
	g.log.Info("starting fetch",
		"start", rng.Start.Format(time.DateOnly),
		"end", endStr,
		"symbols", len(remaining),
		"batches", len(batches),
	)

	runStart := time.Now()
	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(g.cfg.Workers)
	for i, batch := range batches {
		eg.Go(func() error {
			if err := g.runBatch(ectx, flog, batch); err != nil {
				if ectx.Err() != nil {
					return ectx.Err()
				}
				g.failed.Add(int64(len(batch)))
				g.log.Error("batch failed",
					"batch", fmt.Sprintf("%d/%d", i+1, len(batches)),
					"err", err,
				)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	st := g.Stats()
	g.log.Info("complete",
		"hits", st.Hits,
		"empty", st.Empty,
		"bars", st.Bars,
		"failed", st.Failed,
		"elapsed", time.Since(runStart).Round(time.Millisecond),
	)
	if st.Failed > 0 {
		return fmt.Errorf("%d of %d symbols failed", st.Failed, st.Requested)
	}
	return nil
}

func (g *BarGatherer) runBatch(ctx context.Context, flog *fetchLog, batch []string) error {
	bars, err := g.src.GetMultiBars(ctx, batch, g.cfg.Range.Start, g.cfg.Range.End)
	if err != nil {
		return fmt.Errorf("fetching %d symbols: %w", len(batch), err)
	}

	hit := make(map[string]struct{})
	for i := range bars {
		bars[i].Symbol = strings.ToUpper(bars[i].Symbol)
		hit[bars[i].Symbol] = struct{}{}
	}
	if len(bars) > 0 {
		if err := g.store.WriteBars(ctx, string(g.cfg.Market), bars); err != nil {
			return fmt.Errorf("writing bars: %w", err)
		}
	}
	for _, sym := range batch {
		if _, ok := hit[sym]; !ok {
			g.log.Warn("no bars returned", "symbol", sym)
		}
	}
	g.hits.Add(int64(len(hit)))
	g.empty.Add(int64(len(batch) - len(hit)))
	g.bars.Add(int64(len(bars)))

	if err := flog.Mark(batch); err != nil {
		return errors.Join(errors.New("bars written but not recorded"), err)
	}
	return nil
}

// normalizeSymbols upper-cases, trims, drops empties and de-duplicates.
func normalizeSymbols(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
