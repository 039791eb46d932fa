package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	amd "github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"symphony/internal/domain"
	"symphony/internal/util"
)

// Compile-time interface check.
var _ Port = (*Alpaca)(nil)

// AlpacaConfig holds credentials and limits for the Alpaca data API.
type AlpacaConfig struct {
	APIKey          string
	APISecret       string
	DataURL         string
	Feed            string // "iex" or "sip"
	RateLimitPerMin int
}

// Alpaca implements Port against the Alpaca market-data REST API. It is
// used for live strategy evaluation and for downloading history.
type Alpaca struct {
	client  *amd.Client
	feed    string
	limiter *util.RateLimiter
	now     func() time.Time
	log     *slog.Logger
}

// NewAlpaca creates an Alpaca-backed Port.
func NewAlpaca(cfg AlpacaConfig) *Alpaca {
	opts := amd.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
	}
	if cfg.DataURL != "" {
		opts.BaseURL = cfg.DataURL
	}
	feed := cfg.Feed
	if feed == "" {
		feed = "iex"
	}
	return &Alpaca{
		client:  amd.NewClient(opts),
		feed:    feed,
		limiter: util.NewRateLimiter(cfg.RateLimitPerMin),
		now:     time.Now,
		log:     slog.Default().With("component", "alpaca-marketdata"),
	}
}

const (
	alpacaAttempts  = 3
	alpacaBaseDelay = 500 * time.Millisecond
)

// GetBars fetches split- and dividend-adjusted bars covering period.
func (a *Alpaca) GetBars(ctx context.Context, symbol, period string, tf domain.Timeframe) ([]domain.Bar, error) {
	per, err := ParsePeriod(period)
	if err != nil {
		return nil, err
	}
	timeframe, err := alpacaTimeFrame(tf)
	if err != nil {
		return nil, err
	}
	end := a.now()
	start := per.Start(end)
	if start.IsZero() {
		start = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	symbol = strings.ToUpper(symbol)

	raw, err := util.RetryValue(ctx, alpacaAttempts, alpacaBaseDelay, func() ([]amd.Bar, error) {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, util.Permanent(err)
		}
		return a.client.GetBars(symbol, amd.GetBarsRequest{
			TimeFrame:  timeframe,
			Start:      start,
			End:        end,
			Feed:       a.feed,
			Adjustment: amd.All,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("fetching %s bars for %s: %w", tf, symbol, err)
	}
	return convertBars(symbol, raw), nil
}

// GetMultiBars fetches daily bars for several symbols between start and
// end in one request.
func (a *Alpaca) GetMultiBars(ctx context.Context, symbols []string, start, end time.Time) ([]domain.Bar, error) {
	multi, err := util.RetryValue(ctx, alpacaAttempts, alpacaBaseDelay, func() (map[string][]amd.Bar, error) {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, util.Permanent(err)
		}
		return a.client.GetMultiBars(symbols, amd.GetBarsRequest{
			TimeFrame:  amd.OneDay,
			Start:      start,
			End:        end,
			Feed:       a.feed,
			Adjustment: amd.All,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("GetMultiBars: %w", err)
	}
	var bars []domain.Bar
	for symbol, raw := range multi {
		bars = append(bars, convertBars(strings.ToUpper(symbol), raw)...)
	}
	return bars, nil
}

// GetLatestQuote returns the latest NBBO quote, or nil when Alpaca has none.
func (a *Alpaca) GetLatestQuote(ctx context.Context, symbol string) (*domain.Quote, error) {
	symbol = strings.ToUpper(symbol)
	q, err := util.RetryValue(ctx, alpacaAttempts, alpacaBaseDelay, func() (*amd.Quote, error) {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, util.Permanent(err)
		}
		return a.client.GetLatestQuote(symbol, amd.GetLatestQuoteRequest{Feed: a.feed})
	})
	if err != nil {
		return nil, fmt.Errorf("fetching latest quote for %s: %w", symbol, err)
	}
	if q == nil {
		return nil, nil
	}
	return &domain.Quote{
		Symbol:    symbol,
		Timestamp: q.Timestamp,
		BidPrice:  q.BidPrice,
		BidSize:   float64(q.BidSize),
		AskPrice:  q.AskPrice,
		AskSize:   float64(q.AskSize),
	}, nil
}

// GetCurrentPrice returns the latest trade price, falling back to the
// quote midpoint.
func (a *Alpaca) GetCurrentPrice(ctx context.Context, symbol string) (float64, bool, error) {
	symbol = strings.ToUpper(symbol)
	t, err := util.RetryValue(ctx, alpacaAttempts, alpacaBaseDelay, func() (*amd.Trade, error) {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, util.Permanent(err)
		}
		return a.client.GetLatestTrade(symbol, amd.GetLatestTradeRequest{Feed: a.feed})
	})
	if err == nil && t != nil && t.Price > 0 {
		return t.Price, true, nil
	}
	if err != nil {
		a.log.Warn("latest trade unavailable, using quote", "symbol", symbol, "error", err)
	}
	q, err := a.GetLatestQuote(ctx, symbol)
	if err != nil {
		return 0, false, err
	}
	if q == nil || q.Mid() <= 0 {
		return 0, false, nil
	}
	return q.Mid(), true, nil
}

func alpacaTimeFrame(tf domain.Timeframe) (amd.TimeFrame, error) {
	switch tf {
	case "", domain.TimeframeDay:
		return amd.OneDay, nil
	case domain.TimeframeHour:
		return amd.OneHour, nil
	}
	return amd.TimeFrame{}, fmt.Errorf("unsupported timeframe %q", tf)
}

func convertBars(symbol string, raw []amd.Bar) []domain.Bar {
	bars := make([]domain.Bar, 0, len(raw))
	for _, ab := range raw {
		bars = append(bars, domain.Bar{
			Symbol:     symbol,
			Timestamp:  ab.Timestamp,
			Open:       ab.Open,
			High:       ab.High,
			Low:        ab.Low,
			Close:      ab.Close,
			Volume:     int64(ab.Volume),
			TradeCount: int64(ab.TradeCount),
			VWAP:       ab.VWAP,
		})
	}
	return bars
}
