package symphony

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"symphony/internal/api"
	"symphony/internal/backtest"
	"symphony/internal/config"
	"symphony/internal/domain"
	"symphony/internal/performance"
	"symphony/internal/store"
	"symphony/internal/strategy"
)

func TestNewClient(t *testing.T) {
	c := NewClient("http://localhost:8080/")
	if c.baseURL != "http://localhost:8080" {
		t.Errorf("baseURL = %q, want trailing slash trimmed", c.baseURL)
	}
	if c.httpClient == nil {
		t.Fatal("expected non-nil httpClient")
	}
}

func TestClientAgainstServer(t *testing.T) {
	ctx := context.Background()

	reg := strategy.NewRegistry()
	s, err := strategy.Parse(nil, `(defsymphony "Stocks" {:benchmark "SPY"} (asset "VTI"))`, "")
	if err != nil {
		t.Fatal(err)
	}
	reg.Register(s)

	runs, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer runs.Close()

	day := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	res := &backtest.Result{
		ID:       "abc",
		Strategy: "Stocks",
		Config: backtest.Config{
			Start: day, End: day.AddDate(0, 0, 1), InitialCapital: 500,
			DataDir: "data", Market: domain.MarketUS,
		},
		Equity:     []domain.EquityPoint{{Date: day, Value: 500}, {Date: day.AddDate(0, 0, 1), Value: 505}},
		Trades:     []domain.Trade{{Date: day, Symbol: "VTI", Side: domain.SideBuy, Shares: 2, Price: 250, Value: 500}},
		Metrics:    performance.Metrics{TotalReturn: 0.01, TotalTrades: 1, TradingDays: 2},
		FinalValue: 505,
	}
	rec, err := res.Record()
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := runs.SaveRun(ctx, rec); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	srv := api.NewServer(config.Default(), reg, runs, nil)
	srv.Health().SetServing(true)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	c := NewClient(ts.URL)

	h, err := c.Health(ctx)
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.Status != "ok" || h.Strategies != 1 {
		t.Errorf("health = %+v, want ok with 1 strategy", h)
	}

	list, err := c.ListStrategies(ctx)
	if err != nil {
		t.Fatalf("ListStrategies: %v", err)
	}
	if len(list) != 1 || list[0].Name != "Stocks" {
		t.Errorf("strategies = %+v", list)
	}
	one, err := c.GetStrategy(ctx, "Stocks")
	if err != nil {
		t.Fatalf("GetStrategy: %v", err)
	}
	if one.Metadata["benchmark"] != "SPY" || one.Source == "" {
		t.Errorf("strategy = %+v", one)
	}
	if _, err := c.GetStrategy(ctx, "Nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing strategy error = %v, want ErrNotFound", err)
	}

	bts, err := c.ListBacktests(ctx, 10)
	if err != nil {
		t.Fatalf("ListBacktests: %v", err)
	}
	if len(bts) != 1 || bts[0].ID != "abc" || bts[0].End != "2024-01-03" {
		t.Errorf("backtests = %+v", bts)
	}
	bt, err := c.GetBacktest(ctx, "abc")
	if err != nil {
		t.Fatalf("GetBacktest: %v", err)
	}
	if len(bt.Equity) != 2 || bt.Equity[1].Value != 505 {
		t.Errorf("equity = %+v", bt.Equity)
	}
	if len(bt.Trades) != 1 || bt.Trades[0].Side != "buy" {
		t.Errorf("trades = %+v", bt.Trades)
	}
	if got := bt.Result["final_value"]; got != "505" {
		t.Errorf("final_value = %v, want \"505\"", got)
	}
}
