// Package portfolio simulates a cash and positions ledger that is
// rebalanced to target weights with slippage and commission.
package portfolio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"symphony/internal/domain"
)

// NearZeroShares is the size below which a position is closed out.
const NearZeroShares = 1e-9

// ErrNoPrice is returned when a target symbol has no price on the
// rebalance date.
var ErrNoPrice = errors.New("no price")

// PriceSource returns the close of symbol on or before date.
type PriceSource interface {
	GetClosePriceOn(ctx context.Context, symbol string, date time.Time) (float64, bool, error)
}

// Config is the transaction cost model.
type Config struct {
	SlippageBps        float64 // applied against the trader on every fill
	CommissionPerShare float64
	MinTradeValue      float64 // smaller adjustments are skipped
}

// State is a point-in-time snapshot of the ledger.
type State struct {
	Date      time.Time
	Cash      float64
	Positions map[string]domain.Position
}

// TotalValue returns cash plus the market value of all positions.
func (s State) TotalValue() float64 {
	total := s.Cash
	for _, p := range s.Positions {
		total += p.MarketValue()
	}
	return total
}

// Weights returns each position's share of total value.
func (s State) Weights() map[string]float64 {
	total := s.TotalValue()
	out := make(map[string]float64, len(s.Positions))
	if total <= 0 {
		return out
	}
	for sym, p := range s.Positions {
		out[sym] = p.MarketValue() / total
	}
	return out
}

func (s State) clone() State {
	c := State{Date: s.Date, Cash: s.Cash, Positions: make(map[string]domain.Position, len(s.Positions))}
	for k, v := range s.Positions {
		c.Positions[k] = v
	}
	return c
}

// Simulator is a single-writer ledger: Rebalance and MarkToMarket must be
// called in date order from one goroutine. Readers may run concurrently
// and never observe a partially applied rebalance.
type Simulator struct {
	cfg    Config
	prices PriceSource
	log    *slog.Logger

	mu          sync.RWMutex
	initialized bool
	state       State
	trades      []domain.Trade
	equity      []domain.EquityPoint
}

// NewSimulator creates a simulator pricing fills through prices.
func NewSimulator(prices PriceSource, cfg Config) *Simulator {
	if cfg.MinTradeValue <= 0 {
		cfg.MinTradeValue = 0.01
	}
	return &Simulator{
		cfg:    cfg,
		prices: prices,
		log:    slog.Default().With("component", "simulator"),
		state:  State{Positions: map[string]domain.Position{}},
	}
}

// Initialize resets the ledger to capital in cash with no positions,
// trades or equity history.
func (s *Simulator) Initialize(capital float64) error {
	if !(capital > 0) || math.IsInf(capital, 0) {
		return fmt.Errorf("initial capital must be positive, got %v", capital)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = State{Cash: capital, Positions: map[string]domain.Position{}}
	s.trades = nil
	s.equity = nil
	s.initialized = true
	return nil
}

type order struct {
	symbol string
	shares float64
	price  float64 // market price before slippage
}

// Rebalance trades the book toward targets (symbol -> weight of total
// value) at the close of date and returns the fills, sells first. Weights
// may sum to less than 1; the remainder stays in cash.
//
// The rebalance is computed on a copy of the ledger and committed only if
// it succeeds. A target symbol without a price fails with ErrNoPrice; a
// held symbol without a fresh price keeps its last price and is not traded.
func (s *Simulator) Rebalance(ctx context.Context, date time.Time, targets map[string]float64) ([]domain.Trade, error) {
	if err := validateTargets(targets); err != nil {
		return nil, err
	}

	s.mu.RLock()
	if !s.initialized {
		s.mu.RUnlock()
		return nil, errors.New("simulator not initialized")
	}
	book := s.state.clone()
	s.mu.RUnlock()
	book.Date = date

	symbols := unionSymbols(book.Positions, targets)
	prices := make(map[string]float64, len(symbols))
	for _, sym := range symbols {
		price, ok, err := s.prices.GetClosePriceOn(ctx, sym, date)
		if err != nil {
			return nil, fmt.Errorf("pricing %s: %w", sym, err)
		}
		if !ok || !(price > 0) {
			if targets[sym] > 0 {
				return nil, fmt.Errorf("%w for %s on %s", ErrNoPrice, sym, date.Format("2006-01-02"))
			}
			if _, held := book.Positions[sym]; held {
				s.log.Warn("no price for held position, keeping last price", "symbol", sym, "date", date.Format("2006-01-02"))
			}
			continue
		}
		prices[sym] = price
		if pos, held := book.Positions[sym]; held {
			pos.CurrentPrice = price
			book.Positions[sym] = pos
		}
	}

	total := book.TotalValue()
	var sells, buys []order
	for _, sym := range symbols {
		price, ok := prices[sym]
		if !ok {
			continue
		}
		held := book.Positions[sym].Shares
		delta := targets[sym]*total/price - held
		if math.Abs(delta*price) < s.cfg.MinTradeValue {
			continue
		}
		if delta < 0 {
			sells = append(sells, order{sym, math.Min(-delta, held), price})
		} else {
			buys = append(buys, order{sym, delta, price})
		}
	}

	var fills []domain.Trade
	for _, o := range sells {
		fills = append(fills, s.sell(&book, date, o))
	}
	fills = append(fills, s.buyAll(&book, date, buys)...)

	s.mu.Lock()
	s.state = book
	s.trades = append(s.trades, fills...)
	s.mu.Unlock()
	return fills, nil
}

func (s *Simulator) sell(book *State, date time.Time, o order) domain.Trade {
	exec := o.price * (1 - s.cfg.SlippageBps/1e4)
	commission := o.shares * s.cfg.CommissionPerShare
	value := o.shares * exec
	book.Cash += value - commission

	pos := book.Positions[o.symbol]
	pos.Shares -= o.shares
	if pos.Shares < NearZeroShares {
		delete(book.Positions, o.symbol)
	} else {
		book.Positions[o.symbol] = pos
	}
	return domain.Trade{Date: date, Symbol: o.symbol, Side: domain.SideSell, Shares: o.shares, Price: exec, Commission: commission, Value: value}
}

// buyAll executes buys in symbol order, scaling every order by the same
// factor when their total cost exceeds available cash.
func (s *Simulator) buyAll(book *State, date time.Time, buys []order) []domain.Trade {
	if len(buys) == 0 {
		return nil
	}
	perShare := func(o order) float64 {
		return o.price*(1+s.cfg.SlippageBps/1e4) + s.cfg.CommissionPerShare
	}
	cost := 0.0
	for _, o := range buys {
		cost += o.shares * perShare(o)
	}
	scale := 1.0
	if cost > book.Cash {
		scale = math.Max(book.Cash, 0) / cost
	}

	var fills []domain.Trade
	for _, o := range buys {
		shares := math.Min(o.shares*scale, math.Max(book.Cash, 0)/perShare(o))
		if shares*o.price < s.cfg.MinTradeValue || shares < NearZeroShares {
			continue
		}
		exec := o.price * (1 + s.cfg.SlippageBps/1e4)
		commission := shares * s.cfg.CommissionPerShare
		value := shares * exec
		book.Cash -= value + commission

		pos := book.Positions[o.symbol]
		newShares := pos.Shares + shares
		pos.CostBasis = (pos.Shares*pos.CostBasis + shares*exec) / newShares
		pos.Symbol = o.symbol
		pos.Shares = newShares
		pos.CurrentPrice = o.price
		book.Positions[o.symbol] = pos

		fills = append(fills, domain.Trade{Date: date, Symbol: o.symbol, Side: domain.SideBuy, Shares: shares, Price: exec, Commission: commission, Value: value})
	}
	return fills
}

// MarkToMarket reprices held positions at the close of date and appends
// the total value to the equity curve. A second mark on the same date
// replaces the first.
func (s *Simulator) MarkToMarket(ctx context.Context, date time.Time) (float64, error) {
	s.mu.RLock()
	book := s.state.clone()
	s.mu.RUnlock()

	for sym, pos := range book.Positions {
		price, ok, err := s.prices.GetClosePriceOn(ctx, sym, date)
		if err != nil {
			return 0, fmt.Errorf("pricing %s: %w", sym, err)
		}
		if ok && price > 0 {
			pos.CurrentPrice = price
			book.Positions[sym] = pos
		}
	}
	book.Date = date
	value := book.TotalValue()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = book
	point := domain.EquityPoint{Date: date, Value: value}
	if n := len(s.equity); n > 0 && sameDay(s.equity[n-1].Date, date) {
		s.equity[n-1] = point
	} else {
		s.equity = append(s.equity, point)
	}
	return value, nil
}

// EquityCurve returns the recorded equity history in date order.
func (s *Simulator) EquityCurve() []domain.EquityPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.EquityPoint(nil), s.equity...)
}

// Trades returns the trade log in execution order.
func (s *Simulator) Trades() []domain.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Trade(nil), s.trades...)
}

// State returns a snapshot of the ledger.
func (s *Simulator) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.clone()
}

func validateTargets(targets map[string]float64) error {
	sum := 0.0
	for sym, w := range targets {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return fmt.Errorf("invalid target weight %v for %s", w, sym)
		}
		sum += w
	}
	if sum > 1+1e-9 {
		return fmt.Errorf("target weights sum to %v, want at most 1", sum)
	}
	return nil
}

func unionSymbols(positions map[string]domain.Position, targets map[string]float64) []string {
	set := make(map[string]struct{}, len(positions)+len(targets))
	for s := range positions {
		set[s] = struct{}{}
	}
	for s := range targets {
		set[s] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
