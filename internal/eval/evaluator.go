// Package eval evaluates strategy ASTs into numbers, booleans and target
// portfolios against a market data port.
package eval

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"symphony/internal/domain"
	"symphony/internal/dsl"
	"symphony/internal/indicators"
	"symphony/internal/marketdata"
)

// DefaultMaxDepth bounds evaluation recursion.
const DefaultMaxDepth = 256

// Evaluator evaluates ASTs. It holds no per-call state and is safe for
// concurrent use; the optional MemoCache is shared between calls.
type Evaluator struct {
	port        marketdata.Port
	memo        *MemoCache
	bindings    map[string]Value
	bindingsKey string
	maxDepth    int
	log         *slog.Logger
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithMemo enables cross-call memoization of node results.
func WithMemo(m *MemoCache) Option { return func(e *Evaluator) { e.memo = m } }

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option { return func(e *Evaluator) { e.log = l } }

// WithMaxDepth bounds evaluation recursion depth.
func WithMaxDepth(n int) Option { return func(e *Evaluator) { e.maxDepth = n } }

// WithBindings binds values to symbol references.
func WithBindings(b map[string]Value) Option {
	return func(e *Evaluator) {
		e.bindings = make(map[string]Value, len(b))
		for k, v := range b {
			e.bindings[k] = v
		}
	}
}

// New creates an Evaluator reading market data from port.
func New(port marketdata.Port, opts ...Option) *Evaluator {
	e := &Evaluator{port: port, maxDepth: DefaultMaxDepth}
	for _, o := range opts {
		o(e)
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	e.log = e.log.With("component", "evaluator")
	if len(e.bindings) > 0 {
		env := make(map[string]string, len(e.bindings))
		for k, v := range e.bindings {
			env[k] = v.Kind().String() + ":" + v.String()
		}
		e.bindingsKey = NewEvalContext(time.Time{}, nil, env).Env
	}
	return e
}

// Evaluate evaluates node. Each call records its own trace and keeps its
// own indicator cache.
func (e *Evaluator) Evaluate(ctx context.Context, node dsl.Node, ec EvalContext) (Value, *Trace, error) {
	if node == nil {
		return Value{}, nil, &EvaluationError{Msg: "nil node"}
	}
	p := &pass{
		Evaluator:  e,
		ctx:        ctx,
		ec:         ec,
		trace:      &Trace{},
		indicators: make(map[string]float64),
		bars:       make(map[string][]domain.Bar),
	}
	p.memoCtx = ec
	p.memoCtx.Env += "|" + e.bindingsKey

	v, err := p.eval(node, 0)
	if err != nil {
		e.log.Debug("evaluation failed", "bucket", ec.TimeBucket, "steps", p.trace.Len(), "error", err)
		return Value{}, p.trace, err
	}
	e.log.Debug("evaluated", "bucket", ec.TimeBucket, "kind", v.Kind().String(), "steps", p.trace.Len())
	return v, p.trace, nil
}

// EvaluatePortfolio evaluates node and requires a portfolio result.
func (e *Evaluator) EvaluatePortfolio(ctx context.Context, node dsl.Node, ec EvalContext) (Portfolio, *Trace, error) {
	v, trace, err := e.Evaluate(ctx, node, ec)
	if err != nil {
		return Portfolio{}, trace, err
	}
	port, ok := v.Portfolio()
	if !ok {
		return Portfolio{}, trace, evalErrorf(node, "strategy produced a %s, want a portfolio", v.Kind())
	}
	return port, trace, nil
}

// pass is the mutable scratch space of one Evaluate call.
type pass struct {
	*Evaluator
	ctx        context.Context
	ec         EvalContext
	memoCtx    EvalContext
	trace      *Trace
	indicators map[string]float64
	bars       map[string][]domain.Bar
}

func memoizable(n dsl.Node) bool {
	switch n.Kind() {
	case dsl.KindNumber, dsl.KindString, dsl.KindSymbol, dsl.KindAsset, dsl.KindSelect:
		return false
	}
	return true
}

func (p *pass) eval(n dsl.Node, depth int) (Value, error) {
	if p.maxDepth > 0 && depth > p.maxDepth {
		return Value{}, evalErrorf(n, "maximum evaluation depth %d exceeded", p.maxDepth)
	}
	useMemo := p.memo != nil && p.ec.Cacheable() && memoizable(n)
	if useMemo {
		if v, ok := p.memo.Get(n.ID(), p.memoCtx); ok {
			p.trace.add(StepMemoHit, n.ID(), n.Kind().String(), v.String())
			return v, nil
		}
	}
	v, err := p.evalNode(n, depth)
	if err != nil {
		return Value{}, err
	}
	if useMemo {
		p.memo.Put(n.ID(), p.memoCtx, v)
	}
	return v, nil
}

func (p *pass) evalNode(n dsl.Node, depth int) (Value, error) {
	switch n := n.(type) {
	case *dsl.NumberLit:
		return Number(n.Value), nil
	case *dsl.StringLit:
		return String(n.Value), nil
	case *dsl.SymbolRef:
		v, ok := p.bindings[n.Name]
		if !ok {
			return Value{}, evalErrorf(n, "unbound symbol %q", n.Name)
		}
		return v, nil
	case *dsl.Compare:
		return p.compare(n, depth)
	case *dsl.If:
		return p.ifExpr(n, depth)
	case *dsl.Indicator:
		if n.Symbol == "" {
			return Value{}, evalErrorf(n, "%s without a symbol is only valid as a filter metric", n.Func)
		}
		v, err := p.indicator(n, n.Symbol)
		if err != nil {
			return Value{}, err
		}
		return Number(v), nil
	case *dsl.Asset:
		return PortfolioValue(Single(n.Symbol)), nil
	case *dsl.Group:
		return p.union("group "+strconv.Quote(n.Name), n, n.Body, depth)
	case *dsl.Block:
		return p.union("block", n, n.Body, depth)
	case *dsl.WeightEqual:
		ports, err := p.portfolios("weight-equal", n.Body, depth)
		if err != nil {
			return Value{}, err
		}
		return p.built("weight-equal", n, ports, equalWeight)
	case *dsl.WeightSpecified:
		ports, err := p.portfolios("weight-specified", n.Body, depth)
		if err != nil {
			return Value{}, err
		}
		return p.built("weight-specified", n, ports, func(ps []Portfolio) (Portfolio, error) {
			return blend(ps, n.Weights)
		})
	case *dsl.WeightInverseVol:
		return p.inverseVol(n, depth)
	case *dsl.Filter:
		return p.filter(n)
	case *dsl.Select:
		return Value{}, evalErrorf(n, "%s outside a filter", n)
	case *dsl.Symphony:
		return p.eval(n.Body, depth+1)
	}
	return Value{}, evalErrorf(n, "unsupported node")
}

func (p *pass) compare(n *dsl.Compare, depth int) (Value, error) {
	left, err := p.eval(n.Left, depth+1)
	if err != nil {
		return Value{}, err
	}
	right, err := p.eval(n.Right, depth+1)
	if err != nil {
		return Value{}, err
	}
	a, ok := left.Number()
	if !ok {
		return Value{}, evalErrorf(n, "left operand of %s is a %s, want a number", n.Op, left.Kind())
	}
	b, ok := right.Number()
	if !ok {
		return Value{}, evalErrorf(n, "right operand of %s is a %s, want a number", n.Op, right.Kind())
	}
	result := n.Op.Apply(a, b)
	p.trace.add(StepCompare, n.ID(), fmt.Sprintf("%s %s %s", left, n.Op, right), strconv.FormatBool(result))
	return Bool(result), nil
}

func (p *pass) ifExpr(n *dsl.If, depth int) (Value, error) {
	cv, err := p.eval(n.Cond, depth+1)
	if err != nil {
		return Value{}, err
	}
	cond, ok := cv.Bool()
	if !ok {
		return Value{}, evalErrorf(n, "condition is a %s, want a boolean", cv.Kind())
	}
	if cond {
		p.trace.add(StepBranch, n.ID(), "if", "then")
		return p.eval(n.Then, depth+1)
	}
	if n.Else == nil {
		return Value{}, evalErrorf(n, "condition is false and there is no else branch")
	}
	p.trace.add(StepBranch, n.ID(), "if", "else")
	return p.eval(n.Else, depth+1)
}

func (p *pass) portfolios(op string, nodes []dsl.Node, depth int) ([]Portfolio, error) {
	out := make([]Portfolio, 0, len(nodes))
	for i, c := range nodes {
		v, err := p.eval(c, depth+1)
		if err != nil {
			return nil, err
		}
		port, ok := v.Portfolio()
		if !ok {
			return nil, portfolioErrorf(op, "operand %d is a %s, want a portfolio", i+1, v.Kind())
		}
		out = append(out, port)
	}
	if len(out) == 0 {
		return nil, portfolioErrorf(op, "no operands")
	}
	return out, nil
}

// union returns a lone operand unchanged and equal-weights several.
func (p *pass) union(op string, n dsl.Node, body []dsl.Node, depth int) (Value, error) {
	ports, err := p.portfolios(op, body, depth)
	if err != nil {
		return Value{}, err
	}
	if len(ports) == 1 {
		return PortfolioValue(ports[0]), nil
	}
	return p.built(op, n, ports, equalWeight)
}

func (p *pass) built(op string, n dsl.Node, ports []Portfolio, build func([]Portfolio) (Portfolio, error)) (Value, error) {
	port, err := build(ports)
	if err != nil {
		return Value{}, err
	}
	p.trace.add(StepPortfolio, n.ID(), op, port.String())
	return PortfolioValue(port), nil
}

func (p *pass) inverseVol(n *dsl.WeightInverseVol, depth int) (Value, error) {
	ports, err := p.portfolios("weight-inverse-volatility", n.Body, depth)
	if err != nil {
		return Value{}, err
	}
	factors := make([]float64, len(ports))
	for i, port := range ports {
		vol, err := p.portfolioVolatility(port, n.Lookback)
		if err != nil {
			return Value{}, err
		}
		if vol <= 0 || math.IsNaN(vol) {
			return Value{}, portfolioErrorf("weight-inverse-volatility", "operand %d has zero volatility over %d days", i+1, n.Lookback)
		}
		factors[i] = 1 / vol
	}
	return p.built(fmt.Sprintf("weight-inverse-volatility %d", n.Lookback), n, ports, func(ps []Portfolio) (Portfolio, error) {
		return blend(ps, factors)
	})
}

// portfolioVolatility returns the sample standard deviation of port's daily
// returns over the last lookback days, with constituent series aligned on
// their most recent bars.
func (p *pass) portfolioVolatility(port Portfolio, lookback int) (float64, error) {
	var series [][]float64
	var weights []float64
	length := lookback
	for _, sym := range port.Symbols() {
		bars, err := p.fetch(dsl.FuncStdDevReturn, sym, lookback, lookback+1)
		if err != nil {
			return 0, err
		}
		r := indicators.Returns(marketdata.Closes(bars))
		if len(r) > lookback {
			r = r[len(r)-lookback:]
		}
		length = min(length, len(r))
		series = append(series, r)
		weights = append(weights, port.Weight(sym))
	}
	if length < 2 {
		return 0, &IndicatorError{Func: dsl.FuncStdDevReturn, Symbol: strings.Join(port.Symbols(), "+"), Window: lookback, Msg: "not enough history for volatility"}
	}
	combined := make([]float64, length)
	for i, r := range series {
		r = r[len(r)-length:]
		for t := range combined {
			combined[t] += weights[i] * r[t]
		}
	}
	return indicators.StdDev(combined), nil
}

func (p *pass) filter(n *dsl.Filter) (Value, error) {
	type scored struct {
		symbol string
		value  float64
	}
	cands := make([]scored, 0, len(n.Assets))
	seen := make(map[string]bool, len(n.Assets))
	for _, a := range n.Assets {
		// A repeated candidate competes once.
		if seen[a.Symbol] {
			continue
		}
		seen[a.Symbol] = true
		v, err := p.indicator(n.Metric, a.Symbol)
		if err != nil {
			return Value{}, err
		}
		cands = append(cands, scored{a.Symbol, v})
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if n.Select.Top {
			return cands[i].value > cands[j].value
		}
		return cands[i].value < cands[j].value
	})
	keep := min(n.Select.N, len(cands))
	kept := make(map[string]float64, keep)
	names := make([]string, 0, keep)
	for _, c := range cands[:keep] {
		kept[c.symbol] = 1
		names = append(names, c.symbol)
	}
	port, err := NewPortfolio(kept)
	if err != nil {
		return Value{}, err
	}
	p.trace.add(StepFilter, n.ID(), fmt.Sprintf("%s by %s", n.Select, n.Metric.Func), strings.Join(names, ","))
	return PortfolioValue(port), nil
}

// ---------------------------------------------------------------------------
// Indicators
// ---------------------------------------------------------------------------

// barsNeeded returns how many daily bars fn needs for window. RSI takes
// extra history so Wilder smoothing has settled.
func barsNeeded(fn dsl.IndicatorFunc, window int) int {
	switch fn {
	case dsl.FuncMovingAveragePrice:
		return window
	case dsl.FuncRSI:
		return window*5 + 1
	}
	return window + 1
}

func (p *pass) indicator(n *dsl.Indicator, symbol string) (float64, error) {
	key := string(n.Func) + "|" + symbol + "|" + strconv.Itoa(n.Window)
	if v, ok := p.indicators[key]; ok {
		return v, nil
	}
	v, err := p.computeIndicator(n.Func, symbol, n.Window)
	if err != nil {
		return 0, err
	}
	p.indicators[key] = v
	p.trace.add(StepIndicator, n.ID(), fmt.Sprintf("%s(%s, %d)", n.Func, symbol, n.Window), strconv.FormatFloat(v, 'g', 6, 64))
	return v, nil
}

func (p *pass) computeIndicator(fn dsl.IndicatorFunc, symbol string, window int) (float64, error) {
	if fn == dsl.FuncCurrentPrice {
		price, ok, err := p.port.GetCurrentPrice(p.ctx, symbol)
		if err != nil {
			return 0, &IndicatorError{Func: fn, Symbol: symbol, Msg: "fetching price", Err: err}
		}
		if !ok || !(price > 0) {
			return 0, &IndicatorError{Func: fn, Symbol: symbol, Msg: "no current price"}
		}
		return price, nil
	}

	bars, err := p.fetch(fn, symbol, window, barsNeeded(fn, window))
	if err != nil {
		return 0, err
	}
	closes := marketdata.Closes(bars)

	var (
		v  float64
		ok bool
	)
	switch fn {
	case dsl.FuncRSI:
		v, ok = indicators.RSI(closes, window)
	case dsl.FuncMovingAveragePrice:
		v, ok = indicators.SMA(closes, window)
	case dsl.FuncMovingAverageReturn:
		v, ok = indicators.MeanReturn(closes, window)
		v *= 100
	case dsl.FuncCumulativeReturn:
		v, ok = indicators.CumulativeReturn(closes, window)
		v *= 100
	case dsl.FuncStdDevReturn:
		v, ok = indicators.StdDevReturn(closes, window)
		v *= 100
	default:
		return 0, &IndicatorError{Func: fn, Symbol: symbol, Window: window, Msg: "unknown indicator"}
	}
	if !ok {
		return 0, &IndicatorError{Func: fn, Symbol: symbol, Window: window,
			Msg: fmt.Sprintf("no valid value from %d bars", len(closes))}
	}
	return v, nil
}

// fetch returns up to need of the most recent daily bars of symbol. The
// bars are cached for the rest of the pass.
func (p *pass) fetch(fn dsl.IndicatorFunc, symbol string, window, need int) ([]domain.Bar, error) {
	if err := p.ctx.Err(); err != nil {
		return nil, err
	}
	period := marketdata.PeriodForBars(need)
	key := symbol + "|" + period
	bars, ok := p.bars[key]
	if !ok {
		var err error
		bars, err = p.port.GetBars(p.ctx, symbol, period, domain.TimeframeDay)
		if err != nil {
			return nil, &IndicatorError{Func: fn, Symbol: symbol, Window: window, Msg: "fetching bars", Err: err}
		}
		p.bars[key] = bars
	}
	if len(bars) == 0 {
		return nil, &IndicatorError{Func: fn, Symbol: symbol, Window: window, Msg: "no market data"}
	}
	if len(bars) > need {
		bars = bars[len(bars)-need:]
	}
	return bars, nil
}
