package eval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"symphony/internal/domain"
	"symphony/internal/dsl"
	"symphony/internal/marketdata"
	"symphony/internal/util"
)

// fakePort serves fixed close series dated on consecutive weekdays ending
// at fakeEnd, cut to the requested period, and counts bar requests.
type fakePort struct {
	closes  map[string][]float64
	err     error
	barReqs int
	periods []string
}

var fakeEnd = time.Date(2024, 6, 28, 0, 0, 0, 0, time.UTC)

func (f *fakePort) GetBars(_ context.Context, symbol, period string, _ domain.Timeframe) ([]domain.Bar, error) {
	f.barReqs++
	f.periods = append(f.periods, period)
	if f.err != nil {
		return nil, f.err
	}
	per, err := marketdata.ParsePeriod(period)
	if err != nil {
		return nil, err
	}
	closes := f.closes[symbol]
	days := weekdaysEndingAt(fakeEnd, len(closes))
	from := per.Start(fakeEnd)
	var bars []domain.Bar
	for i, c := range closes {
		if !per.IsZero() && !days[i].After(from) {
			continue
		}
		bars = append(bars, domain.Bar{Symbol: symbol, Timestamp: days[i], Close: c})
	}
	return bars, nil
}

// weekdaysEndingAt returns the n weekdays up to and including end, oldest first.
func weekdaysEndingAt(end time.Time, n int) []time.Time {
	out := make([]time.Time, n)
	d := end
	for i := n - 1; i >= 0; i-- {
		for d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			d = d.AddDate(0, 0, -1)
		}
		out[i] = d
		d = d.AddDate(0, 0, -1)
	}
	return out
}

func (f *fakePort) GetLatestQuote(_ context.Context, symbol string) (*domain.Quote, error) {
	c := f.closes[symbol]
	if len(c) == 0 {
		return nil, nil
	}
	return &domain.Quote{Symbol: symbol, BidPrice: c[len(c)-1], AskPrice: c[len(c)-1]}, nil
}

func (f *fakePort) GetCurrentPrice(_ context.Context, symbol string) (float64, bool, error) {
	if f.err != nil {
		return 0, false, f.err
	}
	c := f.closes[symbol]
	if len(c) == 0 {
		return 0, false, nil
	}
	return c[len(c)-1], true, nil
}

func rising(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(100 + i)
	}
	return out
}

// alternating builds closes whose daily returns alternate between +r and -r.
func alternating(n int, r float64) []float64 {
	out := []float64{100}
	for i := 1; i < n; i++ {
		step := r
		if i%2 == 0 {
			step = -r
		}
		out = append(out, out[i-1]*(1+step))
	}
	return out
}

func mustParse(t *testing.T, src string) dsl.Node {
	t.Helper()
	n, err := dsl.Parse(src)
	if err != nil {
		t.Fatalf("Parse(%q): %v", src, err)
	}
	return n
}

func evalPortfolio(t *testing.T, e *Evaluator, src string) Portfolio {
	t.Helper()
	p, _, err := e.EvaluatePortfolio(context.Background(), mustParse(t, src), EvalContext{})
	if err != nil {
		t.Fatalf("EvaluatePortfolio(%q): %v", src, err)
	}
	checkWeights(t, p)
	return p
}

func checkWeights(t *testing.T, p Portfolio) {
	t.Helper()
	for s, w := range p.Weights() {
		if w < 0 {
			t.Errorf("weight of %s = %v, want non-negative", s, w)
		}
	}
	if math.Abs(p.Sum()-1) > WeightTolerance {
		t.Errorf("weights sum to %v, want 1", p.Sum())
	}
}

func TestWeightEqualOneOverN(t *testing.T) {
	e := New(&fakePort{})
	for n := 1; n <= 50; n++ {
		var b strings.Builder
		b.WriteString("(weight-equal [")
		for i := 0; i < n; i++ {
			fmt.Fprintf(&b, `(asset "S%d") `, i)
		}
		b.WriteString("])")
		p := evalPortfolio(t, e, b.String())
		if p.Len() != n {
			t.Fatalf("N=%d: %d symbols", n, p.Len())
		}
		for _, s := range p.Symbols() {
			if got := p.Weight(s); math.Abs(got-1/float64(n)) > 1e-15 {
				t.Errorf("N=%d: weight of %s = %v, want %v", n, s, got, 1/float64(n))
			}
		}
	}
}

func TestWeightEqualUnionOfOperands(t *testing.T) {
	e := New(&fakePort{})
	p := evalPortfolio(t, e, `(weight-equal (asset "A") (weight-specified 0.9 (asset "B") 0.1 (asset "C")) (asset "A"))`)
	for _, s := range []string{"A", "B", "C"} {
		if got := p.Weight(s); math.Abs(got-1.0/3) > 1e-12 {
			t.Errorf("weight of %s = %v, want 1/3", s, got)
		}
	}
}

func TestWeightSpecified(t *testing.T) {
	e := New(&fakePort{})
	p := evalPortfolio(t, e, `(weight-specified 60 (asset "A") 40 (asset "B"))`)
	if math.Abs(p.Weight("A")-0.6) > 1e-12 || math.Abs(p.Weight("B")-0.4) > 1e-12 {
		t.Errorf("weights = %v, want A 0.6 B 0.4", p)
	}

	p = evalPortfolio(t, e, `(weight-specified 1 (asset "A") 1 (weight-equal (asset "A") (asset "B")))`)
	if math.Abs(p.Weight("A")-0.75) > 1e-12 || math.Abs(p.Weight("B")-0.25) > 1e-12 {
		t.Errorf("overlapping weights = %v, want A 0.75 B 0.25", p)
	}

	_, _, err := e.Evaluate(context.Background(), mustParse(t, `(weight-specified 0 (asset "A"))`), EvalContext{})
	var pe *PortfolioError
	if !errors.As(err, &pe) {
		t.Errorf("zero total weight: got %v, want PortfolioError", err)
	}
}

func TestFilterSelectTop(t *testing.T) {
	port := &fakePort{closes: map[string][]float64{
		"A": {100, 110},
		"B": {100, 105},
		"C": {100, 120},
	}}
	e := New(port)
	p := evalPortfolio(t, e, `(filter (cumulative-return {:window 1}) (select-top 2) (asset "A") (asset "B") (asset "C"))`)
	if p.Len() != 2 || p.Weight("C") != 0.5 || p.Weight("A") != 0.5 {
		t.Errorf("select-top 2 = %v, want A and C at 0.5", p)
	}

	p = evalPortfolio(t, e, `(filter (cumulative-return {:window 1}) (select-bottom 1) [(asset "A") (asset "B") (asset "C")])`)
	if p.Len() != 1 || p.Weight("B") != 1 {
		t.Errorf("select-bottom 1 = %v, want B", p)
	}

	p = evalPortfolio(t, e, `(filter (current-price) (select-top 5) (asset "A") (asset "B"))`)
	if p.Len() != 2 {
		t.Errorf("select-top beyond candidates = %v, want both", p)
	}
}

func TestFilterTiesKeepInputOrder(t *testing.T) {
	port := &fakePort{closes: map[string][]float64{
		"X": {100, 101}, "Y": {100, 101}, "Z": {100, 101},
	}}
	e := New(port)
	p := evalPortfolio(t, e, `(filter (cumulative-return {:window 1}) (select-top 2) (asset "Z") (asset "X") (asset "Y"))`)
	if p.Weight("Z") != 0.5 || p.Weight("X") != 0.5 {
		t.Errorf("tied select-top 2 = %v, want Z and X", p)
	}
}

func TestFilterDuplicateCandidates(t *testing.T) {
	port := &fakePort{closes: map[string][]float64{
		"A": {100, 130}, "B": {100, 110}, "C": {100, 105},
	}}
	e := New(port)
	p := evalPortfolio(t, e, `(filter (cumulative-return {:window 1}) (select-top 2) (asset "A") (asset "A") (asset "B") (asset "C"))`)
	if p.Len() != 2 || p.Weight("A") != 0.5 || p.Weight("B") != 0.5 {
		t.Errorf("select-top 2 with A listed twice = %v, want A and B at 0.5", p)
	}
}

func TestIfBranches(t *testing.T) {
	port := &fakePort{closes: map[string][]float64{"SPY": rising(60)}}
	e := New(port)
	src := `(defsymphony "t" {} (if (> (rsi "SPY" {:window 14}) 70) (asset "BIL") (asset "SPY")))`
	p, trace, err := e.EvaluatePortfolio(context.Background(), mustParse(t, src), EvalContext{})
	if err != nil {
		t.Fatalf("EvaluatePortfolio: %v", err)
	}
	if p.Weight("BIL") != 1 {
		t.Errorf("portfolio = %v, want BIL (rsi of a rising series is 100)", p)
	}
	steps := trace.Steps()
	if len(steps) < 3 {
		t.Fatalf("trace has %d steps, want indicator, compare and branch", len(steps))
	}
	wantKinds := []StepKind{StepIndicator, StepCompare, StepBranch}
	for i, k := range wantKinds {
		if steps[i].Kind != k || steps[i].Seq != i+1 {
			t.Errorf("step %d = %s (seq %d), want %s", i, steps[i].Kind, steps[i].Seq, k)
		}
	}
	if steps[2].Result != "then" {
		t.Errorf("branch = %s, want then", steps[2].Result)
	}
}

func TestIfBlockBranch(t *testing.T) {
	e := New(&fakePort{})
	p := evalPortfolio(t, e, `(if (< 1 2) [(asset "A") (asset "B")])`)
	if p.Weight("A") != 0.5 || p.Weight("B") != 0.5 {
		t.Errorf("block = %v, want A and B at 0.5", p)
	}
}

func TestEvaluationErrors(t *testing.T) {
	e := New(&fakePort{closes: map[string][]float64{"SPY": rising(10)}})
	tests := []struct {
		name string
		src  string
		want any
	}{
		{"false without else", `(if (> 1 2) (asset "A"))`, &EvaluationError{}},
		{"numeric condition", `(if 1 (asset "A") (asset "B"))`, &EvaluationError{}},
		{"compare portfolio", `(> (asset "A") 1)`, &EvaluationError{}},
		{"unbound symbol", `(> threshold 1)`, &EvaluationError{}},
		{"non-portfolio operand", `(weight-equal (asset "A") 3)`, &PortfolioError{}},
		{"missing data", `(> (rsi "NOPE" {:window 14}) 50)`, &IndicatorError{}},
		{"too little data", `(> (moving-average-price "SPY" {:window 50}) 50)`, &IndicatorError{}},
		{"no current price", `(> (current-price "NOPE") 50)`, &IndicatorError{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := e.Evaluate(context.Background(), mustParse(t, tt.src), EvalContext{})
			if err == nil {
				t.Fatal("Evaluate succeeded, want error")
			}
			switch tt.want.(type) {
			case *EvaluationError:
				var target *EvaluationError
				if !errors.As(err, &target) {
					t.Errorf("got %T %v, want EvaluationError", err, err)
				}
			case *PortfolioError:
				var target *PortfolioError
				if !errors.As(err, &target) {
					t.Errorf("got %T %v, want PortfolioError", err, err)
				}
			case *IndicatorError:
				var target *IndicatorError
				if !errors.As(err, &target) {
					t.Errorf("got %T %v, want IndicatorError", err, err)
				}
			}
		})
	}
}

func TestStrategyMustProducePortfolio(t *testing.T) {
	e := New(&fakePort{})
	_, _, err := e.EvaluatePortfolio(context.Background(), mustParse(t, `(> 2 1)`), EvalContext{})
	var ee *EvaluationError
	if !errors.As(err, &ee) {
		t.Errorf("got %v, want EvaluationError", err)
	}
}

func TestBindings(t *testing.T) {
	e := New(&fakePort{}, WithBindings(map[string]Value{"threshold": Number(10)}))
	p := evalPortfolio(t, e, `(if (> threshold 5) (asset "A") (asset "B"))`)
	if p.Weight("A") != 1 {
		t.Errorf("portfolio = %v, want A", p)
	}
}

func TestLookAheadPropagates(t *testing.T) {
	lab := &marketdata.LookAheadBiasError{Symbol: "SPY", Requested: time.Now(), AsOf: time.Now().AddDate(0, 0, -1)}
	e := New(&fakePort{err: lab})
	_, _, err := e.Evaluate(context.Background(), mustParse(t, `(> (rsi "SPY" {:window 14}) 50)`), EvalContext{})
	var got *marketdata.LookAheadBiasError
	if !errors.As(err, &got) {
		t.Fatalf("got %v, want LookAheadBiasError in chain", err)
	}
	var ie *IndicatorError
	if !errors.As(err, &ie) {
		t.Errorf("got %v, want IndicatorError wrapper", err)
	}
}

func TestIndicatorCachedWithinPass(t *testing.T) {
	port := &fakePort{closes: map[string][]float64{"SPY": rising(80)}}
	e := New(port)
	src := `(weight-equal
	  (if (> (rsi "SPY" {:window 10}) 50) (asset "A") (asset "B"))
	  (if (> (rsi "SPY" {:window 10}) 90) (asset "C") (asset "D")))`
	_, trace, err := e.Evaluate(context.Background(), mustParse(t, src), EvalContext{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if port.barReqs != 1 {
		t.Errorf("bar requests = %d, want 1", port.barReqs)
	}
	if got := trace.Count(StepIndicator); got != 1 {
		t.Errorf("indicator steps = %d, want 1", got)
	}

	// a new call starts with a fresh trace and cache
	_, trace2, _ := e.Evaluate(context.Background(), mustParse(t, src), EvalContext{})
	if port.barReqs != 2 || trace2.Len() != trace.Len() {
		t.Errorf("second call: bar requests %d, trace %d steps; want 2 and %d", port.barReqs, trace2.Len(), trace.Len())
	}
}

func TestMemoCache(t *testing.T) {
	port := &fakePort{closes: map[string][]float64{"SPY": rising(80)}}
	memo := NewMemoCache(100)
	e := New(port, WithMemo(memo))
	node := mustParse(t, `(if (> (rsi "SPY" {:window 10}) 50) (asset "A") (asset "B"))`)
	day1 := NewEvalContext(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), []string{"SPY"}, nil)

	if _, _, err := e.Evaluate(context.Background(), node, day1); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	v, trace, err := e.Evaluate(context.Background(), node, day1)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if p, _ := v.Portfolio(); p.Weight("A") != 1 {
		t.Errorf("memoized result = %v, want A", v)
	}
	if trace.Count(StepMemoHit) != 1 || trace.Len() != 1 {
		t.Errorf("trace = %v, want a single memo hit", trace.Steps())
	}
	if port.barReqs != 1 {
		t.Errorf("bar requests = %d, want 1", port.barReqs)
	}

	day2 := NewEvalContext(time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC), []string{"SPY"}, nil)
	if _, _, err := e.Evaluate(context.Background(), node, day2); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if port.barReqs != 2 {
		t.Errorf("bar requests after day change = %d, want 2", port.barReqs)
	}
	st := memo.Stats()
	if st.Hits != 1 || st.Size == 0 {
		t.Errorf("stats = %+v, want 1 hit and stored entries", st)
	}
}

func TestMemoCacheEviction(t *testing.T) {
	m := NewMemoCache(1)
	ec := EvalContext{TimeBucket: "2024-01-02"}
	m.Put("a", ec, Number(1))
	m.Put("b", ec, Number(2))
	if _, ok := m.Get("a", ec); ok {
		t.Error("evicted entry still present")
	}
	if st := m.Stats(); st.Evictions != 1 || st.Misses != 1 {
		t.Errorf("stats = %+v, want 1 eviction and 1 miss", st)
	}
}

func TestInverseVolatility(t *testing.T) {
	port := &fakePort{closes: map[string][]float64{
		"LOW":  alternating(41, 0.01),
		"HIGH": alternating(41, 0.02),
		"FLAT": {100, 100, 100, 100, 100},
	}}
	e := New(port)
	p := evalPortfolio(t, e, `(weight-inverse-volatility 20 (asset "LOW") (asset "HIGH"))`)
	if math.Abs(p.Weight("LOW")-2.0/3) > 1e-6 || math.Abs(p.Weight("HIGH")-1.0/3) > 1e-6 {
		t.Errorf("inverse-vol weights = %v, want LOW 2/3 HIGH 1/3", p)
	}

	_, _, err := e.Evaluate(context.Background(), mustParse(t, `(weight-inverse-volatility 3 (asset "FLAT") (asset "LOW"))`), EvalContext{})
	var pe *PortfolioError
	if !errors.As(err, &pe) {
		t.Errorf("zero volatility: got %v, want PortfolioError", err)
	}
}

func TestMaxDepth(t *testing.T) {
	src := strings.Repeat("(weight-equal ", 10) + `(asset "A")` + strings.Repeat(")", 10)
	e := New(&fakePort{}, WithMaxDepth(5))
	_, _, err := e.Evaluate(context.Background(), mustParse(t, src), EvalContext{})
	var ee *EvaluationError
	if !errors.As(err, &ee) {
		t.Errorf("got %v, want depth EvaluationError", err)
	}
}

func TestIndicatorUnits(t *testing.T) {
	port := &fakePort{closes: map[string][]float64{"SPY": {100, 110}}}
	e := New(port)
	v, _, err := e.Evaluate(context.Background(), mustParse(t, `(cumulative-return "SPY" {:window 1})`), EvalContext{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if got, _ := v.Number(); math.Abs(got-10) > 1e-9 {
		t.Errorf("cumulative-return = %v, want 10 (percent)", got)
	}
}

func TestNewPortfolioRejectsInvalid(t *testing.T) {
	for _, raw := range []map[string]float64{
		{},
		{"A": 0},
		{"A": -1, "B": 2},
		{"A": math.NaN()},
	} {
		if _, err := NewPortfolio(raw); err == nil {
			t.Errorf("NewPortfolio(%v) succeeded, want error", raw)
		}
	}
}

// sessionHistory serves fixed bars per symbol to a PointInTime adapter.
type sessionHistory map[string][]domain.Bar

func (h sessionHistory) History(_ context.Context, symbol, _ string) ([]domain.Bar, error) {
	return append([]domain.Bar(nil), h[symbol]...), nil
}

// sessionBars returns one bar per NYSE session in [start, end], with closes
// compounding by growth each session.
func sessionBars(symbol string, start, end time.Time, growth float64) []domain.Bar {
	days := util.NewTradingCalendar(domain.MarketUS, time.UTC).TradingDays(start, end)
	bars := make([]domain.Bar, len(days))
	c := 100.0
	for i, d := range days {
		if i%2 == 1 {
			c *= 1 + growth
		} else {
			c *= 1 + growth/2
		}
		bars[i] = domain.Bar{Symbol: symbol, Timestamp: d, Open: c, High: c, Low: c, Close: c, Volume: 1000}
	}
	return bars
}

func TestLongWindowsOverSessionHistory(t *testing.T) {
	end := time.Date(2024, 6, 28, 0, 0, 0, 0, time.UTC)
	bars := sessionBars("SPY", time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC), end, 0.002)
	pit := marketdata.NewPointInTime(sessionHistory{
		"SPY": bars,
		"TLT": sessionBars("TLT", time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC), end, 0.001),
	}, domain.MarketUS, end)
	e := New(pit)
	closes := marketdata.Closes(bars)
	last := len(closes) - 1

	var sum float64
	for _, c := range closes[last-199:] {
		sum += c
	}
	tests := []struct {
		src  string
		want float64
	}{
		{`(cumulative-return "SPY" {:window 252})`, (closes[last]/closes[last-252] - 1) * 100},
		{`(cumulative-return "SPY" {:window 504})`, (closes[last]/closes[last-504] - 1) * 100},
		{`(moving-average-price "SPY" {:window 200})`, sum / 200},
	}
	for _, tt := range tests {
		v, _, err := e.Evaluate(context.Background(), mustParse(t, tt.src), EvalContext{})
		if err != nil {
			t.Fatalf("%s: %v", tt.src, err)
		}
		got, _ := v.Number()
		if math.Abs(got-tt.want) > 1e-9*math.Abs(tt.want) {
			t.Errorf("%s = %v, want %v", tt.src, got, tt.want)
		}
	}

	if _, _, err := e.Evaluate(context.Background(), mustParse(t, `(stdev-return "SPY" {:window 252})`), EvalContext{}); err != nil {
		t.Errorf("stdev-return 252: %v", err)
	}
	p := evalPortfolio(t, e, `(weight-inverse-volatility 252 (asset "SPY") (asset "TLT"))`)
	if p.Len() != 2 {
		t.Errorf("inverse-vol 252 = %v, want both assets", p)
	}
}

func TestBarRequestsCoverWindow(t *testing.T) {
	port := &fakePort{closes: map[string][]float64{"SPY": rising(600)}}
	e := New(port)
	for _, w := range []int{20, 200, 252, 500} {
		src := fmt.Sprintf(`(cumulative-return "SPY" {:window %d})`, w)
		if _, _, err := e.Evaluate(context.Background(), mustParse(t, src), EvalContext{}); err != nil {
			t.Errorf("window %d: %v", w, err)
		}
	}
	for _, period := range port.periods {
		if _, err := marketdata.ParsePeriod(period); err != nil {
			t.Errorf("requested period %q does not parse: %v", period, err)
		}
	}
}
