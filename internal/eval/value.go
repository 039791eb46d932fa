package eval

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// WeightTolerance bounds how far normalized weights may sum from 1.
const WeightTolerance = 1e-9

// ValueKind tags the result of evaluating a node.
type ValueKind uint8

const (
	KindNumber ValueKind = iota + 1
	KindBool
	KindString
	KindPortfolio
)

func (k ValueKind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindBool:
		return "boolean"
	case KindString:
		return "string"
	case KindPortfolio:
		return "portfolio"
	}
	return "invalid"
}

// Value is a scalar, boolean, string or portfolio.
type Value struct {
	kind ValueKind
	num  float64
	b    bool
	str  string
	port Portfolio
}

func Number(v float64) Value          { return Value{kind: KindNumber, num: v} }
func Bool(v bool) Value               { return Value{kind: KindBool, b: v} }
func String(v string) Value           { return Value{kind: KindString, str: v} }
func PortfolioValue(p Portfolio) Value { return Value{kind: KindPortfolio, port: p} }

func (v Value) Kind() ValueKind { return v.kind }

func (v Value) Number() (float64, bool)      { return v.num, v.kind == KindNumber }
func (v Value) Bool() (bool, bool)           { return v.b, v.kind == KindBool }
func (v Value) Str() (string, bool)          { return v.str, v.kind == KindString }
func (v Value) Portfolio() (Portfolio, bool) { return v.port, v.kind == KindPortfolio }

func (v Value) String() string {
	switch v.kind {
	case KindNumber:
		return strconv.FormatFloat(v.num, 'g', 6, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindString:
		return strconv.Quote(v.str)
	case KindPortfolio:
		return v.port.String()
	}
	return "<invalid>"
}

// ---------------------------------------------------------------------------
// Portfolio
// ---------------------------------------------------------------------------

// Portfolio is an immutable target allocation: non-negative weights that
// sum to 1 within WeightTolerance. The zero Portfolio is empty and only
// appears as the zero value of Value.
type Portfolio struct {
	weights map[string]float64
}

// NewPortfolio normalizes raw weights to sum to 1, dropping zero entries.
// Negative or non-finite weights and a zero total are PortfolioErrors.
func NewPortfolio(raw map[string]float64) (Portfolio, error) {
	total := 0.0
	for sym, w := range raw {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return Portfolio{}, portfolioErrorf("normalize", "invalid weight %v for %s", w, sym)
		}
		total += w
	}
	if total <= 0 || math.IsInf(total, 0) {
		return Portfolio{}, portfolioErrorf("normalize", "total weight is zero")
	}
	weights := make(map[string]float64, len(raw))
	for sym, w := range raw {
		if w > 0 {
			weights[sym] = w / total
		}
	}
	return Portfolio{weights: weights}, nil
}

// Single returns a portfolio holding only symbol.
func Single(symbol string) Portfolio {
	return Portfolio{weights: map[string]float64{symbol: 1}}
}

// Weight returns the weight of symbol, or 0.
func (p Portfolio) Weight(symbol string) float64 { return p.weights[symbol] }

// Len returns the number of symbols held.
func (p Portfolio) Len() int { return len(p.weights) }

// Symbols returns the held symbols sorted.
func (p Portfolio) Symbols() []string {
	out := make([]string, 0, len(p.weights))
	for s := range p.weights {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Weights returns a copy of the allocation.
func (p Portfolio) Weights() map[string]float64 {
	out := make(map[string]float64, len(p.weights))
	for s, w := range p.weights {
		out[s] = w
	}
	return out
}

// Sum returns the total weight.
func (p Portfolio) Sum() float64 {
	total := 0.0
	for _, w := range p.weights {
		total += w
	}
	return total
}

func (p Portfolio) String() string {
	parts := make([]string, 0, len(p.weights))
	for _, s := range p.Symbols() {
		parts = append(parts, fmt.Sprintf("%s:%.4f", s, p.weights[s]))
	}
	return "{" + strings.Join(parts, " ") + "}"
}

// equalWeight returns 1/N over the union of symbols held by ps.
func equalWeight(ps []Portfolio) (Portfolio, error) {
	union := make(map[string]float64)
	for _, p := range ps {
		for s := range p.weights {
			union[s] = 1
		}
	}
	return NewPortfolio(union)
}

// blend scales each portfolio by its factor, sums overlapping symbols and
// re-normalizes.
func blend(ps []Portfolio, factors []float64) (Portfolio, error) {
	sum := make(map[string]float64)
	for i, p := range ps {
		for s, w := range p.weights {
			sum[s] += w * factors[i]
		}
	}
	return NewPortfolio(sum)
}
