// Package dsl parses symphony strategy source (S-expressions) into an
// immutable AST. Nodes carry a content-derived ID; with a Pool attached,
// structurally identical subtrees share one canonical instance.
package dsl

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
)

// Kind tags each node variant.
type Kind uint8

const (
	KindNumber Kind = iota + 1
	KindString
	KindSymbol
	KindCompare
	KindIf
	KindIndicator
	KindAsset
	KindGroup
	KindWeightEqual
	KindWeightSpecified
	KindWeightInverseVol
	KindSelect
	KindFilter
	KindBlock
	KindSymphony
)

var kindNames = map[Kind]string{
	KindNumber:           "number",
	KindString:           "string",
	KindSymbol:           "symbol",
	KindCompare:          "compare",
	KindIf:               "if",
	KindIndicator:        "indicator",
	KindAsset:            "asset",
	KindGroup:            "group",
	KindWeightEqual:      "weight-equal",
	KindWeightSpecified:  "weight-specified",
	KindWeightInverseVol: "weight-inverse-volatility",
	KindSelect:           "select",
	KindFilter:           "filter",
	KindBlock:            "block",
	KindSymphony:         "defsymphony",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Node is one AST construct. The set of implementations is closed: only
// the types in this package satisfy it. Nodes must not be mutated after
// construction since their ID is derived from their fields.
type Node interface {
	ID() string
	Kind() Kind
	Children() []Node
	sealed()
}

type base struct{ id string }

func (b *base) ID() string { return b.id }
func (*base) sealed()      {}

// structuralID hashes the kind tag plus the encoded fields. Child nodes
// contribute their own IDs, so the digest is a Merkle hash of the subtree.
func structuralID(k Kind, fields ...string) string {
	h := sha256.New()
	h.Write([]byte(k.String()))
	for _, f := range fields {
		h.Write([]byte{0x1f})
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func encFloat(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

func encIDs(nodes []Node) string {
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID()
	}
	return "[" + strings.Join(ids, ",") + "]"
}

// ---------------------------------------------------------------------------
// Literals and references
// ---------------------------------------------------------------------------

type NumberLit struct {
	base
	Value float64
}

func NewNumber(v float64) *NumberLit {
	n := &NumberLit{Value: v}
	n.id = structuralID(KindNumber, encFloat(v))
	return n
}

func (*NumberLit) Kind() Kind       { return KindNumber }
func (*NumberLit) Children() []Node { return nil }

type StringLit struct {
	base
	Value string
}

func NewString(v string) *StringLit {
	n := &StringLit{Value: v}
	n.id = structuralID(KindString, strconv.Quote(v))
	return n
}

func (*StringLit) Kind() Kind       { return KindString }
func (*StringLit) Children() []Node { return nil }

// SymbolRef names a value bound at evaluation time.
type SymbolRef struct {
	base
	Name string
}

func NewSymbolRef(name string) *SymbolRef {
	n := &SymbolRef{Name: name}
	n.id = structuralID(KindSymbol, strconv.Quote(name))
	return n
}

func (*SymbolRef) Kind() Kind       { return KindSymbol }
func (*SymbolRef) Children() []Node { return nil }

// ---------------------------------------------------------------------------
// Logic
// ---------------------------------------------------------------------------

type CompareOp string

const (
	OpGT CompareOp = ">"
	OpLT CompareOp = "<"
	OpGE CompareOp = ">="
	OpLE CompareOp = "<="
)

// Apply reports whether a op b holds.
func (op CompareOp) Apply(a, b float64) bool {
	switch op {
	case OpGT:
		return a > b
	case OpLT:
		return a < b
	case OpGE:
		return a >= b
	case OpLE:
		return a <= b
	}
	return false
}

type Compare struct {
	base
	Op    CompareOp
	Left  Node
	Right Node
}

func NewCompare(op CompareOp, left, right Node) *Compare {
	n := &Compare{Op: op, Left: left, Right: right}
	n.id = structuralID(KindCompare, string(op), left.ID(), right.ID())
	return n
}

func (*Compare) Kind() Kind         { return KindCompare }
func (n *Compare) Children() []Node { return []Node{n.Left, n.Right} }

// If evaluates Then when Cond is true and Else otherwise. Else may be nil.
type If struct {
	base
	Cond Node
	Then Node
	Else Node
}

func NewIf(cond, then, els Node) *If {
	n := &If{Cond: cond, Then: then, Else: els}
	elseID := "-"
	if els != nil {
		elseID = els.ID()
	}
	n.id = structuralID(KindIf, cond.ID(), then.ID(), elseID)
	return n
}

func (*If) Kind() Kind { return KindIf }

func (n *If) Children() []Node {
	if n.Else == nil {
		return []Node{n.Cond, n.Then}
	}
	return []Node{n.Cond, n.Then, n.Else}
}

// ---------------------------------------------------------------------------
// Indicators
// ---------------------------------------------------------------------------

type IndicatorFunc string

const (
	FuncRSI                 IndicatorFunc = "rsi"
	FuncMovingAveragePrice  IndicatorFunc = "moving-average-price"
	FuncMovingAverageReturn IndicatorFunc = "moving-average-return"
	FuncCumulativeReturn    IndicatorFunc = "cumulative-return"
	FuncCurrentPrice        IndicatorFunc = "current-price"
	FuncStdDevReturn        IndicatorFunc = "stdev-return"
)

var indicatorFuncs = map[string]IndicatorFunc{
	string(FuncRSI):                 FuncRSI,
	string(FuncMovingAveragePrice):  FuncMovingAveragePrice,
	string(FuncMovingAverageReturn): FuncMovingAverageReturn,
	string(FuncCumulativeReturn):    FuncCumulativeReturn,
	string(FuncCurrentPrice):        FuncCurrentPrice,
	string(FuncStdDevReturn):        FuncStdDevReturn,
}

// NeedsWindow reports whether the function takes a lookback window.
func (f IndicatorFunc) NeedsWindow() bool { return f != FuncCurrentPrice }

// Indicator computes a technical indicator. Symbol is empty when the
// indicator is a filter metric; the filter supplies each candidate.
type Indicator struct {
	base
	Func   IndicatorFunc
	Symbol string
	Window int
}

func NewIndicator(fn IndicatorFunc, symbol string, window int) *Indicator {
	n := &Indicator{Func: fn, Symbol: symbol, Window: window}
	n.id = structuralID(KindIndicator, string(fn), strconv.Quote(symbol), strconv.Itoa(window))
	return n
}

func (*Indicator) Kind() Kind       { return KindIndicator }
func (*Indicator) Children() []Node { return nil }

// ---------------------------------------------------------------------------
// Portfolio construction
// ---------------------------------------------------------------------------

type Asset struct {
	base
	Symbol string
	Name   string
}

func NewAsset(symbol, name string) *Asset {
	n := &Asset{Symbol: symbol, Name: name}
	n.id = structuralID(KindAsset, strconv.Quote(symbol), strconv.Quote(name))
	return n
}

func (*Asset) Kind() Kind       { return KindAsset }
func (*Asset) Children() []Node { return nil }

type Group struct {
	base
	Name string
	Body []Node
}

func NewGroup(name string, body []Node) *Group {
	n := &Group{Name: name, Body: body}
	n.id = structuralID(KindGroup, strconv.Quote(name), encIDs(body))
	return n
}

func (*Group) Kind() Kind         { return KindGroup }
func (n *Group) Children() []Node { return n.Body }

type WeightEqual struct {
	base
	Body []Node
}

func NewWeightEqual(body []Node) *WeightEqual {
	n := &WeightEqual{Body: body}
	n.id = structuralID(KindWeightEqual, encIDs(body))
	return n
}

func (*WeightEqual) Kind() Kind         { return KindWeightEqual }
func (n *WeightEqual) Children() []Node { return n.Body }

// WeightSpecified pairs Weights[i] with Body[i].
type WeightSpecified struct {
	base
	Weights []float64
	Body    []Node
}

func NewWeightSpecified(weights []float64, body []Node) *WeightSpecified {
	n := &WeightSpecified{Weights: weights, Body: body}
	ws := make([]string, len(weights))
	for i, w := range weights {
		ws[i] = encFloat(w)
	}
	n.id = structuralID(KindWeightSpecified, "["+strings.Join(ws, ",")+"]", encIDs(body))
	return n
}

func (*WeightSpecified) Kind() Kind         { return KindWeightSpecified }
func (n *WeightSpecified) Children() []Node { return n.Body }

type WeightInverseVol struct {
	base
	Lookback int
	Body     []Node
}

func NewWeightInverseVol(lookback int, body []Node) *WeightInverseVol {
	n := &WeightInverseVol{Lookback: lookback, Body: body}
	n.id = structuralID(KindWeightInverseVol, strconv.Itoa(lookback), encIDs(body))
	return n
}

func (*WeightInverseVol) Kind() Kind         { return KindWeightInverseVol }
func (n *WeightInverseVol) Children() []Node { return n.Body }

// Select keeps the N highest (Top) or lowest metric values of a filter.
type Select struct {
	base
	Top bool
	N   int
}

func NewSelect(top bool, count int) *Select {
	n := &Select{Top: top, N: count}
	n.id = structuralID(KindSelect, strconv.FormatBool(top), strconv.Itoa(count))
	return n
}

func (*Select) Kind() Kind       { return KindSelect }
func (*Select) Children() []Node { return nil }

func (n *Select) String() string {
	if n.Top {
		return "select-top " + strconv.Itoa(n.N)
	}
	return "select-bottom " + strconv.Itoa(n.N)
}

type Filter struct {
	base
	Metric *Indicator
	Select *Select
	Assets []*Asset
}

func NewFilter(metric *Indicator, sel *Select, assets []*Asset) *Filter {
	n := &Filter{Metric: metric, Select: sel, Assets: assets}
	nodes := make([]Node, len(assets))
	for i, a := range assets {
		nodes[i] = a
	}
	n.id = structuralID(KindFilter, metric.ID(), sel.ID(), encIDs(nodes))
	return n
}

func (*Filter) Kind() Kind { return KindFilter }

func (n *Filter) Children() []Node {
	out := make([]Node, 0, len(n.Assets)+2)
	out = append(out, n.Metric, n.Select)
	for _, a := range n.Assets {
		out = append(out, a)
	}
	return out
}

// Block holds the statements of a vector branch.
type Block struct {
	base
	Body []Node
}

func NewBlock(body []Node) *Block {
	n := &Block{Body: body}
	n.id = structuralID(KindBlock, encIDs(body))
	return n
}

func (*Block) Kind() Kind         { return KindBlock }
func (n *Block) Children() []Node { return n.Body }

// ---------------------------------------------------------------------------
// Root
// ---------------------------------------------------------------------------

// Symphony is the root form binding a name and metadata to a body.
type Symphony struct {
	base
	Name     string
	Metadata map[string]string
	Body     Node
}

func NewSymphony(name string, meta map[string]string, body Node) *Symphony {
	n := &Symphony{Name: name, Metadata: meta, Body: body}
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(strconv.Quote(k))
		b.WriteByte('=')
		b.WriteString(strconv.Quote(meta[k]))
		b.WriteByte(';')
	}
	n.id = structuralID(KindSymphony, strconv.Quote(name), b.String(), body.ID())
	return n
}

func (*Symphony) Kind() Kind         { return KindSymphony }
func (n *Symphony) Children() []Node { return []Node{n.Body} }

// compile-time interface checks
var (
	_ Node = (*NumberLit)(nil)
	_ Node = (*StringLit)(nil)
	_ Node = (*SymbolRef)(nil)
	_ Node = (*Compare)(nil)
	_ Node = (*If)(nil)
	_ Node = (*Indicator)(nil)
	_ Node = (*Asset)(nil)
	_ Node = (*Group)(nil)
	_ Node = (*WeightEqual)(nil)
	_ Node = (*WeightSpecified)(nil)
	_ Node = (*WeightInverseVol)(nil)
	_ Node = (*Select)(nil)
	_ Node = (*Filter)(nil)
	_ Node = (*Block)(nil)
	_ Node = (*Symphony)(nil)
)
