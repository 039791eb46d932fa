package dsl

import (
	"math"
	"strings"
)

const (
	DefaultMaxDepth = 64
	DefaultMaxNodes = 10_000
)

// Parser turns strategy source into an AST. A Parser holds only
// configuration and is safe for concurrent use; with a Pool attached,
// every node it produces is canonical.
type Parser struct {
	maxDepth int
	maxNodes int
	pool     *Pool
}

// Option configures a Parser.
type Option func(*Parser)

// WithMaxDepth caps collection nesting. Non-positive disables the check.
func WithMaxDepth(n int) Option { return func(p *Parser) { p.maxDepth = n } }

// WithMaxNodes caps the number of forms read. Non-positive disables the check.
func WithMaxNodes(n int) Option { return func(p *Parser) { p.maxNodes = n } }

// WithPool interns every node through pool.
func WithPool(pool *Pool) Option { return func(p *Parser) { p.pool = pool } }

func NewParser(opts ...Option) *Parser {
	p := &Parser{maxDepth: DefaultMaxDepth, maxNodes: DefaultMaxNodes}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Parse parses one root expression, normally a defsymphony form.
func (p *Parser) Parse(src string) (Node, error) {
	r := &reader{lex: newLexer(src), maxDepth: p.maxDepth, maxNodes: p.maxNodes}
	root, err := r.readRoot()
	if err != nil {
		return nil, err
	}
	a := &analyzer{pool: p.pool}
	return a.root(root)
}

// Parse parses src with default limits and no interning.
func Parse(src string) (Node, error) {
	return NewParser().Parse(src)
}

// ---------------------------------------------------------------------------
// Analysis: forms -> AST
// ---------------------------------------------------------------------------

type analyzer struct {
	pool *Pool
}

func intern[T Node](a *analyzer, n T) T { return internAs(a.pool, n) }

func (a *analyzer) root(f form) (Node, error) {
	if f.kind == formList && len(f.items) > 0 && f.items[0].kind == formSymbol && f.items[0].text == "defsymphony" {
		return a.symphony(f)
	}
	return a.expr(f)
}

func (a *analyzer) symphony(f form) (Node, error) {
	args := f.items[1:]
	if len(args) != 3 {
		return nil, schemaErrorf("defsymphony", f.pos, "expects name, metadata map and body, got %d arguments", len(args))
	}
	if args[0].kind != formString {
		return nil, schemaErrorf("defsymphony", args[0].pos, "name must be a string, got %s", args[0].kind)
	}
	if args[1].kind != formMap {
		return nil, schemaErrorf("defsymphony", args[1].pos, "metadata must be a map, got %s", args[1].kind)
	}
	meta := make(map[string]string, len(args[1].items)/2)
	for i := 0; i < len(args[1].items); i += 2 {
		k, v := args[1].items[i], args[1].items[i+1]
		if k.kind != formKeyword && k.kind != formString {
			return nil, schemaErrorf("defsymphony", k.pos, "metadata key must be a keyword or string, got %s", k.kind)
		}
		meta[k.text] = metaValue(v)
	}
	body, err := a.branch("defsymphony", args[2])
	if err != nil {
		return nil, err
	}
	return intern(a, NewSymphony(args[0].text, meta, body)), nil
}

func metaValue(f form) string {
	switch f.kind {
	case formString, formKeyword, formSymbol:
		return f.text
	}
	return f.String()
}

// branch analyzes an if branch or symphony body: a vector becomes a Block
// unless it holds exactly one statement.
func (a *analyzer) branch(ctx string, f form) (Node, error) {
	if f.kind != formVector {
		return a.expr(f)
	}
	items := flatten(f.items)
	if len(items) == 0 {
		return nil, schemaErrorf(ctx, f.pos, "empty block")
	}
	body, err := a.exprs(items)
	if err != nil {
		return nil, err
	}
	if len(body) == 1 {
		return body[0], nil
	}
	return intern(a, NewBlock(body)), nil
}

// flatten splices vector literals into the surrounding argument list.
func flatten(items []form) []form {
	out := make([]form, 0, len(items))
	for _, it := range items {
		if it.kind == formVector {
			out = append(out, flatten(it.items)...)
			continue
		}
		out = append(out, it)
	}
	return out
}

func (a *analyzer) exprs(items []form) ([]Node, error) {
	out := make([]Node, 0, len(items))
	for _, it := range items {
		n, err := a.expr(it)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func (a *analyzer) expr(f form) (Node, error) {
	switch f.kind {
	case formNumber:
		return intern(a, NewNumber(f.num)), nil
	case formString:
		return intern(a, NewString(f.text)), nil
	case formSymbol:
		return intern(a, NewSymbolRef(f.text)), nil
	case formKeyword:
		return nil, parseErrorf(f.pos, "unexpected keyword :%s", f.text)
	case formVector:
		return nil, parseErrorf(f.pos, "vector not allowed here")
	case formMap:
		return nil, parseErrorf(f.pos, "map not allowed here")
	}

	if len(f.items) == 0 {
		return nil, parseErrorf(f.pos, "empty expression")
	}
	head := f.items[0]
	if head.kind != formSymbol {
		return nil, parseErrorf(head.pos, "expression head must be a symbol, got %s", head.kind)
	}
	args := f.items[1:]

	switch name := head.text; name {
	case ">", "<", ">=", "<=":
		return a.compare(CompareOp(name), f, args)
	case "if":
		return a.ifExpr(f, args)
	case "asset":
		return a.asset(f, args)
	case "group":
		return a.group(f, args)
	case "weight-equal":
		body, err := a.operands(name, f, flatten(args))
		if err != nil {
			return nil, err
		}
		return intern(a, NewWeightEqual(body)), nil
	case "weight-specified":
		return a.weightSpecified(f, flatten(args))
	case "weight-inverse-volatility", "weight-inverse-vol":
		return a.weightInverseVol(f, args)
	case "filter":
		return a.filter(f, args)
	case "select-top", "select-bottom":
		return nil, schemaErrorf(name, f.pos, "only valid as the selector of a filter")
	case "defsymphony":
		return nil, schemaErrorf(name, f.pos, "only valid as the root expression")
	default:
		if fn, ok := indicatorFuncs[name]; ok {
			n, err := a.indicator(fn, f, args, false)
			if err != nil {
				return nil, err
			}
			return n, nil
		}
		return nil, parseErrorf(head.pos, "unknown form %q", name)
	}
}

func (a *analyzer) compare(op CompareOp, f form, args []form) (Node, error) {
	if len(args) != 2 {
		return nil, schemaErrorf(string(op), f.pos, "expects 2 arguments, got %d", len(args))
	}
	left, err := a.expr(args[0])
	if err != nil {
		return nil, err
	}
	right, err := a.expr(args[1])
	if err != nil {
		return nil, err
	}
	return intern(a, NewCompare(op, left, right)), nil
}

func (a *analyzer) ifExpr(f form, args []form) (Node, error) {
	if len(args) != 2 && len(args) != 3 {
		return nil, schemaErrorf("if", f.pos, "expects condition, then and optional else, got %d arguments", len(args))
	}
	cond, err := a.expr(args[0])
	if err != nil {
		return nil, err
	}
	then, err := a.branch("if", args[1])
	if err != nil {
		return nil, err
	}
	var els Node
	if len(args) == 3 {
		if els, err = a.branch("if", args[2]); err != nil {
			return nil, err
		}
	}
	return intern(a, NewIf(cond, then, els)), nil
}

func normalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func (a *analyzer) asset(f form, args []form) (Node, error) {
	n, err := a.assetNode(f, args)
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (a *analyzer) assetNode(f form, args []form) (*Asset, error) {
	if len(args) != 1 && len(args) != 2 {
		return nil, schemaErrorf("asset", f.pos, "expects a symbol and optional display name, got %d arguments", len(args))
	}
	if args[0].kind != formString {
		return nil, schemaErrorf("asset", args[0].pos, "symbol must be a string, got %s", args[0].kind)
	}
	sym := normalizeSymbol(args[0].text)
	if sym == "" {
		return nil, schemaErrorf("asset", args[0].pos, "symbol must not be empty")
	}
	var display string
	if len(args) == 2 {
		if args[1].kind != formString {
			return nil, schemaErrorf("asset", args[1].pos, "display name must be a string, got %s", args[1].kind)
		}
		display = args[1].text
	}
	return intern(a, NewAsset(sym, display)), nil
}

func (a *analyzer) group(f form, args []form) (Node, error) {
	if len(args) < 2 {
		return nil, schemaErrorf("group", f.pos, "expects a name and at least one expression, got %d arguments", len(args))
	}
	if args[0].kind != formString {
		return nil, schemaErrorf("group", args[0].pos, "name must be a string, got %s", args[0].kind)
	}
	body, err := a.operands("group", f, flatten(args[1:]))
	if err != nil {
		return nil, err
	}
	return intern(a, NewGroup(args[0].text, body)), nil
}

// operands analyzes the already flattened operands of a weighting form.
func (a *analyzer) operands(name string, f form, items []form) ([]Node, error) {
	if len(items) == 0 {
		return nil, schemaErrorf(name, f.pos, "expects at least one expression")
	}
	return a.exprs(items)
}

func (a *analyzer) weightSpecified(f form, items []form) (Node, error) {
	if len(items) == 0 || len(items)%2 != 0 {
		return nil, schemaErrorf("weight-specified", f.pos, "expects weight/expression pairs, got %d arguments", len(items))
	}
	weights := make([]float64, 0, len(items)/2)
	body := make([]Node, 0, len(items)/2)
	for i := 0; i < len(items); i += 2 {
		w := items[i]
		if w.kind != formNumber {
			return nil, schemaErrorf("weight-specified", w.pos, "weight must be a number, got %s", w.kind)
		}
		if w.num < 0 || math.IsNaN(w.num) || math.IsInf(w.num, 0) {
			return nil, schemaErrorf("weight-specified", w.pos, "weight must be a finite non-negative number, got %s", w.text)
		}
		n, err := a.expr(items[i+1])
		if err != nil {
			return nil, err
		}
		weights = append(weights, w.num)
		body = append(body, n)
	}
	return intern(a, NewWeightSpecified(weights, body)), nil
}

func (a *analyzer) weightInverseVol(f form, args []form) (Node, error) {
	const name = "weight-inverse-volatility"
	if len(args) < 2 {
		return nil, schemaErrorf(name, f.pos, "expects a lookback and at least one expression, got %d arguments", len(args))
	}
	lookback, ok := positiveInt(args[0])
	if !ok || lookback < 2 {
		return nil, schemaErrorf(name, args[0].pos, "lookback must be an integer >= 2, got %s", args[0])
	}
	body, err := a.operands(name, f, flatten(args[1:]))
	if err != nil {
		return nil, err
	}
	return intern(a, NewWeightInverseVol(lookback, body)), nil
}

func (a *analyzer) filter(f form, args []form) (Node, error) {
	if len(args) < 3 {
		return nil, schemaErrorf("filter", f.pos, "expects a metric, a selector and at least one asset, got %d arguments", len(args))
	}

	m := args[0]
	fn, ok := listHead(m)
	ifn, isIndicator := indicatorFuncs[fn]
	if !ok || !isIndicator {
		return nil, schemaErrorf("filter", m.pos, "metric must be an indicator form, got %s", m)
	}
	metric, err := a.indicator(ifn, m, m.items[1:], true)
	if err != nil {
		return nil, err
	}

	s := args[1]
	head, _ := listHead(s)
	if head != "select-top" && head != "select-bottom" {
		return nil, schemaErrorf("filter", s.pos, "selector must be select-top or select-bottom, got %s", s)
	}
	if len(s.items) != 2 {
		return nil, schemaErrorf(head, s.pos, "expects 1 argument, got %d", len(s.items)-1)
	}
	count, ok := positiveInt(s.items[1])
	if !ok {
		return nil, schemaErrorf(head, s.items[1].pos, "count must be a positive integer, got %s", s.items[1])
	}
	sel := intern(a, NewSelect(head == "select-top", count))

	candidates := flatten(args[2:])
	if len(candidates) == 0 {
		return nil, schemaErrorf("filter", f.pos, "expects at least one asset")
	}
	assets := make([]*Asset, 0, len(candidates))
	for _, c := range candidates {
		if h, _ := listHead(c); h != "asset" {
			return nil, schemaErrorf("filter", c.pos, "candidates must be asset forms, got %s", c)
		}
		asset, err := a.assetNode(c, c.items[1:])
		if err != nil {
			return nil, err
		}
		assets = append(assets, asset)
	}
	return intern(a, NewFilter(metric, sel, assets)), nil
}

// indicator analyzes (fn ["SYM"] [{:window N}]). inFilter requires the
// symbol to be omitted; elsewhere it is mandatory.
func (a *analyzer) indicator(fn IndicatorFunc, f form, args []form, inFilter bool) (*Indicator, error) {
	name := string(fn)
	var symbol string
	if len(args) > 0 && args[0].kind == formString {
		symbol = normalizeSymbol(args[0].text)
		if symbol == "" {
			return nil, schemaErrorf(name, args[0].pos, "symbol must not be empty")
		}
		args = args[1:]
	}
	switch {
	case inFilter && symbol != "":
		return nil, schemaErrorf(name, f.pos, "filter metric must omit the symbol")
	case !inFilter && symbol == "":
		return nil, schemaErrorf(name, f.pos, "expects a symbol string")
	}

	window := 0
	if len(args) > 0 {
		opts := args[0]
		if opts.kind != formMap {
			return nil, schemaErrorf(name, opts.pos, "expects an options map, got %s", opts.kind)
		}
		for i := 0; i < len(opts.items); i += 2 {
			k, v := opts.items[i], opts.items[i+1]
			if k.kind != formKeyword || k.text != "window" {
				return nil, schemaErrorf(name, k.pos, "unknown option %s", k)
			}
			w, ok := positiveInt(v)
			if !ok {
				return nil, schemaErrorf(name, v.pos, "window must be a positive integer, got %s", v)
			}
			window = w
		}
		args = args[1:]
	}
	if len(args) > 0 {
		return nil, schemaErrorf(name, args[0].pos, "unexpected argument %s", args[0])
	}
	if fn.NeedsWindow() && window == 0 {
		return nil, schemaErrorf(name, f.pos, "missing {:window N}")
	}
	if fn == FuncStdDevReturn && window < 2 {
		return nil, schemaErrorf(name, f.pos, "window must be at least 2")
	}
	return intern(a, NewIndicator(fn, symbol, window)), nil
}

func listHead(f form) (string, bool) {
	if f.kind != formList || len(f.items) == 0 || f.items[0].kind != formSymbol {
		return "", false
	}
	return f.items[0].text, true
}

const maxCount = 1 << 20

func positiveInt(f form) (int, bool) {
	if f.kind != formNumber || f.num != math.Trunc(f.num) || f.num < 1 || f.num > maxCount {
		return 0, false
	}
	return int(f.num), true
}
