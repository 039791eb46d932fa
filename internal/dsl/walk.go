package dsl

import (
	"sort"
	"strconv"
	"strings"
)

// Walk visits root and its descendants depth-first, parents before
// children. Shared subtrees are visited once per distinct ID. Returning
// false from fn skips that node's children.
func Walk(root Node, fn func(Node) bool) {
	if root == nil {
		return
	}
	seen := make(map[string]bool)
	var visit func(Node)
	visit = func(n Node) {
		if seen[n.ID()] {
			return
		}
		seen[n.ID()] = true
		if !fn(n) {
			return
		}
		for _, c := range n.Children() {
			visit(c)
		}
	}
	visit(root)
}

// Symbols returns the sorted, de-duplicated tickers referenced by assets
// and indicators under root.
func Symbols(root Node) []string {
	set := make(map[string]struct{})
	Walk(root, func(n Node) bool {
		switch n := n.(type) {
		case *Asset:
			set[n.Symbol] = struct{}{}
		case *Indicator:
			if n.Symbol != "" {
				set[n.Symbol] = struct{}{}
			}
		}
		return true
	})
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Stats summarizes a tree: Nodes counts every position in the tree,
// Unique counts distinct structural IDs.
type Stats struct {
	Nodes  int
	Unique int
	Depth  int
}

func Measure(root Node) Stats {
	var st Stats
	unique := make(map[string]struct{})
	var visit func(Node, int)
	visit = func(n Node, depth int) {
		st.Nodes++
		unique[n.ID()] = struct{}{}
		if depth > st.Depth {
			st.Depth = depth
		}
		for _, c := range n.Children() {
			visit(c, depth+1)
		}
	}
	if root != nil {
		visit(root, 1)
	}
	st.Unique = len(unique)
	return st
}

// Format renders n back to S-expression source.
func Format(n Node) string {
	var b strings.Builder
	format(&b, n)
	return b.String()
}

func format(b *strings.Builder, n Node) {
	list := func(head string, parts ...func()) {
		b.WriteString("(" + head)
		for _, p := range parts {
			b.WriteByte(' ')
			p()
		}
		b.WriteByte(')')
	}
	child := func(c Node) func() { return func() { format(b, c) } }
	lit := func(s string) func() { return func() { b.WriteString(s) } }
	children := func(cs []Node) []func() {
		out := make([]func(), len(cs))
		for i, c := range cs {
			out[i] = child(c)
		}
		return out
	}
	indicatorArgs := func(n *Indicator) []func() {
		var parts []func()
		if n.Symbol != "" {
			parts = append(parts, lit(strconv.Quote(n.Symbol)))
		}
		if n.Window > 0 {
			parts = append(parts, lit("{:window "+strconv.Itoa(n.Window)+"}"))
		}
		return parts
	}

	switch n := n.(type) {
	case *NumberLit:
		b.WriteString(encFloat(n.Value))
	case *StringLit:
		b.WriteString(strconv.Quote(n.Value))
	case *SymbolRef:
		b.WriteString(n.Name)
	case *Compare:
		list(string(n.Op), child(n.Left), child(n.Right))
	case *If:
		if n.Else == nil {
			list("if", child(n.Cond), child(n.Then))
		} else {
			list("if", child(n.Cond), child(n.Then), child(n.Else))
		}
	case *Indicator:
		list(string(n.Func), indicatorArgs(n)...)
	case *Asset:
		if n.Name == "" {
			list("asset", lit(strconv.Quote(n.Symbol)))
		} else {
			list("asset", lit(strconv.Quote(n.Symbol)), lit(strconv.Quote(n.Name)))
		}
	case *Group:
		list("group", append([]func(){lit(strconv.Quote(n.Name))}, children(n.Body)...)...)
	case *WeightEqual:
		list("weight-equal", children(n.Body)...)
	case *WeightSpecified:
		parts := make([]func(), 0, 2*len(n.Body))
		for i, c := range n.Body {
			parts = append(parts, lit(encFloat(n.Weights[i])), child(c))
		}
		list("weight-specified", parts...)
	case *WeightInverseVol:
		list("weight-inverse-volatility", append([]func(){lit(strconv.Itoa(n.Lookback))}, children(n.Body)...)...)
	case *Select:
		head := "select-bottom"
		if n.Top {
			head = "select-top"
		}
		list(head, lit(strconv.Itoa(n.N)))
	case *Filter:
		parts := []func(){child(n.Metric), child(n.Select)}
		for _, a := range n.Assets {
			parts = append(parts, child(a))
		}
		list("filter", parts...)
	case *Block:
		b.WriteByte('[')
		for i, c := range n.Body {
			if i > 0 {
				b.WriteByte(' ')
			}
			format(b, c)
		}
		b.WriteByte(']')
	case *Symphony:
		keys := make([]string, 0, len(n.Metadata))
		for k := range n.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		meta := make([]string, 0, len(keys))
		for _, k := range keys {
			meta = append(meta, ":"+k+" "+strconv.Quote(n.Metadata[k]))
		}
		list("defsymphony", lit(strconv.Quote(n.Name)), lit("{"+strings.Join(meta, " ")+"}"), child(n.Body))
	}
}
