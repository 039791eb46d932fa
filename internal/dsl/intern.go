package dsl

import (
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultPoolCapacity bounds a Pool created with a non-positive capacity.
const DefaultPoolCapacity = 50_000

// PoolStats is a snapshot of Pool counters.
type PoolStats struct {
	Size      int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Pool is a bounded arena of canonical nodes keyed by structural ID.
// Interning a node whose ID is already present returns the existing
// instance. The least recently used canonical nodes are evicted when the
// pool is full; an evicted node stays valid for whoever still holds it.
// Pool is safe for concurrent use.
type Pool struct {
	nodes     *lru.Cache[string, Node]
	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// NewPool creates a pool holding at most capacity canonical nodes.
func NewPool(capacity int) *Pool {
	if capacity <= 0 {
		capacity = DefaultPoolCapacity
	}
	p := &Pool{}
	cache, err := lru.NewWithEvict[string, Node](capacity, func(string, Node) {
		p.evictions.Add(1)
	})
	if err != nil {
		// only returned for a non-positive size
		panic(fmt.Sprintf("dsl: creating intern pool: %v", err))
	}
	p.nodes = cache
	return p
}

// Intern returns the canonical instance for n's structure, registering n
// if none exists. Callers intern bottom-up so that children are already
// canonical when their parent is interned.
func (p *Pool) Intern(n Node) Node {
	if n == nil {
		return nil
	}
	if got, ok := p.nodes.Get(n.ID()); ok {
		p.hits.Add(1)
		return got
	}
	prev, found, _ := p.nodes.PeekOrAdd(n.ID(), n)
	if found {
		p.hits.Add(1)
		return prev
	}
	p.misses.Add(1)
	return n
}

// Stats returns the current counters.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Size:      p.nodes.Len(),
		Hits:      p.hits.Load(),
		Misses:    p.misses.Load(),
		Evictions: p.evictions.Load(),
	}
}

// Reset drops every canonical node. Counters are kept.
func (p *Pool) Reset() {
	p.nodes.Purge()
}

func internAs[T Node](p *Pool, n T) T {
	if p == nil {
		return n
	}
	return p.Intern(n).(T)
}

// Canonicalize rebuilds root through p so that every subtree is replaced
// by its canonical instance. Trees produced by a Parser configured with
// the same pool are already canonical.
func Canonicalize(p *Pool, root Node) Node {
	if p == nil || root == nil {
		return root
	}
	return canon(p, root)
}

func canon(p *Pool, n Node) Node {
	canonAll := func(in []Node) []Node {
		out := make([]Node, len(in))
		for i, c := range in {
			out[i] = canon(p, c)
		}
		return out
	}
	switch n := n.(type) {
	case *NumberLit, *StringLit, *SymbolRef, *Indicator, *Asset, *Select:
		return p.Intern(n)
	case *Compare:
		return p.Intern(NewCompare(n.Op, canon(p, n.Left), canon(p, n.Right)))
	case *If:
		var els Node
		if n.Else != nil {
			els = canon(p, n.Else)
		}
		return p.Intern(NewIf(canon(p, n.Cond), canon(p, n.Then), els))
	case *Group:
		return p.Intern(NewGroup(n.Name, canonAll(n.Body)))
	case *WeightEqual:
		return p.Intern(NewWeightEqual(canonAll(n.Body)))
	case *WeightSpecified:
		return p.Intern(NewWeightSpecified(n.Weights, canonAll(n.Body)))
	case *WeightInverseVol:
		return p.Intern(NewWeightInverseVol(n.Lookback, canonAll(n.Body)))
	case *Filter:
		assets := make([]*Asset, len(n.Assets))
		for i, a := range n.Assets {
			assets[i] = internAs(p, a)
		}
		return p.Intern(NewFilter(internAs(p, n.Metric), internAs(p, n.Select), assets))
	case *Block:
		return p.Intern(NewBlock(canonAll(n.Body)))
	case *Symphony:
		return p.Intern(NewSymphony(n.Name, n.Metadata, canon(p, n.Body)))
	}
	panic(fmt.Sprintf("dsl: unhandled node kind %s", n.Kind()))
}
