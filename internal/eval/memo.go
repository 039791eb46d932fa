package eval

import (
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMemoCapacity bounds a MemoCache created with a non-positive size.
const DefaultMemoCapacity = 100_000

// MemoStats is a snapshot of MemoCache counters.
type MemoStats struct {
	Size      int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// MemoCache memoizes node results across Evaluate calls, keyed by node ID
// and EvalContext. It is a bounded LRU and safe for concurrent use.
type MemoCache struct {
	entries   *lru.Cache[string, Value]
	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

func NewMemoCache(capacity int) *MemoCache {
	if capacity <= 0 {
		capacity = DefaultMemoCapacity
	}
	m := &MemoCache{}
	entries, err := lru.NewWithEvict[string, Value](capacity, func(string, Value) {
		m.evictions.Add(1)
	})
	if err != nil {
		panic(fmt.Sprintf("eval: creating memo cache: %v", err))
	}
	m.entries = entries
	return m
}

func memoKey(nodeID string, ec EvalContext) string {
	return nodeID + "|" + ec.Key()
}

// Get returns the memoized value of nodeID under ec.
func (m *MemoCache) Get(nodeID string, ec EvalContext) (Value, bool) {
	v, ok := m.entries.Get(memoKey(nodeID, ec))
	if ok {
		m.hits.Add(1)
	} else {
		m.misses.Add(1)
	}
	return v, ok
}

// Put memoizes v for nodeID under ec.
func (m *MemoCache) Put(nodeID string, ec EvalContext, v Value) {
	m.entries.Add(memoKey(nodeID, ec), v)
}

// Stats returns the current counters.
func (m *MemoCache) Stats() MemoStats {
	return MemoStats{
		Size:      m.entries.Len(),
		Hits:      m.hits.Load(),
		Misses:    m.misses.Load(),
		Evictions: m.evictions.Load(),
	}
}

// Purge drops every entry. Counters are kept.
func (m *MemoCache) Purge() { m.entries.Purge() }
