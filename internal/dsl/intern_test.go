package dsl

import (
	"sync"
	"testing"
)

func TestStructuralIDsStableAcrossParses(t *testing.T) {
	a, err := Parse(sampleSymphony)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	b, err := Parse(sampleSymphony)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if a == b {
		t.Fatal("independent parses without a pool returned the same instance")
	}
	if a.ID() != b.ID() {
		t.Errorf("root IDs differ: %s vs %s", a.ID(), b.ID())
	}

	var idsA, idsB []string
	Walk(a, func(n Node) bool { idsA = append(idsA, n.ID()); return true })
	Walk(b, func(n Node) bool { idsB = append(idsB, n.ID()); return true })
	if len(idsA) != len(idsB) {
		t.Fatalf("walk lengths differ: %d vs %d", len(idsA), len(idsB))
	}
	for i := range idsA {
		if idsA[i] != idsB[i] {
			t.Errorf("node %d: %s vs %s", i, idsA[i], idsB[i])
		}
	}
}

func TestStructuralIDsDistinguishStructure(t *testing.T) {
	srcs := []string{
		`(rsi "SPY" {:window 10})`,
		`(rsi "SPY" {:window 11})`,
		`(rsi "QQQ" {:window 10})`,
		`(moving-average-price "SPY" {:window 10})`,
		`(asset "SPY")`,
		`(asset "SPY" "S&P 500")`,
		`(weight-equal (asset "SPY") (asset "QQQ"))`,
		`(weight-equal (asset "QQQ") (asset "SPY"))`,
		`(group "g" (asset "SPY") (asset "QQQ"))`,
		`(weight-specified 1 (asset "SPY") 1 (asset "QQQ"))`,
		`(weight-specified 2 (asset "SPY") 1 (asset "QQQ"))`,
		`(> 1 2)`,
		`(>= 1 2)`,
		`(< 2 1)`,
		`(if (> 1 2) (asset "SPY"))`,
		`(if (> 1 2) (asset "SPY") (asset "QQQ"))`,
		`1`,
		`"1"`,
		`x`,
	}
	seen := make(map[string]string)
	for _, src := range srcs {
		n, err := Parse(src)
		if err != nil {
			t.Fatalf("Parse(%q): %v", src, err)
		}
		if prev, dup := seen[n.ID()]; dup {
			t.Errorf("%q and %q share ID %s", prev, src, n.ID())
		}
		seen[n.ID()] = src
	}
}

func TestPoolSharesIdenticalSubtrees(t *testing.T) {
	pool := NewPool(100)
	p := NewParser(WithPool(pool))
	src := `(weight-equal
	  (if (> (rsi "SPY" {:window 10}) 70) (asset "BIL") (asset "SPY"))
	  (if (> (rsi "SPY" {:window 10}) 70) (asset "BIL") (asset "QQQ")))`
	n, err := p.Parse(src)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	we := n.(*WeightEqual)
	left := we.Body[0].(*If)
	right := we.Body[1].(*If)
	if left.Cond != right.Cond {
		t.Error("identical conditions were not interned to one instance")
	}
	if left.Then != right.Then {
		t.Error("identical then-branches were not interned to one instance")
	}
	if left.Else == right.Else {
		t.Error("different else-branches share an instance")
	}

	again, err := p.Parse(src)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if again != n {
		t.Error("second parse through the same pool did not return the canonical root")
	}
	st := pool.Stats()
	if st.Hits == 0 || st.Misses == 0 {
		t.Errorf("stats = %+v, want hits and misses recorded", st)
	}

	m := Measure(n)
	if m.Unique >= m.Nodes {
		t.Errorf("Measure = %+v, want fewer unique IDs than tree positions", m)
	}
}

func TestPoolEviction(t *testing.T) {
	pool := NewPool(2)
	for _, sym := range []string{"A", "B", "C", "D"} {
		pool.Intern(NewAsset(sym, ""))
	}
	st := pool.Stats()
	if st.Size != 2 {
		t.Errorf("Size = %d, want 2", st.Size)
	}
	if st.Evictions != 2 {
		t.Errorf("Evictions = %d, want 2", st.Evictions)
	}
}

func TestCanonicalize(t *testing.T) {
	a, _ := Parse(sampleSymphony)
	b, _ := Parse(sampleSymphony)
	pool := NewPool(0)
	ca := Canonicalize(pool, a)
	cb := Canonicalize(pool, b)
	if ca != cb {
		t.Error("canonicalized trees are different instances")
	}
	if ca.ID() != a.ID() {
		t.Error("canonicalization changed the structural ID")
	}
}

func TestPoolConcurrentIntern(t *testing.T) {
	pool := NewPool(1000)
	p := NewParser(WithPool(pool))
	var wg sync.WaitGroup
	roots := make([]Node, 8)
	for i := range roots {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n, err := p.Parse(sampleSymphony)
			if err != nil {
				t.Errorf("Parse: %v", err)
				return
			}
			roots[i] = n
		}(i)
	}
	wg.Wait()
	for i := 1; i < len(roots); i++ {
		if roots[i] == nil || roots[i].ID() != roots[0].ID() {
			t.Errorf("root %d differs", i)
		}
	}
}
