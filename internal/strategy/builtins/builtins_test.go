package builtins

import (
	"testing"

	"symphony/internal/dsl"
	"symphony/internal/strategy"
)

func TestBuiltinsParse(t *testing.T) {
	all, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []string{"momentum-top2", "risk-parity", "rsi-rotation", "sixty-forty", "sma-cross"}
	if len(all) != len(want) {
		t.Fatalf("loaded %d builtins, want %d", len(all), len(want))
	}
	for i, s := range all {
		if s.Name != want[i] {
			t.Errorf("builtin %d = %q, want %q", i, s.Name, want[i])
		}
		if _, ok := s.Root.(*dsl.Symphony); !ok {
			t.Errorf("%s root is %s, want symphony", s.Name, s.Root.Kind())
		}
		if s.Metadata["benchmark"] == "" {
			t.Errorf("%s has no benchmark metadata", s.Name)
		}
	}
}

func TestRegister(t *testing.T) {
	r := strategy.NewRegistry()
	if err := Register(r, dsl.NewParser()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	s, ok := r.Get("sma-cross")
	if !ok {
		t.Fatal("sma-cross not registered")
	}
	syms := s.Symbols()
	if len(syms) != 2 || syms[0] != "BIL" || syms[1] != "SPY" {
		t.Errorf("sma-cross symbols = %v, want [BIL SPY]", syms)
	}
}
