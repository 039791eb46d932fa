package strategy

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"symphony/internal/dsl"
)

const rotation = `(defsymphony "Rotation" {:rebalance :daily}
  (if (> (rsi "SPY" {:window 10}) 70) (asset "BIL") (asset "SPY")))`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "rotation.clj", rotation)

	s, err := LoadFile(nil, path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if s.Name != "Rotation" {
		t.Errorf("Name = %q, want Rotation", s.Name)
	}
	if s.Path != path {
		t.Errorf("Path = %q, want %q", s.Path, path)
	}
	if s.Metadata["rebalance"] != "daily" {
		t.Errorf("Metadata = %v, want rebalance daily", s.Metadata)
	}
	if got := strings.Join(s.Symbols(), ","); got != "BIL,SPY" {
		t.Errorf("Symbols = %s, want BIL,SPY", got)
	}
}

func TestLoadFileBareExpressionUsesFileName(t *testing.T) {
	path := writeFile(t, t.TempDir(), "simple.edn", `(weight-equal (asset "SPY") (asset "TLT"))`)
	s, err := LoadFile(nil, path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if s.Name != "simple" {
		t.Errorf("Name = %q, want simple", s.Name)
	}
}

func TestLoadFileErrors(t *testing.T) {
	if _, err := LoadFile(nil, filepath.Join(t.TempDir(), "missing.clj")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file: got %v, want ErrNotExist", err)
	}
	path := writeFile(t, t.TempDir(), "bad.clj", `(asset "SPY"`)
	_, err := LoadFile(nil, path)
	var pe *dsl.ParseError
	if !errors.As(err, &pe) {
		t.Errorf("bad source: got %v, want ParseError", err)
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.clj", rotation)
	writeFile(t, dir, "a.edn", `(defsymphony "Bonds" {} (asset "TLT"))`)
	writeFile(t, dir, "notes.txt", "ignored")
	writeFile(t, dir, "broken.clj", `(> 1)`)

	got, err := LoadDir(nil, dir)
	var se *dsl.SchemaError
	if !errors.As(err, &se) {
		t.Errorf("LoadDir error = %v, want the broken file's SchemaError", err)
	}
	if len(got) != 2 || got[0].Name != "Bonds" || got[1].Name != "Rotation" {
		t.Errorf("loaded %d strategies, want Bonds then Rotation", len(got))
	}
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	s, err := Parse(nil, rotation, "")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	r.Register(s)

	got, ok := r.Get("Rotation")
	if !ok {
		t.Fatal("Get returned false for registered strategy")
	}
	if got != s {
		t.Errorf("Get returned %v, want the registered strategy", got)
	}
}

func TestRegistryGet_NotFound(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Get("nonexistent")
	if ok {
		t.Error("Get returned true for unregistered strategy")
	}
}

func TestRegistryList(t *testing.T) {
	r := NewRegistry()
	r.Register(&Strategy{Name: "beta"})
	r.Register(&Strategy{Name: "alpha"})

	names := r.List()
	if len(names) != 2 {
		t.Fatalf("List returned %d names, want 2", len(names))
	}
	// List returns sorted names.
	if names[0] != "alpha" || names[1] != "beta" {
		t.Errorf("List returned %v, want [alpha beta]", names)
	}
	if r.Len() != 2 {
		t.Errorf("Len = %d, want 2", r.Len())
	}
}
