// Package strategy loads symphony strategy files and provides a Registry
// for looking them up by name.
package strategy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"symphony/internal/dsl"
)

// Extensions lists the file suffixes LoadDir treats as strategy source.
var Extensions = []string{".clj", ".edn", ".symphony"}

// Strategy is a parsed symphony.
type Strategy struct {
	Name     string
	Path     string // empty for built-in strategies
	Metadata map[string]string
	Root     dsl.Node
	Source   string
}

// Symbols returns the tickers the strategy references.
func (s *Strategy) Symbols() []string { return dsl.Symbols(s.Root) }

// Parse parses source into a Strategy. The name comes from the
// defsymphony form, falling back to fallbackName for bare expressions.
func Parse(p *dsl.Parser, source, fallbackName string) (*Strategy, error) {
	if p == nil {
		p = dsl.NewParser()
	}
	root, err := p.Parse(source)
	if err != nil {
		return nil, err
	}
	s := &Strategy{Name: fallbackName, Root: root, Source: source}
	if sym, ok := root.(*dsl.Symphony); ok {
		s.Name = sym.Name
		s.Metadata = sym.Metadata
	}
	return s, nil
}

// LoadFile reads and parses one strategy file.
func LoadFile(p *dsl.Parser, path string) (*Strategy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading strategy %s: %w", path, err)
	}
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	s, err := Parse(p, string(data), base)
	if err != nil {
		return nil, fmt.Errorf("parsing strategy %s: %w", path, err)
	}
	s.Path = path
	return s, nil
}

// LoadDir parses every strategy file directly under dir, sorted by path.
// All files are attempted; the returned error joins every failure.
func LoadDir(p *dsl.Parser, dir string) ([]*Strategy, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading strategy dir: %w", err)
	}
	var (
		out  []*Strategy
		errs []error
	)
	for _, e := range entries {
		if e.IsDir() || !hasStrategyExt(e.Name()) {
			continue
		}
		s, err := LoadFile(p, filepath.Join(dir, e.Name()))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, errors.Join(errs...)
}

func hasStrategyExt(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// Registry holds a named collection of strategies for lookup and
// enumeration. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]*Strategy
}

// NewRegistry creates an empty strategy Registry.
func NewRegistry() *Registry {
	return &Registry{
		strategies: make(map[string]*Strategy),
	}
}

// Register adds a strategy keyed by its Name, replacing any previous
// strategy of that name.
func (r *Registry) Register(s *Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Name] = s
}

// Get retrieves a strategy by name. The second return value indicates whether
// the strategy was found.
func (r *Registry) Get(name string) (*Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[name]
	return s, ok
}

// List returns a sorted slice of all registered strategy names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered strategies.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.strategies)
}
