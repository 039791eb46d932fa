// Package builtins provides the sample symphonies that ship with the
// symphony binary.
package builtins

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"symphony/internal/dsl"
	"symphony/internal/strategy"
)

//go:embed symphonies/*.clj
var files embed.FS

// Load parses every built-in symphony, sorted by name.
func Load(p *dsl.Parser) ([]*strategy.Strategy, error) {
	entries, err := fs.ReadDir(files, "symphonies")
	if err != nil {
		return nil, err
	}
	out := make([]*strategy.Strategy, 0, len(entries))
	for _, e := range entries {
		name := path.Join("symphonies", e.Name())
		src, err := files.ReadFile(name)
		if err != nil {
			return nil, err
		}
		s, err := strategy.Parse(p, string(src), strings.TrimSuffix(e.Name(), ".clj"))
		if err != nil {
			return nil, fmt.Errorf("builtin %s: %w", e.Name(), err)
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Register adds every built-in symphony to r.
func Register(r *strategy.Registry, p *dsl.Parser) error {
	all, err := Load(p)
	if err != nil {
		return err
	}
	for _, s := range all {
		r.Register(s)
	}
	return nil
}
