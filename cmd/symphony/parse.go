package main

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"symphony/internal/dsl"
)

func parseCmd(a *app) *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "parse STRATEGY...",
		Short: "Parse and validate strategies",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for _, ref := range args {
				s, err := a.loadStrategy(ref)
				if err != nil {
					return err
				}
				st := dsl.Measure(s.Root)
				fmt.Fprintf(out, "%s: %d nodes (%d unique), depth %d\n", s.Name, st.Nodes, st.Unique, st.Depth)
				fmt.Fprintf(out, "  symbols: %s\n", strings.Join(s.Symbols(), " "))
				for _, k := range slices.Sorted(maps.Keys(s.Metadata)) {
					fmt.Fprintf(out, "  %s: %s\n", k, s.Metadata[k])
				}
				if !quiet {
					fmt.Fprintf(out, "  %s\n", dsl.Format(s.Root))
				}
			}
			ps := a.pool.Stats()
			fmt.Fprintf(out, "intern pool: %d nodes, %d hits, %d misses\n", ps.Size, ps.Hits, ps.Misses)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "omit the canonical form")
	return cmd
}
