package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/cellgrade/internal/suite"
)

func newSuitesCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "suites [module]",
		Short: "List the test suites and the exercises they grade",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry := suite.NewRegistry(g.cfg.Grading.TestsDir)
			if err := registry.Load(); err != nil {
				return err
			}

			var summaries []suite.Summary
			if len(args) == 1 {
				s, err := registry.Get(args[0])
				if err != nil {
					return err
				}
				summaries = []suite.Summary{s}
			} else {
				all, err := registry.List()
				if err != nil {
					return err
				}
				summaries = all
			}

			printSuites(cmd.OutOrStdout(), registry.Dir(), summaries)
			printInvalid(cmd.ErrOrStderr(), registry.Invalid())
			return nil
		},
	}
}

func printSuites(w io.Writer, dir string, summaries []suite.Summary) {
	if len(summaries) == 0 {
		fmt.Fprintf(w, "No suites found in %s\n", dir)
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MODULE\tTESTS\tCASES\tEXERCISES")
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", s.Module, s.Tests, s.Cases, strings.Join(s.Exercises, ", "))
	}
	tw.Flush()
}

func printInvalid(w io.Writer, invalid map[string]error) {
	paths := make([]string, 0, len(invalid))
	for path := range invalid {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		fmt.Fprintf(w, "skipped %s: %v\n", path, invalid[path])
	}
}
