package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/cellgrade/internal/config"
	"github.com/felixgeelhaar/cellgrade/internal/storage/sqlite"
)

func newHistoryCmd(g *globals) *cobra.Command {
	var f sqlite.Filter
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded grading runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(cmd.Context(), g.cfg, func(store *sqlite.HistoryStore) error {
				runs, err := store.List(cmdContext(cmd), f)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), runs)
				}
				printRuns(cmd.OutOrStdout(), runs)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&f.CellID, "cell", "", "only runs of this cell")
	cmd.Flags().StringVar(&f.Module, "module", "", "only runs of this module")
	cmd.Flags().StringVar(&f.Exercise, "exercise", "", "only runs of this exercise")
	cmd.Flags().IntVarP(&f.Limit, "limit", "n", 20, "maximum number of runs")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")

	cmd.AddCommand(newHistoryShowCmd(g), newHistoryStatsCmd(g), newHistoryPruneCmd(g))
	return cmd
}

func newHistoryShowCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one grading run and its cases",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(cmd.Context(), g.cfg, func(store *sqlite.HistoryStore) error {
				entry, err := store.Get(cmdContext(cmd), args[0])
				if err != nil {
					return err
				}
				printEntry(cmd.OutOrStdout(), entry)
				return nil
			})
		},
	}
}

func newHistoryStatsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show per-exercise grading statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(cmd.Context(), g.cfg, func(store *sqlite.HistoryStore) error {
				stats, err := store.Stats(cmdContext(cmd))
				if err != nil {
					return err
				}
				printStats(cmd.OutOrStdout(), stats)
				return nil
			})
		},
	}
}

func newHistoryPruneCmd(g *globals) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete grading runs older than a duration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			return withHistory(cmd.Context(), g.cfg, func(store *sqlite.HistoryStore) error {
				n, err := store.Prune(cmdContext(cmd), olderThan)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %d runs\n", n)
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "age of the runs to delete")
	return cmd
}

// withHistory opens the configured history database for the duration of fn
func withHistory(ctx context.Context, cfg *config.LocalConfig, fn func(*sqlite.HistoryStore) error) error {
	if !cfg.Storage.Enabled {
		return fmt.Errorf("grading history is disabled (storage.enabled: false)")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	path, err := cfg.HistoryPath()
	if err != nil {
		return err
	}
	db, err := sqlite.OpenMigrated(ctx, path)
	if err != nil {
		return err
	}
	defer db.Close()

	return fn(sqlite.NewHistoryStore(db))
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func printRuns(w io.Writer, runs []sqlite.Entry) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No grading runs recorded yet.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tWHEN\tCELL\tEXERCISE\tSTATUS\tPASSED\tATTEMPT")
	for _, r := range runs {
		exercise := r.Exercise
		if exercise == "" {
			exercise = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%d\n",
			r.ID, r.CreatedAt.Local().Format("2006-01-02 15:04"),
			r.CellID, exercise, r.Status, r.Passed, r.Total, r.Attempt)
	}
	tw.Flush()
}

func printEntry(w io.Writer, e *sqlite.Entry) {
	fmt.Fprintf(w, "Run:       %s\n", e.ID)
	fmt.Fprintf(w, "When:      %s\n", e.CreatedAt.Local().Format(time.RFC1123))
	fmt.Fprintf(w, "Cell:      %s\n", e.CellID)
	fmt.Fprintf(w, "Module:    %s\n", e.Module)
	fmt.Fprintf(w, "Exercise:  %s\n", e.Exercise)
	fmt.Fprintf(w, "Status:    %s\n", e.Status)
	fmt.Fprintf(w, "Passed:    %d/%d\n", e.Passed, e.Total)
	fmt.Fprintf(w, "Attempt:   %d\n", e.Attempt)
	fmt.Fprintf(w, "Duration:  %s\n", time.Duration(e.DurationMS)*time.Millisecond)
	if e.Error != "" {
		fmt.Fprintf(w, "Error:     %s\n", e.Error)
	}

	if len(e.Cases) == 0 {
		return
	}
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, c := range e.Cases {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", c.Outcome, c.TestID, c.Message)
	}
	tw.Flush()
}

func printStats(w io.Writer, stats []sqlite.ExerciseStats) {
	if len(stats) == 0 {
		fmt.Fprintln(w, "No grading runs recorded yet.")
		return
	}

	fmt.Fprintln(w, "Exercise Statistics")
	fmt.Fprintln(w, "===================")
	for _, s := range stats {
		rate := 0.0
		if s.Runs > 0 {
			rate = float64(s.Solved) / float64(s.Runs)
		}
		fmt.Fprintf(w, "%-28s %s %3.0f%% solved (%d runs, last %s)\n",
			s.Module+"/"+s.Exercise, renderProgressBar(rate, 20), rate*100, s.Runs, s.LastStatus)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
