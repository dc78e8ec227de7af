package commands

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sdmkit/sdm/pkg/stores"
)

func newHistoryCommand(opts *globalOptions) *cobra.Command {
	var (
		repo  string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded runs",
		Long: `List runs recorded in the machine's store, newest first.

Recording needs store.path in the machine configuration.`,
		Example: `  # Last 20 runs
  sdm history

  # Runs of one repository
  sdm history --repo team-a/svc`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, "history", func(ctx context.Context, a *app) error {
				store, err := a.requireStore()
				if err != nil {
					return err
				}

				var repoFilter *string
				if repo != "" {
					repoFilter = &repo
				}
				runs, err := store.ListRuns(ctx, repoFilter, limit, 0)
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return writeJSON(cmd.OutOrStdout(), runs)
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "RUN\tSTATUS\tREPO\tBRANCH\tSHA\tGOALS\tSTARTED\tDURATION")
				for _, r := range runs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
						r.ID, r.Status, r.Repo, r.Branch, shortSHA(r.SHA),
						r.Succeeded, r.Total, r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.Duration)
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&repo, "repo", "", "only runs of this repository (owner/name)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs")

	cmd.AddCommand(newHistoryShowCommand(opts))
	cmd.AddCommand(newHistoryPruneCommand(opts))
	cmd.AddCommand(newHistoryAuditCommand(opts))

	return cmd
}

func newHistoryShowCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run's goal results and events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, "history.show", func(ctx context.Context, a *app) error {
				store, err := a.requireStore()
				if err != nil {
					return err
				}

				run, err := store.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				goals, err := store.ListGoalResults(ctx, run.ID)
				if err != nil {
					return err
				}
				events, err := store.GetEvents(ctx, &run.ID, nil, 1000, 0)
				if err != nil {
					return err
				}

				if opts.jsonOutput {
					return writeJSON(cmd.OutOrStdout(), struct {
						Run    *stores.Run          `json:"run"`
						Goals  []*stores.GoalRecord `json:"goals"`
						Events []*stores.Event      `json:"events"`
					}{run, goals, events})
				}

				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "Run %s: %s\n", run.ID, run.Status)
				fmt.Fprintf(w, "  push %s, %s@%s (%s)\n", run.PushID, run.Repo, run.Branch, shortSHA(run.SHA))
				fmt.Fprintf(w, "  started %s, took %s\n\n", run.StartedAt.Local().Format(time.RFC3339), run.Duration)

				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "GOAL\tSTATUS\tATTEMPTS\tDURATION\tREASON")
				for _, g := range goals {
					reason := "-"
					if g.Reason != nil {
						reason = *g.Reason
						if g.ErrorCode != nil {
							reason = *g.ErrorCode + ": " + reason
						}
					}
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", g.Goal, g.Status, g.Attempts, g.Duration, reason)
				}
				_ = tw.Flush()

				if len(events) > 0 {
					fmt.Fprintln(w, "\nEvents:")
					for _, e := range events {
						goal := ""
						if e.Goal != nil {
							goal = " " + *e.Goal
						}
						fmt.Fprintf(w, "  %s %-7s %s%s: %s\n", e.Timestamp.Local().Format("15:04:05"), e.Level, e.Type, goal, e.Message)
					}
				}
				return nil
			})
		},
	}
}

func newHistoryPruneCommand(opts *globalOptions) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:     "prune",
		Short:   "Delete runs older than a given age",
		Example: `  sdm history prune --older-than 720h`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			return withApp(cmd, opts, "history.prune", func(ctx context.Context, a *app) error {
				store, err := a.requireStore()
				if err != nil {
					return err
				}
				pruned, err := store.PruneRuns(ctx, time.Now().Add(-olderThan))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d runs\n", pruned)
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "age of the runs to delete")

	return cmd
}

func newHistoryAuditCommand(opts *globalOptions) *cobra.Command {
	var (
		action string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the audit trail of freezes, recorded runs and prunes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, "history.audit", func(ctx context.Context, a *app) error {
				store, err := a.requireStore()
				if err != nil {
					return err
				}

				var actionFilter *string
				if action != "" {
					actionFilter = &action
				}
				entries, err := store.ListAuditEntries(ctx, actionFilter, nil, limit, 0)
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return writeJSON(cmd.OutOrStdout(), entries)
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TIME\tACTION\tACTOR\tTARGET")
				for _, e := range entries {
					target := "-"
					if e.TargetID != nil {
						target = *e.TargetID
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.Action, e.Actor, target)
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&action, "action", "", "only entries with this action, e.g. deploy.disabled")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of entries")

	return cmd
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
