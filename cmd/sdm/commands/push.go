package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sdmkit/sdm/pkg/engine"
	"github.com/sdmkit/sdm/pkg/telemetry"
)

func newRunCommand(opts *globalOptions) *cobra.Command {
	var (
		follow bool
		runID  string
	)

	cmd := &cobra.Command{
		Use:     "run <push.json>",
		Aliases: []string{"handle"},
		Short:   "Resolve and execute the goals for a push",
		Long: `Resolve the goals a push needs and run them in dependency order.

The push is a JSON document ("-" reads stdin). It is checked against the push
schema before anything runs. The command fails unless every goal succeeds.`,
		Example: `  # Handle a push described in a file
  sdm run push.json

  # Stream run events while the goals execute
  sdm run --follow push.json

  # Read the push from a webhook relay
  relay | sdm run -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, "run", func(ctx context.Context, a *app) error {
				push, err := a.readPush(args[0], cmd.InOrStdin())
				if err != nil {
					return err
				}

				if follow {
					out := cmd.ErrOrStderr()
					a.tel.Events.Subscribe(func(e engine.Event) {
						printEvent(out, e)
					}, nil)
				}

				telemetry.FromContext(ctx).WithPush(push).Info("Handling push")
				var report *engine.ExecutionReport
				if runID != "" {
					report, err = a.machine.HandlePushRun(ctx, runID, push)
				} else {
					report, err = a.machine.HandlePush(ctx, push)
				}
				if err != nil {
					return err
				}
				if err := printReport(cmd.OutOrStdout(), report, opts.jsonOutput); err != nil {
					return err
				}
				return runOutcome(report)
			})
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "print run events as they happen")
	cmd.Flags().StringVar(&runID, "run-id", "", "run ID to record the run under (default: generated)")

	return cmd
}

func newResolveCommand(opts *globalOptions) *cobra.Command {
	var dotFile string

	cmd := &cobra.Command{
		Use:   "resolve <push.json>",
		Short: "Show the goals a push would get, without running them",
		Example: `  # List the goal set
  sdm resolve push.json

  # Write the execution graph for Graphviz
  sdm resolve --dot goals.dot push.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, "resolve", func(ctx context.Context, a *app) error {
				push, err := a.readPush(args[0], cmd.InOrStdin())
				if err != nil {
					return err
				}

				set, err := a.machine.Resolve(ctx, push)
				if err != nil {
					return err
				}

				if dotFile != "" {
					if err := os.WriteFile(dotFile, []byte(set.ToDOT()), 0o644); err != nil {
						return fmt.Errorf("failed to write graph: %w", err)
					}
				}

				if opts.jsonOutput {
					return writeJSON(cmd.OutOrStdout(), set)
				}
				printGoalSet(cmd.OutOrStdout(), set)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&dotFile, "dot", "", "write the goal graph in DOT format to this file")

	return cmd
}

func newDisposeCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dispose <push.json>",
		Short: "Undeploy a repository everywhere and delete it",
		Long: `Resolve and run the disposal goals for the repository a push describes:
undeploy from every environment, then delete the repository's resources.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, "dispose", func(ctx context.Context, a *app) error {
				push, err := a.readPush(args[0], cmd.InOrStdin())
				if err != nil {
					return err
				}

				report, err := a.machine.Dispose(ctx, push)
				if err != nil {
					return err
				}
				if err := printReport(cmd.OutOrStdout(), report, opts.jsonOutput); err != nil {
					return err
				}
				return runOutcome(report)
			})
		},
	}

	return cmd
}

func printReport(w io.Writer, report *engine.ExecutionReport, asJSON bool) error {
	if asJSON {
		return writeJSON(w, report)
	}
	_, err := fmt.Fprint(w, report.String())
	return err
}

func runOutcome(report *engine.ExecutionReport) error {
	if report.Status == engine.RunStatusSucceeded {
		return nil
	}
	return fmt.Errorf("run %s finished %s: %d failed, %d skipped of %d goals",
		report.RunID, report.Status, report.Summary.Failed, report.Summary.Skipped, report.Summary.Total)
}

func printGoalSet(w io.Writer, set *engine.GoalSet) {
	if set.IsEmpty() {
		fmt.Fprintln(w, "No goals for this push")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "GOAL\tKIND\tENVIRONMENT\tDEPENDS ON")
	for _, g := range set.Goals {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", g.Name, g.Kind, dash(g.Environment), dash(strings.Join(g.DependsOn, ", ")))
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "\nContributors: %s\n", strings.Join(set.Contributors, ", "))
}

func printEvent(w io.Writer, e engine.Event) {
	goal := ""
	if e.Goal != "" {
		goal = " " + e.Goal
	}
	fmt.Fprintf(w, "%s %-7s %s%s: %s\n", e.Timestamp.Format("15:04:05"), e.Level, e.Type, goal, e.Message)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
