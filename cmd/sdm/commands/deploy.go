package commands

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sdmkit/sdm/pkg/packs"
)

func newDeployCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Manage deployment freezes",
		Long: `Freeze or unfreeze deployment for a scope (a repository owner).

While a scope is frozen its pushes get an explanation goal instead of
production deployment. Freezes persist when the machine uses the sqlite
freeze backend.`,
	}

	cmd.AddCommand(newFreezeToggleCommand(opts, "enable", "Allow deployment for a scope", packs.CommandDeployEnable))
	cmd.AddCommand(newFreezeToggleCommand(opts, "disable", "Freeze deployment for a scope", packs.CommandDeployDisable))
	cmd.AddCommand(newFreezeToggleCommand(opts, "status", "Show whether deployment is enabled for a scope", packs.CommandDeployStatus))
	cmd.AddCommand(newFreezeListCommand(opts))

	return cmd
}

func newFreezeToggleCommand(opts *globalOptions, use, short, command string) *cobra.Command {
	var scope string

	cmd := &cobra.Command{
		Use:     use,
		Short:   short,
		Example: fmt.Sprintf("  sdm deploy %s --scope team-a", use),
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, "deploy."+use, func(ctx context.Context, a *app) error {
				out, err := a.machine.RunCommand(ctx, command, map[string]string{"scope": scope})
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), out)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&scope, "scope", "", "repository owner the freeze applies to")
	_ = cmd.MarkFlagRequired("scope")

	return cmd
}

func newFreezeListCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every scope whose freeze state was set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, "deploy.list", func(ctx context.Context, a *app) error {
				store, err := a.requireStore()
				if err != nil {
					return err
				}
				freezes, err := store.ListFreezes(ctx)
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return writeJSON(cmd.OutOrStdout(), freezes)
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "SCOPE\tDEPLOYMENT\tUPDATED")
				for _, f := range freezes {
					state := "enabled"
					if f.Frozen {
						state = "frozen"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\n", f.Scope, state, f.UpdatedAt.Local().Format("2006-01-02 15:04"))
				}
				return tw.Flush()
			})
		},
	}
}
