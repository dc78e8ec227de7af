package commands

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sdmkit/sdm/pkg/engine"
)

func newGoalsCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "goals",
		Short: "List installed packs and the goals each contributor proposes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, "goals", func(ctx context.Context, a *app) error {
				snap := a.machine.Snapshot()
				if opts.jsonOutput {
					return writeJSON(cmd.OutOrStdout(), struct {
						Packs        []engine.PackInfo   `json:"packs"`
						Contributors []engine.Contributor `json:"contributors"`
						Disposal     []engine.Contributor `json:"disposal"`
						Commands     []string             `json:"commands"`
					}{snap.Packs(), snap.Contributors(), snap.DisposalContributors(), snap.CommandNames()})
				}

				w := cmd.OutOrStdout()
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "PACK\tVERSION\tDESCRIPTION")
				for _, p := range snap.Packs() {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", p.Name, p.Version, p.Description)
				}
				_ = tw.Flush()

				fmt.Fprintln(w)
				printContributors(w, "CONTRIBUTOR", snap.Contributors())
				fmt.Fprintln(w)
				printContributors(w, "DISPOSAL", snap.DisposalContributors())
				fmt.Fprintf(w, "\nCommands: %s\n", strings.Join(snap.CommandNames(), ", "))
				return nil
			})
		},
	}
}

func printContributors(w io.Writer, heading string, contributors []engine.Contributor) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "%s\tGOALS\n", heading)
	for _, c := range contributors {
		names := make([]string, len(c.Goals))
		for i, g := range c.Goals {
			names[i] = g.Name
		}
		fmt.Fprintf(tw, "%s\t%s\n", c.Name, strings.Join(names, ", "))
	}
	_ = tw.Flush()
}
