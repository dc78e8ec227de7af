package commands

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/sdmkit/sdm/pkg/config"
)

func newValidateCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate the machine configuration",
		Long: `Validate a machine configuration and everything it references.

This command checks:
  - CUE syntax and the machine schema, or YAML field names
  - Field constraints (durations, merge policy, store and deploy settings)
  - Starlark predicate scripts
  - Team policies (OPA/rego) on the configured paths
  - That the extension packs register without conflicts`,
		Example: `  # Validate the configuration given with --config
  sdm validate -c machine.cue

  # Validate a CUE package directory
  sdm validate ./machine`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				opts.configPath = args[0]
			}

			err := withApp(cmd, opts, "validate", func(ctx context.Context, a *app) error {
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "Machine %q is valid\n", a.cfg.Name)
				fmt.Fprintf(w, "  default branch: %s\n", a.cfg.DefaultBranch)
				fmt.Fprintf(w, "  merge policy:   %s\n", a.cfg.MergePolicy)
				fmt.Fprintf(w, "  freeze backend: %s\n", a.cfg.Store.FreezeBackend)

				envs := make([]string, 0)
				for env := range a.cfg.Deploy.Targets() {
					envs = append(envs, env)
				}
				sort.Strings(envs)
				fmt.Fprintf(w, "  deploy targets: %v\n", envs)

				fmt.Fprintf(w, "  packs:          %d\n", len(a.machine.Snapshot().Packs()))
				if a.policy != nil {
					for _, p := range a.policy.ListPolicies() {
						state := "enabled"
						if !p.Enabled {
							state = "disabled"
						}
						fmt.Fprintf(w, "  policy %s (%s, %s)\n", p.Name, p.Severity, state)
					}
				}
				return nil
			})

			var le *config.LoadError
			if errors.As(err, &le) {
				for _, ve := range le.Errors {
					fmt.Fprintf(cmd.ErrOrStderr(), "  %s\n", ve)
				}
			}
			return err
		},
	}

	return cmd
}
