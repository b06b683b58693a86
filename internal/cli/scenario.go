package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cryptocardia/sandbox/internal/policy"
	"github.com/cryptocardia/sandbox/internal/scenario"
)

// NewScenarioCommand creates the scenario command group.
func NewScenarioCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scenario",
		Short: "Work with scenario files",
	}
	cmd.AddCommand(newScenarioRunCommand(rootOpts))
	return cmd
}

func newScenarioRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run <file-or-dir>...",
		Short: "Run scenario files and check expected decisions",
		Long: `Loads scenario YAML files, evaluates every case in an in-process sandbox
and reports pass/fail.

Directories are expanded to their .yaml/.yml files. A --policy flag
overrides any policy named inside the files.

Exits non-zero if any case fails. Use in CI to gate policy changes.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := scenario.Collect(args)
			if err != nil {
				return err
			}
			if len(files) == 0 {
				return fmt.Errorf("no scenario files found in %v", args)
			}

			var override *policy.Policy
			if rootOpts.PolicyFile != "" {
				if override, err = rootOpts.loadPolicy(); err != nil {
					return err
				}
			}

			ctx := rootOpts.context(cmd)
			var results []*scenario.RunResult
			for _, path := range files {
				r, err := scenario.LoadAndRun(ctx, path, override)
				if err != nil {
					return err
				}
				results = append(results, r)
			}

			out := cmd.OutOrStdout()
			switch rootOpts.Format {
			case "json":
				text, err := scenario.FormatJSON(results)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, text)
			default:
				fmt.Fprint(out, scenario.FormatText(results))
			}

			if scenario.Failed(results) {
				return ErrChecksFailed
			}
			return nil
		},
	}
}
