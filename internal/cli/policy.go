package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// NewPolicyCommand creates the policy command group.
func NewPolicyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect governance policies",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective policy with its id, version and hash",
		Long: `Prints the policy that evaluate and scenario run would use: the file
given by --policy merged over the built-in defaults, or the defaults alone.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := rootOpts.loadPolicy()
			if err != nil {
				return err
			}
			contentHash, err := p.ContentHash()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if rootOpts.Format == "json" {
				return writeJSON(out, map[string]any{
					"policy":      p,
					"ref":         p.Ref(),
					"contentHash": contentHash,
				})
			}

			doc, err := yaml.Marshal(p)
			if err != nil {
				return fmt.Errorf("encode policy: %w", err)
			}
			fmt.Fprintf(out, "# %s@%s\n# hash %s\n# content-hash %s\n", p.ID, p.Version, p.Hash(), contentHash)
			_, err = out.Write(doc)
			return err
		},
	})
	return cmd
}
