// Package cli implements the sandboxctl command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cryptocardia/sandbox/internal/logging"
	"github.com/cryptocardia/sandbox/internal/mcpserver"
	"github.com/cryptocardia/sandbox/internal/policy"
)

// ErrChecksFailed is returned after output has been written when a scenario
// case failed or an audit chain did not verify.
var ErrChecksFailed = errors.New("one or more checks failed")

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	PolicyFile string
	APIURL     string
	Timeout    time.Duration
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for sandboxctl.
func NewRootCommand(version string) *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:     "sandboxctl",
		Short:   "Drive the CryptoCardia execution-governance sandbox",
		Long:    "Evaluate simulated payment intents, run scenario files, inspect the policy and verify audit chains.",
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log each evaluated run to stderr")
	cmd.PersistentFlags().StringVarP(&opts.Format, "format", "f", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.PolicyFile, "policy", os.Getenv("POLICY_FILE"), "policy YAML file (default: built-in policy)")
	cmd.PersistentFlags().StringVar(&opts.APIURL, "api", os.Getenv("CRYPTOCARDIA_API_URL"), "sandbox server URL; when empty, commands run in-process")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "request timeout when talking to a server")

	cmd.AddCommand(NewScenarioCommand(opts))
	cmd.AddCommand(NewEvaluateCommand(opts))
	cmd.AddCommand(NewPolicyCommand(opts))
	cmd.AddCommand(NewAuditCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func (o *RootOptions) loadPolicy() (*policy.Policy, error) {
	p, err := policy.Load(o.PolicyFile)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	return p, nil
}

func (o *RootOptions) client() *mcpserver.SandboxClient {
	return mcpserver.NewSandboxClient(mcpserver.Config{APIURL: o.APIURL, Timeout: o.Timeout})
}

// context attaches a stderr logger; runs are only logged with --verbose.
func (o *RootOptions) context(cmd *cobra.Command) context.Context {
	level := "warn"
	if o.Verbose {
		level = "debug"
	}
	logger := logging.NewWithWriter(cmd.ErrOrStderr(), level, "text")
	return logging.WithLogger(cmd.Context(), logger)
}
