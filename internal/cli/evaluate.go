package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cryptocardia/sandbox/internal/audit"
	"github.com/cryptocardia/sandbox/internal/mcpserver"
	"github.com/cryptocardia/sandbox/internal/sandbox"
)

type evaluateOptions struct {
	amount    float64
	flags     []string
	attrs     map[string]string
	execution string
}

// NewEvaluateCommand creates the evaluate command.
func NewEvaluateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &evaluateOptions{}

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate one intent",
		Long: `Evaluates a single simulated intent and prints the governed decision
next to the ungoverned baseline.

Without --api the intent runs against an in-process sandbox and nothing is
kept. With --api it is submitted to that server and recorded there.`,
		Example: `  sandboxctl evaluate --amount 250000 --flag new_recipient --flag high_velocity
  sandboxctl evaluate --amount 100 --flag contract_param_tamper --execution '{"to":"0xabc","amount":100}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvaluate(cmd, rootOpts, opts)
		},
	}

	cmd.Flags().Float64Var(&opts.amount, "amount", 0, "intent amount in USD")
	cmd.Flags().StringSliceVar(&opts.flags, "flag", nil, "scenario flag to set (repeatable)")
	cmd.Flags().StringToStringVar(&opts.attrs, "attr", nil, "extra intent attribute key=value (repeatable)")
	cmd.Flags().StringVar(&opts.execution, "execution", "", "execution record as JSON")
	_ = cmd.MarkFlagRequired("amount")

	return cmd
}

func runEvaluate(cmd *cobra.Command, rootOpts *RootOptions, opts *evaluateOptions) error {
	var execution any
	if opts.execution != "" {
		dec := json.NewDecoder(strings.NewReader(opts.execution))
		dec.UseNumber()
		if err := dec.Decode(&execution); err != nil {
			return fmt.Errorf("--execution must be valid JSON: %w", err)
		}
	}

	attrs := make(map[string]any, len(opts.attrs))
	for k, v := range opts.attrs {
		attrs[k] = v
	}
	flags := make(map[string]bool, len(opts.flags))
	for _, f := range opts.flags {
		flags[strings.TrimSpace(f)] = true
	}

	ctx := rootOpts.context(cmd)

	var result *sandbox.Result
	if rootOpts.APIURL != "" {
		scenarioFlags := make(map[string]any, len(flags))
		for k, v := range flags {
			scenarioFlags[k] = v
		}
		res, err := rootOpts.client().Evaluate(ctx, mcpserver.EvaluateInput{
			AmountUSD:  opts.amount,
			Attributes: attrs,
			Scenario:   scenarioFlags,
			Execution:  execution,
		})
		if err != nil {
			return err
		}
		result = res
	} else {
		p, err := rootOpts.loadPolicy()
		if err != nil {
			return err
		}
		req, err := sandbox.NewRequest(opts.amount, attrs, flags, execution)
		if err != nil {
			return err
		}
		svc := sandbox.NewService(p, sandbox.NewMemoryStore(), audit.NewChain(audit.NewMemoryStore()), nil)
		if result, err = svc.Evaluate(ctx, req); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	if rootOpts.Format == "json" {
		return writeJSON(out, result)
	}
	printResult(out, result)
	return nil
}

func printResult(w io.Writer, r *sandbox.Result) {
	fmt.Fprintf(w, "run       %s\n", r.RunID)
	fmt.Fprintf(w, "baseline  %s (%s)\n", r.Baseline.Decision, r.Baseline.Risk)
	fmt.Fprintf(w, "governed  %s (%s, score %d)\n", r.Governed.Decision, r.Governed.Risk, r.Governed.Score)
	if len(r.Governed.Reasons) > 0 {
		reasons := make([]string, len(r.Governed.Reasons))
		for i, reason := range r.Governed.Reasons {
			reasons[i] = string(reason)
		}
		fmt.Fprintf(w, "reasons   %s\n", strings.Join(reasons, ", "))
	}
	if r.Execution != nil {
		state := "match"
		if r.Execution.Tampered {
			state = "TAMPERED"
		}
		fmt.Fprintf(w, "execution %s\n  expected %s\n  actual   %s\n", state, r.Execution.ExpectedHash, r.Execution.ActualHash)
	}
	e := r.Economics
	fmt.Fprintf(w, "economics attempted $%.2f  prevented $%.2f  friction $%.2f  false-positive $%.2f  net $%.2f\n",
		e.AttemptedValueUSD, e.PreventedLossUSD, e.FrictionCostUSD, e.FalsePositiveCostUSD, e.NetSecurityValueUSD)
	fmt.Fprintf(w, "policy    %s@%s %s\n", r.Policy.ID, r.Policy.Version, r.Policy.Hash)
	fmt.Fprintf(w, "audit     %s %s\n", r.Audit.EventID, r.Audit.EventHash)
}

func writeJSON(w io.Writer, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, err := w.Write(buf.Bytes())
	return err
}
