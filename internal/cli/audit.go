package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/cryptocardia/sandbox/internal/audit"
	"github.com/cryptocardia/sandbox/internal/idgen"
)

// NewAuditCommand creates the audit command group.
func NewAuditCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Verify hash-chained audit trails",
	}

	var file string
	verify := &cobra.Command{
		Use:   "verify [run-id]",
		Short: "Replay an audit chain and report the first broken event",
		Long: `Replays a run's audit chain.

With --file, events exported from GET /sandbox/runs/:id/audit are replayed
locally, so a copy held outside the server can be checked. Otherwise the
run id is verified by the server at --api.

Exits non-zero when the chain does not verify.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var report *audit.Report
			switch {
			case file != "":
				events, err := readEvents(file)
				if err != nil {
					return err
				}
				report = audit.Replay(events)
			case len(args) == 1:
				if rootOpts.APIURL == "" {
					return fmt.Errorf("--api is required to verify a run id")
				}
				if !idgen.Valid(args[0]) {
					return fmt.Errorf("run id must be a UUID")
				}
				r, err := rootOpts.client().VerifyAudit(rootOpts.context(cmd), args[0])
				if err != nil {
					return err
				}
				report = r
			default:
				return fmt.Errorf("pass a run id or --file")
			}

			if err := printReport(cmd.OutOrStdout(), rootOpts.Format, report); err != nil {
				return err
			}
			if !report.Valid {
				return ErrChecksFailed
			}
			return nil
		},
	}
	verify.Flags().StringVar(&file, "file", "", "JSON file of exported audit events")
	cmd.AddCommand(verify)

	return cmd
}

// readEvents accepts either a bare event array or the {"events": [...]}
// body returned by the audit endpoint.
func readEvents(path string) ([]*audit.Event, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied export path
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	data = bytes.TrimSpace(data)

	var events []*audit.Event
	if len(data) > 0 && data[0] == '[' {
		err = json.Unmarshal(data, &events)
	} else {
		var wrapped struct {
			Events []*audit.Event `json:"events"`
		}
		err = json.Unmarshal(data, &wrapped)
		events = wrapped.Events
	}
	if err != nil {
		return nil, fmt.Errorf("parse events: %w", err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("no events in %s", path)
	}
	for i, e := range events {
		if e == nil {
			return nil, fmt.Errorf("event %d is null", i+1)
		}
	}
	return events, nil
}

func printReport(w io.Writer, format string, r *audit.Report) error {
	if format == "json" {
		return writeJSON(w, r)
	}
	if r.Valid {
		fmt.Fprintf(w, "OK    %d events verified\n", r.Events)
		return nil
	}
	fmt.Fprintf(w, "FAIL  chain broken at seq %d (%d events)\n", r.FirstBrokenSeq, r.Events)
	for _, c := range r.Checks {
		if c.Valid {
			continue
		}
		fmt.Fprintf(w, "  seq %d %s: %s\n", c.Seq, c.EventID, c.Error)
	}
	return nil
}
