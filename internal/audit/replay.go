package audit

import (
	"encoding/json"
	"fmt"

	"github.com/cryptocardia/sandbox/internal/canonical"
)

// Report is the outcome of replaying a chain.
type Report struct {
	RunID  string `json:"runId,omitempty"`
	Valid  bool   `json:"valid"`
	Events int    `json:"events"`
	// FirstBrokenSeq is the sequence number of the first invalid event,
	// or 0 when the chain is intact.
	FirstBrokenSeq int64        `json:"firstBrokenSeq,omitempty"`
	Checks         []EventCheck `json:"checks"`
}

// EventCheck is the verdict on a single event.
type EventCheck struct {
	EventID      string `json:"eventId"`
	Seq          int64  `json:"seq"`
	Valid        bool   `json:"valid"`
	ExpectedPrev string `json:"expectedPrevHash"`
	ExpectedHash string `json:"expectedEventHash"`
	Error        string `json:"error,omitempty"`
}

// Replay re-derives the chain from its payloads.
//
// Each event is checked against the recomputed hash of its predecessor,
// not the stored one. Once an event is altered, its recomputed hash no
// longer matches and every later event is reported invalid too.
func Replay(events []*Event) *Report {
	report := &Report{
		Valid:  true,
		Events: len(events),
		Checks: make([]EventCheck, 0, len(events)),
	}

	expectedPrev := ""
	runID, haveRunID := "", false
	for i, e := range events {
		if e == nil {
			// A missing event has no hash, so every later link breaks too.
			check := EventCheck{Seq: int64(i + 1), ExpectedPrev: expectedPrev, Error: "event is missing"}
			if report.Valid {
				report.Valid = false
				report.FirstBrokenSeq = check.Seq
			}
			report.Checks = append(report.Checks, check)
			expectedPrev = ""
			continue
		}
		check := EventCheck{EventID: e.ID, Seq: e.Seq, ExpectedPrev: expectedPrev}

		data, err := canonical.Encode(json.RawMessage(e.Data))
		if err != nil {
			check.Error = fmt.Sprintf("payload cannot be canonicalized: %v", err)
			// Hash the stored bytes so later links still cascade.
			data = e.Data
		}
		check.ExpectedHash = ComputeEventHash(data, expectedPrev)

		if !haveRunID {
			runID, haveRunID = e.RunID, true
		}

		switch {
		case check.Error != "":
		case e.RunID != runID:
			check.Error = fmt.Sprintf("event belongs to run %q, expected %q", e.RunID, runID)
		case e.Seq != int64(i+1):
			check.Error = fmt.Sprintf("sequence %d out of order, expected %d", e.Seq, i+1)
		case e.PrevHash != expectedPrev:
			check.Error = "prev hash does not match predecessor"
		case e.EventHash != check.ExpectedHash:
			check.Error = "event hash does not match payload"
		}
		check.Valid = check.Error == ""

		if !check.Valid && report.Valid {
			report.Valid = false
			report.FirstBrokenSeq = e.Seq
		}
		report.Checks = append(report.Checks, check)
		expectedPrev = check.ExpectedHash
	}
	return report
}

// VerifyEvents returns nil for an intact chain and an error wrapping
// ErrChainCorrupted naming the first broken event otherwise.
func VerifyEvents(events []*Event) error {
	report := Replay(events)
	if report.Valid {
		return nil
	}
	for _, c := range report.Checks {
		if !c.Valid {
			return fmt.Errorf("%w: event %s (seq %d): %s", ErrChainCorrupted, c.EventID, c.Seq, c.Error)
		}
	}
	return ErrChainCorrupted
}
