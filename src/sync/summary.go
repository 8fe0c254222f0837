package sync

import (
	"fmt"
	"time"
)

// Summary is the outcome of syncing one collection. A partial run (deadline,
// terminal read error) still carries the counts accumulated before the stop;
// re-running is always safe because every upsert is idempotent.
type Summary struct {
	DID        string
	Collection string
	Created    int
	Updated    int
	Skipped    int
	Failed     int
	Stubs      int
	Duration   time.Duration
	// Err is the collection-terminal error, if any. Per-record failures are
	// counted in Failed and never abort the collection.
	Err error
}

// Processed returns the number of records the collection sync attempted.
func (s Summary) Processed() int {
	return s.Created + s.Updated + s.Skipped + s.Failed
}

// String renders the one-line form printed by the CLI.
func (s Summary) String() string {
	line := fmt.Sprintf("%-40s created=%d updated=%d skipped=%d failed=%d stubs=%d (%s)",
		s.Collection, s.Created, s.Updated, s.Skipped, s.Failed, s.Stubs, s.Duration.Round(time.Millisecond))
	if s.Err != nil {
		line += fmt.Sprintf(" TERMINAL: %v", s.Err)
	}
	return line
}

// Summaries is a full-run report, one entry per collection.
type Summaries []Summary

// AnyTerminal reports whether any collection hit a terminal error; the CLI
// maps it to the process exit code.
func (s Summaries) AnyTerminal() bool {
	for _, sum := range s {
		if sum.Err != nil {
			return true
		}
	}
	return false
}

// Totals aggregates counts across collections.
func (s Summaries) Totals() Summary {
	var total Summary
	for _, sum := range s {
		total.Created += sum.Created
		total.Updated += sum.Updated
		total.Skipped += sum.Skipped
		total.Failed += sum.Failed
		total.Stubs += sum.Stubs
		total.Duration += sum.Duration
	}
	return total
}
