package reconciler

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/keel-cm/keel/pkg/resource"
)

// RunOutcome classifies a whole run.
type RunOutcome string

const (
	// OutcomeSuccess means every resource converged or was applied.
	OutcomeSuccess RunOutcome = "success"
	// OutcomePartial means some resources failed or were skipped but at least
	// one succeeded.
	OutcomePartial RunOutcome = "partial"
	// OutcomeFailed means no resource succeeded, or the run was aborted by an
	// access-path invariant violation.
	OutcomeFailed RunOutcome = "failed"
)

// StateReport is the read-only record of one reconciliation run: ordered
// per-resource results, the overall outcome, elapsed duration and a
// human-readable change log. It is not mutated after Run returns.
type StateReport struct {
	RunID    string
	DryRun   bool
	Started  time.Time
	Duration time.Duration

	Results []resource.ExecutionResult
	Outcome RunOutcome

	// Fatal carries the invariant violation that aborted the run, if any.
	Fatal error

	// Err carries a run-level error such as context cancellation.
	Err error
}

func newStateReport(dryRun bool) *StateReport {
	return &StateReport{
		RunID:   uuid.NewString(),
		DryRun:  dryRun,
		Started: time.Now(),
	}
}

// Result returns the execution result for a resource ID.
func (r *StateReport) Result(id string) (resource.ExecutionResult, bool) {
	for _, res := range r.Results {
		if res.ID == id {
			return res, true
		}
	}
	return resource.ExecutionResult{}, false
}

// ChangeLog returns one line per non-empty change set, in plan order.
func (r *StateReport) ChangeLog() []string {
	var lines []string
	for _, res := range r.Results {
		if res.Changes.Empty() {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", res.ID, res.Changes))
	}
	return lines
}

// Counts returns the number of results per outcome.
func (r *StateReport) Counts() (converged, applied, skipped, failed int) {
	for _, res := range r.Results {
		switch res.Outcome {
		case resource.OutcomeConverged:
			converged++
		case resource.OutcomeApplied:
			applied++
		case resource.OutcomeSkipped:
			skipped++
		case resource.OutcomeFailed:
			failed++
		}
	}
	return
}

// ExitCode maps the report onto the process exit code contract:
// 0 success, 1 partial, 3 one or more resources failed.
// (Exit code 2, failed-to-plan, is the caller's concern: no report exists
// when planning fails.)
func (r *StateReport) ExitCode() int {
	switch r.Outcome {
	case OutcomeSuccess:
		return 0
	case OutcomePartial:
		return 1
	default:
		return 3
	}
}

func (r *StateReport) finalize() {
	r.Duration = time.Since(r.Started)

	converged, applied, skipped, failed := r.Counts()
	succeeded := converged + applied

	switch {
	case r.Fatal != nil:
		r.Outcome = OutcomeFailed
	case failed == 0 && skipped == 0:
		r.Outcome = OutcomeSuccess
	case succeeded > 0:
		r.Outcome = OutcomePartial
	default:
		r.Outcome = OutcomeFailed
	}
}
