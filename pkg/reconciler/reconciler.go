// Package reconciler executes a plan against a target: for every resource it
// reads the observed state, diffs it against the desired state and applies
// the minimal change set, tracking per-resource outcomes into a StateReport.
package reconciler

import (
	"context"
	"fmt"

	"github.com/keel-cm/keel/pkg/planner"
	"github.com/keel-cm/keel/pkg/report"
	"github.com/keel-cm/keel/pkg/resource"
	"github.com/keel-cm/keel/pkg/target"
)

func New(reg *resource.Registry, options ...Option) *Reconciler {
	opts := Options{
		Reporter: report.Nil{},
		Retry:    DefaultRetryPolicy(),
	}
	for _, option := range options {
		option(&opts)
	}

	return &Reconciler{
		registry: reg,
		options:  opts,
	}
}

// Reconciler walks a plan in order. Each resource moves through
// Pending -> Reading -> Diffing -> (Converged | Applying -> (Applied |
// Failed)); resources whose dependencies did not converge are Skipped and
// never attempted. The target handle is owned by the reconciler for the
// duration of a run and lent to adapters per call.
//
// Execution is strictly sequential. Ordering correctness matters more than
// throughput here, and access-path resources (see resource.AccessPath) must
// never interleave with each other because commit-then-cutover requires an
// external verification step between their operations.
type Reconciler struct {
	registry *resource.Registry
	options  Options
}

// Run reconciles the plan against the target and returns the StateReport.
//
// Failure semantics:
//   - a per-resource failure (unreachable, denied, apply error) skips the
//     resources depending on it; independent branches continue
//   - an access-path invariant violation aborts the whole run: remaining
//     entries are skipped and the report is marked fatal
//   - cancellation is honored between plan entries only; an in-flight apply
//     always runs to completion or failure first
func (r *Reconciler) Run(ctx context.Context, plan *planner.Plan, t target.Target) *StateReport {
	rep := newStateReport(r.options.DryRun)
	outcomes := make(map[string]resource.Outcome, len(plan.Specs))

	mode := "apply"
	if r.options.DryRun {
		mode = "dry run"
	}
	r.options.Reporter.Info(fmt.Sprintf("run %s: reconciling %d resources (%s)", rep.RunID, len(plan.Specs), mode))

	var fatal error
	var cancelled bool

	for _, spec := range plan.Specs {
		id := spec.ID()

		if fatal != nil {
			res := skippedResult(id, "run aborted after access-path invariant violation")
			r.options.Reporter.Skipped(id, res.Reason)
			outcomes[id] = res.Outcome
			rep.Results = append(rep.Results, res)
			continue
		}

		if !cancelled {
			select {
			case <-ctx.Done():
				cancelled = true
				rep.Err = ctx.Err()
				r.options.Reporter.Warn("run cancelled; remaining resources are skipped")
			default:
			}
		}
		if cancelled {
			res := skippedResult(id, "run cancelled")
			r.options.Reporter.Skipped(id, res.Reason)
			outcomes[id] = res.Outcome
			rep.Results = append(rep.Results, res)
			continue
		}

		if blocker, blocked := blockedBy(spec, outcomes); blocked {
			res := skippedResult(id, fmt.Sprintf("dependency %s did not converge", blocker))
			r.options.Reporter.Skipped(id, res.Reason)
			outcomes[id] = res.Outcome
			rep.Results = append(rep.Results, res)
			continue
		}

		adapter, ok := r.registry.Get(spec.Kind)
		if !ok {
			// The planner validates kinds; this guards direct callers.
			res := resource.ExecutionResult{
				ID:      id,
				Outcome: resource.OutcomeFailed,
				Err: &resource.ValidationError{
					ID:     id,
					Detail: fmt.Sprintf("unsupported resource kind %q", spec.Kind),
				},
			}
			r.options.Reporter.Failed(id, res.Err)
			outcomes[id] = res.Outcome
			rep.Results = append(rep.Results, res)
			continue
		}

		res := r.reconcileOne(ctx, t, adapter, spec)
		outcomes[id] = res.Outcome
		rep.Results = append(rep.Results, res)

		if res.Err != nil && resource.IsInvariantViolation(res.Err) {
			fatal = res.Err
		}
	}

	rep.Fatal = fatal
	rep.finalize()
	return rep
}

func (r *Reconciler) reconcileOne(ctx context.Context, t target.Target, adapter resource.Adapter, spec resource.Spec) resource.ExecutionResult {
	id := spec.ID()
	res := resource.ExecutionResult{ID: id}

	r.options.Reporter.Reading(id)

	warnRetry := func(attempt int, err error) {
		r.options.Reporter.Warn(fmt.Sprintf("%s: target unreachable (attempt %d), retrying: %v", id, attempt+1, err))
	}

	var state *resource.State
	err := withRetry(ctx, r.options.Retry, warnRetry, func() error {
		callCtx, cancel := r.callContext(ctx)
		defer cancel()

		var readErr error
		state, readErr = adapter.Read(callCtx, t, spec)
		return resource.ClassifyTargetError(id, readErr)
	})
	if err != nil {
		res.Outcome = resource.OutcomeFailed
		res.Err = err
		r.options.Reporter.Failed(id, err)
		return res
	}

	changes, err := adapter.Diff(spec, state)
	if err != nil {
		res.Outcome = resource.OutcomeFailed
		res.Err = err
		r.options.Reporter.Failed(id, err)
		return res
	}
	res.Changes = changes

	if changes.Empty() {
		res.Outcome = resource.OutcomeConverged
		r.options.Reporter.Converged(id)
		return res
	}

	r.options.Reporter.Pending(id, changes)

	if r.options.DryRun {
		// In a dry run, Applied means the change set would be applied.
		res.Outcome = resource.OutcomeApplied
		return res
	}

	r.options.Reporter.Applying(id)

	retry := r.options.Retry
	if ap, ok := adapter.(resource.AccessPath); ok && ap.ManagesAccessPath() {
		// A cutover can drop the very connection the run travels over, so an
		// unreachable error during an access-path apply is ambiguous: the
		// change may already have landed. Never re-apply blindly.
		retry.MaxAttempts = 1
	}

	err = withRetry(ctx, retry, warnRetry, func() error {
		callCtx, cancel := r.applyContext(ctx)
		defer cancel()

		return resource.ClassifyTargetError(id, adapter.Apply(callCtx, t, spec, state, changes))
	})
	if err != nil {
		res.Outcome = resource.OutcomeFailed
		res.Err = err
		r.options.Reporter.Failed(id, err)
		return res
	}

	res.Outcome = resource.OutcomeApplied
	r.options.Reporter.Applied(id)
	return res
}

func (r *Reconciler) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.options.CallTimeout > 0 {
		return context.WithTimeout(ctx, r.options.CallTimeout)
	}
	return context.WithCancel(ctx)
}

// applyContext keeps an in-flight apply alive across run cancellation: an
// interrupted mutation would leave the resource half-modified. Cancellation
// takes effect between plan entries; the call timeout still applies.
func (r *Reconciler) applyContext(ctx context.Context) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if r.options.CallTimeout > 0 {
		return context.WithTimeout(detached, r.options.CallTimeout)
	}
	return context.WithCancel(detached)
}

// blockedBy returns the first dependency of spec whose outcome is neither
// Converged nor Applied.
func blockedBy(spec resource.Spec, outcomes map[string]resource.Outcome) (string, bool) {
	for _, dep := range spec.DependsOn {
		switch outcomes[dep] {
		case resource.OutcomeConverged, resource.OutcomeApplied:
		default:
			return dep, true
		}
	}
	return "", false
}

func skippedResult(id, reason string) resource.ExecutionResult {
	return resource.ExecutionResult{
		ID:      id,
		Outcome: resource.OutcomeSkipped,
		Reason:  reason,
	}
}
