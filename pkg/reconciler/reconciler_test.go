package reconciler_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keel-cm/keel/pkg/planner"
	"github.com/keel-cm/keel/pkg/reconciler"
	"github.com/keel-cm/keel/pkg/report"
	"github.com/keel-cm/keel/pkg/resource"
	"github.com/keel-cm/keel/pkg/target"
)

// fakeTarget satisfies target.Target; the fake adapters never touch it.
type fakeTarget struct{}

func (fakeTarget) Execute(ctx context.Context, command string) (*target.ExecResult, error) {
	return &target.ExecResult{}, nil
}

func (fakeTarget) FetchFile(ctx context.Context, path string) ([]byte, *target.FileInfo, error) {
	return nil, nil, target.ErrNotFound
}

func (fakeTarget) PushFile(ctx context.Context, path string, content []byte, info *target.FileInfo) error {
	return nil
}

// behavior scripts one resource's reconciliation.
type behavior struct {
	readErr  error
	readErrs int // fail the first N reads with readErr, then succeed
	changes  resource.ChangeSet
	applyErr error
	apply    func(ctx context.Context) error // overrides applyErr when set

	reads   int
	applies int
}

type fakeAdapter struct {
	kind      string
	behaviors map[string]*behavior
}

func (a *fakeAdapter) Kind() string { return a.kind }

func (a *fakeAdapter) Read(ctx context.Context, t target.Target, spec resource.Spec) (*resource.State, error) {
	b := a.behaviors[spec.ID()]
	b.reads++
	if b.readErr != nil && (b.readErrs == 0 || b.reads <= b.readErrs) {
		return nil, b.readErr
	}
	return &resource.State{Kind: spec.Kind, Name: spec.Name, Present: true}, nil
}

func (a *fakeAdapter) Diff(spec resource.Spec, state *resource.State) (resource.ChangeSet, error) {
	return a.behaviors[spec.ID()].changes, nil
}

func (a *fakeAdapter) Apply(ctx context.Context, t target.Target, spec resource.Spec, state *resource.State, changes resource.ChangeSet) error {
	b := a.behaviors[spec.ID()]
	b.applies++
	if b.apply != nil {
		return b.apply(ctx)
	}
	return b.applyErr
}

// accessPathAdapter marks its resources as managing the reconciler's own
// access path, like the sshconfig and firewall adapters do.
type accessPathAdapter struct {
	fakeAdapter
}

func (a *accessPathAdapter) ManagesAccessPath() bool { return true }

type fixture struct {
	registry  *resource.Registry
	behaviors map[string]*behavior
	specs     []resource.Spec
}

func newFixture(t *testing.T, kinds ...string) *fixture {
	t.Helper()
	f := &fixture{
		registry:  resource.NewRegistry(),
		behaviors: map[string]*behavior{},
	}
	for _, k := range kinds {
		require.NoError(t, f.registry.Register(&fakeAdapter{kind: k, behaviors: f.behaviors}))
	}
	return f
}

func (f *fixture) addAccessPathKind(t *testing.T, kind string) {
	t.Helper()
	require.NoError(t, f.registry.Register(&accessPathAdapter{fakeAdapter{kind: kind, behaviors: f.behaviors}}))
}

func (f *fixture) add(t *testing.T, kind, name string, b *behavior, deps ...string) {
	t.Helper()
	spec := resource.Spec{Kind: kind, Name: name, DependsOn: deps}
	f.behaviors[spec.ID()] = b
	f.specs = append(f.specs, spec)
}

func (f *fixture) run(t *testing.T, opts ...reconciler.Option) *reconciler.StateReport {
	t.Helper()
	return f.runCtx(t, context.Background(), opts...)
}

func (f *fixture) runCtx(t *testing.T, ctx context.Context, opts ...reconciler.Option) *reconciler.StateReport {
	t.Helper()
	plan, err := planner.BuildPlan(f.specs, f.registry)
	require.NoError(t, err)

	r := reconciler.New(f.registry, opts...)
	return r.Run(ctx, plan, fakeTarget{})
}

func change(attr, from, to string) resource.ChangeSet {
	return resource.ChangeSet{{Attribute: attr, From: from, To: to}}
}

func outcomeOf(t *testing.T, rep *reconciler.StateReport, id string) resource.Outcome {
	t.Helper()
	res, ok := rep.Result(id)
	require.True(t, ok, "no result for %s", id)
	return res.Outcome
}

func TestRunAllConverged(t *testing.T) {
	f := newFixture(t, "file")
	f.add(t, "file", "a", &behavior{})
	f.add(t, "file", "b", &behavior{})

	rep := f.run(t)

	assert.Equal(t, reconciler.OutcomeSuccess, rep.Outcome)
	assert.Equal(t, 0, rep.ExitCode())
	assert.Equal(t, resource.OutcomeConverged, outcomeOf(t, rep, "file/a"))
	assert.Equal(t, resource.OutcomeConverged, outcomeOf(t, rep, "file/b"))
	assert.Empty(t, rep.ChangeLog())
}

func TestRunAppliesPendingChanges(t *testing.T) {
	f := newFixture(t, "service")
	b := &behavior{changes: change("active", "no", "yes")}
	f.add(t, "service", "syncthing", b)

	rep := f.run(t)

	assert.Equal(t, reconciler.OutcomeSuccess, rep.Outcome)
	assert.Equal(t, resource.OutcomeApplied, outcomeOf(t, rep, "service/syncthing"))
	assert.Equal(t, 1, b.applies)
	assert.Len(t, rep.ChangeLog(), 1)
}

func TestRunDependencyFailureContainment(t *testing.T) {
	f := newFixture(t, "firewall", "sshconfig", "file")
	f.add(t, "firewall", "baseline", &behavior{
		changes:  change("enabled", "no", "yes"),
		applyErr: errors.New("ufw enable failed"),
	})
	f.add(t, "sshconfig", "hardened", &behavior{}, "firewall/baseline")
	f.add(t, "file", "motd", &behavior{})

	rep := f.run(t)

	// The independent branch still converges.
	assert.Equal(t, resource.OutcomeFailed, outcomeOf(t, rep, "firewall/baseline"))
	assert.Equal(t, resource.OutcomeSkipped, outcomeOf(t, rep, "sshconfig/hardened"))
	assert.Equal(t, resource.OutcomeConverged, outcomeOf(t, rep, "file/motd"))

	assert.Equal(t, reconciler.OutcomePartial, rep.Outcome)
	assert.Equal(t, 1, rep.ExitCode())

	res, _ := rep.Result("sshconfig/hardened")
	assert.Contains(t, res.Reason, "firewall/baseline")
}

func TestRunTransitiveSkip(t *testing.T) {
	f := newFixture(t, "file")
	f.add(t, "file", "a", &behavior{readErr: errors.New("boom")})
	f.add(t, "file", "b", &behavior{}, "file/a")
	f.add(t, "file", "c", &behavior{}, "file/b")

	rep := f.run(t)

	assert.Equal(t, resource.OutcomeFailed, outcomeOf(t, rep, "file/a"))
	assert.Equal(t, resource.OutcomeSkipped, outcomeOf(t, rep, "file/b"))
	assert.Equal(t, resource.OutcomeSkipped, outcomeOf(t, rep, "file/c"))
	assert.Equal(t, reconciler.OutcomeFailed, rep.Outcome)
	assert.Equal(t, 3, rep.ExitCode())
}

func TestRunDryRunNeverApplies(t *testing.T) {
	f := newFixture(t, "service")
	b := &behavior{changes: change("active", "no", "yes")}
	f.add(t, "service", "syncthing", b)

	rep := f.run(t, reconciler.WithDryRun())

	assert.True(t, rep.DryRun)
	assert.Equal(t, resource.OutcomeApplied, outcomeOf(t, rep, "service/syncthing"))
	assert.Equal(t, 0, b.applies, "dry run must not call Apply")
	assert.Len(t, rep.ChangeLog(), 1)
}

func TestRunDryRunRecordsFailuresToo(t *testing.T) {
	f := newFixture(t, "file")
	f.add(t, "file", "a", &behavior{readErr: errors.New("boom")})

	rep := f.run(t, reconciler.WithDryRun())

	assert.Equal(t, resource.OutcomeFailed, outcomeOf(t, rep, "file/a"))
	assert.Equal(t, reconciler.OutcomeFailed, rep.Outcome)
}

func TestRunInvariantViolationAborts(t *testing.T) {
	f := newFixture(t, "sshconfig", "file")
	f.add(t, "file", "before", &behavior{})
	f.add(t, "sshconfig", "hardened", &behavior{
		changes: change("port", "22", "2222"),
		applyErr: &resource.InvariantError{
			ID:     "sshconfig/hardened",
			Detail: "new port 2222 not reachable after reload",
		},
	}, "file/before")
	f.add(t, "file", "after", &behavior{})
	f.add(t, "file", "unrelated", &behavior{})

	rep := f.run(t)

	assert.Equal(t, resource.OutcomeConverged, outcomeOf(t, rep, "file/before"))
	assert.Equal(t, resource.OutcomeFailed, outcomeOf(t, rep, "sshconfig/hardened"))

	// Everything after the violation is skipped, dependent or not.
	assert.Equal(t, resource.OutcomeSkipped, outcomeOf(t, rep, "file/after"))
	assert.Equal(t, resource.OutcomeSkipped, outcomeOf(t, rep, "file/unrelated"))

	require.NotNil(t, rep.Fatal)
	assert.True(t, resource.IsInvariantViolation(rep.Fatal))
	assert.Equal(t, reconciler.OutcomeFailed, rep.Outcome)
	assert.Equal(t, 3, rep.ExitCode())
}

func TestRunRetriesUnreachableReads(t *testing.T) {
	f := newFixture(t, "file")
	b := &behavior{
		readErr:  &resource.UnreachableError{ID: "file/a", Cause: target.ErrUnreachable},
		readErrs: 2,
	}
	f.add(t, "file", "a", b)

	rep := f.run(t, reconciler.WithRetryPolicy(reconciler.RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}))

	assert.Equal(t, resource.OutcomeConverged, outcomeOf(t, rep, "file/a"))
	assert.Equal(t, 3, b.reads)
}

func TestRunDoesNotRetryApplyFailures(t *testing.T) {
	f := newFixture(t, "file")
	b := &behavior{
		changes:  change("content", "", "hello"),
		applyErr: errors.New("permanent failure"),
	}
	f.add(t, "file", "a", b)

	rep := f.run(t, reconciler.WithRetryPolicy(reconciler.RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}))

	assert.Equal(t, resource.OutcomeFailed, outcomeOf(t, rep, "file/a"))
	assert.Equal(t, 1, b.applies, "non-transport failures must not be retried")
}

func TestRunCancellationSkipsRemaining(t *testing.T) {
	f := newFixture(t, "file")
	f.add(t, "file", "a", &behavior{})
	f.add(t, "file", "b", &behavior{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep := f.runCtx(t, ctx)

	assert.Equal(t, resource.OutcomeSkipped, outcomeOf(t, rep, "file/a"))
	assert.Equal(t, resource.OutcomeSkipped, outcomeOf(t, rep, "file/b"))
	require.Error(t, rep.Err)
	assert.ErrorIs(t, rep.Err, context.Canceled)
	assert.Equal(t, reconciler.OutcomeFailed, rep.Outcome)
}

func TestRunIdempotentSecondPass(t *testing.T) {
	f := newFixture(t, "service")
	b := &behavior{changes: change("active", "no", "yes")}
	f.add(t, "service", "syncthing", b)

	first := f.run(t)
	require.Equal(t, reconciler.OutcomeSuccess, first.Outcome)

	// After a successful apply the observed state matches the desired state.
	b.changes = nil

	second := f.run(t)
	assert.Equal(t, reconciler.OutcomeSuccess, second.Outcome)
	assert.Equal(t, resource.OutcomeConverged, outcomeOf(t, second, "service/syncthing"))
	assert.Equal(t, 1, b.applies)
}

// recordingReporter captures Info and Warn events; everything else is
// discarded.
type recordingReporter struct {
	report.Nil
	infos []string
	warns []string
}

func (r *recordingReporter) Info(msg string) { r.infos = append(r.infos, msg) }
func (r *recordingReporter) Warn(msg string) { r.warns = append(r.warns, msg) }

func TestRunCancellationWaitsForInFlightApply(t *testing.T) {
	f := newFixture(t, "file")

	started := make(chan struct{})
	completed := false
	b := &behavior{changes: change("content", "", "hello")}
	b.apply = func(ctx context.Context) error {
		close(started)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
			completed = true
			return nil
		}
	}
	f.add(t, "file", "a", b)
	f.add(t, "file", "b", &behavior{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	rep := f.runCtx(t, ctx)

	assert.True(t, completed, "in-flight apply must run to completion")
	assert.Equal(t, resource.OutcomeApplied, outcomeOf(t, rep, "file/a"))

	// Cancellation takes effect before the next plan entry.
	assert.Equal(t, resource.OutcomeSkipped, outcomeOf(t, rep, "file/b"))
	assert.ErrorIs(t, rep.Err, context.Canceled)
}

func TestRunRetriesUnreachableApplies(t *testing.T) {
	f := newFixture(t, "file")
	b := &behavior{
		changes:  change("content", "", "hello"),
		applyErr: &resource.UnreachableError{ID: "file/a", Cause: target.ErrUnreachable},
	}
	f.add(t, "file", "a", b)

	rep := f.run(t, reconciler.WithRetryPolicy(reconciler.RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}))

	assert.Equal(t, resource.OutcomeFailed, outcomeOf(t, rep, "file/a"))
	assert.Equal(t, 3, b.applies)
}

func TestRunDoesNotRetryAccessPathApplies(t *testing.T) {
	f := newFixture(t)
	f.addAccessPathKind(t, "firewall")

	// An unreachable error mid-apply may be the cutover itself dropping the
	// connection; re-applying blindly could repeat a half-landed change.
	b := &behavior{
		changes:  change("enabled", "no", "yes"),
		applyErr: &resource.UnreachableError{ID: "firewall/baseline", Cause: target.ErrUnreachable},
	}
	f.add(t, "firewall", "baseline", b)

	rep := f.run(t, reconciler.WithRetryPolicy(reconciler.RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}))

	assert.Equal(t, resource.OutcomeFailed, outcomeOf(t, rep, "firewall/baseline"))
	assert.Equal(t, 1, b.applies)

	// Reads on the same adapter still retry as usual.
	b2 := &behavior{
		readErr:  &resource.UnreachableError{ID: "firewall/baseline", Cause: target.ErrUnreachable},
		readErrs: 1,
	}
	f.behaviors["firewall/baseline"] = b2
	rep = f.run(t, reconciler.WithRetryPolicy(reconciler.RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}))
	assert.Equal(t, resource.OutcomeConverged, outcomeOf(t, rep, "firewall/baseline"))
	assert.Equal(t, 2, b2.reads)
}

func TestRunEmitsInfoAndWarnEvents(t *testing.T) {
	f := newFixture(t, "file")
	f.add(t, "file", "a", &behavior{
		readErr:  &resource.UnreachableError{ID: "file/a", Cause: target.ErrUnreachable},
		readErrs: 2,
	})

	rec := &recordingReporter{}
	rep := f.run(t,
		reconciler.WithReporter(rec),
		reconciler.WithRetryPolicy(reconciler.RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
		}),
	)

	require.Len(t, rec.infos, 1)
	assert.Contains(t, rec.infos[0], rep.RunID)
	assert.Contains(t, rec.infos[0], "1 resources")

	// One warning per retry, none for the final failing attempt.
	require.Len(t, rec.warns, 2)
	assert.Contains(t, rec.warns[0], "file/a")
	assert.Contains(t, rec.warns[0], "unreachable")
}

func TestRunWarnsOnCancellation(t *testing.T) {
	f := newFixture(t, "file")
	f.add(t, "file", "a", &behavior{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := &recordingReporter{}
	f.runCtx(t, ctx, reconciler.WithReporter(rec))

	require.Len(t, rec.warns, 1)
	assert.Contains(t, rec.warns[0], "cancelled")
}

func TestRunReportsHaveDistinctIDs(t *testing.T) {
	f := newFixture(t, "file")
	f.add(t, "file", "a", &behavior{})

	first := f.run(t)
	second := f.run(t)

	assert.NotEmpty(t, first.RunID)
	assert.NotEqual(t, first.RunID, second.RunID)
}
