package resource

import (
	"context"
	"errors"

	"github.com/keel-cm/keel/pkg/target"
)

func NewCommand() *Command {
	return &Command{}
}

// Command runs an arbitrary command on the target. Without a guard the
// command is considered out of convergence on every run; declare "creates"
// (a path whose existence skips the run) or "unless" (a command whose zero
// exit skips the run) to make it idempotent.
type Command struct{}

func (a *Command) Kind() string { return "command" }

func (a *Command) Validate(spec Spec) error {
	if spec.Attr("command", "") == "" {
		return &ValidationError{ID: spec.ID(), Attribute: "command", Detail: "command is required"}
	}
	return nil
}

func (a *Command) Read(ctx context.Context, t target.Target, spec Spec) (*State, error) {
	state := &State{
		Kind:     spec.Kind,
		Name:     spec.Name,
		Present:  false,
		Observed: map[string]string{},
	}

	satisfied, err := a.guardSatisfied(ctx, t, spec)
	if err != nil {
		return nil, err
	}
	if satisfied {
		state.Present = true
		state.Observed["command"] = spec.Attributes["command"]
	}

	return state, nil
}

func (a *Command) Diff(spec Spec, state *State) (ChangeSet, error) {
	return DiffAttributesOrdered(spec, state, []string{"command"}), nil
}

func (a *Command) Apply(ctx context.Context, t target.Target, spec Spec, state *State, changes ChangeSet) error {
	_, err := run(ctx, t, spec.ID(), spec.Attributes["command"])
	return err
}

// guardSatisfied reports whether a declared guard marks the command as
// already converged. With no guard it returns false so the command runs.
func (a *Command) guardSatisfied(ctx context.Context, t target.Target, spec Spec) (bool, error) {
	if creates := spec.Attr("creates", ""); creates != "" {
		_, _, err := t.FetchFile(ctx, creates)
		if err == nil {
			return true, nil
		}
		if errors.Is(err, target.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	if unless := spec.Attr("unless", ""); unless != "" {
		res, err := t.Execute(ctx, unless)
		if err != nil {
			return false, err
		}
		return res.ExitCode == 0, nil
	}

	return false, nil
}
