package resource

import (
	"context"
	"fmt"
	"strings"

	"github.com/keel-cm/keel/pkg/target"
)

func NewService() *Service {
	return &Service{}
}

// Service manages the enabled and active state of a systemd unit, e.g. the
// syncthing@user instance keeping directories mirrored between hosts.
type Service struct{}

func (a *Service) Kind() string { return "service" }

func (a *Service) Validate(spec Spec) error {
	if spec.Attr("unit", "") == "" {
		return &ValidationError{ID: spec.ID(), Attribute: "unit", Detail: "unit name is required"}
	}
	for _, attr := range []string{"enabled", "active"} {
		if v, ok := spec.Attributes[attr]; ok && !isYes(v) && !strings.EqualFold(v, "no") {
			return &ValidationError{ID: spec.ID(), Attribute: attr, Detail: `must be "yes" or "no"`}
		}
	}
	return nil
}

func (a *Service) Read(ctx context.Context, t target.Target, spec Spec) (*State, error) {
	id := spec.ID()
	unit := spec.Attributes["unit"]

	enabledRes, err := t.Execute(ctx, "systemctl is-enabled "+unit)
	if err != nil {
		return nil, ClassifyTargetError(id, err)
	}
	enabledOut := strings.TrimSpace(enabledRes.Stdout)

	// An unknown unit yields a non-zero exit with nothing on stdout.
	if enabledRes.ExitCode != 0 && enabledOut == "" {
		return &State{Kind: spec.Kind, Name: spec.Name, Present: false}, nil
	}

	activeRes, err := t.Execute(ctx, "systemctl is-active "+unit)
	if err != nil {
		return nil, ClassifyTargetError(id, err)
	}
	activeOut := strings.TrimSpace(activeRes.Stdout)

	observed := map[string]string{
		"enabled": yesNo(enabledOut == "enabled"),
		"active":  yesNo(activeOut == "active"),
	}

	return &State{Kind: spec.Kind, Name: spec.Name, Present: true, Observed: observed}, nil
}

func (a *Service) Diff(spec Spec, state *State) (ChangeSet, error) {
	norm := spec
	norm.Attributes = cloneAttributes(spec.Attributes)
	for _, attr := range []string{"enabled", "active"} {
		if v, ok := norm.Attributes[attr]; ok {
			norm.Attributes[attr] = strings.ToLower(v)
		}
	}
	return DiffAttributesOrdered(norm, state, []string{"enabled", "active"}), nil
}

func (a *Service) Apply(ctx context.Context, t target.Target, spec Spec, state *State, changes ChangeSet) error {
	id := spec.ID()
	unit := spec.Attributes["unit"]

	if state == nil || !state.Present {
		return &ApplyError{ID: id, Cause: fmt.Errorf("unit %q not found on target", unit)}
	}

	for _, op := range changes {
		switch op.Attribute {
		case "enabled":
			verb := "enable"
			if !isYes(op.To) {
				verb = "disable"
			}
			if _, err := run(ctx, t, id, fmt.Sprintf("systemctl %s %s", verb, unit)); err != nil {
				return err
			}
		case "active":
			verb := "start"
			if !isYes(op.To) {
				verb = "stop"
			}
			if _, err := run(ctx, t, id, fmt.Sprintf("systemctl %s %s", verb, unit)); err != nil {
				return err
			}
		}
	}

	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
