package resource

import (
	"context"
	"fmt"
	"strings"

	"github.com/keel-cm/keel/pkg/target"
)

// Spec declares the desired state of a single resource. Identity is the
// Kind/Name pair, unique within a plan. Attributes carries only the values the
// caller wants managed; anything observed on the target but not declared here
// is left untouched.
type Spec struct {
	Kind       string
	Name       string
	Attributes map[string]string
	DependsOn  []string

	// Sensitive lists attribute names whose values were resolved through
	// secret indirection. Their values are masked in diffs and reports.
	Sensitive []string
}

// ID returns the resource identity, e.g. "firewall/main".
func (s Spec) ID() string {
	return s.Kind + "/" + s.Name
}

// Attr returns the named attribute or the given default when undeclared.
func (s Spec) Attr(name, def string) string {
	if v, ok := s.Attributes[name]; ok {
		return v
	}
	return def
}

// IsSensitive reports whether the named attribute holds a secret-derived value.
func (s Spec) IsSensitive(attr string) bool {
	for _, a := range s.Sensitive {
		if a == attr {
			return true
		}
	}
	return false
}

// State is the observed state of a resource on the target, produced by
// Adapter.Read. It lives for a single reconciliation step and is never
// persisted.
type State struct {
	Kind     string
	Name     string
	Present  bool
	Observed map[string]string
}

// Operation is a single attribute transition within a ChangeSet.
type Operation struct {
	Attribute string
	From      string
	To        string
	Sensitive bool
}

func (op Operation) String() string {
	if op.Sensitive {
		return fmt.Sprintf("%s: (sensitive) -> (sensitive)", op.Attribute)
	}
	return fmt.Sprintf("%s: %q -> %q", op.Attribute, op.From, op.To)
}

// ChangeSet is the ordered sequence of operations needed to converge a
// resource. An empty ChangeSet means the resource is already converged.
type ChangeSet []Operation

func (cs ChangeSet) Empty() bool {
	return len(cs) == 0
}

func (cs ChangeSet) String() string {
	parts := make([]string, len(cs))
	for i, op := range cs {
		parts[i] = op.String()
	}
	return strings.Join(parts, ", ")
}

// Outcome classifies the result of reconciling one resource.
type Outcome string

const (
	// OutcomeConverged means the observed state already matched the desired
	// state; nothing was done.
	OutcomeConverged Outcome = "converged"
	// OutcomeApplied means changes were applied (or, in a dry run, would be).
	OutcomeApplied Outcome = "applied"
	// OutcomeSkipped means the resource was never attempted because a
	// dependency did not converge or the run was aborted.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeFailed means reading or applying the resource failed.
	OutcomeFailed Outcome = "failed"
)

// ExecutionResult records the outcome of one resource within a run.
type ExecutionResult struct {
	ID      string
	Outcome Outcome
	Changes ChangeSet
	Err     error
	Reason  string
}

// Adapter implements read/diff/apply for one resource kind.
//
// Read queries the target for the current values of the attributes this kind
// manages. Diff is a pure function comparing only declared attributes. Apply
// performs the minimal operations to make observed match desired and must be
// idempotent: applying an already-applied change set again is a no-op.
type Adapter interface {
	Kind() string
	Read(ctx context.Context, t target.Target, spec Spec) (*State, error)
	Diff(spec Spec, state *State) (ChangeSet, error)
	Apply(ctx context.Context, t target.Target, spec Spec, state *State, changes ChangeSet) error
}

// Validator is an optional adapter capability: pre-flight validation of a
// spec's attributes, run by the planner before any side effect.
type Validator interface {
	Validate(spec Spec) error
}

// AccessPath marks adapters that manage the reconciler's own access path to
// the target (SSH daemon, firewall). Such resources are serialized with each
// other regardless of declared dependencies, and their Apply implementations
// follow the commit-then-cutover rule: a replacement access path must be
// confirmed active before the old one is revoked.
type AccessPath interface {
	ManagesAccessPath() bool
}
