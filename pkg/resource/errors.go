package resource

import (
	"errors"
	"fmt"
	"strings"

	"github.com/keel-cm/keel/pkg/target"
)

// UnreachableError indicates the target could not be contacted while reading
// or applying a resource. The reconciler retries these with backoff.
type UnreachableError struct {
	ID    string
	Cause error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("%s: target unreachable: %v", e.ID, e.Cause)
}

func (e *UnreachableError) Unwrap() error { return e.Cause }

// PermissionError indicates the caller lacks rights to inspect or modify the
// resource on the target.
type PermissionError struct {
	ID    string
	Cause error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("%s: permission denied: %v", e.ID, e.Cause)
}

func (e *PermissionError) Unwrap() error { return e.Cause }

// CycleError is returned by the planner when the dependency graph contains a
// cycle. It carries the identifiers of the resources involved. Planning fails
// before any side effect occurs.
type CycleError struct {
	IDs []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle involving: %s", strings.Join(e.IDs, ", "))
}

// ValidationError indicates a malformed desired-state attribute, detected
// pre-flight by the planner.
type ValidationError struct {
	ID        string
	Attribute string
	Detail    string
}

func (e *ValidationError) Error() string {
	if e.Attribute != "" {
		return fmt.Sprintf("%s: invalid attribute %q: %s", e.ID, e.Attribute, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.ID, e.Detail)
}

// ApplyError wraps an adapter-specific apply failure together with any
// diagnostic output the adapter captured.
type ApplyError struct {
	ID         string
	Cause      error
	Diagnostic string
}

func (e *ApplyError) Error() string {
	if e.Diagnostic != "" {
		return fmt.Sprintf("%s: apply failed: %v (%s)", e.ID, e.Cause, e.Diagnostic)
	}
	return fmt.Sprintf("%s: apply failed: %v", e.ID, e.Cause)
}

func (e *ApplyError) Unwrap() error { return e.Cause }

// InvariantError reports a commit-then-cutover breach: an operation would
// revoke the reconciler's access path before a replacement was confirmed
// active. It is never isolated to one resource; the reconciler aborts the
// entire run.
type InvariantError struct {
	ID     string
	Detail string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s: access-path invariant violated: %s", e.ID, e.Detail)
}

// IsUnreachable reports whether err stems from a failure to contact the
// target, either classified by an adapter or raw from the transport.
func IsUnreachable(err error) bool {
	var ue *UnreachableError
	return errors.As(err, &ue) || errors.Is(err, target.ErrUnreachable)
}

// IsInvariantViolation reports whether err is a commit-then-cutover breach.
func IsInvariantViolation(err error) bool {
	var ie *InvariantError
	return errors.As(err, &ie)
}

// ClassifyTargetError wraps raw transport errors into the resource error
// taxonomy. Errors that are already classified pass through unchanged.
func ClassifyTargetError(id string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, target.ErrUnreachable):
		return &UnreachableError{ID: id, Cause: err}
	case errors.Is(err, target.ErrPermission):
		return &PermissionError{ID: id, Cause: err}
	default:
		return err
	}
}
