package target

import (
	"context"
	"errors"
)

var (
	// ErrUnreachable indicates the managed host could not be contacted. Callers
	// may retry operations that fail with this error.
	ErrUnreachable = errors.New("target unreachable")

	// ErrPermission indicates the agent refused the operation.
	ErrPermission = errors.New("permission denied")

	// ErrNotFound indicates a requested file does not exist on the target.
	ErrNotFound = errors.New("file not found")
)

// ExecResult holds the outcome of a command executed on the target.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// FileInfo describes file metadata on the target. Mode is an octal string
// (e.g. "0644"). Empty fields are left unchanged when pushing.
type FileInfo struct {
	Mode  string
	Owner string
	Group string
}

// Target is a transport handle to a managed host. It is owned by the
// reconciler for the duration of a run; adapters borrow it per call and must
// not cache connection state across calls.
//
// Execute runs a single command (no shell interpretation beyond word
// splitting) and returns its captured output and exit code. A non-zero exit
// code is not an error; errors indicate the command could not be run at all.
type Target interface {
	Execute(ctx context.Context, command string) (*ExecResult, error)
	FetchFile(ctx context.Context, path string) ([]byte, *FileInfo, error)
	PushFile(ctx context.Context, path string, content []byte, info *FileInfo) error
}
