package target

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/shlex"
)

// NewLocal returns a Target that operates on the local host. It backs the
// keeld agent handlers and is handy for applying a manifest to the machine
// keelctl runs on.
func NewLocal() *Local {
	return &Local{}
}

type Local struct{}

func (l *Local) Execute(ctx context.Context, command string) (*ExecResult, error) {
	parts, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("invalid command syntax: %w", err)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()

	// A cancelled or timed-out context kills the process, which then looks
	// like an ordinary nonzero exit. Check the context first.
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, ctx.Err())
	}

	exitCode := 0
	if err != nil {
		if exitError, ok := err.(*exec.ExitError); ok {
			if status, ok := exitError.Sys().(syscall.WaitStatus); ok {
				exitCode = status.ExitStatus()
			}
		} else {
			// Command not found, permission problems and the like.
			return nil, fmt.Errorf("command execution failed: %w", err)
		}
	}

	return &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
	}, nil
}

func (l *Local) FetchFile(ctx context.Context, path string) ([]byte, *FileInfo, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		if os.IsPermission(err) {
			return nil, nil, fmt.Errorf("%w: %s", ErrPermission, path)
		}
		return nil, nil, fmt.Errorf("stat %s: %w", path, err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsPermission(err) {
			return nil, nil, fmt.Errorf("%w: %s", ErrPermission, path)
		}
		return nil, nil, fmt.Errorf("read %s: %w", path, err)
	}

	info := &FileInfo{Mode: fmt.Sprintf("%04o", fi.Mode().Perm())}
	if stat, ok := fi.Sys().(*syscall.Stat_t); ok {
		if u, err := user.LookupId(fmt.Sprint(stat.Uid)); err == nil {
			info.Owner = u.Username
		}
		if g, err := user.LookupGroupId(fmt.Sprint(stat.Gid)); err == nil {
			info.Group = g.Name
		}
	}

	return content, info, nil
}

func (l *Local) PushFile(ctx context.Context, path string, content []byte, info *FileInfo) error {
	mode := os.FileMode(0644)
	if info != nil && info.Mode != "" {
		parsed, err := strconv.ParseUint(info.Mode, 8, 32)
		if err != nil {
			return fmt.Errorf("invalid mode %q: %w", info.Mode, err)
		}
		mode = os.FileMode(parsed)
	}

	if err := os.WriteFile(path, content, mode); err != nil {
		if os.IsPermission(err) {
			return fmt.Errorf("%w: %s", ErrPermission, path)
		}
		return fmt.Errorf("write %s: %w", path, err)
	}
	// WriteFile only applies the mode on creation.
	if err := os.Chmod(path, mode); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}

	if info != nil && (info.Owner != "" || info.Group != "") {
		uid, gid := -1, -1
		if info.Owner != "" {
			u, err := user.Lookup(info.Owner)
			if err != nil {
				return fmt.Errorf("lookup owner %q: %w", info.Owner, err)
			}
			uid, _ = strconv.Atoi(u.Uid)
		}
		if info.Group != "" {
			g, err := user.LookupGroup(info.Group)
			if err != nil {
				return fmt.Errorf("lookup group %q: %w", info.Group, err)
			}
			gid, _ = strconv.Atoi(g.Gid)
		}
		if err := os.Chown(path, uid, gid); err != nil {
			if os.IsPermission(err) {
				return fmt.Errorf("%w: chown %s", ErrPermission, path)
			}
			return fmt.Errorf("chown %s: %w", path, err)
		}
	}

	return nil
}
