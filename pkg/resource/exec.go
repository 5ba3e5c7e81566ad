package resource

import (
	"context"
	"fmt"
	"strings"

	"github.com/keel-cm/keel/pkg/target"
)

// run executes a command on the target and fails unless it exits zero.
func run(ctx context.Context, t target.Target, id, command string) (*target.ExecResult, error) {
	res, err := t.Execute(ctx, command)
	if err != nil {
		return nil, ClassifyTargetError(id, err)
	}
	if res.ExitCode != 0 {
		return res, &ApplyError{
			ID:         id,
			Cause:      fmt.Errorf("command %q exited %d", firstWord(command), res.ExitCode),
			Diagnostic: strings.TrimSpace(res.Stderr),
		}
	}
	return res, nil
}

// firstWord returns the program name of a command line. Full command lines
// may embed secret material and are never placed in errors.
func firstWord(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// portListening checks whether a TCP port is bound on the target by scanning
// listener sockets. Used as the verification step of commit-then-cutover.
func portListening(ctx context.Context, t target.Target, id, port string) (bool, error) {
	res, err := run(ctx, t, id, "ss -tlnH")
	if err != nil {
		return false, err
	}

	for _, line := range strings.Split(res.Stdout, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		// Local address is the fourth column, e.g. "0.0.0.0:22" or "[::]:22".
		if strings.HasSuffix(fields[3], ":"+port) {
			return true, nil
		}
	}
	return false, nil
}

func isYes(v string) bool {
	return strings.EqualFold(v, "yes")
}
