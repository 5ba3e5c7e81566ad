package resource

import (
	"context"
	"fmt"
	"strings"

	"github.com/keel-cm/keel/pkg/target"
)

func NewCronJob() *CronJob {
	return &CronJob{}
}

// CronJob manages a single marker-delimited entry in a user's crontab. The
// entry is identified by a "# keel:<name>" comment line; everything else in
// the crontab is preserved untouched.
type CronJob struct{}

func (a *CronJob) Kind() string { return "cronjob" }

func (a *CronJob) Validate(spec Spec) error {
	schedule := spec.Attr("schedule", "")
	if schedule == "" {
		return &ValidationError{ID: spec.ID(), Attribute: "schedule", Detail: "schedule is required"}
	}
	if fields := strings.Fields(schedule); len(fields) != 5 {
		return &ValidationError{ID: spec.ID(), Attribute: "schedule", Detail: "schedule must have five fields"}
	}
	if spec.Attr("command", "") == "" {
		return &ValidationError{ID: spec.ID(), Attribute: "command", Detail: "command is required"}
	}
	return nil
}

func (a *CronJob) marker(spec Spec) string {
	return "# keel:" + spec.Name
}

func (a *CronJob) Read(ctx context.Context, t target.Target, spec Spec) (*State, error) {
	id := spec.ID()

	res, err := t.Execute(ctx, crontabList(spec))
	if err != nil {
		return nil, ClassifyTargetError(id, err)
	}
	if res.ExitCode != 0 {
		if strings.Contains(res.Stderr, "no crontab") {
			return &State{Kind: spec.Kind, Name: spec.Name, Present: false}, nil
		}
		if strings.Contains(strings.ToLower(res.Stderr), "not allowed") || strings.Contains(strings.ToLower(res.Stderr), "permission") {
			return nil, &PermissionError{ID: id, Cause: fmt.Errorf("crontab: %s", strings.TrimSpace(res.Stderr))}
		}
		return nil, &ApplyError{ID: id, Cause: fmt.Errorf("crontab -l exited %d", res.ExitCode), Diagnostic: strings.TrimSpace(res.Stderr)}
	}

	schedule, command, found := findEntry(res.Stdout, a.marker(spec))
	if !found {
		return &State{Kind: spec.Kind, Name: spec.Name, Present: false}, nil
	}

	observed := map[string]string{
		"schedule": schedule,
		"command":  command,
	}
	return &State{Kind: spec.Kind, Name: spec.Name, Present: true, Observed: observed}, nil
}

func (a *CronJob) Diff(spec Spec, state *State) (ChangeSet, error) {
	return DiffAttributesOrdered(spec, state, []string{"schedule", "command"}), nil
}

func (a *CronJob) Apply(ctx context.Context, t target.Target, spec Spec, state *State, changes ChangeSet) error {
	id := spec.ID()

	var current string
	res, err := t.Execute(ctx, crontabList(spec))
	if err != nil {
		return ClassifyTargetError(id, err)
	}
	if res.ExitCode == 0 {
		current = res.Stdout
	} else if !strings.Contains(res.Stderr, "no crontab") {
		return &ApplyError{ID: id, Cause: fmt.Errorf("crontab -l exited %d", res.ExitCode), Diagnostic: strings.TrimSpace(res.Stderr)}
	}

	rendered := renderCrontab(current, a.marker(spec), spec.Attributes["schedule"], spec.Attributes["command"])

	tmp := "/tmp/keel-crontab-" + spec.Name
	if err := t.PushFile(ctx, tmp, []byte(rendered), &target.FileInfo{Mode: "0600"}); err != nil {
		return ClassifyTargetError(id, err)
	}
	defer func() {
		_, _ = t.Execute(ctx, "rm -f "+tmp)
	}()

	install := "crontab " + tmp
	if user := spec.Attr("user", ""); user != "" {
		install = fmt.Sprintf("crontab -u %s %s", user, tmp)
	}
	if _, err := run(ctx, t, id, install); err != nil {
		return err
	}

	return nil
}

func crontabList(spec Spec) string {
	if user := spec.Attr("user", ""); user != "" {
		return "crontab -l -u " + user
	}
	return "crontab -l"
}

// findEntry locates the marker line and parses the entry on the following
// line into its schedule (first five fields) and command.
func findEntry(crontab, marker string) (schedule, command string, found bool) {
	lines := strings.Split(crontab, "\n")
	for i, line := range lines {
		if strings.TrimSpace(line) != marker {
			continue
		}
		if i+1 >= len(lines) {
			return "", "", false
		}
		fields := strings.Fields(lines[i+1])
		if len(fields) < 6 {
			return "", "", false
		}
		return strings.Join(fields[:5], " "), strings.Join(fields[5:], " "), true
	}
	return "", "", false
}

// renderCrontab removes any existing marker block and appends the entry.
func renderCrontab(current, marker, schedule, command string) string {
	var out []string
	lines := strings.Split(strings.TrimRight(current, "\n"), "\n")
	skip := false
	for _, line := range lines {
		if strings.TrimSpace(line) == marker {
			skip = true
			continue
		}
		if skip {
			skip = false
			continue
		}
		if line != "" || len(out) > 0 {
			out = append(out, line)
		}
	}

	out = append(out, marker, schedule+" "+command)
	return strings.Join(out, "\n") + "\n"
}
