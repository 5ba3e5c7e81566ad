package resource

import (
	"context"
	"strings"

	"github.com/keel-cm/keel/pkg/target"
)

type fakeFile struct {
	content string
	info    target.FileInfo
}

// fakeTarget is an in-memory target. Execute answers from scripted responses
// (exact command match first, then the fallback); every executed command and
// pushed file is recorded for assertions.
type fakeTarget struct {
	files     map[string]*fakeFile
	responses map[string]*target.ExecResult
	fallback  func(command string) (*target.ExecResult, error)

	commands []string
	pushes   []string
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{
		files:     map[string]*fakeFile{},
		responses: map[string]*target.ExecResult{},
	}
}

func (f *fakeTarget) respond(command, stdout string) {
	f.responses[command] = &target.ExecResult{Stdout: stdout}
}

func (f *fakeTarget) fail(command, stderr string, exitCode int) {
	f.responses[command] = &target.ExecResult{Stderr: stderr, ExitCode: exitCode}
}

func (f *fakeTarget) Execute(ctx context.Context, command string) (*target.ExecResult, error) {
	f.commands = append(f.commands, command)

	if res, ok := f.responses[command]; ok {
		return res, nil
	}
	if f.fallback != nil {
		return f.fallback(command)
	}

	// mv between staged and live paths is common enough to emulate.
	if fields := strings.Fields(command); len(fields) == 4 && fields[0] == "mv" && fields[1] == "-f" {
		if file, ok := f.files[fields[2]]; ok {
			f.files[fields[3]] = file
			delete(f.files, fields[2])
		}
	}

	return &target.ExecResult{}, nil
}

func (f *fakeTarget) FetchFile(ctx context.Context, path string) ([]byte, *target.FileInfo, error) {
	file, ok := f.files[path]
	if !ok {
		return nil, nil, target.ErrNotFound
	}
	info := file.info
	return []byte(file.content), &info, nil
}

func (f *fakeTarget) PushFile(ctx context.Context, path string, content []byte, info *target.FileInfo) error {
	f.pushes = append(f.pushes, path)
	file := &fakeFile{content: string(content)}
	if info != nil {
		file.info = *info
	}
	f.files[path] = file
	return nil
}

// executed reports whether any recorded command starts with the prefix.
func (f *fakeTarget) executed(prefix string) bool {
	for _, c := range f.commands {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}
