package starlark

import (
	"context"
	"fmt"
	"os"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"github.com/keel-cm/keel/pkg/resource"
	"github.com/keel-cm/keel/pkg/secret"
)

const collectorKey = "keel.resources"

// Loader implements the manifest.Loader interface for Starlark-based
// manifests. A manifest declares resources with the resource() builtin:
//
//	fw = resource(kind = "firewall", name = "baseline", attrs = {...})
//	resource(kind = "sshconfig", name = "hardened", depends_on = [fw], attrs = {...})
type Loader struct {
	Secrets  secret.Store
	Redactor *secret.Redactor
}

// Load executes a Starlark script and extracts resource specs in declaration
// order.
func (l *Loader) Load(ctx context.Context, path string) ([]resource.Spec, error) {
	r := NewRuntime(nil)

	declared, err := r.LoadFile(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("starlark execution error: %w", err)
	}

	return l.buildSpecs(declared)
}

func (l *Loader) buildSpecs(declared []*Resource) ([]resource.Spec, error) {
	store := l.Secrets
	if store == nil {
		store = noStore{}
	}

	specs := make([]resource.Spec, 0, len(declared))
	for _, res := range declared {
		ids := make([]string, 0, len(res.Dependencies))
		for _, dep := range res.Dependencies {
			ids = append(ids, dep.Id())
		}

		resolved, sensitive, err := secret.Expand(res.Attrs, store, l.Redactor)
		if err != nil {
			return nil, fmt.Errorf("resource %s: %w", res.Id(), err)
		}

		specs = append(specs, resource.Spec{
			Kind:       res.Kind,
			Name:       res.Name,
			Attributes: resolved,
			DependsOn:  ids,
			Sensitive:  sensitive,
		})
	}

	return specs, nil
}

func NewRuntime(extra starlark.StringDict) *Runtime {
	globals := starlark.StringDict{
		"struct":   starlark.NewBuiltin("struct", starlarkstruct.Make),
		"resource": NewResource(),
	}

	// Add extra predeclared values
	for k, v := range extra {
		globals[k] = v
	}

	return &Runtime{
		opts:    &syntax.FileOptions{},
		globals: globals,
	}
}

type Runtime struct {
	opts    *syntax.FileOptions
	globals starlark.StringDict
}

func (r *Runtime) LoadFile(ctx context.Context, path string) ([]*Resource, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load module: %w", err)
	}

	return r.Run(ctx, string(body))
}

// Run executes the script and returns the resources it declared, in
// declaration order.
func (r *Runtime) Run(ctx context.Context, src string) ([]*Resource, error) {
	thread := r.thread(ctx)

	var declared []*Resource
	thread.SetLocal(collectorKey, &declared)

	if _, err := starlark.ExecFileOptions(r.opts, thread, "main", src, r.globals); err != nil {
		return nil, err
	}

	return declared, nil
}

func (r *Runtime) thread(ctx context.Context) *starlark.Thread {
	thread := &starlark.Thread{
		Print: func(thread *starlark.Thread, msg string) {
			pos := thread.CallFrame(1).Pos
			fmt.Fprintf(os.Stderr, "[%s:%d] %s\n", pos.Filename(), pos.Line, msg)
		},
	}

	return thread
}

// collect records a resource on the executing thread so Run can return
// declarations in order.
func collect(thread *starlark.Thread, res *Resource) {
	if declared, ok := thread.Local(collectorKey).(*[]*Resource); ok {
		*declared = append(*declared, res)
	}
}

// noStore fails any lookup, mirroring the YAML loader's behaviour when no
// secret store is configured.
type noStore struct{}

func (noStore) Resolve(name string) (string, error) {
	return "", fmt.Errorf("secret %q referenced but no secret store is configured", name)
}
