package starlark

import (
	"fmt"
	"sort"

	"go.starlark.net/starlark"
)

// NewResource returns a starlark.Builtin for declaring resources of any
// registered kind.
func NewResource() *starlark.Builtin {
	return starlark.NewBuiltin("resource", newResource)
}

func newResource(
	thread *starlark.Thread,
	b *starlark.Builtin,
	args starlark.Tuple,
	kwargs []starlark.Tuple,
) (starlark.Value, error) {
	var kind, name starlark.String
	var attrs *starlark.Dict
	var dependsOn *starlark.List

	err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"kind", &kind,
		"name", &name,
		"attrs?", &attrs,
		"depends_on?", &dependsOn,
	)
	if err != nil {
		return nil, err
	}

	// Validate required fields
	if string(kind) == "" {
		return nil, fmt.Errorf("kind cannot be empty")
	}
	if string(name) == "" {
		return nil, fmt.Errorf("name cannot be empty")
	}

	res := &Resource{
		Kind:  string(kind),
		Name:  string(name),
		Attrs: map[string]string{},
	}

	if attrs != nil {
		for _, item := range attrs.Items() {
			key, ok := starlark.AsString(item[0])
			if !ok {
				return nil, fmt.Errorf("attribute key %s is not a string", item[0].String())
			}
			res.Attrs[key] = valueString(item[1])
		}
	}

	if dependsOn != nil {
		deps, err := parseDependencies(dependsOn)
		if err != nil {
			return nil, fmt.Errorf("invalid depends_on: %w", err)
		}
		res.Dependencies = deps
	}

	collect(thread, res)
	return res, nil
}

// Resource is the Starlark-side representation of a resource declaration.
type Resource struct {
	Kind         string
	Name         string
	Attrs        map[string]string
	Dependencies []*Resource
}

func (r *Resource) Id() string {
	return r.Kind + "/" + r.Name
}

func (r *Resource) Attr(name string) (starlark.Value, error) {
	switch name {
	case "kind":
		return starlark.String(r.Kind), nil
	case "name":
		return starlark.String(r.Name), nil
	case "attrs":
		d := starlark.NewDict(len(r.Attrs))
		keys := make([]string, 0, len(r.Attrs))
		for k := range r.Attrs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			_ = d.SetKey(starlark.String(k), starlark.String(r.Attrs[k]))
		}
		return d, nil
	case "depends_on":
		deps := make([]starlark.Value, len(r.Dependencies))
		for i, dep := range r.Dependencies {
			deps[i] = dep
		}
		return starlark.NewList(deps), nil
	default:
		return nil, nil
	}
}

func (r *Resource) AttrNames() []string {
	return []string{"kind", "name", "attrs", "depends_on"}
}

func (r *Resource) Type() string {
	return "resource"
}

func (r *Resource) Freeze() {
	for _, dep := range r.Dependencies {
		dep.Freeze()
	}
}

func (r *Resource) Truth() starlark.Bool {
	return starlark.True
}

func (r *Resource) Hash() (uint32, error) {
	return 0, fmt.Errorf("resource is unhashable")
}

func (r *Resource) String() string {
	return r.Id()
}

// parseDependencies extracts resource values from a Starlark list
func parseDependencies(list *starlark.List) ([]*Resource, error) {
	deps := make([]*Resource, list.Len())
	for i := 0; i < list.Len(); i++ {
		item := list.Index(i)
		res, ok := item.(*Resource)
		if !ok {
			return nil, fmt.Errorf("dependency at index %d is not a resource, got %s", i, item.Type())
		}
		deps[i] = res
	}
	return deps, nil
}

func valueString(v starlark.Value) string {
	if s, ok := starlark.AsString(v); ok {
		return s
	}
	switch t := v.(type) {
	case starlark.Bool:
		if bool(t) {
			return "yes"
		}
		return "no"
	default:
		return v.String()
	}
}
