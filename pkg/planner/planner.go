// Package planner turns a set of resource specs into an ordered execution
// plan. Planning is purely local: it performs no I/O and fails before any
// side effect when the desired state is malformed or cyclic.
package planner

import (
	"fmt"
	"strings"

	"github.com/keel-cm/keel/pkg/graph"
	"github.com/keel-cm/keel/pkg/resource"
)

// Plan is an ordered sequence of resource specs respecting DependsOn.
// Resources with no dependency relation keep their declaration order, so
// repeated runs over the same input produce identical plans.
type Plan struct {
	Specs []resource.Spec
}

// IDs returns the resource identifiers in plan order.
func (p *Plan) IDs() []string {
	ids := make([]string, len(p.Specs))
	for i, s := range p.Specs {
		ids[i] = s.ID()
	}
	return ids
}

// BuildPlan validates the specs against the given adapter registry and
// topologically sorts them by their declared dependencies.
//
// Pre-flight failures (duplicate identity, unknown kind, unknown dependency,
// adapter validation, dependency cycle) fail the whole plan; nothing is
// partially planned.
func BuildPlan(specs []resource.Spec, reg *resource.Registry) (*Plan, error) {
	g := graph.New()
	byID := make(map[string]resource.Spec, len(specs))

	for _, spec := range specs {
		if spec.Kind == "" || spec.Name == "" {
			return nil, &resource.ValidationError{
				ID:     spec.ID(),
				Detail: "resource kind and name must be non-empty",
			}
		}

		id := spec.ID()
		if _, exists := byID[id]; exists {
			return nil, &resource.ValidationError{
				ID:     id,
				Detail: "duplicate resource identity",
			}
		}

		adapter, ok := reg.Get(spec.Kind)
		if !ok {
			return nil, &resource.ValidationError{
				ID:     id,
				Detail: fmt.Sprintf("unsupported resource kind %q", spec.Kind),
			}
		}

		if v, ok := adapter.(resource.Validator); ok {
			if err := v.Validate(spec); err != nil {
				return nil, err
			}
		}

		byID[id] = spec
		g.AddNode(id)
	}

	for _, spec := range specs {
		id := spec.ID()
		for _, dep := range spec.DependsOn {
			if _, exists := byID[dep]; !exists {
				return nil, &resource.ValidationError{
					ID:     id,
					Detail: fmt.Sprintf("depends on unknown resource %q", dep),
				}
			}
			if err := g.AddEdge(dep, id); err != nil {
				return nil, fmt.Errorf("wiring dependency from %q to %q: %w", dep, id, err)
			}
		}
	}

	order, err := g.Sort()
	if err != nil {
		if ce, ok := err.(*graph.CycleError); ok {
			return nil, &resource.CycleError{IDs: ce.Nodes}
		}
		return nil, err
	}

	plan := &Plan{Specs: make([]resource.Spec, len(order))}
	for i, id := range order {
		plan.Specs[i] = byID[id]
	}
	return plan, nil
}

// Dot renders the dependency graph of the specs in Graphviz DOT format.
// It shares BuildPlan's validation so a cyclic manifest still renders.
func Dot(specs []resource.Spec, name string) (string, error) {
	g := graph.New()
	for _, spec := range specs {
		g.AddNode(spec.ID())
	}
	for _, spec := range specs {
		for _, dep := range spec.DependsOn {
			if !g.Has(dep) {
				return "", &resource.ValidationError{
					ID:     spec.ID(),
					Detail: fmt.Sprintf("depends on unknown resource %q", dep),
				}
			}
			if err := g.AddEdge(dep, spec.ID()); err != nil {
				return "", err
			}
		}
	}

	var sb strings.Builder
	g.AsDot(&sb, name)
	return sb.String(), nil
}
