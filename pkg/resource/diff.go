package resource

import "sort"

// Attributes treated as addressing rather than state: they select what the
// adapter manages and never appear in a change set.
var metaAttributes = map[string]bool{
	"path":            true,
	"unit":            true,
	"user":            true,
	"reload_command":  true,
	"management_port": true,
	"creates":         true,
	"unless":          true,
	"token":           true,
}

// DiffAttributes compares the attributes declared in spec against the
// observed state and returns the operations needed to converge. Only declared
// attributes are considered: values present on the target but absent from the
// spec are unmanaged and left untouched. Operations are emitted in sorted
// attribute order.
func DiffAttributes(spec Spec, state *State) ChangeSet {
	return DiffAttributesOrdered(spec, state, nil)
}

// DiffAttributesOrdered is DiffAttributes with an explicit priority order:
// attributes listed in order come first (in that order), remaining managed
// attributes follow sorted. Adapters with ordering constraints between
// operations (commit-then-cutover) use this to fix the apply sequence.
func DiffAttributesOrdered(spec Spec, state *State, order []string) ChangeSet {
	names := make([]string, 0, len(spec.Attributes))
	seen := make(map[string]bool, len(spec.Attributes))

	for _, name := range order {
		if _, declared := spec.Attributes[name]; declared && !metaAttributes[name] {
			names = append(names, name)
			seen[name] = true
		}
	}

	rest := make([]string, 0, len(spec.Attributes))
	for name := range spec.Attributes {
		if !seen[name] && !metaAttributes[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	names = append(names, rest...)

	var cs ChangeSet
	for _, name := range names {
		desired := spec.Attributes[name]

		var observed string
		if state != nil && state.Present {
			observed = state.Observed[name]
		}

		if desired == observed {
			continue
		}

		cs = append(cs, Operation{
			Attribute: name,
			From:      observed,
			To:        desired,
			Sensitive: spec.IsSensitive(name),
		})
	}

	return cs
}
