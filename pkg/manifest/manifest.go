package manifest

import (
	"context"

	"github.com/keel-cm/keel/pkg/resource"
)

// Loader defines the interface for loading and parsing manifest files.
// Implementations parse manifest files in their respective formats and return
// resource specs ready for planning.
//
// The loader is responsible for:
//   - Reading and parsing manifest files
//   - Processing any templating or variable substitution
//   - Resolving secret references and marking the affected attributes sensitive
//
// Specs are returned in declaration order, not dependency order (dependency
// ordering is handled by the planner).
type Loader interface {
	Load(ctx context.Context, path string) ([]resource.Spec, error)
}
