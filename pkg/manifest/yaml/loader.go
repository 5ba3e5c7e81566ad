package yaml

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/keel-cm/keel/pkg/resource"
	"github.com/keel-cm/keel/pkg/secret"
)

// Manifest represents the complete YAML manifest structure containing
// variables for templating and a list of resources to be managed.
type Manifest struct {
	Variables map[string]any `yaml:"variables" json:"variables"`
	Resources []Resource     `yaml:"resources" json:"resources"`
}

// Resource represents a single resource definition in the manifest.
type Resource struct {
	Kind       string         `yaml:"kind" json:"kind"`
	Name       string         `yaml:"name" json:"name"`
	Attributes map[string]any `yaml:"attributes" json:"attributes"`
	DependsOn  []string       `yaml:"depends_on" json:"depends_on"`
}

// Loader implements the manifest.Loader interface for YAML-based manifests.
// Secrets resolves ${secret:name} references in attribute values; when nil,
// unresolved references are a load error only if the manifest uses any.
type Loader struct {
	Secrets  secret.Store
	Redactor *secret.Redactor
}

func (l *Loader) Load(ctx context.Context, path string) ([]resource.Spec, error) {
	m, err := load(path)
	if err != nil {
		return nil, fmt.Errorf("manifest load error [%s]: %w", path, err)
	}

	specs := make([]resource.Spec, 0, len(m.Resources))
	for _, res := range m.Resources {
		spec, err := buildSpec(res, l.Secrets, l.Redactor)
		if err != nil {
			return nil, fmt.Errorf("manifest error [%s]: %w", path, err)
		}
		specs = append(specs, spec)
	}

	return specs, nil
}

// load reads and processes a YAML manifest file with template variable
// substitution. Template syntax uses {{ }} delimiters.
func load(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest file error: %w", err)
	}

	// Initial parsing to extract variables
	var preliminary struct {
		Variables map[string]any `yaml:"variables"`
	}
	if err := yaml.Unmarshal(raw, &preliminary); err != nil {
		return nil, fmt.Errorf("parse variables error: %w", err)
	}

	// Substitute variables
	tmpl, err := template.New("manifest").Delims("{{", "}}").Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, preliminary.Variables); err != nil {
		return nil, fmt.Errorf("template execution error: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(buf.Bytes(), &m); err != nil {
		return nil, fmt.Errorf("final manifest parse error: %w", err)
	}

	return &m, nil
}

// buildSpec converts a manifest resource into a spec, resolving secret
// references along the way. Attributes that contained a reference are marked
// sensitive so diffs and reports mask their values.
func buildSpec(res Resource, store secret.Store, redactor *secret.Redactor) (resource.Spec, error) {
	attrs := make(map[string]string, len(res.Attributes))
	for k, v := range res.Attributes {
		attrs[k] = toString(v)
	}

	spec := resource.Spec{
		Kind:       res.Kind,
		Name:       res.Name,
		Attributes: attrs,
		DependsOn:  res.DependsOn,
	}

	if store == nil {
		store = noStore{}
	}
	resolved, sensitive, err := secret.Expand(attrs, store, redactor)
	if err != nil {
		return resource.Spec{}, fmt.Errorf("resource %s/%s: %w", res.Kind, res.Name, err)
	}
	spec.Attributes = resolved
	spec.Sensitive = sensitive

	return spec, nil
}

// noStore fails any lookup. It backs loaders constructed without a secret
// store so manifests that reference secrets fail loudly instead of applying
// the raw reference text.
type noStore struct{}

func (noStore) Resolve(name string) (string, error) {
	return "", fmt.Errorf("secret %q referenced but no secret store is configured", name)
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}
