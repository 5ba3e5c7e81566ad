// Package secret resolves ${secret:name} references in desired-state
// attributes. Resolved values exist only in memory for the duration of a run
// and are registered with a Redactor so they never surface in output.
package secret

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
)

// Store supplies secret values by name.
type Store interface {
	Resolve(name string) (string, error)
}

// Env resolves secrets from environment variables. A reference
// ${secret:github_token} with prefix "KEEL_SECRET_" reads
// $KEEL_SECRET_GITHUB_TOKEN.
type Env struct {
	Prefix string
}

func (e Env) Resolve(name string) (string, error) {
	key := e.Prefix + strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", fmt.Errorf("secret %q not found (env %s unset)", name, key)
	}
	return v, nil
}

// Static is a fixed in-memory store, mainly for tests.
type Static map[string]string

func (s Static) Resolve(name string) (string, error) {
	v, ok := s[name]
	if !ok {
		return "", fmt.Errorf("secret %q not found", name)
	}
	return v, nil
}

var refPattern = regexp.MustCompile(`\$\{secret:([A-Za-z0-9_.-]+)\}`)

// Expand resolves all secret references in the given attributes. It returns
// the resolved attribute map and the names of attributes that contained at
// least one reference; callers mark those attributes sensitive. The input map
// is not modified.
func Expand(attrs map[string]string, store Store, redactor *Redactor) (map[string]string, []string, error) {
	out := make(map[string]string, len(attrs))
	var sensitive []string

	for attr, value := range attrs {
		matches := refPattern.FindAllStringSubmatch(value, -1)
		if len(matches) == 0 {
			out[attr] = value
			continue
		}

		resolved := value
		for _, m := range matches {
			v, err := store.Resolve(m[1])
			if err != nil {
				return nil, nil, fmt.Errorf("attribute %q: %w", attr, err)
			}
			if redactor != nil {
				redactor.Register(v)
			}
			resolved = strings.ReplaceAll(resolved, m[0], v)
		}

		out[attr] = resolved
		sensitive = append(sensitive, attr)
	}

	return out, sensitive, nil
}

// Redactor masks registered secret values in arbitrary strings before they
// reach a log line or error message.
type Redactor struct {
	mu     sync.RWMutex
	values []string
}

func NewRedactor() *Redactor {
	return &Redactor{}
}

func (r *Redactor) Register(value string) {
	if value == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, value)
}

// Mask replaces every registered secret value in s with a placeholder.
func (r *Redactor) Mask(s string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, v := range r.values {
		s = strings.ReplaceAll(s, v, "[redacted]")
	}
	return s
}
