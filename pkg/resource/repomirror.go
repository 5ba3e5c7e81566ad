package resource

import (
	"context"
	"fmt"
	"strings"

	"github.com/keel-cm/keel/pkg/target"
)

func NewRepoMirror() *RepoMirror {
	return &RepoMirror{}
}

// RepoMirror keeps a bare mirror clone of a hosted repository at a path on
// the target. An access token referenced through secret indirection is passed
// to git as a transient HTTP header, never written to the mirror's config.
// Keeping the mirror fresh over time is a cronjob resource's concern; this
// adapter converges existence and origin.
type RepoMirror struct{}

func (a *RepoMirror) Kind() string { return "repomirror" }

func (a *RepoMirror) Validate(spec Spec) error {
	if spec.Attr("path", "") == "" {
		return &ValidationError{ID: spec.ID(), Attribute: "path", Detail: "mirror path is required"}
	}
	origin := spec.Attr("origin", "")
	if origin == "" {
		return &ValidationError{ID: spec.ID(), Attribute: "origin", Detail: "origin URL is required"}
	}
	if !strings.HasPrefix(origin, "https://") && !strings.HasPrefix(origin, "ssh://") && !strings.HasPrefix(origin, "git@") {
		return &ValidationError{ID: spec.ID(), Attribute: "origin", Detail: "origin must be an https, ssh or git URL"}
	}
	return nil
}

func (a *RepoMirror) Read(ctx context.Context, t target.Target, spec Spec) (*State, error) {
	id := spec.ID()
	path := spec.Attributes["path"]

	res, err := t.Execute(ctx, fmt.Sprintf("git -C %s rev-parse --is-bare-repository", path))
	if err != nil {
		return nil, ClassifyTargetError(id, err)
	}
	if res.ExitCode != 0 || strings.TrimSpace(res.Stdout) != "true" {
		return &State{Kind: spec.Kind, Name: spec.Name, Present: false}, nil
	}

	originRes, err := t.Execute(ctx, fmt.Sprintf("git -C %s remote get-url origin", path))
	if err != nil {
		return nil, ClassifyTargetError(id, err)
	}

	observed := map[string]string{
		"origin": strings.TrimSpace(originRes.Stdout),
	}
	return &State{Kind: spec.Kind, Name: spec.Name, Present: true, Observed: observed}, nil
}

func (a *RepoMirror) Diff(spec Spec, state *State) (ChangeSet, error) {
	return DiffAttributes(spec, state), nil
}

func (a *RepoMirror) Apply(ctx context.Context, t target.Target, spec Spec, state *State, changes ChangeSet) error {
	id := spec.ID()
	path := spec.Attributes["path"]
	origin := spec.Attributes["origin"]
	token := spec.Attr("token", "")

	if state == nil || !state.Present {
		cmd := fmt.Sprintf("git %s clone --mirror %s %s", authFlag(token), origin, path)
		if token == "" {
			cmd = fmt.Sprintf("git clone --mirror %s %s", origin, path)
		}
		if _, err := run(ctx, t, id, cmd); err != nil {
			return err
		}
		return nil
	}

	for _, op := range changes {
		if op.Attribute != "origin" {
			continue
		}
		if _, err := run(ctx, t, id, fmt.Sprintf("git -C %s remote set-url origin %s", path, origin)); err != nil {
			return err
		}
		// Re-point refs at the new origin right away.
		fetch := fmt.Sprintf("git -C %s remote update --prune", path)
		if token != "" {
			fetch = fmt.Sprintf("git %s -C %s remote update --prune", authFlag(token), path)
		}
		if _, err := run(ctx, t, id, fetch); err != nil {
			return err
		}
	}

	return nil
}

// authFlag builds the transient header configuration carrying the token. The
// value lives only in the command line of a single git invocation.
func authFlag(token string) string {
	return fmt.Sprintf(`-c http.extraHeader="Authorization: Bearer %s"`, token)
}
