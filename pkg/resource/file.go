package resource

import (
	"context"
	"errors"
	"strconv"

	"github.com/keel-cm/keel/pkg/target"
)

func NewFile() *File {
	return &File{}
}

// File manages content, mode and ownership of a file on the target. Only the
// declared attributes are converged: a spec that declares just "mode" will
// never rewrite content. State "absent" removes the file.
type File struct{}

func (a *File) Kind() string { return "file" }

func (a *File) Validate(spec Spec) error {
	if spec.Attr("path", "") == "" {
		return &ValidationError{ID: spec.ID(), Attribute: "path", Detail: "file path is required"}
	}

	switch spec.Attr("state", "present") {
	case "present", "absent":
	default:
		return &ValidationError{ID: spec.ID(), Attribute: "state", Detail: `must be "present" or "absent"`}
	}

	if mode, ok := spec.Attributes["mode"]; ok {
		if _, err := strconv.ParseUint(mode, 8, 32); err != nil {
			return &ValidationError{ID: spec.ID(), Attribute: "mode", Detail: "must be an octal file mode"}
		}
	}

	return nil
}

func (a *File) Read(ctx context.Context, t target.Target, spec Spec) (*State, error) {
	path := spec.Attributes["path"]

	content, info, err := t.FetchFile(ctx, path)
	if err != nil {
		if errors.Is(err, target.ErrNotFound) {
			return &State{
				Kind:     spec.Kind,
				Name:     spec.Name,
				Present:  false,
				Observed: map[string]string{"state": "absent"},
			}, nil
		}
		return nil, err
	}

	observed := map[string]string{
		"state":   "present",
		"content": string(content),
		"mode":    normalizeMode(info.Mode),
		"owner":   info.Owner,
		"group":   info.Group,
	}

	return &State{Kind: spec.Kind, Name: spec.Name, Present: true, Observed: observed}, nil
}

func (a *File) Diff(spec Spec, state *State) (ChangeSet, error) {
	norm := spec
	norm.Attributes = cloneAttributes(spec.Attributes)
	if mode, ok := norm.Attributes["mode"]; ok {
		norm.Attributes["mode"] = normalizeMode(mode)
	}

	if norm.Attr("state", "present") == "absent" {
		if state != nil && state.Present {
			return ChangeSet{{Attribute: "state", From: "present", To: "absent"}}, nil
		}
		return nil, nil
	}

	// A spec for an absent file diffs against the absent state even when
	// "state" is not declared explicitly.
	if state == nil || !state.Present {
		if _, declared := norm.Attributes["state"]; !declared {
			norm.Attributes["state"] = "present"
		}
	}

	return DiffAttributesOrdered(norm, state, []string{"state", "content", "mode", "owner", "group"}), nil
}

func (a *File) Apply(ctx context.Context, t target.Target, spec Spec, state *State, changes ChangeSet) error {
	id := spec.ID()
	path := spec.Attributes["path"]

	if spec.Attr("state", "present") == "absent" {
		if state != nil && state.Present {
			if _, err := run(ctx, t, id, "rm -f "+path); err != nil {
				return err
			}
		}
		return nil
	}

	contentChanged := false
	metadataOnly := true
	for _, op := range changes {
		switch op.Attribute {
		case "content", "state":
			contentChanged = true
			metadataOnly = false
		}
	}

	info := &target.FileInfo{
		Mode:  spec.Attr("mode", ""),
		Owner: spec.Attr("owner", ""),
		Group: spec.Attr("group", ""),
	}

	if contentChanged || (state != nil && !state.Present) {
		content := spec.Attr("content", "")
		if state != nil && state.Present {
			if _, declared := spec.Attributes["content"]; !declared {
				// Metadata-only spec on an existing file: keep its content.
				content = state.Observed["content"]
			}
		}
		if err := t.PushFile(ctx, path, []byte(content), info); err != nil {
			return ClassifyTargetError(id, err)
		}
		return nil
	}

	if metadataOnly {
		for _, op := range changes {
			switch op.Attribute {
			case "mode":
				if _, err := run(ctx, t, id, "chmod "+op.To+" "+path); err != nil {
					return err
				}
			case "owner":
				if _, err := run(ctx, t, id, "chown "+op.To+" "+path); err != nil {
					return err
				}
			case "group":
				if _, err := run(ctx, t, id, "chgrp "+op.To+" "+path); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

// normalizeMode pads an octal mode to the 4-digit form FetchFile reports.
func normalizeMode(mode string) string {
	if mode == "" {
		return ""
	}
	for len(mode) < 4 {
		mode = "0" + mode
	}
	return mode
}
