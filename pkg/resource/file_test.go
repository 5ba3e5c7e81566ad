package resource

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keel-cm/keel/pkg/target"
)

func fileSpec(attrs map[string]string) Spec {
	return Spec{Kind: "file", Name: "motd", Attributes: attrs}
}

func TestFileReadAbsent(t *testing.T) {
	ft := newFakeTarget()

	a := NewFile()
	state, err := a.Read(context.Background(), ft, fileSpec(map[string]string{"path": "/etc/motd"}))
	require.NoError(t, err)

	assert.False(t, state.Present)
	assert.Equal(t, "absent", state.Observed["state"])
}

func TestFileReadPresent(t *testing.T) {
	ft := newFakeTarget()
	ft.files["/etc/motd"] = &fakeFile{
		content: "welcome\n",
		info:    target.FileInfo{Mode: "0644", Owner: "root", Group: "root"},
	}

	a := NewFile()
	state, err := a.Read(context.Background(), ft, fileSpec(map[string]string{"path": "/etc/motd"}))
	require.NoError(t, err)

	assert.True(t, state.Present)
	assert.Equal(t, "welcome\n", state.Observed["content"])
	assert.Equal(t, "0644", state.Observed["mode"])
	assert.Equal(t, "root", state.Observed["owner"])
}

func TestFileDiffCreatesMissing(t *testing.T) {
	a := NewFile()
	spec := fileSpec(map[string]string{"path": "/etc/motd", "content": "hi\n"})

	cs, err := a.Diff(spec, &State{Present: false, Observed: map[string]string{"state": "absent"}})
	require.NoError(t, err)

	attrs := map[string]bool{}
	for _, op := range cs {
		attrs[op.Attribute] = true
	}
	assert.True(t, attrs["state"], "missing file must diff on state")
	assert.True(t, attrs["content"])
}

func TestFileDiffModeNormalized(t *testing.T) {
	a := NewFile()
	spec := fileSpec(map[string]string{"path": "/etc/motd", "mode": "644"})
	state := &State{Present: true, Observed: map[string]string{
		"state": "present",
		"mode":  "0644",
	}}

	cs, err := a.Diff(spec, state)
	require.NoError(t, err)
	assert.True(t, cs.Empty(), "3-digit and 4-digit modes are the same mode: %s", cs)
}

func TestFileDiffAbsentDesired(t *testing.T) {
	a := NewFile()
	spec := fileSpec(map[string]string{"path": "/etc/motd", "state": "absent"})

	cs, err := a.Diff(spec, &State{Present: true, Observed: map[string]string{"state": "present"}})
	require.NoError(t, err)
	require.Len(t, cs, 1)
	assert.Equal(t, "absent", cs[0].To)

	cs, err = a.Diff(spec, &State{Present: false})
	require.NoError(t, err)
	assert.True(t, cs.Empty())
}

func TestFileApplyWritesContent(t *testing.T) {
	ft := newFakeTarget()

	a := NewFile()
	spec := fileSpec(map[string]string{
		"path":    "/etc/motd",
		"content": "hi\n",
		"mode":    "0600",
		"owner":   "root",
	})
	state := &State{Present: false}

	cs, err := a.Diff(spec, state)
	require.NoError(t, err)

	require.NoError(t, a.Apply(context.Background(), ft, spec, state, cs))

	require.Contains(t, ft.files, "/etc/motd")
	assert.Equal(t, "hi\n", ft.files["/etc/motd"].content)
	assert.Equal(t, "0600", ft.files["/etc/motd"].info.Mode)
	assert.Equal(t, "root", ft.files["/etc/motd"].info.Owner)
}

func TestFileApplyMetadataOnly(t *testing.T) {
	ft := newFakeTarget()
	ft.files["/etc/motd"] = &fakeFile{
		content: "keep me\n",
		info:    target.FileInfo{Mode: "0644", Owner: "root", Group: "root"},
	}

	a := NewFile()
	spec := fileSpec(map[string]string{"path": "/etc/motd", "mode": "0600"})
	state := &State{Present: true, Observed: map[string]string{
		"state": "present", "content": "keep me\n", "mode": "0644",
	}}

	cs, err := a.Diff(spec, state)
	require.NoError(t, err)
	require.Len(t, cs, 1)

	require.NoError(t, a.Apply(context.Background(), ft, spec, state, cs))

	// Content untouched, mode fixed via chmod.
	assert.Equal(t, "keep me\n", ft.files["/etc/motd"].content)
	assert.Equal(t, []string{"chmod 0600 /etc/motd"}, ft.commands)
}

func TestFileApplyRemoves(t *testing.T) {
	ft := newFakeTarget()
	ft.files["/etc/motd"] = &fakeFile{content: "bye\n"}

	a := NewFile()
	spec := fileSpec(map[string]string{"path": "/etc/motd", "state": "absent"})
	state := &State{Present: true, Observed: map[string]string{"state": "present"}}

	cs, err := a.Diff(spec, state)
	require.NoError(t, err)

	require.NoError(t, a.Apply(context.Background(), ft, spec, state, cs))
	assert.Equal(t, []string{"rm -f /etc/motd"}, ft.commands)
}

func TestFileValidate(t *testing.T) {
	a := NewFile()

	var ve *ValidationError
	err := a.Validate(fileSpec(map[string]string{"content": "x"}))
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "path", ve.Attribute)

	err = a.Validate(fileSpec(map[string]string{"path": "/x", "mode": "rwxr"}))
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "mode", ve.Attribute)

	err = a.Validate(fileSpec(map[string]string{"path": "/x", "state": "gone"}))
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "state", ve.Attribute)
}
