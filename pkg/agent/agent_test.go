package agent_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keel-cm/keel/pkg/agent"
	"github.com/keel-cm/keel/pkg/target"
)

// newClient spins up an agent behind httptest and returns an HTTP target
// pointed at it, exercising the full wire protocol on both ends.
func newClient(t *testing.T, opts ...target.HTTPOption) *target.HTTP {
	t.Helper()

	a := agent.New(
		agent.WithListenAddr("127.0.0.1:0"),
		agent.WithExecTimeout(30*time.Second),
	)
	require.NoError(t, a.Initialize())

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	return target.NewHTTP(srv.URL, opts...)
}

func TestInitializeRequiresListenAddr(t *testing.T) {
	a := agent.New()
	require.Error(t, a.Initialize())
}

func TestExecute(t *testing.T) {
	tgt := newClient(t)

	result, err := tgt.Execute(context.Background(), "echo hello")
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "hello\n", result.Stdout)
}

func TestExecuteNonzeroExit(t *testing.T) {
	tgt := newClient(t)

	result, err := tgt.Execute(context.Background(), `sh -c "echo oops >&2; exit 3"`)
	require.NoError(t, err)
	assert.Equal(t, 3, result.ExitCode)
	assert.Equal(t, "oops\n", result.Stderr)
}

func TestExecuteEmptyCommand(t *testing.T) {
	tgt := newClient(t)

	_, err := tgt.Execute(context.Background(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
}

func TestExecuteTimeout(t *testing.T) {
	tgt := newClient(t, target.WithExecTimeout(1*time.Second))

	_, err := tgt.Execute(context.Background(), "sleep 5")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 408")
}

func TestFetchFile(t *testing.T) {
	tgt := newClient(t)

	path := filepath.Join(t.TempDir(), "motd")
	require.NoError(t, os.WriteFile(path, []byte("welcome\n"), 0o640))

	content, info, err := tgt.FetchFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "welcome\n", string(content))
	assert.Equal(t, "0640", info.Mode)
}

func TestFetchFileNotFound(t *testing.T) {
	tgt := newClient(t)

	_, _, err := tgt.FetchFile(context.Background(), filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, target.ErrNotFound))
}

func TestPushFile(t *testing.T) {
	tgt := newClient(t)
	path := filepath.Join(t.TempDir(), "sshd_config")

	err := tgt.PushFile(context.Background(), path, []byte("Port 2222\n"), &target.FileInfo{Mode: "0600"})
	require.NoError(t, err)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "Port 2222\n", string(content))

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())

	// Overwriting an existing file also round-trips.
	err = tgt.PushFile(context.Background(), path, []byte("Port 22\n"), &target.FileInfo{Mode: "0600"})
	require.NoError(t, err)
}

func TestPushFileStatusCodes(t *testing.T) {
	a := agent.New(agent.WithListenAddr("127.0.0.1:0"))
	require.NoError(t, a.Initialize())
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	path := filepath.Join(t.TempDir(), "f")

	put := func() *http.Response {
		req, err := http.NewRequest(http.MethodPut, srv.URL+target.FilesPath+"?path="+path, strings.NewReader("x"))
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	assert.Equal(t, http.StatusCreated, put().StatusCode)
	assert.Equal(t, http.StatusNoContent, put().StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	a := agent.New(agent.WithListenAddr("127.0.0.1:0"))
	require.NoError(t, a.Initialize())
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + target.HealthPath)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUnreachableAgent(t *testing.T) {
	// No listener on this port.
	tgt := target.NewHTTP("http://127.0.0.1:1")

	_, err := tgt.Execute(context.Background(), "true")
	require.Error(t, err)
	assert.True(t, errors.Is(err, target.ErrUnreachable))
}
