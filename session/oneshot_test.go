package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/superbox-dev/mcp-bridge/supervisor"
	"github.com/superbox-dev/mcp-bridge/workspace"
)

func testDeps(prov *stubProvisioner, res *stubResolver) Deps {
	return Deps{
		Resolver:    res,
		Provisioner: prov,
		Supervisor:  supervisor.Config{Interpreter: "sh", Log: log},
	}
}

func TestRunOnce(t *testing.T) {
	prov := newStubProvisioner()
	prov.scripts["echo"] = echoScript
	res := &stubResolver{desc: githubDesc()}

	body := []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	resp, err := RunOnce(context.Background(), log, Params{Name: "echo"}, body, testDeps(prov, res), 10*time.Second)
	require.NoError(t, err)

	// The echoed line shows the empty-params repair was applied before forwarding.
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"method":"tools/list","params":{}}`, string(resp))

	assert.Equal(t, 1, prov.materializeCount())
	for _, ws := range prov.workspaces() {
		assert.NoDirExists(t, filepath.Dir(ws))
	}
}

func TestRunOnceInlineNameOverride(t *testing.T) {
	prov := newStubProvisioner()
	prov.scripts["other"] = echoScript
	res := &stubResolver{desc: githubDesc()}

	body := []byte(`{"jsonrpc":"2.0","id":1,"method":"ping","_mcp_name":"other"}`)
	resp, err := RunOnce(context.Background(), log, Params{Name: "echo"}, body, testDeps(prov, res), 10*time.Second)
	require.NoError(t, err)

	assert.Equal(t, []string{"other"}, res.resolvedNames())
	assert.NotContains(t, string(resp), "_mcp_name")
}

func TestRunOnceEntrypointMissing(t *testing.T) {
	prov := newStubProvisioner() // no script registered, so no entrypoint on disk
	res := &stubResolver{desc: githubDesc()}

	_, err := RunOnce(context.Background(), log, Params{Name: "echo"}, []byte(`{"id":1,"method":"ping"}`), testDeps(prov, res), 10*time.Second)
	require.ErrorIs(t, err, supervisor.ErrEntrypointMissing)

	for _, ws := range prov.workspaces() {
		assert.NoDirExists(t, filepath.Dir(ws))
	}
}

func TestRunOnceMaterializeFailure(t *testing.T) {
	prov := newStubProvisioner()
	prov.materErr = fmt.Errorf("fetching archive: %w", workspace.ErrProvision)
	res := &stubResolver{desc: githubDesc()}

	_, err := RunOnce(context.Background(), log, Params{Name: "echo"}, []byte(`{"id":1,"method":"ping"}`), testDeps(prov, res), 10*time.Second)
	require.ErrorIs(t, err, workspace.ErrProvision)
	assert.Equal(t, "ProvisionError", Kind(err))
}

func TestRunOnceResolverFailure(t *testing.T) {
	prov := newStubProvisioner()
	res := &stubResolver{err: errors.New("bucket on fire")}

	_, err := RunOnce(context.Background(), log, Params{Name: "echo"}, []byte(`{"id":1,"method":"ping"}`), testDeps(prov, res), 10*time.Second)
	require.Error(t, err)
	assert.Zero(t, prov.materializeCount())
}

func TestRunOnceTimeoutKillsProcess(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "pid")
	t.Setenv("PID_FILE", pidFile)

	prov := newStubProvisioner()
	prov.scripts["sleepy"] = silentScript
	res := &stubResolver{desc: githubDesc()}

	start := time.Now()
	_, err := RunOnce(context.Background(), log, Params{Name: "sleepy"}, []byte(`{"id":1,"method":"ping"}`), testDeps(prov, res), 500*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, "Timeout", Kind(err))
	assert.Less(t, time.Since(start), 5*time.Second)

	// The child must not be left running after a timeout is reported.
	b, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	require.NoError(t, err)
	require.ErrorIs(t, syscall.Kill(pid, syscall.Signal(0)), syscall.ESRCH)

	for _, ws := range prov.workspaces() {
		assert.NoDirExists(t, filepath.Dir(ws))
	}
}
