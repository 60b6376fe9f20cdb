package session

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/superbox-dev/mcp-bridge/metadata"
	"go.uber.org/zap"
)

var log *zap.SugaredLogger

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	log = l.Sugar()
}

// echoScript answers every line carrying an "id" by echoing it back and
// stays silent on notifications.
const echoScript = `while IFS= read -r line; do
  case "$line" in
  *'"id"'*) printf '%s\n' "$line" ;;
  esac
done
`

// silentScript records its pid and never answers anything.
const silentScript = `echo $$ > "$PID_FILE"
while IFS= read -r line; do :; done
`

type stubResolver struct {
	mu    sync.Mutex
	desc  metadata.Descriptor
	err   error
	names []string
}

func (r *stubResolver) Resolve(ctx context.Context, name string) (metadata.Descriptor, error) {
	r.mu.Lock()
	r.names = append(r.names, name)
	r.mu.Unlock()
	if r.err != nil {
		return metadata.Descriptor{}, r.err
	}
	return r.desc, nil
}

func (r *stubResolver) resolvedNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.names...)
}

// stubProvisioner materializes workspaces from in-memory scripts instead of
// fetching archives.
type stubProvisioner struct {
	mu         sync.Mutex
	scripts    map[string]string // name -> entrypoint contents; missing name means no entrypoint
	created    []string
	installs   int
	materErr   error
}

func newStubProvisioner() *stubProvisioner {
	return &stubProvisioner{scripts: map[string]string{}}
}

func (p *stubProvisioner) Materialize(ctx context.Context, repoURL, name string) (string, error) {
	if p.materErr != nil {
		return "", p.materErr
	}
	tempDir, err := os.MkdirTemp("", "mcp_stub_")
	if err != nil {
		return "", err
	}
	ws := filepath.Join(tempDir, "repo")
	if err := os.MkdirAll(ws, 0755); err != nil {
		return "", err
	}
	p.mu.Lock()
	script, ok := p.scripts[name]
	p.created = append(p.created, ws)
	p.mu.Unlock()
	if ok && script != "" {
		if err := os.WriteFile(filepath.Join(ws, "main.py"), []byte(script), 0755); err != nil {
			return "", err
		}
	}
	return ws, nil
}

func (p *stubProvisioner) InstallDeps(ctx context.Context, ws string) {
	p.mu.Lock()
	p.installs++
	p.mu.Unlock()
}

func (p *stubProvisioner) Remove(ws string) error {
	if ws == "" {
		return nil
	}
	return os.RemoveAll(filepath.Dir(ws))
}

func (p *stubProvisioner) workspaces() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string{}, p.created...)
}

func (p *stubProvisioner) materializeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.created)
}

func githubDesc() metadata.Descriptor {
	return metadata.Descriptor{
		RepoURL:    "https://github.com/acme/echo",
		Entrypoint: "main.py",
		Lang:       "python",
	}
}
