package workspace

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

const pipTimeout = 3 * time.Minute

// InstallDeps installs the workspace's requirements.txt into the shared deps
// dir. It is best-effort: session readiness never blocks on its outcome, so
// failures are logged rather than returned.
func (p *Provisioner) InstallDeps(ctx context.Context, ws string) {
	reqFile := filepath.Join(ws, "requirements.txt")
	if _, err := os.Stat(reqFile); err != nil {
		// No dependencies to install.
		return
	}

	if err := os.MkdirAll(p.SharedDepsDir, 0755); err != nil {
		p.Log.Warnf("creating deps dir %s: %s", p.SharedDepsDir, err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, pipTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.Interpreter, "-m", "pip", "install",
		"-r", reqFile, "--target", p.SharedDepsDir, "--upgrade")
	out, err := cmd.CombinedOutput()
	if err != nil {
		p.Log.Warnw("dependency install failed", "Error", err, "Output", truncate(string(out), 500))
		return
	}
	p.Log.Debugw("dependencies installed", "Target", p.SharedDepsDir)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
