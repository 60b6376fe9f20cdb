// Package workspace materializes a server's source tree into a private local
// directory and best-effort installs its declared dependencies. Each workspace
// is owned by exactly one session and is removed wholesale on teardown.
package workspace

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

var (
	// ErrUnsupportedSource means the repository location is not on a hosting
	// scheme the provisioner can fetch from.
	ErrUnsupportedSource = errors.New("unsupported repository source")
	// ErrProvision covers archive fetch, empty-archive, and extraction failures.
	ErrProvision = errors.New("provisioning failed")
)

// Provisioner downloads repository archives and prepares workspaces.
type Provisioner struct {
	Log        *zap.SugaredLogger
	HTTPClient *http.Client

	// BaseDir is where workspace temp dirs are created. Defaults to the
	// system temp dir.
	BaseDir string

	// SharedDepsDir is the shared pip install target, reused across sessions.
	SharedDepsDir string

	// Interpreter runs "-m pip" for dependency installs.
	Interpreter string
}

type Option func(p *Provisioner)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(p *Provisioner) {
		p.Log = l.Named("provisioner")
	}
}

func WithBaseDir(dir string) Option {
	return func(p *Provisioner) {
		p.BaseDir = dir
	}
}

func WithSharedDepsDir(dir string) Option {
	return func(p *Provisioner) {
		p.SharedDepsDir = dir
	}
}

func WithInterpreter(bin string) Option {
	return func(p *Provisioner) {
		p.Interpreter = bin
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(p *Provisioner) {
		p.HTTPClient = c
	}
}

// New builds a Provisioner with a retrying HTTP client.
func New(opts ...Option) *Provisioner {
	p := &Provisioner{
		Log:           zap.NewNop().Sugar(),
		BaseDir:       os.TempDir(),
		SharedDepsDir: "/tmp/pip_modules",
		Interpreter:   "python3",
	}
	for _, o := range opts {
		o(p)
	}
	if p.HTTPClient == nil {
		retryClient := retryablehttp.NewClient()
		retryClient.RetryMax = 3
		retryClient.Logger = nil
		p.HTTPClient = retryClient.StandardClient()
	}
	return p
}

// archiveURL maps a repository URL to its downloadable zip archive URL.
// Only GitHub-hosted repositories are recognized.
func archiveURL(repoURL string) (string, error) {
	if !strings.Contains(repoURL, "github.com") {
		return "", fmt.Errorf("%w: only GitHub repositories are supported, got %q", ErrUnsupportedSource, repoURL)
	}
	base := strings.TrimSuffix(strings.TrimRight(repoURL, "/"), ".git")
	return base + "/archive/refs/heads/main.zip", nil
}

// Materialize downloads the repository archive and extracts it so that the
// source tree is rooted directly at the returned path. On any failure the
// whole temp dir is removed; no partial workspace is left behind.
func (p *Provisioner) Materialize(ctx context.Context, repoURL, name string) (string, error) {
	zipURL, err := archiveURL(repoURL)
	if err != nil {
		return "", err
	}

	tempDir, err := os.MkdirTemp(p.BaseDir, fmt.Sprintf("mcp_%s_%s_", name, uuid.NewString()[:8]))
	if err != nil {
		return "", fmt.Errorf("%w: creating temp dir: %v", ErrProvision, err)
	}

	ws, err := p.materializeInto(ctx, tempDir, zipURL)
	if err != nil {
		os.RemoveAll(tempDir)
		return "", fmt.Errorf("%w: %v", ErrProvision, err)
	}

	p.Log.Debugw("workspace ready", "Name", name, "Workspace", ws)
	return ws, nil
}

func (p *Provisioner) materializeInto(ctx context.Context, tempDir, zipURL string) (string, error) {
	zipPath := filepath.Join(tempDir, "repo.zip")
	if err := p.download(ctx, zipURL, zipPath); err != nil {
		return "", fmt.Errorf("downloading archive: %w", err)
	}

	if err := extract(zipPath, tempDir); err != nil {
		return "", fmt.Errorf("extracting archive: %w", err)
	}

	// Archives wrap the tree in a "<repo>-<branch>" folder; flatten it.
	entries, err := os.ReadDir(tempDir)
	if err != nil {
		return "", fmt.Errorf("listing extracted files: %w", err)
	}
	var topDir string
	for _, e := range entries {
		if e.IsDir() {
			topDir = e.Name()
			break
		}
	}
	if topDir == "" {
		return "", errors.New("no folder found in extracted archive")
	}

	ws := filepath.Join(tempDir, "repo")
	if err := os.Rename(filepath.Join(tempDir, topDir), ws); err != nil {
		return "", fmt.Errorf("flattening archive folder: %w", err)
	}
	if err := os.Remove(zipPath); err != nil {
		return "", fmt.Errorf("removing archive: %w", err)
	}
	return ws, nil
}

func (p *Provisioner) download(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, url)
	}

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dest, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return fmt.Errorf("writing %s: %w", dest, err)
	}
	return nil
}

func extract(zipPath, dest string) error {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		target := filepath.Join(dest, f.Name)
		// Reject entries escaping the destination dir.
		if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry %q escapes destination", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		if err := extractFile(f, target); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("opening archive entry %q: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
	if err != nil {
		return fmt.Errorf("creating %q: %w", target, err)
	}
	defer out.Close()

	_, err = io.Copy(out, rc)
	return err
}

// Remove deletes the workspace and its containing temp dir. Safe to call on
// every teardown path.
func (p *Provisioner) Remove(ws string) error {
	if ws == "" {
		return nil
	}
	return os.RemoveAll(filepath.Dir(ws))
}
