package workspace

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArchiveURL(t *testing.T) {
	cases := []struct {
		name   string
		repo   string
		exp    string
		expErr error
	}{
		{
			name: "plain github URL",
			repo: "https://github.com/acme/echo",
			exp:  "https://github.com/acme/echo/archive/refs/heads/main.zip",
		},
		{
			name: "trailing slash and .git are trimmed",
			repo: "https://github.com/acme/echo.git/",
			exp:  "https://github.com/acme/echo/archive/refs/heads/main.zip",
		},
		{
			name:   "unrecognized host",
			repo:   "https://example.com/repo",
			expErr: ErrUnsupportedSource,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			u, err := archiveURL(c.repo)
			if c.expErr != nil {
				require.ErrorIs(t, err, c.expErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.exp, u)
		})
	}
}

// buildZip produces an archive the way GitHub does: everything wrapped in a
// single "<repo>-<branch>" folder.
func buildZip(t *testing.T, topDir string, files map[string]string) []byte {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, contents := range files {
		w, err := zw.Create(topDir + "/" + name)
		require.NoError(t, err)
		_, err = w.Write([]byte(contents))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// archiveServer serves zipBytes at the GitHub-style archive path for repoPath.
func archiveServer(t *testing.T, repoPath string, zipBytes []byte) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == repoPath+"/archive/refs/heads/main.zip" {
			w.Write(zipBytes)
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestMaterialize(t *testing.T) {
	zipBytes := buildZip(t, "echo-main", map[string]string{
		"main.py":   "print('hi')\n",
		"lib/util.py": "x = 1\n",
	})
	srv := archiveServer(t, "/github.com/acme/echo", zipBytes)

	baseDir := t.TempDir()
	p := New(WithBaseDir(baseDir))

	ws, err := p.Materialize(context.Background(), srv.URL+"/github.com/acme/echo", "echo")
	require.NoError(t, err)

	// The source tree is rooted directly at the workspace path.
	b, err := os.ReadFile(filepath.Join(ws, "main.py"))
	require.NoError(t, err)
	assert.Equal(t, "print('hi')\n", string(b))
	assert.FileExists(t, filepath.Join(ws, "lib", "util.py"))

	// The archive and the wrapping folder are gone.
	entries, err := os.ReadDir(filepath.Dir(ws))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "repo", entries[0].Name())

	// Remove deletes the workspace including its parent temp dir.
	require.NoError(t, p.Remove(ws))
	assert.NoDirExists(t, filepath.Dir(ws))
}

func TestMaterializeUnsupportedSource(t *testing.T) {
	baseDir := t.TempDir()
	p := New(WithBaseDir(baseDir))

	_, err := p.Materialize(context.Background(), "https://example.com/repo", "echo")
	require.ErrorIs(t, err, ErrUnsupportedSource)
	assertEmptyDir(t, baseDir)
}

func TestMaterializeFetchFailure(t *testing.T) {
	srv := archiveServer(t, "/github.com/acme/echo", nil)

	baseDir := t.TempDir()
	p := New(WithBaseDir(baseDir))

	// Wrong repo path means the archive fetch 404s.
	_, err := p.Materialize(context.Background(), srv.URL+"/github.com/acme/other", "other")
	require.ErrorIs(t, err, ErrProvision)
	assertEmptyDir(t, baseDir)
}

func TestMaterializeEmptyArchive(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, zip.NewWriter(&buf).Close())
	srv := archiveServer(t, "/github.com/acme/empty", buf.Bytes())

	baseDir := t.TempDir()
	p := New(WithBaseDir(baseDir))

	_, err := p.Materialize(context.Background(), srv.URL+"/github.com/acme/empty", "empty")
	require.ErrorIs(t, err, ErrProvision)
	assertEmptyDir(t, baseDir)
}

// assertEmptyDir checks no partial workspace was left behind.
func assertEmptyDir(t *testing.T, dir string) {
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestInstallDepsWithoutRequirements(t *testing.T) {
	ws := t.TempDir()
	depsDir := filepath.Join(t.TempDir(), "deps")
	p := New(WithSharedDepsDir(depsDir))

	p.InstallDeps(context.Background(), ws)
	assert.NoDirExists(t, depsDir)
}

func TestInstallDepsNeverFails(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ws, "requirements.txt"), []byte("nonexistent-package\n"), 0644))

	depsDir := filepath.Join(t.TempDir(), "deps")
	p := New(WithSharedDepsDir(depsDir), WithInterpreter("/bin/false"))

	// The install fails; the caller must not see it.
	p.InstallDeps(context.Background(), ws)
	assert.DirExists(t, depsDir)
}
