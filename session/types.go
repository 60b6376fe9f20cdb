package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/superbox-dev/mcp-bridge/metadata"
	"github.com/superbox-dev/mcp-bridge/supervisor"
	"github.com/superbox-dev/mcp-bridge/workspace"
)

// Provisioner materializes and removes per-session workspaces.
type Provisioner interface {
	Materialize(ctx context.Context, repoURL, name string) (string, error)
	InstallDeps(ctx context.Context, ws string)
	Remove(ws string) error
}

// Deps are the collaborators a session needs for a cold start.
type Deps struct {
	Resolver    metadata.Resolver
	Provisioner Provisioner
	Supervisor  supervisor.Config
}

// Params is the connection- or request-level configuration recognized by the
// bridge, regardless of transport.
type Params struct {
	Name       string
	TestMode   bool
	RepoURL    string
	Entrypoint string
	Lang       string
}

// ParseParams reads the recognized query-style parameters. The name argument
// (usually a path segment) is used unless a "name" parameter overrides it.
func ParseParams(name string, q url.Values) Params {
	p := Params{
		Name:       name,
		TestMode:   q.Get("test_mode") == "true",
		RepoURL:    q.Get("repo_url"),
		Entrypoint: q.Get("entrypoint"),
		Lang:       q.Get("lang"),
	}
	if n := q.Get("name"); n != "" {
		p.Name = n
	}
	if p.Entrypoint == "" {
		p.Entrypoint = metadata.DefaultEntrypoint
	}
	if p.Lang == "" {
		p.Lang = metadata.DefaultLang
	}
	return p
}

// descriptor produces the deployment descriptor for the session: a direct
// override in test mode, otherwise a resolver lookup.
func (p Params) descriptor(ctx context.Context, resolver metadata.Resolver) (metadata.Descriptor, error) {
	if p.TestMode && p.RepoURL != "" {
		repoURL, err := url.QueryUnescape(p.RepoURL)
		if err != nil {
			repoURL = p.RepoURL
		}
		d := metadata.Descriptor{
			RepoURL:    repoURL,
			Entrypoint: p.Entrypoint,
			Lang:       p.Lang,
		}
		if err := d.Validate(); err != nil {
			return metadata.Descriptor{}, err
		}
		return d, nil
	}
	if p.Name == "" {
		return metadata.Descriptor{}, fmt.Errorf("%w: no server name provided", metadata.ErrNotFound)
	}
	if resolver == nil {
		return metadata.Descriptor{}, fmt.Errorf("%w: no resolver configured", metadata.ErrStore)
	}
	return resolver.Resolve(ctx, p.Name)
}

// ErrorEnvelope is the structured error sent to the transport on failure.
type ErrorEnvelope struct {
	Error string `json:"error"`
	Type  string `json:"type"`
}

// Kind maps an error to its wire error-kind name.
func Kind(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "Timeout"
	case errors.Is(err, metadata.ErrNotFound):
		return "NotFound"
	case errors.Is(err, metadata.ErrStore):
		return "StoreError"
	case errors.Is(err, metadata.ErrUnsupportedLang):
		return "UnsupportedLanguage"
	case errors.Is(err, workspace.ErrUnsupportedSource):
		return "UnsupportedSource"
	case errors.Is(err, workspace.ErrProvision):
		return "ProvisionError"
	case errors.Is(err, supervisor.ErrEntrypointMissing):
		return "EntrypointMissing"
	case errors.Is(err, supervisor.ErrHandshake):
		return "HandshakeFailure"
	case errors.Is(err, supervisor.ErrBrokenPipe):
		return "BrokenPipe"
	case errors.Is(err, supervisor.ErrProcessExited):
		return "ProcessExited"
	default:
		return "InternalError"
	}
}

func envelopeFor(err error) ErrorEnvelope {
	return ErrorEnvelope{Error: err.Error(), Type: Kind(err)}
}

// State is the lifecycle state of a session.
type State int

const (
	Idle State = iota
	Provisioning
	Handshaking
	Ready
	Relaying
	Terminating
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Provisioning:
		return "provisioning"
	case Handshaking:
		return "handshaking"
	case Ready:
		return "ready"
	case Relaying:
		return "relaying"
	case Terminating:
		return "terminating"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}
