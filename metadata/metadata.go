// Package metadata resolves a logical server name to its deployment
// descriptor: where the code lives, which file to run, and which runtime runs
// it. Descriptors are validated once at resolution time so that malformed
// entries fail here rather than deep in the session flow.
package metadata

import (
	"context"
	"errors"
	"fmt"
)

// SupportedLang is the one runtime tag the bridge can execute.
const SupportedLang = "python"

// Defaults applied when a stored entry or a direct override omits them.
const (
	DefaultEntrypoint = "main.py"
	DefaultLang       = SupportedLang
)

var (
	// ErrNotFound means no entry exists for the requested name.
	ErrNotFound = errors.New("server metadata not found")
	// ErrStore means the underlying lookup failed or returned a malformed entry.
	ErrStore = errors.New("metadata store error")
	// ErrUnsupportedLang means the descriptor names a runtime the bridge cannot execute.
	ErrUnsupportedLang = errors.New("unsupported language")
)

// Descriptor is the resolved deployment metadata for a named server.
// It is immutable once resolved.
type Descriptor struct {
	RepoURL    string
	Entrypoint string
	Lang       string
}

// Validate applies defaults and checks the descriptor is runnable.
func (d *Descriptor) Validate() error {
	if d.RepoURL == "" {
		return errors.New("descriptor has no repository URL")
	}
	if d.Entrypoint == "" {
		d.Entrypoint = DefaultEntrypoint
	}
	if d.Lang == "" {
		d.Lang = DefaultLang
	}
	if d.Lang != SupportedLang {
		return fmt.Errorf("%w: %q, only %q is supported", ErrUnsupportedLang, d.Lang, SupportedLang)
	}
	return nil
}

// Resolver looks up a deployment descriptor by server name.
type Resolver interface {
	Resolve(ctx context.Context, name string) (Descriptor, error)
}
