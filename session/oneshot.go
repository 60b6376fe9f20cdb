package session

import (
	"context"
	"fmt"
	"time"

	"github.com/superbox-dev/mcp-bridge/internal/jsonrpc"
	"github.com/superbox-dev/mcp-bridge/supervisor"
	"go.uber.org/zap"
)

// DefaultOneShotTimeout bounds the whole provision+spawn+handshake+respond
// sequence of a single-shot call.
const DefaultOneShotTimeout = 30 * time.Second

// RunOnce provisions a server, relays exactly one message, and tears
// everything down before returning. On timeout the child process is killed
// before the error is reported; it is never left running.
func RunOnce(ctx context.Context, log *zap.SugaredLogger, params Params, body []byte, deps Deps, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = DefaultOneShotTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log = log.Named("oneshot")

	msg, inlineName := jsonrpc.Normalize(body)
	if inlineName != "" {
		params.Name = inlineName
	}

	desc, err := params.descriptor(ctx, deps.Resolver)
	if err != nil {
		return nil, timeoutOr(ctx, err)
	}

	ws, err := deps.Provisioner.Materialize(ctx, desc.RepoURL, params.Name)
	if err != nil {
		return nil, timeoutOr(ctx, err)
	}
	defer func() {
		if err := deps.Provisioner.Remove(ws); err != nil {
			log.Debugf("error removing workspace: %s", err)
		}
	}()

	deps.Provisioner.InstallDeps(ctx, ws)

	proc, err := supervisor.Spawn(ws, desc.Entrypoint, desc.Lang, deps.Supervisor)
	if err != nil {
		return nil, timeoutOr(ctx, err)
	}
	defer proc.Kill()

	// The supervisor's reads block without a deadline; kill the process when
	// the clock runs out so they unblock.
	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go func() {
		select {
		case <-ctx.Done():
			proc.Kill()
		case <-watchdogDone:
		}
	}()

	if err := proc.Handshake(); err != nil {
		return nil, timeoutOr(ctx, err)
	}

	if err := proc.Send(msg); err != nil {
		return nil, timeoutOr(ctx, err)
	}
	line, err := proc.ReceiveLine()
	if err != nil {
		return nil, timeoutOr(ctx, err)
	}

	log.Debugw("single-shot call served", "Name", params.Name, "Pid", proc.Pid())
	return []byte(line), nil
}

// timeoutOr attributes a failure to the deadline when the clock ran out;
// the underlying error in that case is just fallout from the watchdog kill.
func timeoutOr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("call did not complete in time: %w", ctx.Err())
	}
	return err
}
