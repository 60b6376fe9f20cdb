package session

import (
	"context"
	"sync"

	"github.com/superbox-dev/mcp-bridge/internal/jsonrpc"
	"github.com/superbox-dev/mcp-bridge/supervisor"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Runner owns one persistent session: one WebSocket connection, at most one
// child process, and one workspace. All message handling runs on the
// connection's goroutine; teardown may additionally be triggered from the
// registry on shutdown.
type Runner struct {
	id     string
	log    *zap.SugaredLogger
	conn   *websocket.Conn
	ctx    context.Context
	cancel func()

	deps     Deps
	params   Params
	registry *Registry

	mu    sync.Mutex
	state State
	proc  *supervisor.ServerProcess
	ws    string

	teardownOnce  sync.Once
	closeConnOnce sync.Once
}

// NewRunner registers a new idle session in the registry. The cold start is
// deferred to the first inbound message.
func NewRunner(ctx context.Context, log *zap.SugaredLogger, conn *websocket.Conn, id string, params Params, deps Deps, registry *Registry) (*Runner, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Runner{
		id:       id,
		log:      log.Named("session_runner").With("SessionID", id),
		conn:     conn,
		ctx:      ctx,
		cancel:   cancel,
		deps:     deps,
		params:   params,
		registry: registry,
		state:    Idle,
	}
	if err := registry.register(id, r); err != nil {
		cancel()
		return nil, err
	}
	return r, nil
}

func (r *Runner) ID() string { return r.id }

func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runner) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Run relays messages until the connection closes or a transition fails.
// It always leaves the session fully torn down.
func (r *Runner) Run() {
	defer r.teardown(nil)

	for {
		_, data, err := r.conn.Read(r.ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				r.log.Debug("client closed session")
			} else {
				r.log.Debugf("session read error: %s", err)
			}
			return
		}

		if err := r.handle(data); err != nil {
			r.log.Debugf("session error: %s", err)
			r.writeError(err)
			r.teardown(err)
			return
		}
	}
}

// handle processes one inbound message: cold start on the first one, then a
// half-duplex relay of exactly one request and one response line.
func (r *Runner) handle(data []byte) error {
	body, inlineName := jsonrpc.Normalize(data)

	if r.State() == Idle {
		if err := r.coldStart(inlineName); err != nil {
			return err
		}
	}

	r.setState(Relaying)
	proc := r.process()
	if err := proc.Send(body); err != nil {
		return err
	}
	line, err := proc.ReceiveLine()
	if err != nil {
		return err
	}
	r.setState(Ready)

	return r.conn.Write(r.ctx, websocket.MessageText, []byte(line))
}

// coldStart resolves the descriptor, materializes the workspace, and brings
// the child process up to ready. The in-band name takes precedence over the
// connection-level one.
func (r *Runner) coldStart(inlineName string) error {
	params := r.params
	if inlineName != "" {
		params.Name = inlineName
	}

	r.setState(Provisioning)
	r.log.Debugw("cold start", "Name", params.Name, "TestMode", params.TestMode)

	desc, err := params.descriptor(r.ctx, r.deps.Resolver)
	if err != nil {
		return err
	}

	ws, err := r.deps.Provisioner.Materialize(r.ctx, desc.RepoURL, params.Name)
	if err != nil {
		return err
	}
	r.setWorkspace(ws)

	r.deps.Provisioner.InstallDeps(r.ctx, ws)

	r.setState(Handshaking)
	proc, err := supervisor.Spawn(ws, desc.Entrypoint, desc.Lang, r.deps.Supervisor)
	if err != nil {
		return err
	}
	r.setProcess(proc)

	if err := proc.Handshake(); err != nil {
		return err
	}

	r.setState(Ready)
	r.log.Debugw("session ready", "Pid", proc.Pid())
	return nil
}

func (r *Runner) process() *supervisor.ServerProcess {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.proc
}

func (r *Runner) setProcess(p *supervisor.ServerProcess) {
	r.mu.Lock()
	r.proc = p
	r.mu.Unlock()
}

func (r *Runner) setWorkspace(ws string) {
	r.mu.Lock()
	r.ws = ws
	r.mu.Unlock()
}

// writeError best-effort notifies the transport with a structured error
// envelope. A failure to deliver it is logged and otherwise ignored.
func (r *Runner) writeError(cause error) {
	if err := wsjson.Write(r.ctx, r.conn, envelopeFor(cause)); err != nil {
		r.log.Debugf("error sending error envelope: %s", err)
	}
}

// teardown kills the process, removes the workspace, and deregisters the
// session. It runs at most once and is safe to call from any goroutine.
func (r *Runner) teardown(reason error) {
	r.teardownOnce.Do(func() {
		r.setState(Terminating)

		if proc := r.process(); proc != nil {
			proc.Kill()
		}

		r.mu.Lock()
		ws := r.ws
		r.mu.Unlock()
		if ws != "" {
			if err := r.deps.Provisioner.Remove(ws); err != nil {
				r.log.Debugf("error removing workspace: %s", err)
			}
		}

		r.registry.deregister(r.id)
		r.cancel()
		r.closeConn(reason)
		r.setState(Closed)
		r.log.Debug("session closed")
	})
}

func (r *Runner) closeConn(reason error) {
	code := websocket.StatusNormalClosure
	msg := ""
	if reason != nil {
		code = websocket.StatusInternalError
		msg = reason.Error()
		// websocket close reasons can't exceed 123 chars
		if len(msg) > 100 {
			msg = msg[:100]
		}
	}
	r.closeConnOnce.Do(func() {
		if err := r.conn.Close(code, msg); err != nil {
			r.log.Debugf("error closing conn: %s", err)
		}
	})
}
