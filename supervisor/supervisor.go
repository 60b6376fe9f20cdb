// Package supervisor owns the full lifecycle of one MCP server child process:
// spawn, initialize handshake, line-oriented stdio relay, health check, and
// termination. The stdio discipline is strictly half-duplex: one request line
// in, one response line out, never pipelined.
package supervisor

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	mcpbridge "github.com/superbox-dev/mcp-bridge"
	"github.com/superbox-dev/mcp-bridge/internal/jsonrpc"
	"github.com/superbox-dev/mcp-bridge/metadata"
	"go.uber.org/zap"
)

var (
	// ErrEntrypointMissing means the entrypoint file does not exist in the workspace.
	ErrEntrypointMissing = errors.New("entrypoint not found")
	// ErrHandshake means the child closed its output stream before answering initialize.
	ErrHandshake = errors.New("handshake failed")
	// ErrBrokenPipe means a write was attempted after the child exited.
	ErrBrokenPipe = errors.New("server process pipe is broken")
	// ErrProcessExited means the child's output stream closed with no data.
	ErrProcessExited = errors.New("server process exited")
)

const stderrCaptureLimit = 4096

// Config carries the environment a supervisor spawns processes with.
type Config struct {
	// Interpreter is the runtime binary. Defaults to python3.
	Interpreter string
	// SharedDepsDir is prepended to the module search path when it exists.
	SharedDepsDir string
	Log           *zap.SugaredLogger
}

func (c Config) withDefaults() Config {
	if c.Interpreter == "" {
		c.Interpreter = "python3"
	}
	if c.Log == nil {
		c.Log = zap.NewNop().Sugar()
	}
	return c
}

// ServerProcess is one live child process. Owned exclusively by one session.
type ServerProcess struct {
	log *zap.SugaredLogger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	stderr *boundedBuffer

	workspace string
	startedAt time.Time
	ready     bool

	killOnce sync.Once
	waitOnce sync.Once
	waitErr  error
}

// Spawn launches the workspace's entrypoint as a child process with its stdio
// captured as pipes. The returned process is not yet ready; Handshake must
// run before any user message is relayed.
func Spawn(workspace, entrypoint, lang string, cfg Config) (*ServerProcess, error) {
	cfg = cfg.withDefaults()

	if strings.ToLower(lang) != metadata.SupportedLang {
		return nil, fmt.Errorf("%w: %q, only %q is supported", metadata.ErrUnsupportedLang, lang, metadata.SupportedLang)
	}

	entrypointPath := filepath.Join(workspace, entrypoint)
	if _, err := os.Stat(entrypointPath); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrEntrypointMissing, entrypoint)
	}

	cmd := exec.Command(cfg.Interpreter, entrypointPath)
	cmd.Dir = workspace
	cmd.Env = append(os.Environ(), "PYTHONPATH="+searchPath(workspace, cfg.SharedDepsDir))

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdout pipe: %w", err)
	}
	stderr := &boundedBuffer{max: stderrCaptureLimit}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s %s: %w", cfg.Interpreter, entrypoint, err)
	}

	cfg.Log.Debugw("server process started", "Pid", cmd.Process.Pid, "Entrypoint", entrypoint, "Workspace", workspace)

	return &ServerProcess{
		log:       cfg.Log.Named("server_process"),
		cmd:       cmd,
		stdin:     stdin,
		stdout:    bufio.NewReader(stdout),
		stderr:    stderr,
		workspace: workspace,
		startedAt: time.Now(),
	}, nil
}

// searchPath builds the child's module search path: shared deps dir first
// (when present), then the workspace, then whatever the bridge inherited.
func searchPath(workspace, sharedDepsDir string) string {
	parts := []string{}
	if sharedDepsDir != "" {
		if _, err := os.Stat(sharedDepsDir); err == nil {
			parts = append(parts, sharedDepsDir)
		}
	}
	parts = append(parts, workspace)
	if existing := os.Getenv("PYTHONPATH"); existing != "" {
		parts = append(parts, existing)
	}
	return strings.Join(parts, string(os.PathListSeparator))
}

// Handshake performs the fixed initialize exchange: one initialize request,
// one response line read back, one initialized notification. It runs exactly
// once per process.
func (p *ServerProcess) Handshake() error {
	if p.ready {
		return nil
	}

	init := jsonrpc.Request{
		JSONRPC: jsonrpc.Version,
		ID:      0,
		Method:  "initialize",
		Params: jsonrpc.InitializeParams{
			ProtocolVersion: mcpbridge.ProtocolVersion,
			ClientInfo: jsonrpc.ClientInfo{
				Name:    mcpbridge.ClientName,
				Version: mcpbridge.ClientVersion,
			},
		},
	}
	b, err := json.Marshal(init)
	if err != nil {
		return fmt.Errorf("encoding initialize request: %w", err)
	}
	if err := p.Send(b); err != nil {
		return fmt.Errorf("%w: sending initialize: %v", ErrHandshake, err)
	}

	resp, err := p.ReceiveLine()
	if err != nil {
		return fmt.Errorf("%w: no initialize response: %v", ErrHandshake, err)
	}
	p.log.Debugw("initialize response", "Response", truncate(resp, 200))

	b, err = json.Marshal(jsonrpc.Notification{JSONRPC: jsonrpc.Version, Method: "notifications/initialized"})
	if err != nil {
		return fmt.Errorf("encoding initialized notification: %w", err)
	}
	if err := p.Send(b); err != nil {
		return fmt.Errorf("%w: sending initialized notification: %v", ErrHandshake, err)
	}

	p.ready = true
	return nil
}

// Ready reports whether the handshake has completed.
func (p *ServerProcess) Ready() bool {
	return p.ready
}

// Send writes one newline-terminated JSON line to the child's input stream.
func (p *ServerProcess) Send(line []byte) error {
	if !p.Alive() {
		return fmt.Errorf("%w: process has exited", ErrBrokenPipe)
	}
	if _, err := p.stdin.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("%w: %v", ErrBrokenPipe, err)
	}
	return nil
}

// ReceiveLine blocks until one newline-terminated line is available on the
// child's output stream. A closed stream with no data means the process is
// gone; the exit status and captured stderr are folded into the error.
func (p *ServerProcess) ReceiveLine() (string, error) {
	line, err := p.stdout.ReadString('\n')
	if err == nil || (errors.Is(err, io.EOF) && line != "") {
		return strings.TrimRight(line, "\r\n"), nil
	}

	waitErr := p.wait()
	exitCode := -1
	if p.cmd.ProcessState != nil {
		exitCode = p.cmd.ProcessState.ExitCode()
	}
	stderr := p.stderr.String()
	p.log.Debugw("server process output closed", "ExitCode", exitCode, "WaitErr", waitErr, "Stderr", truncate(stderr, 200))
	if stderr != "" {
		return "", fmt.Errorf("%w with code %d: %s", ErrProcessExited, exitCode, truncate(stderr, 500))
	}
	return "", fmt.Errorf("%w with code %d", ErrProcessExited, exitCode)
}

// Alive reports whether the child process is still running.
func (p *ServerProcess) Alive() bool {
	if p.cmd.ProcessState != nil {
		return false
	}
	return p.cmd.Process.Signal(syscall.Signal(0)) == nil
}

// Stderr returns the captured error-stream content so far.
func (p *ServerProcess) Stderr() string {
	return p.stderr.String()
}

// Pid returns the child's process id.
func (p *ServerProcess) Pid() int {
	return p.cmd.Process.Pid
}

// StartedAt returns when the child was spawned.
func (p *ServerProcess) StartedAt() time.Time {
	return p.startedAt
}

// Kill terminates the child and releases its handles. It is idempotent:
// killing an already-dead process is a no-op.
func (p *ServerProcess) Kill() {
	p.killOnce.Do(func() {
		p.stdin.Close()
		p.cmd.Process.Kill()
		p.wait()
		p.log.Debugw("server process killed", "Pid", p.cmd.Process.Pid)
	})
}

// wait reaps the child exactly once.
func (p *ServerProcess) wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
	})
	return p.waitErr
}

// boundedBuffer keeps the first max bytes written and drops the rest.
type boundedBuffer struct {
	mu  sync.Mutex
	max int
	b   bytes.Buffer
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if remaining := b.max - b.b.Len(); remaining > 0 {
		if len(p) > remaining {
			b.b.Write(p[:remaining])
		} else {
			b.b.Write(p)
		}
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
