// Package gateway is the network-facing transport adapter of the bridge. It
// accepts persistent WebSocket sessions and single-shot HTTP calls and hands
// the message flow to the session package.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/superbox-dev/mcp-bridge/metadata"
	"github.com/superbox-dev/mcp-bridge/session"
	"github.com/superbox-dev/mcp-bridge/supervisor"
	"github.com/superbox-dev/mcp-bridge/workspace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"nhooyr.io/websocket"
)

// Gateway is the HTTP server fronting the bridge.
type Gateway struct {
	logger *zap.SugaredLogger

	listenAddr     string
	deps           session.Deps
	oneShotTimeout time.Duration

	httpServer *http.Server
	registry   *session.Registry
}

type Option func(g *Gateway)

func WithListenAddr(s string) Option {
	return func(g *Gateway) {
		g.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(g *Gateway) {
		g.logger = l.Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(g *Gateway) {
		g.logger = g.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

func WithResolver(r metadata.Resolver) Option {
	return func(g *Gateway) {
		g.deps.Resolver = r
	}
}

func WithProvisioner(p session.Provisioner) Option {
	return func(g *Gateway) {
		g.deps.Provisioner = p
	}
}

func WithSupervisorConfig(c supervisor.Config) Option {
	return func(g *Gateway) {
		g.deps.Supervisor = c
	}
}

func WithOneShotTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		g.oneShotTimeout = d
	}
}

// New constructs a gateway. A resolver is only required for sessions that
// are not in test mode.
func New(opts ...Option) (*Gateway, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	g := &Gateway{
		logger:         logger.Named("gateway").Sugar(),
		listenAddr:     "0.0.0.0:8080",
		oneShotTimeout: session.DefaultOneShotTimeout,
		registry:       session.NewRegistry(),
	}
	for _, o := range opts {
		o(g)
	}
	if g.deps.Provisioner == nil {
		g.deps.Provisioner = workspace.New(workspace.WithLogger(g.logger))
	}
	if g.deps.Supervisor.Log == nil {
		g.deps.Supervisor.Log = g.logger
	}
	return g, nil
}

// Registry exposes the active-session table.
func (g *Gateway) Registry() *session.Registry {
	return g.registry
}

// Run runs the gateway and returns once it has stopped.
func (g *Gateway) Run() error {
	listener, err := net.Listen("tcp", g.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}

	router := httprouter.New()
	router.GET("/healthz", g.health)
	router.GET("/v1/servers/:name/session", g.session)
	router.POST("/v1/servers/:name", g.call)

	server := http.Server{Handler: router}
	g.httpServer = &server

	err = server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop tears down all active sessions and closes the server.
func (g *Gateway) Stop() error {
	g.registry.Drain()
	if g.httpServer == nil {
		return nil
	}
	return g.httpServer.Close()
}

func (g *Gateway) health(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	response := struct {
		Status   string
		Sessions int
	}{
		Status:   "ok",
		Sessions: g.registry.Len(),
	}
	b, err := json.Marshal(response)
	if err != nil {
		g.logger.Debugf("error marshaling health response: %s", err)
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

// session upgrades to a WebSocket and runs a persistent session on it. The
// session is registered at connect time; process work is deferred to the
// first message.
func (g *Gateway) session(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	params := session.ParseParams(ps.ByName("name"), r.URL.Query())

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		g.logger.Debugf("error accepting WebSocket conn: %s", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	id := uuid.NewString()
	g.logger.Debugw("session connected", "SessionID", id, "Name", params.Name)

	runner, err := session.NewRunner(r.Context(), g.logger, wsConn, id, params, g.deps, g.registry)
	if err != nil {
		g.logger.Debugf("error registering session: %s", err)
		wsConn.Close(websocket.StatusInternalError, "session registration failed")
		return
	}
	runner.Run()
}

// call serves the single-shot variant: the body is one JSON-RPC message, the
// response is the relayed line or an error envelope.
func (g *Gateway) call(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	params := session.ParseParams(ps.ByName("name"), r.URL.Query())

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := session.RunOnce(r.Context(), g.logger, params, body, g.deps, g.oneShotTimeout)

	w.Header().Add("Content-Type", "application/json")
	w.Header().Add("Access-Control-Allow-Origin", "*")
	w.Header().Add("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Add("Access-Control-Allow-Headers", "Content-Type")

	if err != nil {
		g.logger.Debugf("single-shot call failed: %s", err)
		b, merr := json.Marshal(session.ErrorEnvelope{Error: err.Error(), Type: session.Kind(err)})
		if merr != nil {
			g.logger.Debugf("error marshaling error envelope: %s", merr)
		}
		w.WriteHeader(http.StatusInternalServerError)
		w.Write(b)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write(resp)
}
