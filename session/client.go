package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// CallError is an error envelope received from the bridge.
type CallError struct {
	Kind    string
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Client is a Go client for persistent sessions. One client owns one
// session; calls are strictly sequential.
type Client struct {
	Log        *zap.SugaredLogger
	HTTPClient *http.Client

	conn *websocket.Conn
}

type ClientOption func(c *Client)

func WithClientLogger(l *zap.SugaredLogger) ClientOption {
	return func(c *Client) {
		c.Log = l.Named("session_client")
	}
}

func WithClientHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) {
		c.HTTPClient = h
	}
}

// Dial opens a persistent session for the named server against a bridge at
// baseURL (e.g. "http://127.0.0.1:8080"). No process work happens until the
// first Call.
func Dial(ctx context.Context, baseURL, name string, params Params, opts ...ClientOption) (*Client, error) {
	c := &Client{
		Log: zap.NewNop().Sugar(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.HTTPClient == nil {
		retryClient := retryablehttp.NewClient()
		retryClient.RetryMax = 3
		retryClient.Logger = nil
		c.HTTPClient = retryClient.StandardClient()
	}

	u := fmt.Sprintf("%s/v1/servers/%s/session", baseURL, url.PathEscape(name))
	if q := params.query(); len(q) > 0 {
		u += "?" + q.Encode()
	}

	c.Log.Debugw("dialing session", "URL", u)
	wsConn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: c.HTTPClient})
	if err != nil {
		return nil, fmt.Errorf("dialing session WebSocket: %w", err)
	}
	c.conn = wsConn
	return c, nil
}

// query renders the params as connection-time query parameters.
func (p Params) query() url.Values {
	q := url.Values{}
	if p.TestMode {
		q.Set("test_mode", "true")
	}
	if p.RepoURL != "" {
		q.Set("repo_url", p.RepoURL)
	}
	if p.Entrypoint != "" {
		q.Set("entrypoint", p.Entrypoint)
	}
	if p.Lang != "" {
		q.Set("lang", p.Lang)
	}
	return q
}

// Call sends one JSON-RPC message and reads back one reply. An error
// envelope from the bridge is surfaced as a *CallError.
func (c *Client) Call(ctx context.Context, msg []byte) ([]byte, error) {
	if err := c.conn.Write(ctx, websocket.MessageText, msg); err != nil {
		return nil, fmt.Errorf("writing message: %w", err)
	}

	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading reply: %w", err)
	}

	var env ErrorEnvelope
	if err := json.Unmarshal(data, &env); err == nil && env.Type != "" && env.Error != "" {
		return nil, &CallError{Kind: env.Type, Message: env.Error}
	}
	return data, nil
}

// Close ends the session; the bridge kills the child process and removes the
// workspace.
func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
