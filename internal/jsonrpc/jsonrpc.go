// Package jsonrpc holds the line-delimited JSON-RPC 2.0 message shapes the
// bridge exchanges with child processes, and the normalization applied to
// inbound messages before they are forwarded.
package jsonrpc

import (
	"bytes"
	"encoding/json"
)

const Version = "2.0"

// NameField is an out-of-band field clients may attach to their first message
// to identify the target server. It is stripped before forwarding.
const NameField = "_mcp_name"

// Request is a JSON-RPC request carrying an id and expecting a response.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

// Notification is a JSON-RPC notification; no id, no response expected.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
}

// ClientInfo identifies the bridge to the child server during the handshake.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams is the fixed parameter block of the initialize request.
type InitializeParams struct {
	ProtocolVersion string     `json:"protocolVersion"`
	Capabilities    struct{}   `json:"capabilities"`
	ClientInfo      ClientInfo `json:"clientInfo"`
}

// Normalize prepares an inbound message for forwarding to a child process.
// It strips the NameField, returning its value if present, and rewrites a
// request that has "method" and "id" but no "params" to carry an empty params
// object. Messages that are not JSON objects pass through unchanged.
func Normalize(raw []byte) (msg []byte, name string) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return raw, ""
	}

	changed := false
	if v, ok := fields[NameField]; ok {
		// Non-string values are stripped but not treated as a name.
		_ = json.Unmarshal(v, &name)
		delete(fields, NameField)
		changed = true
	}

	_, hasMethod := fields["method"]
	_, hasID := fields["id"]
	_, hasParams := fields["params"]
	if hasMethod && hasID && !hasParams {
		fields["params"] = json.RawMessage("{}")
		changed = true
	}

	if !changed {
		return raw, name
	}
	out, err := json.Marshal(fields)
	if err != nil {
		return raw, name
	}
	return out, name
}

// TrimLine removes the trailing newline framing from a relayed line.
func TrimLine(line []byte) []byte {
	return bytes.TrimRight(line, "\r\n")
}
