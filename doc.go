/*
Package mcpbridge bridges network transports to MCP servers running as child
processes. A caller names a logical server; the bridge resolves its deployment
descriptor, materializes the server's source tree into a private workspace,
starts the entrypoint as a subprocess, performs the MCP initialize handshake
over the child's stdio, and relays newline-delimited JSON-RPC messages between
the transport and the process for the life of the session.

Two transports are supported: a persistent WebSocket session, where one
connection owns one child process until disconnect, and a single-shot HTTP
call, where a process is provisioned, asked exactly one question, and torn
down within a hard timeout.
*/
package mcpbridge

// Client identification sent in the initialize handshake.
const (
	ClientName    = "superbox"
	ClientVersion = "1.0.0"
)

// ProtocolVersion is the MCP protocol version the bridge advertises.
const ProtocolVersion = "2025-11-25"
