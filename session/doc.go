/*
Package session drives the protocol bridge between a transport and an MCP
server child process. A persistent session is bound to one WebSocket
connection: the cold start (resolve, materialize, spawn, handshake) is
deferred to the first inbound message, after which messages are relayed in
strict half-duplex lock-step until disconnect. The single-shot variant
performs the whole provision+spawn+handshake+respond sequence for exactly one
message under a hard wall-clock timeout.

Sessions are scoped to their connection: if the connection dies for any
reason, the child process is killed and the workspace removed.
*/
package session
