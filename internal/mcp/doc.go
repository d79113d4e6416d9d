// Package mcp implements the streamable HTTP transport for the MCP
// gateway.
//
// The transport multiplexes many concurrent protocol sessions over
// three methods on a single endpoint: POST carries client-to-server
// JSON-RPC messages, GET opens the server-to-client SSE stream, and
// DELETE terminates a session. Sessions are identified by the
// Mcp-Session-Id header, minted on a successful initialize handshake
// and required on every request after it. An idle sweeper reclaims
// abandoned sessions; reclamation removes a session from the routing
// table before closing it so a closing session is never routable.
package mcp
