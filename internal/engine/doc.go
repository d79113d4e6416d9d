// Package engine implements the session-scoped MCP protocol state
// machine over JSON-RPC 2.0.
//
// One Session exists per protocol session. Transports (the HTTP
// multiplexer, the piped transport) feed decoded requests into Handle
// and deliver the returned responses; server-to-client notifications
// flow through the configured Notify sink. The Session signals its
// lifecycle through one-shot OnInitialized and OnClose callbacks so the
// owning transport can register and reclaim it.
package engine
