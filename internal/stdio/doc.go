// Package stdio implements the piped transport: a single implicit MCP
// session over line-delimited JSON-RPC on standard input and output,
// for clients that spawn the gateway as a subprocess.
package stdio
