// ABOUTME: Session-scoped MCP protocol engine: handshake, tool listing, tool dispatch.
// ABOUTME: Fires one-shot initialized/closed signals so transports can track session state.

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/2389/helpdesk-gateway/internal/tools"
)

// Supported MCP protocol versions
var supportedProtocolVersions = map[string]bool{
	"2025-03-26": true,
	"2025-11-25": true,
}

// latestProtocolVersion is advertised when the client requests an
// unsupported version.
const latestProtocolVersion = "2025-11-25"

// Config wraps Session constructor inputs.
type Config struct {
	Tools         *tools.Registry
	Logger        *slog.Logger
	ServerName    string
	ServerVersion string

	// OnInitialized fires exactly once, when the initialize handshake
	// succeeds. The transport may be driving the engine from a different
	// goroutine than the request handler, so the one-shot is CAS-guarded.
	OnInitialized func()

	// OnClose fires exactly once when the session closes.
	OnClose func()

	// Notify receives server-to-client push notifications. Optional.
	Notify func(n *Notification)
}

// Session is one protocol engine instance. A transport owns exactly one
// Session and routes all of its client's requests through it, giving the
// client a single logical stream of protocol state.
type Session struct {
	tools         *tools.Registry
	logger        *slog.Logger
	serverName    string
	serverVersion string

	onInitialized func()
	onClose       func()
	notifyFn      func(n *Notification)

	initialized   atomic.Bool
	initSignaled  atomic.Bool
	closeSignaled atomic.Bool
}

// New creates a protocol engine session.
func New(cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := cfg.ServerName
	if name == "" {
		name = "helpdesk-gateway"
	}
	version := cfg.ServerVersion
	if version == "" {
		version = "dev"
	}
	return &Session{
		tools:         cfg.Tools,
		logger:        logger.With("component", "engine"),
		serverName:    name,
		serverVersion: version,
		onInitialized: cfg.OnInitialized,
		onClose:       cfg.OnClose,
		notifyFn:      cfg.Notify,
	}
}

// Initialized reports whether the handshake has completed.
func (s *Session) Initialized() bool { return s.initialized.Load() }

// Handle processes one request and returns its response, or nil for
// notifications, which produce no response.
func (s *Session) Handle(ctx context.Context, req *Request) *Response {
	if s.closeSignaled.Load() {
		return NewError(req.ID, CodeInvalidRequest, "session closed")
	}
	if req.JSONRPC != "2.0" {
		return NewError(req.ID, CodeInvalidRequest, "invalid JSON-RPC version")
	}

	if req.IsNotification() {
		s.handleNotification(req)
		return nil
	}

	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "ping":
		return NewResponse(req.ID, struct{}{})
	case "tools/list":
		return s.handleToolsList(req)
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	default:
		return NewError(req.ID, CodeMethodNotFound, "method not found")
	}
}

func (s *Session) handleNotification(req *Request) {
	switch req.Method {
	case "notifications/initialized":
		s.logger.Debug("client confirmed initialization")
	default:
		s.logger.Debug("accepted notification", "method", req.Method)
	}
}

type initializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
	ClientInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"clientInfo"`
}

func (s *Session) handleInitialize(req *Request) *Response {
	var params initializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return NewError(req.ID, CodeInvalidParams, "invalid initialize params")
		}
	}

	// Echo the client's version when supported, otherwise offer ours.
	version := params.ProtocolVersion
	if !supportedProtocolVersions[version] {
		version = latestProtocolVersion
	}

	s.initialized.Store(true)
	s.signalInitialized()

	s.logger.Info("session initialized",
		"protocol_version", version,
		"client", params.ClientInfo.Name)

	return NewResponse(req.ID, map[string]any{
		"protocolVersion": version,
		"capabilities": map[string]any{
			"tools": map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    s.serverName,
			"version": s.serverVersion,
		},
	})
}

func (s *Session) handleToolsList(req *Request) *Response {
	if !s.initialized.Load() {
		return NewError(req.ID, CodeInvalidRequest, "session not initialized")
	}
	return NewResponse(req.ID, map[string]any{
		"tools": s.tools.List(),
	})
}

type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

func (s *Session) handleToolsCall(ctx context.Context, req *Request) *Response {
	if !s.initialized.Load() {
		return NewError(req.ID, CodeInvalidRequest, "session not initialized")
	}

	var params callToolParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return NewError(req.ID, CodeInvalidParams, "invalid params")
		}
	}
	if params.Name == "" {
		return NewError(req.ID, CodeInvalidParams, "tool name is required")
	}

	result, err := s.tools.Call(ctx, params.Name, params.Arguments)
	if err != nil {
		return s.toolCallError(req, params.Name, err)
	}

	text, err := json.Marshal(result)
	if err != nil {
		return NewError(req.ID, CodeInternalError, "encoding tool result failed")
	}
	return NewResponse(req.ID, CallToolResult{
		Content: []ToolContent{{Type: "text", Text: string(text)}},
	})
}

// toolCallError maps tool failures onto the protocol: unknown tools are
// protocol errors, everything else is reported in-band so the client can
// show the message.
func (s *Session) toolCallError(req *Request, name string, err error) *Response {
	switch {
	case errors.Is(err, tools.ErrToolNotFound):
		return NewError(req.ID, CodeInvalidParams, "tool not found")
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(req.ID, CodeInternalError, "tool execution timed out")
	case errors.Is(err, context.Canceled):
		return NewError(req.ID, CodeInternalError, "request cancelled")
	}

	s.Notify("notifications/message", map[string]any{
		"level": "warning",
		"data":  fmt.Sprintf("tool %s failed: %v", name, err),
	})

	return NewResponse(req.ID, CallToolResult{
		Content: []ToolContent{{Type: "text", Text: err.Error()}},
		IsError: true,
	})
}

// Notify pushes a server-to-client notification to the transport, if one
// is attached.
func (s *Session) Notify(method string, params any) {
	if s.notifyFn == nil {
		return
	}
	s.notifyFn(&Notification{JSONRPC: "2.0", Method: method, Params: params})
}

// Close shuts the session down and fires the close signal exactly once.
// Safe to call from either the transport or the registry.
func (s *Session) Close() {
	if s.closeSignaled.CompareAndSwap(false, true) {
		s.logger.Debug("session closed")
		if s.onClose != nil {
			s.onClose()
		}
	}
}

// signalInitialized fires the one-shot initialized callback. The CAS
// guard keeps a repeated initialize request from firing it twice.
func (s *Session) signalInitialized() {
	if s.initSignaled.CompareAndSwap(false, true) && s.onInitialized != nil {
		s.onInitialized()
	}
}
