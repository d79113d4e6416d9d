// ABOUTME: Streamable HTTP transport for the MCP gateway.
// ABOUTME: Multiplexes protocol sessions over POST/GET/DELETE /mcp using Mcp-Session-Id.

package mcp

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/2389/helpdesk-gateway/internal/engine"
	"github.com/2389/helpdesk-gateway/internal/tools"
)

const (
	// sessionHeader carries the session identifier on every request
	// after initialization.
	sessionHeader = "Mcp-Session-Id"

	// maxRequestBodySize bounds POST bodies.
	maxRequestBodySize = 1 << 20

	// keepaliveInterval spaces SSE comment lines so idle streams
	// survive intermediaries that reap quiet connections.
	keepaliveInterval = 30 * time.Second
)

// Config wraps Server constructor inputs.
type Config struct {
	Tools         *tools.Registry
	Logger        *slog.Logger
	ServerName    string
	ServerVersion string

	SessionTimeout       time.Duration
	SessionSweepInterval time.Duration

	// AllowedOrigins restricts the Origin header on browser requests.
	// Empty means any origin is accepted.
	AllowedOrigins []string

	// RateLimitPerMinute caps protocol requests per minute. Zero
	// disables limiting. The health endpoint is never limited.
	RateLimitPerMinute int
}

// Server multiplexes MCP sessions over streamable HTTP. Each session is
// one protocol engine plus one event stream, keyed by Mcp-Session-Id.
type Server struct {
	tools         *tools.Registry
	logger        *slog.Logger
	serverName    string
	serverVersion string

	registry      *sessionRegistry
	sweepInterval time.Duration

	allowedOrigins []string
	limiter        requestLimiter
}

// NewServer creates the HTTP transport.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Tools == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.SessionTimeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	sweep := cfg.SessionSweepInterval
	if sweep <= 0 {
		sweep = 5 * time.Minute
	}

	return &Server{
		tools:          cfg.Tools,
		logger:         logger.With("component", "mcp"),
		serverName:     cfg.ServerName,
		serverVersion:  cfg.ServerVersion,
		registry:       newSessionRegistry(logger, timeout),
		sweepInterval:  sweep,
		allowedOrigins: cfg.AllowedOrigins,
		limiter:        newRequestLimiter(cfg.RateLimitPerMinute),
	}, nil
}

// RegisterRoutes attaches the transport's endpoints to mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/mcp", s.withOrigin(s.withRateLimit(http.HandlerFunc(s.handleMCP))))
	mux.HandleFunc("/health", s.handleHealth)
}

// Start launches background maintenance (the idle-session sweeper).
func (s *Server) Start() {
	s.registry.startSweeper(s.sweepInterval)
}

// Shutdown closes every live session and waits for their engines to
// finish closing.
func (s *Server) Shutdown() {
	s.registry.closeAll()
}

// SessionCount reports the number of live sessions.
func (s *Server) SessionCount() int {
	return s.registry.count()
}

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodGet:
		s.handleGet(w, r)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "POST, GET, DELETE")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

// handlePost routes one JSON-RPC message to its session. Requests with
// no usable session are rejected unless they are initialization
// attempts, which create a session.
func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize))
	if err != nil {
		s.sendError(w, nil, engine.CodeParseError, "failed to read request body")
		return
	}

	var req engine.Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.sendError(w, nil, engine.CodeParseError, "invalid JSON")
		return
	}

	sessionID := r.Header.Get(sessionHeader)
	if sessionID != "" {
		if sess, ok := s.registry.get(sessionID); ok {
			s.dispatch(w, r, sess, &req)
			return
		}
		// Stale or fabricated id. An initialize request starts over
		// with a fresh session; anything else has nowhere to go.
		if !req.IsInitialize() {
			s.sendError(w, req.ID, engine.CodeNoValidSession, "no valid session")
			return
		}
	} else if !req.IsInitialize() {
		s.sendError(w, req.ID, engine.CodeNoValidSession, "no valid session")
		return
	}

	s.initializeSession(w, r, &req)
}

// dispatch feeds a request into an existing session's engine.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, sess *session, req *engine.Request) {
	sess.touch()

	resp := sess.engine.Handle(r.Context(), req)
	if resp == nil {
		// Notifications produce no response body.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.Header().Set(sessionHeader, sess.id)
	s.sendResponse(w, resp)
}

// initializeSession builds a tentative session and runs the handshake
// through it. The session only becomes routable if the engine fires its
// initialized signal; otherwise it is discarded and the caller gets an
// explicit error instead of a half-created session id.
func (s *Server) initializeSession(w http.ResponseWriter, r *http.Request, req *engine.Request) {
	sess := &session{
		id:     uuid.New().String(),
		stream: newEventStream(),
	}

	sess.engine = engine.New(engine.Config{
		Tools:         s.tools,
		Logger:        s.logger,
		ServerName:    s.serverName,
		ServerVersion: s.serverVersion,
		OnInitialized: func() {
			s.registry.add(sess)
		},
		OnClose: func() {
			if _, ok := s.registry.remove(sess.id); ok {
				s.logger.Debug("session unregistered", "session_id", sess.id)
			}
			sess.stream.close()
		},
		Notify: func(n *engine.Notification) {
			data, err := json.Marshal(n)
			if err != nil {
				s.logger.Warn("dropping unencodable notification", "method", n.Method, "error", err)
				return
			}
			sess.stream.publish(data)
		},
	})

	resp := sess.engine.Handle(r.Context(), req)

	if _, ok := s.registry.get(sess.id); !ok {
		sess.engine.Close()
		if resp != nil && resp.Error != nil {
			// The engine rejected the handshake itself; its error says
			// why, so pass it through.
			s.logger.Warn("session initialization rejected",
				"session_id", sess.id,
				"code", resp.Error.Code)
			s.sendResponse(w, resp)
			return
		}
		s.logger.Warn("session initialization failed", "session_id", sess.id)
		s.sendError(w, req.ID, engine.CodeInternalError, "session initialization failed")
		return
	}

	s.logger.Info("session created", "session_id", sess.id)
	w.Header().Set(sessionHeader, sess.id)
	s.sendResponse(w, resp)
}

// handleGet opens the server-push side of a session as an SSE stream,
// resuming from Last-Event-Id when the client reconnects.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(sessionHeader)
	if sessionID == "" {
		http.Error(w, "Bad Request: missing Mcp-Session-Id header", http.StatusBadRequest)
		return
	}
	sess, ok := s.registry.get(sessionID)
	if !ok {
		http.Error(w, "Bad Request: unknown session", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	var lastEventID uint64
	if raw := r.Header.Get("Last-Event-Id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "Bad Request: invalid Last-Event-Id", http.StatusBadRequest)
			return
		}
		lastEventID = id
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set(sessionHeader, sess.id)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, detach := sess.stream.subscribe(lastEventID)
	defer detach()
	sess.touch()

	s.logger.Debug("event stream attached",
		"session_id", sess.id,
		"last_event_id", lastEventID)

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			fmt.Fprintf(w, "id: %d\nevent: message\ndata: %s\n\n", ev.id, ev.data)
			flusher.Flush()
			sess.touch()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// handleDelete terminates a session. The identifier is removed from the
// registry before the engine closes so no concurrent request can route
// to a closing session.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(sessionHeader)
	if sessionID == "" {
		http.Error(w, "Bad Request: missing Mcp-Session-Id header", http.StatusBadRequest)
		return
	}

	sess, ok := s.registry.remove(sessionID)
	if !ok {
		http.Error(w, "Not Found: unknown session", http.StatusNotFound)
		return
	}

	s.registry.closeAsync(sess)
	s.logger.Info("session terminated", "session_id", sessionID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"sessions": s.registry.count(),
	})
}

func (s *Server) sendResponse(w http.ResponseWriter, resp *engine.Response) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	s.sendResponse(w, engine.NewError(id, code, message))
}
