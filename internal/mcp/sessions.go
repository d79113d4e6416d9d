// ABOUTME: Session registry: single point of truth for live protocol sessions.
// ABOUTME: Routes by session id, sweeps idle sessions, and enforces remove-before-close.

package mcp

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/helpdesk-gateway/internal/engine"
)

// sessionState tracks the per-identifier lifecycle.
type sessionState int

const (
	stateUninitialized sessionState = iota
	stateActive
	stateClosed
)

// session binds one protocol engine and its event stream to a session
// identifier. lastActivity drives idle reclamation.
type session struct {
	id     string
	engine protocolEngine
	stream *eventStream

	mu           sync.Mutex
	state        sessionState
	lastActivity time.Time
}

// protocolEngine is the slice of engine.Session the multiplexer needs.
type protocolEngine interface {
	Handle(ctx context.Context, req *engine.Request) *engine.Response
	Close()
}

func (s *session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *session) idleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity)
}

func (s *session) setState(state sessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *session) currentState() sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// sessionRegistry owns every live session. A session not present here
// does not exist as far as routing is concerned; reclamation removes a
// session from the map before its engine is closed so no request can
// observe a routable-but-closing window.
type sessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*session
	logger   *slog.Logger

	timeout time.Duration

	done      chan struct{}
	stopOnce  sync.Once
	closeWG   sync.WaitGroup
	startOnce sync.Once
}

func newSessionRegistry(logger *slog.Logger, timeout time.Duration) *sessionRegistry {
	return &sessionRegistry{
		sessions: make(map[string]*session),
		logger:   logger.With("component", "sessions"),
		timeout:  timeout,
		done:     make(chan struct{}),
	}
}

// add registers a session that has reached ACTIVE.
func (r *sessionRegistry) add(sess *session) {
	sess.setState(stateActive)
	sess.touch()
	r.mu.Lock()
	r.sessions[sess.id] = sess
	r.mu.Unlock()
}

// get returns the session for id if it is registered and ACTIVE.
func (r *sessionRegistry) get(id string) (*session, bool) {
	r.mu.RLock()
	sess, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok || sess.currentState() != stateActive {
		return nil, false
	}
	return sess, true
}

// remove deletes a session from the registry, reporting whether it was
// present. A session may be removed once by either the delete request,
// the engine's own closure, or the idle sweep; later attempts are no-ops.
func (r *sessionRegistry) remove(id string) (*session, bool) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	return sess, ok
}

func (r *sessionRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// startSweeper launches periodic idle reclamation. Idempotent.
func (r *sessionRegistry) startSweeper(interval time.Duration) {
	r.startOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					r.sweepIdle()
				case <-r.done:
					return
				}
			}
		}()
	})
}

// sweepIdle reclaims every session idle longer than the timeout. Stale
// sessions are removed from the registry first, then closed
// asynchronously: closing is not instantaneous and a closing session
// must not remain routable.
func (r *sessionRegistry) sweepIdle() {
	r.mu.Lock()
	var stale []*session
	for id, sess := range r.sessions {
		if sess.idleFor() > r.timeout {
			delete(r.sessions, id)
			stale = append(stale, sess)
		}
	}
	r.mu.Unlock()

	for _, sess := range stale {
		r.logger.Info("reclaiming idle session",
			"session_id", sess.id,
			"idle", sess.idleFor().Round(time.Second))
		r.closeAsync(sess)
	}
}

// closeAsync closes a session's engine and stream off the caller's
// goroutine. Shutdown waits for all pending closes.
func (r *sessionRegistry) closeAsync(sess *session) {
	sess.setState(stateClosed)
	r.closeWG.Add(1)
	go func() {
		defer r.closeWG.Done()
		sess.engine.Close()
		sess.stream.close()
	}()
}

// closeAll removes and closes every session, then waits for the closes
// to finish. Close failures are logged by the engines themselves and do
// not abort shutdown.
func (r *sessionRegistry) closeAll() {
	r.stopOnce.Do(func() { close(r.done) })

	r.mu.Lock()
	remaining := make([]*session, 0, len(r.sessions))
	for id, sess := range r.sessions {
		delete(r.sessions, id)
		remaining = append(remaining, sess)
	}
	r.mu.Unlock()

	for _, sess := range remaining {
		r.closeAsync(sess)
	}
	r.closeWG.Wait()

	if len(remaining) > 0 {
		r.logger.Info("closed all sessions", "count", len(remaining))
	}
}
