// ABOUTME: Process-wide registry of live caches and the periodic expiry sweeper.
// ABOUTME: The sweeper is started and stopped exactly once; double starts are a no-op warning.

package cache

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultSweepInterval is how often the sweeper cleans registered caches.
const DefaultSweepInterval = 5 * time.Minute

// sweepable lets the registry hold caches of different value types.
type sweepable interface {
	Name() string
	CleanExpired() int
}

// Registry tracks every live cache so a single background sweeper can
// clean all of them. Construct one per process and pass it to cache
// constructors; there is no implicit package-level registry.
type Registry struct {
	mu      sync.Mutex
	caches  []sweepable
	logger  *slog.Logger
	done    chan struct{}
	started bool
	stopped bool
}

// NewRegistry creates an empty registry. Pass nil logger for the default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger: logger.With("component", "cache"),
		done:   make(chan struct{}),
	}
}

func (r *Registry) add(c sweepable) {
	r.mu.Lock()
	r.caches = append(r.caches, c)
	r.mu.Unlock()
}

func (r *Registry) remove(c sweepable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.caches {
		if existing == c {
			r.caches = append(r.caches[:i], r.caches[i+1:]...)
			return
		}
	}
}

// StartSweeper launches the background goroutine that calls CleanExpired
// on every registered cache at the given interval. Starting twice is a
// no-op warning, not an error. Pass zero for the default interval.
func (r *Registry) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		r.logger.Warn("cache sweeper already started, ignoring")
		return
	}
	r.started = true
	r.mu.Unlock()

	go r.sweepLoop(interval)
}

// StopSweeper stops the background sweeper. Safe to call multiple times.
func (r *Registry) StopSweeper() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started && !r.stopped {
		r.stopped = true
		close(r.done)
	}
}

func (r *Registry) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.SweepNow()
		case <-r.done:
			return
		}
	}
}

// SweepNow cleans every registered cache once. Called by the sweeper
// loop; exported so shutdown paths and tests can force a pass.
func (r *Registry) SweepNow() {
	r.mu.Lock()
	caches := make([]sweepable, len(r.caches))
	copy(caches, r.caches)
	r.mu.Unlock()

	for _, c := range caches {
		if removed := c.CleanExpired(); removed > 0 {
			r.logger.Debug("swept expired cache entries",
				"cache", c.Name(),
				"removed", removed)
		}
	}
}
