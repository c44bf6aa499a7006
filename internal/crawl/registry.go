package crawl

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/seoauditor/crawler/internal/storage"
)

const (
	idleSweepInterval = 5 * time.Minute
	idleEvictAfter    = time.Hour
)

// sessionEntry pairs one tenant's Engine with its last-touched time, so
// the registry's idle sweep can evict sessions nobody has polled in a
// while without needing per-session timers.
type sessionEntry struct {
	engine       *Engine
	userID       string
	tier         string
	lastAccessed time.Time
}

// Registry holds one Engine per active session, keyed by session ID, and
// evicts (stopping the crawl first) any session idle past idleEvictAfter.
// A single process hosts one Registry shared across every tenant.
type Registry struct {
	backend storage.Backend
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*sessionEntry

	stopSweep chan struct{}
	wg        sync.WaitGroup
}

// NewRegistry creates a Registry and starts its background idle sweep.
// backend is shared by every session's Engine for persistence; it may be
// nil to run every crawl in-memory only.
func NewRegistry(backend storage.Backend, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		backend:   backend,
		logger:    logger,
		sessions:  make(map[string]*sessionEntry),
		stopSweep: make(chan struct{}),
	}
	r.wg.Add(1)
	go r.sweepLoop()
	return r
}

// GetOrCreate returns the Engine for sessionID, creating one (with its
// own isolated Engine, so two tenants never share crawl state) if this is
// the session's first call. Both paths refresh the session's idle clock.
func (r *Registry) GetOrCreate(sessionID, userID, tier string) *Engine {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.sessions[sessionID]; ok {
		entry.lastAccessed = time.Now()
		return entry.engine
	}

	engine := NewEngine(r.backend, r.logger.With("session_id", sessionID))
	r.sessions[sessionID] = &sessionEntry{
		engine:       engine,
		userID:       userID,
		tier:         tier,
		lastAccessed: time.Now(),
	}
	return engine
}

// Touch refreshes a session's idle clock without creating one, used by
// read-only status calls so polling alone keeps a session alive.
func (r *Registry) Touch(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.sessions[sessionID]; ok {
		entry.lastAccessed = time.Now()
	}
}

// Remove stops sessionID's crawl (if running) and drops it from the
// registry immediately, bypassing the idle sweep.
func (r *Registry) Remove(ctx context.Context, sessionID string) {
	r.mu.Lock()
	entry, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()

	if ok {
		entry.engine.Stop(ctx)
	}
}

// Len reports the number of active sessions, for diagnostics/tests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) sweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(idleSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweepOnce()
		case <-r.stopSweep:
			return
		}
	}
}

func (r *Registry) sweepOnce() {
	cutoff := time.Now().Add(-idleEvictAfter)

	r.mu.Lock()
	var evict []*sessionEntry
	for id, entry := range r.sessions {
		if entry.lastAccessed.Before(cutoff) {
			evict = append(evict, entry)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, entry := range evict {
		r.logger.Info("evicting idle session", "user_id", entry.userID, "last_accessed", entry.lastAccessed)
		entry.engine.Stop(context.Background())
	}
}

// Close stops the background sweep. It does not stop any session's
// in-progress crawl; callers wanting a clean shutdown should Remove each
// session first.
func (r *Registry) Close() {
	close(r.stopSweep)
	r.wg.Wait()
}
