package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/curetrials/trialchat/internal/tasks"
)

const defaultIdleTimeout = 30 * time.Minute

// Registry keeps one Session per chat surface. Sessions left unused for longer than Config.IdleTimeout
// are closed and forgotten.
type Registry struct {
	ctx  context.Context
	deps Deps
	cfg  Config

	mu       sync.Mutex
	sessions map[string]*Session

	reaper *tasks.Group
	logger *slog.Logger
}

// NewRegistry creates a Registry whose sessions share deps and cfg. Every session's background work is
// cancelled when ctx is done.
func NewRegistry(ctx context.Context, deps Deps, cfg Config) *Registry {
	r := &Registry{
		ctx:      ctx,
		deps:     deps,
		cfg:      cfg,
		sessions: make(map[string]*Session),
		logger:   deps.Logger.With(slog.String("module", "registry")),
	}
	r.reaper = tasks.NewGroup(ctx, func(res tasks.Result) {
		r.logger.Debug("Reaper stopped", slog.Duration("duration", res.Duration))
	})

	idle := cfg.IdleTimeout
	if idle == 0 {
		idle = defaultIdleTimeout
	}
	if idle > 0 {
		r.reaper.Go("reap sessions", func(ctx context.Context) error {
			return r.reap(ctx, idle)
		})
	}
	return r
}

// Session returns the session of surface id, creating it on first use. A surface whose user changed
// (sign-in or sign-out) gets a fresh session so turns never cross accounts.
func (r *Registry) Session(id, userID string) *Session {
	now := time.Now()

	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok && s.userID == userID {
		s.touch(now)
		r.mu.Unlock()
		return s
	}
	ns := NewSession(r.ctx, id, userID, r.deps, r.cfg)
	ns.touch(now)
	r.sessions[id] = ns
	r.mu.Unlock()

	if ok {
		r.logger.Debug("Session user changed, starting over", slog.String("session", id))
		s.Close()
	}
	return ns
}

// Lookup returns the session of surface id if it exists. Unlike Session it neither creates the session
// nor counts as a use of it.
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// EvictIdle closes the sessions last used before cutoff and returns how many were removed. Sessions
// with a submission in flight are kept.
func (r *Registry) EvictIdle(cutoff time.Time) int {
	r.mu.Lock()
	var idle []*Session
	for id, s := range r.sessions {
		if s.InFlight() || s.lastUsed.Load() >= cutoff.UnixNano() {
			continue
		}
		delete(r.sessions, id)
		idle = append(idle, s)
	}
	r.mu.Unlock()

	for _, s := range idle {
		s.Close()
	}
	if len(idle) > 0 {
		r.logger.Debug("Evicted idle sessions", slog.Int("count", len(idle)))
	}
	return len(idle)
}

func (r *Registry) reap(ctx context.Context, idle time.Duration) error {
	ticker := time.NewTicker(max(idle/2, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			r.EvictIdle(now.Add(-idle))
		}
	}
}

// Close stops idle eviction, closes every session and waits for their background work.
func (r *Registry) Close() {
	r.reaper.Close()

	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
