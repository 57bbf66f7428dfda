package session

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

func (r *Registry) SetEvictionConfig(idle, interval time.Duration) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.evictIdle = idle
	r.evictInterval = interval
	r.mu.Unlock()
}

// SetEvictionGuard installs a predicate that keeps a session alive while it
// returns true, e.g. while websocket watchers are attached.
func (r *Registry) SetEvictionGuard(keep func(id string) bool) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.evictGuard = keep
	r.mu.Unlock()
}

// StartEvictionLoop runs idle eviction until ctx is done. It is a no-op when
// eviction is disabled or the loop already runs.
func (r *Registry) StartEvictionLoop(ctx context.Context) {
	if r == nil {
		return
	}
	if ctx == nil {
		panic("session: StartEvictionLoop requires non-nil ctx")
	}
	r.mu.Lock()
	if r.evictRunning {
		r.mu.Unlock()
		return
	}
	idle := r.evictIdle
	interval := r.evictInterval
	if idle <= 0 || interval <= 0 {
		r.mu.Unlock()
		return
	}
	r.evictRunning = true
	r.mu.Unlock()

	go r.runEvictionLoop(ctx, interval)
}

func (r *Registry) runEvictionLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			r.evictRunning = false
			r.mu.Unlock()
			return
		case now := <-ticker.C:
			r.evictIdleOnce(ctx, now)
		}
	}
}

func (r *Registry) evictIdleOnce(ctx context.Context, now time.Time) int {
	if r == nil {
		return 0
	}
	if now.IsZero() {
		now = r.now()
	}

	r.mu.Lock()
	idle := r.evictIdle
	guard := r.evictGuard
	if idle <= 0 {
		r.mu.Unlock()
		return 0
	}
	candidates := map[string]*entry{}
	for id, e := range r.sessions {
		if shouldEvict(now, idle, e) {
			candidates[id] = e
		}
	}
	r.mu.Unlock()

	evicted := 0
	for id, e := range candidates {
		if guard != nil && guard(id) {
			continue
		}
		r.mu.Lock()
		current, ok := r.sessions[id]
		if !ok || current != e || !shouldEvict(now, idle, current) {
			r.mu.Unlock()
			continue
		}
		delete(r.sessions, id)
		r.order = removeID(r.order, id)
		r.mu.Unlock()

		disconnectBestEffort(ctx, id, e.conn)
		log.Info().Str("component", "session").Str("session_id", id).Dur("idle", now.Sub(e.lastActivity)).Msg("evicted idle session")
		evicted++
	}
	return evicted
}

// shouldEvict must be called with r.mu held.
func shouldEvict(now time.Time, idle time.Duration, e *entry) bool {
	if e == nil || e.turns > 0 {
		return false
	}
	if e.lastActivity.IsZero() {
		return false
	}
	return now.Sub(e.lastActivity) >= idle
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, s := range ids {
		if s != id {
			out = append(out, s)
		}
	}
	return out
}
