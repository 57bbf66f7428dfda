// Package session owns the mapping from session ID to live upstream
// connection, its configuration and its usage history.
//
// Lifecycle:
//   - Create replaces any existing session with the same ID.
//   - Clear recreates a session with its current config and an empty history.
//   - Reconfigure recreates a session with a new config and keeps its history.
//
// Every recreation opens a fresh upstream connection, so cleared or
// reconfigured sessions carry no upstream-side memory of earlier turns.
//
// The registry guards its maps with a mutex. It does not serialize turns: at
// most one in-flight turn per session is the caller's responsibility.
package session

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/assistant-relay/pkg/upstream"
)

var ErrSessionNotFound = errors.New("session not found")

type Options struct {
	// ConnectRetries is the number of extra Connect attempts before Create
	// gives up.
	ConnectRetries int
	// ConnectBackoff is the initial delay between Connect attempts.
	ConnectBackoff time.Duration
	// IdleTimeout enables eviction of sessions without activity. Zero disables it.
	IdleTimeout      time.Duration
	EvictionInterval time.Duration
}

type entry struct {
	conn         upstream.Connection
	cfg          Config
	history      History
	active       bool
	turns        int
	lastActivity time.Time
}

// Registry stores all live sessions.
type Registry struct {
	factory upstream.Factory

	connectRetries int
	connectBackoff time.Duration

	mu       sync.Mutex
	sessions map[string]*entry
	order    []string

	evictIdle     time.Duration
	evictInterval time.Duration
	evictRunning  bool
	evictGuard    func(id string) bool

	now func() time.Time
}

func NewRegistry(factory upstream.Factory, opts Options) *Registry {
	if opts.ConnectBackoff <= 0 {
		opts.ConnectBackoff = 250 * time.Millisecond
	}
	if opts.EvictionInterval <= 0 {
		opts.EvictionInterval = time.Minute
	}
	return &Registry{
		factory:        factory,
		connectRetries: opts.ConnectRetries,
		connectBackoff: opts.ConnectBackoff,
		sessions:       map[string]*entry{},
		evictIdle:      opts.IdleTimeout,
		evictInterval:  opts.EvictionInterval,
		now:            time.Now,
	}
}

// Create establishes a session, destroying any previous session with the
// same ID first. A nil cfg selects DefaultConfig. Connection errors are
// returned to the caller and leave no session behind.
func (r *Registry) Create(ctx context.Context, id string, cfg *Config) error {
	if err := r.check(id); err != nil {
		return err
	}
	r.Destroy(ctx, id)

	e, err := r.open(ctx, id, cfg)
	if err != nil {
		return err
	}

	r.mu.Lock()
	prev := r.insertLocked(id, e)
	r.mu.Unlock()
	// a concurrent Create for the same ID may have landed while connecting
	if prev != nil && prev.conn != e.conn {
		disconnectBestEffort(ctx, id, prev.conn)
	}

	log.Info().Str("component", "session").Str("session_id", id).Str("permission_mode", e.cfg.PermissionMode).Msg("session created")
	return nil
}

func (r *Registry) check(id string) error {
	if r == nil || r.factory == nil {
		return errors.New("session registry is not initialized")
	}
	if id == "" {
		return errors.New("session id is empty")
	}
	return nil
}

// open builds and connects an entry without registering it.
func (r *Registry) open(ctx context.Context, id string, cfg *Config) (*entry, error) {
	c := DefaultConfig()
	if cfg != nil {
		c = cfg.Clone()
	}
	if c.PermissionMode == "" {
		c.PermissionMode = DefaultPermissionMode
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = r.now()
	}

	conn, err := r.factory(c.UpstreamOptions())
	if err != nil {
		return nil, errors.Wrap(err, "build upstream connection")
	}
	if err := r.connect(ctx, id, conn); err != nil {
		return nil, errors.Wrap(err, "connect upstream")
	}
	return &entry{conn: conn, cfg: c, active: true, lastActivity: r.now()}, nil
}

// insertLocked stores e under id and returns the entry it replaced.
func (r *Registry) insertLocked(id string, e *entry) *entry {
	prev, ok := r.sessions[id]
	if !ok {
		r.order = append(r.order, id)
	}
	r.sessions[id] = e
	return prev
}

func (r *Registry) connect(ctx context.Context, id string, conn upstream.Connection) error {
	if r.connectRetries <= 0 {
		return conn.Connect(ctx)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.connectBackoff
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.connectRetries)), ctx)
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := conn.Connect(ctx)
		if err != nil {
			log.Warn().Err(err).Str("component", "session").Str("session_id", id).Int("attempt", attempt).Msg("upstream connect failed")
		}
		return err
	}, policy)
}

// Destroy disconnects and forgets a session. Unknown IDs are a no-op.
func (r *Registry) Destroy(ctx context.Context, id string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	e, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		r.order = removeID(r.order, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	disconnectBestEffort(ctx, id, e.conn)
	log.Info().Str("component", "session").Str("session_id", id).Msg("session destroyed")
}

// disconnectBestEffort attempts a disconnect and ignores its failure.
func disconnectBestEffort(ctx context.Context, id string, conn upstream.Connection) {
	if conn == nil {
		return
	}
	if err := conn.Disconnect(ctx); err != nil {
		log.Warn().Err(err).Str("component", "session").Str("session_id", id).Msg("upstream disconnect failed, ignoring")
	}
}

// Clear resets a session: same config, new connection, empty history. An
// unknown ID is created with the default config.
func (r *Registry) Clear(ctx context.Context, id string) error {
	cfg := DefaultConfig()
	r.mu.Lock()
	if e, ok := r.sessions[id]; ok {
		cfg = e.cfg.Clone()
	}
	r.mu.Unlock()

	r.Destroy(ctx, id)
	return r.Create(ctx, id, &cfg)
}

// Reconfigure replaces a known session's connection and config, keeping its
// history. It returns false for unknown IDs. The new connection is opened
// first and swapped in under one lock, so readers see either the old or the
// new session and usage recorded meanwhile is kept. On error the old session
// stays in place.
func (r *Registry) Reconfigure(ctx context.Context, id string, cfg Config) (bool, error) {
	if !r.Has(id) {
		return false, nil
	}
	e, err := r.open(ctx, id, &cfg)
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	prev, ok := r.sessions[id]
	if ok {
		e.history = prev.history
		e.turns = prev.turns
		r.sessions[id] = e
	}
	r.mu.Unlock()

	if !ok {
		// destroyed while connecting
		disconnectBestEffort(ctx, id, e.conn)
		return false, nil
	}
	if prev.conn != e.conn {
		disconnectBestEffort(ctx, id, prev.conn)
	}
	log.Info().Str("component", "session").Str("session_id", id).Msg("session reconfigured")
	return true, nil
}

func (r *Registry) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	return ok
}

func (r *Registry) Describe(id string) (Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return Info{}, ErrSessionNotFound
	}
	return newInfo(id, e.active, e.cfg, e.history), nil
}

// DescribeAll snapshots every session in insertion order.
func (r *Registry) DescribeAll() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, 0, len(r.order))
	for _, id := range r.order {
		e, ok := r.sessions[id]
		if !ok {
			continue
		}
		out = append(out, newInfo(id, e.active, e.cfg, e.history))
	}
	return out
}

// Interrupt forwards an interrupt to the upstream connection. Unknown IDs
// and upstream failures both yield false; the failure itself is only logged.
func (r *Registry) Interrupt(ctx context.Context, id string) bool {
	conn, ok := r.Connection(id)
	if !ok {
		return false
	}
	if err := conn.Interrupt(ctx); err != nil {
		log.Warn().Err(err).Str("component", "session").Str("session_id", id).Msg("upstream interrupt failed")
		return false
	}
	log.Info().Str("component", "session").Str("session_id", id).Msg("session interrupted")
	return true
}

// Connection returns the live upstream connection of a session.
func (r *Registry) Connection(id string) (upstream.Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// Ensure returns the session's connection, creating a default session first
// when the ID is unknown.
// Concurrent callers for the same unknown ID end up sharing one connection;
// the losers' connections are disconnected.
func (r *Registry) Ensure(ctx context.Context, id string) (upstream.Connection, error) {
	if conn, ok := r.Connection(id); ok {
		return conn, nil
	}
	if err := r.check(id); err != nil {
		return nil, err
	}
	e, err := r.open(ctx, id, nil)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if existing, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		if existing.conn != e.conn {
			disconnectBestEffort(ctx, id, e.conn)
		}
		return existing.conn, nil
	}
	r.insertLocked(id, e)
	r.mu.Unlock()

	log.Info().Str("component", "session").Str("session_id", id).Msg("session created on first use")
	return e.conn, nil
}

// RecordUsage adds a completed turn's tokens and cost to the session totals.
// Negative amounts are ignored so totals never decrease.
func (r *Registry) RecordUsage(id string, tokens int64, cost float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return
	}
	if tokens > 0 {
		e.history.TotalTokens += tokens
	}
	if cost > 0 {
		e.history.TotalCost += cost
	}
}

func (r *Registry) RecordMessages(id string, msgs ...HistoryMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return
	}
	e.history.Messages = append(e.history.Messages, msgs...)
}

// BeginTurn marks a turn in flight; sessions with turns in flight are never
// evicted.
func (r *Registry) BeginTurn(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[id]; ok {
		e.turns++
		e.lastActivity = r.now()
	}
}

func (r *Registry) EndTurn(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[id]; ok {
		if e.turns > 0 {
			e.turns--
		}
		e.lastActivity = r.now()
	}
}

// Close destroys every session.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	ids := slices.Clone(r.order)
	r.mu.Unlock()
	for _, id := range ids {
		r.Destroy(ctx, id)
	}
}
