package webchat

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/assistant-relay/pkg/relay"
)

const defaultWatchIdleTimeout = time.Minute

type StreamHubConfig struct {
	BaseCtx context.Context
	Backend StreamBackend
	// IdleTimeout is how long a session's subscription outlives its last
	// watcher.
	IdleTimeout time.Duration
}

type WebSocketAttachOptions struct {
	SendHello      bool
	HandlePingPong bool
}

// wsControl is the shape of hello and pong frames.
type wsControl struct {
	Type       string `json:"type"`
	SessionID  string `json:"session_id"`
	ServerTime int64  `json:"server_time"`
}

type sessionWatch struct {
	pool    *ConnectionPool
	coord   *StreamCoordinator
	ownsSub bool
}

// StreamHub mirrors published session events to websocket watchers. It keeps
// one subscription per watched session.
type StreamHub struct {
	baseCtx     context.Context
	backend     StreamBackend
	idleTimeout time.Duration

	mu      sync.Mutex
	watches map[string]*sessionWatch
}

func NewStreamHub(cfg StreamHubConfig) (*StreamHub, error) {
	if cfg.BaseCtx == nil {
		return nil, errors.New("stream hub base context is nil")
	}
	if cfg.Backend == nil {
		return nil, errors.New("stream hub backend is nil")
	}
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = defaultWatchIdleTimeout
	}
	return &StreamHub{
		baseCtx:     cfg.BaseCtx,
		backend:     cfg.Backend,
		idleTimeout: idle,
		watches:     map[string]*sessionWatch{},
	}, nil
}

// HasWatchers reports whether a websocket client currently watches the
// session. The session registry uses it to keep watched sessions alive.
func (h *StreamHub) HasWatchers(sessionID string) bool {
	if h == nil {
		return false
	}
	h.mu.Lock()
	w, ok := h.watches[sessionID]
	h.mu.Unlock()
	return ok && !w.pool.IsEmpty()
}

func (h *StreamHub) ensureWatch(ctx context.Context, sessionID string) (*sessionWatch, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if w, ok := h.watches[sessionID]; ok {
		return w, nil
	}
	sub, owns, err := h.backend.BuildSubscriber(ctx, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "build subscriber")
	}
	w := &sessionWatch{ownsSub: owns}
	w.pool = NewConnectionPool(sessionID, h.idleTimeout, func() { h.release(sessionID, w) })
	w.coord = NewStreamCoordinator(sessionID, sub, func(_ relay.Event, _ StreamCursor, frame []byte) {
		w.pool.Broadcast(frame)
	})
	if err := w.coord.Start(h.baseCtx); err != nil {
		if owns {
			_ = sub.Close()
		}
		return nil, errors.Wrap(err, "start stream coordinator")
	}
	h.watches[sessionID] = w
	return w, nil
}

func (h *StreamHub) release(sessionID string, w *sessionWatch) {
	h.mu.Lock()
	cur, ok := h.watches[sessionID]
	if !ok || cur != w || !w.pool.IsEmpty() {
		h.mu.Unlock()
		return
	}
	delete(h.watches, sessionID)
	h.mu.Unlock()
	w.stop()
	log.Debug().Str("component", "webchat").Str("session_id", sessionID).Msg("stream hub: released idle session watch")
}

func (w *sessionWatch) stop() {
	if w.ownsSub {
		w.coord.Close()
	} else {
		w.coord.Stop()
	}
}

// AttachWebSocket adds conn to the session's watchers and starts its read
// loop. It returns once the connection is registered.
func (h *StreamHub) AttachWebSocket(ctx context.Context, sessionID string, conn *websocket.Conn, opts WebSocketAttachOptions) error {
	if h == nil {
		return errors.New("stream hub is not initialized")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("missing session_id")
	}
	if conn == nil {
		return errors.New("websocket connection is nil")
	}
	w, err := h.ensureWatch(ctx, sessionID)
	if err != nil {
		return err
	}
	w.pool.Add(conn)

	wsLog := log.With().
		Str("component", "webchat").
		Str("remote", conn.RemoteAddr().String()).
		Str("session_id", sessionID).
		Logger()
	wsLog.Info().Msg("ws connected")

	if opts.SendHello {
		if b, err := json.Marshal(wsControl{Type: "ws.hello", SessionID: sessionID, ServerTime: time.Now().UnixMilli()}); err == nil {
			w.pool.SendToOne(conn, b)
		}
	}

	go func() {
		defer w.pool.Remove(conn)
		defer wsLog.Info().Msg("ws disconnected")
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				wsLog.Debug().Err(err).Msg("ws read loop end")
				return
			}
			if opts.HandlePingPong && msgType == websocket.TextMessage && isPing(data) {
				if b, err := json.Marshal(wsControl{Type: "ws.pong", SessionID: sessionID, ServerTime: time.Now().UnixMilli()}); err == nil {
					w.pool.SendToOne(conn, b)
				}
			}
		}
	}()
	return nil
}

func isPing(data []byte) bool {
	text := strings.TrimSpace(strings.ToLower(string(data)))
	if text == "ping" {
		return true
	}
	var v struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return false
	}
	return strings.EqualFold(v.Type, "ws.ping")
}

// Close drops every watcher and subscription.
func (h *StreamHub) Close() {
	if h == nil {
		return
	}
	h.mu.Lock()
	watches := h.watches
	h.watches = map[string]*sessionWatch{}
	h.mu.Unlock()
	for _, w := range watches {
		w.pool.CloseAll()
		w.stop()
	}
}
