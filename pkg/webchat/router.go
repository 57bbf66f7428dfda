package webchat

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/assistant-relay/pkg/profiles"
	"github.com/go-go-golems/assistant-relay/pkg/relay"
	"github.com/go-go-golems/assistant-relay/pkg/session"
)

const ServiceName = "assistant-relay"

// DefaultAllowedOrigins are the browser origins accepted when none are
// configured. Hosted front-ends are added through the allowed-origins
// setting.
var DefaultAllowedOrigins = []string{"http://localhost:3020", "http://localhost:3000"}

// Router wires the session API, the chat stream and the watch endpoint.
type Router struct {
	baseCtx context.Context
	mux     *http.ServeMux

	registry   *session.Registry
	aggregator *relay.Aggregator
	profiles   *profiles.Store
	streamHub  *StreamHub

	allowedOrigins []string
	upgrader       websocket.Upgrader
	customUpgrader bool
	newID          func() string
}

func NewRouter(ctx context.Context, registry *session.Registry, aggregator *relay.Aggregator, opts ...RouterOption) (*Router, error) {
	if ctx == nil {
		return nil, errors.New("ctx is nil")
	}
	if registry == nil {
		return nil, errors.New("session registry is nil")
	}
	if aggregator == nil {
		return nil, errors.New("aggregator is nil")
	}
	r := &Router{
		baseCtx:        ctx,
		mux:            http.NewServeMux(),
		registry:       registry,
		aggregator:     aggregator,
		allowedOrigins: DefaultAllowedOrigins,
		newID:          uuid.NewString,
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	if !r.customUpgrader {
		r.upgrader = websocket.Upgrader{CheckOrigin: r.checkOrigin}
	}
	r.registerRoutes()
	return r, nil
}

func (r *Router) registerRoutes() {
	r.mux.HandleFunc("GET /{$}", r.handleHealth)
	r.mux.HandleFunc("POST /api/chat", r.handleChat)
	r.mux.HandleFunc("POST /api/interrupt", r.handleInterrupt)
	r.mux.HandleFunc("POST /api/clear", r.handleClear)
	r.mux.HandleFunc("POST /api/new-session", r.handleNewSession)
	r.mux.HandleFunc("POST /api/session-with-config", r.handleSessionWithConfig)
	r.mux.HandleFunc("DELETE /api/session/{session_id}", r.handleDeleteSession)
	r.mux.HandleFunc("PUT /api/session/{session_id}/config", r.handleUpdateConfig)
	r.mux.HandleFunc("GET /api/session/{session_id}", r.handleSessionInfo)
	r.mux.HandleFunc("GET /api/sessions", r.handleListSessions)
	r.mux.HandleFunc("GET /api/profiles", r.handleProfiles)
	if r.streamHub != nil {
		r.mux.HandleFunc("GET /ws", r.handleWS)
	}
}

// Handler returns the routes wrapped in CORS handling.
func (r *Router) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   r.allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Session-ID"},
		AllowCredentials: true,
	})
	return c.Handler(r.mux)
}

func (r *Router) checkOrigin(req *http.Request) bool {
	origin := req.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return slices.Contains(r.allowedOrigins, "*") || slices.Contains(r.allowedOrigins, origin)
}

func (r *Router) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Service: ServiceName})
}

func (r *Router) handleChat(w http.ResponseWriter, req *http.Request) {
	var body ChatRequest
	if err := decodeJSON(req, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sessionID := strings.TrimSpace(body.SessionID)
	if sessionID == "" {
		sessionID = r.newID()
	}
	chatLog := log.With().Str("component", "webchat").Str("session_id", sessionID).Logger()
	chatLog.Debug().Int("message_len", len(body.Message)).Msg("chat turn started")

	ctx := req.Context()
	sse := newSSEWriter(w, sessionID)
	writeOK := true
	// a cancelled turn finishes reading upstream in the background
	events := r.aggregator.Stream(ctx, sessionID, body.Message)
	for {
		select {
		case <-ctx.Done():
			chatLog.Debug().Msg("client disconnected mid-turn")
			return
		case ev, ok := <-events:
			if !ok {
				if writeOK {
					_ = sse.Write(relay.Done(sessionID))
				}
				chatLog.Debug().Msg("chat turn finished")
				return
			}
			if !writeOK {
				continue
			}
			if err := sse.Write(ev); err != nil {
				chatLog.Debug().Err(err).Msg("client went away")
				writeOK = false
			}
		}
	}
}

func (r *Router) handleInterrupt(w http.ResponseWriter, req *http.Request) {
	sessionID, ok := r.sessionFromBody(w, req)
	if !ok {
		return
	}
	if !r.registry.Interrupt(req.Context(), sessionID) {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "interrupted", SessionID: sessionID})
}

func (r *Router) handleClear(w http.ResponseWriter, req *http.Request) {
	sessionID, ok := r.sessionFromBody(w, req)
	if !ok {
		return
	}
	if err := r.registry.Clear(req.Context(), sessionID); err != nil {
		r.lifecycleError(w, sessionID, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "cleared", SessionID: sessionID})
}

func (r *Router) handleNewSession(w http.ResponseWriter, req *http.Request) {
	sessionID := r.newID()
	if err := r.registry.Create(req.Context(), sessionID, nil); err != nil {
		r.lifecycleError(w, sessionID, err)
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{SessionID: sessionID})
}

func (r *Router) handleSessionWithConfig(w http.ResponseWriter, req *http.Request) {
	cfg, ok := r.configFromBody(w, req)
	if !ok {
		return
	}
	sessionID := r.newID()
	if err := r.registry.Create(req.Context(), sessionID, &cfg); err != nil {
		r.lifecycleError(w, sessionID, err)
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{SessionID: sessionID})
}

func (r *Router) handleDeleteSession(w http.ResponseWriter, req *http.Request) {
	sessionID := req.PathValue("session_id")
	r.registry.Destroy(req.Context(), sessionID)
	writeJSON(w, http.StatusOK, StatusResponse{Status: "deleted", SessionID: sessionID})
}

func (r *Router) handleUpdateConfig(w http.ResponseWriter, req *http.Request) {
	sessionID := req.PathValue("session_id")
	cfg, ok := r.configFromBody(w, req)
	if !ok {
		return
	}
	updated, err := r.registry.Reconfigure(req.Context(), sessionID, cfg)
	if err != nil {
		r.lifecycleError(w, sessionID, err)
		return
	}
	if !updated {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "updated", SessionID: sessionID})
}

func (r *Router) handleSessionInfo(w http.ResponseWriter, req *http.Request) {
	info, err := r.registry.Describe(req.PathValue("session_id"))
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "Session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (r *Router) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.registry.DescribeAll())
}

func (r *Router) handleProfiles(w http.ResponseWriter, _ *http.Request) {
	names := []string{}
	if r.profiles != nil {
		names = r.profiles.Names()
	}
	writeJSON(w, http.StatusOK, ProfilesResponse{Profiles: names})
}

func (r *Router) handleWS(w http.ResponseWriter, req *http.Request) {
	sessionID := strings.TrimSpace(req.URL.Query().Get("session_id"))
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "missing session_id")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	if err := r.streamHub.AttachWebSocket(r.baseCtx, sessionID, conn, WebSocketAttachOptions{
		SendHello:      true,
		HandlePingPong: true,
	}); err != nil {
		log.Warn().Err(err).Str("component", "webchat").Str("session_id", sessionID).Msg("ws attach failed")
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"failed to attach websocket"}`))
		_ = conn.Close()
	}
}

func (r *Router) sessionFromBody(w http.ResponseWriter, req *http.Request) (string, bool) {
	var body SessionRequest
	if err := decodeJSON(req, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	id := strings.TrimSpace(body.SessionID)
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing session_id")
		return "", false
	}
	return id, true
}

// configFromBody builds a session config from the request, starting from the
// named profile when one is given.
func (r *Router) configFromBody(w http.ResponseWriter, req *http.Request) (session.Config, bool) {
	var body SessionConfigRequest
	if err := decodeJSON(req, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return session.Config{}, false
	}
	base := session.DefaultConfig()
	if name := strings.TrimSpace(body.Profile); name != "" {
		var p session.Config
		found := false
		if r.profiles != nil {
			p, found = r.profiles.Get(name)
		}
		if !found {
			writeError(w, http.StatusBadRequest, "unknown profile "+name)
			return session.Config{}, false
		}
		base = p
	}
	return body.Apply(base), true
}

func (r *Router) lifecycleError(w http.ResponseWriter, sessionID string, err error) {
	log.Error().Err(err).Str("component", "webchat").Str("session_id", sessionID).Msg("session lifecycle failed")
	writeError(w, http.StatusInternalServerError, err.Error())
}
