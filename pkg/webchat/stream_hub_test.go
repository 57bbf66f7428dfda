package webchat

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/assistant-relay/pkg/redisstream"
	"github.com/go-go-golems/assistant-relay/pkg/relay"
	"github.com/go-go-golems/assistant-relay/pkg/session"
	"github.com/go-go-golems/assistant-relay/pkg/upstream"
	"github.com/go-go-golems/assistant-relay/pkg/upstream/upstreamtest"
)

func TestNewStreamHub_ValidatesRequiredDependencies(t *testing.T) {
	_, err := NewStreamHub(StreamHubConfig{})
	require.ErrorContains(t, err, "base context is nil")

	_, err = NewStreamHub(StreamHubConfig{BaseCtx: context.Background()})
	require.ErrorContains(t, err, "backend is nil")
}

func TestStreamHub_AttachWebSocketValidatesArguments(t *testing.T) {
	backend, err := NewStreamBackend(context.Background(), redisstream.DefaultSettings())
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	hub, err := NewStreamHub(StreamHubConfig{BaseCtx: context.Background(), Backend: backend})
	require.NoError(t, err)

	err = hub.AttachWebSocket(context.Background(), "", nil, WebSocketAttachOptions{})
	require.ErrorContains(t, err, "missing session_id")

	err = hub.AttachWebSocket(context.Background(), "s1", nil, WebSocketAttachOptions{})
	require.ErrorContains(t, err, "websocket connection is nil")
	require.False(t, hub.HasWatchers("s1"))
}

func TestIsPing(t *testing.T) {
	require.True(t, isPing([]byte(" PING ")))
	require.True(t, isPing([]byte(`{"type":"ws.ping"}`)))
	require.False(t, isPing([]byte(`{"type":"other"}`)))
	require.False(t, isPing([]byte(`hello`)))
}

type watchHarness struct {
	reg     *session.Registry
	backend StreamBackend
	hub     *StreamHub
	srv     *httptest.Server
}

func newWatchHarness(t *testing.T, idle time.Duration, scripts ...[]upstreamtest.Step) *watchHarness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	backend, err := NewStreamBackend(ctx, redisstream.DefaultSettings())
	require.NoError(t, err)
	hub, err := NewStreamHub(StreamHubConfig{BaseCtx: ctx, Backend: backend, IdleTimeout: idle})
	require.NoError(t, err)

	factory := upstreamtest.NewFactory(func(upstream.Options) *upstreamtest.Conn {
		return upstreamtest.NewConn(scripts...)
	})
	reg := session.NewRegistry(factory.Build, session.Options{})
	agg := relay.NewAggregator(reg, relay.Options{Publisher: relay.NewWatermillPublisher(backend.Publisher())})
	r, err := NewRouter(ctx, reg, agg, WithStreamHub(hub))
	require.NoError(t, err)

	srv := httptest.NewServer(r.Handler())
	t.Cleanup(func() {
		srv.Close()
		hub.Close()
		_ = backend.Close()
	})
	return &watchHarness{reg: reg, backend: backend, hub: hub, srv: srv}
}

func (h *watchHarness) dial(t *testing.T, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws?session_id=" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v))
}

func TestStreamHub_HelloAndPong(t *testing.T) {
	h := newWatchHarness(t, 0)
	conn := h.dial(t, "s1")

	var hello wsControl
	readJSON(t, conn, &hello)
	require.Equal(t, "ws.hello", hello.Type)
	require.Equal(t, "s1", hello.SessionID)
	require.True(t, h.hub.HasWatchers("s1"))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	var pong wsControl
	readJSON(t, conn, &pong)
	require.Equal(t, "ws.pong", pong.Type)
}

func TestStreamHub_MirrorsChatTurn(t *testing.T) {
	h := newWatchHarness(t, 0, upstreamtest.Steps(upstreamtest.Text("hello world"), &upstream.ResultMessage{}))
	conn := h.dial(t, "s1")
	var hello wsControl
	readJSON(t, conn, &hello)

	resp, err := h.srv.Client().Post(h.srv.URL+"/api/chat", "application/json", strings.NewReader(`{"message":"hi","session_id":"s1"}`))
	require.NoError(t, err)
	_ = resp.Body.Close()

	var got []relay.EventType
	for len(got) < 3 {
		var f Frame
		readJSON(t, conn, &f)
		var ev relay.Event
		require.NoError(t, json.Unmarshal(f.Event, &ev))
		require.Equal(t, "s1", ev.SessionID)
		require.NotZero(t, f.Seq)
		got = append(got, ev.Type)
	}
	require.Equal(t, []relay.EventType{relay.EventProcessing, relay.EventAssistantText, relay.EventResult}, got)
}

func TestStreamHub_ReleasesIdleWatch(t *testing.T) {
	h := newWatchHarness(t, 20*time.Millisecond)
	conn := h.dial(t, "s1")
	var hello wsControl
	readJSON(t, conn, &hello)
	require.True(t, h.hub.HasWatchers("s1"))

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		h.hub.mu.Lock()
		defer h.hub.mu.Unlock()
		_, ok := h.hub.watches["s1"]
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
	require.False(t, h.hub.HasWatchers("s1"))
}

func TestStreamHub_WatchRequiresSessionID(t *testing.T) {
	h := newWatchHarness(t, 0)
	resp, err := h.srv.Client().Get(h.srv.URL + "/ws")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, 400, resp.StatusCode)
}
