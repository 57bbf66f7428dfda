package webchat

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/assistant-relay/pkg/relay"
)

type StreamCursor struct {
	StreamID string
	Seq      uint64
}

// Frame is what a websocket watcher receives for every published event.
type Frame struct {
	Seq      uint64          `json:"seq"`
	StreamID string          `json:"stream_id,omitempty"`
	Event    json.RawMessage `json:"event"`
}

// StreamCoordinator owns the subscriber that feeds a session's events and
// dispatches them as frames, in order.
type StreamCoordinator struct {
	sessionID  string
	subscriber message.Subscriber

	onFrame func(relay.Event, StreamCursor, []byte)

	seq atomic.Uint64

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	stopped chan struct{}
}

func NewStreamCoordinator(
	sessionID string,
	subscriber message.Subscriber,
	onFrame func(relay.Event, StreamCursor, []byte),
) *StreamCoordinator {
	return &StreamCoordinator{
		sessionID:  sessionID,
		subscriber: subscriber,
		onFrame:    onFrame,
	}
}

// Start subscribes and begins dispatching. The subscription is in place when
// Start returns, so events published afterwards are not missed.
func (sc *StreamCoordinator) Start(ctx context.Context) error {
	if sc == nil || sc.subscriber == nil {
		return nil
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.running {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)
	ch, err := sc.subscriber.Subscribe(runCtx, relay.TopicForSession(sc.sessionID))
	if err != nil {
		cancel()
		log.Error().Err(err).Str("component", "webchat").Str("session_id", sc.sessionID).Msg("stream coordinator: subscribe failed")
		return err
	}
	sc.cancel = cancel
	sc.running = true
	sc.stopped = make(chan struct{})
	go sc.consume(ch, sc.stopped)
	return nil
}

func (sc *StreamCoordinator) Stop() {
	if sc == nil {
		return
	}
	sc.mu.Lock()
	if sc.cancel != nil {
		sc.cancel()
	}
	sc.cancel = nil
	sc.running = false
	sc.mu.Unlock()
}

// Close stops the coordinator and closes the subscriber. Only call it for
// subscribers the coordinator owns.
func (sc *StreamCoordinator) Close() {
	if sc == nil {
		return
	}
	sc.Stop()
	if sc.subscriber != nil {
		if err := sc.subscriber.Close(); err != nil {
			log.Warn().Err(err).Str("component", "webchat").Str("session_id", sc.sessionID).Msg("stream coordinator: subscriber close failed")
		}
	}
}

func (sc *StreamCoordinator) IsRunning() bool {
	if sc == nil {
		return false
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.running
}

func (sc *StreamCoordinator) consume(ch <-chan *message.Message, stopped chan struct{}) {
	defer close(stopped)
	log.Debug().Str("component", "webchat").Str("session_id", sc.sessionID).Msg("stream coordinator: started")
	for msg := range ch {
		var ev relay.Event
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			log.Warn().Err(err).Str("component", "webchat").Str("session_id", sc.sessionID).Msg("stream coordinator: failed to decode event")
			msg.Ack()
			continue
		}
		cur := StreamCursor{StreamID: extractStreamID(msg)}
		cur.Seq = sc.nextSeq(cur.StreamID)

		if sc.onFrame != nil {
			frame, err := json.Marshal(Frame{Seq: cur.Seq, StreamID: cur.StreamID, Event: json.RawMessage(msg.Payload)})
			if err == nil {
				sc.onFrame(ev, cur, frame)
			}
		}
		msg.Ack()
	}
	log.Debug().Str("component", "webchat").Str("session_id", sc.sessionID).Msg("stream coordinator: stopped")
	sc.mu.Lock()
	sc.running = false
	sc.cancel = nil
	sc.mu.Unlock()
}

func (sc *StreamCoordinator) nextSeq(streamID string) uint64 {
	if streamID != "" {
		if derived, ok := deriveSeqFromStreamID(streamID); ok {
			for {
				current := sc.seq.Load()
				next := derived
				if next <= current {
					next = current + 1
				}
				if sc.seq.CompareAndSwap(current, next) {
					return next
				}
			}
		}
	}
	for {
		current := sc.seq.Load()
		next := uint64(time.Now().UnixMilli()) * 1_000_000
		if next <= current {
			next = current + 1
		}
		if sc.seq.CompareAndSwap(current, next) {
			return next
		}
	}
}

func extractStreamID(msg *message.Message) string {
	if msg == nil || msg.Metadata == nil {
		return ""
	}
	for _, k := range []string{"xid", "redis_xid"} {
		if v := msg.Metadata.Get(k); v != "" {
			return v
		}
	}
	return ""
}

// deriveSeqFromStreamID maps a Redis stream id "<ms>-<n>" onto a sortable
// sequence number.
func deriveSeqFromStreamID(streamID string) (uint64, bool) {
	ms, n, ok := strings.Cut(streamID, "-")
	if !ok {
		return 0, false
	}
	msv, err := strconv.ParseUint(ms, 10, 64)
	if err != nil {
		return 0, false
	}
	nv, err := strconv.ParseUint(n, 10, 64)
	if err != nil {
		return 0, false
	}
	return msv*1_000_000 + nv, true
}
