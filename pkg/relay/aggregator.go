// Package relay turns an upstream response stream into the event stream sent
// to clients.
//
// One turn yields, in order:
//
//	processing
//	(assistant_text | tool_use | tool_result)*
//	result?            only when the upstream finished the turn
//	error?             instead of the rest, on any failure
//
// Text is coalesced by a TextBuffer; pending text is always flushed as one
// assistant_text before the next tool_use or result.
package relay

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/assistant-relay/pkg/session"
	"github.com/go-go-golems/assistant-relay/pkg/upstream"
)

// Sessions is the slice of the session registry a turn needs.
type Sessions interface {
	Ensure(ctx context.Context, id string) (upstream.Connection, error)
	RecordUsage(id string, tokens int64, cost float64)
	RecordMessages(id string, msgs ...session.HistoryMessage)
	BeginTurn(id string)
	EndTurn(id string)
}

type Options struct {
	FlushThreshold int
	FlushInterval  time.Duration
	SmoothingPause time.Duration
	// EventBuffer is the capacity of the channel returned by Stream.
	EventBuffer int
	// Publisher receives a copy of every event. Optional.
	Publisher Publisher
	// DrainTimeout bounds how long an abandoned turn keeps reading the
	// upstream response after its consumer went away.
	DrainTimeout time.Duration

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

const DefaultDrainTimeout = 2 * time.Minute

type Aggregator struct {
	sessions Sessions
	opts     Options
}

func NewAggregator(sessions Sessions, opts Options) *Aggregator {
	if opts.FlushThreshold <= 0 {
		opts.FlushThreshold = DefaultFlushThreshold
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.SmoothingPause < 0 {
		opts.SmoothingPause = 0
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 16
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	return &Aggregator{sessions: sessions, opts: opts}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Stream runs one turn in a goroutine. The channel is closed when the turn
// ends. When ctx is cancelled after the query went upstream, the turn stops
// emitting but keeps reading the upstream response up to its result, so the
// session's next turn starts on a clean stream and usage is still counted.
func (a *Aggregator) Stream(ctx context.Context, sessionID, message string) <-chan Event {
	ch := make(chan Event, a.opts.EventBuffer)
	go func() {
		defer close(ch)
		upCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()
		stop := context.AfterFunc(ctx, func() {
			deadline := time.AfterFunc(a.opts.DrainTimeout, cancel)
			context.AfterFunc(upCtx, func() { deadline.Stop() })
		})
		defer stop()
		t := &turn{a: a, ctx: ctx, upCtx: upCtx, id: sessionID, out: ch}
		t.run(message)
	}()
	return ch
}

type turn struct {
	a   *Aggregator
	ctx context.Context
	// upCtx drives the upstream response; it outlives ctx until the turn is
	// drained or DrainTimeout passes.
	upCtx context.Context
	id    string
	out   chan<- Event

	detached bool

	buf       TextBuffer
	assistant strings.Builder
}

// emit publishes ev and hands it to the consumer. Once the consumer is gone
// the turn is detached and events are only published.
func (t *turn) emit(ev Event) {
	if p := t.a.opts.Publisher; p != nil {
		if err := p.Publish(t.upCtx, ev); err != nil {
			log.Warn().Err(err).Str("component", "relay").Str("session_id", t.id).Str("event", string(ev.Type)).Msg("event fan-out failed")
		}
	}
	if t.detached {
		return
	}
	select {
	case t.out <- ev:
	case <-t.ctx.Done():
		t.detach()
	}
}

func (t *turn) detach() {
	if t.detached {
		return
	}
	t.detached = true
	log.Debug().Str("component", "relay").Str("session_id", t.id).Msg("consumer gone, draining turn in background")
}

// gone reports whether the consumer has left, detaching the turn if so.
func (t *turn) gone() bool {
	if !t.detached && t.ctx.Err() != nil {
		t.detach()
	}
	return t.detached
}

func (t *turn) emitText(text string) {
	t.assistant.WriteString(text)
	t.emit(AssistantText(t.id, text))
}

func (t *turn) drain() {
	var text string
	var ok bool
	t.buf, text, ok = t.buf.Drain()
	if ok {
		t.emitText(text)
	}
}

func (t *turn) run(message string) {
	t.emit(Processing(t.id))
	if t.gone() {
		return
	}

	conn, err := t.a.sessions.Ensure(t.ctx, t.id)
	if err != nil {
		t.fail(err)
		return
	}
	if t.gone() {
		return
	}

	t.a.sessions.BeginTurn(t.id)
	defer t.a.sessions.EndTurn(t.id)

	started := t.a.opts.Now()
	t.buf = NewTextBuffer(t.a.opts.FlushThreshold, t.a.opts.FlushInterval, started)

	if err := conn.Query(t.ctx, message); err != nil {
		t.fail(err)
		return
	}
	if err := t.consume(conn); err != nil {
		t.fail(err)
		return
	}
	// an abandoned turn's usage is counted, its messages are not recorded
	if t.gone() {
		return
	}
	t.a.sessions.RecordMessages(t.id,
		session.HistoryMessage{Role: "user", Content: message, At: started},
		session.HistoryMessage{Role: "assistant", Content: t.assistant.String(), At: t.a.opts.Now()},
	)
}

// consume reads the upstream response until its result or end of stream.
func (t *turn) consume(conn upstream.Connection) error {
	for msg, err := range conn.ReceiveResponse(t.upCtx) {
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case *upstream.AssistantMessage:
			for _, block := range m.Content {
				switch b := block.(type) {
				case upstream.TextBlock:
					var text string
					var flushed bool
					now := t.a.opts.Now()
					t.buf, text, flushed = t.buf.Append(b.Text, now)
					if !flushed {
						continue
					}
					t.emitText(text)
					if t.gone() {
						continue
					}
					if err := t.a.opts.Sleep(t.ctx, t.a.opts.SmoothingPause); err != nil && !t.gone() {
						return err
					}
				case upstream.ToolUseBlock:
					t.drain()
					t.emit(ToolUse(t.id, b.Name, b.ID))
				}
			}
		case *upstream.UserMessage:
			for _, b := range m.Content {
				t.emit(ToolResult(t.id, b.ToolUseID, b.Content))
			}
		case *upstream.ResultMessage:
			t.drain()
			t.emit(t.result(m))
			return nil
		}
	}
	t.drain()
	return nil
}

func (t *turn) result(m *upstream.ResultMessage) Event {
	ev := Event{Type: EventResult, SessionID: t.id}
	var tokens int64
	if m.Usage != nil {
		in, out := m.Usage.InputTokens, m.Usage.OutputTokens
		ev.InputTokens = &in
		ev.OutputTokens = &out
		tokens = m.Usage.Total()
	}
	var cost float64
	if m.TotalCostUSD != 0 {
		cost = m.TotalCostUSD
		ev.CostUSD = &cost
	}
	t.a.sessions.RecordUsage(t.id, tokens, cost)
	return ev
}

// fail discards pending text and reports err as the turn's last event.
func (t *turn) fail(err error) {
	t.buf, _, _ = t.buf.Drain()
	log.Warn().Err(err).Str("component", "relay").Str("session_id", t.id).Bool("detached", t.detached).Msg("turn failed")
	t.emit(ErrorEvent(t.id, err))
}
