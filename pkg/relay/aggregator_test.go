package relay

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/assistant-relay/pkg/session"
	"github.com/go-go-golems/assistant-relay/pkg/upstream"
	"github.com/go-go-golems/assistant-relay/pkg/upstream/upstreamtest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) func() {
	return func() {
		c.mu.Lock()
		c.now = c.now.Add(d)
		c.mu.Unlock()
	}
}

type recordingSleeper struct {
	mu     sync.Mutex
	pauses []time.Duration
	err    error
}

func (s *recordingSleeper) Sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pauses = append(s.pauses, d)
	return s.err
}

func (s *recordingSleeper) Pauses() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.pauses...)
}

type harness struct {
	reg     *session.Registry
	factory *upstreamtest.Factory
	conn    *upstreamtest.Conn
	clock   *fakeClock
	sleeper *recordingSleeper
	agg     *Aggregator
}

func newHarness(t *testing.T, scripts ...[]upstreamtest.Step) *harness {
	t.Helper()
	h := &harness{
		conn:    upstreamtest.NewConn(scripts...),
		clock:   &fakeClock{now: t0},
		sleeper: &recordingSleeper{},
	}
	h.factory = upstreamtest.NewFactory(func(upstream.Options) *upstreamtest.Conn { return h.conn })
	h.reg = session.NewRegistry(h.factory.Build, session.Options{})
	h.agg = NewAggregator(h.reg, Options{
		Now:            h.clock.Now,
		Sleep:          h.sleeper.Sleep,
		SmoothingPause: DefaultSmoothingPause,
	})
	return h
}

func (h *harness) run(t *testing.T, id, msg string) []Event {
	t.Helper()
	var out []Event
	for ev := range h.agg.Stream(context.Background(), id, msg) {
		out = append(out, ev)
	}
	return out
}

func types(evs []Event) []EventType {
	out := make([]EventType, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Type)
	}
	return out
}

func texts(evs []Event) []string {
	var out []string
	for _, ev := range evs {
		if ev.Type == EventAssistantText {
			out = append(out, ev.Content)
		}
	}
	return out
}

func result(usage *upstream.Usage, cost float64) upstreamtest.Step {
	return upstreamtest.Step{Msg: &upstream.ResultMessage{Subtype: "success", Usage: usage, TotalCostUSD: cost}}
}

func TestStream_SimpleScenario(t *testing.T) {
	h := newHarness(t, []upstreamtest.Step{
		{Msg: upstreamtest.Text("hello world")},
		result(nil, 0),
	})

	evs := h.run(t, "s1", "hi")

	require.Equal(t, []EventType{EventProcessing, EventAssistantText, EventResult}, types(evs))
	assert.Equal(t, "hello world", evs[1].Content)
	for _, ev := range evs {
		assert.Equal(t, "s1", ev.SessionID)
	}
	b, err := json.Marshal(evs[2])
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"result","session_id":"s1"}`, string(b))

	// the session was created implicitly with the default config
	require.Len(t, h.factory.Conns(), 1)
	assert.Equal(t, []string{"hi"}, h.conn.Queries())
	info, err := h.reg.Describe("s1")
	require.NoError(t, err)
	assert.Equal(t, session.HistoryInfo{MessageCount: 2}, info.History)
	assert.Empty(t, h.sleeper.Pauses())
}

func TestStream_ThresholdFlush(t *testing.T) {
	h := newHarness(t, []upstreamtest.Step{
		{Msg: upstreamtest.Text(strings.Repeat("a", 10), strings.Repeat("b", 9))},
		{Msg: upstreamtest.Text("c", "tail")},
		result(nil, 0),
	})

	evs := h.run(t, "s1", "go")

	assert.Equal(t, []string{strings.Repeat("a", 10) + strings.Repeat("b", 9) + "c", "tail"}, texts(evs))
	assert.Equal(t, []time.Duration{DefaultSmoothingPause}, h.sleeper.Pauses())
}

func TestStream_NineteenDoesNotFlush(t *testing.T) {
	h := newHarness(t, []upstreamtest.Step{
		{Msg: upstreamtest.Text(strings.Repeat("x", 19))},
		result(nil, 0),
	})

	evs := h.run(t, "s1", "go")

	assert.Equal(t, []string{strings.Repeat("x", 19)}, texts(evs))
	assert.Empty(t, h.sleeper.Pauses())
}

func TestStream_IntervalFlush(t *testing.T) {
	h := newHarness(t)
	h.conn = upstreamtest.NewConn([]upstreamtest.Step{
		{Msg: upstreamtest.Text("a")},
		{Msg: upstreamtest.Text("b"), Before: h.clock.Advance(50 * time.Millisecond)},
		{Msg: upstreamtest.Text("c"), Before: h.clock.Advance(10 * time.Millisecond)},
		result(nil, 0),
	})

	evs := h.run(t, "s1", "go")

	assert.Equal(t, []string{"ab", "c"}, texts(evs))
	assert.Len(t, h.sleeper.Pauses(), 1)
}

func TestStream_ToolUseFlushesPendingText(t *testing.T) {
	h := newHarness(t, []upstreamtest.Step{
		{Msg: upstreamtest.Text("Let me ", "check.")},
		{Msg: upstreamtest.ToolUse("toolu_1", "Read")},
		{Msg: upstreamtest.ToolResult("toolu_1", "")},
		{Msg: upstreamtest.Text("Done.")},
		result(nil, 0),
	})

	evs := h.run(t, "s1", "read it")

	require.Equal(t, []EventType{
		EventProcessing,
		EventAssistantText,
		EventToolUse,
		EventToolResult,
		EventAssistantText,
		EventResult,
	}, types(evs))
	assert.Equal(t, "Let me check.", evs[1].Content)
	assert.Equal(t, "Read", evs[2].Tool)
	assert.Equal(t, "toolu_1", evs[2].ID)
	assert.Equal(t, "toolu_1", evs[3].ToolID)
	assert.Equal(t, "", evs[3].Content)
	assert.Equal(t, "Done.", evs[4].Content)

	b, err := json.Marshal(evs[3])
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"tool_result","tool_id":"toolu_1","content":"","session_id":"s1"}`, string(b))
}

func TestStream_ToolUseWithoutPendingText(t *testing.T) {
	h := newHarness(t, []upstreamtest.Step{
		{Msg: upstreamtest.ToolUse("toolu_1", "Bash")},
		result(nil, 0),
	})

	evs := h.run(t, "s1", "run")

	assert.Equal(t, []EventType{EventProcessing, EventToolUse, EventResult}, types(evs))
}

func TestStream_UsageAccounting(t *testing.T) {
	h := newHarness(t,
		[]upstreamtest.Step{{Msg: upstreamtest.Text("one")}, result(&upstream.Usage{InputTokens: 50, OutputTokens: 30}, 0.002)},
		[]upstreamtest.Step{result(&upstream.Usage{InputTokens: 1, OutputTokens: 2}, 0)},
	)

	evs := h.run(t, "s1", "first")
	last := evs[len(evs)-1]
	require.Equal(t, EventResult, last.Type)
	require.NotNil(t, last.InputTokens)
	assert.Equal(t, int64(50), *last.InputTokens)
	assert.Equal(t, int64(30), *last.OutputTokens)
	require.NotNil(t, last.CostUSD)
	assert.InDelta(t, 0.002, *last.CostUSD, 1e-12)

	info, err := h.reg.Describe("s1")
	require.NoError(t, err)
	assert.Equal(t, int64(80), info.History.TotalTokens)
	assert.InDelta(t, 0.002, info.History.TotalCost, 1e-12)

	evs = h.run(t, "s1", "second")
	last = evs[len(evs)-1]
	assert.Nil(t, last.CostUSD)

	info, err = h.reg.Describe("s1")
	require.NoError(t, err)
	assert.Equal(t, int64(83), info.History.TotalTokens)
	assert.InDelta(t, 0.002, info.History.TotalCost, 1e-12)
	assert.Equal(t, 4, info.History.MessageCount)
}

func TestStream_StopsAfterResult(t *testing.T) {
	h := newHarness(t, []upstreamtest.Step{
		{Msg: upstreamtest.Text("x")},
		result(nil, 0),
		{Msg: upstreamtest.Text("ignored")},
	})

	evs := h.run(t, "s1", "go")

	assert.Equal(t, []string{"x"}, texts(evs))
	assert.Equal(t, 2, h.conn.Consumed())
}

func TestStream_EndWithoutResultDrains(t *testing.T) {
	h := newHarness(t, []upstreamtest.Step{
		{Msg: upstreamtest.Text("dangling")},
		{Msg: &upstream.SystemMessage{Subtype: "status"}},
	})

	evs := h.run(t, "s1", "go")

	assert.Equal(t, []EventType{EventProcessing, EventAssistantText}, types(evs))
	assert.Equal(t, "dangling", evs[1].Content)
}

func TestStream_UpstreamErrorDiscardsBuffer(t *testing.T) {
	h := newHarness(t, []upstreamtest.Step{
		{Msg: upstreamtest.Text("partial")},
		{Err: errors.New("stream broke")},
	})

	evs := h.run(t, "s1", "go")

	require.Equal(t, []EventType{EventProcessing, EventError}, types(evs))
	assert.Equal(t, "stream broke", evs[1].Error)
	b, err := json.Marshal(evs[1])
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","error":"stream broke","session_id":"s1"}`, string(b))

	info, err := h.reg.Describe("s1")
	require.NoError(t, err)
	assert.Equal(t, session.HistoryInfo{}, info.History)
}

func TestStream_QueryError(t *testing.T) {
	h := newHarness(t)
	h.conn.QueryErr = errors.New("query refused")

	evs := h.run(t, "s1", "go")

	require.Equal(t, []EventType{EventProcessing, EventError}, types(evs))
	assert.Equal(t, "query refused", evs[1].Error)
}

func TestStream_SessionCreationError(t *testing.T) {
	h := newHarness(t)
	h.factory.Err = errors.New("no upstream")

	evs := h.run(t, "s1", "go")

	require.Equal(t, []EventType{EventProcessing, EventError}, types(evs))
	assert.Contains(t, evs[1].Error, "no upstream")
	assert.False(t, h.reg.Has("s1"))
}

func TestStream_SmoothingPauseError(t *testing.T) {
	h := newHarness(t, []upstreamtest.Step{
		{Msg: upstreamtest.Text(strings.Repeat("z", 25))},
		result(nil, 0),
	})
	h.sleeper.err = errors.New("paused out")

	evs := h.run(t, "s1", "go")

	assert.Equal(t, []EventType{EventProcessing, EventAssistantText, EventError}, types(evs))
}

func TestStream_ConcatenationPreserved(t *testing.T) {
	fragments := []string{"Hé", "llo, ", "世界", "! ", strings.Repeat("long ", 6), "", "🙂", "end"}
	h := newHarness(t)
	var steps []upstreamtest.Step
	for i, f := range fragments {
		s := upstreamtest.Step{Msg: upstreamtest.Text(f)}
		if i%3 == 2 {
			s.Before = h.clock.Advance(60 * time.Millisecond)
		}
		steps = append(steps, s)
	}
	steps = append(steps, result(nil, 0))
	h.conn = upstreamtest.NewConn(steps)

	evs := h.run(t, "s1", "go")

	assert.Equal(t, strings.Join(fragments, ""), strings.Join(texts(evs), ""))
	assert.Greater(t, len(texts(evs)), 1)
}

type recordingPublisher struct {
	mu  sync.Mutex
	evs []Event
	err error
}

func (p *recordingPublisher) Publish(_ context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evs = append(p.evs, ev)
	return p.err
}

func TestStream_PublishesCopies(t *testing.T) {
	h := newHarness(t, []upstreamtest.Step{
		{Msg: upstreamtest.Text("hello")},
		result(nil, 0),
	})
	pub := &recordingPublisher{err: errors.New("broker down")}
	h.agg = NewAggregator(h.reg, Options{Now: h.clock.Now, Sleep: h.sleeper.Sleep, Publisher: pub})

	evs := h.run(t, "s1", "hi")

	// publish failures never reach the stream
	assert.Equal(t, []EventType{EventProcessing, EventAssistantText, EventResult}, types(evs))
	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.Equal(t, evs, pub.evs)
}

func TestStream_CancelledConsumerClosesChannel(t *testing.T) {
	h := newHarness(t, []upstreamtest.Step{
		{Msg: upstreamtest.Text(strings.Repeat("a", 30))},
		{Msg: upstreamtest.Text(strings.Repeat("b", 30))},
		result(nil, 0),
	})
	h.agg = NewAggregator(h.reg, Options{Now: h.clock.Now, Sleep: h.sleeper.Sleep, EventBuffer: 1})

	ctx, cancel := context.WithCancel(context.Background())
	ch := h.agg.Stream(ctx, "s1", "go")
	first := <-ch
	require.Equal(t, EventProcessing, first.Type)
	cancel()

	done := make(chan struct{})
	go func() {
		for range ch {
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close after cancellation")
	}
}

func TestStream_AbandonedTurnIsDrainedBeforeNextTurn(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t,
		[]upstreamtest.Step{
			{Msg: upstreamtest.Text(strings.Repeat("a", 25))},
			{Msg: upstreamtest.Text("tail"), Before: func() { <-release }},
			result(&upstream.Usage{InputTokens: 10, OutputTokens: 5}, 0.01),
		},
		[]upstreamtest.Step{
			{Msg: upstreamtest.Text("fresh")},
			result(&upstream.Usage{InputTokens: 1, OutputTokens: 1}, 0),
		},
	)

	ctx, cancel := context.WithCancel(context.Background())
	ch := h.agg.Stream(ctx, "s1", "first")
	require.Equal(t, EventProcessing, (<-ch).Type)
	require.Equal(t, EventAssistantText, (<-ch).Type)
	cancel()
	close(release)
	for range ch {
	}
	assert.Zero(t, h.conn.Unread())

	evs := h.run(t, "s1", "second")
	require.Equal(t, []EventType{EventProcessing, EventAssistantText, EventResult}, types(evs))
	assert.Equal(t, []string{"fresh"}, texts(evs))
	require.NotNil(t, evs[2].InputTokens)
	assert.Equal(t, int64(1), *evs[2].InputTokens)

	info, err := h.reg.Describe("s1")
	require.NoError(t, err)
	assert.Equal(t, int64(17), info.History.TotalTokens)
	assert.InDelta(t, 0.01, info.History.TotalCost, 1e-12)
	assert.Equal(t, 2, info.History.MessageCount)
	assert.Equal(t, []string{"first", "second"}, h.conn.Queries())
}

func TestStream_DrainTimeoutBoundsAbandonedTurn(t *testing.T) {
	h := newHarness(t, []upstreamtest.Step{
		{Msg: upstreamtest.Text(strings.Repeat("a", 25))},
		{Msg: upstreamtest.Text("never"), Before: func() { time.Sleep(200 * time.Millisecond) }},
		result(nil, 0),
	})
	h.agg = NewAggregator(h.reg, Options{Now: h.clock.Now, Sleep: h.sleeper.Sleep, DrainTimeout: 50 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	ch := h.agg.Stream(ctx, "s1", "go")
	require.Equal(t, EventProcessing, (<-ch).Type)
	require.Equal(t, EventAssistantText, (<-ch).Type)
	cancel()

	done := make(chan struct{})
	go func() {
		for range ch {
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("abandoned turn was not bounded by the drain timeout")
	}
	// the step taken before the timeout is consumed, the result stays queued
	assert.Equal(t, 1, h.conn.Unread())
}
