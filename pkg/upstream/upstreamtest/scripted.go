// Package upstreamtest provides a scripted upstream.Connection for tests.
package upstreamtest

import (
	"context"
	"iter"
	"sync"

	"github.com/pkg/errors"

	"github.com/go-go-golems/assistant-relay/pkg/upstream"
)

// Step is one item yielded by a scripted response: either a message or an
// error. Before, when set, runs before the step is yielded (tests use it to
// advance fake clocks).
type Step struct {
	Msg    upstream.Message
	Err    error
	Before func()
}

// Conn is a scripted connection. Each Query queues the next response script
// onto one output stream. A receive reads that stream up to and including
// the first result or error, so steps left unread by an abandoned receive are
// seen by the next one, as on a real upstream.
type Conn struct {
	Opts upstream.Options

	ConnectErr    error
	QueryErr      error
	InterruptErr  error
	DisconnectErr error

	mu          sync.Mutex
	scripts     [][]Step
	queue       []Step
	queries     []string
	connected   bool
	connects    int
	interrupts  int
	disconnects int
	consumed    int
}

// NewConn builds a connection answering successive queries with the given
// scripts.
func NewConn(scripts ...[]Step) *Conn {
	return &Conn{scripts: scripts}
}

func (c *Conn) Connect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	if c.ConnectErr != nil {
		return c.ConnectErr
	}
	c.connected = true
	return nil
}

func (c *Conn) Query(_ context.Context, prompt string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.QueryErr != nil {
		return c.QueryErr
	}
	if !c.connected {
		return errors.New("not connected")
	}
	c.queries = append(c.queries, prompt)
	if len(c.scripts) == 0 {
		return nil
	}
	c.queue = append(c.queue, c.scripts[0]...)
	c.scripts = c.scripts[1:]
	return nil
}

func (c *Conn) ReceiveResponse(ctx context.Context) iter.Seq2[upstream.Message, error] {
	return func(yield func(upstream.Message, error) bool) {
		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			c.mu.Lock()
			if len(c.queue) == 0 {
				c.mu.Unlock()
				return
			}
			s := c.queue[0]
			c.queue = c.queue[1:]
			c.consumed++
			c.mu.Unlock()

			if s.Before != nil {
				s.Before()
			}
			if !yield(s.Msg, s.Err) {
				return
			}
			if s.Err != nil {
				return
			}
			if _, ok := s.Msg.(*upstream.ResultMessage); ok {
				return
			}
		}
	}
}

// Unread is the number of queued steps no receive has taken yet.
func (c *Conn) Unread() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Conn) Interrupt(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interrupts++
	return c.InterruptErr
}

func (c *Conn) Disconnect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
	c.connected = false
	return c.DisconnectErr
}

func (c *Conn) Queries() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.queries...)
}

func (c *Conn) Interrupts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interrupts
}

func (c *Conn) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

func (c *Conn) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

// Consumed is the number of scripted steps handed to the consumer.
func (c *Conn) Consumed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consumed
}

// Factory hands out connections built by next, recording every one of them
// together with the options it was built with.
type Factory struct {
	mu    sync.Mutex
	next  func(opts upstream.Options) *Conn
	conns []*Conn
	Err   error
}

func NewFactory(next func(opts upstream.Options) *Conn) *Factory {
	if next == nil {
		next = func(upstream.Options) *Conn { return NewConn() }
	}
	return &Factory{next: next}
}

func (f *Factory) Build(opts upstream.Options) (upstream.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	c := f.next(opts)
	c.Opts = opts
	f.conns = append(f.conns, c)
	return c, nil
}

// Conns returns every connection built so far, oldest first.
func (f *Factory) Conns() []*Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Conn(nil), f.conns...)
}

// Last returns the most recently built connection.
func (f *Factory) Last() *Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

// Text builds an assistant message holding text blocks.
func Text(parts ...string) *upstream.AssistantMessage {
	m := &upstream.AssistantMessage{}
	for _, p := range parts {
		m.Content = append(m.Content, upstream.TextBlock{Text: p})
	}
	return m
}

// ToolUse builds an assistant message holding a single tool invocation.
func ToolUse(id, name string) *upstream.AssistantMessage {
	return &upstream.AssistantMessage{Content: []upstream.ContentBlock{upstream.ToolUseBlock{ID: id, Name: name}}}
}

// ToolResult builds a user message holding a single tool result.
func ToolResult(toolUseID, content string) *upstream.UserMessage {
	return &upstream.UserMessage{Content: []upstream.ToolResultBlock{{ToolUseID: toolUseID, Content: content}}}
}

// Steps wraps messages into steps.
func Steps(msgs ...upstream.Message) []Step {
	out := make([]Step, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Step{Msg: m})
	}
	return out
}
