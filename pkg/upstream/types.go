// Package upstream defines the contract between the relay and the assistant
// backend it proxies.
//
// A Connection is a long-lived, stateful handle on one assistant conversation.
// The relay connects it once per session, sends one query per turn and drains
// ReceiveResponse until a *ResultMessage arrives. Adapters live in the
// sub-packages (claudecli, anthropicapi); upstreamtest provides a scripted
// connection for tests.
package upstream

import (
	"context"
	"encoding/json"
	"iter"
)

// Connection is the upstream collaborator consumed by the session registry and
// the aggregator. Every method may fail.
type Connection interface {
	Connect(ctx context.Context) error
	Query(ctx context.Context, prompt string) error
	// ReceiveResponse yields the messages produced for the last query. The
	// sequence ends after a *ResultMessage, on error, or when the consumer
	// stops ranging.
	ReceiveResponse(ctx context.Context) iter.Seq2[Message, error]
	Interrupt(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// Options carries the per-session settings an adapter applies when it builds
// a connection. Zero values mean "use the upstream default".
type Options struct {
	SystemPrompt   string
	AllowedTools   []string
	MaxTurns       int
	PermissionMode string
	Cwd            string
}

// IsZero reports whether no option deviates from the upstream defaults.
// PermissionMode alone does not count, it always has a value.
func (o Options) IsZero() bool {
	return o.SystemPrompt == "" && len(o.AllowedTools) == 0 && o.MaxTurns == 0 && o.Cwd == ""
}

// Factory builds an unconnected Connection.
type Factory func(opts Options) (Connection, error)

// Message is one item of an upstream response stream.
type Message interface {
	isMessage()
}

// ContentBlock is one unit of an assistant message.
type ContentBlock interface {
	isContentBlock()
}

type TextBlock struct {
	Text string
}

type ToolUseBlock struct {
	ID    string
	Name  string
	Input json.RawMessage
}

type ToolResultBlock struct {
	ToolUseID string
	Content   string
	IsError   bool
}

func (TextBlock) isContentBlock()    {}
func (ToolUseBlock) isContentBlock() {}

// AssistantMessage carries text and tool invocation requests in order.
type AssistantMessage struct {
	Model   string
	Content []ContentBlock
}

// UserMessage carries tool results fed back to the assistant.
type UserMessage struct {
	Content []ToolResultBlock
}

// SystemMessage is informational (init, status). The aggregator ignores it.
type SystemMessage struct {
	Subtype string
	Data    map[string]any
}

// ResultMessage terminates a turn.
type ResultMessage struct {
	Subtype      string
	SessionID    string
	IsError      bool
	Result       string
	NumTurns     int
	DurationMs   int64
	Usage        *Usage
	TotalCostUSD float64
}

func (*AssistantMessage) isMessage() {}
func (*UserMessage) isMessage()      {}
func (*SystemMessage) isMessage()    {}
func (*ResultMessage) isMessage()    {}
