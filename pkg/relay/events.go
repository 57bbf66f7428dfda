package relay

import (
	"encoding/json"

	"github.com/pkg/errors"
)

type EventType string

const (
	EventProcessing    EventType = "processing"
	EventAssistantText EventType = "assistant_text"
	EventToolUse       EventType = "tool_use"
	EventToolResult    EventType = "tool_result"
	EventResult        EventType = "result"
	EventError         EventType = "error"
	// EventDone terminates a stream on the wire. The aggregator never emits it.
	EventDone EventType = "done"
)

// Event is one item of a turn's output stream. Which fields are meaningful
// depends on Type; MarshalJSON writes only those.
type Event struct {
	Type      EventType
	SessionID string

	// assistant_text, tool_result
	Content string
	// tool_use
	Tool string
	ID   string
	// tool_result
	ToolID string
	// result
	InputTokens  *int64
	OutputTokens *int64
	CostUSD      *float64
	// error
	Error string
}

type wireEvent struct {
	Type         EventType `json:"type"`
	Content      *string   `json:"content,omitempty"`
	Tool         string    `json:"tool,omitempty"`
	ID           string    `json:"id,omitempty"`
	ToolID       string    `json:"tool_id,omitempty"`
	InputTokens  *int64    `json:"input_tokens,omitempty"`
	OutputTokens *int64    `json:"output_tokens,omitempty"`
	CostUSD      *float64  `json:"cost_usd,omitempty"`
	Error        *string   `json:"error,omitempty"`
	SessionID    string    `json:"session_id"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	w := wireEvent{Type: e.Type, SessionID: e.SessionID}
	switch e.Type {
	case EventAssistantText:
		w.Content = &e.Content
	case EventToolUse:
		w.Tool = e.Tool
		w.ID = e.ID
	case EventToolResult:
		w.ToolID = e.ToolID
		w.Content = &e.Content
	case EventResult:
		w.InputTokens = e.InputTokens
		w.OutputTokens = e.OutputTokens
		w.CostUSD = e.CostUSD
	case EventError:
		w.Error = &e.Error
	case EventProcessing, EventDone:
	default:
		return nil, errors.Errorf("unknown event type %q", e.Type)
	}
	return json.Marshal(w)
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*e = Event{
		Type:         w.Type,
		SessionID:    w.SessionID,
		Tool:         w.Tool,
		ID:           w.ID,
		ToolID:       w.ToolID,
		InputTokens:  w.InputTokens,
		OutputTokens: w.OutputTokens,
		CostUSD:      w.CostUSD,
	}
	if w.Content != nil {
		e.Content = *w.Content
	}
	if w.Error != nil {
		e.Error = *w.Error
	}
	return nil
}

func Processing(sessionID string) Event {
	return Event{Type: EventProcessing, SessionID: sessionID}
}

func AssistantText(sessionID, content string) Event {
	return Event{Type: EventAssistantText, SessionID: sessionID, Content: content}
}

func ToolUse(sessionID, tool, id string) Event {
	return Event{Type: EventToolUse, SessionID: sessionID, Tool: tool, ID: id}
}

func ToolResult(sessionID, toolID, content string) Event {
	return Event{Type: EventToolResult, SessionID: sessionID, ToolID: toolID, Content: content}
}

func ErrorEvent(sessionID string, err error) Event {
	return Event{Type: EventError, SessionID: sessionID, Error: err.Error()}
}

func Done(sessionID string) Event {
	return Event{Type: EventDone, SessionID: sessionID}
}
