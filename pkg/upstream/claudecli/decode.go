package claudecli

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-go-golems/assistant-relay/pkg/upstream"
)

// streamLine is the envelope of one stdout line in stream-json mode. Only
// the fields the relay consumes are decoded.
type streamLine struct {
	Type         string          `json:"type"`
	Subtype      string          `json:"subtype"`
	SessionID    string          `json:"session_id"`
	Message      *streamMessage  `json:"message"`
	IsError      bool            `json:"is_error"`
	Result       string          `json:"result"`
	NumTurns     int             `json:"num_turns"`
	DurationMs   int64           `json:"duration_ms"`
	TotalCostUSD float64         `json:"total_cost_usd"`
	Usage        json.RawMessage `json:"usage"`
}

type streamMessage struct {
	Model   string          `json:"model"`
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type streamBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

// decodeLine maps one stdout line onto an upstream message. Lines the relay
// has no use for (control responses, partial stream events, blank lines)
// decode to nil without error.
func decodeLine(line []byte) (upstream.Message, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, nil
	}
	var sl streamLine
	if err := json.Unmarshal(line, &sl); err != nil {
		return nil, errors.Wrap(err, "decode stream-json line")
	}

	switch sl.Type {
	case "assistant":
		return decodeAssistant(sl.Message)
	case "user":
		return decodeUser(sl.Message)
	case "system":
		data := map[string]any{}
		if err := json.Unmarshal(line, &data); err != nil {
			return nil, errors.Wrap(err, "decode system line")
		}
		return &upstream.SystemMessage{Subtype: sl.Subtype, Data: data}, nil
	case "result":
		return &upstream.ResultMessage{
			Subtype:      sl.Subtype,
			SessionID:    sl.SessionID,
			IsError:      sl.IsError,
			Result:       sl.Result,
			NumTurns:     sl.NumTurns,
			DurationMs:   sl.DurationMs,
			Usage:        upstream.NormalizeUsage(sl.Usage),
			TotalCostUSD: sl.TotalCostUSD,
		}, nil
	default:
		return nil, nil
	}
}

func decodeAssistant(m *streamMessage) (upstream.Message, error) {
	out := &upstream.AssistantMessage{}
	if m == nil {
		return out, nil
	}
	out.Model = m.Model
	blocks, text, err := decodeBlocks(m.Content)
	if err != nil {
		return nil, err
	}
	if text != "" {
		out.Content = append(out.Content, upstream.TextBlock{Text: text})
	}
	for _, b := range blocks {
		switch b.Type {
		case "text":
			out.Content = append(out.Content, upstream.TextBlock{Text: b.Text})
		case "tool_use":
			out.Content = append(out.Content, upstream.ToolUseBlock{ID: b.ID, Name: b.Name, Input: b.Input})
		}
	}
	return out, nil
}

func decodeUser(m *streamMessage) (upstream.Message, error) {
	out := &upstream.UserMessage{}
	if m == nil {
		return out, nil
	}
	blocks, _, err := decodeBlocks(m.Content)
	if err != nil {
		return nil, err
	}
	for _, b := range blocks {
		if b.Type != "tool_result" {
			continue
		}
		out.Content = append(out.Content, upstream.ToolResultBlock{
			ToolUseID: b.ToolUseID,
			Content:   toolResultContent(b.Content),
			IsError:   b.IsError,
		})
	}
	return out, nil
}

// decodeBlocks accepts message content that is either a plain string or an
// array of blocks.
func decodeBlocks(raw json.RawMessage) ([]streamBlock, string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, "", errors.Wrap(err, "decode message content")
		}
		return nil, s, nil
	}
	var blocks []streamBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, "", errors.Wrap(err, "decode message content")
	}
	return blocks, "", nil
}

// toolResultContent flattens tool output: strings pass through, text block
// arrays are joined by newlines, anything else is kept as raw JSON.
func toolResultContent(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []streamBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		parts := make([]string, 0, len(blocks))
		for _, b := range blocks {
			if b.Type == "text" {
				parts = append(parts, b.Text)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n")
		}
	}
	return string(raw)
}

type userLine struct {
	Type    string      `json:"type"`
	Message userMessage `json:"message"`
}

type userMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type controlRequest struct {
	Type      string         `json:"type"`
	RequestID string         `json:"request_id"`
	Request   map[string]any `json:"request"`
}
