package session

import (
	"slices"
	"time"

	"github.com/go-go-golems/assistant-relay/pkg/upstream"
)

const DefaultPermissionMode = "acceptEdits"

// Config is the behavioral configuration of one session incarnation. It is
// reapplied verbatim when the session is cleared.
type Config struct {
	SystemPrompt   *string   `json:"system_prompt" yaml:"system_prompt,omitempty"`
	AllowedTools   []string  `json:"allowed_tools" yaml:"allowed_tools,omitempty"`
	MaxTurns       *int      `json:"max_turns" yaml:"max_turns,omitempty"`
	PermissionMode string    `json:"permission_mode" yaml:"permission_mode,omitempty"`
	Cwd            *string   `json:"cwd" yaml:"cwd,omitempty"`
	CreatedAt      time.Time `json:"-" yaml:"-"`
}

func DefaultConfig() Config {
	return Config{PermissionMode: DefaultPermissionMode, CreatedAt: time.Now()}
}

// Clone returns a deep copy, so callers cannot alias the registry's state.
func (c Config) Clone() Config {
	out := c
	out.AllowedTools = slices.Clone(c.AllowedTools)
	if c.SystemPrompt != nil {
		v := *c.SystemPrompt
		out.SystemPrompt = &v
	}
	if c.MaxTurns != nil {
		v := *c.MaxTurns
		out.MaxTurns = &v
	}
	if c.Cwd != nil {
		v := *c.Cwd
		out.Cwd = &v
	}
	return out
}

// UpstreamOptions maps the config onto the adapter options.
func (c Config) UpstreamOptions() upstream.Options {
	opts := upstream.Options{
		AllowedTools:   slices.Clone(c.AllowedTools),
		PermissionMode: c.PermissionMode,
	}
	if opts.PermissionMode == "" {
		opts.PermissionMode = DefaultPermissionMode
	}
	if c.SystemPrompt != nil {
		opts.SystemPrompt = *c.SystemPrompt
	}
	if c.MaxTurns != nil {
		opts.MaxTurns = *c.MaxTurns
	}
	if c.Cwd != nil {
		opts.Cwd = *c.Cwd
	}
	return opts
}

// HistoryMessage is a recorded exchange. Messages are kept for inspection
// only and are never replayed upstream.
type HistoryMessage struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// History accumulates usage across the turns of a session. Totals only grow.
type History struct {
	Messages    []HistoryMessage
	TotalTokens int64
	TotalCost   float64
}

func (h History) Clone() History {
	h.Messages = slices.Clone(h.Messages)
	return h
}

// Info is the externally visible snapshot of a session.
type Info struct {
	SessionID string      `json:"session_id"`
	Active    bool        `json:"active"`
	Config    ConfigInfo  `json:"config"`
	History   HistoryInfo `json:"history"`
}

type ConfigInfo struct {
	SystemPrompt   *string  `json:"system_prompt"`
	AllowedTools   []string `json:"allowed_tools"`
	MaxTurns       *int     `json:"max_turns"`
	PermissionMode string   `json:"permission_mode"`
	Cwd            *string  `json:"cwd"`
	CreatedAt      string   `json:"created_at"`
}

type HistoryInfo struct {
	MessageCount int     `json:"message_count"`
	TotalTokens  int64   `json:"total_tokens"`
	TotalCost    float64 `json:"total_cost"`
}

func newInfo(id string, active bool, cfg Config, h History) Info {
	c := cfg.Clone()
	tools := c.AllowedTools
	if tools == nil {
		tools = []string{}
	}
	return Info{
		SessionID: id,
		Active:    active,
		Config: ConfigInfo{
			SystemPrompt:   c.SystemPrompt,
			AllowedTools:   tools,
			MaxTurns:       c.MaxTurns,
			PermissionMode: c.PermissionMode,
			Cwd:            c.Cwd,
			CreatedAt:      c.CreatedAt.Format(time.RFC3339Nano),
		},
		History: HistoryInfo{
			MessageCount: len(h.Messages),
			TotalTokens:  h.TotalTokens,
			TotalCost:    h.TotalCost,
		},
	}
}
