package webchat

import (
	"github.com/go-go-golems/assistant-relay/pkg/session"
)

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

// SessionRequest is the body of the interrupt and clear endpoints.
type SessionRequest struct {
	SessionID string `json:"session_id"`
}

// SessionConfigRequest is the body of POST /api/session-with-config and
// PUT /api/session/{id}/config. Profile names a preset the remaining fields
// are laid over.
type SessionConfigRequest struct {
	Profile        string   `json:"profile,omitempty"`
	SystemPrompt   *string  `json:"system_prompt,omitempty"`
	AllowedTools   []string `json:"allowed_tools,omitempty"`
	MaxTurns       *int     `json:"max_turns,omitempty"`
	PermissionMode *string  `json:"permission_mode,omitempty"`
	Cwd            *string  `json:"cwd,omitempty"`
}

// Apply lays the request fields that are set over base.
func (r SessionConfigRequest) Apply(base session.Config) session.Config {
	out := base.Clone()
	if r.SystemPrompt != nil {
		v := *r.SystemPrompt
		out.SystemPrompt = &v
	}
	if r.AllowedTools != nil {
		out.AllowedTools = append([]string(nil), r.AllowedTools...)
	}
	if r.MaxTurns != nil {
		v := *r.MaxTurns
		out.MaxTurns = &v
	}
	if r.PermissionMode != nil && *r.PermissionMode != "" {
		out.PermissionMode = *r.PermissionMode
	}
	if r.Cwd != nil {
		v := *r.Cwd
		out.Cwd = &v
	}
	if out.PermissionMode == "" {
		out.PermissionMode = session.DefaultPermissionMode
	}
	return out
}

type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

type SessionResponse struct {
	SessionID string `json:"session_id"`
}

type StatusResponse struct {
	Status    string `json:"status"`
	SessionID string `json:"session_id"`
}

type ProfilesResponse struct {
	Profiles []string `json:"profiles"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}
