package webchat

import (
	"errors"

	"github.com/gorilla/websocket"

	"github.com/go-go-golems/assistant-relay/pkg/profiles"
)

// RouterOption configures optional dependencies for a Router.
type RouterOption func(*Router) error

func WithProfiles(store *profiles.Store) RouterOption {
	return func(r *Router) error {
		if store == nil {
			return errors.New("profile store is nil")
		}
		r.profiles = store
		return nil
	}
}

// WithStreamHub enables the /ws watch endpoint.
func WithStreamHub(h *StreamHub) RouterOption {
	return func(r *Router) error {
		if h == nil {
			return errors.New("stream hub is nil")
		}
		r.streamHub = h
		return nil
	}
}

func WithAllowedOrigins(origins []string) RouterOption {
	return func(r *Router) error {
		r.allowedOrigins = append([]string(nil), origins...)
		return nil
	}
}

func WithWebSocketUpgrader(u websocket.Upgrader) RouterOption {
	return func(r *Router) error {
		r.upgrader = u
		r.customUpgrader = true
		return nil
	}
}

func WithIDGenerator(fn func() string) RouterOption {
	return func(r *Router) error {
		if fn == nil {
			return errors.New("id generator is nil")
		}
		r.newID = fn
		return nil
	}
}
