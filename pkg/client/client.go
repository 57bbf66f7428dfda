// Package client talks to a running relay over HTTP.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-go-golems/assistant-relay/pkg/relay"
	"github.com/go-go-golems/assistant-relay/pkg/session"
)

const maxFrameSize = 10 * 1024 * 1024

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code   int
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return http.StatusText(e.Code)
	}
	return http.StatusText(e.Code) + ": " + e.Detail
}

type Client struct {
	baseURL string
	http    *http.Client
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{baseURL: strings.TrimRight(baseURL, "/"), http: http.DefaultClient}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Chat sends message and calls fn for every event of the turn, including the
// final done event. It returns the session id the relay used.
func (c *Client) Chat(ctx context.Context, sessionID, message string, fn func(relay.Event) error) (string, error) {
	body, err := json.Marshal(map[string]string{"message": message, "session_id": sessionID})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "build chat request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.http.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "send chat request")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode/100 != 2 {
		return "", statusError(resp)
	}
	sid := resp.Header.Get("X-Session-ID")
	if err := readEvents(resp.Body, fn); err != nil {
		return sid, err
	}
	return sid, nil
}

// readEvents decodes `data:` frames until the stream ends or a done event
// arrives.
func readEvents(r io.Reader, fn func(relay.Event) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxFrameSize)
	for sc.Scan() {
		line := sc.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		var ev relay.Event
		if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &ev); err != nil {
			return errors.Wrap(err, "decode event")
		}
		if fn != nil {
			if err := fn(ev); err != nil {
				return err
			}
		}
		if ev.Type == relay.EventDone {
			return nil
		}
	}
	if err := sc.Err(); err != nil {
		return errors.Wrap(err, "read event stream")
	}
	return errors.New("event stream ended without done")
}

func (c *Client) NewSession(ctx context.Context) (string, error) {
	var out struct {
		SessionID string `json:"session_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/new-session", nil, &out); err != nil {
		return "", err
	}
	return out.SessionID, nil
}

func (c *Client) Interrupt(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, "/api/interrupt", map[string]string{"session_id": sessionID}, nil)
}

func (c *Client) Clear(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, "/api/clear", map[string]string{"session_id": sessionID}, nil)
}

func (c *Client) Session(ctx context.Context, sessionID string) (session.Info, error) {
	var info session.Info
	err := c.do(ctx, http.MethodGet, "/api/session/"+sessionID, nil, &info)
	return info, err
}

func (c *Client) Sessions(ctx context.Context) ([]session.Info, error) {
	var infos []session.Info
	err := c.do(ctx, http.MethodGet, "/api/sessions", nil, &infos)
	return infos, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return errors.Wrapf(err, "build %s %s", method, path)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode/100 != 2 {
		return statusError(resp)
	}
	if out == nil {
		return nil
	}
	return errors.Wrap(json.NewDecoder(resp.Body).Decode(out), "decode response")
}

func statusError(resp *http.Response) error {
	var body struct {
		Detail string `json:"detail"`
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if json.Unmarshal(b, &body) != nil {
		body.Detail = strings.TrimSpace(string(b))
	}
	return &StatusError{Code: resp.StatusCode, Detail: body.Detail}
}
