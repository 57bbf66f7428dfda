// Package claudecli drives the assistant CLI as a long-lived subprocess in
// stream-json mode: one JSON line per user turn on stdin, one JSON line per
// message on stdout.
package claudecli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/assistant-relay/pkg/upstream"
)

const (
	DefaultPath = "claude"

	maxLineSize = 10 * 1024 * 1024
	stopTimeout = 5 * time.Second
	lineBacklog = 64
)

type Config struct {
	// Path is the CLI executable, resolved through PATH when relative.
	Path  string
	Model string
	// ExtraArgs are appended verbatim after the generated flags.
	ExtraArgs []string
	// Env, when non-nil, replaces the subprocess environment.
	Env []string
}

// NewFactory returns an upstream.Factory building unconnected CLI clients.
func NewFactory(cfg Config) upstream.Factory {
	return func(opts upstream.Options) (upstream.Connection, error) {
		return New(cfg, opts), nil
	}
}

type Client struct {
	cfg  Config
	opts upstream.Options

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	lines   chan []byte
	closing chan struct{}
	exited  chan struct{}
	readErr error
	waitErr error
	reqSeq  int
	// abandoned counts turns whose consumer stopped before their result
	// line; their remaining output is discarded by the next receive.
	abandoned int
}

var _ upstream.Connection = (*Client)(nil)

func New(cfg Config, opts upstream.Options) *Client {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	return &Client{cfg: cfg, opts: opts}
}

// Args returns the command line flags derived from the config and options.
func (c *Client) Args() []string {
	args := []string{
		"--print",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	}
	if c.cfg.Model != "" {
		args = append(args, "--model", c.cfg.Model)
	}
	if c.opts.SystemPrompt != "" {
		args = append(args, "--system-prompt", c.opts.SystemPrompt)
	}
	if len(c.opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(c.opts.AllowedTools, ","))
	}
	if c.opts.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(c.opts.MaxTurns))
	}
	if c.opts.PermissionMode != "" {
		args = append(args, "--permission-mode", c.opts.PermissionMode)
	}
	return append(args, c.cfg.ExtraArgs...)
}

// Connect starts the subprocess. The process outlives ctx; it is stopped by
// Disconnect.
func (c *Client) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd != nil {
		return errors.New("claude cli already connected")
	}

	cmd := exec.Command(c.cfg.Path, c.Args()...)
	cmd.Dir = c.opts.Cwd
	if c.cfg.Env != nil {
		cmd.Env = c.cfg.Env
	}
	cmd.Stderr = &stderrLogger{}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.Wrap(err, "create stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "create stdout pipe")
	}
	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "start %s", c.cfg.Path)
	}

	c.cmd = cmd
	c.stdin = stdin
	c.lines = make(chan []byte, lineBacklog)
	c.closing = make(chan struct{})
	c.exited = make(chan struct{})
	go c.readLoop(cmd, stdout, c.lines, c.closing, c.exited)

	log.Info().Str("component", "claudecli").Int("pid", cmd.Process.Pid).Str("cwd", cmd.Dir).Msg("claude cli started")
	return nil
}

func (c *Client) readLoop(cmd *exec.Cmd, stdout io.Reader, lines chan<- []byte, closing <-chan struct{}, exited chan<- struct{}) {
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for sc.Scan() {
		line := bytes.Clone(sc.Bytes())
		log.Trace().Str("component", "claudecli").Bytes("line", line).Msg("stdout")
		select {
		case lines <- line:
		case <-closing:
		}
	}
	readErr := sc.Err()
	close(lines)
	waitErr := cmd.Wait()

	c.mu.Lock()
	c.readErr = readErr
	c.waitErr = waitErr
	c.mu.Unlock()
	close(exited)
}

func (c *Client) writeLine(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encode stdin line")
	}
	b = append(b, '\n')
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stdin == nil {
		return errors.New("claude cli not connected")
	}
	if _, err := c.stdin.Write(b); err != nil {
		return errors.Wrap(err, "write to claude cli")
	}
	return nil
}

func (c *Client) Query(ctx context.Context, prompt string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.writeLine(userLine{
		Type:    "user",
		Message: userMessage{Role: "user", Content: prompt},
	})
}

// ReceiveResponse yields decoded stdout messages until the turn's result
// message, ctx cancellation or process exit. Output still pending from turns
// abandoned before their result is skipped first.
func (c *Client) ReceiveResponse(ctx context.Context) iter.Seq2[upstream.Message, error] {
	c.mu.Lock()
	lines := c.lines
	c.mu.Unlock()

	return func(yield func(upstream.Message, error) bool) {
		if lines == nil {
			yield(nil, errors.New("claude cli not connected"))
			return
		}
		for {
			select {
			case <-ctx.Done():
				c.abandon()
				yield(nil, ctx.Err())
				return
			case line, ok := <-lines:
				if !ok {
					yield(nil, c.exitError())
					return
				}
				msg, err := decodeLine(line)
				if err != nil {
					log.Warn().Err(err).Str("component", "claudecli").Msg("skipping undecodable line")
					continue
				}
				if msg == nil || c.skipAbandoned(msg) {
					continue
				}
				_, done := msg.(*upstream.ResultMessage)
				if !yield(msg, nil) {
					if !done {
						c.abandon()
					}
					return
				}
				if done {
					return
				}
			}
		}
	}
}

func (c *Client) abandon() {
	c.mu.Lock()
	c.abandoned++
	c.mu.Unlock()
	log.Debug().Str("component", "claudecli").Msg("turn abandoned before its result, tail will be discarded")
}

// skipAbandoned reports whether msg belongs to an abandoned turn.
func (c *Client) skipAbandoned(msg upstream.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.abandoned == 0 {
		return false
	}
	if _, ok := msg.(*upstream.ResultMessage); ok {
		c.abandoned--
	}
	return true
}

func (c *Client) exitError() error {
	c.mu.Lock()
	exited := c.exited
	c.mu.Unlock()
	if exited != nil {
		<-exited
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return errors.Wrap(c.readErr, "read claude cli output")
	}
	if c.waitErr != nil {
		return errors.Wrap(c.waitErr, "claude cli exited")
	}
	return errors.New("claude cli exited before the turn completed")
}

// Interrupt asks the CLI to abort the current turn.
func (c *Client) Interrupt(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.reqSeq++
	id := fmt.Sprintf("req_%d", c.reqSeq)
	c.mu.Unlock()
	return c.writeLine(controlRequest{
		Type:      "control_request",
		RequestID: id,
		Request:   map[string]any{"subtype": "interrupt"},
	})
}

// Disconnect closes stdin and waits for the process, killing it when it does
// not exit in time.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	cmd := c.cmd
	stdin := c.stdin
	closing := c.closing
	exited := c.exited
	c.cmd = nil
	c.stdin = nil
	c.mu.Unlock()
	if cmd == nil {
		return nil
	}

	close(closing)
	if stdin != nil {
		_ = stdin.Close()
	}

	timer := time.NewTimer(stopTimeout)
	defer timer.Stop()
	select {
	case <-exited:
		log.Info().Str("component", "claudecli").Int("pid", cmd.Process.Pid).Msg("claude cli stopped")
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	if err := cmd.Process.Kill(); err != nil {
		return errors.Wrap(err, "kill claude cli")
	}
	log.Warn().Str("component", "claudecli").Int("pid", cmd.Process.Pid).Msg("claude cli force killed")
	return nil
}

// stderrLogger forwards subprocess stderr to the debug log line by line.
type stderrLogger struct {
	buf bytes.Buffer
}

func (w *stderrLogger) Write(p []byte) (int, error) {
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// keep the partial line for the next write
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		log.Debug().Str("component", "claudecli").Str("stderr", strings.TrimRight(line, "\r\n")).Msg("claude cli stderr")
	}
	return len(p), nil
}
