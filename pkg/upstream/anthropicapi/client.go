// Package anthropicapi is an upstream adapter talking to the Messages API
// directly. It keeps the conversation history in memory and streams each
// turn, so it works without the CLI installed. Tool execution is not
// available in this mode.
package anthropicapi

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/assistant-relay/pkg/upstream"
)

const (
	DefaultModel     = "claude-sonnet-4-20250514"
	DefaultMaxTokens = 4096
)

type Config struct {
	// APIKey falls back to the SDK's environment lookup when empty.
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int64
	// Prices in USD per million tokens, used to derive the turn cost.
	InputPricePerMTok  float64
	OutputPricePerMTok float64
	MaxRetries         int
}

func NewFactory(cfg Config) upstream.Factory {
	return func(opts upstream.Options) (upstream.Connection, error) {
		return New(cfg, opts), nil
	}
}

type Client struct {
	cfg  Config
	opts upstream.Options

	mu          sync.Mutex
	client      *anthropic.Client
	history     []anthropic.MessageParam
	pending     string
	hasPending  bool
	cancel      context.CancelFunc
	interrupted bool
}

var _ upstream.Connection = (*Client)(nil)

func New(cfg Config, opts upstream.Options) *Client {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	return &Client{cfg: cfg, opts: opts}
}

func (c *Client) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	reqOpts := []option.RequestOption{option.WithMaxRetries(c.cfg.MaxRetries)}
	if c.cfg.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(c.cfg.APIKey))
	}
	if c.cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(c.cfg.BaseURL))
	}
	client := anthropic.NewClient(reqOpts...)

	c.mu.Lock()
	c.client = &client
	c.history = nil
	c.mu.Unlock()

	if len(c.opts.AllowedTools) > 0 || c.opts.Cwd != "" {
		log.Debug().Str("component", "anthropicapi").Msg("allowed tools and cwd are ignored by the api upstream")
	}
	return nil
}

func (c *Client) Query(ctx context.Context, prompt string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return errors.New("anthropic client not connected")
	}
	c.pending = prompt
	c.hasPending = true
	return nil
}

func (c *Client) params(messages []anthropic.MessageParam) anthropic.MessageNewParams {
	p := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.cfg.Model),
		MaxTokens: c.cfg.MaxTokens,
		Messages:  messages,
	}
	if c.opts.SystemPrompt != "" {
		p.System = []anthropic.TextBlockParam{{Text: c.opts.SystemPrompt}}
	}
	// tools stay undeclared: this upstream cannot execute them
	return p
}

// ReceiveResponse streams the pending query. Text deltas are yielded as they
// arrive. No tools are declared in the request, so a turn only carries text
// and ends with its result.
func (c *Client) ReceiveResponse(ctx context.Context) iter.Seq2[upstream.Message, error] {
	return func(yield func(upstream.Message, error) bool) {
		c.mu.Lock()
		if c.client == nil || !c.hasPending {
			c.mu.Unlock()
			yield(nil, errors.New("no query pending"))
			return
		}
		client := c.client
		user := anthropic.NewUserMessage(anthropic.NewTextBlock(c.pending))
		messages := append(append([]anthropic.MessageParam(nil), c.history...), user)
		c.hasPending = false
		turnCtx, cancel := context.WithCancel(ctx)
		c.cancel = cancel
		c.interrupted = false
		c.mu.Unlock()
		defer func() {
			cancel()
			c.mu.Lock()
			c.cancel = nil
			c.mu.Unlock()
		}()

		start := time.Now()
		stream := client.Messages.NewStreaming(turnCtx, c.params(messages))
		defer func() { _ = stream.Close() }()

		acc := anthropic.Message{}
		for stream.Next() {
			ev := stream.Current()
			if err := acc.Accumulate(ev); err != nil {
				yield(nil, errors.Wrap(err, "accumulate stream event"))
				return
			}
			if ev.Type == "content_block_delta" && ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
				msg := &upstream.AssistantMessage{Model: c.cfg.Model, Content: []upstream.ContentBlock{upstream.TextBlock{Text: ev.Delta.Text}}}
				if !yield(msg, nil) {
					return
				}
			}
		}

		c.mu.Lock()
		interrupted := c.interrupted
		c.mu.Unlock()

		if err := stream.Err(); err != nil {
			if interrupted {
				yield(c.result(acc, start, "interrupted", true), nil)
				return
			}
			yield(nil, errors.Wrap(err, "anthropic stream"))
			return
		}

		c.mu.Lock()
		c.history = append(messages, acc.ToParam())
		c.mu.Unlock()

		yield(c.result(acc, start, "success", false), nil)
	}
}

func (c *Client) result(acc anthropic.Message, start time.Time, subtype string, isError bool) *upstream.ResultMessage {
	usage := &upstream.Usage{InputTokens: acc.Usage.InputTokens, OutputTokens: acc.Usage.OutputTokens}
	var text string
	for _, b := range acc.Content {
		if b.Type == "text" {
			text += b.Text
		}
	}
	return &upstream.ResultMessage{
		Subtype:      subtype,
		SessionID:    acc.ID,
		IsError:      isError,
		Result:       text,
		NumTurns:     1,
		DurationMs:   time.Since(start).Milliseconds(),
		Usage:        usage,
		TotalCostUSD: c.cost(usage),
	}
}

func (c *Client) cost(u *upstream.Usage) float64 {
	return (float64(u.InputTokens)*c.cfg.InputPricePerMTok + float64(u.OutputTokens)*c.cfg.OutputPricePerMTok) / 1e6
}

// Interrupt cancels the in-flight stream. The partial turn is not added to
// the conversation history.
func (c *Client) Interrupt(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel == nil {
		return errors.New("no turn in flight")
	}
	c.interrupted = true
	c.cancel()
	return nil
}

func (c *Client) Disconnect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	c.client = nil
	c.history = nil
	c.hasPending = false
	return nil
}
