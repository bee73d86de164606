// Package genai provides text completion backends using the OpenAI API.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/chatpipe/chatpipe/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultModel is the chat model used when none is configured.
const DefaultModel = openai.ChatModelGPT4oMini

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey    string
	BaseURL   string
	Model     string
	Streaming bool
}

// Option configures GenAI client construction.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL overrides the API endpoint, for OpenAI-compatible backends.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithStreaming enables incremental completions. When disabled the
// whole answer arrives as a single final chunk.
func WithStreaming(enabled bool) Option {
	return func(o *Opts) { o.Streaming = enabled }
}

// Client produces chat completions as a stream of growing answer
// snapshots.
type Client struct {
	client    openai.Client
	model     string
	streaming bool
}

// NewClient initializes a GenAI client from the provided options.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key not set")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	slog.Debug("GenAI.NewClient: client created", "model", model, "streaming", cfg.Streaming, "baseURL_set", cfg.BaseURL != "")
	return &Client{
		client:    openai.NewClient(reqOpts...),
		model:     model,
		streaming: cfg.Streaming,
	}, nil
}

// Complete sends the conversation to the model and returns a channel of
// answer snapshots. Each chunk carries the full answer accumulated so
// far; the last chunk has Final set. Errors, including context overflow
// wrapped as models.ErrContextOverflow, arrive on the channel. The
// channel is closed when the completion ends.
func (c *Client) Complete(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) <-chan models.Chunk {
	out := make(chan models.Chunk, 1)
	params := openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: messages,
	}
	if c.streaming {
		go c.completeStreaming(ctx, params, out)
	} else {
		go c.completeOnce(ctx, params, out)
	}
	return out
}

func (c *Client) completeOnce(ctx context.Context, params openai.ChatCompletionNewParams, out chan<- models.Chunk) {
	defer close(out)
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		emit(ctx, out, models.Chunk{Err: classifyErr(err)})
		return
	}
	if len(resp.Choices) == 0 {
		emit(ctx, out, models.Chunk{Err: fmt.Errorf("no choices returned")})
		return
	}
	emit(ctx, out, models.Chunk{Text: resp.Choices[0].Message.Content, Final: true})
}

func (c *Client) completeStreaming(ctx context.Context, params openai.ChatCompletionNewParams, out chan<- models.Chunk) {
	defer close(out)
	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var text strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		text.WriteString(delta)
		if !emit(ctx, out, models.Chunk{Text: text.String()}) {
			return
		}
	}
	if err := stream.Err(); err != nil {
		slog.Debug("GenAI.Complete: stream failed", "error", err, "partial_len", text.Len())
		emit(ctx, out, models.Chunk{Err: classifyErr(err)})
		return
	}
	emit(ctx, out, models.Chunk{Text: text.String(), Final: true})
}

// emit sends a chunk unless the consumer has gone away. The send must
// never block past ctx so an abandoned stream cannot strand this
// goroutine or keep the HTTP response open.
func emit(ctx context.Context, out chan<- models.Chunk, c models.Chunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// classifyErr maps API failures onto shared error values so callers can
// branch on the cause.
func classifyErr(err error) error {
	if isOverflow(err) {
		return fmt.Errorf("completion rejected: %w", models.ErrContextOverflow)
	}
	return fmt.Errorf("completion failed: %w", err)
}

// isOverflow reports whether err is the API's context length rejection.
func isOverflow(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == "context_length_exceeded" {
			return true
		}
		if apiErr.StatusCode == 400 && strings.Contains(apiErr.Message, "maximum context length") {
			return true
		}
	}
	return false
}
