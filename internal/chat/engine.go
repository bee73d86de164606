package chat

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/chatpipe/chatpipe/internal/models"
	"github.com/chatpipe/chatpipe/internal/modes"
	"github.com/openai/openai-go"
)

// Completer produces an answer stream for a prepared conversation.
// Implemented by genai.Client.
type Completer interface {
	Complete(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) <-chan models.Chunk
}

// Engine runs completions against a backend, dropping the oldest dialog
// turns when the conversation no longer fits the model's context
// window. The stored dialog is never modified; trimming only narrows
// the view sent to the model.
type Engine struct {
	completer Completer
}

func NewEngine(c Completer) *Engine {
	return &Engine{completer: c}
}

// Run starts a completion for the user's message with as much history
// as fits. On context overflow it retries with the oldest turn removed
// until the request is accepted. Returns the answer stream and the
// number of turns dropped. When even the bare message is rejected the
// error wraps models.ErrMessageTooLong.
func (e *Engine) Run(ctx context.Context, mode modes.Mode, history []models.Turn, userText string) (<-chan models.Chunk, int, error) {
	for trimmed := 0; ; trimmed++ {
		in := e.completer.Complete(ctx, BuildMessages(mode, history[trimmed:], userText))
		first, ok := <-in
		if ok && first.Err != nil && models.IsContextOverflow(first.Err) {
			if trimmed == len(history) {
				return nil, trimmed, fmt.Errorf("message does not fit in context window: %w", models.ErrMessageTooLong)
			}
			slog.Debug("Engine.Run: context overflow, dropping oldest turn", "trimmed", trimmed+1, "historyLen", len(history))
			continue
		}

		// Forward honouring ctx so an abandoned consumer does not
		// strand the backend producer.
		out := make(chan models.Chunk, 1)
		go func() {
			defer close(out)
			if ok {
				select {
				case out <- first:
				case <-ctx.Done():
					return
				}
			}
			for c := range in {
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			}
		}()
		return out, trimmed, nil
	}
}
