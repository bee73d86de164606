package chat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/chatpipe/chatpipe/internal/models"
)

const (
	// updateThreshold is the minimum number of new runes between
	// intermediate message edits.
	updateThreshold = 100
	// editDelay spaces consecutive edits to stay under chat API rate
	// limits.
	editDelay = 10 * time.Millisecond
)

// UpdateFunc applies an answer snapshot to the outgoing chat message.
type UpdateFunc func(ctx context.Context, text string, parseMode models.ParseMode) error

// Relay consumes an answer stream and drives throttled edits of the
// chat message. Intermediate snapshots are applied only after
// updateThreshold new runes; the final snapshot is always applied.
// Text is truncated to the chat message limit. Edits rejected with
// models.ErrNotModified are ignored; other edit failures are retried
// once without formatting before giving up.
//
// Returns the full answer text (untruncated) once the stream ends.
func Relay(ctx context.Context, chunks <-chan models.Chunk, parseMode models.ParseMode, update UpdateFunc) (string, error) {
	var answer string
	sentLen := 0
	for c := range chunks {
		if c.Err != nil {
			return answer, c.Err
		}
		answer = c.Text
		runes := []rune(answer)
		if !c.Final && len(runes)-sentLen < updateThreshold {
			continue
		}
		if len(runes) == 0 {
			// Nothing to show; the caller decides how to report an
			// empty answer.
			continue
		}

		text := answer
		if len(runes) > models.MaxMessageLength {
			text = string(runes[:models.MaxMessageLength])
		}
		if err := apply(ctx, update, text, parseMode); err != nil {
			return answer, err
		}
		sentLen = len(runes)

		if !c.Final {
			select {
			case <-time.After(editDelay):
			case <-ctx.Done():
				return answer, ctx.Err()
			}
		}
	}
	return answer, nil
}

// apply performs one edit, degrading to unformatted text when the chat
// API rejects the formatted version.
func apply(ctx context.Context, update UpdateFunc, text string, parseMode models.ParseMode) error {
	err := update(ctx, text, parseMode)
	if err == nil || errors.Is(err, models.ErrNotModified) {
		return nil
	}
	if parseMode == models.ParseModeNone {
		return err
	}
	slog.Debug("Relay: formatted edit failed, retrying without formatting", "error", err)
	err = update(ctx, text, models.ParseModeNone)
	if err == nil || errors.Is(err, models.ErrNotModified) {
		return nil
	}
	return err
}
