package bot

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/chatpipe/chatpipe/internal/chat"
	"github.com/chatpipe/chatpipe/internal/models"
	"github.com/chatpipe/chatpipe/internal/modes"
)

// handleMessage processes a plain text message: command routing, mode
// selection replies, image prompts, and finally the completion
// pipeline.
func (d *Dispatcher) handleMessage(ctx context.Context, ev models.ChatEvent) {
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return
	}

	if strings.HasPrefix(text, "/") {
		if d.handleCommand(ctx, ev, text) {
			return
		}
		// Unknown commands are treated as ordinary messages.
	}

	if d.modeSelectionPending(ev.UserID) {
		if d.trySelectModeByNumber(ctx, ev, text) {
			return
		}
		// Anything else leaves the menu open and is answered normally.
	}

	user, err := d.store.GetUser(ev.UserID)
	if err != nil {
		slog.Error("Dispatcher.handleMessage: failed to load user", "error", err, "userID", ev.UserID)
		d.sendText(ctx, ev.ChatID, msgInternalError)
		return
	}
	if user.CurrentMode == modes.ImageKey {
		d.handleImagePrompt(ctx, ev, text)
		return
	}

	d.runCompletion(ctx, ev, text, true)
}

// runCompletion admits one message through the per-user gate and drives
// it through the completion pipeline.
func (d *Dispatcher) runCompletion(ctx context.Context, ev models.ChatEvent, text string, applyTimeout bool) {
	if !d.gate.TryAcquire(ev.UserID) {
		d.sendBusy(ctx, ev)
		return
	}
	defer d.gate.Release(ev.UserID)
	d.complete(ctx, ev, text, applyTimeout)
}

// complete runs an admitted message through the rest of the pipeline.
// The caller must hold the user's gate. applyTimeout is false when
// replaying a message via /retry.
func (d *Dispatcher) complete(ctx context.Context, ev models.ChatEvent, text string, applyTimeout bool) {
	// Cancelling on return releases the completion stream when the
	// relay aborts before consuming it.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	user, err := d.store.GetUser(ev.UserID)
	if err != nil {
		slog.Error("Dispatcher.complete: failed to load user", "error", err, "userID", ev.UserID)
		d.sendText(ctx, ev.ChatID, msgInternalError)
		return
	}

	mode, ok := d.modes.ByKey(user.CurrentMode)
	if !ok {
		slog.Warn("Dispatcher.complete: unknown mode, falling back to default", "userID", ev.UserID, "mode", user.CurrentMode)
		mode, _ = d.modes.ByKey(modes.DefaultKey)
	}

	if applyTimeout && d.dialogTimeout > 0 && time.Since(user.LastInteraction) > d.dialogTimeout {
		turns, err := d.store.DialogTurns(ev.UserID)
		if err == nil && len(turns) > 0 {
			if _, err := d.store.StartNewDialog(ev.UserID, user.CurrentMode); err != nil {
				slog.Error("Dispatcher.complete: failed to reset timed out dialog", "error", err, "userID", ev.UserID)
			} else {
				slog.Info("Dispatcher.complete: dialog reset after timeout", "userID", ev.UserID, "idle", time.Since(user.LastInteraction))
				d.sendText(ctx, ev.ChatID, timeoutNotice(mode.Name))
			}
		}
	}

	if err := d.store.SetLastInteraction(ev.UserID, time.Now()); err != nil {
		slog.Error("Dispatcher.complete: failed to record interaction", "error", err, "userID", ev.UserID)
	}

	placeholder, err := d.channel.SendMessage(ctx, ev.ChatID, msgPlaceholder, models.SendOptions{ReplyTo: ev.MessageID})
	if err != nil {
		slog.Error("Dispatcher.complete: failed to send placeholder", "error", err, "chatID", ev.ChatID)
		return
	}
	if err := d.channel.SendTyping(ctx, ev.ChatID); err != nil {
		slog.Debug("Dispatcher.complete: failed to send typing action", "error", err, "chatID", ev.ChatID)
	}

	history, err := d.store.DialogTurns(ev.UserID)
	if err != nil {
		slog.Error("Dispatcher.complete: failed to load history", "error", err, "userID", ev.UserID)
		d.editBestEffort(ctx, placeholder, msgInternalError)
		return
	}

	chunks, trimmed, err := d.engine.Run(ctx, mode, history, text)
	if err != nil {
		if errors.Is(err, models.ErrMessageTooLong) {
			d.editBestEffort(ctx, placeholder, msgMessageTooLong)
			return
		}
		slog.Error("Dispatcher.complete: completion failed", "error", err, "userID", ev.UserID)
		d.editBestEffort(ctx, placeholder, completionErrorNotice(err))
		return
	}

	answer, err := chat.Relay(ctx, chunks, mode.OutputParseMode(), func(ctx context.Context, text string, pm models.ParseMode) error {
		return d.channel.EditMessage(ctx, placeholder, text, pm)
	})
	if err != nil {
		slog.Error("Dispatcher.complete: relay failed", "error", err, "userID", ev.UserID)
		d.editBestEffort(ctx, placeholder, completionErrorNotice(err))
		return
	}
	if answer == "" {
		d.editBestEffort(ctx, placeholder, msgEmptyAnswer)
		return
	}

	turn := models.Turn{UserText: text, BotText: answer, Timestamp: time.Now()}
	if err := d.store.AppendTurn(ev.UserID, turn); err != nil {
		slog.Error("Dispatcher.complete: failed to store turn", "error", err, "userID", ev.UserID)
	}

	if trimmed > 0 {
		d.sendText(ctx, ev.ChatID, trimNotice(trimmed))
	}
}

// handleImagePrompt generates an image for the prompt in image mode.
func (d *Dispatcher) handleImagePrompt(ctx context.Context, ev models.ChatEvent, prompt string) {
	if d.images == nil {
		d.sendText(ctx, ev.ChatID, msgImagesOff)
		return
	}
	if !d.gate.TryAcquire(ev.UserID) {
		d.sendBusy(ctx, ev)
		return
	}
	defer d.gate.Release(ev.UserID)

	if err := d.store.SetLastInteraction(ev.UserID, time.Now()); err != nil {
		slog.Error("Dispatcher.handleImagePrompt: failed to record interaction", "error", err, "userID", ev.UserID)
	}
	if err := d.channel.SendUploadingPhoto(ctx, ev.ChatID); err != nil {
		slog.Debug("Dispatcher.handleImagePrompt: failed to send chat action", "error", err, "chatID", ev.ChatID)
	}

	image, err := d.images.Generate(ctx, prompt)
	if err != nil {
		slog.Error("Dispatcher.handleImagePrompt: generation failed", "error", err, "userID", ev.UserID)
		d.sendText(ctx, ev.ChatID, imageErrorNotice(err))
		return
	}
	if err := d.channel.SendPhoto(ctx, ev.ChatID, image, ""); err != nil {
		slog.Error("Dispatcher.handleImagePrompt: failed to send photo", "error", err, "chatID", ev.ChatID)
		return
	}
	if err := d.store.AppendTurn(ev.UserID, models.Turn{UserText: prompt, Timestamp: time.Now()}); err != nil {
		slog.Error("Dispatcher.handleImagePrompt: failed to store turn", "error", err, "userID", ev.UserID)
	}
	if err := d.store.IncrementGeneratedImages(ev.UserID, 1); err != nil {
		slog.Error("Dispatcher.handleImagePrompt: failed to update image counter", "error", err, "userID", ev.UserID)
	}
}

// editBestEffort replaces the placeholder text, logging failures.
func (d *Dispatcher) editBestEffort(ctx context.Context, ref models.MessageRef, text string) {
	if err := d.channel.EditMessage(ctx, ref, text, models.ParseModeHTML); err != nil && !errors.Is(err, models.ErrNotModified) {
		slog.Error("Dispatcher: failed to edit message", "error", err, "chatID", ref.ChatID, "messageID", ref.MessageID)
	}
}
