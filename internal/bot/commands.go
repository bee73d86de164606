package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/chatpipe/chatpipe/internal/models"
	"github.com/chatpipe/chatpipe/internal/modes"
)

// callbackModePrefix marks mode selection callback data:
// "set_chat_mode|<key>".
const callbackModePrefix = "set_chat_mode|"

// handleCommand routes slash commands. Returns false for unknown
// commands so they are treated as plain text.
func (d *Dispatcher) handleCommand(ctx context.Context, ev models.ChatEvent, text string) bool {
	cmd := strings.Fields(text)[0]
	// Commands in group chats may carry a "@botname" suffix.
	if i := strings.Index(cmd, "@"); i > 0 {
		cmd = cmd[:i]
	}

	switch cmd {
	case "/start":
		d.commandStart(ctx, ev)
	case "/help":
		d.sendText(ctx, ev.ChatID, helpText)
	case "/new":
		d.commandNew(ctx, ev)
	case "/mode":
		d.commandMode(ctx, ev)
	case "/retry":
		d.commandRetry(ctx, ev)
	default:
		return false
	}
	return true
}

func (d *Dispatcher) commandStart(ctx context.Context, ev models.ChatEvent) {
	user, err := d.store.GetUser(ev.UserID)
	if err != nil {
		slog.Error("Dispatcher.commandStart: failed to load user", "error", err, "userID", ev.UserID)
		d.sendText(ctx, ev.ChatID, msgInternalError)
		return
	}
	if err := d.store.SetLastInteraction(ev.UserID, time.Now()); err != nil {
		slog.Error("Dispatcher.commandStart: failed to record interaction", "error", err, "userID", ev.UserID)
	}
	if _, err := d.store.StartNewDialog(ev.UserID, user.CurrentMode); err != nil {
		slog.Error("Dispatcher.commandStart: failed to start dialog", "error", err, "userID", ev.UserID)
		d.sendText(ctx, ev.ChatID, msgInternalError)
		return
	}
	d.sendText(ctx, ev.ChatID, msgGreeting)
}

func (d *Dispatcher) commandNew(ctx context.Context, ev models.ChatEvent) {
	if !d.gate.TryAcquire(ev.UserID) {
		d.sendBusy(ctx, ev)
		return
	}
	defer d.gate.Release(ev.UserID)

	user, err := d.store.GetUser(ev.UserID)
	if err != nil {
		slog.Error("Dispatcher.commandNew: failed to load user", "error", err, "userID", ev.UserID)
		d.sendText(ctx, ev.ChatID, msgInternalError)
		return
	}
	if _, err := d.store.StartNewDialog(ev.UserID, user.CurrentMode); err != nil {
		slog.Error("Dispatcher.commandNew: failed to start dialog", "error", err, "userID", ev.UserID)
		d.sendText(ctx, ev.ChatID, msgInternalError)
		return
	}
	d.sendText(ctx, ev.ChatID, msgNewDialog)
	if mode, ok := d.modes.ByKey(user.CurrentMode); ok && mode.WelcomeMessage != "" {
		d.sendText(ctx, ev.ChatID, mode.WelcomeMessage)
	}
}

// commandMode shows the numbered mode menu with inline buttons and
// starts expecting a numeric reply.
func (d *Dispatcher) commandMode(ctx context.Context, ev models.ChatEvent) {
	if d.gate.Held(ev.UserID) {
		d.sendBusy(ctx, ev)
		return
	}
	if err := d.store.SetLastInteraction(ev.UserID, time.Now()); err != nil {
		slog.Error("Dispatcher.commandMode: failed to record interaction", "error", err, "userID", ev.UserID)
	}

	list := d.modes.List()
	var b strings.Builder
	b.WriteString(modeMenuHeader(len(list)))
	var keyboard [][]models.KeyboardButton
	for i, m := range list {
		fmt.Fprintf(&b, "\n%d. %s", i+1, m.Name)
		keyboard = append(keyboard, []models.KeyboardButton{{
			Text: m.Name,
			Data: callbackModePrefix + m.Key,
		}})
	}

	menu, err := d.channel.SendMessage(ctx, ev.ChatID, b.String(), models.SendOptions{
		ParseMode: models.ParseModeHTML,
		Keyboard:  keyboard,
	})
	if err != nil {
		slog.Error("Dispatcher.commandMode: failed to send menu", "error", err, "chatID", ev.ChatID)
		return
	}
	d.expectModeSelection(ev.UserID, menu)
}

// commandRetry removes the last turn and replays its user message. The
// gate is taken before the pop so a busy rejection leaves the dialog
// untouched.
func (d *Dispatcher) commandRetry(ctx context.Context, ev models.ChatEvent) {
	if !d.gate.TryAcquire(ev.UserID) {
		d.sendBusy(ctx, ev)
		return
	}
	defer d.gate.Release(ev.UserID)

	last, ok, err := d.store.PopLastTurn(ev.UserID)
	if err != nil {
		slog.Error("Dispatcher.commandRetry: failed to pop last turn", "error", err, "userID", ev.UserID)
		d.sendText(ctx, ev.ChatID, msgInternalError)
		return
	}
	if !ok {
		d.sendText(ctx, ev.ChatID, msgNothingToRetry)
		return
	}
	d.complete(ctx, ev, last.UserText, false)
}

// handleCallback applies a mode chosen via inline button.
func (d *Dispatcher) handleCallback(ctx context.Context, ev models.ChatEvent) {
	if err := d.channel.AnswerCallback(ctx, ev.CallbackID); err != nil {
		slog.Debug("Dispatcher.handleCallback: failed to answer callback", "error", err, "callbackID", ev.CallbackID)
	}
	key, found := strings.CutPrefix(ev.CallbackData, callbackModePrefix)
	if !found {
		slog.Warn("Dispatcher.handleCallback: unrecognized callback data", "data", ev.CallbackData)
		return
	}
	mode, ok := d.modes.ByKey(key)
	if !ok {
		slog.Warn("Dispatcher.handleCallback: unknown mode key", "key", key)
		return
	}
	d.consumeModeSelection(ev.UserID)
	// The callback's own message is the menu.
	d.applyMode(ctx, ev, mode, models.MessageRef{ChatID: ev.ChatID, MessageID: ev.MessageID})
}

// trySelectModeByNumber consumes a numeric reply to the mode menu.
// Returns false for anything that is not a valid menu position, leaving
// the menu open.
func (d *Dispatcher) trySelectModeByNumber(ctx context.Context, ev models.ChatEvent, text string) bool {
	n, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil {
		return false
	}
	mode, ok := d.modes.ByNumber(n)
	if !ok {
		return false
	}
	menu, _ := d.consumeModeSelection(ev.UserID)
	d.applyMode(ctx, ev, mode, menu)
	return true
}

// applyMode switches the user to the mode, starting a fresh dialog, and
// replaces the menu message with the mode's welcome text.
func (d *Dispatcher) applyMode(ctx context.Context, ev models.ChatEvent, mode modes.Mode, menu models.MessageRef) {
	if _, err := d.store.StartNewDialog(ev.UserID, mode.Key); err != nil {
		slog.Error("Dispatcher.applyMode: failed to start dialog", "error", err, "userID", ev.UserID, "mode", mode.Key)
		d.sendText(ctx, ev.ChatID, msgInternalError)
		return
	}
	slog.Info("Dispatcher.applyMode: chat mode changed", "userID", ev.UserID, "mode", mode.Key)
	if mode.WelcomeMessage == "" {
		return
	}
	if menu.MessageID != 0 {
		if err := d.channel.EditMessage(ctx, menu, mode.WelcomeMessage, mode.OutputParseMode()); err != nil {
			slog.Error("Dispatcher.applyMode: failed to edit menu message", "error", err, "chatID", menu.ChatID)
		}
		return
	}
	if _, err := d.channel.SendMessage(ctx, ev.ChatID, mode.WelcomeMessage, models.SendOptions{ParseMode: mode.OutputParseMode()}); err != nil {
		slog.Error("Dispatcher.applyMode: failed to send welcome", "error", err, "chatID", ev.ChatID)
	}
}
