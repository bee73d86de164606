// Package bot implements the chatpipe dispatcher: it consumes
// normalized chat events, maintains user and dialog state, and drives
// the completion pipeline.
package bot

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chatpipe/chatpipe/internal/gate"
	"github.com/chatpipe/chatpipe/internal/models"
	"github.com/chatpipe/chatpipe/internal/modes"
	"github.com/chatpipe/chatpipe/internal/store"
)

// DefaultDialogTimeout is how long a dialog stays current without user
// activity before a new one is started automatically.
const DefaultDialogTimeout = 600 * time.Second

// Channel is the outward messaging surface required by the dispatcher.
// Implemented by telegram.Service.
type Channel interface {
	SendMessage(ctx context.Context, chatID int64, text string, opts models.SendOptions) (models.MessageRef, error)
	EditMessage(ctx context.Context, ref models.MessageRef, text string, parseMode models.ParseMode) error
	SendPhoto(ctx context.Context, chatID int64, image []byte, caption string) error
	SendTyping(ctx context.Context, chatID int64) error
	SendUploadingPhoto(ctx context.Context, chatID int64) error
	AnswerCallback(ctx context.Context, callbackID string) error
}

// CompletionEngine produces answer streams for a user message.
// Implemented by chat.Engine.
type CompletionEngine interface {
	Run(ctx context.Context, mode modes.Mode, history []models.Turn, userText string) (<-chan models.Chunk, int, error)
}

// ImageGenerator produces an image for a text prompt. Implemented by
// kandinsky.Client.
type ImageGenerator interface {
	Generate(ctx context.Context, prompt string) ([]byte, error)
}

// Opts holds configuration options for the dispatcher.
type Opts struct {
	DialogTimeout    time.Duration
	AllowedUsernames []string
	ImageGenerator   ImageGenerator
}

// Option configures dispatcher construction.
type Option func(*Opts)

// WithDialogTimeout sets the inactivity window after which a new dialog
// is started automatically.
func WithDialogTimeout(d time.Duration) Option {
	return func(o *Opts) { o.DialogTimeout = d }
}

// WithAllowedUsernames restricts the bot to the listed usernames. An
// empty list allows everyone.
func WithAllowedUsernames(usernames []string) Option {
	return func(o *Opts) { o.AllowedUsernames = usernames }
}

// WithImageGenerator enables the image generation mode.
func WithImageGenerator(g ImageGenerator) Option {
	return func(o *Opts) { o.ImageGenerator = g }
}

// Dispatcher routes chat events to handlers. Each event is processed
// in its own goroutine; the per-user gate keeps at most one completion
// running per user.
type Dispatcher struct {
	channel Channel
	store   store.Store
	engine  CompletionEngine
	images  ImageGenerator
	modes   *modes.Registry
	gate    *gate.Gate

	dialogTimeout time.Duration
	allowed       map[string]bool

	// pendingModeSelection tracks users who were shown the mode menu
	// and are expected to reply with a number. The value is the menu
	// message, edited in place once a mode is chosen.
	pendingMu            sync.Mutex
	pendingModeSelection map[int64]models.MessageRef

	wg sync.WaitGroup
}

// New creates a dispatcher from its collaborators and options.
func New(channel Channel, st store.Store, engine CompletionEngine, registry *modes.Registry, opts ...Option) *Dispatcher {
	cfg := Opts{DialogTimeout: DefaultDialogTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	allowed := make(map[string]bool, len(cfg.AllowedUsernames))
	for _, name := range cfg.AllowedUsernames {
		allowed[name] = true
	}
	return &Dispatcher{
		channel:              channel,
		store:                st,
		engine:               engine,
		images:               cfg.ImageGenerator,
		modes:                registry,
		gate:                 gate.New(),
		dialogTimeout:        cfg.DialogTimeout,
		allowed:              allowed,
		pendingModeSelection: make(map[int64]models.MessageRef),
	}
}

// Run consumes events until the channel closes or ctx is cancelled,
// then waits for in-flight handlers to finish.
func (d *Dispatcher) Run(ctx context.Context, events <-chan models.ChatEvent) {
	slog.Info("Dispatcher.Run: event loop started", "dialogTimeout", d.dialogTimeout, "allowlist", len(d.allowed))
	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			slog.Info("Dispatcher.Run: event loop stopped", "reason", "context cancelled")
			return
		case ev, ok := <-events:
			if !ok {
				d.wg.Wait()
				slog.Info("Dispatcher.Run: event loop stopped", "reason", "events channel closed")
				return
			}
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				d.handleEvent(ctx, ev)
			}()
		}
	}
}

// handleEvent dispatches one event, recovering from handler panics so a
// single bad update cannot take down the loop.
func (d *Dispatcher) handleEvent(ctx context.Context, ev models.ChatEvent) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Dispatcher.handleEvent: handler panicked", "panic", r, "userID", ev.UserID, "kind", ev.Kind)
			d.sendText(ctx, ev.ChatID, msgInternalError)
		}
	}()

	if len(d.allowed) > 0 && !d.allowed[ev.Username] {
		slog.Warn("Dispatcher.handleEvent: ignoring user not in allow list", "userID", ev.UserID, "username", ev.Username)
		return
	}

	if err := d.ensureUser(ev); err != nil {
		slog.Error("Dispatcher.handleEvent: failed to register user", "error", err, "userID", ev.UserID)
		d.sendText(ctx, ev.ChatID, msgInternalError)
		return
	}

	switch ev.Kind {
	case models.EventMessage:
		d.handleMessage(ctx, ev)
	case models.EventEdited:
		d.sendText(ctx, ev.ChatID, msgEditedNotSupported)
	case models.EventCallback:
		d.handleCallback(ctx, ev)
	}
}

// ensureUser registers first-time users and opens their first dialog.
func (d *Dispatcher) ensureUser(ev models.ChatEvent) error {
	exists, err := d.store.UserExists(ev.UserID)
	if err != nil {
		return err
	}
	if !exists {
		now := time.Now()
		err := d.store.CreateUser(models.User{
			ID:              ev.UserID,
			ChatID:          ev.ChatID,
			Username:        ev.Username,
			FirstName:       ev.FirstName,
			LastName:        ev.LastName,
			CurrentMode:     modes.DefaultKey,
			LastInteraction: now,
			CreatedAt:       now,
		})
		if err != nil {
			return err
		}
		slog.Info("Dispatcher.ensureUser: new user registered", "userID", ev.UserID, "username", ev.Username)
	}

	user, err := d.store.GetUser(ev.UserID)
	if err != nil {
		return err
	}
	if user.CurrentDialogID == "" {
		if _, err := d.store.StartNewDialog(ev.UserID, user.CurrentMode); err != nil {
			return err
		}
	}
	return nil
}

// sendBusy asks the user to wait for their in-flight request, replying
// to the message that was rejected.
func (d *Dispatcher) sendBusy(ctx context.Context, ev models.ChatEvent) {
	_, err := d.channel.SendMessage(ctx, ev.ChatID, msgBusy, models.SendOptions{
		ParseMode: models.ParseModeHTML,
		ReplyTo:   ev.MessageID,
	})
	if err != nil {
		slog.Error("Dispatcher.sendBusy failed", "error", err, "chatID", ev.ChatID)
	}
}

// sendText sends a plain HTML-formatted message, logging failures.
func (d *Dispatcher) sendText(ctx context.Context, chatID int64, text string) {
	if _, err := d.channel.SendMessage(ctx, chatID, text, models.SendOptions{ParseMode: models.ParseModeHTML}); err != nil {
		slog.Error("Dispatcher.sendText failed", "error", err, "chatID", chatID)
	}
}

// expectModeSelection records the menu message shown to the user. A
// newer menu replaces an older pending one.
func (d *Dispatcher) expectModeSelection(userID int64, menu models.MessageRef) {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	d.pendingModeSelection[userID] = menu
}

// consumeModeSelection clears the pending selection if set, returning
// the recorded menu message.
func (d *Dispatcher) consumeModeSelection(userID int64) (models.MessageRef, bool) {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	menu, ok := d.pendingModeSelection[userID]
	if ok {
		delete(d.pendingModeSelection, userID)
	}
	return menu, ok
}

// modeSelectionPending reports whether the user has the mode menu open.
func (d *Dispatcher) modeSelectionPending(userID int64) bool {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	_, ok := d.pendingModeSelection[userID]
	return ok
}
