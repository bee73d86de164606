// Package telegram provides the Telegram transport for chatpipe.
//
// It wraps the Bot API client, normalizes incoming updates into chat
// events, and exposes the outgoing operations the dispatcher needs.
package telegram

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chatpipe/chatpipe/internal/models"
	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
)

// eventBufferSize bounds the incoming event channel.
const eventBufferSize = 64

// Opts holds configuration options for the Telegram service.
type Opts struct {
	Token string
}

// Option configures Telegram service construction.
type Option func(*Opts)

// WithToken sets the bot token.
func WithToken(token string) Option {
	return func(o *Opts) { o.Token = token }
}

// Command describes one entry of the bot command menu.
type Command struct {
	Name        string
	Description string
}

// Service receives Telegram updates over long polling and sends
// messages on behalf of the dispatcher.
type Service struct {
	bot    *bot.Bot
	events chan models.ChatEvent
}

// NewService creates a Telegram service from the provided options.
func NewService(opts ...Option) (*Service, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("Telegram bot token not set")
	}

	s := &Service{events: make(chan models.ChatEvent, eventBufferSize)}
	b, err := bot.New(cfg.Token, bot.WithDefaultHandler(s.handleUpdate))
	if err != nil {
		slog.Error("TelegramService.NewService: failed to create bot", "error", err)
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	s.bot = b
	slog.Debug("TelegramService.NewService: bot created")
	return s, nil
}

// Start begins long polling in the background. The events channel is
// closed when ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	go func() {
		defer close(s.events)
		slog.Info("TelegramService.Start: long polling started")
		s.bot.Start(ctx)
		slog.Info("TelegramService.Start: long polling stopped")
	}()
}

// Events returns the channel of normalized incoming events.
func (s *Service) Events() <-chan models.ChatEvent {
	return s.events
}

// handleUpdate normalizes a raw update into a ChatEvent and queues it.
func (s *Service) handleUpdate(ctx context.Context, b *bot.Bot, update *tgmodels.Update) {
	var ev models.ChatEvent
	switch {
	case update.Message != nil && update.Message.From != nil:
		msg := update.Message
		ev = models.ChatEvent{
			Kind:      models.EventMessage,
			UserID:    msg.From.ID,
			ChatID:    msg.Chat.ID,
			MessageID: msg.ID,
			Username:  msg.From.Username,
			FirstName: msg.From.FirstName,
			LastName:  msg.From.LastName,
			Text:      msg.Text,
			Time:      time.Unix(int64(msg.Date), 0),
		}
	case update.EditedMessage != nil && update.EditedMessage.From != nil:
		msg := update.EditedMessage
		ev = models.ChatEvent{
			Kind:      models.EventEdited,
			UserID:    msg.From.ID,
			ChatID:    msg.Chat.ID,
			MessageID: msg.ID,
			Username:  msg.From.Username,
			Text:      msg.Text,
			Time:      time.Unix(int64(msg.Date), 0),
		}
	case update.CallbackQuery != nil:
		cb := update.CallbackQuery
		if cb.Message.Message == nil {
			slog.Debug("TelegramService.handleUpdate: callback without accessible message", "callbackID", cb.ID)
			return
		}
		ev = models.ChatEvent{
			Kind:         models.EventCallback,
			UserID:       cb.From.ID,
			ChatID:       cb.Message.Message.Chat.ID,
			MessageID:    cb.Message.Message.ID,
			Username:     cb.From.Username,
			FirstName:    cb.From.FirstName,
			LastName:     cb.From.LastName,
			CallbackID:   cb.ID,
			CallbackData: cb.Data,
			Time:         time.Now(),
		}
	default:
		return
	}

	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

// SendMessage sends a new message and returns a reference for later
// edits.
func (s *Service) SendMessage(ctx context.Context, chatID int64, text string, opts models.SendOptions) (models.MessageRef, error) {
	params := &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      text,
		ParseMode: toTelegramParseMode(opts.ParseMode),
	}
	if opts.ReplyTo != 0 {
		params.ReplyParameters = &tgmodels.ReplyParameters{MessageID: opts.ReplyTo}
	}
	if len(opts.Keyboard) > 0 {
		params.ReplyMarkup = toInlineKeyboard(opts.Keyboard)
	}
	msg, err := s.bot.SendMessage(ctx, params)
	if err != nil {
		slog.Error("TelegramService.SendMessage failed", "error", err, "chatID", chatID)
		return models.MessageRef{}, fmt.Errorf("failed to send message to chat %d: %w", chatID, mapAPIError(err))
	}
	return models.MessageRef{ChatID: chatID, MessageID: msg.ID}, nil
}

// EditMessage replaces the text of a previously sent message.
func (s *Service) EditMessage(ctx context.Context, ref models.MessageRef, text string, parseMode models.ParseMode) error {
	_, err := s.bot.EditMessageText(ctx, &bot.EditMessageTextParams{
		ChatID:    ref.ChatID,
		MessageID: ref.MessageID,
		Text:      text,
		ParseMode: toTelegramParseMode(parseMode),
	})
	if err != nil {
		return fmt.Errorf("failed to edit message %d in chat %d: %w", ref.MessageID, ref.ChatID, mapAPIError(err))
	}
	return nil
}

// SendPhoto uploads an image with an optional caption.
func (s *Service) SendPhoto(ctx context.Context, chatID int64, image []byte, caption string) error {
	_, err := s.bot.SendPhoto(ctx, &bot.SendPhotoParams{
		ChatID:  chatID,
		Photo:   &tgmodels.InputFileUpload{Filename: "image.png", Data: bytes.NewReader(image)},
		Caption: caption,
	})
	if err != nil {
		slog.Error("TelegramService.SendPhoto failed", "error", err, "chatID", chatID)
		return fmt.Errorf("failed to send photo to chat %d: %w", chatID, mapAPIError(err))
	}
	return nil
}

// SendTyping shows the "typing" indicator in the chat.
func (s *Service) SendTyping(ctx context.Context, chatID int64) error {
	_, err := s.bot.SendChatAction(ctx, &bot.SendChatActionParams{
		ChatID: chatID,
		Action: tgmodels.ChatActionTyping,
	})
	if err != nil {
		return fmt.Errorf("failed to send chat action to chat %d: %w", chatID, err)
	}
	return nil
}

// SendUploadingPhoto shows the "sending a photo" indicator in the chat.
func (s *Service) SendUploadingPhoto(ctx context.Context, chatID int64) error {
	_, err := s.bot.SendChatAction(ctx, &bot.SendChatActionParams{
		ChatID: chatID,
		Action: tgmodels.ChatActionUploadPhoto,
	})
	if err != nil {
		return fmt.Errorf("failed to send chat action to chat %d: %w", chatID, err)
	}
	return nil
}

// AnswerCallback acknowledges a callback query so the client stops
// showing a progress indicator.
func (s *Service) AnswerCallback(ctx context.Context, callbackID string) error {
	_, err := s.bot.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{CallbackQueryID: callbackID})
	if err != nil {
		return fmt.Errorf("failed to answer callback %s: %w", callbackID, err)
	}
	return nil
}

// SetCommands publishes the bot command menu.
func (s *Service) SetCommands(ctx context.Context, commands []Command) error {
	list := make([]tgmodels.BotCommand, 0, len(commands))
	for _, c := range commands {
		list = append(list, tgmodels.BotCommand{Command: c.Name, Description: c.Description})
	}
	_, err := s.bot.SetMyCommands(ctx, &bot.SetMyCommandsParams{Commands: list})
	if err != nil {
		slog.Error("TelegramService.SetCommands failed", "error", err)
		return fmt.Errorf("failed to set bot commands: %w", err)
	}
	return nil
}

// toTelegramParseMode maps the shared parse mode onto the Bot API
// value.
func toTelegramParseMode(pm models.ParseMode) tgmodels.ParseMode {
	switch pm {
	case models.ParseModeHTML:
		return tgmodels.ParseModeHTML
	case models.ParseModeMarkdown:
		return tgmodels.ParseModeMarkdown
	default:
		return ""
	}
}

// toInlineKeyboard converts button rows into Bot API reply markup.
func toInlineKeyboard(rows [][]models.KeyboardButton) *tgmodels.InlineKeyboardMarkup {
	markup := &tgmodels.InlineKeyboardMarkup{}
	for _, row := range rows {
		var out []tgmodels.InlineKeyboardButton
		for _, btn := range row {
			out = append(out, tgmodels.InlineKeyboardButton{Text: btn.Text, CallbackData: btn.Data})
		}
		markup.InlineKeyboard = append(markup.InlineKeyboard, out)
	}
	return markup
}

// mapAPIError converts recognizable Bot API failures into shared error
// values.
func mapAPIError(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "message is not modified") {
		return models.ErrNotModified
	}
	return err
}
