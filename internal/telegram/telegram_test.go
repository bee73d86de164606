package telegram

import (
	"context"
	"errors"
	"testing"

	"github.com/chatpipe/chatpipe/internal/models"
	tgmodels "github.com/go-telegram/bot/models"
)

func newTestService() *Service {
	return &Service{events: make(chan models.ChatEvent, 8)}
}

func TestHandleUpdateMessage(t *testing.T) {
	s := newTestService()
	s.handleUpdate(context.Background(), nil, &tgmodels.Update{
		Message: &tgmodels.Message{
			ID:   10,
			From: &tgmodels.User{ID: 1, Username: "alice", FirstName: "Alice"},
			Chat: tgmodels.Chat{ID: 100},
			Text: "hello",
			Date: 1700000000,
		},
	})

	select {
	case ev := <-s.events:
		if ev.Kind != models.EventMessage {
			t.Errorf("expected EventMessage, got %v", ev.Kind)
		}
		if ev.UserID != 1 || ev.ChatID != 100 || ev.MessageID != 10 {
			t.Errorf("unexpected identifiers: %+v", ev)
		}
		if ev.Text != "hello" || ev.Username != "alice" {
			t.Errorf("unexpected content: %+v", ev)
		}
	default:
		t.Fatal("expected an event to be queued")
	}
}

func TestHandleUpdateEditedMessage(t *testing.T) {
	s := newTestService()
	s.handleUpdate(context.Background(), nil, &tgmodels.Update{
		EditedMessage: &tgmodels.Message{
			ID:   11,
			From: &tgmodels.User{ID: 1},
			Chat: tgmodels.Chat{ID: 100},
			Text: "edited",
		},
	})

	ev := <-s.events
	if ev.Kind != models.EventEdited {
		t.Errorf("expected EventEdited, got %v", ev.Kind)
	}
}

func TestHandleUpdateCallback(t *testing.T) {
	s := newTestService()
	s.handleUpdate(context.Background(), nil, &tgmodels.Update{
		CallbackQuery: &tgmodels.CallbackQuery{
			ID:   "cb1",
			From: tgmodels.User{ID: 2, Username: "bob"},
			Data: "set_chat_mode|assistant",
			Message: tgmodels.MaybeInaccessibleMessage{
				Message: &tgmodels.Message{ID: 12, Chat: tgmodels.Chat{ID: 200}},
			},
		},
	})

	ev := <-s.events
	if ev.Kind != models.EventCallback {
		t.Fatalf("expected EventCallback, got %v", ev.Kind)
	}
	if ev.CallbackID != "cb1" || ev.CallbackData != "set_chat_mode|assistant" {
		t.Errorf("unexpected callback fields: %+v", ev)
	}
	if ev.ChatID != 200 || ev.MessageID != 12 {
		t.Errorf("unexpected message reference: %+v", ev)
	}
}

func TestHandleUpdateIgnoresUnknown(t *testing.T) {
	s := newTestService()
	s.handleUpdate(context.Background(), nil, &tgmodels.Update{})
	select {
	case ev := <-s.events:
		t.Errorf("expected no event, got %+v", ev)
	default:
	}
}

func TestToTelegramParseMode(t *testing.T) {
	tests := []struct {
		in   models.ParseMode
		want tgmodels.ParseMode
	}{
		{models.ParseModeHTML, tgmodels.ParseModeHTML},
		{models.ParseModeMarkdown, tgmodels.ParseModeMarkdown},
		{models.ParseModeNone, ""},
	}
	for _, tt := range tests {
		if got := toTelegramParseMode(tt.in); got != tt.want {
			t.Errorf("toTelegramParseMode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestToInlineKeyboard(t *testing.T) {
	markup := toInlineKeyboard([][]models.KeyboardButton{
		{{Text: "A", Data: "set_chat_mode|a"}, {Text: "B", Data: "set_chat_mode|b"}},
		{{Text: "C", Data: "set_chat_mode|c"}},
	})
	if len(markup.InlineKeyboard) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(markup.InlineKeyboard))
	}
	if len(markup.InlineKeyboard[0]) != 2 || len(markup.InlineKeyboard[1]) != 1 {
		t.Errorf("unexpected row sizes: %v", markup.InlineKeyboard)
	}
	if markup.InlineKeyboard[0][1].CallbackData != "set_chat_mode|b" {
		t.Errorf("unexpected callback data: %q", markup.InlineKeyboard[0][1].CallbackData)
	}
}

func TestMapAPIError(t *testing.T) {
	err := mapAPIError(errors.New("Bad Request: message is not modified"))
	if !errors.Is(err, models.ErrNotModified) {
		t.Errorf("expected ErrNotModified, got %v", err)
	}
	other := errors.New("Bad Request: message to edit not found")
	if got := mapAPIError(other); !errors.Is(got, other) {
		t.Errorf("expected error to pass through, got %v", got)
	}
	if mapAPIError(nil) != nil {
		t.Error("expected nil to map to nil")
	}
}
