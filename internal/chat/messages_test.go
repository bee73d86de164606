package chat

import (
	"testing"

	"github.com/chatpipe/chatpipe/internal/models"
	"github.com/chatpipe/chatpipe/internal/modes"
)

func TestBuildMessagesWithSystemPrompt(t *testing.T) {
	mode := modes.Mode{Key: "assistant", PromptStart: "You are helpful."}
	history := []models.Turn{
		{UserText: "one", BotText: "ans one"},
		{UserText: "two", BotText: "ans two"},
	}
	msgs := BuildMessages(mode, history, "three")

	if len(msgs) != 6 {
		t.Fatalf("expected 6 messages, got %d", len(msgs))
	}
	if msgs[0].OfSystem == nil {
		t.Error("expected first message to be the system prompt")
	}
	if msgs[1].OfUser == nil || msgs[2].OfAssistant == nil {
		t.Error("expected history as alternating user/assistant messages")
	}
	if msgs[5].OfUser == nil {
		t.Error("expected last message to be the new user message")
	}
	if got := msgs[5].OfUser.Content.OfString.Value; got != "three" {
		t.Errorf("expected last user message %q, got %q", "three", got)
	}
	if got := msgs[1].OfUser.Content.OfString.Value; got != "one" {
		t.Errorf("expected oldest turn first, got %q", got)
	}
}

func TestBuildMessagesWithoutSystemPrompt(t *testing.T) {
	msgs := BuildMessages(modes.Mode{Key: "image"}, nil, "a cat")
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].OfUser == nil {
		t.Error("expected the sole message to be the user message")
	}
}
