// Package chat implements the conversation pipeline: building model
// context from dialog history, retrying on context overflow, and
// relaying streamed answers to the chat message.
package chat

import (
	"github.com/chatpipe/chatpipe/internal/models"
	"github.com/chatpipe/chatpipe/internal/modes"
	"github.com/openai/openai-go"
)

// BuildMessages assembles the model context: the mode's system prompt,
// the dialog history oldest first, then the new user message.
func BuildMessages(mode modes.Mode, history []models.Turn, userText string) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2*len(history)+2)
	if mode.PromptStart != "" {
		messages = append(messages, openai.SystemMessage(mode.PromptStart))
	}
	for _, turn := range history {
		messages = append(messages, openai.UserMessage(turn.UserText))
		messages = append(messages, openai.AssistantMessage(turn.BotText))
	}
	messages = append(messages, openai.UserMessage(userText))
	return messages
}
