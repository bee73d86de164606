// Package models defines the core data structures for chatpipe.
//
// It includes types for users, dialog turns, chat events, and completion
// chunks, which are shared across modules.
package models

import (
	"errors"
	"time"
)

// ParseMode selects the outward formatting applied to bot messages.
type ParseMode string

const (
	// ParseModeNone sends text without any formatting entities.
	ParseModeNone ParseMode = ""
	// ParseModeHTML renders HTML formatting tags.
	ParseModeHTML ParseMode = "html"
	// ParseModeMarkdown renders Markdown formatting.
	ParseModeMarkdown ParseMode = "markdown"
)

// MaxMessageLength is the outward channel's hard message size limit.
// Answers longer than this are truncated before sending or editing.
const MaxMessageLength = 4096

// Error variables shared across modules.
var (
	// ErrContextOverflow reports that the backend rejected a prompt as
	// exceeding its context window. The completion pipeline recovers from
	// it by trimming history.
	ErrContextOverflow = errors.New("prompt exceeds model context window")
	// ErrMessageTooLong reports that a single message with no remaining
	// history still overflows the context window. Not recoverable.
	ErrMessageTooLong = errors.New("message alone exceeds model context window")
	// ErrNotModified reports an edit rejected because the message content
	// did not change. Callers swallow it.
	ErrNotModified = errors.New("message is not modified")
	// ErrNoUser reports an operation on a user the store has never seen.
	ErrNoUser = errors.New("user does not exist")
)

// IsContextOverflow reports whether err is a context-overflow rejection.
func IsContextOverflow(err error) bool {
	return errors.Is(err, ErrContextOverflow)
}

// Turn is one user-message/bot-answer pair within a dialog.
type Turn struct {
	UserText  string    `json:"user"`
	BotText   string    `json:"bot"`
	Timestamp time.Time `json:"date"`
}

// User holds per-user state persisted by the store.
type User struct {
	ID               int64
	ChatID           int64
	Username         string
	FirstName        string
	LastName         string
	CurrentDialogID  string
	CurrentMode      string
	LastInteraction  time.Time
	NGeneratedImages int
	CreatedAt        time.Time
}

// MessageRef identifies a single outward message for later editing.
type MessageRef struct {
	ChatID    int64
	MessageID int
}

// EventKind distinguishes inbound chat event types.
type EventKind string

const (
	// EventMessage is a plain or command text message.
	EventMessage EventKind = "message"
	// EventEdited is an edit of a previously sent user message.
	EventEdited EventKind = "edited"
	// EventCallback is an inline keyboard button click.
	EventCallback EventKind = "callback"
)

// ChatEvent is an inbound event from the outward channel, normalized so
// the dispatcher does not depend on the channel's wire types.
type ChatEvent struct {
	Kind      EventKind
	UserID    int64
	ChatID    int64
	MessageID int
	Username  string
	FirstName string
	LastName  string
	Text      string
	// CallbackID and CallbackData are set only for EventCallback.
	CallbackID   string
	CallbackData string
	Time         time.Time
}

// Chunk is one element of a completion backend's answer sequence.
// Text carries the full answer accumulated so far (monotonically
// growing), not a delta. A single-shot backend yields exactly one
// final chunk.
type Chunk struct {
	Text  string
	Final bool
	Err   error
}

// KeyboardButton is one inline keyboard button.
type KeyboardButton struct {
	Text string
	Data string
}

// SendOptions carries optional parameters for outward sends.
type SendOptions struct {
	ParseMode ParseMode
	// ReplyTo, when non-zero, marks the message as a reply to the given
	// message id in the same chat.
	ReplyTo  int
	Keyboard [][]KeyboardButton
}
