// Package modes provides the chat mode registry.
//
// Modes are loaded once at startup, either from a YAML file or from the
// built-in defaults, and are immutable afterwards. Declaration order
// defines the 1-based numeric menu used for selection by number.
package modes

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/chatpipe/chatpipe/internal/models"
	"gopkg.in/yaml.v3"
)

// ImageKey is the mode key that routes messages to image generation
// instead of text completion.
const ImageKey = "image"

// DefaultKey is the mode assigned to newly registered users.
const DefaultKey = "assistant"

// Mode is one chat mode configuration record.
type Mode struct {
	Key            string `yaml:"key"`
	Name           string `yaml:"name"`
	PromptStart    string `yaml:"prompt_start"`
	ParseMode      string `yaml:"parse_mode"`
	WelcomeMessage string `yaml:"welcome_message"`
}

// Registry is an ordered, read-only set of modes.
type Registry struct {
	list  []Mode
	byKey map[string]int
}

// New builds a registry from the given modes, validating keys and parse
// modes and preserving order.
func New(list []Mode) (*Registry, error) {
	if len(list) == 0 {
		return nil, fmt.Errorf("mode registry cannot be empty")
	}
	byKey := make(map[string]int, len(list))
	for i, m := range list {
		if m.Key == "" {
			return nil, fmt.Errorf("mode at position %d has no key", i+1)
		}
		if _, dup := byKey[m.Key]; dup {
			return nil, fmt.Errorf("duplicate mode key %q", m.Key)
		}
		switch m.ParseMode {
		case "html", "markdown":
		default:
			return nil, fmt.Errorf("mode %q: unsupported parse_mode %q", m.Key, m.ParseMode)
		}
		byKey[m.Key] = i
	}
	return &Registry{list: list, byKey: byKey}, nil
}

// Load reads a registry from a YAML file containing a top-level list of
// mode records.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read modes file: %w", err)
	}
	var list []Mode
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to parse modes file %s: %w", path, err)
	}
	reg, err := New(list)
	if err != nil {
		return nil, fmt.Errorf("invalid modes file %s: %w", path, err)
	}
	slog.Info("modes.Load: registry loaded", "path", path, "count", reg.Count())
	return reg, nil
}

// Default returns the built-in mode registry used when no modes file is
// configured.
func Default() *Registry {
	reg, err := New([]Mode{
		{
			Key:            "assistant",
			Name:           "👩🏼‍🎓 General Assistant",
			PromptStart:    "As an advanced chatbot named ChatGPT, your primary goal is to assist users to the best of your ability.",
			ParseMode:      "html",
			WelcomeMessage: "👩🏼‍🎓 Hi, I'm <b>General Assistant</b>. How can I help you?",
		},
		{
			Key:            "code_assistant",
			Name:           "👩🏼‍💻 Code Assistant",
			PromptStart:    "As an advanced chatbot named ChatGPT, your primary goal is to assist users to write code.",
			ParseMode:      "markdown",
			WelcomeMessage: "👩🏼‍💻 Hi, I'm *Code Assistant*. How can I help you?",
		},
		{
			Key:            "text_improver",
			Name:           "📝 Text Improver",
			PromptStart:    "As an advanced chatbot named ChatGPT, your primary goal is to correct spelling, fix mistakes and improve text sent by user.",
			ParseMode:      "html",
			WelcomeMessage: "📝 Hi, I'm <b>Text Improver</b>. Send me any text.",
		},
		{
			Key:            ImageKey,
			Name:           "🎨 Artist",
			PromptStart:    "",
			ParseMode:      "html",
			WelcomeMessage: "🎨 Hi, I'm <b>Artist</b>. Describe an image and I will generate it for you.",
		},
	})
	if err != nil {
		// The built-in set is static; a failure here is a programming error.
		panic(err)
	}
	return reg
}

// Count returns the number of registered modes.
func (r *Registry) Count() int { return len(r.list) }

// List returns the modes in declaration order.
func (r *Registry) List() []Mode { return r.list }

// ByKey returns the mode with the given key.
func (r *Registry) ByKey(key string) (Mode, bool) {
	i, ok := r.byKey[key]
	if !ok {
		return Mode{}, false
	}
	return r.list[i], true
}

// ByNumber returns the mode at the 1-based menu position n.
func (r *Registry) ByNumber(n int) (Mode, bool) {
	if n < 1 || n > len(r.list) {
		return Mode{}, false
	}
	return r.list[n-1], true
}

// OutputParseMode converts a mode's configured parse mode into the
// shared outward formatting type.
func (m Mode) OutputParseMode() models.ParseMode {
	if m.ParseMode == "markdown" {
		return models.ParseModeMarkdown
	}
	return models.ParseModeHTML
}
