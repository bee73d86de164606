package modes

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultRegistry(t *testing.T) {
	reg := Default()
	if reg.Count() == 0 {
		t.Fatal("expected default registry to be non-empty")
	}
	if _, ok := reg.ByKey(DefaultKey); !ok {
		t.Errorf("expected default registry to contain key %q", DefaultKey)
	}
	if _, ok := reg.ByKey(ImageKey); !ok {
		t.Errorf("expected default registry to contain key %q", ImageKey)
	}
}

func TestByNumberFollowsDeclarationOrder(t *testing.T) {
	reg, err := New([]Mode{
		{Key: "a", Name: "A", ParseMode: "html"},
		{Key: "b", Name: "B", ParseMode: "markdown"},
		{Key: "c", Name: "C", ParseMode: "html"},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	for i, want := range []string{"a", "b", "c"} {
		m, ok := reg.ByNumber(i + 1)
		if !ok {
			t.Fatalf("ByNumber(%d) returned no mode", i+1)
		}
		if m.Key != want {
			t.Errorf("expected mode %q at position %d, got %q", want, i+1, m.Key)
		}
	}
	if _, ok := reg.ByNumber(0); ok {
		t.Error("expected ByNumber(0) to fail")
	}
	if _, ok := reg.ByNumber(4); ok {
		t.Error("expected ByNumber past end to fail")
	}
}

func TestNewRejectsInvalidModes(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Error("expected error for empty registry")
	}
	if _, err := New([]Mode{{Key: "", Name: "X", ParseMode: "html"}}); err == nil {
		t.Error("expected error for missing key")
	}
	if _, err := New([]Mode{
		{Key: "a", Name: "A", ParseMode: "html"},
		{Key: "a", Name: "A2", ParseMode: "html"},
	}); err == nil {
		t.Error("expected error for duplicate key")
	}
	if _, err := New([]Mode{{Key: "a", Name: "A", ParseMode: "plain"}}); err == nil {
		t.Error("expected error for unsupported parse mode")
	}
}

func TestLoadYAMLFile(t *testing.T) {
	content := `- key: helper
  name: "Helper"
  prompt_start: "You help."
  parse_mode: html
  welcome_message: "Hi"
- key: coder
  name: "Coder"
  prompt_start: "You code."
  parse_mode: markdown
  welcome_message: "Hey"
`
	path := filepath.Join(t.TempDir(), "modes.yml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	reg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if reg.Count() != 2 {
		t.Errorf("expected 2 modes, got %d", reg.Count())
	}
	m, ok := reg.ByKey("coder")
	if !ok {
		t.Fatal("expected mode coder to be present")
	}
	if m.ParseMode != "markdown" {
		t.Errorf("expected parse_mode markdown, got %q", m.ParseMode)
	}
	if got := m.OutputParseMode(); got != "markdown" {
		t.Errorf("expected output parse mode markdown, got %q", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Error("expected error for missing file")
	}
}
