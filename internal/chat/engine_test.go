package chat

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/chatpipe/chatpipe/internal/models"
	"github.com/chatpipe/chatpipe/internal/modes"
	"github.com/openai/openai-go"
)

// fakeCompleter rejects requests carrying more than maxTurns history
// turns with a context overflow, otherwise it plays back chunks.
type fakeCompleter struct {
	maxTurns int
	chunks   []models.Chunk
	calls    int
	lastLen  int
}

func (f *fakeCompleter) Complete(ctx context.Context, msgs []openai.ChatCompletionMessageParamUnion) <-chan models.Chunk {
	f.calls++
	f.lastLen = len(msgs)
	out := make(chan models.Chunk, len(f.chunks)+1)
	defer close(out)

	turns := 0
	for _, m := range msgs {
		if m.OfAssistant != nil {
			turns++
		}
	}
	if turns > f.maxTurns {
		out <- models.Chunk{Err: fmt.Errorf("rejected: %w", models.ErrContextOverflow)}
		return out
	}
	for _, c := range f.chunks {
		out <- c
	}
	return out
}

func collect(t *testing.T, ch <-chan models.Chunk) (string, error) {
	t.Helper()
	var text string
	for c := range ch {
		if c.Err != nil {
			return text, c.Err
		}
		text = c.Text
	}
	return text, nil
}

func testMode() modes.Mode {
	return modes.Mode{Key: "assistant", PromptStart: "You are helpful."}
}

func makeHistory(n int) []models.Turn {
	history := make([]models.Turn, n)
	for i := range history {
		history[i] = models.Turn{UserText: fmt.Sprintf("q%d", i), BotText: fmt.Sprintf("a%d", i)}
	}
	return history
}

func TestRunFitsWithoutTrimming(t *testing.T) {
	fake := &fakeCompleter{
		maxTurns: 10,
		chunks:   []models.Chunk{{Text: "Hello"}, {Text: "Hello world", Final: true}},
	}
	engine := NewEngine(fake)

	ch, trimmed, err := engine.Run(context.Background(), testMode(), makeHistory(3), "hi")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if trimmed != 0 {
		t.Errorf("expected 0 trimmed turns, got %d", trimmed)
	}
	text, err := collect(t, ch)
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}
	if text != "Hello world" {
		t.Errorf("expected answer %q, got %q", "Hello world", text)
	}
	if fake.calls != 1 {
		t.Errorf("expected 1 completion call, got %d", fake.calls)
	}
}

func TestRunTrimsOldestTurnsOnOverflow(t *testing.T) {
	fake := &fakeCompleter{
		maxTurns: 2,
		chunks:   []models.Chunk{{Text: "answer", Final: true}},
	}
	engine := NewEngine(fake)

	ch, trimmed, err := engine.Run(context.Background(), testMode(), makeHistory(5), "hi")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if trimmed != 3 {
		t.Errorf("expected 3 trimmed turns, got %d", trimmed)
	}
	// 3 rejected attempts plus the accepted one.
	if fake.calls != 4 {
		t.Errorf("expected 4 completion calls, got %d", fake.calls)
	}
	// system + 2 remaining turns + new message.
	if fake.lastLen != 6 {
		t.Errorf("expected 6 messages in accepted request, got %d", fake.lastLen)
	}
	if text, err := collect(t, ch); err != nil || text != "answer" {
		t.Errorf("expected answer %q, got %q (err %v)", "answer", text, err)
	}
}

func TestRunLoneMessageOverflow(t *testing.T) {
	fake := &fakeCompleter{maxTurns: -1}
	engine := NewEngine(fake)

	_, trimmed, err := engine.Run(context.Background(), testMode(), makeHistory(2), "enormous")
	if !errors.Is(err, models.ErrMessageTooLong) {
		t.Fatalf("expected ErrMessageTooLong, got %v", err)
	}
	if trimmed != 2 {
		t.Errorf("expected all 2 turns trimmed before giving up, got %d", trimmed)
	}
}

func TestRunEmptyHistoryOverflow(t *testing.T) {
	fake := &fakeCompleter{maxTurns: -1}
	engine := NewEngine(fake)

	_, _, err := engine.Run(context.Background(), testMode(), nil, "enormous")
	if !errors.Is(err, models.ErrMessageTooLong) {
		t.Fatalf("expected ErrMessageTooLong, got %v", err)
	}
	if fake.calls != 1 {
		t.Errorf("expected a single completion attempt, got %d", fake.calls)
	}
}

// slowCompleter streams many chunks, honouring ctx on every send, and
// reports when its producer goroutine has returned.
type slowCompleter struct {
	exited chan struct{}
}

func (s *slowCompleter) Complete(ctx context.Context, msgs []openai.ChatCompletionMessageParamUnion) <-chan models.Chunk {
	out := make(chan models.Chunk, 1)
	go func() {
		defer close(out)
		defer close(s.exited)
		for i := 0; i < 50; i++ {
			select {
			case out <- models.Chunk{Text: fmt.Sprintf("part %d", i)}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case out <- models.Chunk{Text: "done", Final: true}:
		case <-ctx.Done():
		}
	}()
	return out
}

func TestRunCancelReleasesProducer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fake := &slowCompleter{exited: make(chan struct{})}
	engine := NewEngine(fake)

	ch, _, err := engine.Run(ctx, testMode(), nil, "hi")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	// Take one chunk, then abandon the stream the way a failed relay
	// does.
	<-ch
	cancel()

	select {
	case <-fake.exited:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the producer goroutine to stop after cancellation")
	}
}

func TestRunPassesThroughNonOverflowErrors(t *testing.T) {
	fake := &fakeCompleter{
		maxTurns: 10,
		chunks:   []models.Chunk{{Text: "part"}, {Err: errors.New("connection reset")}},
	}
	engine := NewEngine(fake)

	ch, _, err := engine.Run(context.Background(), testMode(), makeHistory(1), "hi")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if _, err := collect(t, ch); err == nil {
		t.Error("expected stream error to pass through")
	}
	if fake.calls != 1 {
		t.Errorf("expected no retry for non-overflow error, got %d calls", fake.calls)
	}
}
