package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yumeko-ai/yumeko/internal/history"
	"github.com/yumeko-ai/yumeko/internal/protocol"
	"github.com/yumeko-ai/yumeko/internal/retrieval"
	"github.com/yumeko-ai/yumeko/internal/streamer"
)

// fakeEngine answers every prompt with a canned reply and embeds text
// to a deterministic two-dimensional vector.
type fakeEngine struct {
	mu      sync.Mutex
	reply   string
	failGen bool
	prompts []string
}

func (f *fakeEngine) Generate(ctx context.Context, model, prompt string, temperature float64) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	if f.failGen {
		return "", errors.New("model exploded")
	}
	return f.reply, nil
}

func (f *fakeEngine) Embed(ctx context.Context, model, text string) ([]float32, error) {
	return []float32{float32(len(text)), float32(strings.Count(text, "e"))}, nil
}

func (f *fakeEngine) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.prompts) == 0 {
		return ""
	}
	return f.prompts[len(f.prompts)-1]
}

// collectSender gathers frames the pipeline sends.
type collectSender struct {
	mu     sync.Mutex
	frames []any
}

func (c *collectSender) Send(ctx context.Context, msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, msg)
	return nil
}

func (c *collectSender) sent() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.frames...)
}

func newTestPipeline(t *testing.T, eng *fakeEngine, streamEnabled bool, knowledgeDocs []string) (*Pipeline, *history.Store) {
	t.Helper()
	ctx := context.Background()
	embedder := retrieval.NewEmbedder(eng, "embed-model")
	knowledgeRet, err := retrieval.BuildRetriever(ctx, embedder, knowledgeDocs)
	if err != nil {
		t.Fatalf("BuildRetriever: %v", err)
	}
	store, err := history.Open(t.TempDir())
	if err != nil {
		t.Fatalf("history.Open: %v", err)
	}
	p := NewPipeline(PipelineConfig{
		Model:       "gen-model",
		Temperature: 0.5,
		TopK:        2,
		Persona:     "A test persona.",
		Worldview:   "",
		Stream:      streamEnabled,
	}, eng, embedder, knowledgeRet, store, streamer.New(0, 0))
	return p, store
}

func TestHandleInferNonStreaming(t *testing.T) {
	eng := &fakeEngine{reply: "The capital of France is Paris."}
	p, store := newTestPipeline(t, eng, false, []string{"问题 (Question): capital of France?\n回答 (Answer): Paris."})
	sender := &collectSender{}

	req := protocol.NewInferRequest("task-1", "What is the capital of France?")
	p.HandleInfer(context.Background(), &req, sender)

	frames := sender.sent()
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d: %v", len(frames), frames)
	}
	resp, ok := frames[0].(protocol.InferResponse)
	if !ok {
		t.Fatalf("expected InferResponse, got %T", frames[0])
	}
	if resp.TaskID != "task-1" || resp.Response != eng.reply {
		t.Errorf("response %+v", resp)
	}

	// Knowledge and the user turn must both have reached the prompt.
	prompt := eng.lastPrompt()
	if !strings.Contains(prompt, "回答 (Answer): Paris.") {
		t.Error("knowledge hit missing from prompt")
	}
	if !strings.Contains(prompt, "What is the capital of France?") {
		t.Error("user message missing from prompt")
	}

	// Both turns persisted: the question and the reply.
	turns, err := store.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("expected 2 history turns, got %d", len(turns))
	}
	if turns[0].Role != history.RoleUser || turns[1].Role != history.RoleAssistant {
		t.Errorf("unexpected roles: %v", turns)
	}
}

func TestHandleInferStreaming(t *testing.T) {
	eng := &fakeEngine{reply: "I am well. How are you?"}
	p, store := newTestPipeline(t, eng, true, nil)
	sender := &collectSender{}

	req := protocol.NewInferRequest("task-2", "How are you?")
	p.HandleInfer(context.Background(), &req, sender)

	frames := sender.sent()
	// Two chunks then the final response.
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d: %v", len(frames), frames)
	}
	wantChunks := []string{"I am well.", "How are you?"}
	for i, want := range wantChunks {
		chunk, ok := frames[i].(protocol.InferChunk)
		if !ok {
			t.Fatalf("frame %d: expected InferChunk, got %T", i, frames[i])
		}
		if chunk.Seq != i || chunk.Chunk != want {
			t.Errorf("chunk %d: %+v, want seq=%d text=%q", i, chunk, i, want)
		}
	}
	final, ok := frames[2].(protocol.InferResponse)
	if !ok {
		t.Fatalf("last frame: expected InferResponse, got %T", frames[2])
	}
	if final.Response != eng.reply {
		t.Errorf("final response %q", final.Response)
	}

	// Each chunk recorded as its own assistant turn, plus the user turn.
	turns, err := store.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("expected 3 history turns (user + 2 chunks), got %d", len(turns))
	}
}

func TestHandleInferFailureBecomesResponse(t *testing.T) {
	eng := &fakeEngine{failGen: true}
	p, _ := newTestPipeline(t, eng, false, nil)
	sender := &collectSender{}

	req := protocol.NewInferRequest("task-3", "anything")
	p.HandleInfer(context.Background(), &req, sender)

	frames := sender.sent()
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	resp, ok := frames[0].(protocol.InferResponse)
	if !ok {
		t.Fatalf("expected InferResponse, got %T", frames[0])
	}
	if resp.TaskID != "task-3" || resp.Response != failureReply {
		t.Errorf("failure frame %+v", resp)
	}
}

func TestHandleInferUsesPastHistory(t *testing.T) {
	eng := &fakeEngine{reply: "Noted."}
	p, store := newTestPipeline(t, eng, false, nil)
	sender := &collectSender{}

	old := history.Turn{Role: history.RoleUser, Content: "my favorite color is teal", Timestamp: "2024-03-01 10:00:00"}
	if err := store.Append(old); err != nil {
		t.Fatalf("Append: %v", err)
	}

	req := protocol.NewInferRequest("task-4", "my favorite color is teal?")
	p.HandleInfer(context.Background(), &req, sender)

	if !strings.Contains(eng.lastPrompt(), "my favorite color is teal") {
		t.Error("related past turn missing from prompt")
	}
}

func TestHandleInferSerialized(t *testing.T) {
	eng := &fakeEngine{reply: "ok."}
	p, store := newTestPipeline(t, eng, false, nil)
	sender := &collectSender{}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := protocol.NewInferRequest("task", "concurrent message")
			p.HandleInfer(context.Background(), &req, sender)
		}(i)
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("pipeline deadlocked under concurrent tasks")
	}

	turns, err := store.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	// 4 user turns collapse to 1 exact duplicate; 4 identical replies
	// likewise. The point is no write was lost mid-interleave.
	if len(sender.sent()) != 4 {
		t.Errorf("expected 4 responses, got %d", len(sender.sent()))
	}
	if len(turns) == 0 {
		t.Error("no history recorded")
	}
}

func TestHandleHistory(t *testing.T) {
	eng := &fakeEngine{}
	p, store := newTestPipeline(t, eng, false, nil)
	sender := &collectSender{}

	turn := history.Turn{Role: history.RoleUser, Content: "hello", Timestamp: "2024-03-01 14:00:00"}
	if err := store.Append(turn); err != nil {
		t.Fatalf("Append: %v", err)
	}

	req := protocol.NewHistoryRequest("task-5")
	p.HandleHistory(context.Background(), &req, sender)

	frames := sender.sent()
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	resp, ok := frames[0].(protocol.HistoryResponse)
	if !ok {
		t.Fatalf("expected HistoryResponse, got %T", frames[0])
	}
	if resp.TaskID != "task-5" || len(resp.History) != 1 || resp.History[0] != turn {
		t.Errorf("history frame %+v", resp)
	}
}
