// Package worker runs the private inference side: it holds the duplex
// link to the relay, and for each forwarded task runs retrieval, prompt
// assembly, and generation against the local model runtime.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/yumeko-ai/yumeko/internal/composer"
	"github.com/yumeko-ai/yumeko/internal/engine"
	"github.com/yumeko-ai/yumeko/internal/history"
	"github.com/yumeko-ai/yumeko/internal/protocol"
	"github.com/yumeko-ai/yumeko/internal/retrieval"
	"github.com/yumeko-ai/yumeko/internal/streamer"
)

// failureReply is what callers see when the pipeline breaks mid-task.
// Failures travel as ordinary responses; the transport has no error
// channel of its own.
const failureReply = "Sorry, something went wrong on my side. Give me a moment and try again."

// conversationLimit caps the live conversation window carried into each
// prompt. Older turns remain reachable through history retrieval.
const conversationLimit = 20

// Sender delivers one frame to the relay.
type Sender interface {
	Send(ctx context.Context, msg any) error
}

// PipelineConfig collects everything the pipeline needs beyond its
// collaborators.
type PipelineConfig struct {
	Model       string
	Temperature float64
	TopK        int
	Persona     string
	Worldview   string
	Stream      bool
}

// Pipeline answers forwarded tasks. One user, one conversation: the
// session mutex serializes tasks so concurrent frames cannot interleave
// history writes or the conversation window.
type Pipeline struct {
	cfg       PipelineConfig
	eng       engine.Engine
	embedder  *retrieval.Embedder
	knowledge *retrieval.Retriever
	store     *history.Store
	stream    *streamer.Streamer
	logger    *slog.Logger

	mu           sync.Mutex
	conversation []history.Turn
}

// NewPipeline creates a Pipeline. knowledge may be empty but not nil.
func NewPipeline(cfg PipelineConfig, eng engine.Engine, embedder *retrieval.Embedder,
	knowledge *retrieval.Retriever, store *history.Store, stream *streamer.Streamer) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		eng:       eng,
		embedder:  embedder,
		knowledge: knowledge,
		store:     store,
		stream:    stream,
		logger:    slog.Default(),
	}
}

// HandleInfer runs one task end to end and sends the resulting frames
// to the relay. Pipeline failures become a response frame with the
// failure text so the caller always gets terminated.
func (p *Pipeline) HandleInfer(ctx context.Context, req *protocol.InferRequest, send Sender) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()
	reply, err := p.respond(ctx, req.Text)
	if err != nil {
		p.logger.Error("task failed", "task_id", req.TaskID, "error", err)
		if serr := send.Send(ctx, protocol.NewInferResponse(req.TaskID, failureReply)); serr != nil {
			p.logger.Error("sending failure response", "task_id", req.TaskID, "error", serr)
		}
		return
	}
	p.logger.Info("task completed", "task_id", req.TaskID, "elapsed", time.Since(start))

	if !p.cfg.Stream {
		p.recordAssistant(reply)
		if err := send.Send(ctx, protocol.NewInferResponse(req.TaskID, reply)); err != nil {
			p.logger.Error("sending response", "task_id", req.TaskID, "error", err)
		}
		return
	}

	// Streamed delivery: each sentence is paced, sent as its own frame,
	// and recorded as its own history turn, mirroring how the reply
	// lands on the caller's screen.
	for seq, chunk := range p.stream.Chunks(reply) {
		select {
		case <-time.After(chunk.Delay):
		case <-ctx.Done():
			return
		}
		p.recordAssistant(chunk.Text)
		if err := send.Send(ctx, protocol.NewInferChunk(req.TaskID, seq, chunk.Text)); err != nil {
			p.logger.Error("sending chunk", "task_id", req.TaskID, "seq", seq, "error", err)
			return
		}
	}
	if err := send.Send(ctx, protocol.NewInferResponse(req.TaskID, reply)); err != nil {
		p.logger.Error("sending response", "task_id", req.TaskID, "error", err)
	}
}

// respond runs retrieval and generation for one user message. Caller
// holds the session mutex.
func (p *Pipeline) respond(ctx context.Context, text string) (string, error) {
	userTurn := history.Turn{Role: history.RoleUser, Content: text, Timestamp: history.Now()}
	if err := p.store.Append(userTurn); err != nil {
		return "", fmt.Errorf("recording user turn: %w", err)
	}
	p.pushTurn(userTurn)

	knowledgeHits, err := p.knowledge.Search(ctx, text, p.cfg.TopK)
	if err != nil {
		return "", fmt.Errorf("searching knowledge: %w", err)
	}

	historyHits, err := p.searchHistory(ctx, text)
	if err != nil {
		return "", fmt.Errorf("searching history: %w", err)
	}

	prompt := composer.Assemble(composer.Input{
		Persona:       p.cfg.Persona,
		Worldview:     p.cfg.Worldview,
		KnowledgeHits: knowledgeHits,
		HistoryHits:   historyHits,
		Conversation:  p.conversation,
	})

	reply, err := p.eng.Generate(ctx, p.cfg.Model, prompt, p.cfg.Temperature)
	if err != nil {
		return "", fmt.Errorf("generating reply: %w", err)
	}
	return reply, nil
}

// searchHistory rebuilds a retriever over the merged history view and
// searches it. The view is small and append-heavy, so re-embedding per
// task beats keeping a second index consistent with the shard files.
func (p *Pipeline) searchHistory(ctx context.Context, query string) ([]retrieval.Hit, error) {
	turns, err := p.store.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}
	if len(turns) == 0 {
		return nil, nil
	}

	docs := make([]string, len(turns))
	for i, t := range turns {
		docs[i] = t.Role + ": " + t.Content
	}
	ret, err := retrieval.BuildRetriever(ctx, p.embedder, docs)
	if err != nil {
		return nil, fmt.Errorf("indexing history: %w", err)
	}
	return ret.Search(ctx, query, p.cfg.TopK)
}

// recordAssistant appends an assistant turn to the shard store and the
// conversation window. Store failures are logged, not fatal: the reply
// already exists and must still reach the caller.
func (p *Pipeline) recordAssistant(text string) {
	turn := history.Turn{Role: history.RoleAssistant, Content: text, Timestamp: history.Now()}
	if err := p.store.Append(turn); err != nil {
		p.logger.Error("recording assistant turn", "error", err)
	}
	p.pushTurn(turn)
}

// pushTurn appends to the conversation window, evicting the oldest turn
// past the limit. Caller holds the session mutex.
func (p *Pipeline) pushTurn(t history.Turn) {
	p.conversation = append(p.conversation, t)
	if len(p.conversation) > conversationLimit {
		p.conversation = p.conversation[len(p.conversation)-conversationLimit:]
	}
}

// HandleHistory answers a merged-view fetch.
func (p *Pipeline) HandleHistory(ctx context.Context, req *protocol.HistoryRequest, send Sender) {
	turns, err := p.store.ReadAll()
	if err != nil {
		p.logger.Error("reading history", "task_id", req.TaskID, "error", err)
		turns = nil
	}
	if err := send.Send(ctx, protocol.NewHistoryResponse(req.TaskID, turns)); err != nil {
		p.logger.Error("sending history", "task_id", req.TaskID, "error", err)
	}
}
