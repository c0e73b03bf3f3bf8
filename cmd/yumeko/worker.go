package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/yumeko-ai/yumeko/internal/config"
	"github.com/yumeko-ai/yumeko/internal/engine"
	"github.com/yumeko-ai/yumeko/internal/history"
	"github.com/yumeko-ai/yumeko/internal/knowledge"
	"github.com/yumeko-ai/yumeko/internal/retrieval"
	"github.com/yumeko-ai/yumeko/internal/streamer"
	"github.com/yumeko-ai/yumeko/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the private inference worker (foreground)",
	Long: `Run the inference worker. The worker dials out to the relay over a
websocket, so it needs no inbound connectivity; it answers forwarded
chat tasks with retrieval-augmented generation against Ollama.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker()
	},
}

func runWorker() error {
	fmt.Fprintf(os.Stderr, "yumeko worker version %s\n", version)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	initLogging(cfg)

	token, err := cfg.Token()
	if err != nil {
		return err
	}

	persona, worldview, err := cfg.LoadPersona()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng := engine.New(cfg.Ollama.BaseURL)
	if err := engine.EnsureReady(ctx, eng, cfg.Ollama.Model, cfg.Ollama.EmbedModel, os.Stderr); err != nil {
		return err
	}

	embedder := retrieval.NewEmbedder(eng, cfg.Ollama.EmbedModel)
	knowledgeRet, err := loadKnowledge(ctx, cfg, embedder)
	if err != nil {
		return err
	}
	printStatus("knowledge", "%d documents indexed", knowledgeRet.Len())

	store, err := history.Open(cfg.Storage.HistoryDir)
	if err != nil {
		return fmt.Errorf("opening history store: %w", err)
	}

	stream := streamer.New(
		parseDurationOr(cfg.Stream.MinDelay, 300*time.Millisecond),
		parseDurationOr(cfg.Stream.MaxDelay, 1200*time.Millisecond),
	)

	pipeline := worker.NewPipeline(worker.PipelineConfig{
		Model:       cfg.Ollama.Model,
		Temperature: cfg.Ollama.Temperature,
		TopK:        cfg.Retrieval.TopK,
		Persona:     persona,
		Worldview:   worldview,
		Stream:      cfg.Stream.Enabled,
	}, eng, embedder, knowledgeRet, store, stream)

	if cfg.Worker.MCPEnabled {
		mcpSrv := worker.NewMCPServer(worker.MCPDeps{
			Knowledge: knowledgeRet,
			Store:     store,
			TopK:      cfg.Retrieval.TopK,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				printError("MCP stdio server error: %v", err)
			}
		}()
		printStep("MCP server started (stdio transport)")
	}

	client := worker.NewClient(worker.ClientConfig{
		RelayURL:       cfg.Worker.RelayURL,
		Token:          token,
		MaxReconnects:  cfg.Worker.MaxReconnects,
		ReconnectDelay: parseDurationOr(cfg.Worker.ReconnectDelay, time.Second),
	}, pipeline)
	defer client.Close()

	if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	fmt.Fprintln(os.Stderr, "shutting down...")
	return nil
}

// loadKnowledge loads the persisted index and its document sidecar,
// falling back to building both from the raw knowledge file when either
// is missing.
func loadKnowledge(ctx context.Context, cfg config.Config, embedder *retrieval.Embedder) (*retrieval.Retriever, error) {
	index, err := retrieval.LoadFile(cfg.Retrieval.IndexPath)
	if err == nil {
		docs, derr := knowledge.LoadDocuments(cfg.Retrieval.DocumentsPath)
		if derr == nil {
			ret, rerr := retrieval.NewRetriever(embedder, index, docs)
			if rerr == nil {
				return ret, nil
			}
			printWarning("index and documents out of sync, rebuilding: %v", rerr)
		} else if !errors.Is(derr, os.ErrNotExist) {
			return nil, fmt.Errorf("loading document sidecar: %w", derr)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading index: %w", err)
	}

	return buildKnowledge(ctx, cfg, embedder)
}

// buildKnowledge embeds the raw knowledge file and persists the result.
// A missing knowledge file yields an empty retriever: the persona then
// answers from conversation alone.
func buildKnowledge(ctx context.Context, cfg config.Config, embedder *retrieval.Embedder) (*retrieval.Retriever, error) {
	recs, err := knowledge.Load(cfg.Retrieval.KnowledgePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			printWarning("no knowledge file at %s, starting with an empty index", cfg.Retrieval.KnowledgePath)
			return retrieval.BuildRetriever(ctx, embedder, nil)
		}
		return nil, fmt.Errorf("loading knowledge: %w", err)
	}

	docs := knowledge.Documents(recs)
	printStep("embedding %d knowledge documents", len(docs))
	ret, err := retrieval.BuildRetriever(ctx, embedder, docs)
	if err != nil {
		return nil, err
	}

	if err := ret.Index().SaveFile(cfg.Retrieval.IndexPath); err != nil {
		printWarning("persisting index: %v", err)
	} else if err := knowledge.SaveDocuments(cfg.Retrieval.DocumentsPath, docs); err != nil {
		printWarning("persisting document sidecar: %v", err)
	}
	return ret, nil
}
