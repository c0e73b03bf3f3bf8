package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/yumeko-ai/yumeko/internal/engine"
	"github.com/yumeko-ai/yumeko/internal/knowledge"
	"github.com/yumeko-ai/yumeko/internal/retrieval"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage the knowledge vector index",
}

var indexBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Embed the knowledge file and persist the index",
	Long: `Embed every record of the knowledge file and write the index blob
plus its document sidecar. Run this offline after changing the
knowledge file; the worker then starts without re-embedding.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		initLogging(cfg)

		source, _ := cmd.Flags().GetString("source")
		if source == "" {
			source = cfg.Retrieval.KnowledgePath
		}

		recs, err := knowledge.Load(source)
		if err != nil {
			return fmt.Errorf("loading knowledge: %w", err)
		}
		if len(recs) == 0 {
			return fmt.Errorf("knowledge file %s has no records", source)
		}

		ctx := cmd.Context()
		eng := engine.New(cfg.Ollama.BaseURL)
		if err := engine.EnsureReady(ctx, eng, "", cfg.Ollama.EmbedModel, os.Stderr); err != nil {
			return err
		}

		docs := knowledge.Documents(recs)
		printStep("embedding %d documents with %s", len(docs), cfg.Ollama.EmbedModel)
		ret, err := retrieval.BuildRetriever(ctx, retrieval.NewEmbedder(eng, cfg.Ollama.EmbedModel), docs)
		if err != nil {
			return err
		}

		if err := ret.Index().SaveFile(cfg.Retrieval.IndexPath); err != nil {
			return fmt.Errorf("writing index: %w", err)
		}
		if err := knowledge.SaveDocuments(cfg.Retrieval.DocumentsPath, docs); err != nil {
			return fmt.Errorf("writing document sidecar: %w", err)
		}

		printSuccess("Indexed %d documents (dim %d) → %s", ret.Len(), ret.Index().Dim(), cfg.Retrieval.IndexPath)
		return nil
	},
}

var indexQueryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Search the persisted index",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		initLogging(cfg)

		query := strings.Join(args, " ")
		limit, _ := cmd.Flags().GetInt("limit")
		if limit <= 0 {
			limit = cfg.Retrieval.TopK
		}

		index, err := retrieval.LoadFile(cfg.Retrieval.IndexPath)
		if err != nil {
			return fmt.Errorf("loading index (run `yumeko index build` first): %w", err)
		}
		docs, err := knowledge.LoadDocuments(cfg.Retrieval.DocumentsPath)
		if err != nil {
			return fmt.Errorf("loading document sidecar: %w", err)
		}

		ctx := cmd.Context()
		eng := engine.New(cfg.Ollama.BaseURL)
		ret, err := retrieval.NewRetriever(retrieval.NewEmbedder(eng, cfg.Ollama.EmbedModel), index, docs)
		if err != nil {
			return err
		}

		hits, err := ret.Search(ctx, query, limit)
		if err != nil {
			return err
		}
		if len(hits) == 0 {
			printWarning("no results")
			return nil
		}
		for i, h := range hits {
			fmt.Fprintf(os.Stdout, "%d. (distance %.4f)\n%s\n\n", i+1, h.Distance, h.Text)
		}
		return nil
	},
}

func init() {
	indexBuildCmd.Flags().String("source", "", "knowledge file to index (default from config)")
	indexQueryCmd.Flags().Int("limit", 0, "maximum results (default from config)")

	indexCmd.AddCommand(indexBuildCmd)
	indexCmd.AddCommand(indexQueryCmd)
}
