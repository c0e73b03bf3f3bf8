// Package engine talks to the local inference runtime. Generation and
// embedding are opaque calls: prompt in, text out; text in, vector out.
package engine

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// Engine is the inference surface the rest of the system depends on.
type Engine interface {
	// Generate produces a completion for the prompt.
	Generate(ctx context.Context, model, prompt string, temperature float64) (string, error)
	// Embed produces the embedding vector for the text.
	Embed(ctx context.Context, model, text string) ([]float32, error)
}

// EnsureReady verifies the engine backend is reachable and the needed
// models are present, writing progress to w. It is called once at
// worker startup; failure here is fatal.
func EnsureReady(ctx context.Context, c *Client, genModel, embedModel string, w io.Writer) error {
	if !c.IsRunning(ctx) {
		return fmt.Errorf("inference engine is not reachable at %s — start it first", c.BaseURL())
	}
	for _, model := range []string{genModel, embedModel} {
		if model == "" || c.HasModel(ctx, model) {
			continue
		}
		fmt.Fprintf(w, "pulling model %s...\n", model)
		if err := c.PullModel(ctx, model); err != nil {
			return fmt.Errorf("pulling model %s: %w", model, err)
		}
	}
	return nil
}

// StripThinking removes a leading chain-of-thought block from model
// output. Reasoning models emit "...</think>" before the actual reply.
func StripThinking(s string) string {
	if i := strings.LastIndex(s, "</think>"); i >= 0 {
		s = s[i+len("</think>"):]
	}
	return strings.TrimSpace(s)
}
