package retrieval

import (
	"context"
	"fmt"
)

// Hit is a retrieved document with its distance to the query. Smaller
// distance means more similar.
type Hit struct {
	ID       int
	Text     string
	Distance float32
}

// Retriever combines an embedder, a flat index, and the documents the
// index was built over. Document i is the text behind index ID i; the
// two sequences grow in lockstep and never reorder.
type Retriever struct {
	embedder *Embedder
	index    *Index
	docs     []string
}

// NewRetriever creates a Retriever over an existing index and its
// document sidecar. len(docs) must equal index.Len().
func NewRetriever(embedder *Embedder, index *Index, docs []string) (*Retriever, error) {
	if index.Len() != len(docs) {
		return nil, fmt.Errorf("index has %d vectors but %d documents", index.Len(), len(docs))
	}
	return &Retriever{embedder: embedder, index: index, docs: docs}, nil
}

// BuildRetriever embeds docs in batch and indexes them.
func BuildRetriever(ctx context.Context, embedder *Embedder, docs []string) (*Retriever, error) {
	index := NewIndex()
	vecs, err := embedder.EmbedBatch(ctx, docs)
	if err != nil {
		return nil, fmt.Errorf("embedding documents: %w", err)
	}
	if _, err := index.AddBatch(vecs); err != nil {
		return nil, fmt.Errorf("indexing documents: %w", err)
	}
	return &Retriever{embedder: embedder, index: index, docs: docs}, nil
}

// Len returns the number of indexed documents.
func (r *Retriever) Len() int { return r.index.Len() }

// Index exposes the underlying index, e.g. for persistence.
func (r *Retriever) Index() *Index { return r.index }

// Search embeds the query and returns up to k nearest documents,
// ascending by distance. An empty retriever returns no hits.
func (r *Retriever) Search(ctx context.Context, query string, k int) ([]Hit, error) {
	if r.index.Len() == 0 {
		return nil, nil
	}
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	results, err := r.index.Search(vec, k)
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, len(results))
	for i, res := range results {
		hits[i] = Hit{ID: res.ID, Text: r.docs[res.ID], Distance: res.Distance}
	}
	return hits, nil
}
