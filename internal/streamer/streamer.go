// Package streamer splits a completed generation into ordered chunks
// for incremental delivery, pacing each chunk like incremental typing.
package streamer

import (
	"math/rand/v2"
	"strings"
	"time"
)

// Chunk is one sentence of a reply with the pause to take before
// sending it. Delay is pacing policy, not a correctness requirement.
type Chunk struct {
	Text  string
	Delay time.Duration
}

// Streamer turns reply text into paced chunks. MinDelay and MaxDelay
// bound the random inter-chunk pause; equal values give a fixed pause.
type Streamer struct {
	MinDelay time.Duration
	MaxDelay time.Duration
}

// New creates a Streamer with the given delay bounds. Negative values
// are treated as zero.
func New(min, max time.Duration) *Streamer {
	if min < 0 {
		min = 0
	}
	if max < min {
		max = min
	}
	return &Streamer{MinDelay: min, MaxDelay: max}
}

// terminal reports whether r ends a sentence.
func terminal(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '！', '？', '…':
		return true
	}
	return false
}

// Split cuts text on sentence-terminal punctuation, keeping the
// punctuation attached to the chunk it ends. Embedded newlines become
// spaces and empty fragments are dropped. Splitting is deterministic:
// recomputing over the same text yields the same chunks.
func Split(text string) []string {
	var chunks []string
	var cur strings.Builder

	runes := []rune(text)
	for i, r := range runes {
		cur.WriteRune(r)
		if terminal(r) && (i+1 == len(runes) || !terminal(runes[i+1])) {
			if c := cleanChunk(cur.String()); c != "" {
				chunks = append(chunks, c)
			}
			cur.Reset()
		}
	}
	if c := cleanChunk(cur.String()); c != "" {
		chunks = append(chunks, c)
	}
	return chunks
}

func cleanChunk(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.TrimSpace(s)
}

// Chunks splits text and attaches a bounded-random delay to each chunk.
func (s *Streamer) Chunks(text string) []Chunk {
	parts := Split(text)
	chunks := make([]Chunk, len(parts))
	for i, p := range parts {
		chunks[i] = Chunk{Text: p, Delay: s.delay()}
	}
	return chunks
}

func (s *Streamer) delay() time.Duration {
	if s.MaxDelay <= s.MinDelay {
		return s.MinDelay
	}
	return s.MinDelay + rand.N(s.MaxDelay-s.MinDelay)
}
