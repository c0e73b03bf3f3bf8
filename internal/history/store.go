// Package history persists conversation turns in hour-sharded JSON
// files and serves them back as one deduplicated, chronologically
// ordered log.
package history

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// TimeLayout is the second-precision timestamp format used on the wire
// and on disk.
const TimeLayout = "2006-01-02 15:04:05"

// shardLayout derives a shard key (one file per hour) from a timestamp.
const shardLayout = "2006-01-02_15"

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Turn is one conversation entry. Timestamp is the sort and dedup key
// within history; a multi-chunk reply becomes multiple assistant turns
// that may share a timestamp.
type Turn struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"time"`
}

// Now returns the current time formatted for Turn.Timestamp.
func Now() string {
	return time.Now().Format(TimeLayout)
}

// Store is an hour-sharded turn log under a single directory. Appends
// rewrite the target shard in full (read-modify-write), so writes to
// the same shard are serialized by a per-shard mutex; writes to
// different shards proceed independently.
type Store struct {
	dir    string
	logger *slog.Logger

	mu     sync.Mutex // guards shards
	shards map[string]*sync.Mutex
}

// Open creates the shard directory if needed and returns a Store.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating history directory: %w", err)
	}
	return &Store{
		dir:    dir,
		logger: slog.Default(),
		shards: make(map[string]*sync.Mutex),
	}, nil
}

// Dir returns the shard directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) shardLock(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.shards[name]
	if !ok {
		l = &sync.Mutex{}
		s.shards[name] = l
	}
	return l
}

// Append durably persists a turn into the shard for its time bucket.
// A missing Timestamp is filled with the current time. A corrupt shard
// file is logged and started over rather than failing the append.
func (s *Store) Append(turn Turn) error {
	if turn.Timestamp == "" {
		turn.Timestamp = Now()
	}
	ts, err := time.Parse(TimeLayout, turn.Timestamp)
	if err != nil {
		return fmt.Errorf("parsing turn timestamp %q: %w", turn.Timestamp, err)
	}
	name := ts.Format(shardLayout) + ".json"

	lock := s.shardLock(name)
	lock.Lock()
	defer lock.Unlock()

	path := filepath.Join(s.dir, name)
	var turns []Turn
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if jsonErr := json.Unmarshal(data, &turns); jsonErr != nil {
			s.logger.Warn("corrupt history shard, starting over", "shard", name, "error", jsonErr)
			turns = nil
		}
	case os.IsNotExist(err):
		// First turn in this bucket.
	default:
		return fmt.Errorf("reading shard %s: %w", name, err)
	}

	turns = append(turns, turn)
	out, err := json.MarshalIndent(turns, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding shard %s: %w", name, err)
	}
	return writeFileAtomic(path, out)
}

// writeFileAtomic writes via a temp file and rename so readers never
// observe a partially written shard.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".shard-*")
	if err != nil {
		return fmt.Errorf("creating temp shard file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing shard: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing shard: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// ReadAll lists every shard, parses each, and returns the merged view:
// ascending by timestamp, equal timestamps ordered by shard-append
// order, exact duplicates (timestamp, role, content) collapsed with the
// last write winning. Shards that fail to parse are skipped with a
// warning; the view degrades rather than failing.
func (s *Store) ReadAll() ([]Turn, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing history directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	// Shard names sort chronologically by construction.
	sort.Strings(names)

	var merged []Turn
	seen := make(map[Turn]int) // exact record -> index in merged

	for _, name := range names {
		lock := s.shardLock(name)
		lock.Lock()
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		lock.Unlock()
		if err != nil {
			s.logger.Warn("skipping unreadable history shard", "shard", name, "error", err)
			continue
		}
		var turns []Turn
		if err := json.Unmarshal(data, &turns); err != nil {
			s.logger.Warn("skipping malformed history shard", "shard", name, "error", err)
			continue
		}
		for _, t := range turns {
			if t.Timestamp == "" {
				continue
			}
			if i, dup := seen[t]; dup {
				merged[i] = t
				continue
			}
			seen[t] = len(merged)
			merged = append(merged, t)
		}
	}

	// The timestamp layout sorts lexicographically; a stable sort keeps
	// shard-append order for second-precision collisions.
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged, nil
}
