package retrieval

import (
	"bufio"
	"container/heap"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

// Result is a single nearest-neighbor match. ID is the insertion order of
// the matched document; it stays valid for the lifetime of the index
// because the backing sequence is append-only.
type Result struct {
	ID       int
	Distance float32
}

// Index is a flat squared-Euclidean nearest-neighbor index. All vectors
// share the dimension of the first vector added; Add rejects mismatches.
// The zero value is not usable — construct with NewIndex.
//
// Index itself is not goroutine-safe. The knowledge index is built once
// and only read afterwards, which needs no locking; callers that mutate
// an index concurrently must serialize access themselves.
type Index struct {
	dim     int
	vectors [][]float32
}

// NewIndex creates an empty index. The dimension is fixed by the first
// Add call.
func NewIndex() *Index {
	return &Index{}
}

// Dim returns the vector dimension, or 0 before the first Add.
func (ix *Index) Dim() int { return ix.dim }

// Len returns the number of indexed vectors.
func (ix *Index) Len() int { return len(ix.vectors) }

// Add appends a vector and returns its ID (the append position).
func (ix *Index) Add(vec []float32) (int, error) {
	if len(vec) == 0 {
		return 0, fmt.Errorf("adding vector: empty vector")
	}
	if ix.dim == 0 {
		ix.dim = len(vec)
	} else if len(vec) != ix.dim {
		return 0, fmt.Errorf("adding vector: dimension %d, index has %d", len(vec), ix.dim)
	}
	ix.vectors = append(ix.vectors, vec)
	return len(ix.vectors) - 1, nil
}

// AddBatch appends vectors in order, returning the ID of the first one.
func (ix *Index) AddBatch(vecs [][]float32) (int, error) {
	first := len(ix.vectors)
	for i, v := range vecs {
		if _, err := ix.Add(v); err != nil {
			return 0, fmt.Errorf("batch vector %d: %w", i, err)
		}
	}
	return first, nil
}

// idDistance holds a candidate during the scan phase of Search.
type idDistance struct {
	ID       int
	Distance float32
}

// maxDistHeap is a max-heap by distance so the worst candidate sits at
// the root and can be evicted cheaply.
type maxDistHeap []idDistance

func (h maxDistHeap) Len() int           { return len(h) }
func (h maxDistHeap) Less(i, j int) bool { return h[i].Distance > h[j].Distance }
func (h maxDistHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *maxDistHeap) Push(x any)        { *h = append(*h, x.(idDistance)) }
func (h *maxDistHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Search returns the k nearest vectors to query by squared Euclidean
// distance, ascending. Fewer than k indexed vectors returns all of them;
// an empty index returns an empty slice. The query dimension must match
// the index dimension once one is set.
func (ix *Index) Search(query []float32, k int) ([]Result, error) {
	if len(ix.vectors) == 0 || k <= 0 {
		return nil, nil
	}
	if len(query) != ix.dim {
		return nil, fmt.Errorf("searching: query dimension %d, index has %d", len(query), ix.dim)
	}

	h := &maxDistHeap{}
	heap.Init(h)
	for id, vec := range ix.vectors {
		d := squaredL2(query, vec)
		if h.Len() < k {
			heap.Push(h, idDistance{ID: id, Distance: d})
		} else if d < (*h)[0].Distance {
			(*h)[0] = idDistance{ID: id, Distance: d}
			heap.Fix(h, 0)
		}
	}

	// Drain the heap worst-first into a slice ordered best-first.
	results := make([]Result, h.Len())
	for i := len(results) - 1; i >= 0; i-- {
		c := heap.Pop(h).(idDistance)
		results[i] = Result{ID: c.ID, Distance: c.Distance}
	}
	return results, nil
}

func squaredL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// On-disk blob layout (little-endian): magic, version, dim, count,
// then count vectors of dim float32s. Texts live in the document
// sidecar, not here — the blob round-trips search behavior only.
const (
	indexMagic   = 0x59494458 // "YIDX"
	indexVersion = 1
)

// ErrIndexVersion reports a blob written by an incompatible version.
// Callers treat it as malformed persisted data: skip and rebuild.
var ErrIndexVersion = fmt.Errorf("unsupported index blob version")

// Save writes the index as a binary blob.
func (ix *Index) Save(w io.Writer) error {
	bw := bufio.NewWriter(w)
	header := []uint32{indexMagic, indexVersion, uint32(ix.dim), uint32(len(ix.vectors))}
	for _, v := range header {
		if err := binary.Write(bw, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("writing index header: %w", err)
		}
	}
	buf := make([]byte, 4)
	for _, vec := range ix.vectors {
		for _, f := range vec {
			binary.LittleEndian.PutUint32(buf, math.Float32bits(f))
			if _, err := bw.Write(buf); err != nil {
				return fmt.Errorf("writing vector data: %w", err)
			}
		}
	}
	return bw.Flush()
}

// Load reads a blob written by Save into a fresh index.
func Load(r io.Reader) (*Index, error) {
	br := bufio.NewReader(r)
	var magic, version, dim, count uint32
	for _, p := range []*uint32{&magic, &version, &dim, &count} {
		if err := binary.Read(br, binary.LittleEndian, p); err != nil {
			return nil, fmt.Errorf("reading index header: %w", err)
		}
	}
	if magic != indexMagic {
		return nil, fmt.Errorf("reading index header: bad magic %#x", magic)
	}
	if version != indexVersion {
		return nil, fmt.Errorf("%w: %d", ErrIndexVersion, version)
	}

	ix := &Index{dim: int(dim)}
	buf := make([]byte, 4)
	for i := uint32(0); i < count; i++ {
		vec := make([]float32, dim)
		for j := range vec {
			if _, err := io.ReadFull(br, buf); err != nil {
				return nil, fmt.Errorf("reading vector %d: %w", i, err)
			}
			vec[j] = math.Float32frombits(binary.LittleEndian.Uint32(buf))
		}
		ix.vectors = append(ix.vectors, vec)
	}
	return ix, nil
}

// SaveFile persists the index atomically: write to a temp file in the
// same directory, then rename over the target.
func (ix *Index) SaveFile(path string) error {
	tmp, err := os.CreateTemp(dirOf(path), ".index-*")
	if err != nil {
		return fmt.Errorf("creating temp index file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := ix.Save(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp index file: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// LoadFile reads an index blob from disk.
func LoadFile(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening index file: %w", err)
	}
	defer f.Close()
	return Load(f)
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if os.IsPathSeparator(path[i]) {
			return path[:i+1]
		}
	}
	return "."
}
