// Package knowledge is the retrieval collaborator behind knowledge_search
// tools: named knowledge bases of embedded text chunks queried by
// nearest-neighbour search.
package knowledge

import (
	"context"
	"math"
	"sort"
	"sync"
)

// Chunk is one indexed passage.
type Chunk struct {
	ID     int64     `json:"id"`
	Base   string    `json:"base"`
	Source string    `json:"source"`
	Text   string    `json:"text"`
	Vector []float32 `json:"-"`
}

// Match is a search hit. Distance is cosine distance: 0 is identical,
// 1 is orthogonal.
type Match struct {
	Chunk
	Distance float64 `json:"distance"`
}

// Index answers nearest-neighbour queries for one knowledge base.
type Index interface {
	Search(ctx context.Context, vector []float32, k int) ([]Match, error)
}

// CosineDistance returns 1 - cosine similarity. Mismatched or zero vectors
// are maximally distant.
func CosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 2
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 2
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

// rank scores chunks against vector and keeps the k nearest.
func rank(chunks []Chunk, vector []float32, k int) []Match {
	matches := make([]Match, 0, len(chunks))
	for _, c := range chunks {
		matches = append(matches, Match{Chunk: c, Distance: CosineDistance(vector, c.Vector)})
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Distance < matches[j].Distance })
	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

// MemoryIndex is an in-process Index.
type MemoryIndex struct {
	mu     sync.RWMutex
	chunks []Chunk
}

// Add appends a chunk.
func (m *MemoryIndex) Add(c Chunk) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.ID = int64(len(m.chunks) + 1)
	m.chunks = append(m.chunks, c)
}

// Search implements Index.
func (m *MemoryIndex) Search(ctx context.Context, vector []float32, k int) ([]Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return rank(m.chunks, vector, k), nil
}
