package vectorindex

import (
	"context"
	"math"
	"sort"
	"sync"
)

// Memory is a brute-force in-process index.
type Memory struct {
	dims int

	mu     sync.RWMutex
	chunks map[string]Chunk
}

var _ Index = (*Memory)(nil)

// NewMemory returns an empty index. dims <= 0 disables the dimension check.
func NewMemory(dims int) *Memory {
	return &Memory{dims: dims, chunks: make(map[string]Chunk)}
}

func (m *Memory) Upsert(ctx context.Context, chunks []Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validate(chunks, m.dims); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range chunks {
		c.Vector = append([]float32(nil), c.Vector...)
		m.chunks[c.ID] = c
	}
	return nil
}

func (m *Memory) Search(ctx context.Context, scope Scope, vector []float32, k int) ([]Match, error) {
	if err := scope.check(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}

	m.mu.RLock()
	var out []Match
	for _, c := range m.chunks {
		if scope.contains(c) {
			out = append(out, Match{Chunk: c, Score: cosine(vector, c.Vector)})
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (m *Memory) Delete(ctx context.Context, scope Scope) (int, error) {
	if err := scope.check(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, c := range m.chunks {
		if scope.contains(c) {
			delete(m.chunks, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Count(_ context.Context, scope Scope) (int, error) {
	if err := scope.check(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, c := range m.chunks {
		if scope.contains(c) {
			n++
		}
	}
	return n, nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
