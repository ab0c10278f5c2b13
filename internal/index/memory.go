package index

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// entry is one stored vector with its metadata.
type entry struct {
	vector   []float32
	metadata map[string]string
}

// MemoryIndex implements Index entirely in process memory. It is the
// ephemeral-mode backend: nothing touches disk unless Save is called.
// Safe for concurrent upserts; last writer wins on the same role ID.
type MemoryIndex struct {
	mu          sync.RWMutex
	collections map[string]map[string]entry
}

// NewMemory creates an empty in-memory index.
func NewMemory() *MemoryIndex {
	return &MemoryIndex{collections: make(map[string]map[string]entry)}
}

// Upsert inserts or replaces the vector for roleID in collection.
func (m *MemoryIndex) Upsert(ctx context.Context, collection, roleID string, vector []float32, metadata map[string]string) error {
	if collection == "" {
		return errors.New("collection is required")
	}
	if roleID == "" {
		return errors.New("role ID is required")
	}
	if len(vector) == 0 {
		return fmt.Errorf("empty vector for role %q", roleID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	coll, ok := m.collections[collection]
	if !ok {
		coll = make(map[string]entry)
		m.collections[collection] = coll
	}

	for _, e := range coll {
		if len(e.vector) != len(vector) {
			return fmt.Errorf("dimension mismatch in collection %q: have %d, got %d",
				collection, len(e.vector), len(vector))
		}
		break
	}

	vec := make([]float32, len(vector))
	copy(vec, vector)
	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}
	coll[roleID] = entry{vector: vec, metadata: meta}
	return nil
}

// Query performs an exact cosine-similarity scan over the collection.
func (m *MemoryIndex) Query(ctx context.Context, collection string, vector []float32, topK int, excludeID string) ([]Result, error) {
	if topK <= 0 {
		return nil, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	coll := m.collections[collection]
	candidates := make([]Result, 0, len(coll))
	for roleID, e := range coll {
		if roleID == excludeID {
			continue
		}
		meta := make(map[string]string, len(e.metadata))
		for k, v := range e.metadata {
			meta[k] = v
		}
		candidates = append(candidates, Result{
			RoleID:   roleID,
			Score:    Score(cosineSimilarity(vector, e.vector)),
			Metadata: meta,
		})
	}

	return rankResults(candidates, topK), nil
}

// Count returns the number of vectors stored in collection.
func (m *MemoryIndex) Count(ctx context.Context, collection string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.collections[collection]), nil
}

// Collections lists collection names in ascending order.
func (m *MemoryIndex) Collections(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.collections))
	for name := range m.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// DropCollection removes a collection and all of its vectors.
func (m *MemoryIndex) DropCollection(ctx context.Context, collection string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections, collection)
	return nil
}

// Close is a no-op for the in-memory backend.
func (m *MemoryIndex) Close() error {
	return nil
}
