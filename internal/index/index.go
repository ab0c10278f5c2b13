// Package index provides the persisted vector index behind policy
// similarity search.
//
// An Index stores one embedding vector per role ID inside a named
// collection and answers top-K nearest-neighbor queries by cosine
// similarity. Collections are namespaces: operations in one collection
// never see data from another, so unrelated corpora (different
// organizations) can share one index file.
//
// Two backends are provided: a SQLite-backed index for on-disk persistence
// across process restarts, and a pure in-memory index with optional binary
// snapshots for ephemeral runs. Both normalize scores to the same [0,1]
// scale and break score ties by role ID ascending, so query results are
// byte-for-byte reproducible regardless of backend.
package index

import (
	"context"
	"encoding/binary"
	"math"
	"sort"
)

// Result is a single similarity query hit.
type Result struct {
	RoleID   string            `json:"role_id"`
	Score    float64           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Index is the vector index capability consumed by the analysis engine.
// Any backend satisfying these semantics is interchangeable.
type Index interface {
	// Upsert inserts or replaces the vector for roleID in collection.
	// Replacement matters: re-running analysis on an updated role must not
	// leave stale duplicate entries behind.
	Upsert(ctx context.Context, collection, roleID string, vector []float32, metadata map[string]string) error

	// Query returns up to topK nearest neighbors of vector in collection,
	// excluding excludeID, ordered by score descending with ties broken by
	// role ID ascending. Scores are on the normalized [0,1] scale.
	Query(ctx context.Context, collection string, vector []float32, topK int, excludeID string) ([]Result, error)

	// Count returns the number of vectors stored in collection.
	Count(ctx context.Context, collection string) (int, error)

	// Collections lists collection names in ascending order.
	Collections(ctx context.Context) ([]string, error)

	// DropCollection removes a collection and all of its vectors.
	// Dropping a missing collection is a no-op.
	DropCollection(ctx context.Context, collection string) error

	Close() error
}

// Score converts a raw cosine similarity in [-1,1] to the normalized [0,1]
// similarity scale the rest of the pipeline assumes. Clamped against float
// drift so downstream threshold checks never see out-of-range values.
func Score(cosine float64) float64 {
	s := (cosine + 1) / 2
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// cosineSimilarity computes cosine similarity between two vectors.
// Mismatched or zero-norm vectors score 0.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// rankResults orders candidates by score descending, ties by role ID
// ascending, and truncates to topK.
func rankResults(candidates []Result, topK int) []Result {
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].RoleID < candidates[j].RoleID
	})
	if topK >= 0 && len(candidates) > topK {
		candidates = candidates[:topK]
	}
	return candidates
}

// float32ToBytes converts a float32 slice to a byte slice (little-endian).
func float32ToBytes(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// bytesToFloat32 converts a byte slice back to float32 slice (little-endian).
func bytesToFloat32(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}
