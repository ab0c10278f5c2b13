// Package analyze orchestrates the full similarity pipeline: encode each
// role's policy to text, embed the text, upsert vectors into the index,
// build the directed similarity graph, and detect clusters of
// near-duplicate roles.
//
// Embedding is the only parallel phase. Vector validation, index writes,
// graph construction, and cluster detection run sequentially in role-ID
// order, so a fixed corpus with fixed options always produces an identical
// result.
package analyze

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/permitlab/rolescope/internal/embed"
	"github.com/permitlab/rolescope/internal/graph"
	"github.com/permitlab/rolescope/internal/index"
	"github.com/permitlab/rolescope/internal/policy"
)

const (
	// DefaultCollection is the index collection used when none is named.
	DefaultCollection = "roles"

	// DefaultConcurrency bounds the embedding worker pool.
	DefaultConcurrency = 4
)

// Options controls a single analysis run.
type Options struct {
	Collection     string  // defaults to DefaultCollection
	TopK           int     // neighbors per role, defaults to graph.DefaultTopK
	MinSimilarity  float64 // edge threshold; 0 means graph.DefaultMinSimilarity, negative keeps every neighbor
	MinClusterSize int     // defaults to graph.DefaultMinClusterSize
	Concurrency    int     // embedding workers, defaults to DefaultConcurrency
	Strict         bool    // abort on the first role that fails to embed
}

func (o Options) withDefaults() Options {
	if o.Collection == "" {
		o.Collection = DefaultCollection
	}
	if o.TopK <= 0 {
		o.TopK = graph.DefaultTopK
	}
	if o.MinSimilarity == 0 {
		o.MinSimilarity = graph.DefaultMinSimilarity
	}
	if o.MinClusterSize <= 0 {
		o.MinClusterSize = graph.DefaultMinClusterSize
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	return o
}

// ExcludedRole records a role dropped from a lenient run and why.
type ExcludedRole struct {
	RoleID string `json:"role_id"`
	Reason string `json:"reason"`
}

// Result is the outcome of one analysis run.
type Result struct {
	Collection string          `json:"collection"`
	Roles      int             `json:"roles"`
	Edges      []graph.Edge    `json:"edges"`
	Clusters   []graph.Cluster `json:"clusters"`
	Excluded   []ExcludedRole  `json:"excluded,omitempty"`
	Warnings   []string        `json:"warnings,omitempty"`
}

// Engine ties an embedder and a vector index into the analysis pipeline.
// Both collaborators are constructor-injected and owned by the caller.
type Engine struct {
	embedder embed.Embedder
	index    index.Index
}

// New creates an Engine over the given embedder and index.
func New(embedder embed.Embedder, idx index.Index) *Engine {
	return &Engine{embedder: embedder, index: idx}
}

// Run analyzes the given roles: embeds every policy, upserts the vectors
// into opts.Collection, builds the similarity graph, and detects clusters.
//
// In lenient mode (the default) a role whose vector cannot be produced, is
// non-finite, or has the wrong width is recorded in Result.Excluded and the
// run continues without it. With opts.Strict the first such failure aborts
// with an *EncodingError. Index failures are always fatal and surface as
// *IndexUnavailableError.
func (e *Engine) Run(ctx context.Context, roles []policy.Role, opts Options) (*Result, error) {
	opts = opts.withDefaults()

	sorted := make([]policy.Role, len(roles))
	copy(sorted, roles)
	policy.SortRolesByID(sorted)

	result := &Result{Collection: opts.Collection, Roles: len(sorted)}
	if len(sorted) == 0 {
		result.Warnings = append(result.Warnings, WarnEmptyCorpus)
		return result, nil
	}

	vectors, roleErrs, err := e.embedAll(ctx, sorted, opts)
	if err != nil {
		return nil, err
	}

	// Failures surface in role-ID order regardless of which worker hit
	// them, so strict mode always aborts on the same role. The first
	// successfully embedded role fixes the vector width every later role
	// must match; a mismatch is that role's failure, not the index's.
	nodes := make([]graph.Node, 0, len(sorted))
	wantDims := 0
	for i, role := range sorted {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		roleErr := roleErrs[i]
		if roleErr == nil {
			if wantDims == 0 {
				wantDims = len(vectors[i])
			} else if len(vectors[i]) != wantDims {
				roleErr = fmt.Errorf("embedder returned a %d-dimensional vector, expected %d", len(vectors[i]), wantDims)
			}
		}
		if roleErr != nil {
			encErr := &EncodingError{RoleID: role.ID, Err: roleErr}
			if opts.Strict {
				return nil, encErr
			}
			result.Excluded = append(result.Excluded, ExcludedRole{
				RoleID: role.ID,
				Reason: roleErr.Error(),
			})
			continue
		}

		metadata := map[string]string{
			"name": role.Name,
			"type": string(role.Type),
		}
		if err := e.index.Upsert(ctx, opts.Collection, role.ID, vectors[i], metadata); err != nil {
			return nil, &IndexUnavailableError{Err: err}
		}
		nodes = append(nodes, graph.Node{RoleID: role.ID, Vector: vectors[i]})
	}

	g, err := graph.Build(ctx, e.index, nodes, graph.Options{
		Collection:    opts.Collection,
		TopK:          opts.TopK,
		MinSimilarity: opts.MinSimilarity,
	})
	if err != nil {
		return nil, fmt.Errorf("building similarity graph: %w", err)
	}

	result.Edges = g.Edges
	result.Clusters = graph.FindClusters(g, opts.MinClusterSize)
	if len(g.Edges) == 0 && len(nodes) > 0 {
		result.Warnings = append(result.Warnings, WarnDegenerateGraph)
	}
	return result, nil
}

// Similar encodes and embeds a single policy and queries an existing
// collection for its nearest neighbors, without upserting anything.
// Results below opts.MinSimilarity are dropped.
func (e *Engine) Similar(ctx context.Context, p policy.Policy, opts Options) ([]index.Result, error) {
	opts = opts.withDefaults()

	text := policy.EncodePolicy(p)
	vector, err := e.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding query policy: %w", err)
	}
	if err := validateVector(vector); err != nil {
		return nil, fmt.Errorf("embedding query policy: %w", err)
	}

	results, err := e.index.Query(ctx, opts.Collection, vector, opts.TopK, "")
	if err != nil {
		return nil, &IndexUnavailableError{Err: err}
	}

	kept := results[:0]
	for _, r := range results {
		if r.Score >= opts.MinSimilarity {
			kept = append(kept, r)
		}
	}
	return kept, nil
}

// Stats returns the vector count for every collection in the index.
func (e *Engine) Stats(ctx context.Context) (map[string]int, error) {
	collections, err := e.index.Collections(ctx)
	if err != nil {
		return nil, &IndexUnavailableError{Err: err}
	}
	counts := make(map[string]int, len(collections))
	for _, collection := range collections {
		n, err := e.index.Count(ctx, collection)
		if err != nil {
			return nil, &IndexUnavailableError{Err: err}
		}
		counts[collection] = n
	}
	return counts, nil
}

// embedAll runs the bounded worker pool over the sorted roles. Each worker
// encodes one role's policy, embeds it, and validates the vector components.
// Per-role failures land in the returned error slice; the index is never
// touched here, so a partial pool leaves no partial writes behind.
func (e *Engine) embedAll(ctx context.Context, roles []policy.Role, opts Options) ([][]float32, []error, error) {
	vectors := make([][]float32, len(roles))
	roleErrs := make([]error, len(roles))

	workers := opts.Concurrency
	if workers > len(roles) {
		workers = len(roles)
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				role := roles[i]
				text := policy.EncodePolicy(role.Policy)

				vector, err := e.embedder.Embed(ctx, text)
				if err != nil {
					// Cancellation is reported by the caller, not as a
					// per-role failure.
					if ctx.Err() != nil {
						return
					}
					roleErrs[i] = err
					continue
				}
				if err := validateVector(vector); err != nil {
					roleErrs[i] = err
					continue
				}
				vectors[i] = vector
			}
		}()
	}

feed:
	for i := range roles {
		select {
		case jobs <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	return vectors, roleErrs, nil
}

// validateVector rejects embeddings the index must never see: empty vectors
// and vectors containing NaN or infinite components.
func validateVector(vector []float32) error {
	if len(vector) == 0 {
		return fmt.Errorf("embedder returned an empty vector")
	}
	for i, v := range vector {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("embedder returned a non-finite component at dimension %d", i)
		}
	}
	return nil
}
