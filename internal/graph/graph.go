// Package graph builds the directed similarity graph over roles and
// detects clusters of mutually similar roles.
//
// An edge R→S means "S is among R's top-K most similar roles with score at
// or above the minimum threshold". The relation is intentionally asymmetric:
// A may list B as similar without B listing A, and clustering must preserve
// that distinction. Clusters are therefore strongly connected components —
// every member reaches every other member by directed edges — rather than
// components of the undirected projection.
package graph

import (
	"context"
	"fmt"
	"sort"

	"github.com/permitlab/rolescope/internal/index"
)

// DefaultTopK is the default number of neighbors queried per role.
const DefaultTopK = 3

// DefaultMinSimilarity is the default edge admission threshold.
const DefaultMinSimilarity = 0.5

// Edge is a directed, weighted similarity edge between two roles.
type Edge struct {
	Source string  `json:"source"`
	Target string  `json:"target"`
	Score  float64 `json:"score"`
}

// Graph is the directed similarity graph for one analysis run.
// It is rebuilt from the index on every run and never persisted.
type Graph struct {
	Edges []Edge `json:"edges"`

	// adjacency maps each node to its outgoing neighbors, sorted by
	// target ID ascending. Includes nodes with no outgoing edges.
	adjacency map[string][]string
	nodes     []string
}

// Node is one queryable role: its ID and the embedding derived for it
// during the current run.
type Node struct {
	RoleID string
	Vector []float32
}

// Querier is the slice of the index capability the builder needs.
type Querier interface {
	Query(ctx context.Context, collection string, vector []float32, topK int, excludeID string) ([]index.Result, error)
}

// Options controls graph construction.
type Options struct {
	Collection    string
	TopK          int     // defaults to DefaultTopK
	MinSimilarity float64 // 0 means DefaultMinSimilarity; negative admits every neighbor
}

// Build constructs the similarity graph for the given nodes by querying the
// index for each node's top-K neighbors and keeping those at or above the
// similarity threshold. Nodes are processed in role-ID order and each query
// has a deterministic result ordering, so an unchanged index and identical
// options always yield an identical edge list.
func Build(ctx context.Context, q Querier, nodes []Node, opts Options) (*Graph, error) {
	topK := opts.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	minSimilarity := opts.MinSimilarity
	if minSimilarity == 0 {
		minSimilarity = DefaultMinSimilarity
	}

	sorted := make([]Node, len(nodes))
	copy(sorted, nodes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RoleID < sorted[j].RoleID })

	g := &Graph{adjacency: make(map[string][]string, len(sorted))}
	for _, n := range sorted {
		g.nodes = append(g.nodes, n.RoleID)
		g.adjacency[n.RoleID] = nil
	}

	for _, n := range sorted {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		results, err := q.Query(ctx, opts.Collection, n.Vector, topK, n.RoleID)
		if err != nil {
			return nil, fmt.Errorf("querying neighbors for role %q: %w", n.RoleID, err)
		}

		for _, r := range results {
			if r.Score < minSimilarity {
				continue
			}
			g.Edges = append(g.Edges, Edge{Source: n.RoleID, Target: r.RoleID, Score: r.Score})
			g.adjacency[n.RoleID] = append(g.adjacency[n.RoleID], r.RoleID)
		}
		sort.Strings(g.adjacency[n.RoleID])
	}

	return g, nil
}

// Nodes returns all node IDs in ascending order.
func (g *Graph) Nodes() []string {
	return g.nodes
}

// Neighbors returns the outgoing neighbor IDs of a node, sorted ascending.
func (g *Graph) Neighbors(id string) []string {
	return g.adjacency[id]
}
