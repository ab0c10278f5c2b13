package graph

import (
	"sort"
)

// DefaultMinClusterSize is the smallest component reported as a cluster.
// Singletons and mutual pairs are not clusters; they surface as edges.
const DefaultMinClusterSize = 3

// Cluster is a group of roles that mutually reference each other as
// similar: a strongly connected component of the similarity graph.
type Cluster struct {
	Members []string `json:"members"` // sorted ascending
	Size    int      `json:"size"`
}

// FindClusters runs Tarjan's strongly-connected-components algorithm over
// the graph and returns components with at least minSize members (pass 0
// for the default of 3). Clusters are sorted by size descending, ties by
// lexicographically smallest member. Components are disjoint by
// construction, so no role appears in two clusters.
//
// The traversal uses an explicit stack rather than recursion so large role
// corpora cannot hit goroutine stack limits, and visits nodes in role-ID
// order so identical graphs always produce identical output.
func FindClusters(g *Graph, minSize int) []Cluster {
	if minSize <= 0 {
		minSize = DefaultMinClusterSize
	}
	if g == nil || len(g.nodes) == 0 {
		return nil
	}

	t := newTarjan(g)
	for _, id := range g.nodes {
		if t.idx[id] == 0 {
			t.strongConnect(id)
		}
	}

	clusters := make([]Cluster, 0, len(t.components))
	for _, members := range t.components {
		if len(members) < minSize {
			continue
		}
		sort.Strings(members)
		clusters = append(clusters, Cluster{Members: members, Size: len(members)})
	}

	sort.Slice(clusters, func(i, j int) bool {
		if clusters[i].Size != clusters[j].Size {
			return clusters[i].Size > clusters[j].Size
		}
		return clusters[i].Members[0] < clusters[j].Members[0]
	})
	return clusters
}

// tarjan holds the per-run state of the SCC computation. A node moves from
// unvisited (idx 0) to on-stack, and is settled into exactly one component
// when its subtree completes; settled nodes never re-enter the stack.
type tarjan struct {
	g          *Graph
	counter    int
	idx        map[string]int // discovery index, 0 = unvisited
	lowLink    map[string]int
	onStack    map[string]bool
	stack      []string
	components [][]string
}

func newTarjan(g *Graph) *tarjan {
	n := len(g.nodes)
	return &tarjan{
		g:       g,
		idx:     make(map[string]int, n),
		lowLink: make(map[string]int, n),
		onStack: make(map[string]bool, n),
	}
}

// frame is one entry of the explicit DFS stack: a node and the position of
// the next neighbor to visit.
type frame struct {
	node string
	next int
}

// strongConnect runs the iterative DFS from root, emitting every component
// rooted in its subtree.
func (t *tarjan) strongConnect(root string) {
	work := []frame{{node: root}}
	t.visit(root)

	for len(work) > 0 {
		f := &work[len(work)-1]
		neighbors := t.g.Neighbors(f.node)

		if f.next < len(neighbors) {
			next := neighbors[f.next]
			f.next++

			if t.idx[next] == 0 {
				t.visit(next)
				work = append(work, frame{node: next})
			} else if t.onStack[next] {
				if t.idx[next] < t.lowLink[f.node] {
					t.lowLink[f.node] = t.idx[next]
				}
			}
			continue
		}

		// Subtree of f.node complete.
		node := f.node
		work = work[:len(work)-1]

		if len(work) > 0 {
			parent := work[len(work)-1].node
			if t.lowLink[node] < t.lowLink[parent] {
				t.lowLink[parent] = t.lowLink[node]
			}
		}

		if t.lowLink[node] == t.idx[node] {
			var members []string
			for {
				top := t.stack[len(t.stack)-1]
				t.stack = t.stack[:len(t.stack)-1]
				t.onStack[top] = false
				members = append(members, top)
				if top == node {
					break
				}
			}
			t.components = append(t.components, members)
		}
	}
}

// visit assigns the node its discovery index and pushes it on the
// component stack.
func (t *tarjan) visit(node string) {
	t.counter++
	t.idx[node] = t.counter
	t.lowLink[node] = t.counter
	t.onStack[node] = true
	t.stack = append(t.stack, node)
}
