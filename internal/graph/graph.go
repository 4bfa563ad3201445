package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

type edgeIndex struct {
	from int
	to   int
}

// Graph is an immutable, validated workflow DAG.
//
// It is safe for concurrent read access. A Graph is produced once per
// workflow version by NewGraph and is then shared by every scheduler and
// dispatcher instance that runs pipelines of this workflow.
type Graph struct {
	nodesByName map[string]*Node
	nodes       []*Node // canonical order

	edges []edgeIndex // sorted

	outgoing [][]int // by canonical index, sorted ascending
	incoming [][]int // by canonical index, sorted ascending
	indeg    []int   // by canonical index
	depth    []int   // by canonical index (topological depth)
	order    []int   // by canonical index, one deterministic topological order

	hash Hash
}

// NewGraph builds and validates a Graph from a task list.
//
// Validation rejects:
//   - an empty task list
//   - empty or duplicate task names
//   - dependencies naming a task not present in the list
//   - any cycle (direct or indirect)
func NewGraph(tasks []Metadata) (*Graph, error) {
	if len(tasks) == 0 {
		return nil, invalidf("no tasks")
	}

	nodesByName := make(map[string]*Node, len(tasks))
	nodes := make([]*Node, 0, len(tasks))

	for _, t := range tasks {
		if t.Name == "" {
			return nil, invalidf("task name is required")
		}
		if _, exists := nodesByName[t.Name]; exists {
			return nil, duplicateTask(t.Name)
		}
		node := &Node{Metadata: t, metaHash: computeMetaHash(t)}
		nodesByName[t.Name] = node
		nodes = append(nodes, node)
	}

	// Canonicalize nodes: sort by metadata hash primarily, then by name as a
	// stable tie-breaker. This makes canonical index independent of input order.
	sort.Slice(nodes, func(i, j int) bool {
		ai, aj := nodes[i], nodes[j]
		if ai.metaHash != aj.metaHash {
			return ai.metaHash < aj.metaHash
		}
		return ai.Metadata.Name < aj.Metadata.Name
	})
	for i, n := range nodes {
		n.canonicalIndex = i
	}

	nameToIndex := make(map[string]int, len(nodes))
	for _, n := range nodes {
		nameToIndex[n.Metadata.Name] = n.canonicalIndex
	}

	mapped := make([]edgeIndex, 0)
	seen := make(map[edgeIndex]struct{})
	for _, n := range nodes {
		for _, dep := range n.Metadata.Dependencies {
			fromIdx, ok := nameToIndex[dep]
			if !ok {
				return nil, unknownDependency(n.Metadata.Name, dep)
			}
			pair := edgeIndex{from: fromIdx, to: n.canonicalIndex}
			if _, dup := seen[pair]; dup {
				continue
			}
			seen[pair] = struct{}{}
			mapped = append(mapped, pair)
		}
	}

	sort.Slice(mapped, func(i, j int) bool {
		a, b := mapped[i], mapped[j]
		if a.from != b.from {
			return a.from < b.from
		}
		return a.to < b.to
	})

	outgoing := make([][]int, len(nodes))
	incoming := make([][]int, len(nodes))
	indeg := make([]int, len(nodes))
	for _, e := range mapped {
		outgoing[e.from] = append(outgoing[e.from], e.to)
		incoming[e.to] = append(incoming[e.to], e.from)
		indeg[e.to]++
	}
	for i := range outgoing {
		sort.Ints(outgoing[i])
	}
	for i := range incoming {
		sort.Ints(incoming[i])
	}

	g := &Graph{
		nodesByName: nodesByName,
		nodes:       nodes,
		edges:       mapped,
		outgoing:    outgoing,
		incoming:    incoming,
		indeg:       indeg,
	}

	order, err := g.topoSort()
	if err != nil {
		return nil, err
	}
	g.order = order
	g.depth = g.computeDepth(order)
	g.hash = g.computeHash()
	return g, nil
}

// Hash returns the stable workflow-version identity for this graph.
func (g *Graph) Hash() Hash { return g.hash }

// Node returns a node by name.
func (g *Graph) Node(name string) (*Node, bool) {
	n, ok := g.nodesByName[name]
	return n, ok
}

// Nodes returns the nodes in canonical order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// Dependencies returns the direct dependency names of a task, in canonical order.
func (g *Graph) Dependencies(name string) []string {
	n, ok := g.nodesByName[name]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(g.incoming[n.canonicalIndex]))
	for _, idx := range g.incoming[n.canonicalIndex] {
		out = append(out, g.nodes[idx].Metadata.Name)
	}
	return out
}

// Dependents returns the direct dependents of a task, in canonical order.
func (g *Graph) Dependents(name string) []string {
	n, ok := g.nodesByName[name]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(g.outgoing[n.canonicalIndex]))
	for _, idx := range g.outgoing[n.canonicalIndex] {
		out = append(out, g.nodes[idx].Metadata.Name)
	}
	return out
}

// Edges returns the dependency edges as stable (From, To) name pairs.
func (g *Graph) Edges() []Edge {
	out := make([]Edge, 0, len(g.edges))
	for _, e := range g.edges {
		out = append(out, Edge{From: g.nodes[e.from].Metadata.Name, To: g.nodes[e.to].Metadata.Name})
	}
	return out
}

// Depth returns the deterministic topological depth of a task: the length
// of the longest path from any root to the task. The scheduler orders
// predecessor contexts for merging by it (ties broken by name); it is not
// an execution-ordering guarantee for independent tasks.
func (g *Graph) Depth(name string) (int, bool) {
	n, ok := g.nodesByName[name]
	if !ok {
		return 0, false
	}
	return g.depth[n.canonicalIndex], true
}

// TopologicalOrder returns the deterministic topological ordering of task
// names computed once at construction time.
func (g *Graph) TopologicalOrder() []string {
	names := make([]string, 0, len(g.order))
	for _, idx := range g.order {
		names = append(names, g.nodes[idx].Metadata.Name)
	}
	return names
}

func (g *Graph) computeDepth(order []int) []int {
	depth := make([]int, len(g.nodes))
	for _, u := range order {
		maxParent := 0
		for _, p := range g.incoming[u] {
			if cand := depth[p] + 1; cand > maxParent {
				maxParent = cand
			}
		}
		depth[u] = maxParent
	}
	return depth
}

func (g *Graph) computeHash() Hash {
	h := sha256.New()
	writeField := func(data []byte) {
		length := uint64(len(data))
		lengthBytes := make([]byte, 8)
		for i := 0; i < 8; i++ {
			lengthBytes[i] = byte(length >> (56 - 8*i))
		}
		h.Write(lengthBytes)
		h.Write(data)
	}

	writeField([]byte{byte(len(g.nodes))})
	for _, n := range g.nodes {
		writeField([]byte(n.Metadata.Name))
		writeField([]byte(n.metaHash))
	}

	writeField([]byte{byte(len(g.edges))})
	for _, e := range g.edges {
		writeField([]byte{byte(e.from >> 24), byte(e.from >> 16), byte(e.from >> 8), byte(e.from)})
		writeField([]byte{byte(e.to >> 24), byte(e.to >> 16), byte(e.to >> 8), byte(e.to)})
	}

	sum := h.Sum(nil)
	return Hash(hex.EncodeToString(sum))
}

// computeMetaHash hashes the declarative fields that make a task definition
// distinct for fingerprinting purposes: its dependency set and trigger rule.
// Name is deliberately excluded from ordering input but included in the
// overall graph hash above via writeField(name) so renames still alter the
// fingerprint.
func computeMetaHash(m Metadata) metaHash {
	h := sha256.New()
	deps := append([]string(nil), m.Dependencies...)
	sort.Strings(deps)
	for _, d := range deps {
		h.Write([]byte(d))
		h.Write([]byte{0})
	}
	h.Write([]byte{1})
	h.Write(canonicalRule(m.Trigger))
	sum := h.Sum(nil)
	return metaHash(hex.EncodeToString(sum))
}

// topoSort computes a deterministic topological order with Kahn's
// algorithm. The frontier of zero-indegree nodes is kept as a sorted slice
// rather than a priority queue: workflow graphs are small enough that
// insertion into a sorted slice is cheaper in practice than maintaining
// heap invariants, and it keeps processing order a direct function of
// canonical index with no auxiliary container type. Ties are broken by
// canonical index so the result depends only on graph structure, never on
// map iteration or caller-supplied order.
func (g *Graph) topoSort() ([]int, error) {
	indeg := append([]int(nil), g.indeg...)

	frontier := make([]int, 0, len(g.nodes))
	for i, d := range indeg {
		if d == 0 {
			frontier = insertAscending(frontier, i)
		}
	}

	order := make([]int, 0, len(indeg))
	for len(frontier) > 0 {
		next := frontier[0]
		frontier = frontier[1:]
		order = append(order, next)
		for _, dependent := range g.outgoing[next] {
			indeg[dependent]--
			if indeg[dependent] == 0 {
				frontier = insertAscending(frontier, dependent)
			}
		}
	}

	if len(order) == len(g.nodes) {
		return order, nil
	}
	return nil, cycleDetected(g.findCycleWitness(indeg))
}

// insertAscending inserts v into s, which must already be sorted ascending,
// and returns the resulting sorted slice.
func insertAscending(s []int, v int) []int {
	i := sort.SearchInts(s, v)
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

// findCycleWitness extracts one offending cycle after topoSort's Kahn's-
// algorithm pass leaves residual in-degree on some nodes. A node's
// in-degree only stays above zero when at least one of its predecessors
// was also never retired, so walking backward through stuck predecessors
// is guaranteed to revisit a node, and the loop closed by that revisit is
// an offending cycle. This needs no coloring or recursion: the residual
// in-degree array from the failed Kahn's pass already marks every
// unretired node.
func (g *Graph) findCycleWitness(residual []int) []string {
	start := -1
	for i, d := range residual {
		if d > 0 {
			start = i
			break
		}
	}
	if start == -1 {
		return nil
	}

	firstSeenAt := make(map[int]int)
	path := make([]int, 0)
	cur := start
	for {
		if at, seen := firstSeenAt[cur]; seen {
			path = path[at:]
			break
		}
		firstSeenAt[cur] = len(path)
		path = append(path, cur)
		cur = stuckPredecessor(g.incoming[cur], residual)
	}

	names := make([]string, 0, len(path))
	for _, idx := range path {
		names = append(names, g.nodes[idx].Metadata.Name)
	}
	return names
}

// stuckPredecessor returns a predecessor of idx whose in-degree never
// reached zero in the failed Kahn's pass. One always exists: a node is
// only ever added to the frontier once every incoming edge has been
// retired, so a node left with residual indegree must have at least one
// predecessor that was itself never retired.
func stuckPredecessor(candidates []int, residual []int) int {
	for _, p := range candidates {
		if residual[p] > 0 {
			return p
		}
	}
	panic("graph: cycle witness invariant violated: stuck node has no stuck predecessor")
}
