package fixedrule

import (
	"container/heap"
	"fmt"
	"sort"

	"strata/internal/core"
	"strata/internal/expr"
	"strata/internal/store"
)

// Graph algorithms over edge-list inputs. Nodes are arbitrary scalars,
// compared by their codec form.

func init() {
	Register("BFS", &searchRule{name: "BFS", dfs: false})
	Register("DFS", &searchRule{name: "DFS", dfs: true})
	Register("ShortestPathDijkstra", &dijkstraRule{})
	Register("ConnectedComponents", &connectedComponents{})
	Register("TopSort", &topSort{})
	Register("PageRank", &pageRank{})
}

// adjacency builds the out-edge map keyed by codec form.
type adjacency struct {
	next  map[string][]Edge
	nodes map[string]core.Value
}

func buildAdjacency(edges []Edge) *adjacency {
	adj := &adjacency{next: map[string][]Edge{}, nodes: map[string]core.Value{}}
	for _, e := range edges {
		fk := keyFor(e.From)
		adj.next[fk] = append(adj.next[fk], e)
		adj.nodes[fk] = e.From
		adj.nodes[keyFor(e.To)] = e.To
	}
	return adj
}

func (a *adjacency) sortedNodeKeys() []string {
	keys := make([]string, 0, len(a.nodes))
	for k := range a.nodes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// searchRule covers BFS and DFS: from every starting node, visit reachable
// nodes up to the limit and report (start, reached, path).
type searchRule struct {
	NoOptions
	name string
	dfs  bool
}

func (s *searchRule) Arity(map[string]expr.Expr, []core.Symbol, core.Span) (int, error) {
	return 3, nil
}

func (s *searchRule) Run(p *Payload, out *store.MemStore, poison core.Poison) error {
	edgesIn, err := p.Input(0)
	if err != nil {
		return err
	}
	edges, err := edgesIn.Edges()
	if err != nil {
		return err
	}
	adj := buildAdjacency(edges)

	var starts []core.Value
	if startIn, err := p.Input(1); err == nil {
		starts, err = startIn.Nodes()
		if err != nil {
			return err
		}
	} else {
		for _, k := range adj.sortedNodeKeys() {
			starts = append(starts, adj.nodes[k])
		}
	}
	limit, err := p.IntOption("limit", int64(len(adj.nodes))+1)
	if err != nil {
		return err
	}

	for _, start := range starts {
		if err := poison.Check(); err != nil {
			return err
		}
		type frame struct {
			node core.Value
			path core.List
		}
		visited := map[string]bool{keyFor(start): true}
		frontier := []frame{{node: start, path: core.List{start}}}
		found := int64(0)
		for len(frontier) > 0 && found < limit {
			var cur frame
			if s.dfs {
				cur = frontier[len(frontier)-1]
				frontier = frontier[:len(frontier)-1]
			} else {
				cur = frontier[0]
				frontier = frontier[1:]
			}
			if keyFor(cur.node) != keyFor(start) {
				out.Put(core.Tuple{start, cur.node, cur.path}, 0)
				found++
			}
			for _, e := range adj.next[keyFor(cur.node)] {
				tk := keyFor(e.To)
				if visited[tk] {
					continue
				}
				visited[tk] = true
				path := append(append(core.List{}, cur.path...), e.To)
				frontier = append(frontier, frame{node: e.To, path: path})
			}
		}
	}
	return nil
}

// dijkstraRule computes single-source shortest paths and reports
// (start, goal, cost, path).
type dijkstraRule struct{ NoOptions }

func (d *dijkstraRule) Arity(map[string]expr.Expr, []core.Symbol, core.Span) (int, error) {
	return 4, nil
}

type pqItem struct {
	key  string
	cost float64
}

type costHeap []pqItem

func (h costHeap) Len() int            { return len(h) }
func (h costHeap) Less(i, j int) bool  { return h[i].cost < h[j].cost }
func (h costHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *costHeap) Push(x interface{}) { *h = append(*h, x.(pqItem)) }
func (h *costHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func (d *dijkstraRule) Run(p *Payload, out *store.MemStore, poison core.Poison) error {
	edgesIn, err := p.Input(0)
	if err != nil {
		return err
	}
	edges, err := edgesIn.Edges()
	if err != nil {
		return err
	}
	adj := buildAdjacency(edges)

	startsIn, err := p.Input(1)
	if err != nil {
		return err
	}
	starts, err := startsIn.Nodes()
	if err != nil {
		return err
	}

	var goalKeys map[string]bool
	if goalsIn, err := p.Input(2); err == nil {
		goals, err := goalsIn.Nodes()
		if err != nil {
			return err
		}
		goalKeys = map[string]bool{}
		for _, g := range goals {
			goalKeys[keyFor(g)] = true
		}
	}

	for _, start := range starts {
		if err := poison.Check(); err != nil {
			return err
		}
		dist := map[string]float64{keyFor(start): 0}
		prev := map[string]string{}
		settled := map[string]bool{}
		h := &costHeap{{key: keyFor(start), cost: 0}}
		for h.Len() > 0 {
			cur := heap.Pop(h).(pqItem)
			if settled[cur.key] {
				continue
			}
			settled[cur.key] = true
			for _, e := range adj.next[cur.key] {
				tk := keyFor(e.To)
				nd := cur.cost + e.Weight
				if old, seen := dist[tk]; !seen || nd < old {
					dist[tk] = nd
					prev[tk] = cur.key
					heap.Push(h, pqItem{key: tk, cost: nd})
				}
			}
		}
		// materialize paths for every settled goal
		for tk := range settled {
			if tk == keyFor(start) {
				continue
			}
			if goalKeys != nil && !goalKeys[tk] {
				continue
			}
			goal := adj.nodes[tk]
			path := core.List{goal}
			for at := tk; at != keyFor(start); {
				parent, ok := prev[at]
				if !ok {
					return fmt.Errorf("internal error: broken shortest-path chain")
				}
				var parentNode core.Value
				if parent == keyFor(start) {
					parentNode = start
				} else {
					parentNode = adj.nodes[parent]
				}
				path = append(core.List{parentNode}, path...)
				at = parent
			}
			out.Put(core.Tuple{start, goal, core.Float(dist[tk]), path}, 0)
		}
	}
	return nil
}

// connectedComponents labels each node with the smallest codec-order node of
// its undirected component, reporting (node, component_representative).
type connectedComponents struct{ NoOptions }

func (c *connectedComponents) Arity(map[string]expr.Expr, []core.Symbol, core.Span) (int, error) {
	return 2, nil
}

func (c *connectedComponents) Run(p *Payload, out *store.MemStore, poison core.Poison) error {
	edgesIn, err := p.Input(0)
	if err != nil {
		return err
	}
	edges, err := edgesIn.Edges()
	if err != nil {
		return err
	}
	parent := map[string]string{}
	var find func(string) string
	find = func(x string) string {
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}
	ensure := func(x string) {
		if _, ok := parent[x]; !ok {
			parent[x] = x
		}
	}
	nodes := map[string]core.Value{}
	for _, e := range edges {
		if err := poison.Check(); err != nil {
			return err
		}
		fk, tk := keyFor(e.From), keyFor(e.To)
		nodes[fk], nodes[tk] = e.From, e.To
		ensure(fk)
		ensure(tk)
		rf, rt := find(fk), find(tk)
		if rf != rt {
			// keep the codec-smaller representative so labels are
			// deterministic
			if rf < rt {
				parent[rt] = rf
			} else {
				parent[rf] = rt
			}
		}
	}
	for k, v := range nodes {
		out.Put(core.Tuple{v, nodes[find(k)]}, 0)
	}
	return nil
}

// topSort emits (position, node) for a topological order of the edge input;
// cycles are an error.
type topSort struct{ NoOptions }

func (t *topSort) Arity(map[string]expr.Expr, []core.Symbol, core.Span) (int, error) {
	return 2, nil
}

func (t *topSort) Run(p *Payload, out *store.MemStore, poison core.Poison) error {
	edgesIn, err := p.Input(0)
	if err != nil {
		return err
	}
	edges, err := edgesIn.Edges()
	if err != nil {
		return err
	}
	adj := buildAdjacency(edges)
	indeg := map[string]int{}
	for k := range adj.nodes {
		indeg[k] = 0
	}
	for _, es := range adj.next {
		for _, e := range es {
			indeg[keyFor(e.To)]++
		}
	}
	var queue []string
	for _, k := range adj.sortedNodeKeys() {
		if indeg[k] == 0 {
			queue = append(queue, k)
		}
	}
	pos := int64(0)
	for len(queue) > 0 {
		if err := poison.Check(); err != nil {
			return err
		}
		k := queue[0]
		queue = queue[1:]
		out.Put(core.Tuple{core.Int(pos), adj.nodes[k]}, 0)
		pos++
		for _, e := range adj.next[k] {
			tk := keyFor(e.To)
			indeg[tk]--
			if indeg[tk] == 0 {
				queue = append(queue, tk)
			}
		}
	}
	if int(pos) != len(adj.nodes) {
		return fmt.Errorf("topological sort requires an acyclic graph at %s", p.At)
	}
	return nil
}

// pageRank runs power iteration, reporting (node, rank).
type pageRank struct{ NoOptions }

func (r *pageRank) Arity(map[string]expr.Expr, []core.Symbol, core.Span) (int, error) {
	return 2, nil
}

func (r *pageRank) Run(p *Payload, out *store.MemStore, poison core.Poison) error {
	edgesIn, err := p.Input(0)
	if err != nil {
		return err
	}
	edges, err := edgesIn.Edges()
	if err != nil {
		return err
	}
	theta, err := p.FloatOption("theta", 0.85)
	if err != nil {
		return err
	}
	epsilon, err := p.FloatOption("epsilon", 1e-7)
	if err != nil {
		return err
	}
	iterations, err := p.IntOption("iterations", 20)
	if err != nil {
		return err
	}

	adj := buildAdjacency(edges)
	keys := adj.sortedNodeKeys()
	n := len(keys)
	if n == 0 {
		return nil
	}
	idx := map[string]int{}
	for i, k := range keys {
		idx[k] = i
	}
	outDeg := make([]int, n)
	targets := make([][]int, n)
	for k, es := range adj.next {
		i := idx[k]
		outDeg[i] = len(es)
		for _, e := range es {
			targets[i] = append(targets[i], idx[keyFor(e.To)])
		}
	}

	rank := make([]float64, n)
	for i := range rank {
		rank[i] = 1.0 / float64(n)
	}
	for it := int64(0); it < iterations; it++ {
		if err := poison.Check(); err != nil {
			return err
		}
		next := make([]float64, n)
		base := (1 - theta) / float64(n)
		for i := range next {
			next[i] = base
		}
		for i := 0; i < n; i++ {
			if outDeg[i] == 0 {
				// dangling mass spreads uniformly
				share := theta * rank[i] / float64(n)
				for j := range next {
					next[j] += share
				}
				continue
			}
			share := theta * rank[i] / float64(outDeg[i])
			for _, j := range targets[i] {
				next[j] += share
			}
		}
		delta := 0.0
		for i := range next {
			d := next[i] - rank[i]
			if d < 0 {
				d = -d
			}
			delta += d
		}
		rank = next
		if delta < epsilon {
			break
		}
	}
	for i, k := range keys {
		out.Put(core.Tuple{adj.nodes[k], core.Float(rank[i])}, 0)
	}
	return nil
}
