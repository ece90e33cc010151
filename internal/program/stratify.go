package program

import (
	"fmt"
	"sort"

	"strata/internal/core"
)

// Stratification builds the dependency graph over rule heads, condenses it
// into strongly connected components, and rejects recursion through
// negation, through normal aggregation, or through fixed rules. Components
// are then grouped into strata by level: a dependency reached through a
// stratum-breaking edge must live in a strictly earlier stratum, while plain
// dependencies may share one. Strata are listed dependents-first — the entry
// stratum leads — and evaluation walks the list in reverse.

type depEdge struct {
	to       string
	breaking bool
}

// Stratify splits a normal program into strata.
func Stratify(p *NormalProgram, opts QueryOptions) (*StratifiedProgram, error) {
	graph := buildDepGraph(p)
	nodes := p.SortedNames()
	sccs := tarjan(nodes, graph)

	compOf := map[string]int{}
	for i, comp := range sccs {
		for _, name := range comp {
			compOf[name] = i
		}
	}

	// recursion through a stratum-breaking edge is unstratifiable
	for from, edges := range graph {
		for _, e := range edges {
			if e.breaking && compOf[from] == compOf[e.to] {
				return nil, fmt.Errorf("the rule '%s' is in the strongly connected component of '%s', but is behind negation or a non-meet aggregation: the program is unstratifiable", e.to, from)
			}
		}
	}

	// level per component: dependencies keep the level of their highest
	// dependent, +1 across breaking edges. Tarjan emits callees before
	// callers, so walking its output backwards visits dependents first.
	levels := make([]int, len(sccs))
	for i := len(sccs) - 1; i >= 0; i-- {
		for _, name := range sccs[i] {
			for _, e := range graph[name] {
				target := compOf[e.to]
				if target == i {
					continue
				}
				need := levels[i]
				if e.breaking {
					need++
				}
				if need > levels[target] {
					levels[target] = need
				}
			}
		}
	}

	maxLevel := 0
	for _, l := range levels {
		if l > maxLevel {
			maxLevel = l
		}
	}
	// the entry has no dependents, so it always sits at level 0 — the
	// stratum evaluated last
	if entryComp, ok := compOf[core.ProgEntry]; ok && len(sccs[entryComp]) > 1 {
		return nil, fmt.Errorf("the entry rule '?' cannot be recursive")
	}

	byLevel := make(map[int][]string)
	for i, comp := range sccs {
		byLevel[levels[i]] = append(byLevel[levels[i]], comp...)
	}

	out := &StratifiedProgram{Options: opts}
	for level := 0; level <= maxLevel; level++ {
		names := byLevel[level]
		if len(names) == 0 {
			continue
		}
		sort.Strings(names)
		stratum := &NormalProgram{
			Rules:               map[string]*NormalRuleSet{},
			DisableMagicRewrite: p.DisableMagicRewrite,
		}
		for _, name := range names {
			stratum.Rules[name] = p.Rules[name]
			stratum.Order = append(stratum.Order, name)
		}
		out.Strata = append(out.Strata, stratum)
	}
	return out, nil
}

// buildDepGraph adds one edge per (caller, callee) pair. An edge breaks
// stratification when the callee is applied under negation, when the callee
// computes a normal aggregation, or when the caller is a fixed rule (which
// needs its inputs fully materialized).
func buildDepGraph(p *NormalProgram) map[string][]depEdge {
	graph := map[string][]depEdge{}
	add := func(from, to string, breaking bool) {
		if _, defined := p.Rules[to]; !defined {
			return // stored relation or missing rule; compile reports the latter
		}
		graph[from] = append(graph[from], depEdge{to: to, breaking: breaking})
	}
	for name, set := range p.Rules {
		if set.Fixed != nil {
			for _, arg := range set.Fixed.RuleArgs {
				if arg.InMem {
					add(name, arg.Name.Name, true)
				}
			}
			continue
		}
		for _, rule := range set.Rules {
			for _, atom := range rule.Body {
				switch t := atom.(type) {
				case *NRule:
					callee := t.Name.Name
					breaking := false
					if calleeSet, ok := p.Rules[callee]; ok && calleeSet.HasNonMeetAggr() {
						breaking = true
					}
					add(name, callee, breaking)
				case *NNegRule:
					add(name, t.Name.Name, true)
				}
			}
		}
	}
	return graph
}

// tarjan computes strongly connected components; components come out with
// callees before callers.
func tarjan(nodes []string, graph map[string][]depEdge) [][]string {
	type nodeState struct {
		index   int
		lowlink int
		onStack bool
	}
	index := 0
	states := map[string]*nodeState{}
	var stack []string
	var out [][]string

	var strongConnect func(v string)
	strongConnect = func(v string) {
		st := &nodeState{index: index, lowlink: index}
		states[v] = st
		index++
		stack = append(stack, v)
		st.onStack = true

		for _, e := range graph[v] {
			w := e.to
			ws, seen := states[w]
			if !seen {
				strongConnect(w)
				if states[w].lowlink < st.lowlink {
					st.lowlink = states[w].lowlink
				}
			} else if ws.onStack {
				if ws.index < st.lowlink {
					st.lowlink = ws.index
				}
			}
		}

		if st.lowlink == st.index {
			var comp []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				states[w].onStack = false
				comp = append(comp, w)
				if w == v {
					break
				}
			}
			out = append(out, comp)
		}
	}

	for _, v := range nodes {
		if _, seen := states[v]; !seen {
			strongConnect(v)
		}
	}
	return out
}
