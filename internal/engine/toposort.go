package engine

import (
	"fmt"
	"sort"

	"github.com/win10ogod/skillflow-mcp/internal/schema"
)

// TopoOrder returns a deterministic topological order over the graph's
// nodes, honouring both edges and depends_on. Ties break on node id so
// sequential runs visit nodes in a stable order.
func TopoOrder(g *schema.SkillGraph) ([]string, error) {
	indegree := make(map[string]int, len(g.Nodes))
	successors := make(map[string][]string, len(g.Nodes))
	for _, n := range g.Nodes {
		indegree[n.ID] = 0
	}
	addEdge := func(from, to string) {
		successors[from] = append(successors[from], to)
		indegree[to]++
	}
	for _, e := range g.Edges {
		addEdge(e.From, e.To)
	}
	for _, n := range g.Nodes {
		for _, dep := range n.DependsOn {
			addEdge(dep, n.ID)
		}
	}

	ready := make([]string, 0, len(g.Nodes))
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(g.Nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		next := successors[id]
		sort.Strings(next)
		for _, succ := range next {
			indegree[succ]--
			if indegree[succ] == 0 {
				ready = insertSorted(ready, succ)
			}
		}
	}
	if len(order) != len(g.Nodes) {
		return nil, fmt.Errorf("engine: graph contains a cycle")
	}
	return order, nil
}

func insertSorted(ids []string, id string) []string {
	i := sort.SearchStrings(ids, id)
	ids = append(ids, "")
	copy(ids[i+1:], ids[i:])
	ids[i] = id
	return ids
}

// embeddedNodeIDs collects every node id referenced as a conditional
// branch or loop body, transitively. Embedded nodes run in-line under
// their owner and are excluded from top-level scheduling.
func embeddedNodeIDs(g *schema.SkillGraph) map[string]bool {
	embedded := make(map[string]bool)
	var claim func(ids []string)
	claim = func(ids []string) {
		for _, id := range ids {
			if embedded[id] {
				continue
			}
			embedded[id] = true
			node := g.Node(id)
			if node == nil {
				continue
			}
			if node.Conditional != nil {
				for _, b := range node.Conditional.Branches {
					claim(b.Nodes)
				}
				claim(node.Conditional.DefaultBranch)
			}
			if node.Loop != nil {
				claim(node.Loop.Body)
			}
		}
	}
	for _, n := range g.Nodes {
		if n.Conditional != nil {
			for _, b := range n.Conditional.Branches {
				claim(b.Nodes)
			}
			claim(n.Conditional.DefaultBranch)
		}
		if n.Loop != nil {
			claim(n.Loop.Body)
		}
	}
	return embedded
}
