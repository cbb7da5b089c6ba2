package schema

import (
	"fmt"
	"strings"
)

// Validate checks the structural invariants of a skill graph: node ids
// are unique, every reference resolves, kind-specific payloads are
// present, export paths are $.-rooted JSONPaths, and the dependency
// relation (edges plus depends_on) is acyclic.
func (g *SkillGraph) Validate() error {
	ids := make(map[string]bool, len(g.Nodes))
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.ID == "" {
			return fmt.Errorf("schema: node %d has empty id", i)
		}
		if ids[n.ID] {
			return fmt.Errorf("schema: duplicate node id %q", n.ID)
		}
		ids[n.ID] = true
	}

	for i := range g.Nodes {
		n := &g.Nodes[i]
		if err := n.validate(ids); err != nil {
			return err
		}
	}

	for _, e := range g.Edges {
		if !ids[e.From] {
			return fmt.Errorf("schema: edge references unknown node %q", e.From)
		}
		if !ids[e.To] {
			return fmt.Errorf("schema: edge references unknown node %q", e.To)
		}
	}

	for phase, nodeIDs := range g.Concurrency.Phases {
		for _, id := range nodeIDs {
			if !ids[id] {
				return fmt.Errorf("schema: phase %q references unknown node %q", phase, id)
			}
		}
	}

	return g.checkAcyclic()
}

func (n *SkillNode) validate(ids map[string]bool) error {
	for _, dep := range n.DependsOn {
		if !ids[dep] {
			return fmt.Errorf("schema: node %q depends on unknown node %q", n.ID, dep)
		}
	}
	for name, path := range n.ExportOutputs {
		if !strings.HasPrefix(path, "$.") {
			return fmt.Errorf("schema: node %q export %q: path %q must start with $.", n.ID, name, path)
		}
	}
	switch n.Kind {
	case NodeToolCall:
		if n.Server == "" || n.Tool == "" {
			return fmt.Errorf("schema: tool_call node %q requires server and tool", n.ID)
		}
	case NodeSkillCall:
		if n.SkillID == "" {
			return fmt.Errorf("schema: skill_call node %q requires skill_id", n.ID)
		}
	case NodeConditional:
		if n.Conditional == nil {
			return fmt.Errorf("schema: conditional node %q missing payload", n.ID)
		}
		for bi, b := range n.Conditional.Branches {
			if b.Condition == "" {
				return fmt.Errorf("schema: conditional node %q branch %d has empty condition", n.ID, bi)
			}
			for _, id := range b.Nodes {
				if !ids[id] {
					return fmt.Errorf("schema: conditional node %q references unknown node %q", n.ID, id)
				}
			}
		}
		for _, id := range n.Conditional.DefaultBranch {
			if !ids[id] {
				return fmt.Errorf("schema: conditional node %q references unknown node %q", n.ID, id)
			}
		}
	case NodeLoop:
		if n.Loop == nil {
			return fmt.Errorf("schema: loop node %q missing payload", n.ID)
		}
		switch n.Loop.Kind {
		case LoopFor:
			if n.Loop.Collection == "" {
				return fmt.Errorf("schema: for loop node %q requires collection", n.ID)
			}
		case LoopWhile:
			if n.Loop.Condition == "" {
				return fmt.Errorf("schema: while loop node %q requires condition", n.ID)
			}
		case LoopForRange:
			// zero start/end is a legal empty range
		default:
			return fmt.Errorf("schema: loop node %q has unknown loop kind %q", n.ID, n.Loop.Kind)
		}
		for _, id := range n.Loop.Body {
			if !ids[id] {
				return fmt.Errorf("schema: loop node %q references unknown node %q", n.ID, id)
			}
		}
	default:
		return fmt.Errorf("schema: node %q has unknown kind %q", n.ID, n.Kind)
	}
	return nil
}

// checkAcyclic runs Kahn's algorithm over the union of edges and
// depends_on; leftover nodes with nonzero in-degree form a cycle.
func (g *SkillGraph) checkAcyclic() error {
	inDegree := make(map[string]int, len(g.Nodes))
	adj := make(map[string][]string, len(g.Nodes))
	for i := range g.Nodes {
		inDegree[g.Nodes[i].ID] = 0
	}
	addEdge := func(from, to string) {
		adj[from] = append(adj[from], to)
		inDegree[to]++
	}
	for _, e := range g.Edges {
		addEdge(e.From, e.To)
	}
	for i := range g.Nodes {
		for _, dep := range g.Nodes[i].DependsOn {
			addEdge(dep, g.Nodes[i].ID)
		}
	}

	var queue []string
	for id, d := range inDegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range adj[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(g.Nodes) {
		var cyclic []string
		for id, d := range inDegree {
			if d > 0 {
				cyclic = append(cyclic, id)
			}
		}
		return fmt.Errorf("schema: graph contains a cycle involving %v", cyclic)
	}
	return nil
}
