package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Descendants returns all node ids reachable from startID by following
// the given relations in the source-to-target direction. If no
// relations are given, ImpactRelations are used. The start node itself
// is excluded. Deleted nodes and edges touching them are skipped.
func Descendants(snap Snapshot, startID string, relations ...string) []string {
	if len(relations) == 0 {
		relations = ImpactRelations
	}
	follow := make(map[string]bool, len(relations))
	for _, r := range relations {
		follow[r] = true
	}

	adjacency := make(map[string][]string)
	for _, e := range snap.LiveEdges() {
		if follow[e.Relation] {
			adjacency[e.Source] = append(adjacency[e.Source], e.Target)
		}
	}

	visited := map[string]bool{startID: true}
	queue := []string{startID}
	var out []string

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, next := range adjacency[current] {
			if visited[next] {
				continue
			}
			visited[next] = true
			out = append(out, next)
			queue = append(queue, next)
		}
	}

	sort.Strings(out)
	return out
}

// EnsureAcyclic verifies that the impact relations form a DAG. Other
// relation types may contain cycles and are not checked.
func EnsureAcyclic(snap Snapshot) error {
	follow := make(map[string]bool, len(ImpactRelations))
	for _, r := range ImpactRelations {
		follow[r] = true
	}

	adjacency := make(map[string][]string)
	for _, e := range snap.LiveEdges() {
		if follow[e.Relation] {
			adjacency[e.Source] = append(adjacency[e.Source], e.Target)
		}
	}

	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int)

	var stack []string
	var visit func(id string) *CycleError
	visit = func(id string) *CycleError {
		state[id] = inStack
		stack = append(stack, id)
		for _, next := range adjacency[id] {
			switch state[next] {
			case inStack:
				// Slice the current DFS stack from the repeated node.
				for i, sid := range stack {
					if sid == next {
						return &CycleError{Nodes: append([]string(nil), stack[i:]...)}
					}
				}
				return &CycleError{Nodes: []string{next, id}}
			case unvisited:
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return nil
	}

	for _, n := range snap.LiveNodes() {
		if state[n.ID] == unvisited {
			if err := visit(n.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// StableHash returns a deterministic digest of the graph content,
// ignoring version and metadata, for fixed-point convergence checks.
func StableHash(snap Snapshot) string {
	nodes := append([]Node(nil), snap.Nodes...)
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	edges := append([]Edge(nil), snap.Edges...)
	sort.Slice(edges, func(i, j int) bool {
		a, b := edges[i], edges[j]
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		if a.Target != b.Target {
			return a.Target < b.Target
		}
		return a.Relation < b.Relation
	})

	canonical := struct {
		Nodes []Node `json:"resources"`
		Edges []Edge `json:"edges"`
	}{nodes, edges}

	b, err := json.Marshal(canonical)
	if err != nil {
		// Marshal of plain maps/slices cannot fail; keep the signature simple.
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
