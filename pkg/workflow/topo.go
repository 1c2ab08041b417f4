package workflow

import (
	"fmt"
	"sort"
	"strings"
)

// TopologicalOrder runs Kahn's algorithm over the graph's edges and returns
// node ids in a deterministic execution order: ready nodes are taken in
// insertion order, so re-running an identical plan yields an identical
// order. A cycle returns an error naming the residual node set; callers
// must not execute any node in that case.
func TopologicalOrder(g *Graph) ([]string, error) {
	indexOf := make(map[string]int, g.NodeCount())
	for i, node := range g.Nodes() {
		indexOf[node.ID] = i
	}

	inDegree := make(map[string]int, g.NodeCount())
	adjacency := make(map[string][]string)
	for _, node := range g.Nodes() {
		inDegree[node.ID] = 0
	}
	for _, edge := range g.Edges() {
		inDegree[edge.TargetID]++
		adjacency[edge.SourceID] = append(adjacency[edge.SourceID], edge.TargetID)
	}

	var ready []string
	for _, node := range g.Nodes() {
		if inDegree[node.ID] == 0 {
			ready = append(ready, node.ID)
		}
	}

	order := make([]string, 0, g.NodeCount())
	for len(ready) > 0 {
		// Ties break by insertion order.
		sort.Slice(ready, func(i, j int) bool { return indexOf[ready[i]] < indexOf[ready[j]] })
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		for _, target := range adjacency[next] {
			inDegree[target]--
			if inDegree[target] == 0 {
				ready = append(ready, target)
			}
		}
	}

	if len(order) < g.NodeCount() {
		residual := make([]string, 0)
		inOrder := make(map[string]bool, len(order))
		for _, id := range order {
			inOrder[id] = true
		}
		for _, node := range g.Nodes() {
			if !inOrder[node.ID] {
				residual = append(residual, node.Name)
			}
		}
		return nil, fmt.Errorf("%s: cycle among nodes [%s]", ErrCodeCycleDetected, strings.Join(residual, ", "))
	}
	return order, nil
}
