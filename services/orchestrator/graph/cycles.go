// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

// DetectCycles reports the cycles found by a depth-first walk.
//
// Description:
//
//	Each back edge yields one cycle, returned as the path from the revisited
//	node around to itself (first and last elements are equal). Nodes are
//	walked in registration order and successors in sorted order, so the
//	result is stable for a given graph. Cycles are legal; the result is
//	informational.
//
// Inputs:
//
//	g - The graph to inspect.
//
// Outputs:
//
//	[][]string - One path per back edge. Nil for an acyclic graph.
func DetectCycles(g *Graph) [][]string {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	path := make([]string, 0)
	var cycles [][]string

	var dfs func(id string)
	dfs = func(id string) {
		visited[id] = true
		recStack[id] = true
		path = append(path, id)

		for _, next := range g.Successors(id) {
			if !visited[next] {
				dfs(next)
				continue
			}
			if !recStack[next] {
				continue
			}
			start := 0
			for i, n := range path {
				if n == next {
					start = i
					break
				}
			}
			cycle := make([]string, 0, len(path)-start+1)
			cycle = append(cycle, path[start:]...)
			cycle = append(cycle, next)
			cycles = append(cycles, cycle)
		}

		path = path[:len(path)-1]
		recStack[id] = false
	}

	for _, id := range g.order {
		if !visited[id] {
			dfs(id)
		}
	}
	return cycles
}
