package compiler

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/truthlayer/internal/registry"
)

// CycleWarning reports entity types whose extraction rules reach each other.
//
// Extraction recurses into nested objects, so a cycle only expands as deep as
// the payload nests. It is a warning, not an error: a person whose employer
// lists its employees is a legitimate shape.
type CycleWarning struct {
	Path    []string `json:"path"`    // ["company", "person", "company"]
	Message string   `json:"message"` // Human-readable description
	Level   string   `json:"level"`   // "warning"
}

// AnalyzeExtraction builds the entity type -> extracted entity type graph and
// reports every strongly connected component (including self-loops) as a
// warning. Warnings are sorted by path for stable output.
func AnalyzeExtraction(defs []registry.Definition) []CycleWarning {
	graph := buildExtractionGraph(defs)
	if len(graph) == 0 {
		return []CycleWarning{}
	}

	warnings := []CycleWarning{}
	for _, scc := range tarjanSCC(graph) {
		if len(scc) > 1 || hasSelfLoop(scc[0], graph) {
			warnings = append(warnings, cycleSCCToWarning(scc, graph))
		}
	}
	slices.SortFunc(warnings, func(a, b CycleWarning) int {
		return strings.Compare(strings.Join(a.Path, "/"), strings.Join(b.Path, "/"))
	})
	return warnings
}

// dependencyGraph maps entity_type -> entity types it extracts.
type dependencyGraph map[string][]string

func buildExtractionGraph(defs []registry.Definition) dependencyGraph {
	graph := make(dependencyGraph)
	for _, d := range defs {
		if graph[d.EntityType] == nil {
			graph[d.EntityType] = []string{}
		}
		for _, r := range d.Extraction {
			if !slices.Contains(graph[d.EntityType], r.EntityType) {
				graph[d.EntityType] = append(graph[d.EntityType], r.EntityType)
			}
		}
	}
	for node := range graph {
		slices.Sort(graph[node])
	}
	return graph
}

func hasSelfLoop(node string, graph dependencyGraph) bool {
	return slices.Contains(graph[node], node)
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm.
// Nodes are visited in sorted order so component order is deterministic.
func tarjanSCC(graph dependencyGraph) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	nodes := make([]string, 0, len(graph))
	for node := range graph {
		nodes = append(nodes, node)
	}
	slices.Sort(nodes)
	for _, node := range nodes {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}
	return sccs
}

func cycleSCCToWarning(scc []string, graph dependencyGraph) CycleWarning {
	if len(scc) == 1 {
		t := scc[0]
		return CycleWarning{
			Path:    []string{t, t},
			Message: fmt.Sprintf("entity type extracts itself: %s → %s", t, t),
			Level:   "warning",
		}
	}

	path := reconstructCyclePath(scc, graph)
	return CycleWarning{
		Path:    path,
		Message: fmt.Sprintf("extraction cycle: %s", strings.Join(path, " → ")),
		Level:   "warning",
	}
}

// reconstructCyclePath walks edges inside the SCC from its smallest member
// until it returns to the start.
func reconstructCyclePath(scc []string, graph dependencyGraph) []string {
	members := make(map[string]bool, len(scc))
	for _, n := range scc {
		members[n] = true
	}
	start := slices.Min(scc)
	current := start
	path := []string{current}
	visited := make(map[string]bool)

	for {
		visited[current] = true
		var next string
		for _, neighbor := range graph[current] {
			if members[neighbor] && (!visited[neighbor] || neighbor == start) {
				next = neighbor
				break
			}
		}
		if next == "" {
			break
		}
		path = append(path, next)
		if next == start {
			break
		}
		current = next
	}
	return path
}
