package plugin

import (
	"fmt"
	"log/slog"
)

// Sort orders the catalog so every dependency comes before its dependents.
// Cycles and unknown dependencies are reported to sink and ignored; every ID
// appears exactly once and unrelated plugins keep catalog order.
func Sort(cat *Catalog, sink Sink) []string {
	order, _ := SortEdges(cat, sink)
	return order
}

// SortEdges is Sort that also returns, per plugin, the dependencies the order
// honours. Each returned dependency appears earlier in the order than its
// dependent; edges dropped because of a cycle or a missing plugin are absent.
func SortEdges(cat *Catalog, sink Sink) ([]string, map[string][]string) {
	const (
		unvisited = iota
		visiting
		done
	)

	state := make(map[string]int, cat.Len())
	edges := make(map[string][]string)
	order := make([]string, 0, cat.Len())

	var visit func(id string)
	visit = func(id string) {
		state[id] = visiting
		def, _ := cat.Get(id)

		seen := make(map[string]bool, len(def.Dependencies))
		for _, dep := range def.Dependencies {
			if seen[dep] {
				continue
			}
			seen[dep] = true

			if _, ok := cat.Get(dep); !ok {
				sink.emit(Diagnostic{
					Plugin:  id,
					Related: dep,
					Kind:    DiagMissingDependency,
					Level:   slog.LevelWarn,
					Message: fmt.Sprintf("plugin %s depends on %s which is not found", id, dep),
				})
				continue
			}

			switch state[dep] {
			case visiting:
				sink.emit(Diagnostic{
					Plugin:  id,
					Related: dep,
					Kind:    DiagCycle,
					Level:   slog.LevelWarn,
					Message: fmt.Sprintf("circular dependency detected involving plugin %s", dep),
				})
				continue
			case unvisited:
				visit(dep)
			}
			edges[id] = append(edges[id], dep)
		}

		state[id] = done
		order = append(order, id)
	}

	for _, id := range cat.IDs() {
		if state[id] == unvisited {
			visit(id)
		}
	}
	return order, edges
}
