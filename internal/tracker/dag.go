package tracker

import (
	"slices"

	"github.com/dagtrail/dagtrail/internal/store"
	"github.com/dagtrail/dagtrail/pkg/schema"
)

// DAG is the in-memory graph of a run's nodes, keyed by logical node key.
// Built from persisted nodes and edges; used for readiness computation,
// cycle checking and branch comparison.
type DAG struct {
	Nodes   map[string]*store.Node // key → node
	Edges   map[string][]string    // key → dependency keys
	Reverse map[string][]string    // key → dependent keys
	Sorted  []string               // topological order
	Roots   []string               // keys with no dependencies
	Levels  [][]string             // parallel execution levels
}

// BuildGraph assembles a DAG from persisted nodes and edges. It performs
// topological sorting with Kahn's algorithm, detects cycles, and computes
// parallel execution levels.
func BuildGraph(nodes []*store.Node, edges []*store.Edge) (*DAG, error) {
	if len(nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "run has no nodes")
	}

	dag := &DAG{
		Nodes:   make(map[string]*store.Node, len(nodes)),
		Edges:   make(map[string][]string, len(nodes)),
		Reverse: make(map[string][]string, len(nodes)),
	}

	idToKey := make(map[string]string, len(nodes))
	for _, n := range nodes {
		if _, exists := dag.Nodes[n.Key]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node key: %s", n.Key)
		}
		dag.Nodes[n.Key] = n
		idToKey[n.ID] = n.Key
	}

	for _, e := range edges {
		from, okF := idToKey[e.FromNodeID]
		to, okT := idToKey[e.ToNodeID]
		if !okF || !okT {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"edge references unknown node: %s -> %s", e.FromNodeID, e.ToNodeID)
		}
		if from == to {
			return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "node %s depends on itself", from)
		}
		dag.Edges[to] = append(dag.Edges[to], from)
		dag.Reverse[from] = append(dag.Reverse[from], to)
	}

	// Kahn's algorithm: topological sort + cycle detection.
	inDegree := make(map[string]int, len(dag.Nodes))
	for key := range dag.Nodes {
		inDegree[key] = len(dag.Edges[key])
	}

	queue := make([]string, 0)
	for key, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, key)
		}
	}

	// Sort roots for deterministic ordering.
	slices.Sort(queue)
	dag.Roots = make([]string, len(queue))
	copy(dag.Roots, queue)

	sorted := make([]string, 0, len(dag.Nodes))
	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		sorted = append(sorted, key)

		dependents := make([]string, len(dag.Reverse[key]))
		copy(dependents, dag.Reverse[key])
		slices.Sort(dependents)

		for _, dep := range dependents {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(sorted) != len(dag.Nodes) {
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "run DAG contains a cycle")
	}

	dag.Sorted = sorted
	dag.Levels = computeLevels(dag)

	return dag, nil
}

// Ready returns the keys of pending nodes whose dependencies have all
// completed. The external executor consumes this to schedule the next wave.
func (d *DAG) Ready() []string {
	var ready []string
	for _, key := range d.Sorted {
		n := d.Nodes[key]
		if n.Status != schema.NodeStatusPending {
			continue
		}
		ok := true
		for _, dep := range d.Edges[key] {
			if d.Nodes[dep].Status != schema.NodeStatusCompleted {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, key)
		}
	}
	return ready
}

// computeLevels groups nodes into parallel execution levels. Nodes at the
// same level have all dependencies satisfied by previous levels.
func computeLevels(dag *DAG) [][]string {
	depth := make(map[string]int, len(dag.Nodes))

	for _, key := range dag.Sorted {
		maxDep := -1
		for _, dep := range dag.Edges[key] {
			if depth[dep] > maxDep {
				maxDep = depth[dep]
			}
		}
		depth[key] = maxDep + 1
	}

	maxLevel := 0
	for _, d := range depth {
		if d > maxLevel {
			maxLevel = d
		}
	}

	levels := make([][]string, maxLevel+1)
	for _, key := range dag.Sorted {
		d := depth[key]
		levels[d] = append(levels[d], key)
	}

	return levels
}
