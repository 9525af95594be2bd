package planner

import (
	"fmt"
	"strings"

	"github.com/opnctl/iacengine/pkg/iac/types"
)

// node is one scheduled half of a change: a plain create/update/delete, or
// one half (delete or create) of a decomposed replace. id is unique across
// the whole scheduled graph even though a replace's two halves share a
// resourceId.
type node struct {
	id       string
	change   types.Change
	resource string
}

// edge is a scheduling dependency: from must be scheduled in a wave before
// to.
type edge struct {
	from, to string
}

// dagBuilder computes level assignments (waves) over the scheduled change
// graph using Kahn's algorithm, the same level-by-level topological sort the
// teacher's engine.DAGBuilder uses for plan units.
type dagBuilder struct {
	nodes         map[string]*node
	adjacency     map[string][]string // from -> []to
	reverse       map[string][]string // to -> []from
	inDegree      map[string]int
	levels        [][]string
}

func newDAGBuilder() *dagBuilder {
	return &dagBuilder{
		nodes:     make(map[string]*node),
		adjacency: make(map[string][]string),
		reverse:   make(map[string][]string),
		inDegree:  make(map[string]int),
	}
}

func (b *dagBuilder) addNode(n *node) {
	b.nodes[n.id] = n
	if _, ok := b.adjacency[n.id]; !ok {
		b.adjacency[n.id] = nil
	}
	if _, ok := b.reverse[n.id]; !ok {
		b.reverse[n.id] = nil
	}
	if _, ok := b.inDegree[n.id]; !ok {
		b.inDegree[n.id] = 0
	}
}

func (b *dagBuilder) addEdge(e edge) {
	b.adjacency[e.from] = append(b.adjacency[e.from], e.to)
	b.reverse[e.to] = append(b.reverse[e.to], e.from)
	b.inDegree[e.to]++
}

// detectCycle runs a DFS cycle check; any SCC of size >1 is a planning
// error.
func (b *dagBuilder) detectCycle() error {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var path []string

	var visit func(id string) error
	visit = func(id string) error {
		visited[id] = true
		onStack[id] = true
		path = append(path, id)
		for _, next := range b.adjacency[id] {
			if !visited[next] {
				if err := visit(next); err != nil {
					return err
				}
			} else if onStack[next] {
				return fmt.Errorf("cycle detected: %s", strings.Join(append(path, next), " -> "))
			}
		}
		onStack[id] = false
		path = path[:len(path)-1]
		return nil
	}

	for id := range b.nodes {
		if !visited[id] {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// computeLevels assigns each node a wave index via Kahn's algorithm:
// longest-path-from-roots level assignment using repeated in-degree
// reduction.
func (b *dagBuilder) computeLevels() error {
	remaining := make(map[string]int, len(b.inDegree))
	for id, d := range b.inDegree {
		remaining[id] = d
	}

	var current []string
	for id, d := range remaining {
		if d == 0 {
			current = append(current, id)
		}
	}

	processed := 0
	for len(current) > 0 {
		b.levels = append(b.levels, current)
		processed += len(current)

		var next []string
		for _, id := range current {
			for _, dependent := range b.adjacency[id] {
				remaining[dependent]--
				if remaining[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		current = next
	}

	if processed != len(b.nodes) {
		return fmt.Errorf("dependency graph has a cycle involving %d unscheduled node(s)", len(b.nodes)-processed)
	}
	return nil
}

// waves renders the level assignment into ordered, deterministically
// tie-broken Wave values: within a wave, order by (op priority, resourceId).
func (b *dagBuilder) waves(estimate func(types.Change) float64) []types.Wave {
	out := make([]types.Wave, 0, len(b.levels))
	for i, ids := range b.levels {
		changes := make([]types.Change, 0, len(ids))
		for _, id := range ids {
			changes = append(changes, b.nodes[id].change)
		}
		sortChanges(changes)

		var maxCost float64
		for _, c := range changes {
			if cost := estimate(c); cost > maxCost {
				maxCost = cost
			}
		}
		out = append(out, types.Wave{Index: i, Changes: changes, EstimatedSeconds: maxCost})
	}
	return out
}

func sortChanges(changes []types.Change) {
	for i := 1; i < len(changes); i++ {
		for j := i; j > 0; j-- {
			a, b := changes[j-1], changes[j]
			if less(b, a) {
				changes[j-1], changes[j] = changes[j], changes[j-1]
			} else {
				break
			}
		}
	}
}

func less(a, b types.Change) bool {
	pa, pb := opPriority(a), opPriority(b)
	if pa != pb {
		return pa < pb
	}
	return a.ResourceID < b.ResourceID
}

func opPriority(c types.Change) int {
	op := c.Op
	if c.ReplaceHalf != "" {
		op = c.ReplaceHalf
	}
	return op.Priority()
}
