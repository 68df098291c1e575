package cycles

import (
	"fmt"
	"sort"
	"strings"

	"gonum.org/v1/gonum/graph/topo"

	"github.com/ritzau/incident-trees/pkg/graph"
)

// ParentLoop represents alerts whose parent references form a cycle
type ParentLoop struct {
	Alerts []string // Alert ids in the loop, in graph order
}

// Analysis holds the structural problems of one incident graph
type Analysis struct {
	Loops     []ParentLoop // Multi-node parent loops
	SelfLoops []string     // Alerts that name themselves as parent
	Orphans   []string     // Alerts whose parent is not in the batch
}

// Clean reports whether the graph is a proper forest
func (a Analysis) Clean() bool {
	return len(a.Loops) == 0 && len(a.SelfLoops) == 0 && len(a.Orphans) == 0
}

// Warnings renders the problems as short operator-facing messages
func (a Analysis) Warnings() []string {
	var warnings []string
	for _, loop := range a.Loops {
		warnings = append(warnings, fmt.Sprintf("parent loop: %s", strings.Join(loop.Alerts, " -> ")))
	}
	for _, id := range a.SelfLoops {
		warnings = append(warnings, fmt.Sprintf("alert %s is its own parent", id))
	}
	for _, id := range a.Orphans {
		warnings = append(warnings, fmt.Sprintf("alert %s references a parent outside the batch", id))
	}
	return warnings
}

// Analyze finds parent loops, self references and orphans in an incident graph.
// Self edges cannot exist in the gonum graph, so single-node components are
// never loops; self references come from the graph's own bookkeeping.
func Analyze(ig *graph.IncidentGraph) Analysis {
	var sccs [][]int64
	for _, component := range topo.TarjanSCC(ig.Directed()) {
		if len(component) < 2 {
			continue
		}
		ids := make([]int64, len(component))
		for i, n := range component {
			ids[i] = n.ID()
		}
		// Graph IDs follow graph order
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		sccs = append(sccs, ids)
	}
	sort.Slice(sccs, func(i, j int) bool { return sccs[i][0] < sccs[j][0] })

	loops := make([]ParentLoop, 0, len(sccs))
	for _, scc := range sccs {
		alerts := make([]string, 0, len(scc))
		for _, nodeID := range scc {
			if name, ok := ig.NodeName(nodeID); ok {
				alerts = append(alerts, name)
			}
		}
		loops = append(loops, ParentLoop{Alerts: alerts})
	}

	return Analysis{
		Loops:     loops,
		SelfLoops: ig.SelfLoops(),
		Orphans:   ig.Orphans(),
	}
}
