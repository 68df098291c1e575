package store

import (
	"sort"

	"github.com/ritzau/incident-trees/pkg/model"
)

// Diff describes how a reconcile changed a group's graph. Node entries are
// node ids; edge entries are "source|target" keys. Lists are sorted.
type Diff struct {
	AddedNodes    []string `json:"addedNodes"`
	RemovedNodes  []string `json:"removedNodes"`
	ModifiedNodes []string `json:"modifiedNodes"`
	AddedEdges    []string `json:"addedEdges"`
	RemovedEdges  []string `json:"removedEdges"`
	// FullGraph is set when there was no previous graph to compare with.
	FullGraph bool `json:"fullGraph"`
}

// Empty reports whether the structure did not change at all.
func (d *Diff) Empty() bool {
	return len(d.AddedNodes) == 0 && len(d.RemovedNodes) == 0 && len(d.ModifiedNodes) == 0 &&
		len(d.AddedEdges) == 0 && len(d.RemovedEdges) == 0
}

// ComputeDiff compares the previous graph of a group with its replacement.
func ComputeDiff(prev, next *model.Graph) *Diff {
	diff := &Diff{
		AddedNodes:    make([]string, 0),
		RemovedNodes:  make([]string, 0),
		ModifiedNodes: make([]string, 0),
		AddedEdges:    make([]string, 0),
		RemovedEdges:  make([]string, 0),
	}

	if prev == nil {
		diff.FullGraph = true
		for _, n := range next.Nodes {
			diff.AddedNodes = append(diff.AddedNodes, n.ID)
		}
		for _, e := range next.Edges {
			diff.AddedEdges = append(diff.AddedEdges, e.Key())
		}
		sortDiff(diff)
		return diff
	}

	oldNodes := make(map[string]*model.Node, len(prev.Nodes))
	for _, n := range prev.Nodes {
		oldNodes[n.ID] = n
	}
	newNodes := make(map[string]*model.Node, len(next.Nodes))
	for _, n := range next.Nodes {
		newNodes[n.ID] = n
	}

	for id, n := range newNodes {
		old, exists := oldNodes[id]
		switch {
		case !exists:
			diff.AddedNodes = append(diff.AddedNodes, id)
		case !nodesEqual(old, n):
			diff.ModifiedNodes = append(diff.ModifiedNodes, id)
		}
	}
	for id := range oldNodes {
		if _, exists := newNodes[id]; !exists {
			diff.RemovedNodes = append(diff.RemovedNodes, id)
		}
	}

	oldEdges := edgeSet(prev)
	newEdges := edgeSet(next)
	for key := range newEdges {
		if !oldEdges[key] {
			diff.AddedEdges = append(diff.AddedEdges, key)
		}
	}
	for key := range oldEdges {
		if !newEdges[key] {
			diff.RemovedEdges = append(diff.RemovedEdges, key)
		}
	}

	sortDiff(diff)
	return diff
}

func edgeSet(g *model.Graph) map[string]bool {
	set := make(map[string]bool, len(g.Edges))
	for _, e := range g.Edges {
		set[e.Key()] = true
	}
	return set
}

// nodesEqual compares what an operator sees; timestamps and the transient
// flag always differ between batches.
func nodesEqual(a, b *model.Node) bool {
	return a.Label == b.Label &&
		a.IsRoot == b.IsRoot &&
		ptrEqual(a.ParentID, b.ParentID) &&
		a.Properties == b.Properties
}

func ptrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sortDiff(d *Diff) {
	sort.Strings(d.AddedNodes)
	sort.Strings(d.RemovedNodes)
	sort.Strings(d.ModifiedNodes)
	sort.Strings(d.AddedEdges)
	sort.Strings(d.RemovedEdges)
}
