package graph

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ritzau/incident-trees/pkg/model"
	gonum "gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// ErrNodeNotFound is returned when a node id is not part of the graph
var ErrNodeNotFound = errors.New("node not found")

// IncidentGraph is a read-only topology index over one incident graph
type IncidentGraph struct {
	graph     *simple.DirectedGraph
	nodes     map[string]*model.Node // Map from alert id to node
	ids       map[string]int64       // Map from alert id to graph ID
	names     map[int64]string       // Map from graph ID back to alert id
	order     []string               // Alert ids in graph order
	selfLoops map[string]bool        // Nodes with a parent -> self edge
}

// Build indexes a graph snapshot. Duplicate node ids keep the first
// occurrence; duplicate edges collapse into one.
func Build(g *model.Graph) *IncidentGraph {
	ig := &IncidentGraph{
		graph:     simple.NewDirectedGraph(),
		nodes:     make(map[string]*model.Node),
		ids:       make(map[string]int64),
		names:     make(map[int64]string),
		selfLoops: make(map[string]bool),
	}

	for _, node := range g.Nodes {
		if _, exists := ig.nodes[node.ID]; exists {
			continue
		}
		id := int64(len(ig.order))
		ig.nodes[node.ID] = node
		ig.ids[node.ID] = id
		ig.names[id] = node.ID
		ig.order = append(ig.order, node.ID)
		ig.graph.AddNode(simple.Node(id))
	}

	for _, edge := range g.Edges {
		sourceID, sourceOK := ig.ids[edge.Source]
		targetID, targetOK := ig.ids[edge.Target]
		if !sourceOK || !targetOK {
			continue
		}

		// simple.DirectedGraph rejects self edges, track them on the side
		if sourceID == targetID {
			ig.selfLoops[edge.Source] = true
			continue
		}
		if !ig.graph.HasEdgeFromTo(sourceID, targetID) {
			ig.graph.SetEdge(ig.graph.NewEdge(ig.graph.Node(sourceID), ig.graph.Node(targetID)))
		}
	}

	return ig
}

// Directed returns the underlying directed graph, without self edges
func (ig *IncidentGraph) Directed() gonum.Directed {
	return ig.graph
}

// NodeName returns the alert id for a graph ID
func (ig *IncidentGraph) NodeName(id int64) (string, bool) {
	name, ok := ig.names[id]
	return name, ok
}

// Len returns the number of distinct nodes
func (ig *IncidentGraph) Len() int {
	return len(ig.order)
}

// HasSelfLoop reports whether the node has an edge to itself
func (ig *IncidentGraph) HasSelfLoop(nodeID string) bool {
	return ig.selfLoops[nodeID]
}

// SelfLoops returns the nodes with an edge to themselves, in graph order
func (ig *IncidentGraph) SelfLoops() []string {
	var loops []string
	for _, id := range ig.order {
		if ig.selfLoops[id] {
			loops = append(loops, id)
		}
	}
	return loops
}

// Roots returns the nodes without a parent reference, in graph order
func (ig *IncidentGraph) Roots() []string {
	var roots []string
	for _, id := range ig.order {
		if ig.nodes[id].IsRoot {
			roots = append(roots, id)
		}
	}
	return roots
}

// Orphans returns nodes whose parent is not part of the graph. They are
// neither roots nor reachable from one.
func (ig *IncidentGraph) Orphans() []string {
	var orphans []string
	for _, id := range ig.order {
		node := ig.nodes[id]
		if node.ParentID == nil {
			continue
		}
		if _, ok := ig.nodes[*node.ParentID]; !ok {
			orphans = append(orphans, id)
		}
	}
	return orphans
}

// Children returns the direct children of a node, in graph order
func (ig *IncidentGraph) Children(nodeID string) []string {
	id, exists := ig.ids[nodeID]
	if !exists {
		return nil
	}

	var children []int64
	iter := ig.graph.From(id)
	for iter.Next() {
		children = append(children, iter.Node().ID())
	}
	return ig.sortedNames(children)
}

// Parent returns the node's parent if it is part of the graph. A self
// reference is not a parent.
func (ig *IncidentGraph) Parent(nodeID string) (string, bool) {
	id, exists := ig.ids[nodeID]
	if !exists {
		return "", false
	}

	// Duplicate alert ids can give a node several parents; the earliest wins
	var parents []int64
	iter := ig.graph.To(id)
	for iter.Next() {
		parents = append(parents, iter.Node().ID())
	}
	if len(parents) == 0 {
		return "", false
	}
	return ig.sortedNames(parents)[0], true
}

// Ancestors returns the chain of parents, nearest first. The walk stops at
// a root, at a missing parent, or when it would revisit a node.
func (ig *IncidentGraph) Ancestors(nodeID string) []string {
	var ancestors []string
	seen := map[string]bool{nodeID: true}

	current := nodeID
	for {
		parent, ok := ig.Parent(current)
		if !ok || seen[parent] {
			return ancestors
		}
		seen[parent] = true
		ancestors = append(ancestors, parent)
		current = parent
	}
}

// Depth returns the number of edges between a node and its root, or -1 if
// no root can be reached (orphaned subtree or parent loop).
func (ig *IncidentGraph) Depth(nodeID string) int {
	node, exists := ig.nodes[nodeID]
	if !exists {
		return -1
	}
	if node.IsRoot {
		return 0
	}

	ancestors := ig.Ancestors(nodeID)
	if len(ancestors) == 0 {
		return -1
	}
	if !ig.nodes[ancestors[len(ancestors)-1]].IsRoot {
		return -1
	}
	return len(ancestors)
}

// Descendants returns every node below nodeID, breadth first
func (ig *IncidentGraph) Descendants(nodeID string) []string {
	start, exists := ig.ids[nodeID]
	if !exists {
		return nil
	}

	var result []string
	visited := map[int64]bool{start: true}
	queue := []int64{start}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		var next []int64
		iter := ig.graph.From(current)
		for iter.Next() {
			id := iter.Node().ID()
			if !visited[id] {
				visited[id] = true
				next = append(next, id)
			}
		}
		for _, name := range ig.sortedNames(next) {
			result = append(result, name)
			queue = append(queue, ig.ids[name])
		}
	}
	return result
}

// TopologicalOrder returns the nodes parents-before-children. It fails if
// the parent references form a loop.
func (ig *IncidentGraph) TopologicalOrder() ([]string, error) {
	sorted, err := topo.SortStabilized(ig.graph, func(nodes []gonum.Node) {
		sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID() < nodes[j].ID() })
	})
	if err != nil {
		return nil, fmt.Errorf("ordering incident graph: %w", err)
	}

	order := make([]string, 0, len(sorted))
	for _, n := range sorted {
		order = append(order, ig.names[n.ID()])
	}
	return order, nil
}

// sortedNames maps graph IDs to alert ids in graph order. Graph IDs are
// assigned in graph order, so sorting the IDs is enough.
func (ig *IncidentGraph) sortedNames(ids []int64) []string {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		names = append(names, ig.names[id])
	}
	return names
}

// NodeDetail is what the detail view shows for a selected node
type NodeDetail struct {
	GroupID     string      `json:"groupId"`
	Node        *model.Node `json:"node"`
	Parent      string      `json:"parent,omitempty"` // Empty for roots and orphans
	Children    []string    `json:"children"`
	Ancestors   []string    `json:"ancestors"`
	Depth       int         `json:"depth"` // -1 when no root is reachable
	SubtreeSize int         `json:"subtreeSize"`
	Orphan      bool        `json:"orphan"`
	SelfLoop    bool        `json:"selfLoop"`
}

// Detail collects the detail view of one node
func (ig *IncidentGraph) Detail(groupID, nodeID string) (NodeDetail, error) {
	node, exists := ig.nodes[nodeID]
	if !exists {
		return NodeDetail{}, fmt.Errorf("%w: %s in group %s", ErrNodeNotFound, nodeID, groupID)
	}

	parent, _ := ig.Parent(nodeID)
	parentPresent := false
	if node.ParentID != nil {
		_, parentPresent = ig.nodes[*node.ParentID]
	}

	children := ig.Children(nodeID)
	if children == nil {
		children = []string{}
	}
	ancestors := ig.Ancestors(nodeID)
	if ancestors == nil {
		ancestors = []string{}
	}

	return NodeDetail{
		GroupID:     groupID,
		Node:        node,
		Parent:      parent,
		Children:    children,
		Ancestors:   ancestors,
		Depth:       ig.Depth(nodeID),
		SubtreeSize: len(ig.Descendants(nodeID)),
		Orphan:      node.ParentID != nil && !parentPresent,
		SelfLoop:    ig.selfLoops[nodeID],
	}, nil
}
