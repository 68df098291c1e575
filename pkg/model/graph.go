package model

import "time"

// Graph is one incident tree: the nodes and edges reconstructed from the
// latest alert batch of a group. Nodes and Edges keep the order of the
// batch they were built from.
type Graph struct {
	Nodes     []*Node   `json:"nodes"`
	Edges     []*Edge   `json:"edges"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	// BatchID identifies the reconcile that produced Nodes and Edges.
	BatchID string `json:"batchId,omitempty"`
}

// NewGraph creates a new empty graph.
func NewGraph(now time.Time) *Graph {
	return &Graph{
		Nodes:     make([]*Node, 0),
		Edges:     make([]*Edge, 0),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Node is a vertex derived 1:1 from an alert.
type Node struct {
	ID string `json:"id"`
	// Label is the alert summary, or "Alert <id>" when the summary is empty.
	Label string `json:"label"`
	// ParentID is nil when the alert has no parent. It may name an alert
	// outside the batch, in which case the node has no incoming edge.
	ParentID   *string        `json:"parentId"`
	IsRoot     bool           `json:"isRoot"`
	Timestamp  time.Time      `json:"timestamp"`
	Properties NodeProperties `json:"properties"`
	Metadata   NodeMetadata   `json:"metadata"`
	IsNew      bool           `json:"isNew"`
}

// NodeProperties are the operator-facing attributes of a node.
type NodeProperties struct {
	Service string `json:"service"`
	Summary string `json:"summary"`
}

// NodeMetadata keeps the alert the node was built from.
type NodeMetadata struct {
	OriginalAlert Alert `json:"original_alert"`
}

// Edge is a parent -> child connection between two nodes of the same batch.
type Edge struct {
	Source    string    `json:"source"`
	Target    string    `json:"target"`
	Timestamp time.Time `json:"timestamp"`
	IsNew     bool      `json:"isNew"`
}

// Key identifies an edge for diffing.
func (e *Edge) Key() string {
	return e.Source + "|" + e.Target
}

// AddNode appends a node to the graph.
func (g *Graph) AddNode(node *Node) {
	g.Nodes = append(g.Nodes, node)
}

// AddEdge appends an edge to the graph.
func (g *Graph) AddEdge(edge *Edge) {
	g.Edges = append(g.Edges, edge)
}

// Node returns the first node with the given id.
func (g *Graph) Node(id string) (*Node, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return nil, false
}

// ClearNew retires the transient flag on every node and edge and reports
// how many elements were still flagged.
func (g *Graph) ClearNew() int {
	cleared := 0
	for _, n := range g.Nodes {
		if n.IsNew {
			n.IsNew = false
			cleared++
		}
	}
	for _, e := range g.Edges {
		if e.IsNew {
			e.IsNew = false
			cleared++
		}
	}
	return cleared
}

// Clone returns a deep copy so callers can read it without holding the
// owner's lock.
func (g *Graph) Clone() *Graph {
	if g == nil {
		return nil
	}
	out := &Graph{
		Nodes:     make([]*Node, len(g.Nodes)),
		Edges:     make([]*Edge, len(g.Edges)),
		CreatedAt: g.CreatedAt,
		UpdatedAt: g.UpdatedAt,
		BatchID:   g.BatchID,
	}
	for i, n := range g.Nodes {
		cp := *n
		if n.ParentID != nil {
			parent := *n.ParentID
			cp.ParentID = &parent
		}
		out.Nodes[i] = &cp
	}
	for i, e := range g.Edges {
		cp := *e
		out.Edges[i] = &cp
	}
	return out
}

// GraphSummary is the list-view row for one group.
type GraphSummary struct {
	GroupID   string    `json:"groupId"`
	NodeCount int       `json:"nodeCount"`
	EdgeCount int       `json:"edgeCount"`
	RootCount int       `json:"rootCount"`
	NewCount  int       `json:"newCount"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Summary condenses the graph for the list view.
func (g *Graph) Summary(groupID string) GraphSummary {
	s := GraphSummary{
		GroupID:   groupID,
		NodeCount: len(g.Nodes),
		EdgeCount: len(g.Edges),
		CreatedAt: g.CreatedAt,
		UpdatedAt: g.UpdatedAt,
	}
	for _, n := range g.Nodes {
		if n.IsRoot {
			s.RootCount++
		}
		if n.IsNew {
			s.NewCount++
		}
	}
	for _, e := range g.Edges {
		if e.IsNew {
			s.NewCount++
		}
	}
	return s
}
