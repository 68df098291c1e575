package reconcile

import (
	"fmt"
	"math/rand"
	"reflect"
	"testing"
	"time"

	"github.com/ritzau/incident-trees/pkg/model"
)

var now = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func TestRootAndChild(t *testing.T) {
	alerts := []model.Alert{
		{ID: "root", ParentID: "", Service: "s1", Summary: "A"},
		{ID: "c1", ParentID: "root", Service: "s2", Summary: "B"},
	}

	g := Reconcile("g1", alerts, now)

	if len(g.Nodes) != 2 {
		t.Fatalf("Expected 2 nodes, got %d", len(g.Nodes))
	}
	root, _ := g.Node("root")
	c1, _ := g.Node("c1")
	if !root.IsRoot {
		t.Error("root should be a root")
	}
	if root.ParentID != nil {
		t.Errorf("root.ParentID should be nil, got %q", *root.ParentID)
	}
	if c1.IsRoot {
		t.Error("c1 should not be a root")
	}
	if c1.ParentID == nil || *c1.ParentID != "root" {
		t.Errorf("c1.ParentID = %v, want root", c1.ParentID)
	}

	if len(g.Edges) != 1 {
		t.Fatalf("Expected 1 edge, got %d", len(g.Edges))
	}
	if g.Edges[0].Source != "root" || g.Edges[0].Target != "c1" {
		t.Errorf("Expected edge root->c1, got %s->%s", g.Edges[0].Source, g.Edges[0].Target)
	}
}

func TestMissingParent(t *testing.T) {
	g := Reconcile("g1", []model.Alert{{ID: "x", ParentID: "missing", Service: "s", Summary: "M"}}, now)

	if len(g.Nodes) != 1 {
		t.Fatalf("Expected 1 node, got %d", len(g.Nodes))
	}
	if g.Nodes[0].IsRoot {
		t.Error("node with a non-empty parent_id must not be a root")
	}
	if g.Nodes[0].ParentID == nil || *g.Nodes[0].ParentID != "missing" {
		t.Error("ParentID should keep the dangling reference")
	}
	if len(g.Edges) != 0 {
		t.Errorf("Expected 0 edges, got %d", len(g.Edges))
	}
}

func TestEmptyBatch(t *testing.T) {
	g := Reconcile("g1", nil, now)

	if len(g.Nodes) != 0 || len(g.Edges) != 0 {
		t.Errorf("Expected empty graph, got %d nodes %d edges", len(g.Nodes), len(g.Edges))
	}
	if g.CreatedAt.IsZero() || !g.CreatedAt.Equal(now) {
		t.Errorf("CreatedAt = %v, want %v", g.CreatedAt, now)
	}
	if g.Nodes == nil || g.Edges == nil {
		t.Error("Nodes and Edges should be non-nil so they encode as []")
	}
}

func TestNodeFields(t *testing.T) {
	alert := model.Alert{ID: "a1", ParentID: "", Service: "db", Summary: ""}
	g := Reconcile("g1", []model.Alert{alert}, now)
	n := g.Nodes[0]

	if n.Label != "Alert a1" {
		t.Errorf("Label = %q, want fallback %q", n.Label, "Alert a1")
	}
	if n.Properties.Service != "db" || n.Properties.Summary != "" {
		t.Errorf("unexpected properties %+v", n.Properties)
	}
	if n.Metadata.OriginalAlert != alert {
		t.Errorf("metadata should keep the original alert, got %+v", n.Metadata.OriginalAlert)
	}
	if !n.Timestamp.Equal(now) {
		t.Errorf("Timestamp = %v, want %v", n.Timestamp, now)
	}
	if !n.IsNew {
		t.Error("fresh node should be flagged new")
	}
}

func TestSelfReferenceKept(t *testing.T) {
	g := Reconcile("g1", []model.Alert{{ID: "loop", ParentID: "loop"}}, now)

	if len(g.Edges) != 1 {
		t.Fatalf("Expected a self-edge, got %d edges", len(g.Edges))
	}
	if g.Edges[0].Source != "loop" || g.Edges[0].Target != "loop" {
		t.Errorf("unexpected edge %+v", g.Edges[0])
	}
}

func TestNoParentsMeansNoEdges(t *testing.T) {
	var alerts []model.Alert
	for i := 0; i < 20; i++ {
		alerts = append(alerts, model.Alert{ID: fmt.Sprintf("a%d", i), Service: "svc"})
	}

	g := Reconcile("g1", alerts, now)

	if len(g.Edges) != 0 {
		t.Errorf("Expected 0 edges, got %d", len(g.Edges))
	}
	for _, n := range g.Nodes {
		if !n.IsRoot {
			t.Errorf("node %s should be a root", n.ID)
		}
	}
}

// Edges exist exactly for children whose parent is in the batch, no matter
// how the batch is ordered.
func TestEdgeIffParentInBatch(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 50; round++ {
		n := 1 + rng.Intn(15)
		alerts := make([]model.Alert, n)
		for i := range alerts {
			alerts[i].ID = fmt.Sprintf("n%d", i)
			switch rng.Intn(3) {
			case 0:
			case 1:
				alerts[i].ParentID = fmt.Sprintf("n%d", rng.Intn(n))
			default:
				alerts[i].ParentID = fmt.Sprintf("ghost%d", i)
			}
		}
		rng.Shuffle(n, func(i, j int) { alerts[i], alerts[j] = alerts[j], alerts[i] })

		ids := make(map[string]bool)
		for _, a := range alerts {
			ids[a.ID] = true
		}
		want := make(map[string]bool)
		for _, a := range alerts {
			if a.ParentID != "" && ids[a.ParentID] {
				want[a.ParentID+"|"+a.ID] = true
			}
		}

		g := Reconcile("g", alerts, now)

		if len(g.Edges) != len(want) {
			t.Fatalf("round %d: got %d edges, want %d", round, len(g.Edges), len(want))
		}
		for _, e := range g.Edges {
			if !want[e.Key()] {
				t.Errorf("round %d: unexpected edge %s", round, e.Key())
			}
		}
	}
}

func TestReconcileTwiceSameContent(t *testing.T) {
	alerts := []model.Alert{
		{ID: "root", Service: "main-service", Summary: "Database connection timeout"},
		{ID: "child-1", ParentID: "root", Service: "database-service", Summary: "Connection pool exhausted"},
		{ID: "child-2", ParentID: "root", Service: "network-service", Summary: "Network latency spike"},
		{ID: "grandchild-1", ParentID: "child-1", Service: "cache-service", Summary: "Cache miss rate increased"},
	}

	first := Reconcile("g1", alerts, now)
	second := Reconcile("g1", alerts, now.Add(time.Second))

	strip := func(g *model.Graph) *model.Graph {
		cp := g.Clone()
		cp.CreatedAt, cp.UpdatedAt = time.Time{}, time.Time{}
		for _, n := range cp.Nodes {
			n.Timestamp = time.Time{}
			n.IsNew = false
		}
		for _, e := range cp.Edges {
			e.Timestamp = time.Time{}
			e.IsNew = false
		}
		return cp
	}

	if !reflect.DeepEqual(strip(first), strip(second)) {
		t.Error("reconciling the same batch twice should produce identical content")
	}
	if len(first.Edges) != 3 {
		t.Errorf("Expected 3 edges, got %d", len(first.Edges))
	}
}

func TestAllElementsFlaggedNew(t *testing.T) {
	g := Reconcile("g1", []model.Alert{{ID: "r"}, {ID: "c", ParentID: "r"}}, now)

	for _, n := range g.Nodes {
		if !n.IsNew {
			t.Errorf("node %s not flagged new", n.ID)
		}
	}
	for _, e := range g.Edges {
		if !e.IsNew {
			t.Errorf("edge %s not flagged new", e.Key())
		}
	}
}
