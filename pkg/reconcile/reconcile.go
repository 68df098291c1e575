// Package reconcile turns an unordered alert batch into an incident graph.
//
// Reconcile is stateless: it owns nothing across calls and never fails. The
// caller decides how the result replaces an existing graph for the group
// (see pkg/store) and enforces the group id at the ingestion boundary.
package reconcile

import (
	"fmt"
	"time"

	"github.com/ritzau/incident-trees/pkg/logging"
	"github.com/ritzau/incident-trees/pkg/model"
)

// Reconcile builds the graph for one batch in two passes, so input order
// does not matter: every alert becomes a node, then every alert whose
// parent is also in the batch becomes an edge parent -> child.
//
// A parent outside the batch yields a node that is not a root but has no
// incoming edge. A self-referencing alert yields a self-edge. Both are kept
// as given.
func Reconcile(groupID string, alerts []model.Alert, now time.Time) *model.Graph {
	g := model.NewGraph(now)

	present := make(map[string]bool, len(alerts))
	for _, alert := range alerts {
		g.AddNode(buildNode(alert, now))
		present[alert.ID] = true
	}

	dangling := 0
	for _, alert := range alerts {
		if alert.ParentID == "" {
			continue
		}
		if !present[alert.ParentID] {
			dangling++
			continue
		}
		g.AddEdge(&model.Edge{
			Source:    alert.ParentID,
			Target:    alert.ID,
			Timestamp: now,
			IsNew:     true,
		})
	}

	logging.Debug("reconciled alert batch",
		"groupID", groupID,
		"alerts", len(alerts),
		"nodes", len(g.Nodes),
		"edges", len(g.Edges),
		"danglingParents", dangling,
	)
	return g
}

func buildNode(alert model.Alert, now time.Time) *model.Node {
	label := alert.Summary
	if label == "" {
		label = fmt.Sprintf("Alert %s", alert.ID)
	}

	var parentID *string
	if alert.ParentID != "" {
		p := alert.ParentID
		parentID = &p
	}

	return &model.Node{
		ID:        alert.ID,
		Label:     label,
		ParentID:  parentID,
		IsRoot:    parentID == nil,
		Timestamp: now,
		Properties: model.NodeProperties{
			Service: alert.Service,
			Summary: alert.Summary,
		},
		Metadata: model.NodeMetadata{OriginalAlert: alert},
		IsNew:    true,
	}
}
