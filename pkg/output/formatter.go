package output

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/ritzau/incident-trees/pkg/cycles"
	"github.com/ritzau/incident-trees/pkg/graph"
	"github.com/ritzau/incident-trees/pkg/model"
)

// PrintGraph prints one incident graph as a colored tree. Nodes still
// flagged new are marked, orphaned subtrees and parent loops are listed
// after the tree.
func PrintGraph(w io.Writer, groupID string, g *model.Graph) {
	// Color definitions
	bold := color.New(color.Bold)
	red := color.New(color.FgRed)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	ig := graph.Build(g)
	summary := g.Summary(groupID)

	// Header
	bold.Fprintf(w, "Incident group %s\n", groupID)
	fmt.Fprintf(w, "%d alerts, %d links, %d root(s), updated %s\n",
		summary.NodeCount, summary.EdgeCount, summary.RootCount, g.UpdatedAt.Format("15:04:05"))

	if ig.Len() == 0 {
		yellow.Fprintln(w, "  (no alerts)")
		return
	}

	printed := make(map[string]bool)
	roots := ig.Roots()
	for i, root := range roots {
		printNode(w, g, ig, root, "", i == len(roots)-1, printed)
	}

	// Orphans and parent loops are not reachable from any root
	var detached []string
	for _, node := range g.Nodes {
		if !printed[node.ID] {
			detached = append(detached, node.ID)
		}
	}
	if len(detached) > 0 {
		yellow.Fprintln(w, "DETACHED:")
		for _, id := range detached {
			printNode(w, g, ig, id, "", true, printed)
		}
	}

	analysis := cycles.Analyze(ig)

	if warnings := analysis.Warnings(); len(warnings) > 0 {
		for _, warning := range warnings {
			red.Fprintf(w, "! %s\n", warning)
		}
	}

	if summary.NewCount > 0 {
		green.Fprintf(w, "%d new element(s)\n", summary.NewCount)
	}
}

func printNode(w io.Writer, g *model.Graph, ig *graph.IncidentGraph, id, prefix string, last bool, printed map[string]bool) {
	node, ok := g.Node(id)
	if !ok || printed[id] {
		return
	}
	printed[id] = true

	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen, color.Bold)

	branch := "├─ "
	childPrefix := prefix + "│  "
	if last {
		branch = "└─ "
		childPrefix = prefix + "   "
	}

	fmt.Fprintf(w, "%s%s%s", prefix, branch, node.Label)
	if node.Properties.Service != "" {
		cyan.Fprintf(w, " [%s]", node.Properties.Service)
	}
	if node.IsNew {
		green.Fprint(w, " (new)")
	}
	fmt.Fprintln(w)

	children := ig.Children(id)
	for i, child := range children {
		printNode(w, g, ig, child, childPrefix, i == len(children)-1, printed)
	}
}

// PrintConnectionState prints the feed connection state
func PrintConnectionState(w io.Writer, state model.ConnectionState, endpoint string) {
	c := color.New(color.FgYellow)
	switch state {
	case model.StateConnected:
		c = color.New(color.FgGreen)
	case model.StateDisconnected:
		c = color.New(color.FgRed)
	}
	c.Fprintf(w, "● %s", state)
	fmt.Fprintf(w, " %s\n", endpoint)
}
