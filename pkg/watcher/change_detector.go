package watcher

import "sort"

// ChangeAnalysis describes which group files the feed has to re-read and
// which groups it has to forget
type ChangeAnalysis struct {
	Reload       []string
	Forget       []string
	ChangedFiles []string
}

// AnalyzeChanges determines what the feed must do for a debounced event
func AnalyzeChanges(event ChangeEvent) *ChangeAnalysis {
	paths := make([]string, 0, len(event.Paths))
	for _, p := range event.Paths {
		if IsGroupFile(p) {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)

	analysis := &ChangeAnalysis{
		ChangedFiles: paths,
	}

	switch event.Type {
	case ChangeTypeWritten:
		// New or edited file: parse it and broadcast its group
		analysis.Reload = paths

	case ChangeTypeRemoved:
		// File gone: stop replaying its group to new sockets
		analysis.Forget = paths
	}

	return analysis
}
