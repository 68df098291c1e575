package feed

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ritzau/incident-trees/pkg/logging"
	"github.com/ritzau/incident-trees/pkg/model"
	"github.com/ritzau/incident-trees/pkg/watcher"
)

// Debounce settings for the feed directory
const (
	quietPeriod = 300 * time.Millisecond
	maxWait     = 2 * time.Second
)

// LoadGroupFile reads one group message file
func LoadGroupFile(path string) (*model.GroupMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading group file: %w", err)
	}
	msg, err := model.DecodeGroupMessage(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return msg, nil
}

// DirSource publishes the group files of a directory, one GroupMessage
// per *.json file, and follows changes when watched.
type DirSource struct {
	dir   string
	hub   *Hub
	files map[string]string // path -> group id
}

// NewDirSource creates a source for dir that publishes to hub
func NewDirSource(dir string, hub *Hub) *DirSource {
	return &DirSource{
		dir:   dir,
		hub:   hub,
		files: make(map[string]string),
	}
}

// LoadAll publishes every group file currently in the directory. Files
// that fail to load are logged and skipped.
func (s *DirSource) LoadAll() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("reading feed directory: %w", err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !watcher.IsGroupFile(entry.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(s.dir, entry.Name()))
	}
	sort.Strings(paths)

	loaded := 0
	for _, path := range paths {
		if s.reload(path) {
			loaded++
		}
	}
	logging.Info("loaded feed directory", "path", s.dir, "groups", loaded, "files", len(paths))
	return loaded, nil
}

// Apply performs the reloads and removals of one analyzed change
func (s *DirSource) Apply(analysis *watcher.ChangeAnalysis) {
	for _, path := range analysis.Reload {
		s.reload(path)
	}
	for _, path := range analysis.Forget {
		s.forget(path)
	}
}

// Watch follows the directory until ctx is cancelled
func (s *DirSource) Watch(ctx context.Context) error {
	fw, err := watcher.NewFileWatcher(s.dir)
	if err != nil {
		return err
	}
	if err := fw.Start(ctx); err != nil {
		fw.Stop()
		return err
	}

	debouncer := watcher.NewDebouncer(fw.Events(), quietPeriod, maxWait)
	debouncer.Start(ctx)

	for event := range debouncer.Output() {
		analysis := watcher.AnalyzeChanges(event)
		logging.Debug("feed directory changed",
			"type", event.Type.String(),
			"files", len(analysis.ChangedFiles))
		s.Apply(analysis)
	}
	return nil
}

func (s *DirSource) reload(path string) bool {
	msg, err := LoadGroupFile(path)
	if err != nil {
		logging.Warn("skipping group file", "path", path, "error", err)
		return false
	}

	// A file that switched groups leaves its old group behind
	if previous, ok := s.files[path]; ok && previous != msg.GroupID {
		s.forget(path)
	}
	s.files[path] = msg.GroupID

	if err := s.hub.Publish(msg); err != nil {
		logging.Warn("failed to publish group file", "path", path, "error", err)
		return false
	}
	return true
}

// forget drops the group of a removed file unless another file still
// provides it
func (s *DirSource) forget(path string) {
	groupID, ok := s.files[path]
	if !ok {
		return
	}
	delete(s.files, path)

	for _, other := range s.files {
		if other == groupID {
			return
		}
	}
	s.hub.Delete(groupID)
}
