package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ritzau/incident-trees/pkg/logging"
)

// ChangeType represents the type of file change detected
type ChangeType int

const (
	ChangeTypeWritten ChangeType = iota // Created or modified
	ChangeTypeRemoved                   // Removed or renamed away
)

func (t ChangeType) String() string {
	if t == ChangeTypeRemoved {
		return "removed"
	}
	return "written"
}

// ChangeEvent represents a batch of file system changes
type ChangeEvent struct {
	Type      ChangeType
	Paths     []string
	Timestamp time.Time
}

// flushDelay batches the burst of events a single save produces
const flushDelay = 100 * time.Millisecond

// FileWatcher watches a directory of group message files (*.json)
type FileWatcher struct {
	watcher *fsnotify.Watcher
	dir     string
	events  chan ChangeEvent
}

// NewFileWatcher creates a new file system watcher for a feed directory
func NewFileWatcher(dir string) (*FileWatcher, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("feed directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("feed directory %s is not a directory", dir)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &FileWatcher{
		watcher: watcher,
		dir:     dir,
		events:  make(chan ChangeEvent, 100),
	}, nil
}

// Start begins watching for file changes. The Events channel is closed when
// ctx is cancelled or Stop is called.
func (fw *FileWatcher) Start(ctx context.Context) error {
	if err := fw.watcher.Add(fw.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", fw.dir, err)
	}

	logging.Info("started watching feed directory", "path", fw.dir)

	// Process events
	go fw.processEvents(ctx)

	return nil
}

// IsGroupFile reports whether a path names a group message file
func IsGroupFile(path string) bool {
	name := filepath.Base(path)
	return strings.HasSuffix(name, ".json") && !strings.HasPrefix(name, ".")
}

// processEvents processes file system events and batches them by type
func (fw *FileWatcher) processEvents(ctx context.Context) {
	defer close(fw.events)

	// Batch events to avoid sending one event per file
	var written []string
	var removed []string

	flushTimer := time.NewTimer(flushDelay)
	flushTimer.Stop()

	flush := func() {
		if len(written) > 0 {
			fw.events <- ChangeEvent{
				Type:      ChangeTypeWritten,
				Paths:     written,
				Timestamp: time.Now(),
			}
			written = nil
		}
		if len(removed) > 0 {
			fw.events <- ChangeEvent{
				Type:      ChangeTypeRemoved,
				Paths:     removed,
				Timestamp: time.Now(),
			}
			removed = nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			fw.watcher.Close()
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				flush()
				return
			}

			// Filter to only relevant file types
			if !IsGroupFile(event.Name) {
				continue
			}

			switch {
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				removed = append(removed, event.Name)
			case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
				written = append(written, event.Name)
			default:
				continue
			}
			logging.Trace("feed file changed", "path", event.Name, "op", event.Op.String())
			flushTimer.Reset(flushDelay)

		case <-flushTimer.C:
			flush()

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			logging.Error("watcher error", "error", err)
		}
	}
}

// Events returns the channel of change events
func (fw *FileWatcher) Events() <-chan ChangeEvent {
	return fw.events
}

// Stop stops the file watcher
func (fw *FileWatcher) Stop() error {
	return fw.watcher.Close()
}
