package watcher

import (
	"context"
	"time"

	"github.com/ritzau/incident-trees/pkg/logging"
)

// Debouncer batches rapid file system events so a burst of saves reloads
// the feed once. A flush happens after quietPeriod without new events, or
// at the latest maxWait after the first event of a batch.
type Debouncer struct {
	input       <-chan ChangeEvent
	output      chan ChangeEvent
	quietPeriod time.Duration
	maxWait     time.Duration
}

// NewDebouncer creates a new event debouncer
func NewDebouncer(input <-chan ChangeEvent, quietPeriod, maxWait time.Duration) *Debouncer {
	return &Debouncer{
		input:       input,
		output:      make(chan ChangeEvent, 10),
		quietPeriod: quietPeriod,
		maxWait:     maxWait,
	}
}

// Start begins processing events with debouncing
func (d *Debouncer) Start(ctx context.Context) {
	go d.run(ctx)
}

// run owns both timers; everything happens on this goroutine
func (d *Debouncer) run(ctx context.Context) {
	defer close(d.output)

	var (
		quiet       <-chan time.Time
		deadline    <-chan time.Time
		quietTimer  *time.Timer
		maxTimer    *time.Timer
		accumulated []ChangeEvent
	)

	stop := func() {
		if quietTimer != nil {
			quietTimer.Stop()
		}
		if maxTimer != nil {
			maxTimer.Stop()
		}
		quiet, deadline = nil, nil
	}

	flush := func() {
		stop()
		if len(accumulated) == 0 {
			return
		}

		logging.Debug("flushing accumulated events", "count", len(accumulated))
		for _, event := range merge(accumulated) {
			select {
			case d.output <- event:
			case <-ctx.Done():
				return
			}
		}
		accumulated = nil
	}

	for {
		select {
		case <-ctx.Done():
			stop()
			return

		case event, ok := <-d.input:
			if !ok {
				flush()
				return
			}

			accumulated = append(accumulated, event)

			// Reset quiet period timer
			if quietTimer == nil {
				quietTimer = time.NewTimer(d.quietPeriod)
			} else {
				quietTimer.Reset(d.quietPeriod)
			}
			quiet = quietTimer.C

			// Start max wait timer on first event of a batch
			if deadline == nil {
				if maxTimer == nil {
					maxTimer = time.NewTimer(d.maxWait)
				} else {
					maxTimer.Reset(d.maxWait)
				}
				deadline = maxTimer.C
			}

		case <-quiet:
			flush()

		case <-deadline:
			flush()
		}
	}
}

// merge collapses a batch into at most one event per type. A path's last
// change wins, so a file written and then removed is only reported removed.
func merge(events []ChangeEvent) []ChangeEvent {
	last := make(map[string]ChangeType)
	var order []string
	var latest time.Time
	for _, event := range events {
		for _, path := range event.Paths {
			if _, seen := last[path]; !seen {
				order = append(order, path)
			}
			last[path] = event.Type
		}
		if event.Timestamp.After(latest) {
			latest = event.Timestamp
		}
	}

	written := ChangeEvent{Type: ChangeTypeWritten, Timestamp: latest}
	removed := ChangeEvent{Type: ChangeTypeRemoved, Timestamp: latest}
	for _, path := range order {
		if last[path] == ChangeTypeRemoved {
			removed.Paths = append(removed.Paths, path)
		} else {
			written.Paths = append(written.Paths, path)
		}
	}

	var merged []ChangeEvent
	if len(written.Paths) > 0 {
		merged = append(merged, written)
	}
	if len(removed.Paths) > 0 {
		merged = append(merged, removed)
	}
	return merged
}

// Output returns the channel of debounced events
func (d *Debouncer) Output() <-chan ChangeEvent {
	return d.output
}
