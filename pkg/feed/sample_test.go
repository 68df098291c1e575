package feed

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ritzau/incident-trees/pkg/model"
)

type recorder struct {
	mu       sync.Mutex
	messages []*model.GroupMessage
}

func (r *recorder) Publish(msg *model.GroupMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func TestSampleBatch(t *testing.T) {
	tests := []struct {
		step    int
		groupID string
		alerts  int
	}{
		{0, "sample-1", 1},
		{1, "sample-1", 2},
		{3, "sample-1", 4},
		{4, "sample-2", 1},
	}

	for _, tt := range tests {
		msg := SampleBatch(tt.step)
		if msg.GroupID != tt.groupID || len(msg.Alerts) != tt.alerts {
			t.Errorf("SampleBatch(%d) = %s with %d alerts, want %s with %d",
				tt.step, msg.GroupID, len(msg.Alerts), tt.groupID, tt.alerts)
		}
		if err := msg.Validate(); err != nil {
			t.Errorf("SampleBatch(%d) invalid: %v", tt.step, err)
		}
	}

	full := SampleBatch(3)
	if full.Alerts[3].ParentID != "child1" || full.Alerts[1].ParentID != "root" {
		t.Errorf("unexpected sample shape %+v", full.Alerts)
	}
}

func TestSamplePlayer(t *testing.T) {
	clk := clockwork.NewFakeClockAt(time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC))
	rec := &recorder{}
	p := NewSamplePlayer(rec, clk, 2*time.Second)

	nextTimer := func() {
		t.Helper()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := clk.BlockUntilContext(ctx, 1); err != nil {
			t.Fatalf("next batch not scheduled: %v", err)
		}
	}

	p.Start()
	if p.Played() != 1 {
		t.Fatalf("Played() = %d after Start, want 1", p.Played())
	}

	nextTimer()
	clk.Advance(time.Second)
	if p.Played() != 1 {
		t.Errorf("batch published before the interval elapsed")
	}
	clk.Advance(time.Second)
	waitFor(t, "second batch", func() bool { return rec.count() == 2 })
	nextTimer()
	clk.Advance(2 * time.Second)
	waitFor(t, "third batch", func() bool { return rec.count() == 3 })
	nextTimer()

	p.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := clk.BlockUntilContext(ctx, 1); err == nil {
		t.Error("Stop should cancel the next batch")
	}
	clk.Advance(10 * time.Second)
	time.Sleep(10 * time.Millisecond)
	if rec.count() != 3 {
		t.Errorf("published %d batches, want 3", rec.count())
	}
}
