package feed

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ritzau/incident-trees/pkg/logging"
	"github.com/ritzau/incident-trees/pkg/model"
)

// sampleAlerts grows into root -> two children -> grandchild
var sampleAlerts = []model.Alert{
	{ID: "root", Service: "main-service", Summary: "Root Cause Alert"},
	{ID: "child1", ParentID: "root", Service: "database-service", Summary: "Database Connection Issue"},
	{ID: "child2", ParentID: "root", Service: "network-service", Summary: "Network Latency Spike"},
	{ID: "grandchild1", ParentID: "child1", Service: "cache-service", Summary: "Cache Miss Rate Increased"},
}

// SampleSteps is the number of batches in one round of the sample sequence
var SampleSteps = len(sampleAlerts)

// SampleBatch returns the group message for one step of the sample
// sequence. Each round uses a fresh group so viewers see a new incident.
func SampleBatch(step int) *model.GroupMessage {
	round := step / SampleSteps
	n := step%SampleSteps + 1
	return &model.GroupMessage{
		Type:    "create_graph",
		GroupID: fmt.Sprintf("sample-%d", round+1),
		Alerts:  append([]model.Alert(nil), sampleAlerts[:n]...),
	}
}

// SamplePlayer publishes the sample sequence, one batch per interval
type SamplePlayer struct {
	publisher Publisher
	clock     clockwork.Clock
	interval  time.Duration

	mu      sync.Mutex
	step    int
	timer   clockwork.Timer
	stopped bool
}

// NewSamplePlayer creates a player; a nil clock means the real one
func NewSamplePlayer(publisher Publisher, clk clockwork.Clock, interval time.Duration) *SamplePlayer {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return &SamplePlayer{
		publisher: publisher,
		clock:     clk,
		interval:  interval,
	}
}

// Start publishes the first batch and schedules the rest
func (p *SamplePlayer) Start() {
	logging.Info("playing sample sequence", "interval", p.interval)
	p.tick()
}

func (p *SamplePlayer) tick() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	msg := SampleBatch(p.step)
	p.step++
	p.timer = p.clock.AfterFunc(p.interval, p.tick)
	p.mu.Unlock()

	if err := p.publisher.Publish(msg); err != nil {
		logging.Warn("failed to publish sample batch", "groupID", msg.GroupID, "error", err)
	}
}

// Stop cancels the next batch
func (p *SamplePlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	if p.timer != nil {
		p.timer.Stop()
	}
}

// Played returns how many batches have been published
func (p *SamplePlayer) Played() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.step
}
