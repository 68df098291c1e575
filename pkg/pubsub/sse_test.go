package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

// collect reads events until none arrives for 30ms.
func collect(sub Subscription) []Event {
	var events []Event
	for {
		select {
		case e, ok := <-sub.Events():
			if !ok {
				return events
			}
			events = append(events, e)
		case <-time.After(30 * time.Millisecond):
			return events
		}
	}
}

func subscribers(p *SSEPublisher, topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t := p.topics[topic]; t != nil {
		return len(t.subs)
	}
	return 0
}

func TestReplayLatest(t *testing.T) {
	pub := NewSSEPublisher()
	defer pub.Close()
	pub.ConfigureTopic(TopicConnectionState, TopicConfig{Replay: ReplayLatest})

	for _, state := range []string{"connecting", "connected", "disconnected"} {
		if err := pub.Publish(TopicConnectionState, state, ConnectionStatus{State: state}); err != nil {
			t.Fatalf("Failed to publish %s: %v", state, err)
		}
	}

	sub, err := pub.Subscribe(context.Background(), TopicConnectionState)
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	defer sub.Close()

	events := collect(sub)
	if len(events) != 1 {
		t.Fatalf("replayed %d events, want 1", len(events))
	}
	if events[0].Type != "disconnected" || events[0].Version != 3 {
		t.Errorf("replayed %s v%d, want disconnected v3", events[0].Type, events[0].Version)
	}
}

// A late subscriber sees every live group, even one whose only event is
// older than a burst of events for another group.
func TestReplayPerKey(t *testing.T) {
	pub := NewSSEPublisher()
	defer pub.Close()
	pub.ConfigureTopic(TopicGraphs, TopicConfig{Replay: ReplayPerKey, Key: GroupKey})

	publish := func(kind, group string) {
		t.Helper()
		if err := pub.Publish(TopicGraphs, kind, GraphChange{Kind: kind, GroupID: group}); err != nil {
			t.Fatalf("Failed to publish %s %s: %v", kind, group, err)
		}
	}
	publish("created", "quiet")
	publish("created", "busy")
	for i := 0; i < 200; i++ {
		publish("updated", "busy")
	}
	publish("created", "gone")
	publish("deleted", "gone")
	publish("retired", "busy")

	sub, err := pub.Subscribe(context.Background(), TopicGraphs)
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	defer sub.Close()

	events := collect(sub)
	if len(events) != 2 {
		t.Fatalf("replayed %d events, want 2: %+v", len(events), events)
	}
	var first, second GraphChange
	if err := json.Unmarshal(events[0].Data, &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := json.Unmarshal(events[1].Data, &second); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first.GroupID != "quiet" || events[0].Type != "created" {
		t.Errorf("first replayed %s %s, want created quiet", events[0].Type, first.GroupID)
	}
	if second.GroupID != "busy" || events[1].Type != "retired" {
		t.Errorf("second replayed %s %s, want retired busy", events[1].Type, second.GroupID)
	}
	if events[0].Version >= events[1].Version {
		t.Errorf("replay not in publish order: v%d then v%d", events[0].Version, events[1].Version)
	}

	// Live events follow the backlog.
	publish("updated", "quiet")
	live := collect(sub)
	if len(live) != 1 || live[0].Type != "updated" {
		t.Errorf("live events = %+v, want one update", live)
	}
}

func TestGroupKey(t *testing.T) {
	if key, forget := GroupKey("created", GraphChange{GroupID: "g1", Kind: "created"}); key != "g1" || forget {
		t.Errorf("GroupKey(value) = %q, %v", key, forget)
	}
	if key, forget := GroupKey("deleted", &GraphChange{GroupID: "g1", Kind: "deleted"}); key != "g1" || !forget {
		t.Errorf("GroupKey(pointer, deleted) = %q, %v", key, forget)
	}
	if key, _ := GroupKey("created", map[string]string{"groupId": "g1"}); key != "" {
		t.Errorf("GroupKey(other payload) = %q, want empty", key)
	}
}

func TestNoReplay(t *testing.T) {
	pub := NewSSEPublisher()
	defer pub.Close()

	for i := 1; i <= 3; i++ {
		if err := pub.Publish("test", "event", map[string]int{"num": i}); err != nil {
			t.Fatalf("Failed to publish event %d: %v", i, err)
		}
	}

	sub, err := pub.Subscribe(context.Background(), "test")
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	defer sub.Close()

	if events := collect(sub); len(events) != 0 {
		t.Errorf("replayed %d events on an unconfigured topic", len(events))
	}

	if err := pub.Publish("test", "event", map[string]int{"num": 4}); err != nil {
		t.Fatalf("Failed to publish new event: %v", err)
	}
	events := collect(sub)
	if len(events) != 1 || events[0].Version != 4 {
		t.Errorf("live events = %+v, want version 4", events)
	}
}

func TestContextCancelUnsubscribes(t *testing.T) {
	pub := NewSSEPublisher()
	defer pub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := pub.Subscribe(ctx, TopicGraphs)
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	cancel()

	deadline := time.Now().Add(time.Second)
	for subscribers(pub, TopicGraphs) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription still registered after context cancellation")
		}
		time.Sleep(time.Millisecond)
	}

	if err := pub.Publish(TopicGraphs, "created", GraphChange{GroupID: "g1"}); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}
	if events := collect(sub); len(events) != 0 {
		t.Errorf("cancelled subscription received %d events", len(events))
	}
}

func TestCloseSubscriptionTwice(t *testing.T) {
	pub := NewSSEPublisher()
	defer pub.Close()

	sub, err := pub.Subscribe(context.Background(), TopicGraphs)
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	sub.Close()
	sub.Close()
	if n := subscribers(pub, TopicGraphs); n != 0 {
		t.Errorf("%d subscribers after Close, want 0", n)
	}
}

func TestClosedPublisherRejects(t *testing.T) {
	pub := NewSSEPublisher()
	sub, err := pub.Subscribe(context.Background(), TopicConnectionState)
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	pub.Close()

	if _, ok := <-sub.Events(); ok {
		t.Error("Events channel should be closed after publisher Close")
	}
	if err := pub.Publish(TopicConnectionState, "connected", ConnectionStatus{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Publish on a closed publisher = %v, want ErrClosed", err)
	}
	if _, err := pub.Subscribe(context.Background(), TopicConnectionState); !errors.Is(err, ErrClosed) {
		t.Errorf("Subscribe on a closed publisher = %v, want ErrClosed", err)
	}
}

func TestPublishRejectsUnencodable(t *testing.T) {
	pub := NewSSEPublisher()
	defer pub.Close()

	if err := pub.Publish("test", "event", func() {}); err == nil {
		t.Error("Publish of an unencodable payload should fail")
	}
}

func TestWriteSSE(t *testing.T) {
	var buf strings.Builder
	event := Event{Topic: TopicGraphs, Type: "created", Data: []byte(`{"groupId":"g1"}`), Version: 1}
	if err := WriteSSE(&buf, event); err != nil {
		t.Fatalf("WriteSSE: %v", err)
	}
	want := `data: {"topic":"graphs","type":"created","data":{"groupId":"g1"},"version":1}` + "\n\n"
	if buf.String() != want {
		t.Errorf("WriteSSE wrote %q, want %q", buf.String(), want)
	}
}
