package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/ritzau/incident-trees/pkg/logging"
	"github.com/ritzau/incident-trees/pkg/metrics"
)

// ErrClosed is returned by a publisher after Close.
var ErrClosed = errors.New("publisher is closed")

// subscriberBuffer is the live-event headroom of every subscription, on top
// of its replay backlog.
const subscriberBuffer = 100

// ReplayMode selects what a new subscriber receives before live events.
type ReplayMode int

const (
	ReplayNone   ReplayMode = iota
	ReplayLatest            // the topic's most recent event
	ReplayPerKey            // the most recent event of every live key, oldest first
)

// KeyFunc names the entity an event is about. forget reports that the
// entity is gone and must not be replayed any more. An empty key is never
// remembered.
type KeyFunc func(eventType string, data any) (key string, forget bool)

// TopicConfig configures replay for a topic. Key is required for
// ReplayPerKey.
type TopicConfig struct {
	Replay ReplayMode
	Key    KeyFunc
}

// GroupKey keys graphs events by group id and forgets deleted groups.
func GroupKey(eventType string, data any) (string, bool) {
	switch c := data.(type) {
	case GraphChange:
		return c.GroupID, c.Kind == "deleted"
	case *GraphChange:
		if c != nil {
			return c.GroupID, c.Kind == "deleted"
		}
	}
	return "", false
}

type topicState struct {
	config  TopicConfig
	version int
	subs    map[*sseSubscription]struct{}
	latest  *Event
	byKey   map[string]Event
}

func (t *topicState) remember(event Event, data any) {
	switch t.config.Replay {
	case ReplayLatest:
		t.latest = &event
	case ReplayPerKey:
		if t.config.Key == nil {
			return
		}
		key, forget := t.config.Key(event.Type, data)
		if key == "" {
			return
		}
		if forget {
			delete(t.byKey, key)
			return
		}
		t.byKey[key] = event
	}
}

func (t *topicState) backlog() []Event {
	switch t.config.Replay {
	case ReplayLatest:
		if t.latest != nil {
			return []Event{*t.latest}
		}
	case ReplayPerKey:
		events := make([]Event, 0, len(t.byKey))
		for _, e := range t.byKey {
			events = append(events, e)
		}
		sort.Slice(events, func(i, j int) bool { return events[i].Version < events[j].Version })
		return events
	}
	return nil
}

// SSEPublisher implements Publisher for Server-Sent Events streams.
type SSEPublisher struct {
	mu     sync.Mutex
	topics map[string]*topicState
	closed bool
}

func NewSSEPublisher() *SSEPublisher {
	return &SSEPublisher{topics: make(map[string]*topicState)}
}

// ConfigureTopic sets the replay behavior of a topic. Events remembered
// under a previous configuration are discarded.
func (p *SSEPublisher) ConfigureTopic(topic string, config TopicConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := p.topicLocked(topic)
	t.config = config
	t.latest = nil
	t.byKey = make(map[string]Event)
}

func (p *SSEPublisher) topicLocked(topic string) *topicState {
	t := p.topics[topic]
	if t == nil {
		t = &topicState{
			subs:  make(map[*sseSubscription]struct{}),
			byKey: make(map[string]Event),
		}
		p.topics[topic] = t
	}
	return t
}

// Subscribe registers a subscription and queues the topic's replay backlog
// ahead of any live event.
func (p *SSEPublisher) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}

	t := p.topicLocked(topic)
	backlog := t.backlog()
	sub := &sseSubscription{
		topic:     topic,
		events:    make(chan Event, subscriberBuffer+len(backlog)),
		done:      make(chan struct{}),
		publisher: p,
	}
	for _, e := range backlog {
		sub.events <- e
	}
	t.subs[sub] = struct{}{}
	p.mu.Unlock()

	if len(backlog) > 0 {
		logging.Debug("replayed events to new subscriber", "topic", topic, "count", len(backlog))
	}

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()

	return sub, nil
}

// Publish sends an event to every subscriber of a topic without blocking.
// A subscriber whose buffer is full misses the event.
func (p *SSEPublisher) Publish(topic string, eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	t := p.topicLocked(topic)
	t.version++
	event := Event{
		Topic:   topic,
		Type:    eventType,
		Data:    jsonData,
		Version: t.version,
	}
	t.remember(event, data)

	for sub := range t.subs {
		select {
		case sub.events <- event:
		default:
			metrics.EventsDropped.WithLabelValues(topic).Inc()
			logging.Warn("subscription channel full, dropping event", "topic", topic, "type", eventType)
		}
	}
	return nil
}

// Close ends every subscription. Later calls to Publish and Subscribe fail.
func (p *SSEPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	for _, t := range p.topics {
		for sub := range t.subs {
			close(sub.events)
		}
		t.subs = make(map[*sseSubscription]struct{})
	}
	logging.Debug("publisher closed")
	return nil
}

func (p *SSEPublisher) unsubscribe(sub *sseSubscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t := p.topics[sub.topic]; t != nil {
		delete(t.subs, sub)
	}
}

type sseSubscription struct {
	topic     string
	events    chan Event
	done      chan struct{}
	publisher *SSEPublisher
	once      sync.Once
}

func (s *sseSubscription) Topic() string {
	return s.topic
}

func (s *sseSubscription) Events() <-chan Event {
	return s.events
}

// Close detaches the subscription. Its channel stays open until the
// publisher closes; no further events are delivered to it.
func (s *sseSubscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.publisher.unsubscribe(s)
	})
	return nil
}

// WriteSSE writes one event in the "data: {json}\n\n" framing.
func WriteSSE(w io.Writer, event Event) error {
	jsonData, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = fmt.Fprintf(w, "data: %s\n\n", jsonData)
	return err
}
