package pubsub

import (
	"context"
	"encoding/json"
	"time"
)

// Topics served to collaborators.
const (
	TopicConnectionState = "connection_state"
	TopicGraphs          = "graphs"
)

// Event represents a pub/sub event
type Event struct {
	Topic   string          `json:"topic"`   // Subscription topic (e.g., "connection_state", "graphs")
	Type    string          `json:"type"`    // Event type (e.g., "connected", "created", "retired")
	Data    json.RawMessage `json:"data"`    // Event payload
	Version int             `json:"version"` // Version number for ordering
}

// Subscription represents a client subscription to a topic
type Subscription interface {
	// Topic returns the subscription topic
	Topic() string

	// Events returns a channel for receiving events
	Events() <-chan Event

	// Close closes the subscription
	Close() error
}

// Publisher manages pub/sub subscriptions and event publishing
type Publisher interface {
	// Subscribe creates a new subscription to a topic
	// Context cancellation will close the subscription
	Subscribe(ctx context.Context, topic string) (Subscription, error)

	// Publish sends an event to all subscribers of a topic
	Publish(topic string, eventType string, data any) error

	// Close shuts down the publisher and all subscriptions
	Close() error
}

// ConnectionStatus is the payload of connection_state events
type ConnectionStatus struct {
	State     string    `json:"state"` // disconnected, connecting, connected
	Endpoint  string    `json:"endpoint"`
	Attempts  int       `json:"attempts"`  // Reconnect attempts since the last open
	Exhausted bool      `json:"exhausted"` // True once reconnection gave up
	At        time.Time `json:"at"`
}

// GraphChange is the payload of graphs events
type GraphChange struct {
	Kind      string    `json:"kind"` // created, updated, retired, deleted
	GroupID   string    `json:"groupId"`
	BatchID   string    `json:"batchId,omitempty"`
	NodeCount int       `json:"nodeCount"`
	EdgeCount int       `json:"edgeCount"`
	Diff      any       `json:"diff,omitempty"` // Node/edge diff against the previous batch
	Warnings  []string  `json:"warnings,omitempty"`
	At        time.Time `json:"at"`
}
