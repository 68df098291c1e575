// Package coordinator wires the feed session to the graph store and exposes
// the result to collaborators: the connection state, the group graphs, and
// node selection.
package coordinator

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/ritzau/incident-trees/pkg/cycles"
	"github.com/ritzau/incident-trees/pkg/graph"
	"github.com/ritzau/incident-trees/pkg/logging"
	"github.com/ritzau/incident-trees/pkg/metrics"
	"github.com/ritzau/incident-trees/pkg/model"
	"github.com/ritzau/incident-trees/pkg/pubsub"
	"github.com/ritzau/incident-trees/pkg/session"
	"github.com/ritzau/incident-trees/pkg/store"
)

// ErrGroupNotFound is returned for operations on an unknown group id.
var ErrGroupNotFound = errors.New("group not found")

// Session is the part of *session.Manager the coordinator drives.
type Session interface {
	Connect(endpoint string)
	Disconnect()
	Send(message any)
	SetMessageCallback(fn func(json.RawMessage))
	SetConnectCallback(fn func())
	SetStateCallback(fn func(session.State))
}

// reconnectStatus is implemented by sessions that report backoff progress.
type reconnectStatus interface {
	Attempts() int
	Exhausted() bool
}

// Options configures a Coordinator. Zero values select the defaults.
type Options struct {
	Clock clockwork.Clock
}

type Coordinator struct {
	session   Session
	store     *store.Store
	publisher pubsub.Publisher
	clock     clockwork.Clock

	mu             sync.RWMutex
	state          model.ConnectionState
	endpoint       string
	onNodeSelected func(graph.NodeDetail)
}

// New creates a Coordinator and subscribes it to store changes. The
// publisher may be nil when nothing consumes live updates.
func New(sess Session, st *store.Store, publisher pubsub.Publisher, opts Options) *Coordinator {
	c := &Coordinator{
		session:   sess,
		store:     st,
		publisher: publisher,
		clock:     opts.Clock,
		state:     model.StateDisconnected,
	}
	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}
	st.OnChange(c.publishChange)
	return c
}

// Start wires the session callbacks and begins connecting to endpoint.
func (c *Coordinator) Start(endpoint string) {
	c.mu.Lock()
	c.endpoint = endpoint
	c.mu.Unlock()

	c.session.SetMessageCallback(func(raw json.RawMessage) {
		// Rejections are logged and counted inside HandleMessage
		_ = c.HandleMessage(raw)
	})
	c.session.SetConnectCallback(func() {
		c.setState(model.StateConnected)
	})
	c.session.SetStateCallback(c.onSessionState)

	c.setState(model.StateConnecting)
	logging.Info("starting alert feed session", "endpoint", endpoint)
	c.session.Connect(endpoint)
}

// Stop disconnects the session and cancels pending retirements.
func (c *Coordinator) Stop() {
	c.session.Disconnect()
	c.store.Close()
	c.setState(model.StateDisconnected)
}

// HandleMessage ingests one inbound group message. Protocol errors leave
// the graphs untouched and are returned as *model.ProtocolError.
func (c *Coordinator) HandleMessage(raw json.RawMessage) error {
	msg, err := model.DecodeGroupMessage(raw)
	if err != nil {
		metrics.MessagesIngested.WithLabelValues("rejected").Inc()
		logging.Warn("rejected group message", "bytes", len(raw), "error", err)
		return err
	}

	_, change := c.store.Apply(msg.GroupID, msg.Alerts)
	metrics.MessagesIngested.WithLabelValues("accepted").Inc()

	if change.Kind == store.ChangeCreated {
		logging.Info("new group detected", "groupID", msg.GroupID, "alerts", len(msg.Alerts))
	} else {
		logging.Debug("group updated", "groupID", msg.GroupID, "alerts", len(msg.Alerts))
	}
	return nil
}

// ConnectionState returns the operator-facing connection state.
func (c *Coordinator) ConnectionState() model.ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Status returns the connection state with backoff details.
func (c *Coordinator) Status() pubsub.ConnectionStatus {
	c.mu.RLock()
	status := pubsub.ConnectionStatus{
		State:    string(c.state),
		Endpoint: c.endpoint,
		At:       c.clock.Now(),
	}
	c.mu.RUnlock()

	if rs, ok := c.session.(reconnectStatus); ok {
		status.Attempts = rs.Attempts()
		status.Exhausted = rs.Exhausted()
	}
	return status
}

// Graphs returns a snapshot of every group graph.
func (c *Coordinator) Graphs() map[string]*model.Graph {
	return c.store.All()
}

// Graph returns a snapshot of one group graph.
func (c *Coordinator) Graph(groupID string) (*model.Graph, bool) {
	return c.store.Get(groupID)
}

// Summaries lists every group for the list view.
func (c *Coordinator) Summaries() []model.GraphSummary {
	return c.store.Summaries()
}

// DeleteGraph removes a group. It reports whether the group existed.
func (c *Coordinator) DeleteGraph(groupID string) bool {
	return c.store.Delete(groupID)
}

// SetNodeSelectedCallback registers the node-selection handler, replacing
// any previous one.
func (c *Coordinator) SetNodeSelectedCallback(fn func(graph.NodeDetail)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onNodeSelected = fn
}

// SelectNode builds the detail of one node and hands it to the selection
// callback.
func (c *Coordinator) SelectNode(groupID, nodeID string) (graph.NodeDetail, error) {
	g, ok := c.store.Get(groupID)
	if !ok {
		return graph.NodeDetail{}, fmt.Errorf("%w: %s", ErrGroupNotFound, groupID)
	}

	detail, err := graph.Build(g).Detail(groupID, nodeID)
	if err != nil {
		return graph.NodeDetail{}, err
	}

	c.mu.RLock()
	fn := c.onNodeSelected
	c.mu.RUnlock()
	if fn != nil {
		fn(detail)
	}
	logging.Debug("node selected", "groupID", groupID, "nodeID", nodeID)
	return detail, nil
}

// Send forwards an outbound message to the session.
func (c *Coordinator) Send(message any) {
	c.session.Send(message)
}

func (c *Coordinator) onSessionState(s session.State) {
	switch s {
	case session.StateOpen:
		c.setState(model.StateConnected)
	case session.StateOpening, session.StateReconnecting:
		c.setState(model.StateConnecting)
	default:
		c.setState(model.StateDisconnected)
	}
}

func (c *Coordinator) setState(state model.ConnectionState) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.mu.Unlock()

	logging.Debug("connection state changed", "state", string(state))
	c.publish(pubsub.TopicConnectionState, string(state), c.Status())
}

func (c *Coordinator) publishChange(change store.Change) {
	payload := pubsub.GraphChange{
		Kind:    string(change.Kind),
		GroupID: change.GroupID,
		BatchID: change.BatchID,
		At:      change.At,
	}
	if change.Diff != nil {
		payload.Diff = change.Diff
	}

	if g, ok := c.store.Get(change.GroupID); ok {
		payload.NodeCount = len(g.Nodes)
		payload.EdgeCount = len(g.Edges)

		if change.Kind == store.ChangeCreated || change.Kind == store.ChangeUpdated {
			analysis := cycles.Analyze(graph.Build(g))
			payload.Warnings = analysis.Warnings()
			for _, w := range payload.Warnings {
				logging.Warn("incident graph warning", "groupID", change.GroupID, "warning", w)
			}
		}
	}

	c.publish(pubsub.TopicGraphs, string(change.Kind), payload)
}

func (c *Coordinator) publish(topic, eventType string, data any) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.Publish(topic, eventType, data); err != nil {
		logging.Debug("event not published", "topic", topic, "type", eventType, "error", err)
	}
}
