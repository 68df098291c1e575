// Package store owns the group id -> incident graph map.
//
// Every Apply replaces the group's nodes and edges wholesale with a fresh
// reconcile result, keeps the group's original CreatedAt, and schedules the
// retirement of the batch's transient "new" flags RetireDelay later. A
// retirement is bound to the (group, batch) pair it was scheduled for: a
// newer batch or a deletion cancels it, and a timer that fires anyway
// checks the batch identity before touching anything.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/ritzau/incident-trees/pkg/logging"
	"github.com/ritzau/incident-trees/pkg/metrics"
	"github.com/ritzau/incident-trees/pkg/model"
	"github.com/ritzau/incident-trees/pkg/reconcile"
)

// RetireDelay is how long freshly reconciled elements stay flagged new.
const RetireDelay = 1000 * time.Millisecond

// ChangeKind tells subscribers what happened to a group.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeRetired ChangeKind = "retired"
	ChangeDeleted ChangeKind = "deleted"
)

// Change is emitted after every mutation of the map.
type Change struct {
	Kind    ChangeKind `json:"kind"`
	GroupID string     `json:"groupId"`
	BatchID string     `json:"batchId,omitempty"`
	Diff    *Diff      `json:"diff,omitempty"`
	At      time.Time  `json:"at"`
}

type retirement struct {
	batchID string
	timer   clockwork.Timer
}

// Store is safe for concurrent use. One mutex guards the whole map; the
// message rate does not justify per-group locking.
type Store struct {
	clock clockwork.Clock

	mu       sync.Mutex
	graphs   map[string]*model.Graph
	pending  map[string]*retirement // groupID -> the only live retirement
	onChange func(Change)
	closed   bool
}

// New creates an empty store. A nil clock means the real clock.
func New(clk clockwork.Clock) *Store {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return &Store{
		clock:   clk,
		graphs:  make(map[string]*model.Graph),
		pending: make(map[string]*retirement),
	}
}

// OnChange registers the single change subscriber, replacing any previous
// one. It is called without the store lock held.
func (s *Store) OnChange(fn func(Change)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// Apply reconciles alerts into the group's graph and returns a snapshot of
// the stored result along with the change that was emitted.
func (s *Store) Apply(groupID string, alerts []model.Alert) (*model.Graph, Change) {
	now := s.clock.Now()
	g := reconcile.Reconcile(groupID, alerts, now)
	g.BatchID = uuid.NewString()

	s.mu.Lock()
	prev := s.graphs[groupID]
	change := Change{Kind: ChangeCreated, GroupID: groupID, BatchID: g.BatchID, At: now}
	if prev != nil {
		g.CreatedAt = prev.CreatedAt
		change.Kind = ChangeUpdated
	}
	change.Diff = ComputeDiff(prev, g)

	s.cancelLocked(groupID)
	s.graphs[groupID] = g
	if !s.closed {
		batchID := g.BatchID
		s.pending[groupID] = &retirement{
			batchID: batchID,
			timer:   s.clock.AfterFunc(RetireDelay, func() { s.retire(groupID, batchID) }),
		}
	}
	snapshot := g.Clone()
	count := len(s.graphs)
	notify := s.onChange
	s.mu.Unlock()

	metrics.Graphs.Set(float64(count))
	metrics.BatchSize.Observe(float64(len(alerts)))
	logging.Debug("graph stored",
		"groupID", groupID,
		"batchID", g.BatchID,
		"kind", string(change.Kind),
		"nodes", len(g.Nodes),
		"edges", len(g.Edges),
	)

	if notify != nil {
		notify(change)
	}
	return snapshot, change
}

// retire clears the transient flags of one batch, if that batch is still
// the group's current one.
func (s *Store) retire(groupID, batchID string) {
	s.mu.Lock()
	if p := s.pending[groupID]; p != nil && p.batchID == batchID {
		delete(s.pending, groupID)
	}

	g := s.graphs[groupID]
	var outcome string
	switch {
	case g == nil:
		outcome = "skipped_deleted"
	case g.BatchID != batchID:
		outcome = "skipped_replaced"
	default:
		outcome = "cleared"
		g.ClearNew()
	}
	notify := s.onChange
	s.mu.Unlock()

	metrics.Retirements.WithLabelValues(outcome).Inc()
	logging.Trace("transient flags retirement", "groupID", groupID, "batchID", batchID, "outcome", outcome)

	if outcome == "cleared" && notify != nil {
		notify(Change{Kind: ChangeRetired, GroupID: groupID, BatchID: batchID, At: s.clock.Now()})
	}
}

func (s *Store) cancelLocked(groupID string) {
	if p := s.pending[groupID]; p != nil {
		p.timer.Stop()
		delete(s.pending, groupID)
	}
}

// Get returns a snapshot of one group's graph.
func (s *Store) Get(groupID string) (*model.Graph, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.graphs[groupID]
	if !ok {
		return nil, false
	}
	return g.Clone(), true
}

// All returns a snapshot of every graph keyed by group id.
func (s *Store) All() map[string]*model.Graph {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*model.Graph, len(s.graphs))
	for id, g := range s.graphs {
		out[id] = g.Clone()
	}
	return out
}

// Summaries lists every group, oldest first, ties broken by group id.
func (s *Store) Summaries() []model.GraphSummary {
	s.mu.Lock()
	out := make([]model.GraphSummary, 0, len(s.graphs))
	for id, g := range s.graphs {
		out = append(out, g.Summary(id))
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].GroupID < out[j].GroupID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of groups.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.graphs)
}

// Delete removes a group and cancels its pending retirement. It reports
// whether the group existed.
func (s *Store) Delete(groupID string) bool {
	s.mu.Lock()
	if _, ok := s.graphs[groupID]; !ok {
		s.mu.Unlock()
		return false
	}
	s.cancelLocked(groupID)
	delete(s.graphs, groupID)
	count := len(s.graphs)
	notify := s.onChange
	s.mu.Unlock()

	metrics.Graphs.Set(float64(count))
	logging.Info("graph deleted", "groupID", groupID)
	if notify != nil {
		notify(Change{Kind: ChangeDeleted, GroupID: groupID, At: s.clock.Now()})
	}
	return true
}

// Close cancels every pending retirement. Graphs stay readable; later
// Apply calls store graphs whose flags are never retired.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for groupID := range s.pending {
		s.cancelLocked(groupID)
	}
	s.closed = true
}

// PendingRetirements returns the number of scheduled retirements.
func (s *Store) PendingRetirements() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
