package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ritzau/incident-trees/pkg/coordinator"
	"github.com/ritzau/incident-trees/pkg/graph"
	"github.com/ritzau/incident-trees/pkg/logging"
	"github.com/ritzau/incident-trees/pkg/model"
	"github.com/ritzau/incident-trees/pkg/pubsub"
)

// maxMessageBytes bounds request bodies on the injection endpoints
const maxMessageBytes = 1 << 20

// Server represents the web server
type Server struct {
	router      *mux.Router
	coordinator *coordinator.Coordinator
	publisher   pubsub.Publisher
}

// NewPublisher creates the SSE publisher with the topic buffering the
// server expects
func NewPublisher() *pubsub.SSEPublisher {
	ssePublisher := pubsub.NewSSEPublisher()

	// connection_state: a new subscriber only needs the current state
	ssePublisher.ConfigureTopic(pubsub.TopicConnectionState, pubsub.TopicConfig{
		Replay: pubsub.ReplayLatest,
	})

	// graphs: one event per live group, however busy the other groups are
	ssePublisher.ConfigureTopic(pubsub.TopicGraphs, pubsub.TopicConfig{
		Replay: pubsub.ReplayPerKey,
		Key:    pubsub.GroupKey,
	})

	return ssePublisher
}

// NewServer creates a new web server
func NewServer(c *coordinator.Coordinator, publisher pubsub.Publisher) *Server {
	s := &Server{
		router:      mux.NewRouter(),
		coordinator: c,
		publisher:   publisher,
	}
	s.setupRoutes()
	return s
}

// Handler returns the routed handler wrapped in the request-id middleware
func (s *Server) Handler() http.Handler {
	return logging.RequestIDMiddleware(s.router)
}

func (s *Server) setupRoutes() {
	// SSE subscription endpoints
	s.router.HandleFunc("/api/subscribe/{topic}", s.handleSubscribe).Methods("GET")

	// API routes - more specific routes must come first
	s.router.HandleFunc("/api/connection", s.handleConnection).Methods("GET")
	s.router.HandleFunc("/api/graphs", s.handleGraphs).Methods("GET")
	s.router.HandleFunc("/api/graphs/{groupID}/nodes/{nodeID}", s.handleNode).Methods("GET")
	s.router.HandleFunc("/api/graphs/{groupID}", s.handleGraph).Methods("GET")
	s.router.HandleFunc("/api/graphs/{groupID}", s.handleDeleteGraph).Methods("DELETE")
	s.router.HandleFunc("/api/messages", s.handleInjectMessage).Methods("POST")
	s.router.HandleFunc("/api/send", s.handleSend).Methods("POST")

	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	topic := mux.Vars(r)["topic"]
	if topic != pubsub.TopicConnectionState && topic != pubsub.TopicGraphs {
		http.Error(w, fmt.Sprintf("Unknown topic: %s", topic), http.StatusNotFound)
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*") // CORS support

	// Create subscription
	sub, err := s.publisher.Subscribe(r.Context(), topic)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer sub.Close()

	// Send initial comment to establish connection (Safari compatibility)
	fmt.Fprintf(w, ": connected\n\n")
	flush(w)

	// Stream events
	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := pubsub.WriteSSE(w, event); err != nil {
				logging.WarnContext(r.Context(), "error writing SSE event", "topic", topic, "error", err)
				return
			}
			flush(w)
		}
	}
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coordinator.Status())
}

func (s *Server) handleGraphs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coordinator.Summaries())
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	groupID := mux.Vars(r)["groupID"]

	g, ok := s.coordinator.Graph(groupID)
	if !ok {
		http.Error(w, fmt.Sprintf("Group not found: %s", groupID), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleDeleteGraph(w http.ResponseWriter, r *http.Request) {
	groupID := mux.Vars(r)["groupID"]

	if !s.coordinator.DeleteGraph(groupID) {
		http.Error(w, fmt.Sprintf("Group not found: %s", groupID), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	detail, err := s.coordinator.SelectNode(vars["groupID"], vars["nodeID"])
	switch {
	case errors.Is(err, coordinator.ErrGroupNotFound), errors.Is(err, graph.ErrNodeNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// handleInjectMessage feeds a group message through the same ingestion
// path as frames from the feed
func (s *Server) handleInjectMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes))
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to read body: %v", err), http.StatusBadRequest)
		return
	}

	if err := s.coordinator.HandleMessage(body); err != nil {
		var perr *model.ProtocolError
		if errors.As(err, &perr) {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error": perr.Error(),
				"field": perr.Field,
			})
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// handleSend forwards the body to the feed. Delivery is fire-and-forget, so
// the response never reflects whether the session was open.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var message json.RawMessage
	if err := json.NewDecoder(io.LimitReader(r.Body, maxMessageBytes)).Decode(&message); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}

	s.coordinator.Send(message)
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("error encoding response", "error", err)
	}
}

func flush(w http.ResponseWriter) {
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Start starts the web server on the specified port and blocks until ctx
// is cancelled or the listener fails
func (s *Server) Start(ctx context.Context, port int) error {
	addr := fmt.Sprintf(":%d", port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Warn("web server shutdown", "error", err)
		}
	}()

	logging.Info("starting web server", "url", fmt.Sprintf("http://localhost%s", addr))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("web server: %w", err)
	}
	return nil
}
