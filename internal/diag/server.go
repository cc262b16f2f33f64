// Package diag exposes the agent's localhost-only HTTP surface: health and
// component diagnostics, the current display snapshot, and the check-in and
// checkout commands the desktop UI drives.
package diag

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/safetrail/client/internal/api"
	"github.com/safetrail/client/internal/storage/models"
	"github.com/safetrail/client/internal/trip"
)

// State exposes the authority's observable state.
type State interface {
	Snapshot() *trip.Snapshot
	Version() int64
	CurrentTrip() (models.Trip, int, bool)
}

// Checkins performs user-initiated check-ins and checkouts against the
// current trip.
type Checkins interface {
	Checkin(ctx context.Context, t models.Trip) (int, error)
	Checkout(ctx context.Context, t models.Trip) error
}

// Feed exposes the change feed health.
type Feed interface {
	Degraded() bool
}

// Sessions exposes the display session state.
type Sessions interface {
	ActiveTrip() (string, bool)
	Disabled() bool
}

// Queue exposes the offline queue depth.
type Queue interface {
	Count(ctx context.Context) (int, error)
}

// Pinger checks the local database connection.
type Pinger interface {
	Ping() error
}

// Server is the agent's local HTTP surface.
type Server struct {
	db       Pinger
	state    State
	feed     Feed
	sessions Sessions
	queue    Queue
	checkins Checkins
}

// NewServer creates the local HTTP server over the given components.
func NewServer(db Pinger, state State, feed Feed, sessions Sessions, queue Queue, checkins Checkins) *Server {
	return &Server{
		db:       db,
		state:    state,
		feed:     feed,
		sessions: sessions,
		queue:    queue,
		checkins: checkins,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(logging)
	r.Use(recovery)

	routes := r.PathPrefix("/api").Subrouter()
	routes.HandleFunc("/health", s.handleHealth).Methods("GET")
	routes.HandleFunc("/status", s.handleStatus).Methods("GET")
	routes.HandleFunc("/snapshot", s.handleSnapshot).Methods("GET")
	routes.HandleFunc("/checkin", s.handleCheckin).Methods("POST")
	routes.HandleFunc("/checkout", s.handleCheckout).Methods("POST")

	return r
}

// HealthResponse is the health check body.
type HealthResponse struct {
	Status      string `json:"status"`
	DBConnected bool   `json:"db_connected"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbConnected := s.db.Ping() == nil

	status := "healthy"
	if !dbConnected {
		status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	if status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(HealthResponse{
		Status:      status,
		DBConnected: dbConnected,
	})
}

// StatusResponse is the component status body.
type StatusResponse struct {
	Version         int64  `json:"version"`
	ActiveSession   string `json:"active_session,omitempty"`
	DisplayDisabled bool   `json:"display_disabled"`
	FeedDegraded    bool   `json:"feed_degraded"`
	PendingActions  int    `json:"pending_actions"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	pending, err := s.queue.Count(r.Context())
	if err != nil {
		pending = -1
	}

	resp := StatusResponse{
		Version:         s.state.Version(),
		DisplayDisabled: s.sessions.Disabled(),
		FeedDegraded:    s.feed.Degraded(),
		PendingActions:  pending,
	}
	if tripID, ok := s.sessions.ActiveTrip(); ok {
		resp.ActiveSession = tripID
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// CheckinCommandResponse is the body returned by the check-in command.
type CheckinCommandResponse struct {
	CheckinCount int `json:"checkin_count"`
}

func (s *Server) handleCheckin(w http.ResponseWriter, r *http.Request) {
	current, _, ok := s.state.CurrentTrip()
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "No active trip")
		return
	}

	count, err := s.checkins.Checkin(r.Context(), current)
	if err != nil {
		writeCommandError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(CheckinCommandResponse{CheckinCount: count})
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	current, _, ok := s.state.CurrentTrip()
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "No active trip")
		return
	}

	if err := s.checkins.Checkout(r.Context(), current); err != nil {
		writeCommandError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func writeCommandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, api.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
	case errors.Is(err, api.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	default:
		writeError(w, http.StatusBadGateway, "upstream_error", err.Error())
	}
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot := s.state.Snapshot()
	if snapshot == nil {
		writeError(w, http.StatusNotFound, "not_found", "No active trip")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snapshot)
}
