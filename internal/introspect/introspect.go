// Package introspect exposes a read-only HTTP status surface over the
// engine's in-core state: active-set occupancy, per-transport job-stack
// depth, and dead destinations.
package introspect

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/igodwin/qmgr/internal/activeset"
	"github.com/igodwin/qmgr/internal/entity"
)

// Server serves the introspection endpoints. It never mutates engine state;
// every handler only reads through Store's own locking.
type Server struct {
	active *activeset.Controller
	store  *entity.Store
	router *mux.Router
	srv    *http.Server
}

func New(addr string, active *activeset.Controller, store *entity.Store) *Server {
	s := &Server{active: active, store: store}

	r := mux.NewRouter()
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/transports", s.handleTransports).Methods(http.MethodGet)

	s.router = r
	s.srv = &http.Server{Addr: addr, Handler: r}
	return s
}

// Handler exposes the routed mux directly, letting tests drive the
// endpoints through httptest.Server without binding the configured addr.
func (s *Server) Handler() http.Handler {
	return s.router
}

type statusResponse struct {
	ActiveCount  int `json:"active_count"`
	ActiveLimit  int `json:"active_limit"`
	MessageCount int `json:"message_count"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		ActiveCount:  s.active.Count(),
		ActiveLimit:  s.active.Limit(),
		MessageCount: s.store.MessageCount(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

type transportStatus struct {
	Name             string   `json:"name"`
	Dead             bool     `json:"dead"`
	StackDepth       int      `json:"stack_depth"`
	DeadDestinations []string `json:"dead_destinations"`
}

func (s *Server) handleTransports(w http.ResponseWriter, _ *http.Request) {
	transports := s.store.Transports()
	out := make([]transportStatus, 0, len(transports))
	for _, t := range transports {
		var dead []string
		for nexthop, d := range t.Destinations {
			if d.Dead {
				dead = append(dead, nexthop)
			}
		}
		out = append(out, transportStatus{
			Name:             t.Name,
			Dead:             t.Dead,
			StackDepth:       len(t.Stack.Frames),
			DeadDestinations: dead,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (s *Server) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

func (s *Server) Close() error {
	return s.srv.Close()
}
