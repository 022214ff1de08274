package server

import (
	"encoding/json"
	"net/http"

	"github.com/fluxmedia/warden/internal/supervisor"
)

// StatusSource is what the status endpoint needs from a supervisor.
// The snapshot accessors are safe to call from http goroutines.
type StatusSource interface {
	State() supervisor.State
	Restarts() int64
	Pid() int
}

type statusResponse struct {
	State    string `json:"state"`
	Restarts int64  `json:"restarts"`
	Pid      int    `json:"pid,omitempty"`
}

// NewStatusHandler serves a JSON snapshot of the supervised worker.
func NewStatusHandler(source StatusSource) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "application/json")

		json.NewEncoder(w).Encode(statusResponse{
			State:    source.State().String(),
			Restarts: source.Restarts(),
			Pid:      source.Pid(),
		})
	})
}

// NewHealthHandler reports liveness of the supervising process itself.
func NewHealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}
