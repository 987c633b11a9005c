// Package queues exposes the queue manager over HTTP for operators and for
// the proxy layer that forwards player commands.
package queues

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/kilianp07/serverqueue/auth"
	"github.com/kilianp07/serverqueue/core/model"
	"github.com/kilianp07/serverqueue/core/queue"
	"github.com/kilianp07/serverqueue/core/registry"
)

// WaitEstimator predicts the remaining wait of a queued client.
type WaitEstimator interface {
	EstimatedWait(id model.ClientID, dest string) (time.Duration, error)
}

// Summary describes one queue in the listing.
type Summary struct {
	Destination  string    `json:"destination"`
	Length       int       `json:"length"`
	Paused       bool      `json:"paused"`
	InFlight     bool      `json:"in_flight"`
	LastDispatch time.Time `json:"last_dispatch"`
}

// Detail is the content of one queue.
type Detail struct {
	Destination string            `json:"destination"`
	Paused      bool              `json:"paused"`
	Entries     []queue.EntryView `json:"entries"`
}

// Position is the answer to a position lookup.
type Position struct {
	Client        string `json:"client"`
	Destination   string `json:"destination"`
	Position      int    `json:"position"`
	Length        int    `json:"length"`
	EstimatedWait string `json:"estimated_wait,omitempty"`
}

// JoinRequest is the body of a join call.
type JoinRequest struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Server string `json:"server"`
}

// ConnectRequest reports a client arriving on a backend server.
type ConnectRequest struct {
	Name   string `json:"name"`
	Server string `json:"server"`
}

// Connected lists the queues a connect call joined.
type Connected struct {
	Client string   `json:"client"`
	Server string   `json:"server"`
	Queued []string `json:"queued"`
	Error  string   `json:"error,omitempty"`
}

// Connector handles a client arriving on a server. *queue.Manager is one.
type Connector interface {
	OnConnect(ctx context.Context, c model.Client, server string) ([]string, error)
}

type handler struct {
	mgr  *queue.Manager
	est  WaitEstimator
	conn Connector
}

// NewHandler returns the admin API. Every route requires the bearer token
// when it is non-empty. est may be nil.
func NewHandler(mgr *queue.Manager, est WaitEstimator, token string) http.Handler {
	return NewHandlerWithConnector(mgr, est, mgr, token)
}

// NewHandlerWithConnector is NewHandler with connect calls routed to conn.
func NewHandlerWithConnector(mgr *queue.Manager, est WaitEstimator, conn Connector, token string) http.Handler {
	h := &handler{mgr: mgr, est: est, conn: conn}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/queues", h.list)
	mux.HandleFunc("GET /api/queues/{dest}", h.detail)
	mux.HandleFunc("POST /api/queues/{dest}/pause", h.pause(true))
	mux.HandleFunc("POST /api/queues/{dest}/unpause", h.pause(false))
	mux.HandleFunc("POST /api/queues/{dest}/clients", h.join)
	mux.HandleFunc("GET /api/queues/{dest}/clients/{id}", h.position)
	mux.HandleFunc("DELETE /api/queues/{dest}/clients/{id}", h.remove)
	mux.HandleFunc("DELETE /api/queues/{dest}/clients", h.kickDestination)
	mux.HandleFunc("DELETE /api/clients/{id}", h.removeEverywhere)
	mux.HandleFunc("POST /api/clients/{id}/refresh", h.refresh)
	mux.HandleFunc("POST /api/clients/{id}/connect", h.connect)
	return auth.RequireBearer(token, mux)
}

func (h *handler) list(w http.ResponseWriter, _ *http.Request) {
	qs := h.mgr.Queues()
	out := make([]Summary, 0, len(qs))
	for _, q := range qs {
		out = append(out, Summary{
			Destination:  q.Name(),
			Length:       q.Len(),
			Paused:       q.Paused(),
			InFlight:     q.InFlight(),
			LastDispatch: q.LastDispatch(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) detail(w http.ResponseWriter, r *http.Request) {
	dest := r.PathValue("dest")
	entries, err := h.mgr.Entries(dest)
	if err != nil {
		writeError(w, err)
		return
	}
	paused, _ := h.mgr.Paused(dest)
	writeJSON(w, http.StatusOK, Detail{Destination: dest, Paused: paused, Entries: entries})
}

func (h *handler) pause(paused bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h.mgr.SetPaused(r.Context(), r.PathValue("dest"), paused); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *handler) join(w http.ResponseWriter, r *http.Request) {
	var req JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}
	dest := r.PathValue("dest")
	c := model.Client{ID: model.ClientID(req.ID), Name: req.Name, Server: req.Server}
	res, err := h.mgr.Enqueue(r.Context(), c, dest)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, Position{
		Client:        req.ID,
		Destination:   dest,
		Position:      res.Position,
		Length:        res.Length,
		EstimatedWait: h.wait(c.ID, dest),
	})
}

func (h *handler) position(w http.ResponseWriter, r *http.Request) {
	dest, id := r.PathValue("dest"), model.ClientID(r.PathValue("id"))
	pos, length, err := h.mgr.PositionOf(id, dest)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Position{
		Client:        string(id),
		Destination:   dest,
		Position:      pos,
		Length:        length,
		EstimatedWait: h.wait(id, dest),
	})
}

// remove kicks the client by default; ?reason=leave records a voluntary
// departure.
func (h *handler) remove(w http.ResponseWriter, r *http.Request) {
	dest, id := r.PathValue("dest"), model.ClientID(r.PathValue("id"))
	if r.URL.Query().Get("reason") == "leave" {
		if _, err := h.mgr.Leave(id, dest); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if h.mgr.Kick(id, dest) == 0 {
		writeError(w, queue.ErrNotQueued)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) kickDestination(w http.ResponseWriter, r *http.Request) {
	dest := r.PathValue("dest")
	if _, err := h.mgr.Paused(dest); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"kicked": h.mgr.KickDestination(dest)})
}

func (h *handler) removeEverywhere(w http.ResponseWriter, r *http.Request) {
	id := model.ClientID(r.PathValue("id"))
	if r.URL.Query().Get("reason") == "leave" {
		res, err := h.mgr.LeaveAll(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string][]string{"left": res.Destinations})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"kicked": h.mgr.KickAll(id)})
}

func (h *handler) refresh(w http.ResponseWriter, r *http.Request) {
	moved := h.mgr.RefreshPriority(model.ClientID(r.PathValue("id")))
	writeJSON(w, http.StatusOK, map[string]int{"moved": moved})
}

// connect answers 200 when at least one queue was joined or nothing failed.
func (h *handler) connect(w http.ResponseWriter, r *http.Request) {
	var req ConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Server == "" {
		http.Error(w, "server is required", http.StatusBadRequest)
		return
	}
	id := r.PathValue("id")
	joined, err := h.conn.OnConnect(r.Context(), model.Client{ID: model.ClientID(id), Name: req.Name}, req.Server)
	if err != nil && len(joined) == 0 {
		writeError(w, err)
		return
	}
	out := Connected{Client: id, Server: req.Server, Queued: joined}
	if out.Queued == nil {
		out.Queued = []string{}
	}
	if err != nil {
		out.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) wait(id model.ClientID, dest string) string {
	if h.est == nil {
		return ""
	}
	d, err := h.est.EstimatedWait(id, dest)
	if err != nil {
		return ""
	}
	return d.Round(time.Second).String()
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, queue.ErrUnknownDestination), errors.Is(err, registry.ErrUnknownDestination), errors.Is(err, queue.ErrNotQueued):
		status = http.StatusNotFound
	case errors.Is(err, queue.ErrAlreadyQueued), errors.Is(err, queue.ErrAlreadyConnected):
		status = http.StatusConflict
	case errors.Is(err, queue.ErrDestinationPaused):
		status = http.StatusLocked
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
