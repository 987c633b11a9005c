package dispatch

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/kilianp07/serverqueue/auth"
	"github.com/kilianp07/serverqueue/core/audit"
)

// NewLogHandler returns an HTTP handler exposing dispatch logs via GET /api/dispatch/logs.
// Requests must include an Authorization header with "Bearer <token>" when token is non-empty.
func NewLogHandler(store audit.Store, token string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !auth.Authorized(r, token) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		q := audit.Query{
			Client:      r.URL.Query().Get("client"),
			Destination: r.URL.Query().Get("destination"),
			Event:       r.URL.Query().Get("event"),
		}
		for key, dst := range map[string]*time.Time{"start": &q.Start, "end": &q.End} {
			s := r.URL.Query().Get(key)
			if s == "" {
				continue
			}
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				http.Error(w, "invalid "+key+": "+err.Error(), http.StatusBadRequest)
				return
			}
			*dst = t
		}
		records, err := store.Query(r.Context(), q)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if records == nil {
			records = []audit.Record{}
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(records); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})
}
