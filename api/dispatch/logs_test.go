package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/serverqueue/core/audit"
)

type memStore struct{ recs []audit.Record }

func (m *memStore) Append(_ context.Context, r audit.Record) error {
	m.recs = append(m.recs, r)
	return nil
}

func (m *memStore) Query(_ context.Context, q audit.Query) ([]audit.Record, error) {
	var res []audit.Record
	for _, r := range m.recs {
		if q.Client != "" && r.Client != q.Client {
			continue
		}
		if !q.Start.IsZero() && r.Timestamp.Before(q.Start) {
			continue
		}
		res = append(res, r)
	}
	return res, nil
}

func (m *memStore) Close() error { return nil }

func TestLogHandler_AuthAndFilters(t *testing.T) {
	store := &memStore{}
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.Append(context.Background(), audit.Record{Timestamp: now, Event: "dispatched", Client: "c1", Destination: "arena"}))
	require.NoError(t, store.Append(context.Background(), audit.Record{Timestamp: now, Event: "left", Client: "c2", Destination: "arena"}))
	h := NewLogHandler(store, "tok")

	req := httptest.NewRequest(http.MethodGet, "/api/dispatch/logs?client=c1", nil)
	req.Header.Set("Authorization", "Bearer tok")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	var out []audit.Record
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, "dispatched", out[0].Event)

	req = httptest.NewRequest(http.MethodGet, "/api/dispatch/logs", nil)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestLogHandler_EmptyResultIsArray(t *testing.T) {
	h := NewLogHandler(&memStore{}, "")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/dispatch/logs?start=2030-01-01T00:00:00Z", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, "[]", rr.Body.String())
}

func TestLogHandler_BadTime(t *testing.T) {
	h := NewLogHandler(&memStore{}, "")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/dispatch/logs?end=yesterday", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestLogHandler_MethodNotAllowed(t *testing.T) {
	h := NewLogHandler(&memStore{}, "")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/dispatch/logs", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}
