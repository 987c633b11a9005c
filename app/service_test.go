package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/serverqueue/app/plugins"
	"github.com/kilianp07/serverqueue/config"
	"github.com/kilianp07/serverqueue/core/audit"
	"github.com/kilianp07/serverqueue/core/dispatch"
	"github.com/kilianp07/serverqueue/core/factory"
	coremetrics "github.com/kilianp07/serverqueue/core/metrics"
	"github.com/kilianp07/serverqueue/core/model"
)

// closeLog remembers which tracked resources were closed.
type closeLog struct {
	mu     sync.Mutex
	closed map[string]bool
}

func (l *closeLog) mark(name string) {
	l.mu.Lock()
	l.closed[name] = true
	l.mu.Unlock()
}

func (l *closeLog) reset() {
	l.mu.Lock()
	l.closed = map[string]bool{}
	l.mu.Unlock()
}

func (l *closeLog) isClosed(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed[name]
}

var tracked = &closeLog{closed: map[string]bool{}}

type trackedStore struct{ *audit.MemoryStore }

func (trackedStore) Close() error { tracked.mark("audit"); return nil }

type trackedSink struct{}

func (trackedSink) RecordQueueEvent(coremetrics.QueueEvent) error { return nil }
func (trackedSink) Close()                                        { tracked.mark("sink") }

func init() {
	_ = plugins.RegisterAuditStore("tracked", func(map[string]any) (audit.Store, error) {
		return trackedStore{audit.NewMemoryStore(10)}, nil
	})
	_ = coremetrics.RegisterMetricsSink("tracked", func(map[string]any) (coremetrics.MetricsSink, error) {
		return trackedSink{}, nil
	})
}

func testConfig() *config.Config {
	cfg := &config.Config{
		Queue:    dispatch.Config{TickIntervalMS: 10},
		Registry: config.RegistryConfig{Destinations: []string{"lobby", "arena"}, Slots: 2},
		Audit:    config.AuditConfig{Backend: "memory"},
		API:      config.APIConfig{Token: "secret"},
		Priority: factory.ModuleConfig{Type: "fifo"},
	}
	cfg.SetDefaults()
	return cfg
}

func TestServiceDispatchesWithSimulatedFleet(t *testing.T) {
	cfg := testConfig()
	require.NoError(t, cfg.Validate())
	svc, err := New(cfg)
	require.NoError(t, err)
	require.NotNil(t, svc.Fleet)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(svc.Manager.Destinations()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	_, err = svc.Manager.Enqueue(ctx, model.Client{ID: "p1", Name: "alice"}, "arena")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		srv, ok := svc.Fleet.ServerOf("p1")
		return ok && srv == "arena"
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		recs, err := svc.Audit.Query(context.Background(), audit.Query{Event: "dispatched"})
		return err == nil && len(recs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	closeCtx, stop := context.WithTimeout(context.Background(), time.Second)
	defer stop()
	assert.NoError(t, svc.Close(closeCtx))
}

func TestServiceHandlerRequiresToken(t *testing.T) {
	svc, err := New(testConfig())
	require.NoError(t, err)
	defer svc.Close(context.Background())
	require.NoError(t, svc.Manager.Sync(context.Background()))

	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/queues")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/queues", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/api/dispatch/logs", nil)
	req.Header.Set("Authorization", "Bearer secret")
	logs, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer logs.Body.Close()
	assert.Equal(t, http.StatusOK, logs.StatusCode)
}

func TestNewRejectsUnknownPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.Priority.Type = "bogus"
	_, err := New(cfg)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "priority"))
}

func TestNewReleasesResourcesOnSchedulerError(t *testing.T) {
	tracked.reset()
	cfg := testConfig()
	cfg.Audit.Backend = "tracked"
	cfg.Metrics.Sinks = []factory.ModuleConfig{{Type: "tracked"}}
	cfg.Queue.Workers = -1

	_, err := New(cfg)
	require.ErrorContains(t, err, "workers")
	assert.True(t, tracked.isClosed("audit"))
	assert.True(t, tracked.isClosed("sink"))
}

func TestNewReleasesAuditOnSinkError(t *testing.T) {
	tracked.reset()
	cfg := testConfig()
	cfg.Audit.Backend = "tracked"
	cfg.Metrics.Sinks = []factory.ModuleConfig{{Type: "tracked"}, {Type: "bogus"}}

	_, err := New(cfg)
	require.ErrorContains(t, err, "metrics sink")
	assert.True(t, tracked.isClosed("audit"))
	assert.True(t, tracked.isClosed("sink"))
}

func TestNewRejectsBadSentryDSN(t *testing.T) {
	cfg := testConfig()
	cfg.Sentry.DSN = "::not a dsn"
	_, err := New(cfg)
	assert.ErrorContains(t, err, "sentry")
}

func TestServiceRoutesConnectedClientsThroughGroups(t *testing.T) {
	cfg := testConfig()
	cfg.Registry.Groups = map[string][]string{"games": {"lobby", "arena"}}
	cfg.QueueServers = []string{"lobby:games"}
	require.NoError(t, cfg.Validate())
	svc, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	require.Eventually(t, func() bool {
		return len(svc.Manager.Destinations()) == 3
	}, 2*time.Second, 10*time.Millisecond)

	joined, err := svc.OnConnect(ctx, model.Client{ID: "p1", Name: "alice"}, "lobby")
	require.NoError(t, err)
	assert.Equal(t, []string{"games"}, joined)

	require.Eventually(t, func() bool {
		srv, ok := svc.Fleet.ServerOf("p1")
		return ok && srv == "arena"
	}, 2*time.Second, 10*time.Millisecond)

	_, err = svc.OnConnect(ctx, model.Client{ID: "p2"}, "nowhere")
	assert.Error(t, err)

	cancel()
	<-done
	closeCtx, stop := context.WithTimeout(context.Background(), time.Second)
	defer stop()
	assert.NoError(t, svc.Close(closeCtx))
}
