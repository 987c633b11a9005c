// Package telemetry keeps a live view of backend status pushed over MQTT.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kilianp07/serverqueue/config"
	"github.com/kilianp07/serverqueue/core/model"
	"github.com/kilianp07/serverqueue/core/registry"
	"github.com/kilianp07/serverqueue/infra/logger"
	infmqtt "github.com/kilianp07/serverqueue/infra/mqtt"
)

// ErrNoStatus is returned for a destination that has not reported yet.
var ErrNoStatus = errors.New("telemetry: no status received")

// ErrStale is returned when the last report is older than the stale bound.
var ErrStale = errors.New("telemetry: status is stale")

type subscriber interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

type report struct {
	snap model.Snapshot
	at   time.Time
}

// StatusRegistry lists destinations and serves the latest status each
// backend published on <prefix>/<destination>.
type StatusRegistry struct {
	cfg   config.RegistryConfig
	cli   subscriber
	log   logger.Logger
	now   func() time.Time
	stale time.Duration

	mu      sync.RWMutex
	order   []string
	reports map[string]report

	updates *prometheus.CounterVec
	reads   *prometheus.CounterVec
	reg     prometheus.Registerer
}

// NewStatusRegistry connects to the broker with its own client id. Collectors
// are registered on reg when it is not nil.
func NewStatusRegistry(mqttCfg infmqtt.Config, cfg config.RegistryConfig, reg prometheus.Registerer) (*StatusRegistry, error) {
	opts, err := infmqtt.NewClientOptions(mqttCfg)
	if err != nil {
		return nil, err
	}
	id := mqttCfg.ClientID
	if id != "" {
		id += "-status"
	} else {
		id = "status-" + uuid.NewString()
	}
	opts.SetClientID(id)
	cli := paho.NewClient(opts)
	if token := cli.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	r := newStatusRegistry(cfg, cli, logger.New("status_registry"))
	if reg != nil {
		if err := r.register(reg); err != nil {
			r.Close()
			return nil, err
		}
	}
	return r, nil
}

func newStatusRegistry(cfg config.RegistryConfig, cli subscriber, log logger.Logger) *StatusRegistry {
	cfg.SetDefaults()
	return &StatusRegistry{
		cfg:     cfg,
		cli:     cli,
		log:     log,
		now:     time.Now,
		stale:   time.Duration(cfg.StaleAfterMS) * time.Millisecond,
		order:   slices.Clone(cfg.Destinations),
		reports: make(map[string]report),
		updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "status_updates_total",
			Help: "Backend status messages by result",
		}, []string{"result"}),
		reads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "status_snapshot_reads_total",
			Help: "Snapshot reads by result",
		}, []string{"result"}),
	}
}

func (r *StatusRegistry) register(reg prometheus.Registerer) error {
	r.reg = reg
	for _, c := range []prometheus.Collector{r.updates, r.reads} {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("register status metrics: %w", err)
		}
	}
	return nil
}

// Start subscribes to status topics and blocks until ctx is done.
func (r *StatusRegistry) Start(ctx context.Context) {
	topic := strings.TrimSuffix(r.cfg.StatusPrefix, "/") + "/+"
	if token := r.cli.Subscribe(topic, 1, r.onStatus); token.Wait() && token.Error() != nil {
		r.log.Errorf("subscribe status: %v", token.Error())
	}
	<-ctx.Done()
	if r.cli.IsConnected() {
		r.cli.Disconnect(250)
	}
}

// Close disconnects from the broker and unregisters the collectors. It is
// safe to call after Start returned.
func (r *StatusRegistry) Close() {
	if r.cli.IsConnected() {
		r.cli.Disconnect(250)
	}
	if r.reg != nil {
		r.reg.Unregister(r.updates)
		r.reg.Unregister(r.reads)
		r.reg = nil
	}
}

// Destinations returns the known destinations in configuration order,
// followed by discovered ones in arrival order.
func (r *StatusRegistry) Destinations(context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order), nil
}

// Snapshot returns the last report for dest. Missing or stale reports are
// errors so the scheduler skips the destination.
func (r *StatusRegistry) Snapshot(_ context.Context, dest string) (model.Snapshot, error) {
	r.mu.RLock()
	known := slices.Contains(r.order, dest)
	rep, ok := r.reports[dest]
	r.mu.RUnlock()
	switch {
	case !known:
		r.reads.WithLabelValues("unknown").Inc()
		return model.Snapshot{}, fmt.Errorf("%w: %s", registry.ErrUnknownDestination, dest)
	case !ok:
		r.reads.WithLabelValues("missing").Inc()
		return model.Snapshot{}, fmt.Errorf("%w: %s", ErrNoStatus, dest)
	}
	now := r.now()
	if age := now.Sub(rep.at); age > r.stale {
		r.reads.WithLabelValues("stale").Inc()
		return model.Snapshot{}, fmt.Errorf("%w: %s last reported %s ago", ErrStale, dest, age.Round(time.Millisecond))
	}
	r.reads.WithLabelValues("ok").Inc()
	snap := rep.snap
	snap.Allowed = slices.Clone(rep.snap.Allowed)
	snap.ReadAt = now
	return snap, nil
}

func (r *StatusRegistry) onStatus(_ paho.Client, msg paho.Message) {
	if err := r.process(msg.Topic(), msg.Payload()); err != nil {
		r.updates.WithLabelValues("rejected").Inc()
		r.log.Warnf("status %s: %v", msg.Topic(), err)
		return
	}
	r.updates.WithLabelValues("accepted").Inc()
}

// process applies one status message. An empty payload clears the report;
// a discovered destination is forgotten entirely.
func (r *StatusRegistry) process(topic string, payload []byte) error {
	dest := extractID(topic)
	if dest == "" {
		return fmt.Errorf("no destination in topic")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	known := slices.Contains(r.order, dest)
	if len(payload) == 0 {
		delete(r.reports, dest)
		if known && !slices.Contains(r.cfg.Destinations, dest) {
			r.order = slices.DeleteFunc(r.order, func(d string) bool { return d == dest })
			r.log.Infof("destination %s withdrawn", dest)
		}
		return nil
	}
	if !known && !r.cfg.Discover {
		return fmt.Errorf("%w: %s", registry.ErrUnknownDestination, dest)
	}
	snap, err := decodeStatus(payload)
	if err != nil {
		return err
	}
	if !known {
		r.order = append(r.order, dest)
		r.log.Infof("discovered destination %s", dest)
	}
	r.reports[dest] = report{snap: snap, at: r.now()}
	return nil
}

func decodeStatus(payload []byte) (model.Snapshot, error) {
	var msg struct {
		Status    string   `json:"status"`
		FreeSlots *int     `json:"free_slots"`
		Allowed   []string `json:"allowed"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return model.Snapshot{}, err
	}
	status, err := model.ParseStatus(msg.Status)
	if err != nil {
		return model.Snapshot{}, err
	}
	snap := model.Snapshot{Status: status}
	if msg.FreeSlots != nil {
		snap.FreeSlots = max(*msg.FreeSlots, 0)
	}
	for _, a := range msg.Allowed {
		snap.Allowed = append(snap.Allowed, model.ClientID(a))
	}
	return snap, nil
}

func extractID(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) > 0 {
		return parts[len(parts)-1]
	}
	return ""
}
