package simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/kilianp07/serverqueue/core/model"
	coremqtt "github.com/kilianp07/serverqueue/core/mqtt"
	"github.com/kilianp07/serverqueue/core/registry"
	"github.com/kilianp07/serverqueue/infra/logger"
)

// BackendConfig holds the topics a simulated backend uses.
type BackendConfig struct {
	OrderPrefix    string
	AckTopic       string
	StatusPrefix   string
	StatusInterval time.Duration
}

// Backend answers MQTT orders with a Fleet and publishes server status.
type Backend struct {
	cfg   BackendConfig
	cli   paho.Client
	fleet *Fleet
	reg   *registry.Static
	strat AckStrategy
	log   logger.Logger
}

// NewBackend wires a fleet to an already connected MQTT client.
func NewBackend(cfg BackendConfig, cli paho.Client, fleet *Fleet, reg *registry.Static, strat AckStrategy) *Backend {
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = time.Second
	}
	if strat == nil {
		strat = AutoAck{}
	}
	return &Backend{cfg: cfg, cli: cli, fleet: fleet, reg: reg, strat: strat, log: logger.New("simulator")}
}

// Run subscribes to order topics and publishes status until ctx is done.
func (b *Backend) Run(ctx context.Context) error {
	topic := strings.TrimSuffix(b.cfg.OrderPrefix, "/") + "/+/+"
	handler := func(_ paho.Client, msg paho.Message) {
		go b.handle(ctx, msg.Payload())
	}
	if token := b.cli.Subscribe(topic, 1, handler); token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe orders: %w", token.Error())
	}
	b.log.Infof("simulated backend listening on %s", topic)

	t := time.NewTicker(b.cfg.StatusInterval)
	defer t.Stop()
	b.publishStatus(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			b.publishStatus(ctx)
		}
	}
}

func (b *Backend) handle(ctx context.Context, payload []byte) {
	var o coremqtt.Order
	if err := json.Unmarshal(payload, &o); err != nil {
		b.log.Warnf("decode order: %v", err)
		return
	}
	ack := Answer(ctx, b.fleet, o)
	b.strat.Ack(ctx, b.cli, b.cfg.AckTopic, ack)
}

// Answer executes o against fleet and builds the ack a backend would send.
func Answer(ctx context.Context, fleet *Fleet, o coremqtt.Order) coremqtt.Ack {
	ack := coremqtt.Ack{CommandID: o.CommandID, OK: true}
	switch o.Kind {
	case coremqtt.OrderTransfer:
		if err := fleet.Attempt(ctx, model.Client{ID: model.ClientID(o.Client), Server: o.From}, o.Destination); err != nil {
			ack.OK = false
			ack.Error = err.Error()
		}
	case coremqtt.OrderEvict:
		id, err := fleet.EvictOneLowPriority(ctx, o.Destination)
		if err != nil {
			ack.OK = false
			ack.Error = err.Error()
		}
		ack.Evicted = string(id)
	default:
		ack.OK = false
		ack.Error = fmt.Sprintf("unknown order kind %q", o.Kind)
	}
	return ack
}

func (b *Backend) publishStatus(ctx context.Context) {
	dests, _ := b.reg.Destinations(ctx)
	prefix := strings.TrimSuffix(b.cfg.StatusPrefix, "/")
	for _, d := range dests {
		snap, err := b.reg.Snapshot(ctx, d)
		if err != nil {
			continue
		}
		payload, err := json.Marshal(StatusMessage(snap))
		if err != nil {
			continue
		}
		b.cli.Publish(prefix+"/"+d, 0, false, payload)
	}
}

// StatusMessage renders a snapshot in the status wire format.
func StatusMessage(s model.Snapshot) map[string]any {
	allowed := make([]string, 0, len(s.Allowed))
	for _, a := range s.Allowed {
		allowed = append(allowed, string(a))
	}
	return map[string]any{
		"status":     s.Status.String(),
		"free_slots": s.FreeSlots,
		"allowed":    allowed,
	}
}
