package simulator

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	coremqtt "github.com/kilianp07/serverqueue/core/mqtt"
	"github.com/kilianp07/serverqueue/infra/logger"
)

// AckStrategy defines how a simulated backend answers an order.
type AckStrategy interface {
	Ack(ctx context.Context, cli paho.Client, topic string, ack coremqtt.Ack)
}

// AutoAck sends an ACK after an optional fixed delay.
type AutoAck struct {
	Delay time.Duration
	Log   logger.Logger
}

// Ack implements AckStrategy.
func (a AutoAck) Ack(ctx context.Context, cli paho.Client, topic string, ack coremqtt.Ack) {
	if !wait(ctx, a.Delay) {
		return
	}
	publishAck(cli, topic, ack, a.Log)
}

// RandomAck drops acknowledgments with the configured probability and
// waits for the specified delay before sending.
type RandomAck struct {
	Delay    time.Duration
	DropRate float64
	Log      logger.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomAck seeds a RandomAck.
func NewRandomAck(delay time.Duration, dropRate float64, seed int64, log logger.Logger) *RandomAck {
	return &RandomAck{Delay: delay, DropRate: dropRate, Log: log, rng: rand.New(rand.NewSource(seed))}
}

// Ack implements AckStrategy.
func (r *RandomAck) Ack(ctx context.Context, cli paho.Client, topic string, ack coremqtt.Ack) {
	r.mu.Lock()
	drop := r.DropRate > 0 && r.rng.Float64() < r.DropRate
	r.mu.Unlock()
	if drop {
		return
	}
	if !wait(ctx, r.Delay) {
		return
	}
	publishAck(cli, topic, ack, r.Log)
}

func wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func publishAck(cli paho.Client, topic string, ack coremqtt.Ack, log logger.Logger) {
	if log == nil {
		log = logger.NopLogger{}
	}
	payload, err := json.Marshal(ack)
	if err != nil {
		log.Errorf("marshal ack: %v", err)
		return
	}
	token := cli.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		log.Warnf("ack publish timeout for %s", ack.CommandID)
		return
	}
	if err := token.Error(); err != nil {
		log.Errorf("publish ack error for %s: %v", ack.CommandID, err)
	}
}
