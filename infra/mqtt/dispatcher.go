package mqtt

import (
	"context"
	"fmt"

	"github.com/kilianp07/serverqueue/core/model"
	coremqtt "github.com/kilianp07/serverqueue/core/mqtt"
	"github.com/kilianp07/serverqueue/infra/logger"
)

// Dispatcher sends transfer and evict orders to backends over MQTT and
// treats the acknowledgment as the outcome.
type Dispatcher struct {
	cli         coremqtt.Client
	evictPolicy string
	log         logger.Logger
}

// NewDispatcher wraps cli. evictPolicy is forwarded to backends with every
// evict order; the backend owns the selection.
func NewDispatcher(cli coremqtt.Client, evictPolicy string, log logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.NopLogger{}
	}
	return &Dispatcher{cli: cli, evictPolicy: evictPolicy, log: log}
}

// Attempt asks the backends to move c to dest and waits for the ack.
func (d *Dispatcher) Attempt(ctx context.Context, c model.Client, dest string) error {
	ack, err := d.roundTrip(ctx, coremqtt.Order{
		Kind:        coremqtt.OrderTransfer,
		Client:      string(c.ID),
		ClientName:  c.Name,
		From:        c.Server,
		Destination: dest,
	})
	if err != nil {
		return err
	}
	if !ack.OK {
		return fmt.Errorf("%w: transfer %s to %s: %s", coremqtt.ErrRejected, c.ID, dest, ack.Error)
	}
	return nil
}

// EvictOneLowPriority asks dest to disconnect one client and returns it.
// An accepted order without a named client means nobody was evictable.
func (d *Dispatcher) EvictOneLowPriority(ctx context.Context, dest string) (model.ClientID, error) {
	ack, err := d.roundTrip(ctx, coremqtt.Order{
		Kind:        coremqtt.OrderEvict,
		Destination: dest,
		Policy:      d.evictPolicy,
	})
	if err != nil {
		return "", err
	}
	if !ack.OK {
		return "", fmt.Errorf("%w: evict on %s: %s", coremqtt.ErrRejected, dest, ack.Error)
	}
	if ack.Evicted != "" {
		d.log.Infof("backend %s evicted %s", dest, ack.Evicted)
	}
	return model.ClientID(ack.Evicted), nil
}

func (d *Dispatcher) roundTrip(ctx context.Context, o coremqtt.Order) (coremqtt.Ack, error) {
	id, err := d.cli.SendOrder(ctx, o)
	if err != nil {
		return coremqtt.Ack{}, err
	}
	ack, err := d.cli.WaitForAck(ctx, id)
	if err != nil {
		return coremqtt.Ack{}, fmt.Errorf("%s order %s: %w", o.Kind, id, err)
	}
	return ack, nil
}
