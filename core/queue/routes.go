package queue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/kilianp07/serverqueue/core/model"
)

// Routes maps a server to the destinations a client arriving there is
// queued for automatically.
type Routes map[string][]string

// ParseRoutes reads "from:to" pairs. Several pairs may share the same
// origin; targets keep their listed order and duplicates are dropped.
func ParseRoutes(raw []string) (Routes, error) {
	r := make(Routes)
	for _, s := range raw {
		from, to, ok := strings.Cut(strings.TrimSpace(s), ":")
		from, to = strings.TrimSpace(from), strings.TrimSpace(to)
		if !ok || from == "" || to == "" {
			return nil, fmt.Errorf("queue server %q: want from:to", s)
		}
		if from == to {
			return nil, fmt.Errorf("queue server %q: origin and target are the same", s)
		}
		if !slices.Contains(r[from], to) {
			r[from] = append(r[from], to)
		}
	}
	return r, nil
}

// OnConnect records that the client is now on server and queues it for
// every destination routed from there. Targets the registry does not know
// and queues the client is already in are skipped. It returns the
// destinations joined.
func (m *Manager) OnConnect(ctx context.Context, c model.Client, server string) ([]string, error) {
	c.Server = server
	var (
		joined []string
		errs   []error
	)
	for _, dest := range m.opts.Routes[server] {
		_, err := m.Enqueue(ctx, c, dest)
		switch {
		case err == nil:
			joined = append(joined, dest)
		case errors.Is(err, ErrUnknownDestination), errors.Is(err, ErrAlreadyQueued):
			m.log.Debugf("auto queue %s from %s to %s skipped: %v", c.ID, server, dest, err)
		default:
			errs = append(errs, fmt.Errorf("auto queue %s to %s: %w", c.ID, dest, err))
		}
	}
	return joined, errors.Join(errs...)
}
