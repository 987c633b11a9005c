package priority

import (
	"sync"

	"github.com/kilianp07/serverqueue/core/model"
)

// PrivilegeSource supplies the priority weight of a client, typically from
// a permission system outside the queue.
type PrivilegeSource interface {
	Priority(c model.Client) int
}

// SourceFunc adapts a function to PrivilegeSource.
type SourceFunc func(c model.Client) int

func (f SourceFunc) Priority(c model.Client) int { return f(c) }

// StaticSource serves weights from an in-memory table. Unknown clients get
// the default weight.
type StaticSource struct {
	mu      sync.RWMutex
	weights map[model.ClientID]int
	def     int
}

// NewStaticSource copies weights into a new StaticSource.
func NewStaticSource(weights map[string]int, def int) *StaticSource {
	s := &StaticSource{weights: make(map[model.ClientID]int, len(weights)), def: def}
	for id, w := range weights {
		s.weights[model.ClientID(id)] = w
	}
	return s
}

func (s *StaticSource) Priority(c model.Client) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if w, ok := s.weights[c.ID]; ok {
		return w
	}
	return s.def
}

// Set changes the weight of a client. Queues only see the change after the
// queue manager re-evaluates the client.
func (s *StaticSource) Set(id model.ClientID, weight int) {
	s.mu.Lock()
	s.weights[id] = weight
	s.mu.Unlock()
}
