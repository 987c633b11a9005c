package eventbus

import (
	"fmt"
	"sync"

	"github.com/kilianp07/serverqueue/core/logger"
)

// Event is anything carrying a kind from a closed set K.
type Event[K comparable] interface {
	EventKind() K
}

// Handler reacts to one event. Errors are logged and never propagated.
type Handler[E any] func(E) error

// Bus delivers events synchronously to handlers registered per kind and
// asynchronously to taps. A failing handler never stops delivery to the
// others and never reaches the publisher.
type Bus[K comparable, E Event[K]] struct {
	mu       sync.RWMutex
	handlers map[K][]Handler[E]
	taps     []chan E
	closed   bool
	log      logger.Logger
	onError  []func(K, error)
}

// New creates a Bus. log may be nil.
func New[K comparable, E Event[K]](log logger.Logger) *Bus[K, E] {
	return &Bus[K, E]{handlers: make(map[K][]Handler[E]), log: log}
}

// Subscribe registers h for kind. Handlers of a kind run in registration order.
func (b *Bus[K, E]) Subscribe(kind K, h Handler[E]) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.handlers[kind] = append(b.handlers[kind], h)
	b.mu.Unlock()
}

// Publish delivers e to every handler of its kind, then to the taps.
// Handlers run outside the bus lock so they may publish or subscribe.
func (b *Bus[K, E]) Publish(e E) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	hs := append([]Handler[E](nil), b.handlers[e.EventKind()]...)
	b.mu.RUnlock()

	for i, h := range hs {
		err := b.call(h, e)
		if err == nil {
			continue
		}
		if b.log != nil {
			b.log.Errorf("event handler %d for %v failed: %v", i, e.EventKind(), err)
		}
		b.mu.RLock()
		hooks := b.onError
		b.mu.RUnlock()
		for _, f := range hooks {
			f(e.EventKind(), err)
		}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.taps {
		select {
		case ch <- e:
		default:
			if b.log != nil {
				b.log.Warnf("event tap full, dropping %v", e.EventKind())
			}
		}
	}
}

func (b *Bus[K, E]) call(h Handler[E], e E) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(e)
}

// OnError registers f to observe handler failures, panics included.
// f runs on the publishing goroutine and must not publish.
func (b *Bus[K, E]) OnError(f func(kind K, err error)) {
	if f == nil {
		return
	}
	b.mu.Lock()
	b.onError = append(b.onError[:len(b.onError):len(b.onError)], f)
	b.mu.Unlock()
}

// Tap returns a channel receiving every published event. Delivery is
// non-blocking: events are dropped when the buffer is full.
func (b *Bus[K, E]) Tap(buffer int) <-chan E {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan E, buffer)
	b.mu.Lock()
	if b.closed {
		close(ch)
	} else {
		b.taps = append(b.taps, ch)
	}
	b.mu.Unlock()
	return ch
}

// Untap removes the tap and closes its channel.
func (b *Bus[K, E]) Untap(tap <-chan E) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, ch := range b.taps {
		if ch == tap {
			b.taps = append(b.taps[:i], b.taps[i+1:]...)
			if !b.closed {
				close(ch)
			}
			return
		}
	}
}

// Close drops all handlers and closes the taps. Later publishes are ignored.
func (b *Bus[K, E]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.taps {
		close(ch)
	}
	b.taps = nil
	b.handlers = make(map[K][]Handler[E])
}
