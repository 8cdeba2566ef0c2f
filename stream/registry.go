package stream

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/spanwatch/event"
)

// Handler receives events fanned out by a Registry.
type Handler func(ev event.Event)

// Filter selects the events a subscriber receives. A nil Filter accepts all.
type Filter func(ev event.Event) bool

// ByRun accepts events of runID.
func ByRun(runID string) Filter {
	return func(ev event.Event) bool { return ev.Base().RunID == runID }
}

// ByThread accepts events of threadID.
func ByThread(threadID string) Filter {
	return func(ev event.Event) bool { return ev.Base().ThreadID == threadID }
}

// ByKind accepts events whose first-level type is one of kinds.
func ByKind(kinds ...event.Type) Filter {
	return func(ev event.Event) bool { return slices.Contains(kinds, ev.Kind()) }
}

type subscriber struct {
	id      string
	handler Handler
	filter  Filter
}

// Registry is a keyed fan-out of events.
type Registry struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs []*subscriber
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{logger: logger}
}

// Subscribe registers handler under id. The returned function removes it.
func (r *Registry) Subscribe(id string, handler Handler, filter Filter) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if slices.ContainsFunc(r.subs, func(s *subscriber) bool { return s.id == id }) {
		return nil, goerr.Wrap(ErrDuplicateSubscriber, "failed to subscribe", goerr.V("id", id))
	}
	r.subs = append(slices.Clip(r.subs), &subscriber{id: id, handler: handler, filter: filter})

	return func() { r.Unsubscribe(id) }, nil
}

// Unsubscribe removes the subscriber registered under id, if any.
func (r *Registry) Unsubscribe(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = slices.DeleteFunc(slices.Clone(r.subs), func(s *subscriber) bool { return s.id == id })
}

// Clear removes every subscriber.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = nil
}

// Len returns the number of subscribers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Publish delivers ev to every subscriber whose filter accepts it. A
// panicking handler is logged and does not affect other subscribers.
func (r *Registry) Publish(ev event.Event) {
	r.mu.RLock()
	subs := r.subs
	r.mu.RUnlock()

	for _, s := range subs {
		r.deliver(s, ev)
	}
}

func (r *Registry) deliver(s *subscriber, ev event.Event) {
	defer func() {
		if v := recover(); v != nil {
			r.logger.Warn("subscriber panicked",
				slog.String("subscriber", s.id),
				slog.String("type", string(ev.Kind())),
				slog.String("panic", fmt.Sprint(v)),
			)
		}
	}()

	if s.filter != nil && !s.filter(ev) {
		return
	}
	s.handler(ev)
}

// Events subscribes a buffered channel under a generated ID. Events are
// dropped for this subscriber while its buffer is full. The channel is
// closed after ctx is done.
func (r *Registry) Events(ctx context.Context, filter Filter, buffer int) <-chan event.Event {
	ch := make(chan event.Event, max(buffer, 1))
	id := "chan-" + uuid.NewString()

	var mu sync.Mutex
	closed := false

	handler := func(ev event.Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- ev:
		default:
			r.logger.Debug("drop event for slow subscriber", slog.String("subscriber", id))
		}
	}

	unsubscribe, _ := r.Subscribe(id, handler, filter)

	go func() {
		<-ctx.Done()
		if unsubscribe != nil {
			unsubscribe()
		}
		mu.Lock()
		closed = true
		close(ch)
		mu.Unlock()
	}()

	return ch
}
