package stream

import (
	"context"
	"time"

	"github.com/m-mizutani/spanwatch/event"
)

type queued struct {
	epoch    uint64
	ev       event.Event
	parsedAt time.Time
}

// dispatcher moves parsed events off the read loop. Pending events flush as
// soon as the queue goes idle, or after flushTimeout while it stays busy.
type dispatcher struct {
	queue        chan queued
	flushTimeout time.Duration
	clock        Clock
	deliver      func(batch []queued)
}

func newDispatcher(size int, flushTimeout time.Duration, clock Clock, deliver func([]queued)) *dispatcher {
	return &dispatcher{
		queue:        make(chan queued, max(size, 1)),
		flushTimeout: flushTimeout,
		clock:        clock,
		deliver:      deliver,
	}
}

func (d *dispatcher) enqueue(ctx context.Context, q queued) bool {
	select {
	case d.queue <- q:
		return true
	case <-ctx.Done():
		return false
	}
}

func (d *dispatcher) run(ctx context.Context) {
	var pending []queued
	var deadline <-chan time.Time

	flush := func() {
		if len(pending) == 0 {
			return
		}
		d.deliver(pending)
		pending = nil
		deadline = nil
	}

	for {
		if len(pending) == 0 {
			select {
			case <-ctx.Done():
				return
			case q := <-d.queue:
				pending = append(pending, q)
				deadline = d.clock.After(d.flushTimeout)
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-deadline:
			flush()
			continue
		default:
		}

		select {
		case q := <-d.queue:
			pending = append(pending, q)
		default:
			flush()
		}
	}
}
