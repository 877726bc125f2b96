package service

import (
	"context"
	"sync"
	"time"

	commonlog "realtime_server/server/common/log"
	"realtime_server/server/realtime/domain"
)

const (
	publishTimeout      = 3 * time.Second
	lifecycleQueueDepth = 1024
)

// EventPublisher receives connection lifecycle events. scope is the company id
// (may be empty).
type EventPublisher interface {
	Publish(ctx context.Context, scope, key string, payload any) error
}

// lifecycleQueue hands lifecycle events to a single publishing goroutine so
// connection setup and teardown never wait on the broker. Events are published
// in the order they were pushed; a full queue drops the event.
type lifecycleQueue struct {
	publisher EventPublisher

	mu     sync.Mutex
	closed bool
	events chan domain.LifecycleEvent
	done   chan struct{}
}

func newLifecycleQueue(publisher EventPublisher) *lifecycleQueue {
	q := &lifecycleQueue{
		publisher: publisher,
		events:    make(chan domain.LifecycleEvent, lifecycleQueueDepth),
		done:      make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *lifecycleQueue) push(ev domain.LifecycleEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	select {
	case q.events <- ev:
	default:
		lifecycleDropped.Inc()
		commonlog.Warnf("event=realtime_lifecycle action=enqueue status=dropped kind=%s user_id=%s", ev.Kind, ev.UserID)
	}
}

// close stops accepting events; already queued events are still published.
func (q *lifecycleQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.events)
}

// wait blocks until the queue has drained after close, or ctx is done.
func (q *lifecycleQueue) wait(ctx context.Context) error {
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *lifecycleQueue) run() {
	defer close(q.done)
	for ev := range q.events {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := q.publisher.Publish(ctx, ev.CompanyID, ev.Kind, ev); err != nil {
			commonlog.Warnf("event=realtime_lifecycle action=publish status=failed kind=%s user_id=%s error=%v", ev.Kind, ev.UserID, err)
		}
		cancel()
	}
}
