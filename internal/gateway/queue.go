package gateway

import (
	"context"
	"sort"
	"sync"

	"github.com/proctorgrid/engine/internal/metrics"
	"github.com/proctorgrid/engine/internal/signal"
)

// sessionQueue buffers pending events for one session, keeps them sorted by
// timestamp, and delivers them to the sink one at a time from a dedicated
// dispatcher goroutine. Sorting before dispatch is what restores causal
// order when the network delivers frames out of order.
type sessionQueue struct {
	capacity int
	severity SeverityFunc

	mu      sync.Mutex
	pending []*signal.Event // timestamp ascending
	notify  chan struct{}
	closed  bool
	done    chan struct{}
}

func newSessionQueue(capacity int, severity SeverityFunc) *sessionQueue {
	return &sessionQueue{
		capacity: capacity,
		severity: severity,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// enqueue inserts an event in timestamp order, applying the drop policy on
// overflow: the oldest low/medium-severity event goes first, high-severity
// events are never dropped (the buffer may transiently exceed capacity if
// everything in it is high-severity).
func (q *sessionQueue) enqueue(event *signal.Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}

	idx := sort.Search(len(q.pending), func(i int) bool {
		return q.pending[i].Timestamp.After(event.Timestamp)
	})
	q.pending = append(q.pending, nil)
	copy(q.pending[idx+1:], q.pending[idx:])
	q.pending[idx] = event

	if len(q.pending) > q.capacity {
		if dropIdx := q.oldestDroppable(); dropIdx >= 0 {
			copy(q.pending[dropIdx:], q.pending[dropIdx+1:])
			q.pending = q.pending[:len(q.pending)-1]
			metrics.SignalsDroppedTotal.WithLabelValues("backpressure").Inc()
		}
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// oldestDroppable returns the index of the oldest non-high-severity event,
// or -1 if every pending event is high severity.
func (q *sessionQueue) oldestDroppable() int {
	for i, e := range q.pending {
		if q.severity(e.Type) != signal.SeverityHigh {
			return i
		}
	}
	return -1
}

// dispatch delivers pending events in order until the queue closes or ctx
// ends. Run in its own goroutine, one per session.
func (q *sessionQueue) dispatch(ctx context.Context, sink Sink) {
	defer close(q.done)

	for {
		event, ok := q.pop()
		if ok {
			sink.HandleEvent(ctx, event)
			continue
		}

		q.mu.Lock()
		closed := q.closed
		empty := len(q.pending) == 0
		q.mu.Unlock()
		if closed && empty {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-q.notify:
		}
	}
}

func (q *sessionQueue) pop() (*signal.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return nil, false
	}
	event := q.pending[0]
	copy(q.pending, q.pending[1:])
	q.pending = q.pending[:len(q.pending)-1]
	return event, true
}

// close marks the queue closed and wakes the dispatcher so it can drain and
// exit.
func (q *sessionQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// enqueue routes an event to its session's queue, creating the queue and
// its dispatcher on first sight of the session.
func (g *Gateway) enqueue(ctx context.Context, event *signal.Event) {
	g.mu.Lock()
	q, ok := g.queues[event.SessionID]
	if !ok {
		q = newSessionQueue(g.cfg.QueueCapacity, g.severity)
		g.queues[event.SessionID] = q
		go q.dispatch(ctx, g.sink)
	}
	g.mu.Unlock()

	q.enqueue(event)
}

// closeQueues releases every session queue and waits for dispatchers to
// drain. Called on every Run exit path.
func (g *Gateway) closeQueues() {
	g.mu.Lock()
	queues := make([]*sessionQueue, 0, len(g.queues))
	for id, q := range g.queues {
		queues = append(queues, q)
		delete(g.queues, id)
	}
	g.mu.Unlock()

	for _, q := range queues {
		q.close()
		<-q.done
	}
}
