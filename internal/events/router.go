package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rsclarke/droidrig/internal/logging"
)

// DefaultPollTimeout is how long each eventWait call blocks on the agent.
const DefaultPollTimeout = 60 * time.Second

// ErrStopped is returned when waiting on a router that has been stopped.
var ErrStopped = errors.New("event router stopped")

// Poller is the agent connection an event router drains.
type Poller interface {
	Call(ctx context.Context, method string, params ...any) (json.RawMessage, error)
}

// Handler consumes events of one name instead of queueing them.
type Handler func(Event)

// Router associates events arriving on one agent session with the
// consumers waiting for them. Events are queued per name until popped.
type Router struct {
	poller      Poller
	logger      *zap.Logger
	pollTimeout time.Duration
	retryDelay  time.Duration

	mu       sync.Mutex
	queues   map[string][]Event
	handlers map[string]Handler
	notify   chan struct{}
	stopped  bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewRouter returns a router draining p. It does nothing until Start.
func NewRouter(p Poller, logger *zap.Logger) *Router {
	return &Router{
		poller:      p,
		logger:      logging.OrNop(logger),
		pollTimeout: DefaultPollTimeout,
		retryDelay:  time.Second,
		queues:      make(map[string][]Event),
		handlers:    make(map[string]Handler),
		notify:      make(chan struct{}),
	}
}

// Start launches the polling loop. Starting twice is a no-op.
func (r *Router) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil || r.stopped {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.loop(ctx, r.done)
}

// Running reports whether the polling loop has been started and not stopped.
func (r *Router) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel != nil && !r.stopped
}

// Stop ends the polling loop, wakes every waiter and drops queued events.
func (r *Router) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	cancel, done := r.cancel, r.done
	r.queues = make(map[string][]Event)
	close(r.notify)
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (r *Router) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	timeoutMs := int(r.pollTimeout / time.Millisecond)
	for ctx.Err() == nil {
		raw, err := r.poller.Call(ctx, "eventWait", timeoutMs)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("event poll failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.retryDelay):
			}
			continue
		}
		if len(raw) == 0 || string(raw) == "null" {
			continue
		}
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			r.logger.Warn("malformed event", zap.Error(err))
			continue
		}
		r.Post(ev)
	}
}

// Post delivers ev to its handler, or queues it for Pop.
func (r *Router) Post(ev Event) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	if h, ok := r.handlers[ev.Name]; ok {
		r.mu.Unlock()
		h(ev)
		return
	}
	r.queues[ev.Name] = append(r.queues[ev.Name], ev)
	close(r.notify)
	r.notify = make(chan struct{})
	r.mu.Unlock()

	r.logger.Debug("event queued", logging.Event(ev.Name))
}

// Handle routes every future event named name to h. Already queued events
// of that name are handed to h immediately.
func (r *Router) Handle(name string, h Handler) {
	r.mu.Lock()
	r.handlers[name] = h
	pending := r.queues[name]
	delete(r.queues, name)
	r.mu.Unlock()

	for _, ev := range pending {
		h(ev)
	}
}

// Pop removes and returns the oldest event named name, waiting until one
// arrives, the router stops, or ctx ends.
func (r *Router) Pop(ctx context.Context, name string) (Event, error) {
	for {
		r.mu.Lock()
		if r.stopped {
			r.mu.Unlock()
			return Event{}, ErrStopped
		}
		if q := r.queues[name]; len(q) > 0 {
			ev := q[0]
			r.queues[name] = q[1:]
			r.mu.Unlock()
			return ev, nil
		}
		wait := r.notify
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-wait:
		}
	}
}

// PopAll removes and returns every queued event named name without waiting.
func (r *Router) PopAll(name string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.queues[name]
	delete(r.queues, name)
	return q
}

// Clear drops queued events named name.
func (r *Router) Clear(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.queues, name)
}
