package stats

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ppiankov/rpcguard/internal/logging"
	"github.com/ppiankov/rpcguard/internal/model"
)

// DefaultQueueSize is the number of events an Observer buffers before it
// starts dropping.
const DefaultQueueSize = 1024

// Observer feeds guard admission outcomes into a Store. Events are queued
// and written by a background goroutine, so a slow or failing store never
// delays a guarded call. When the queue is full new events are dropped.
type Observer struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	closed  bool
	queue   chan queued
	done    chan struct{}
	dropped atomic.Int64
}

type queued struct {
	ev     Event
	logger *slog.Logger
}

// ObserverOption configures an Observer.
type ObserverOption func(*Observer)

// WithQueueSize sets the event buffer size.
func WithQueueSize(n int) ObserverOption {
	return func(o *Observer) {
		if n > 0 {
			o.queue = make(chan queued, n)
		}
	}
}

// NewObserver wraps store and starts the writer goroutine. Call Close to
// flush queued events and stop it. A nil logger uses slog.Default.
func NewObserver(store Store, logger *slog.Logger, opts ...ObserverOption) *Observer {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Observer{
		store:  store,
		logger: logger,
		now:    time.Now,
		queue:  make(chan queued, DefaultQueueSize),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	go o.run()
	return o
}

// OnAdmit implements guard.Observer.
func (o *Observer) OnAdmit(ctx context.Context, scope model.Scope, res model.Resource, mode model.CallMode) {
	o.enqueue(ctx, Event{Resource: res.Name, Scope: scope, Mode: mode, Admitted: true})
}

// OnDeny implements guard.Observer.
func (o *Observer) OnDeny(ctx context.Context, scope model.Scope, res model.Resource, mode model.CallMode, d *model.Denial) {
	ev := Event{Resource: res.Name, Scope: scope, Mode: mode}
	if d != nil {
		ev.Cause = d.Cause
	}
	o.enqueue(ctx, ev)
}

// OnFallback implements guard.Observer. The denial was already recorded.
func (o *Observer) OnFallback(context.Context, model.CallDescriptor, *model.Denial, error) {}

// Dropped returns how many events were discarded because the queue was full
// or the observer was closed.
func (o *Observer) Dropped() int64 {
	return o.dropped.Load()
}

// Close stops accepting events, writes everything already queued, and
// waits for the writer to finish or ctx to end.
func (o *Observer) Close(ctx context.Context) error {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		close(o.queue)
	}
	o.mu.Unlock()

	select {
	case <-o.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Observer) enqueue(ctx context.Context, ev Event) {
	ev.At = o.now()
	item := queued{ev: ev, logger: logging.Call(ctx, o.logger)}

	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		o.dropped.Add(1)
		return
	}
	select {
	case o.queue <- item:
	default:
		if o.dropped.Add(1) == 1 {
			o.logger.Warn("admission event queue full, dropping events")
		}
	}
}

func (o *Observer) run() {
	defer close(o.done)
	for item := range o.queue {
		if err := o.store.Record(context.Background(), item.ev); err != nil {
			item.logger.Warn("failed to record admission event",
				"resource", item.ev.Resource, "outcome", item.ev.Outcome(), "error", err)
		}
	}
}
