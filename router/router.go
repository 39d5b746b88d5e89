package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/infigaming-com/go-realtime/event"
	"github.com/infigaming-com/go-realtime/internal/worker"
)

var ErrNoHandler = errors.New("router: no handler for event type")

type Hooks struct {
	OnDispatch func(ctx context.Context, t event.Type, err error, elapsed time.Duration)
	OnDropped  func(ctx context.Context, t event.Type)
}

type Option func(*Router)

func WithLogger(lg *zap.Logger) Option {
	return func(r *Router) {
		if lg != nil {
			r.lg = lg
		}
	}
}

func WithHooks(h Hooks) Option {
	return func(r *Router) {
		r.hooks = h
	}
}

// WithWorkers sizes the pool behind Go.
func WithWorkers(workers, queue int) Option {
	return func(r *Router) {
		r.workers = workers
		r.queue = queue
	}
}

// WithTimeout bounds each asynchronous dispatch.
func WithTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// Router dispatches envelopes to the typed handler table. A failing or
// panicking handler only affects its own event.
type Router struct {
	table   map[event.Type]dispatchFunc
	lg      *zap.Logger
	hooks   Hooks
	workers int
	queue   int
	timeout time.Duration
	pool    *worker.Pool
}

func New(h Handlers, opts ...Option) *Router {
	r := &Router{
		table:   h.table(),
		lg:      zap.NewNop(),
		workers: 8,
		queue:   1024,
		timeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.pool = worker.New(r.workers, r.queue, worker.WithPanicHandler(func(rec any) {
		r.lg.Error("router worker panic", zap.Any("panic", rec))
	}))
	return r
}

// Dispatch runs the handler for env synchronously. Unknown and unhandled
// types are logged and dropped, returning ErrNoHandler.
func (r *Router) Dispatch(ctx context.Context, env event.Envelope, rc Context) (err error) {
	fn, known := r.table[env.Type]
	if fn == nil {
		if known {
			r.lg.Debug("router dropped event without handler", zap.String("type", env.Type.String()))
		} else {
			r.lg.Warn("router dropped unknown event type", zap.String("type", env.Type.String()), zap.String("connection_id", rc.ConnectionID))
		}
		if r.hooks.OnDropped != nil {
			r.hooks.OnDropped(ctx, env.Type)
		}
		return fmt.Errorf("%w: %s", ErrNoHandler, env.Type)
	}

	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("router: %s handler panic: %v", env.Type, rec)
		}
		if err != nil {
			r.lg.Error("router handler failed", zap.String("type", env.Type.String()), zap.String("connection_id", rc.ConnectionID), zap.Error(err))
		}
		if r.hooks.OnDispatch != nil {
			r.hooks.OnDispatch(ctx, env.Type, err, time.Since(start))
		}
	}()
	return fn(ctx, env, rc)
}

// Go queues env for dispatch on the worker pool so callers such as a
// connection read loop never wait on handlers. It blocks only while the
// queue is full.
func (r *Router) Go(ctx context.Context, env event.Envelope, rc Context) error {
	return r.pool.Submit(ctx, r.job(env, rc))
}

// TryGo is Go for ephemeral events: when the queue is full the event is
// dropped and worker.ErrQueueFull returned.
func (r *Router) TryGo(ctx context.Context, env event.Envelope, rc Context) error {
	err := r.pool.TrySubmit(ctx, r.job(env, rc))
	if errors.Is(err, worker.ErrQueueFull) && r.hooks.OnDropped != nil {
		r.hooks.OnDropped(ctx, env.Type)
	}
	return err
}

func (r *Router) job(env event.Envelope, rc Context) func(context.Context) {
	return func(context.Context) {
		dctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		_ = r.Dispatch(dctx, env, rc)
	}
}

// Pending is the number of queued or running asynchronous dispatches.
func (r *Router) Pending() int {
	return r.pool.Pending()
}

// Close stops accepting work and waits for queued dispatches.
func (r *Router) Close() {
	r.pool.Close()
	r.pool.Wait()
}
