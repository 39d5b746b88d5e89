package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	ErrClosed    = errors.New("worker: pool closed")
	ErrQueueFull = errors.New("worker: queue full")
)

// Pool runs jobs on a fixed set of goroutines fed by a bounded queue.
type Pool struct {
	ch      chan job
	pending atomic.Int64
	onPanic func(recovered any)

	wg     sync.WaitGroup
	once   sync.Once
	mu     sync.RWMutex
	closed bool
}

type job struct {
	ctx context.Context
	fn  func(context.Context)
}

type Option func(*Pool)

// WithPanicHandler receives the value of any job panic. Without one a
// panicking job is silently recovered so the worker survives.
func WithPanicHandler(fn func(recovered any)) Option {
	return func(p *Pool) {
		p.onPanic = fn
	}
}

func New(size int, queue int, opts ...Option) *Pool {
	if size <= 0 {
		size = 1
	}
	if queue <= 0 {
		queue = size
	}
	p := &Pool{ch: make(chan job, queue)}
	for _, opt := range opts {
		opt(p)
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for j := range p.ch {
				p.run(j)
			}
		}()
	}
	return p
}

func (p *Pool) run(j job) {
	defer p.pending.Add(-1)
	defer func() {
		if rec := recover(); rec != nil && p.onPanic != nil {
			p.onPanic(rec)
		}
	}()
	j.fn(j.ctx)
}

// Submit queues fn, blocking while the queue is full.
func (p *Pool) Submit(ctx context.Context, fn func(context.Context)) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p.pending.Add(1)
	select {
	case p.ch <- job{ctx: ctx, fn: fn}:
		return nil
	case <-ctx.Done():
		p.pending.Add(-1)
		return ctx.Err()
	}
}

// TrySubmit queues fn only if there is room right now.
func (p *Pool) TrySubmit(ctx context.Context, fn func(context.Context)) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	p.pending.Add(1)
	select {
	case p.ch <- job{ctx: ctx, fn: fn}:
		return nil
	default:
		p.pending.Add(-1)
		return ErrQueueFull
	}
}

// Pending counts queued and running jobs.
func (p *Pool) Pending() int {
	return int(p.pending.Load())
}

// Close stops accepting jobs; queued jobs still run.
func (p *Pool) Close() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		close(p.ch)
	})
}

func (p *Pool) Wait() {
	p.wg.Wait()
}
