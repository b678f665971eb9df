// Package async provides bounded worker pool utilities.
package async

import (
	"context"
	"fmt"
	"sync"

	"github.com/coachpo/marketrelay/internal/domain/errs"
)

// Task represents a unit of work executed by the pool workers.
type Task func(context.Context) error

// ErrorHandler observes task failures, including recovered panics.
type ErrorHandler func(error)

// Option configures a Pool.
type Option func(*Pool)

// WithErrorHandler routes task errors to handler.
func WithErrorHandler(handler ErrorHandler) Option {
	return func(p *Pool) {
		p.onError = handler
	}
}

// Pool is a bounded worker pool that rejects work when saturated.
type Pool struct {
	ctx     context.Context
	cancel  context.CancelFunc
	jobs    chan job
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	onError ErrorHandler
}

type job struct {
	ctx context.Context
	fn  Task
}

// NewPool creates a worker pool with the given concurrency and queue depth.
func NewPool(workers, queue int, opts ...Option) (*Pool, error) {
	if workers <= 0 {
		return nil, errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("workers must be >0"))
	}
	if queue < 0 {
		queue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{ctx: ctx, cancel: cancel, jobs: make(chan job, queue)}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p, nil
}

// Submit schedules fn without blocking; a full queue returns CodeUnavailable.
func (p *Pool) Submit(ctx context.Context, fn Task) error {
	if fn == nil {
		return errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool closed"))
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("submit context: %w", err)
	}
	p.wg.Add(1)
	select {
	case p.jobs <- job{ctx: ctx, fn: fn}:
		return nil
	default:
		p.wg.Done()
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool at capacity"))
	}
}

// Close stops accepting new tasks. Queued tasks still run.
func (p *Pool) Close() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.jobs)
		p.mu.Unlock()
	})
}

// Shutdown closes the pool and waits for queued tasks to drain or until ctx expires,
// in which case remaining workers are cancelled.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Close()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		p.cancel()
		return fmt.Errorf("shutdown context: %w", ctx.Err())
	case <-done:
		p.cancel()
		return nil
	}
}

func (p *Pool) worker() {
	for job := range p.jobs {
		p.run(job)
	}
}

func (p *Pool) run(j job) {
	defer p.wg.Done()
	ctx := j.ctx
	select {
	case <-p.ctx.Done():
		return
	default:
	}
	defer func() {
		if r := recover(); r != nil {
			p.report(errs.New("lib/async", errs.CodeInternal, errs.WithMessage(fmt.Sprintf("task panic: %v", r))))
		}
	}()
	if err := j.fn(ctx); err != nil {
		p.report(err)
	}
}

func (p *Pool) report(err error) {
	if p.onError != nil {
		p.onError(err)
	}
}
