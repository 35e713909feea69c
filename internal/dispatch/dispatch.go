// Package dispatch delivers workflow start events to background workers.
// Events carry only the workflow id; workers load everything else from the
// store, so a redelivered event is harmless.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/genflow/internal/metrics"
)

var ErrClosed = errors.New("dispatcher closed")

// Executor runs one workflow to completion.
type Executor interface {
	Execute(ctx context.Context, workflowID uuid.UUID) error
}

// Dispatcher publishes start events and runs workers that consume them.
type Dispatcher interface {
	Publish(ctx context.Context, workflowID uuid.UUID) error
	// Run blocks, executing workflows until ctx is cancelled. Cancelling ctx
	// stops intake only: workflows already running finish before Run returns.
	Run(ctx context.Context, exec Executor) error
	Close() error
}

// Local is an in-process Dispatcher backed by a buffered channel and a
// fixed pool of workers. Events queued when the process stops are lost.
type Local struct {
	queue       chan uuid.UUID
	concurrency int
	logger      *slog.Logger
	metrics     *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

type LocalOption func(*Local)

func WithLocalLogger(l *slog.Logger) LocalOption {
	return func(d *Local) { d.logger = l }
}

func WithLocalMetrics(m *metrics.Metrics) LocalOption {
	return func(d *Local) { d.metrics = m }
}

// NewLocal creates a Local dispatcher with concurrency workers and a queue
// of buffer pending events.
func NewLocal(concurrency, buffer int, opts ...LocalOption) *Local {
	if concurrency < 1 {
		concurrency = 1
	}
	if buffer < 1 {
		buffer = 64
	}
	d := &Local{
		queue:       make(chan uuid.UUID, buffer),
		concurrency: concurrency,
		logger:      slog.Default(),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Publish queues id, blocking while the queue is full until ctx ends or the
// dispatcher is closed.
func (d *Local) Publish(ctx context.Context, id uuid.UUID) error {
	d.mu.RLock()
	closed := d.closed
	d.mu.RUnlock()
	if closed {
		d.metrics.Dispatched("local", ErrClosed)
		return ErrClosed
	}
	select {
	case d.queue <- id:
		d.metrics.Dispatched("local", nil)
		return nil
	case <-d.done:
		d.metrics.Dispatched("local", ErrClosed)
		return ErrClosed
	case <-ctx.Done():
		d.metrics.Dispatched("local", ctx.Err())
		return ctx.Err()
	}
}

// Run starts the worker pool and waits for in-flight workflows after ctx is
// cancelled or Close is called.
func (d *Local) Run(ctx context.Context, exec Executor) error {
	var wg sync.WaitGroup
	for i := 0; i < d.concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-d.done:
					return
				case id := <-d.queue:
					d.execute(ctx, exec, worker, id)
				}
			}
		}(i)
	}
	d.logger.Info("local workers started", "concurrency", d.concurrency)
	wg.Wait()
	return nil
}

func (d *Local) execute(ctx context.Context, exec Executor, worker int, id uuid.UUID) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in worker", "worker", worker, "workflow_id", id, "error", r, "stack", string(debug.Stack()))
		}
	}()
	if err := exec.Execute(context.WithoutCancel(ctx), id); err != nil {
		d.logger.Error("workflow execution failed", "worker", worker, "workflow_id", id, "error", err)
	}
}

// Close stops accepting events and tells workers to exit after their
// current workflow.
func (d *Local) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.done)
	}
	return nil
}

var _ Dispatcher = (*Local)(nil)
