// Package dispatcher runs queued pipeline runs on a fixed pool of workers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/product-discovery/internal/queue/memory"
	"github.com/JakeFAU/product-discovery/internal/runs"
)

// ErrBusy is returned when the run queue is full.
var ErrBusy = errors.New("run queue is full")

// Executor registers and executes runs.
type Executor interface {
	Submit(ctx context.Context, req runs.Request) (string, error)
	Execute(ctx context.Context, runID string, req runs.Request) (runs.Result, error)
}

// Item is one queued run.
type Item struct {
	RunID   string
	Request runs.Request
}

// Config controls the pool.
type Config struct {
	Workers       int
	QueueCapacity int
}

// Dispatcher fans queued runs out to workers.
type Dispatcher struct {
	queue    *memory.Queue[Item]
	executor Executor
	store    runs.Store
	workers  int
	logger   *zap.Logger
}

// New creates a Dispatcher. The store is used to fail runs that cannot be
// queued.
func New(cfg Config, executor Executor, store runs.Store, logger *zap.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:    memory.NewQueue[Item](cfg.QueueCapacity),
		executor: executor,
		store:    store,
		workers:  cfg.Workers,
		logger:   logger.Named("dispatcher"),
	}
}

// Submit registers a run and queues it without blocking.
func (d *Dispatcher) Submit(ctx context.Context, req runs.Request) (string, error) {
	id, err := d.executor.Submit(ctx, req)
	if err != nil {
		return "", err
	}
	if err := d.queue.TryEnqueue(Item{RunID: id, Request: req}); err != nil {
		if errors.Is(err, memory.ErrFull) {
			err = ErrBusy
		}
		if d.store != nil {
			_ = d.store.Finish(context.WithoutCancel(ctx), id, nil, err)
		}
		return id, fmt.Errorf("queue run %s: %w", id, err)
	}
	return id, nil
}

// Run starts all workers and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.work(ctx)
		}()
	}
	<-ctx.Done()
	d.queue.Close()
	wg.Wait()
}

// Pending returns the number of queued runs.
func (d *Dispatcher) Pending() int {
	return d.queue.Len()
}

func (d *Dispatcher) work(ctx context.Context) {
	for {
		item, err := d.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, memory.ErrClosed) {
				return
			}
			d.logger.Error("dequeue failed", zap.Error(err))
			continue
		}
		d.logger.Debug("dequeued run", zap.String("run_id", item.RunID))
		if _, err := d.executor.Execute(ctx, item.RunID, item.Request); err != nil {
			d.logger.Warn("queued run failed", zap.String("run_id", item.RunID), zap.Error(err))
		}
	}
}
