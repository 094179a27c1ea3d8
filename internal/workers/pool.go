// Package workers provides a bounded worker pool for fanning out vendor
// calls, primarily the per-underlying dealer-positioning fetches in the
// position refresh cycle.
package workers

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is one unit of work. The context carries the pool's deadline.
type Task func(ctx context.Context) error

// PoolConfig configures the worker pool.
type PoolConfig struct {
	Name        string
	NumWorkers  int
	QueueSize   int
	TaskTimeout time.Duration
}

// DefaultPoolConfig returns the settings used by the refresh cycle: a few
// workers, small queue. The fan-out is per distinct underlying, not per
// position, so the bound stays small.
func DefaultPoolConfig(name string) PoolConfig {
	return PoolConfig{
		Name:        name,
		NumWorkers:  4,
		QueueSize:   64,
		TaskTimeout: 10 * time.Second,
	}
}

// Metrics is a snapshot of pool counters.
type Metrics struct {
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// Pool runs tasks on a fixed set of goroutines.
type Pool struct {
	logger *zap.Logger
	config PoolConfig

	tasks  chan poolTask
	wg     sync.WaitGroup
	stopCh chan struct{}

	running   atomic.Bool
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64
}

type poolTask struct {
	task Task
	done chan error
}

// NewPool creates a pool; call Start before submitting.
func NewPool(logger *zap.Logger, config PoolConfig) *Pool {
	if config.NumWorkers <= 0 {
		config.NumWorkers = 4
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 64
	}
	return &Pool{
		logger: logger.Named(config.Name + "-pool"),
		config: config,
		tasks:  make(chan poolTask, config.QueueSize),
		stopCh: make(chan struct{}),
	}
}

// Start launches the workers.
func (p *Pool) Start(ctx context.Context) {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < p.config.NumWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.logger.Info("worker pool started", zap.Int("workers", p.config.NumWorkers))
}

// Stop drains nothing: queued tasks not yet picked up are abandoned.
func (p *Pool) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.stopCh)
	p.wg.Wait()
	p.logger.Info("worker pool stopped",
		zap.Int64("completed", p.completed.Load()),
		zap.Int64("failed", p.failed.Load()),
	)
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case pt := <-p.tasks:
			pt.done <- p.execute(ctx, pt.task)
		}
	}
}

func (p *Pool) execute(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			err = fmt.Errorf("worker panic: %v", r)
			p.logger.Error("recovered worker panic", zap.Any("panic", r))
		}
		if err != nil {
			p.failed.Add(1)
		} else {
			p.completed.Add(1)
		}
	}()

	if p.config.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.TaskTimeout)
		defer cancel()
	}
	return task(ctx)
}

// RunAll submits every task and waits for all of them, returning the first
// error. Failures do not cancel siblings; each task stands alone.
func (p *Pool) RunAll(ctx context.Context, tasks []Task) error {
	if !p.running.Load() {
		return fmt.Errorf("pool %s is not running", p.config.Name)
	}

	dones := make([]chan error, len(tasks))
	for i, task := range tasks {
		p.submitted.Add(1)
		done := make(chan error, 1)
		dones[i] = done
		select {
		case p.tasks <- poolTask{task: task, done: done}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var first error
	for _, done := range dones {
		select {
		case err := <-done:
			if err != nil && first == nil {
				first = err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return first
}

// Snapshot returns the pool counters.
func (p *Pool) Snapshot() Metrics {
	return Metrics{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}
