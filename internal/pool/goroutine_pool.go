// Package pool provides a bounded goroutine pool and pooled scratch buffers.
//
// The conversion path runs the pool with a single worker: every task owns
// the scene engine exclusively while it runs, and later submissions wait
// in a bounded FIFO queue.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrPoolFull   = errors.New("pool is full")
)

// PanicError is returned for a task that panicked.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

// Task is a unit of work. ctx is the submitter's context.
type Task func(ctx context.Context) error

type job struct {
	task     Task
	ctx      context.Context
	queuedAt time.Time
	done     chan error
}

// GoroutinePoolConfig configures the pool.
type GoroutinePoolConfig struct {
	MaxWorkers   int
	QueueSize    int
	PanicHandler func(any)
}

// DefaultGoroutinePoolConfig returns the single-worker configuration.
func DefaultGoroutinePoolConfig() GoroutinePoolConfig {
	return GoroutinePoolConfig{MaxWorkers: 1, QueueSize: 16}
}

// GoroutinePool runs tasks on a fixed set of workers started up front.
type GoroutinePool struct {
	queue   chan job
	workers int
	onPanic func(any)

	// mu guards closed against sends on a closed queue.
	mu       sync.RWMutex
	closed   bool
	draining atomic.Bool
	wg       sync.WaitGroup

	// abort 在关闭超时时取消正在运行的任务
	abort     context.Context
	abortRuns context.CancelFunc

	active    atomic.Int32
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
	skipped   atomic.Int64
	waitNanos atomic.Int64 // 已开始任务的累计排队时间
	maxWait   atomic.Int64
}

// NewGoroutinePool starts the workers immediately.
func NewGoroutinePool(config GoroutinePoolConfig) *GoroutinePool {
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = 1
	}
	if config.QueueSize < 0 {
		config.QueueSize = 0
	}
	p := &GoroutinePool{
		queue:   make(chan job, config.QueueSize),
		workers: config.MaxWorkers,
		onPanic: config.PanicHandler,
	}
	p.abort, p.abortRuns = context.WithCancel(context.Background())
	p.wg.Add(config.MaxWorkers)
	for i := 0; i < config.MaxWorkers; i++ {
		go p.work()
	}
	return p
}

// Submit enqueues a task without waiting for it. It fails fast with
// ErrPoolFull when the queue has no room.
func (p *GoroutinePool) Submit(ctx context.Context, task Task) error {
	_, err := p.enqueue(ctx, task)
	return err
}

// SubmitWait enqueues a task and waits until it finishes or ctx is done.
// When ctx ends first the task is left to observe its own cancelled
// context; a task still queued at that point is skipped by the worker.
func (p *GoroutinePool) SubmitWait(ctx context.Context, task Task) error {
	done, err := p.enqueue(ctx, task)
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *GoroutinePool) enqueue(ctx context.Context, task Task) (<-chan error, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return nil, ErrPoolClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	j := job{task: task, ctx: ctx, queuedAt: time.Now(), done: make(chan error, 1)}
	p.submitted.Add(1)
	select {
	case p.queue <- j:
		return j.done, nil
	default:
		p.rejected.Add(1)
		return nil, ErrPoolFull
	}
}

func (p *GoroutinePool) work() {
	defer p.wg.Done()
	for j := range p.queue {
		err := p.handle(j)
		if err != nil {
			p.failed.Add(1)
		} else {
			p.completed.Add(1)
		}
		j.done <- err
	}
}

func (p *GoroutinePool) handle(j job) error {
	// 排队期间调用方已放弃，不再占用引擎
	if err := j.ctx.Err(); err != nil {
		p.skipped.Add(1)
		return err
	}
	// 关闭后队列中剩余的任务不再执行
	if p.draining.Load() {
		p.skipped.Add(1)
		return ErrPoolClosed
	}

	waited := int64(time.Since(j.queuedAt))
	p.waitNanos.Add(waited)
	for {
		cur := p.maxWait.Load()
		if waited <= cur || p.maxWait.CompareAndSwap(cur, waited) {
			break
		}
	}

	p.active.Add(1)
	defer p.active.Add(-1)
	return p.run(j)
}

func (p *GoroutinePool) run(j job) (err error) {
	ctx, cancel := context.WithCancel(j.ctx)
	defer cancel()
	stop := context.AfterFunc(p.abort, cancel)
	defer stop()

	defer func() {
		if r := recover(); r != nil {
			if p.onPanic != nil {
				p.onPanic(r)
			}
			err = &PanicError{Value: r}
		}
	}()
	return j.task(ctx)
}

// Close is Shutdown without a deadline.
func (p *GoroutinePool) Close() {
	_ = p.Shutdown(context.Background())
}

// Shutdown stops accepting tasks. Tasks still queued are skipped and their
// waiters get ErrPoolClosed; running tasks are awaited until ctx is done,
// at which point their contexts are cancelled and ctx.Err() is returned
// without waiting further. Safe to call more than once.
func (p *GoroutinePool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		p.draining.Store(true)
		close(p.queue)
	}
	p.mu.Unlock()
	p.drain()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.abortRuns()
		return nil
	case <-ctx.Done():
		p.abortRuns()
		return ctx.Err()
	}
}

// drain answers queued waiters right away instead of after the running
// task. Workers compete for the same items; whoever receives one answers it.
func (p *GoroutinePool) drain() {
	for {
		select {
		case j, ok := <-p.queue:
			if !ok {
				return
			}
			p.skipped.Add(1)
			p.failed.Add(1)
			j.done <- ErrPoolClosed
		default:
			return
		}
	}
}

// GoroutinePoolStats contains pool statistics.
type GoroutinePoolStats struct {
	Workers   int           `json:"workers"`
	Active    int           `json:"active"`
	Queued    int           `json:"queued"`
	Submitted int64         `json:"submitted"`
	Completed int64         `json:"completed"`
	Failed    int64         `json:"failed"`
	Rejected  int64         `json:"rejected"`
	Skipped   int64         `json:"skipped"`
	TotalWait time.Duration `json:"total_wait"`
	MaxWait   time.Duration `json:"max_wait"`
}

// AvgWait is the mean queue wait of tasks that started.
func (s GoroutinePoolStats) AvgWait() time.Duration {
	started := s.Completed + s.Failed - s.Skipped
	if started <= 0 {
		return 0
	}
	return s.TotalWait / time.Duration(started)
}

// Stats returns pool statistics.
func (p *GoroutinePool) Stats() GoroutinePoolStats {
	return GoroutinePoolStats{
		Workers:   p.workers,
		Active:    int(p.active.Load()),
		Queued:    len(p.queue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
		Skipped:   p.skipped.Load(),
		TotalWait: time.Duration(p.waitNanos.Load()),
		MaxWait:   time.Duration(p.maxWait.Load()),
	}
}
