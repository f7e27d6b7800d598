// Package pool provides the goroutine pool behind background workflow runs
// and pooled buffers for content aggregation.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrPoolFull   = errors.New("pool is full")
)

// Task is one background job. ctx is cancelled when the submitter cancels
// or when Shutdown gives up waiting.
type Task func(ctx context.Context) error

// GoroutinePool runs labelled tasks on at most MaxWorkers goroutines with a
// bounded queue. Workers are started on demand and exit when the pool closes.
type GoroutinePool struct {
	maxWorkers int
	queue      chan *job
	workers    atomic.Int32

	// mu guards closed and jobs; jobs maps every queued or running job to
	// whether it has started
	mu     sync.Mutex
	closed bool
	jobs   map[*job]bool
	wg     sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64

	panicHandler func(id string, r any)
}

type job struct {
	id     string
	task   Task
	ctx    context.Context
	cancel context.CancelFunc
}

// GoroutinePoolConfig configures the pool.
type GoroutinePoolConfig struct {
	MaxWorkers int `json:"max_workers"`
	QueueSize  int `json:"queue_size"`
	// PanicHandler receives the task label and the recovered value.
	PanicHandler func(id string, r any) `json:"-"`
}

// DefaultGoroutinePoolConfig returns the sizes used when a workflow creates
// its own background pool.
func DefaultGoroutinePoolConfig() GoroutinePoolConfig {
	return GoroutinePoolConfig{MaxWorkers: 10, QueueSize: 100}
}

// NewGoroutinePool creates a pool. Non-positive sizes fall back to the defaults.
func NewGoroutinePool(config GoroutinePoolConfig) *GoroutinePool {
	def := DefaultGoroutinePoolConfig()
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = def.MaxWorkers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = def.QueueSize
	}
	return &GoroutinePool{
		maxWorkers:   config.MaxWorkers,
		queue:        make(chan *job, config.QueueSize),
		jobs:         make(map[*job]bool),
		panicHandler: config.PanicHandler,
	}
}

// Submit queues task under the label id without waiting for it. It returns
// ErrPoolFull when the queue is full and ErrPoolClosed after Close.
func (p *GoroutinePool) Submit(ctx context.Context, id string, task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.submitted.Add(1)

	jctx, cancel := context.WithCancel(ctx)
	j := &job{id: id, task: task, ctx: jctx, cancel: cancel}

	select {
	case p.queue <- j:
	default:
		cancel()
		p.rejected.Add(1)
		return ErrPoolFull
	}
	p.jobs[j] = false
	p.spawn()
	return nil
}

// spawn starts a worker if the limit allows. Caller holds mu.
func (p *GoroutinePool) spawn() {
	if int(p.workers.Load()) >= p.maxWorkers {
		return
	}
	p.workers.Add(1)
	p.wg.Add(1)
	go p.worker()
}

func (p *GoroutinePool) worker() {
	defer p.wg.Done()
	defer p.workers.Add(-1)

	for j := range p.queue {
		p.setRunning(j, true)
		err := p.run(j)
		p.setRunning(j, false)
		j.cancel()

		if err != nil {
			p.failed.Add(1)
		} else {
			p.completed.Add(1)
		}
	}
}

func (p *GoroutinePool) setRunning(j *job, running bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if running {
		p.jobs[j] = true
	} else {
		delete(p.jobs, j)
	}
}

func (p *GoroutinePool) run(j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if p.panicHandler != nil {
				p.panicHandler(j.id, r)
			}
			err = fmt.Errorf("task %s panicked: %v", j.id, r)
		}
	}()

	// 排队期间已取消的任务不再执行
	if err := j.ctx.Err(); err != nil {
		return err
	}
	return j.task(j.ctx)
}

// Running returns the labels of tasks currently executing, sorted.
func (p *GoroutinePool) Running() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []string
	for j, started := range p.jobs {
		if started {
			ids = append(ids, j.id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Close stops accepting tasks, lets queued tasks finish and waits for the
// workers to exit.
func (p *GoroutinePool) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Shutdown is Close bounded by ctx. When ctx expires first, the contexts of
// queued and running tasks are cancelled and ctx.Err() is returned; the
// workers finish in the background.
func (p *GoroutinePool) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.Close()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		p.cancelAll()
		return ctx.Err()
	}
}

func (p *GoroutinePool) cancelAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for j := range p.jobs {
		j.cancel()
	}
}

// Stats returns pool statistics.
func (p *GoroutinePool) Stats() GoroutinePoolStats {
	p.mu.Lock()
	active := 0
	for _, started := range p.jobs {
		if started {
			active++
		}
	}
	p.mu.Unlock()
	return GoroutinePoolStats{
		Workers:   int(p.workers.Load()),
		Active:    active,
		Queued:    len(p.queue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}

// GoroutinePoolStats contains pool statistics.
type GoroutinePoolStats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
}
