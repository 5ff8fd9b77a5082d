// Package dispatch runs connection callbacks on a shared set of workers while
// keeping the callbacks of one connection strictly ordered.
package dispatch

import (
	"context"
	"runtime"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Pool is a fixed set of workers draining serial queues.
type Pool struct {
	workers int
	log     *zap.Logger
	ready   chan *Queue

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
	done   chan struct{}
}

// NewPool creates a pool with n workers; n <= 0 uses GOMAXPROCS*2.
func NewPool(n int, log *zap.Logger) *Pool {
	if n <= 0 {
		n = runtime.GOMAXPROCS(0) * 2
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		workers: n,
		log:     log,
		ready:   make(chan *Queue, 1024),
		done:    make(chan struct{}),
	}
}

// Start launches the workers. Tasks pushed before Start run once it is called.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.group != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.group, ctx = errgroup.WithContext(ctx)
	for range p.workers {
		p.group.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case q := <-p.ready:
					q.drain()
				}
			}
		})
	}
}

// Stop cancels the workers and waits for running tasks. Queued tasks are dropped.
func (p *Pool) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
		return nil
	default:
		close(p.done)
	}
	if p.group == nil {
		return nil
	}
	p.cancel()
	return p.group.Wait()
}

// NewQueue returns an empty serial queue bound to p.
func (p *Pool) NewQueue() *Queue {
	return &Queue{pool: p}
}

func (p *Pool) schedule(q *Queue) {
	select {
	case p.ready <- q:
	default:
		// ready list is full; hand off without blocking the caller
		go func() {
			select {
			case p.ready <- q:
			case <-p.done:
			}
		}()
	}
}

// Queue runs its tasks one at a time, in push order, on the pool's workers.
type Queue struct {
	pool *Pool

	mu        sync.Mutex
	tasks     []func()
	scheduled bool
}

// Push appends task. It never blocks on task execution.
func (q *Queue) Push(task func()) {
	q.mu.Lock()
	q.tasks = append(q.tasks, task)
	if q.scheduled {
		q.mu.Unlock()
		return
	}
	q.scheduled = true
	q.mu.Unlock()
	q.pool.schedule(q)
}

// Len reports the number of tasks waiting.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			q.scheduled = false
			q.mu.Unlock()
			return
		}
		batch := q.tasks
		q.tasks = nil
		q.mu.Unlock()

		for _, task := range batch {
			q.run(task)
		}
	}
}

func (q *Queue) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			q.pool.log.Error("dispatched task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	task()
}
