package worker

import (
	"context"
	"errors"
	"github.com/lni/dragonboat/v4/logger"
	"golang.org/x/sync/semaphore"
	"runtime/debug"
	"sync"
)

var Logger = logger.GetLogger("rpc/worker")

// ErrPoolClosed is returned when a task is submitted to a closed pool
var ErrPoolClosed = errors.New("worker pool closed")

// task is a submitted closure and the channel closed after it ran
type task struct {
	fn   func()
	done chan struct{}
}

// Pool runs blocking closures on at most a fixed number of goroutines.
//
// Submit never blocks: tasks are queued and started in submission order as soon
// as a slot is free. This lets a connection read loop hand off work without
// stalling when all workers are busy.
type Pool struct {
	size    int64
	sem     *semaphore.Weighted
	tasks   *queue[task]
	running sync.WaitGroup
	stopped chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewPool creates a pool with the given number of workers (minimum 1)
func NewPool(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{
		size:    int64(workers),
		sem:     semaphore.NewWeighted(int64(workers)),
		tasks:   newQueue[task](),
		stopped: make(chan struct{}),
	}
	go p.dispatch()
	return p
}

// Size returns the maximum number of concurrently running tasks
func (p *Pool) Size() int {
	return int(p.size)
}

// Submit queues fn and returns a channel that is closed once fn returned
func (p *Pool) Submit(fn func()) (<-chan struct{}, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return nil, ErrPoolClosed
	}

	t := &task{fn: fn, done: make(chan struct{})}
	if !p.tasks.push(t) {
		return nil, ErrPoolClosed
	}
	return t.done, nil
}

// Pending returns the number of queued tasks that have not been started (approximate)
func (p *Pool) Pending() int {
	return p.tasks.len()
}

// Close stops accepting tasks and waits until every queued and running task finished
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.stopped
		return
	}
	p.closed = true
	p.tasks.close()
	p.mu.Unlock()

	<-p.stopped
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// dispatch starts queued tasks whenever a worker slot is free
func (p *Pool) dispatch() {
	defer close(p.stopped)

	for t := range p.tasks.recv() {
		// cannot fail, the context is never cancelled
		_ = p.sem.Acquire(context.Background(), 1)

		p.running.Add(1)
		go p.run(t)
	}

	p.running.Wait()
}

func (p *Pool) run(t *task) {
	defer func() {
		if r := recover(); r != nil {
			Logger.Errorf("task panicked: %v\n%s", r, debug.Stack())
		}
		p.sem.Release(1)
		close(t.done)
		p.running.Done()
	}()

	t.fn()
}
