package worker

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// node is a single element of the queue
type node[T any] struct {
	value *T
	next  atomic.Pointer[node[T]]
}

// queue is an unbounded lock-free multi-producer single-consumer queue.
//
// Producers append to a linked list with CAS operations, one consumer goroutine
// moves the values to the channel returned by recv. Values pushed by the same
// producer keep their order, values of concurrent producers are ordered by which
// CAS succeeds first.
type queue[T any] struct {
	head   atomic.Pointer[node[T]]
	tail   atomic.Pointer[node[T]]
	out    chan *T
	closed atomic.Bool

	// the consumer parks on cond while the list is empty
	mu   sync.Mutex
	cond *sync.Cond
}

func newQueue[T any]() *queue[T] {
	q := &queue[T]{out: make(chan *T)}
	q.cond = sync.NewCond(&q.mu)

	// head always points to an already consumed (or dummy) node
	dummy := &node[T]{}
	q.head.Store(dummy)
	q.tail.Store(dummy)

	go q.consume()
	return q
}

// push appends value and returns false if the queue is closed. It never blocks.
func (q *queue[T]) push(value *T) bool {
	if value == nil || q.closed.Load() {
		return false
	}

	n := &node[T]{value: value}
	var spins uint8

	for {
		tail := q.tail.Load()
		next := tail.next.Load()

		if next != nil {
			// another producer linked its node but did not move the tail yet
			q.tail.CompareAndSwap(tail, next)
		} else if tail.next.CompareAndSwap(nil, n) {
			q.tail.CompareAndSwap(tail, n)
			q.wake()
			return true
		}

		// exponential backoff under contention
		if spins < 10 {
			spins++
			for i := 0; i < 1<<spins; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// recv returns the channel the values are delivered on. It is closed after
// close was called and every pushed value was delivered.
func (q *queue[T]) recv() <-chan *T {
	return q.out
}

// close stops accepting values, already pushed values are still delivered
func (q *queue[T]) close() {
	q.closed.Store(true)
	q.wake()
}

// len counts the values not yet handed to the consumer channel (O(n), debugging only)
func (q *queue[T]) len() int {
	count := 0
	for n := q.head.Load().next.Load(); n != nil; n = n.next.Load() {
		count++
	}
	return count
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// wake signals the consumer while holding its mutex, so a signal sent between
// the consumers emptiness check and its wait is not lost
func (q *queue[T]) wake() {
	q.mu.Lock()
	q.cond.Signal()
	q.mu.Unlock()
}

func (q *queue[T]) consume() {
	defer close(q.out)

	for {
		delivered := false

		for {
			head := q.head.Load()
			next := head.next.Load()
			if next == nil {
				break
			}
			delivered = true

			value := next.value
			q.head.Store(next)
			q.out <- value
			next.value = nil
		}

		if delivered {
			continue
		}

		q.mu.Lock()
		for q.head.Load().next.Load() == nil && !q.closed.Load() {
			q.cond.Wait()
		}
		empty := q.head.Load().next.Load() == nil
		q.mu.Unlock()

		if empty && q.closed.Load() {
			return
		}
	}
}
