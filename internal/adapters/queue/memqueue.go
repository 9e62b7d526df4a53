package queue

import (
	"sync"

	"github.com/ghalamif/fieldlink/internal/ports"
)

// MemQueue is a bounded in-memory FIFO. Producers may wait for room and a
// consumer waits for items on the same condition variable. After Close, Pop
// keeps returning queued items until the queue is empty.
type MemQueue[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	data   []T
	cap    int
	closed bool
}

// NewMemQueue returns a queue holding at most capacity items. A capacity of
// zero or less means unbounded.
func NewMemQueue[T any](capacity int) *MemQueue[T] {
	q := &MemQueue[T]{cap: capacity}
	if capacity > 0 {
		q.data = make([]T, 0, capacity)
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *MemQueue[T]) full() bool {
	return q.cap > 0 && len(q.data) >= q.cap
}

func (q *MemQueue[T]) TryPush(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.full() {
		return false
	}
	q.data = append(q.data, item)
	q.cond.Broadcast()
	return true
}

func (q *MemQueue[T]) Push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.closed && q.full() {
		q.cond.Wait()
	}
	if q.closed {
		return false
	}
	q.data = append(q.data, item)
	q.cond.Broadcast()
	return true
}

func (q *MemQueue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.closed && len(q.data) == 0 {
		q.cond.Wait()
	}
	var zero T
	if len(q.data) == 0 {
		return zero, false
	}
	item := q.data[0]
	q.data[0] = zero
	q.data = q.data[1:]
	q.cond.Broadcast()
	return item, true
}

// Close wakes every waiter. Pending pushes fail; queued items stay poppable.
func (q *MemQueue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

func (q *MemQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.data)
}

var _ ports.Queue[int] = (*MemQueue[int])(nil)
