package ports

// Queue is a bounded FIFO shared by producers and a single consumer.
type Queue[T any] interface {
	// TryPush enqueues without waiting; false when full or closed.
	TryPush(item T) bool
	// Push waits for room; false once the queue is closed.
	Push(item T) bool
	// Pop waits for an item; false once the queue is closed and drained.
	Pop() (T, bool)
	Close()
	Len() int
}
