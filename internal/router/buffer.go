package router

import (
	"sync"
)

// BoundedQueue is a thread-safe FIFO ring with fixed capacity. Producers never
// block: TrySend rejects when the queue is full.
type BoundedQueue[T any] struct {
	mu       sync.Mutex
	cond     *sync.Cond
	buf      []T
	head     int // read position
	tail     int // write position
	count    int
	capacity int
	closed   bool

	// Stats
	totalReceived int64
	totalSent     int64
	totalRejected int64
	highWater     int
}

// NewBoundedQueue creates a queue holding at most capacity items.
func NewBoundedQueue[T any](capacity int) *BoundedQueue[T] {
	if capacity < 1 {
		capacity = 1
	}
	q := &BoundedQueue[T]{
		buf:      make([]T, capacity),
		capacity: capacity,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// TrySend adds an item without blocking. It returns ErrBackpressure when the
// queue is full and ErrStopped when it is closed.
func (q *BoundedQueue[T]) TrySend(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrStopped
	}
	if q.count == q.capacity {
		q.totalRejected++
		return ErrBackpressure
	}

	q.buf[q.tail] = item
	q.tail = (q.tail + 1) % q.capacity
	q.count++
	q.totalReceived++
	if q.count > q.highWater {
		q.highWater = q.count
	}

	// Signal waiting receivers
	q.cond.Signal()
	return nil
}

// Receive removes and returns an item from the queue.
// Blocks until an item is available or the queue is closed.
// Returns the item and true, or zero value and false if closed and empty.
func (q *BoundedQueue[T]) Receive() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	// Wait for data or close
	for q.count == 0 && !q.closed {
		q.cond.Wait()
	}

	if q.count == 0 {
		var zero T
		return zero, false
	}
	return q.pop(), true
}

// pop must be called with the lock held and count > 0.
func (q *BoundedQueue[T]) pop() T {
	item := q.buf[q.head]
	var zero T
	q.buf[q.head] = zero // Clear reference for GC
	q.head = (q.head + 1) % q.capacity
	q.count--
	q.totalSent++
	return item
}

// Close closes the queue. After closing, TrySend fails.
// Receivers will get remaining items then receive closed signal.
func (q *BoundedQueue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast() // Wake all waiters
}

// Len returns the current number of items in the queue.
func (q *BoundedQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the fixed capacity.
func (q *BoundedQueue[T]) Cap() int {
	return q.capacity
}

// Stats returns queue statistics.
func (q *BoundedQueue[T]) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Count:         q.count,
		Capacity:      q.capacity,
		TotalReceived: q.totalReceived,
		TotalSent:     q.totalSent,
		TotalRejected: q.totalRejected,
		HighWater:     q.highWater,
	}
}

// QueueStats contains queue statistics.
type QueueStats struct {
	Count         int
	Capacity      int
	TotalReceived int64
	TotalSent     int64
	TotalRejected int64
	HighWater     int
}

// DrainTo removes up to max items (all when max <= 0).
func (q *BoundedQueue[T]) DrainTo(max int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return nil
	}

	n := q.count
	if max > 0 && max < n {
		n = max
	}

	result := make([]T, n)
	for i := 0; i < n; i++ {
		result[i] = q.pop()
	}
	return result
}
