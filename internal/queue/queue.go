// Package queue provides the FIFO containers used by the frame pipelines.
package queue

// Queue defines the interface for a FIFO frame queue.
type Queue[T any] interface {
	// Enqueue adds an item to the tail of the queue.
	Enqueue(item T)
	// Dequeue removes and returns the item at the head of the queue.
	// ok is false if the queue is empty.
	Dequeue() (item T, ok bool)
	// Peek returns the item at the head of the queue without removing it.
	// ok is false if the queue is empty.
	Peek() (item T, ok bool)
	// Drain removes every queued item and returns how many were removed.
	Drain() int
	// IsEmpty returns true if the queue is empty, false otherwise.
	IsEmpty() bool
	// Length returns the number of items in the queue.
	Length() int
}
