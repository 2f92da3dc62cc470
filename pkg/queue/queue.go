// Package queue is a fixed capacity FIFO shared by one producer and many
// consumers. Consumers block while it is empty; termination wakes all of them.
package queue

import (
	"errors"
	"sync"
)

var (
	ErrFull       = errors.New("queue is full")
	ErrTerminated = errors.New("queue is terminated")
)

// DefaultCapacity is used when New is given a non positive capacity.
const DefaultCapacity = 1024

type Queue[T any] struct {
	mu   sync.Mutex
	cond *sync.Cond

	buf   []T
	front int // index of the oldest item
	size  int

	terminated bool
}

func New[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	q := &Queue[T]{buf: make([]T, capacity)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends v and wakes one waiting consumer. It never blocks: a full
// queue returns ErrFull and leaves v with the caller.
func (q *Queue[T]) Enqueue(v T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.terminated {
		return ErrTerminated
	}
	if q.size == len(q.buf) {
		return ErrFull
	}
	q.buf[(q.front+q.size)%len(q.buf)] = v
	q.size++
	q.cond.Signal()
	return nil
}

// Dequeue removes the oldest item, blocking while the queue is empty. It
// returns false only once the queue is both terminated and drained.
func (q *Queue[T]) Dequeue() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.size == 0 && !q.terminated {
		q.cond.Wait()
	}

	var zero T
	if q.size == 0 {
		return zero, false
	}
	v := q.buf[q.front]
	q.buf[q.front] = zero
	q.front = (q.front + 1) % len(q.buf)
	q.size--
	return v, true
}

// SignalTermination marks the queue terminated and wakes every consumer.
// Items already queued are still handed out by Dequeue.
func (q *Queue[T]) SignalTermination() {
	q.mu.Lock()
	q.terminated = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

func (q *Queue[T]) Terminated() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.terminated
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func (q *Queue[T]) Cap() int { return len(q.buf) }
