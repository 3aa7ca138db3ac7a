package connector

import (
	"sync/atomic"
)

type Queue[T any] interface {
	Enqueue(element T)
	EnqueueList(data []T)
	Dequeue() (T, bool)
}

type queueNode[T any] struct {
	value T
	next  atomic.Pointer[queueNode[T]]
}

// LockFreeQueue is a Michael-Scott queue safe for concurrent producers and
// consumers.
type LockFreeQueue[T any] struct {
	head atomic.Pointer[queueNode[T]]
	tail atomic.Pointer[queueNode[T]]
	size atomic.Int64
}

func NewLockFreeQueue[T any]() *LockFreeQueue[T] {
	dummy := &queueNode[T]{}
	q := &LockFreeQueue[T]{}
	q.head.Store(dummy)
	q.tail.Store(dummy)
	return q
}

// NewPayoutQueue carries ids of payouts waiting to be processed.
func NewPayoutQueue() *LockFreeQueue[string] {
	return NewLockFreeQueue[string]()
}

func (q *LockFreeQueue[T]) Enqueue(element T) {
	newNode := &queueNode[T]{value: element}

	for {
		tail := q.tail.Load()
		next := tail.next.Load()

		if tail == q.tail.Load() {
			if next == nil {
				if tail.next.CompareAndSwap(nil, newNode) {
					q.tail.CompareAndSwap(tail, newNode)
					q.size.Add(1)
					return
				}
			} else {
				q.tail.CompareAndSwap(tail, next)
			}
		}
	}
}

func (q *LockFreeQueue[T]) EnqueueList(data []T) {
	for _, v := range data {
		q.Enqueue(v)
	}
}

func (q *LockFreeQueue[T]) Dequeue() (T, bool) {
	for {
		head := q.head.Load()
		tail := q.tail.Load()
		next := head.next.Load()

		if head == q.head.Load() {
			if next == nil {
				var zero T
				return zero, false
			}
			if head == tail {
				q.tail.CompareAndSwap(tail, next)
				continue
			}
			if q.head.CompareAndSwap(head, next) {
				q.size.Add(-1)
				return next.value, true
			}
		}
	}
}

// Len is approximate while producers or consumers are active.
func (q *LockFreeQueue[T]) Len() int {
	return int(q.size.Load())
}
