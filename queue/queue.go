// File: queue/queue.go
// Package queue provides the bounded dispatch queues shared by reactors and workers.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A Queue owns a fixed arena carved into equal slots. A producer reserves a
// slot with TryAlloc, fills it and publishes it with Push; a consumer takes it
// with TryPop and hands it back with Free. Every operation is non-blocking.

package queue

import (
	"github.com/momentics/hioload-mtx/api"
	"github.com/momentics/hioload-mtx/internal/concurrency"
)

// Queue is a bounded MPMC queue of fixed-size slot buffers.
type Queue struct {
	id       int
	slotSize int
	capacity int
	ready    *concurrency.LockFreeQueue[[]byte]
	free     *concurrency.LockFreeQueue[[]byte]
}

var _ api.Queue = (*Queue)(nil)

// New builds a queue of capacity slots, each able to hold slotSize bytes.
func New(id, capacity, slotSize int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue{
		id:       id,
		slotSize: slotSize,
		capacity: capacity,
		ready:    concurrency.NewLockFreeQueue[[]byte](capacity),
		free:     concurrency.NewLockFreeQueue[[]byte](capacity),
	}
	arena := make([]byte, capacity*slotSize)
	for i := 0; i < capacity; i++ {
		off := i * slotSize
		q.free.Enqueue(arena[off : off+slotSize : off+slotSize])
	}
	return q
}

// ID returns the queue index.
func (q *Queue) ID() int { return q.id }

// TryAlloc reserves a slot of len size. It returns nil when every slot is in use
// or size exceeds the slot size.
func (q *Queue) TryAlloc(size int) []byte {
	if size < 0 || size > q.slotSize {
		return nil
	}
	buf, ok := q.free.Dequeue()
	if !ok {
		return nil
	}
	return buf[:size]
}

// Push publishes buf. On false the caller still owns buf and must Free it.
func (q *Queue) Push(buf []byte) bool {
	if buf == nil {
		return false
	}
	return q.ready.Enqueue(buf)
}

// TryPop removes the oldest published buffer, or returns nil.
func (q *Queue) TryPop() []byte {
	buf, ok := q.ready.Dequeue()
	if !ok {
		return nil
	}
	return buf
}

// Free returns a slot to the queue.
func (q *Queue) Free(buf []byte) {
	if cap(buf) != q.slotSize {
		return
	}
	q.free.Enqueue(buf[:q.slotSize])
}

// Len returns the number of published, unconsumed buffers.
func (q *Queue) Len() int { return q.ready.Len() }

// Cap returns the number of slots.
func (q *Queue) Cap() int { return q.capacity }

// Set is a fixed group of queues addressed by index.
type Set struct {
	queues []*Queue
}

// NewSet creates n queues with identical geometry.
func NewSet(n, capacity, slotSize int) *Set {
	if n < 1 {
		n = 1
	}
	s := &Set{queues: make([]*Queue, n)}
	for i := range s.queues {
		s.queues[i] = New(i, capacity, slotSize)
	}
	return s
}

// Len returns the number of queues.
func (s *Set) Len() int { return len(s.queues) }

// Get returns queue i, or nil if out of range.
func (s *Set) Get(i int) *Queue {
	if i < 0 || i >= len(s.queues) {
		return nil
	}
	return s.queues[i]
}

// Queues returns the queues as the collaborator interface.
func (s *Set) Queues() []api.Queue {
	out := make([]api.Queue, len(s.queues))
	for i, q := range s.queues {
		out[i] = q
	}
	return out
}

// Pending returns the published length of every queue.
func (s *Set) Pending() []int {
	out := make([]int, len(s.queues))
	for i, q := range s.queues {
		out[i] = q.Len()
	}
	return out
}
