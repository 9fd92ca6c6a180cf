// File: api/pool.go
// Author: momentics <momentics@gmail.com>
//
// Defines abstract allocation APIs consumed by reactors, dispatchers and clients.

package api

// Allocator hands out fixed-class byte blocks.
type Allocator interface {
	// Alloc returns a block of exactly size bytes, or nil when exhausted.
	Alloc(size int) []byte

	// Free returns a block obtained from Alloc. Each block is freed once.
	Free(block []byte)
}

// Queue is a bounded, non-blocking hand-off queue of raw frames.
// Push and TryPop are individually atomic and never block.
type Queue interface {
	// ID is the queue index inside its set.
	ID() int

	// TryAlloc reserves a slot buffer of size bytes, or nil if the queue is full.
	TryAlloc(size int) []byte

	// Push publishes a buffer obtained from TryAlloc. On false the caller still owns it.
	Push(buf []byte) bool

	// TryPop removes the oldest buffer, or nil if empty.
	TryPop() []byte

	// Free releases a buffer obtained from TryAlloc or TryPop.
	Free(buf []byte)

	// Len returns the number of published buffers.
	Len() int

	// Cap returns the maximum number of buffers.
	Cap() int
}
