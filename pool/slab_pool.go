// File: pool/slab_pool.go
// Package pool implements slab allocation with size class support.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Blocks are served from per-class free lists backed by MPMC rings. The total
// number of outstanding bytes is capped; Alloc returns nil once the budget is spent.

package pool

import (
	"sort"
	"sync/atomic"

	"github.com/momentics/hioload-mtx/api"
	"github.com/momentics/hioload-mtx/internal/concurrency"
)

// DefaultClasses are the block sizes used when none are given.
var DefaultClasses = []int{16, 64, 256, 1 << 10, 4 << 10, 16 << 10, 64 << 10}

const defaultFreeListCapacity = 1024

type sizeClass struct {
	size int
	free *concurrency.LockFreeQueue[[]byte]
}

// Stats is a point-in-time view of allocator counters.
type Stats struct {
	InUseBytes int64
	Allocs     uint64
	Frees      uint64
	Failures   uint64
}

// Slab is a bounded size-class allocator. Safe for concurrent use.
type Slab struct {
	classes []sizeClass
	budget  int64

	inUse    atomic.Int64
	allocs   atomic.Uint64
	frees    atomic.Uint64
	failures atomic.Uint64
}

var _ api.Allocator = (*Slab)(nil)

// NewSlab creates an allocator with the given classes and byte budget.
// budget <= 0 means unbounded.
func NewSlab(classes []int, budget int64) *Slab {
	if len(classes) == 0 {
		classes = DefaultClasses
	}
	sizes := append([]int(nil), classes...)
	sort.Ints(sizes)
	s := &Slab{budget: budget}
	for _, sz := range sizes {
		if sz <= 0 {
			continue
		}
		if n := len(s.classes); n > 0 && s.classes[n-1].size == sz {
			continue
		}
		s.classes = append(s.classes, sizeClass{
			size: sz,
			free: concurrency.NewLockFreeQueue[[]byte](defaultFreeListCapacity),
		})
	}
	return s
}

func (s *Slab) class(size int) *sizeClass {
	i := sort.Search(len(s.classes), func(i int) bool { return s.classes[i].size >= size })
	if i == len(s.classes) {
		return nil
	}
	return &s.classes[i]
}

// Alloc returns a block of len size, or nil if size exceeds the largest class
// or the budget is exhausted.
func (s *Slab) Alloc(size int) []byte {
	if size < 0 {
		return nil
	}
	c := s.class(size)
	if c == nil {
		s.failures.Add(1)
		return nil
	}
	if s.budget > 0 && s.inUse.Add(int64(c.size)) > s.budget {
		s.inUse.Add(-int64(c.size))
		s.failures.Add(1)
		return nil
	} else if s.budget <= 0 {
		s.inUse.Add(int64(c.size))
	}
	s.allocs.Add(1)
	if b, ok := c.free.Dequeue(); ok {
		return b[:size]
	}
	return make([]byte, size, c.size)
}

// Free returns a block to its class. Blocks not produced by Alloc are ignored.
func (s *Slab) Free(block []byte) {
	if block == nil {
		return
	}
	c := s.class(cap(block))
	if c == nil || c.size != cap(block) {
		return
	}
	s.inUse.Add(-int64(c.size))
	s.frees.Add(1)
	c.free.Enqueue(block[:c.size])
}

// MaxBlock returns the largest block size the slab can serve.
func (s *Slab) MaxBlock() int {
	if len(s.classes) == 0 {
		return 0
	}
	return s.classes[len(s.classes)-1].size
}

// Stats returns current counters.
func (s *Slab) Stats() Stats {
	return Stats{
		InUseBytes: s.inUse.Load(),
		Allocs:     s.allocs.Load(),
		Frees:      s.frees.Load(),
		Failures:   s.failures.Load(),
	}
}
