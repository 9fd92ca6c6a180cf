// File: pool/batch.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Batch gathers encoded frames so a sender can hand them to the kernel in
// one vectored write. Not safe for concurrent use.

package pool

import (
	"io"
	"net"
)

// Batch is a bounded list of byte blocks owned by a single goroutine.
type Batch struct {
	blocks [][]byte
	bytes  int
}

// NewBatch creates a batch holding at most capacity blocks.
func NewBatch(capacity int) *Batch {
	if capacity <= 0 {
		capacity = 1
	}
	return &Batch{blocks: make([][]byte, 0, capacity)}
}

// Append adds block. It reports false once the batch is full.
func (b *Batch) Append(block []byte) bool {
	if len(b.blocks) == cap(b.blocks) {
		return false
	}
	b.blocks = append(b.blocks, block)
	b.bytes += len(block)
	return true
}

// Len returns the number of blocks.
func (b *Batch) Len() int { return len(b.blocks) }

// Full reports whether Append would fail.
func (b *Batch) Full() bool { return len(b.blocks) == cap(b.blocks) }

// Bytes returns the total size of all blocks.
func (b *Batch) Bytes() int { return b.bytes }

// WriteTo writes every block to w, using writev when w supports it.
// The batch itself is left intact; call Release afterwards.
func (b *Batch) WriteTo(w io.Writer) (int64, error) {
	bufs := net.Buffers(append([][]byte(nil), b.blocks...))
	return bufs.WriteTo(w)
}

// Release passes every block to free and empties the batch.
func (b *Batch) Release(free func([]byte)) {
	for i, blk := range b.blocks {
		if free != nil {
			free(blk)
		}
		b.blocks[i] = nil
	}
	b.blocks = b.blocks[:0]
	b.bytes = 0
}
