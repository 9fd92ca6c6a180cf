// File: reactor/reassembler.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Receive-side frame reassembly over a fixed arena.

package reactor

import (
	"github.com/momentics/hioload-mtx/protocol"
)

// Reassembler accumulates stream bytes in a fixed arena and yields complete
// frames in arrival order. Bytes in [r, w) are buffered but not consumed.
type Reassembler struct {
	buf    []byte
	r, w   int
	limits protocol.Limits
}

// NewReassembler wraps buf. The arena is never reallocated.
func NewReassembler(buf []byte, limits protocol.Limits) *Reassembler {
	return &Reassembler{buf: buf, limits: limits}
}

// Space returns the writable tail of the arena. Fill it and call Commit.
func (ra *Reassembler) Space() []byte {
	return ra.buf[ra.w:]
}

// Commit marks n bytes of Space as received.
func (ra *Reassembler) Commit(n int) {
	if n < 0 || ra.w+n > len(ra.buf) {
		panic("reactor: reassembler commit out of range")
	}
	ra.w += n
}

// Buffered returns the number of unconsumed bytes.
func (ra *Reassembler) Buffered() int {
	return ra.w - ra.r
}

// Cursors returns the read cursor, write cursor and capacity.
func (ra *Reassembler) Cursors() (r, w, capacity int) {
	return ra.r, ra.w, len(ra.buf)
}

// Next returns the next complete frame. ok is false when more bytes are
// needed. The header is validated as soon as it is buffered; an error is a
// protocol violation and the connection must be torn down.
//
// The returned payload aliases the arena and stays valid until the next
// Commit.
func (ra *Reassembler) Next() (f protocol.Frame, ok bool, err error) {
	avail := ra.w - ra.r
	if avail >= protocol.HeaderSize {
		h, err := protocol.DecodeHeader(ra.buf[ra.r:ra.w], ra.limits)
		if err != nil {
			return protocol.Frame{}, false, err
		}
		total := h.Total()
		if total > len(ra.buf) {
			return protocol.Frame{}, false, protocol.ErrFrameTooLarge
		}
		if avail >= total {
			start := ra.r + protocol.HeaderSize
			end := ra.r + total
			f = protocol.Frame{Header: h, Payload: ra.buf[start:end:end]}
			ra.r = end
			if ra.r == ra.w {
				ra.r, ra.w = 0, 0
			}
			return f, true, nil
		}
	}
	if ra.w == len(ra.buf) {
		ra.compact()
	}
	return protocol.Frame{}, false, nil
}

// compact moves the unconsumed tail to the start of the arena.
func (ra *Reassembler) compact() {
	if ra.r == 0 {
		return
	}
	n := copy(ra.buf, ra.buf[ra.r:ra.w])
	ra.r, ra.w = 0, n
}

// Reset discards everything buffered.
func (ra *Reassembler) Reset() {
	ra.r, ra.w = 0, 0
}
