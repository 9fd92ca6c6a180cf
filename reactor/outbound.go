// File: reactor/outbound.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Per-connection FIFO of frames awaiting transmission.

package reactor

import (
	"errors"

	"github.com/eapache/queue"
	"github.com/momentics/hioload-mtx/api"
	"github.com/momentics/hioload-mtx/protocol"
)

// outEntry owns one frame buffer. The header is written into buf on the
// first transmission attempt.
type outEntry struct {
	hdr     protocol.Header
	buf     []byte
	off     int
	encoded bool
}

// Outbound is the send queue of a single connection. Entries leave in
// enqueue order and every buffer is released exactly once, either after it is
// fully written or when the queue is cleared.
type Outbound struct {
	q    *queue.Queue
	cur  *outEntry
	free func([]byte)
}

func newOutbound(free func([]byte)) *Outbound {
	return &Outbound{q: queue.New(), free: free}
}

// Enqueue appends a frame. buf must hold h.Total() bytes with the payload
// already placed after the header region.
func (o *Outbound) Enqueue(h protocol.Header, buf []byte) {
	o.q.Add(&outEntry{hdr: h, buf: buf[:h.Total()]})
}

// Pending reports whether anything is left to send.
func (o *Outbound) Pending() bool {
	return o.cur != nil || o.q.Length() > 0
}

// Len returns the number of unfinished entries.
func (o *Outbound) Len() int {
	n := o.q.Length()
	if o.cur != nil {
		n++
	}
	return n
}

// Drain writes entries in order until the queue is empty, the socket would
// block, or a short write occurs. It returns the number of bytes written. Any
// error other than api.ErrWouldBlock is fatal for the connection.
func (o *Outbound) Drain(write func([]byte) (int, error)) (int, error) {
	sent := 0
	for {
		if o.cur == nil {
			if o.q.Length() == 0 {
				return sent, nil
			}
			o.cur = o.q.Remove().(*outEntry)
		}
		e := o.cur
		if !e.encoded {
			protocol.PutHeader(e.buf[:protocol.HeaderSize], e.hdr)
			e.encoded = true
		}
		n, err := write(e.buf[e.off:])
		if n > 0 {
			e.off += n
			sent += n
		}
		if err != nil {
			if errors.Is(err, api.ErrWouldBlock) {
				return sent, nil
			}
			return sent, err
		}
		if e.off < len(e.buf) {
			return sent, nil
		}
		o.cur = nil
		o.free(e.buf)
	}
}

// Clear releases every remaining buffer and returns how many were dropped.
func (o *Outbound) Clear() int {
	n := 0
	if o.cur != nil {
		o.free(o.cur.buf)
		o.cur = nil
		n++
	}
	for o.q.Length() > 0 {
		e := o.q.Remove().(*outEntry)
		o.free(e.buf)
		n++
	}
	return n
}
