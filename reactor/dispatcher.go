// File: reactor/dispatcher.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Frame routing: system frames are answered inline, application frames are
// copied into a dispatch queue chosen at random.

package reactor

import (
	"math/rand/v2"
	"sync/atomic"

	"github.com/momentics/hioload-mtx/api"
	"github.com/momentics/hioload-mtx/control"
	"github.com/momentics/hioload-mtx/protocol"
	"github.com/rs/zerolog"
)

// Dispatcher is owned by one reactor and never shared.
type Dispatcher struct {
	queues  []api.Queue
	notify  api.Notifier
	alloc   api.Allocator
	rng     *rand.Rand
	log     zerolog.Logger
	metrics *control.ReactorMetrics

	attempts int
	every    uint64
	enqueued uint64
	pending  []int64

	received     atomic.Uint64
	dropped      atomic.Uint64
	notified     atomic.Uint64
	notifyFailed atomic.Uint64
	flushes      atomic.Uint64
	replies      atomic.Uint64
	unknownSys   atomic.Uint64
}

// DispatcherStats is a snapshot of dispatcher counters.
type DispatcherStats struct {
	Received      uint64 `json:"received"`
	Dropped       uint64 `json:"dropped"`
	Notified      uint64 `json:"notified"`
	NotifyFailed  uint64 `json:"notify_failed"`
	Flushes       uint64 `json:"flushes"`
	Replies       uint64 `json:"keepalive_replies"`
	UnknownSystem uint64 `json:"unknown_system"`
}

func newDispatcher(queues []api.Queue, notify api.Notifier, alloc api.Allocator,
	attempts, every int, seed uint64, log zerolog.Logger, m *control.ReactorMetrics) *Dispatcher {
	if attempts < 1 {
		attempts = 1
	}
	if every < 1 {
		every = 1
	}
	return &Dispatcher{
		queues:   queues,
		notify:   notify,
		alloc:    alloc,
		rng:      rand.New(rand.NewPCG(seed, seed^0x9E3779B97F4A7C15)),
		log:      log,
		metrics:  m,
		attempts: attempts,
		every:    uint64(every),
		pending:  make([]int64, len(queues)),
	}
}

// Dispatch routes one complete frame that arrived on c. It never blocks. The
// frame payload is copied before return.
func (d *Dispatcher) Dispatch(c *Conn, f protocol.Frame) {
	d.received.Add(1)
	d.metrics.FrameReceived()
	if f.Header.IsSystem() {
		d.system(c, f)
		return
	}
	d.forward(f)
}

func (d *Dispatcher) system(c *Conn, f protocol.Frame) {
	switch f.Header.Type {
	case protocol.TypeKeepaliveReq:
		buf := d.alloc.Alloc(protocol.HeaderSize)
		if buf == nil {
			d.log.Warn().Int("fd", c.fd).Msg("allocator exhausted, keepalive reply skipped")
			return
		}
		c.out.Enqueue(protocol.Header{
			Type:     protocol.TypeKeepaliveReply,
			Flag:     protocol.FlagSystem,
			Checksum: protocol.Checksum,
		}, buf)
		d.replies.Add(1)
	default:
		d.unknownSys.Add(1)
		d.log.Debug().Int("fd", c.fd).Uint32("type", f.Header.Type).Msg("unknown system message discarded")
	}
}

// forward copies the frame, header included, into a random queue. A full
// queue triggers a flush-all broadcast and another attempt.
func (d *Dispatcher) forward(f protocol.Frame) bool {
	if len(d.queues) == 0 {
		d.drop(f.Header)
		return false
	}
	size := f.Header.Total()
	for attempt := 0; attempt < d.attempts; attempt++ {
		qid := d.rng.IntN(len(d.queues))
		q := d.queues[qid]
		buf := q.TryAlloc(size)
		if buf == nil {
			d.FlushAll()
			continue
		}
		protocol.PutHeader(buf[:protocol.HeaderSize], f.Header)
		copy(buf[protocol.HeaderSize:], f.Payload)
		if !q.Push(buf) {
			q.Free(buf)
			d.FlushAll()
			continue
		}
		d.enqueued++
		d.pending[qid]++
		if d.enqueued%d.every == 0 {
			d.announce(qid, d.pending[qid])
		}
		return true
	}
	d.drop(f.Header)
	return false
}

func (d *Dispatcher) drop(h protocol.Header) {
	d.dropped.Add(1)
	d.metrics.FrameDropped()
	d.log.Warn().Uint32("type", h.Type).Uint32("length", h.Length).Msg("dispatch queues full, frame dropped")
}

// announce sends ProcessRequest for qid. The pending count is reset only when
// the command leaves.
func (d *Dispatcher) announce(qid int, count int64) bool {
	if err := d.notify.NotifyWorker(qid, count); err != nil {
		d.notifyFailed.Add(1)
		d.metrics.Notified(false)
		d.log.Debug().Err(err).Int("queue", qid).Int64("count", count).Msg("worker notification failed")
		return false
	}
	d.notified.Add(1)
	d.metrics.Notified(true)
	d.pending[qid] = 0
	return true
}

// FlushAll asks the owner of every queue to drain everything pending.
func (d *Dispatcher) FlushAll() {
	d.flushes.Add(1)
	for qid := range d.queues {
		d.announce(qid, api.AllPending)
	}
}

// Resend re-announces every queue with unannounced work. Called on the
// timeout tick to make up for lost notifications.
func (d *Dispatcher) Resend() {
	for qid, n := range d.pending {
		if n > 0 {
			d.announce(qid, n)
		}
	}
}

// Pending returns a copy of the unannounced per-queue counters.
func (d *Dispatcher) Pending() []int64 {
	out := make([]int64, len(d.pending))
	copy(out, d.pending)
	return out
}

// Stats returns a snapshot safe to take from any goroutine.
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Received:      d.received.Load(),
		Dropped:       d.dropped.Load(),
		Notified:      d.notified.Load(),
		NotifyFailed:  d.notifyFailed.Load(),
		Flushes:       d.flushes.Load(),
		Replies:       d.replies.Load(),
		UnknownSystem: d.unknownSys.Load(),
	}
}
