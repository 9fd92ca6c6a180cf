package reactor

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/momentics/hioload-mtx/api"
	"github.com/momentics/hioload-mtx/command"
	"github.com/momentics/hioload-mtx/internal/testutil/testlog"
	"github.com/momentics/hioload-mtx/pool"
	"github.com/momentics/hioload-mtx/protocol"
	"github.com/momentics/hioload-mtx/queue"
	"golang.org/x/sys/unix"
)

type notification struct {
	queue int
	count int64
}

type recorder struct {
	mu    sync.Mutex
	calls []notification
	fail  bool
}

func (r *recorder) NotifyWorker(queueID int, count int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return command.ErrDropped
	}
	r.calls = append(r.calls, notification{queueID, count})
	return nil
}

func (r *recorder) snapshot() []notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notification(nil), r.calls...)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func socketpair(t *testing.T) (local, peer int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	tv := unix.NsecToTimeval((2 * time.Second).Nanoseconds())
	if err := unix.SetsockoptTimeval(fds[1], unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		t.Fatalf("rcvtimeo: %v", err)
	}
	t.Cleanup(func() { unix.Close(fds[1]) })
	return fds[0], fds[1]
}

func writeAll(t *testing.T, fd int, b []byte) {
	t.Helper()
	for len(b) > 0 {
		n, err := unix.Write(fd, b)
		if err != nil {
			t.Fatalf("write: %v", err)
		}
		b = b[n:]
	}
}

type harness struct {
	r      *Reactor
	queues *queue.Set
	notify *recorder
	alloc  *pool.Slab
	sender command.Endpoint
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	bus := command.NewBus(16)
	ep, err := bus.Open("reactor-0")
	if err != nil {
		t.Fatal(err)
	}
	sender, err := bus.Open("acceptor")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sender.Close() })
	h := &harness{
		queues: queue.NewSet(2, 8, protocol.HeaderSize+64),
		notify: &recorder{},
		alloc:  pool.NewSlab(nil, 0),
		sender: sender,
	}
	opts := Options{
		ID:                0,
		Endpoint:          ep,
		Notifier:          h.notify,
		Queues:            h.queues.Queues(),
		Alloc:             h.alloc,
		Limits:            protocol.Limits{MaxMessageSize: 64},
		RecvBufferSize:    256,
		MaxConnections:    8,
		PollTimeout:       50 * time.Millisecond,
		KeepaliveInterval: time.Hour,
		NotifyEvery:       1,
		Seed:              1,
		Logger:            testlog.New(t),
	}
	if mutate != nil {
		mutate(&opts)
	}
	r, err := New(opts)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	h.r = r
	return h
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("run: %v", err)
		}
	})
}

func (h *harness) add(t *testing.T) int {
	t.Helper()
	local, peer := socketpair(t)
	before := h.r.Stats().Accepted
	if err := h.sender.Send(h.r.Path(), command.AddConnection(local, "pair")); err != nil {
		t.Fatalf("send add: %v", err)
	}
	eventually(t, "connection registered", func() bool { return h.r.Stats().Accepted > before })
	return peer
}

func (h *harness) queued() int {
	n := 0
	for _, q := range h.queues.Queues() {
		n += q.Len()
	}
	return n
}

func (h *harness) popAll() [][]byte {
	var out [][]byte
	for _, q := range h.queues.Queues() {
		for buf := q.TryPop(); buf != nil; buf = q.TryPop() {
			out = append(out, append([]byte(nil), buf...))
			q.Free(buf)
		}
	}
	return out
}

func TestNewRequiresEndpoint(t *testing.T) {
	_, err := New(Options{Alloc: pool.NewSlab(nil, 0)})
	if !api.IsInitError(err) {
		t.Fatalf("err = %v", err)
	}
}

func TestReactorHelloInTwoReads(t *testing.T) {
	h := newHarness(t, nil)
	h.run(t)
	peer := h.add(t)

	stream := protocol.AppendFrame(nil, 7, protocol.FlagApplication, []byte("hello"))
	writeAll(t, peer, stream[:10])
	time.Sleep(20 * time.Millisecond)
	writeAll(t, peer, stream[10:])

	eventually(t, "frame queued", func() bool { return h.queued() == 1 })
	got := h.popAll()
	hdr, err := protocol.DecodeHeader(got[0], protocol.DefaultLimits())
	if err != nil {
		t.Fatal(err)
	}
	if hdr.Type != 7 || hdr.Length != 5 || string(got[0][protocol.HeaderSize:]) != "hello" {
		t.Fatalf("queued %+v %q", hdr, got[0][protocol.HeaderSize:])
	}
	eventually(t, "worker notified", func() bool { return len(h.notify.snapshot()) == 1 })
	if n := h.notify.snapshot()[0]; n.count != 1 {
		t.Fatalf("notification %+v", n)
	}
}

func TestReactorKeepaliveReply(t *testing.T) {
	h := newHarness(t, nil)
	h.run(t)
	peer := h.add(t)

	writeAll(t, peer, protocol.AppendFrame(nil, protocol.TypeKeepaliveReq, protocol.FlagSystem, nil))
	reply := make([]byte, protocol.HeaderSize)
	for off := 0; off < len(reply); {
		n, err := unix.Read(peer, reply[off:])
		if err != nil || n == 0 {
			t.Fatalf("read reply: n=%d err=%v", n, err)
		}
		off += n
	}
	hdr, err := protocol.DecodeHeader(reply, protocol.DefaultLimits())
	if err != nil {
		t.Fatal(err)
	}
	if hdr.Type != protocol.TypeKeepaliveReply || hdr.Length != 0 || hdr.Flag != protocol.FlagSystem {
		t.Fatalf("reply %+v", hdr)
	}
	if h.queued() != 0 {
		t.Fatal("keepalive forwarded to a dispatch queue")
	}
	eventually(t, "reply buffer released", func() bool { return h.alloc.Stats().InUseBytes == 0 })
	if s := h.r.Stats().Dispatch; s.Replies != 1 {
		t.Fatalf("replies = %d", s.Replies)
	}
}

func TestReactorBadChecksumTearsDown(t *testing.T) {
	h := newHarness(t, nil)
	h.run(t)
	peer := h.add(t)

	bad := protocol.AppendFrame(nil, 3, protocol.FlagApplication, []byte("bad"))
	bad[13] ^= 0x55
	stream := append(bad, protocol.AppendFrame(nil, 4, protocol.FlagApplication, []byte("good"))...)
	writeAll(t, peer, stream)

	eventually(t, "teardown", func() bool {
		s := h.r.Stats()
		return s.ProtocolErrors == 1 && s.Connections == 0
	})
	if h.queued() != 0 {
		t.Fatal("frame after bad checksum was processed")
	}
	buf := make([]byte, 8)
	if n, err := unix.Read(peer, buf); n != 0 || (err != nil && !errors.Is(err, unix.ECONNRESET)) {
		t.Fatalf("peer read n=%d err=%v, want EOF", n, err)
	}
}

func TestReactorFrameOrderPerConnection(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Queues = o.Queues[:1]
	})
	h.run(t)
	peer := h.add(t)

	var stream []byte
	for i := 0; i < 6; i++ {
		stream = protocol.AppendFrame(stream, uint32(10+i), protocol.FlagApplication, bytes.Repeat([]byte{byte('0' + i)}, i*5))
	}
	for len(stream) > 0 {
		n := min(7, len(stream))
		writeAll(t, peer, stream[:n])
		stream = stream[n:]
	}
	eventually(t, "six frames", func() bool { return h.queued() == 6 })
	for i, buf := range h.popAll() {
		hdr, _ := protocol.ParseHeader(buf)
		if hdr.Type != uint32(10+i) {
			t.Fatalf("frame %d has type %d", i, hdr.Type)
		}
	}
}

func TestReactorRejectsUnexpectedCommand(t *testing.T) {
	h := newHarness(t, nil)
	h.run(t)
	if err := h.sender.Send(h.r.Path(), command.ProcessRequest(0, 0, 1)); err != nil {
		t.Fatal(err)
	}
	eventually(t, "rejection", func() bool { return h.r.Stats().Rejected == 1 })
}

func TestReactorConnectionLimit(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.MaxConnections = 1 })
	h.run(t)
	h.add(t)

	local, peer := socketpair(t)
	if err := h.sender.Send(h.r.Path(), command.AddConnection(local, "second")); err != nil {
		t.Fatal(err)
	}
	eventually(t, "rejection", func() bool { return h.r.Stats().Rejected == 1 })
	buf := make([]byte, 1)
	if n, err := unix.Read(peer, buf); n != 0 || err != nil {
		t.Fatalf("rejected peer read n=%d err=%v, want EOF", n, err)
	}
}

func TestReactorShutdownClosesConnections(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.r.Run(ctx) }()
	peer := h.add(t)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("reactor did not stop")
	}
	if s := h.r.Stats(); s.Connections != 0 || s.Closed != 1 {
		t.Fatalf("stats after shutdown %+v", s)
	}
	buf := make([]byte, 1)
	if n, err := unix.Read(peer, buf); n != 0 || err != nil {
		t.Fatalf("peer read n=%d err=%v, want EOF", n, err)
	}
}

func TestIdleEvictionReleasesOutbound(t *testing.T) {
	now := time.Unix(1000, 0)
	h := newHarness(t, func(o *Options) {
		o.KeepaliveInterval = 10 * time.Second
		o.Clock = func() time.Time { return now }
	})
	defer h.r.Close()
	local, _ := socketpair(t)

	h.r.now = now
	h.r.addConn(local, "idle")
	c := h.r.reg.ByFd(local)
	if c == nil {
		t.Fatal("connection not registered")
	}
	for i := 0; i < 3; i++ {
		buf := h.alloc.Alloc(protocol.HeaderSize + 4)
		c.out.Enqueue(protocol.Header{Type: 5, Length: 4, Checksum: protocol.Checksum}, buf)
	}
	if h.alloc.Stats().InUseBytes == 0 {
		t.Fatal("nothing allocated")
	}

	h.r.now = now.Add(20*time.Second - time.Nanosecond)
	h.r.onTimeout()
	if h.r.reg.Len() != 1 {
		t.Fatal("evicted before twice the keepalive interval")
	}

	h.r.now = now.Add(20 * time.Second)
	h.r.onTimeout()
	if h.r.reg.Len() != 0 {
		t.Fatal("idle connection survived the timeout tick")
	}
	if s := h.alloc.Stats(); s.InUseBytes != 0 || s.Frees != 3 {
		t.Fatalf("outbound leak: %+v", s)
	}
	if s := h.r.arenas.Stats(); s.InUseBytes != 0 {
		t.Fatalf("arena leak: %+v", s)
	}
	if s := h.r.Stats(); s.Evicted != 1 || s.Connections != 0 {
		t.Fatalf("stats %+v", s)
	}
}

func TestTimeoutResendsPending(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.NotifyEvery = 100 })
	defer h.r.Close()
	d := h.r.disp
	for i := 0; i < 5; i++ {
		d.forward(protocol.Frame{Header: protocol.Header{Type: 1, Length: 1, Checksum: protocol.Checksum}, Payload: []byte{byte(i)}})
	}
	if len(h.notify.snapshot()) != 0 {
		t.Fatal("notified before threshold")
	}
	var total int64
	for _, n := range d.Pending() {
		total += n
	}
	if total != 5 {
		t.Fatalf("pending %v", d.Pending())
	}

	h.r.onTimeout()
	var sent int64
	for _, n := range h.notify.snapshot() {
		sent += n.count
	}
	if sent != 5 {
		t.Fatalf("resent %v", h.notify.snapshot())
	}
	for _, n := range d.Pending() {
		if n != 0 {
			t.Fatalf("pending not reset: %v", d.Pending())
		}
	}
}

func TestDispatchSaturatedDropsOnce(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.DispatchAttempts = 3 })
	defer h.r.Close()
	for _, q := range h.queues.Queues() {
		for buf := q.TryAlloc(1); buf != nil; buf = q.TryAlloc(1) {
			q.Push(buf)
		}
	}
	d := h.r.disp
	f := protocol.Frame{Header: protocol.Header{Type: 1, Length: 3, Checksum: protocol.Checksum}, Payload: []byte("abc")}

	done := make(chan bool, 1)
	go func() { done <- d.forward(f) }()
	select {
	case ok := <-done:
		if ok {
			t.Fatal("frame accepted by full queues")
		}
	case <-time.After(time.Second):
		t.Fatal("dispatch blocked")
	}
	s := d.Stats()
	if s.Dropped != 1 || s.Flushes != 3 {
		t.Fatalf("stats %+v", s)
	}
	calls := h.notify.snapshot()
	if len(calls) != 3*h.queues.Len() {
		t.Fatalf("%d flush notifications", len(calls))
	}
	for _, c := range calls {
		if c.count != api.AllPending {
			t.Fatalf("flush notification %+v", c)
		}
	}

	d.forward(f)
	if d.Stats().Dropped != 2 {
		t.Fatal("second drop not counted")
	}
}

func TestDispatchThrottlesNotifications(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Queues = o.Queues[:1]
		o.NotifyEvery = 2
	})
	defer h.r.Close()
	d := h.r.disp
	f := protocol.Frame{Header: protocol.Header{Type: 1, Checksum: protocol.Checksum}}
	for i := 0; i < 4; i++ {
		d.forward(f)
	}
	calls := h.notify.snapshot()
	if len(calls) != 2 || calls[0].count != 2 || calls[1].count != 2 {
		t.Fatalf("notifications %v", calls)
	}

	h.notify.mu.Lock()
	h.notify.fail = true
	h.notify.mu.Unlock()
	d.forward(f)
	d.forward(f)
	if p := d.Pending()[0]; p != 2 {
		t.Fatalf("pending after failed notify = %d", p)
	}
	if d.Stats().NotifyFailed != 1 {
		t.Fatalf("stats %+v", d.Stats())
	}
}

func TestUnknownSystemMessageDiscarded(t *testing.T) {
	h := newHarness(t, nil)
	h.run(t)
	peer := h.add(t)
	writeAll(t, peer, protocol.AppendFrame(nil, 99, protocol.FlagSystem, []byte("zz")))
	eventually(t, "discard", func() bool { return h.r.Stats().Dispatch.UnknownSystem == 1 })
	if h.queued() != 0 || h.r.Stats().Connections != 1 {
		t.Fatal("unknown system message changed state")
	}
}

func TestPeerCloseTearsDown(t *testing.T) {
	h := newHarness(t, nil)
	h.run(t)
	local, peer := socketpair(t)
	if err := h.sender.Send(h.r.Path(), command.AddConnection(local, "pair")); err != nil {
		t.Fatal(err)
	}
	eventually(t, "registered", func() bool { return h.r.Stats().Connections == 1 })
	unix.Shutdown(peer, unix.SHUT_WR)
	eventually(t, "teardown", func() bool { return h.r.Stats().Connections == 0 })
	if s := h.r.Stats(); s.IOErrors != 0 || s.ProtocolErrors != 0 {
		t.Fatalf("peer close miscounted: %+v", s)
	}
}

type badFdEndpoint struct {
	command.Endpoint
}

func (badFdEndpoint) Fd() int { return -1 }

func (badFdEndpoint) Path() string { return "broken-endpoint" }

func TestNewReportsEndpointPath(t *testing.T) {
	_, err := New(Options{
		Endpoint:       badFdEndpoint{},
		Notifier:       &recorder{},
		Alloc:          pool.NewSlab(nil, 0),
		Limits:         protocol.Limits{MaxMessageSize: 64},
		RecvBufferSize: 256,
		Logger:         testlog.New(t),
	})
	if !api.IsInitError(err) {
		t.Fatalf("err = %v", err)
	}
	var ie *api.Error
	if !errors.As(err, &ie) {
		t.Fatalf("not an api.Error: %v", err)
	}
	if ie.Context["path"] != "broken-endpoint" || ie.Context["reactor"] != 0 {
		t.Fatalf("context = %v", ie.Context)
	}
}

func readKeepaliveReply(t *testing.T, fd int) {
	t.Helper()
	reply := make([]byte, protocol.HeaderSize)
	for off := 0; off < len(reply); {
		n, err := unix.Read(fd, reply[off:])
		if err != nil || n == 0 {
			t.Fatalf("read reply: n=%d err=%v", n, err)
		}
		off += n
	}
	hdr, err := protocol.DecodeHeader(reply, protocol.DefaultLimits())
	if err != nil || hdr.Type != protocol.TypeKeepaliveReply {
		t.Fatalf("reply %+v: %v", hdr, err)
	}
}

// With traffic arriving faster than the poll timeout the wait never expires,
// so eviction and resend must happen from the busy loop.
func TestBusyReactorSweepsIdleAndResends(t *testing.T) {
	var clock atomic.Int64
	clock.Store(time.Unix(1000, 0).UnixNano())
	h := newHarness(t, func(o *Options) {
		o.PollTimeout = time.Hour
		o.KeepaliveInterval = 10 * time.Second
		o.NotifyEvery = 100
		o.Clock = func() time.Time { return time.Unix(0, clock.Load()) }
	})
	h.run(t)
	idle := h.add(t)
	busy := h.add(t)

	writeAll(t, busy, protocol.AppendFrame(nil, 3, protocol.FlagApplication, []byte("x")))
	eventually(t, "frame queued", func() bool { return h.queued() == 1 })
	if calls := h.notify.snapshot(); len(calls) != 0 {
		t.Fatalf("notified below the throttle threshold: %v", calls)
	}
	keepalive := protocol.AppendFrame(nil, protocol.TypeKeepaliveReq, protocol.FlagSystem, nil)
	writeAll(t, busy, keepalive)
	readKeepaliveReply(t, busy)
	time.Sleep(50 * time.Millisecond) // let the loop park in Wait

	clock.Add(int64(2 * time.Hour))
	writeAll(t, busy, keepalive)
	readKeepaliveReply(t, busy)

	eventually(t, "idle connection evicted", func() bool { return h.r.Stats().Evicted == 1 })
	eventually(t, "pending count resent", func() bool { return len(h.notify.snapshot()) == 1 })
	if call := h.notify.snapshot()[0]; call.count != 1 {
		t.Fatalf("resend %+v", call)
	}
	s := h.r.Stats()
	if s.Connections != 1 || s.Timeouts != 0 {
		t.Fatalf("stats %+v", s)
	}
	buf := make([]byte, 1)
	if n, err := unix.Read(idle, buf); n != 0 || err != nil {
		t.Fatalf("idle peer still open: n=%d err=%v", n, err)
	}
	if p := h.r.disp.Pending(); p[0]+p[1] != 0 {
		t.Fatalf("pending not reset: %v", p)
	}
}

func TestReactorPublishesConnections(t *testing.T) {
	h := newHarness(t, nil)
	h.run(t)
	first := h.add(t)
	h.add(t)
	eventually(t, "two connections listed", func() bool { return len(h.r.Conns()) == 2 })
	for _, ci := range h.r.Conns() {
		if ci.Peer != "pair" || ci.Fd < 0 {
			t.Fatalf("info %+v", ci)
		}
	}

	writeAll(t, first, protocol.AppendFrame(nil, 9, protocol.FlagApplication, []byte("abc")))
	eventually(t, "frame counted", func() bool {
		for _, ci := range h.r.Conns() {
			if ci.FramesIn == 1 && ci.BytesIn == uint64(protocol.HeaderSize+3) {
				return true
			}
		}
		return false
	})

	unix.Shutdown(first, unix.SHUT_WR)
	eventually(t, "closed connection dropped from list", func() bool { return len(h.r.Conns()) == 1 })
}
