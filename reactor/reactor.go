// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Receive reactor event loop.

package reactor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-mtx/api"
	"github.com/momentics/hioload-mtx/command"
	"github.com/momentics/hioload-mtx/control"
	"github.com/momentics/hioload-mtx/internal/concurrency"
	"github.com/momentics/hioload-mtx/pool"
	"github.com/momentics/hioload-mtx/protocol"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// Reason tells why a connection was torn down.
type Reason uint8

const (
	ReasonPeerClosed Reason = iota + 1
	ReasonIO
	ReasonProtocol
	ReasonIdle
	ReasonShutdown
)

func (r Reason) String() string {
	switch r {
	case ReasonPeerClosed:
		return "peer-closed"
	case ReasonIO:
		return "io"
	case ReasonProtocol:
		return "protocol"
	case ReasonIdle:
		return "idle"
	case ReasonShutdown:
		return "shutdown"
	}
	return "unknown"
}

var errPeerClosed = errors.New("reactor: peer closed")

const (
	// readsPerEvent bounds socket reads per readiness report so one busy
	// peer cannot starve the others.
	readsPerEvent = 16

	// commandsPerCycle bounds control commands applied per cycle.
	commandsPerCycle = 256

	// snapshotEvery bounds how stale the published connection list gets
	// while no connection is added or removed.
	snapshotEvery = time.Second
)

// Options configures one reactor.
type Options struct {
	ID int

	// Endpoint receives AddConnection commands and sends ProcessRequest.
	// The reactor takes ownership and closes it on exit.
	Endpoint command.Endpoint

	// Owners maps each queue to the endpoint path of its worker. Ignored
	// when Notifier is set.
	Owners   []string
	Notifier api.Notifier

	Queues []api.Queue

	// Alloc supplies reply buffers for system messages.
	Alloc api.Allocator

	Limits            protocol.Limits
	RecvBufferSize    int
	MaxConnections    int
	PollTimeout       time.Duration
	KeepaliveInterval time.Duration
	StaleFactor       int
	DispatchAttempts  int
	NotifyEvery       int
	Seed              uint64

	// PinCPU binds the reactor thread to CPU ID modulo the CPU count.
	PinCPU bool

	Logger  zerolog.Logger
	Metrics *control.Metrics
	Clock   func() time.Time
}

func (o *Options) withDefaults() {
	if o.Limits.MaxMessageSize == 0 {
		o.Limits = protocol.DefaultLimits()
	}
	if o.RecvBufferSize == 0 {
		o.RecvBufferSize = 1 << 20
	}
	if o.MaxConnections == 0 {
		o.MaxConnections = 1024
	}
	if o.PollTimeout == 0 {
		o.PollTimeout = 30 * time.Second
	}
	if o.KeepaliveInterval == 0 {
		o.KeepaliveInterval = 15 * time.Second
	}
	if o.StaleFactor == 0 {
		o.StaleFactor = 2
	}
	if o.DispatchAttempts == 0 {
		o.DispatchAttempts = 3
	}
	if o.NotifyEvery == 0 {
		o.NotifyEvery = 2
	}
	if o.Seed == 0 {
		o.Seed = uint64(time.Now().UnixNano()) + uint64(o.ID)
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// Stats is a snapshot of reactor counters.
type Stats struct {
	ID             int             `json:"id"`
	Path           string          `json:"path"`
	Connections    int64           `json:"connections"`
	Accepted       uint64          `json:"accepted"`
	Closed         uint64          `json:"closed"`
	Evicted        uint64          `json:"evicted"`
	ProtocolErrors uint64          `json:"protocol_errors"`
	IOErrors       uint64          `json:"io_errors"`
	Rejected       uint64          `json:"rejected_commands"`
	Timeouts       uint64          `json:"timeouts"`
	BytesIn        uint64          `json:"bytes_in"`
	BytesOut       uint64          `json:"bytes_out"`
	Dispatch       DispatcherStats `json:"dispatch"`
}

// Reactor is a single-threaded event loop that owns its connections.
type Reactor struct {
	id      int
	opts    Options
	ep      command.Endpoint
	poller  api.Poller
	waker   *command.Waker
	arenas  *pool.Slab
	reg     *Registry
	disp    *Dispatcher
	log     zerolog.Logger
	metrics *control.ReactorMetrics

	staleAfter time.Duration
	events     []api.Event
	ready      []*Conn
	now        time.Time
	lastSweep  time.Time
	lastSnap   time.Time
	snapDirty  bool
	snapshot   atomic.Pointer[[]ConnInfo]

	running   atomic.Bool
	closeOnce sync.Once

	conns     atomic.Int64
	accepted  atomic.Uint64
	closed    atomic.Uint64
	evicted   atomic.Uint64
	protoErrs atomic.Uint64
	ioErrs    atomic.Uint64
	rejected  atomic.Uint64
	timeouts  atomic.Uint64
	bytesIn   atomic.Uint64
	bytesOut  atomic.Uint64
}

// New creates a reactor. A failure here is fatal for this reactor only.
func New(opts Options) (*Reactor, error) {
	opts.withDefaults()
	initErr := func(msg string, err error) *api.Error {
		return api.NewError(api.ErrCodeInit, msg).Wrap(err).WithContext("reactor", opts.ID)
	}
	if opts.Endpoint == nil {
		return nil, initErr("reactor: no control endpoint", api.ErrInvalidArgument)
	}
	if opts.Alloc == nil {
		return nil, initErr("reactor: no allocator", api.ErrInvalidArgument)
	}
	if opts.RecvBufferSize < protocol.HeaderSize+int(opts.Limits.MaxMessageSize) {
		return nil, initErr("reactor: receive buffer smaller than one frame", api.ErrInvalidArgument)
	}
	notify := opts.Notifier
	if notify == nil {
		if len(opts.Owners) != len(opts.Queues) {
			return nil, initErr("reactor: queue owners do not match queues", api.ErrInvalidArgument)
		}
		notify = command.NewWorkerNotifier(opts.Endpoint, opts.ID, opts.Owners)
	}

	poller, err := NewPoller()
	if err != nil {
		return nil, initErr("reactor: poller", err)
	}
	waker, err := command.NewWaker()
	if err != nil {
		poller.Close()
		return nil, initErr("reactor: waker", err)
	}
	for _, fd := range []int{opts.Endpoint.Fd(), waker.Fd()} {
		if err := poller.Add(fd, api.Readable); err != nil {
			waker.Close()
			poller.Close()
			return nil, initErr("reactor: watch control descriptors", err).WithContext("path", opts.Endpoint.Path())
		}
	}

	log := opts.Logger.With().Int("reactor", opts.ID).Logger()
	m := opts.Metrics.Reactor(opts.ID)
	events := opts.MaxConnections + 2
	if events > 1024 {
		events = 1024
	}
	r := &Reactor{
		id:         opts.ID,
		opts:       opts,
		ep:         opts.Endpoint,
		poller:     poller,
		waker:      waker,
		arenas:     pool.NewSlab([]int{opts.RecvBufferSize}, int64(opts.RecvBufferSize)*int64(opts.MaxConnections)),
		reg:        newRegistry(opts.MaxConnections),
		log:        log,
		metrics:    m,
		staleAfter: opts.KeepaliveInterval * time.Duration(opts.StaleFactor),
		events:     make([]api.Event, events),
	}
	r.disp = newDispatcher(opts.Queues, notify, opts.Alloc, opts.DispatchAttempts, opts.NotifyEvery, opts.Seed, log, m)
	return r, nil
}

// ID returns the reactor index.
func (r *Reactor) ID() int { return r.id }

// Path returns the control endpoint address of this reactor.
func (r *Reactor) Path() string { return r.ep.Path() }

// Run executes the event loop on a locked OS thread until ctx is done or the
// poller fails. Every connection is torn down before Run returns.
func (r *Reactor) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return fmt.Errorf("reactor %d: already running", r.id)
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if r.opts.PinCPU {
		if err := concurrency.PinCurrentThread(r.id); err != nil {
			r.log.Warn().Err(err).Msg("cpu pinning failed")
		} else {
			defer concurrency.UnpinCurrentThread()
		}
	}
	stop := context.AfterFunc(ctx, r.waker.Signal)
	defer stop()
	defer r.Close()

	r.now = r.opts.Clock()
	r.lastSweep = r.now
	r.log.Info().Str("path", r.ep.Path()).Msg("reactor started")
	for {
		if ctx.Err() != nil {
			r.log.Info().Msg("reactor stopping")
			return nil
		}
		r.now = r.opts.Clock()
		r.rebuild()
		n, err := r.poller.Wait(r.events, r.opts.PollTimeout)
		if err != nil {
			r.log.Error().Err(err).Msg("poll failed")
			return fmt.Errorf("reactor %d: %w", r.id, err)
		}
		r.now = r.opts.Clock()
		if n == 0 {
			r.onTimeout()
			continue
		}
		r.onEvents(r.events[:n])
	}
}

// Close tears down every connection and releases the poller, waker and
// endpoint. Run calls it on exit; call it directly only if Run never ran.
func (r *Reactor) Close() error {
	var err error
	r.closeOnce.Do(func() {
		it := r.reg.Cursor()
		for c := it.Next(); c != nil; c = it.Next() {
			r.closeConn(c, ReasonShutdown, nil)
		}
		r.snapshot.Store(nil)
		r.poller.Close()
		r.waker.Close()
		err = r.ep.Close()
	})
	return err
}

// rebuild refreshes per-connection interest: read always, write only while
// the outbound queue is non-empty. When a full poll interval has passed
// without a timeout cycle, idle connections are swept and pending queue
// counts re-announced here instead.
func (r *Reactor) rebuild() {
	sweep := r.now.Sub(r.lastSweep) >= r.opts.PollTimeout
	if sweep {
		r.lastSweep = r.now
	}
	it := r.reg.Cursor()
	for c := it.Next(); c != nil; c = it.Next() {
		if sweep && c.Idle(r.now, r.staleAfter) {
			r.closeConn(c, ReasonIdle, nil)
			continue
		}
		want := api.Readable
		if c.out.Pending() {
			want |= api.Writable
		}
		if want == c.interest {
			continue
		}
		if err := r.poller.Modify(c.fd, want); err != nil {
			r.closeConn(c, ReasonIO, err)
			continue
		}
		c.interest = want
	}
	if sweep {
		r.disp.Resend()
	}
	if r.snapDirty || r.now.Sub(r.lastSnap) >= snapshotEvery {
		r.publishConns()
	}
}

// publishConns stores a snapshot of every live connection for Conns.
func (r *Reactor) publishConns() {
	infos := make([]ConnInfo, 0, r.reg.Len())
	it := r.reg.Cursor()
	for c := it.Next(); c != nil; c = it.Next() {
		infos = append(infos, c.info())
	}
	r.snapshot.Store(&infos)
	r.snapDirty = false
	r.lastSnap = r.now
}

// Conns returns the connection list as of the last loop cycle. Safe to call
// from any goroutine.
func (r *Reactor) Conns() []ConnInfo {
	p := r.snapshot.Load()
	if p == nil {
		return nil
	}
	return append([]ConnInfo(nil), (*p)...)
}

func (r *Reactor) onTimeout() {
	r.timeouts.Add(1)
	r.lastSweep = r.now
	r.sweep()
	r.disp.Resend()
}

func (r *Reactor) sweep() {
	it := r.reg.Cursor()
	for c := it.Next(); c != nil; c = it.Next() {
		if c.Idle(r.now, r.staleAfter) {
			r.closeConn(c, ReasonIdle, nil)
		}
	}
}

// onEvents applies commands first, then reads on every ready socket, then
// writes on every ready socket.
func (r *Reactor) onEvents(events []api.Event) {
	cmds := false
	r.ready = r.ready[:0]
	for _, ev := range events {
		switch ev.Fd {
		case r.waker.Fd():
			r.waker.Drain()
			continue
		case r.ep.Fd():
			cmds = true
			continue
		}
		if c := r.reg.ByFd(ev.Fd); c != nil {
			c.ready = ev.Ready
			r.ready = append(r.ready, c)
		}
	}
	if cmds {
		r.drainCommands()
	}
	for _, c := range r.ready {
		if c.closed || c.ready&(api.Readable|api.Hangup) == 0 {
			continue
		}
		if reason, err := r.readConn(c); err != nil {
			r.closeConn(c, reason, err)
		}
	}
	for _, c := range r.ready {
		if c.closed || c.ready&api.Writable == 0 {
			continue
		}
		if err := r.writeConn(c); err != nil {
			r.closeConn(c, ReasonIO, err)
		}
	}
	for i := range r.ready {
		r.ready[i] = nil
	}
}

func (r *Reactor) drainCommands() {
	for i := 0; i < commandsPerCycle; i++ {
		c, ok, err := r.ep.TryRecv()
		if err != nil {
			r.reject(err).Msg("malformed control command")
			continue
		}
		if !ok {
			return
		}
		switch c.Type {
		case command.TypeAddConnection:
			r.addConn(int(c.Fd), c.Peer)
		default:
			r.reject(nil).Stringer("command", c.Type).Msg("unexpected control command")
		}
	}
}

func (r *Reactor) reject(err error) *zerolog.Event {
	r.rejected.Add(1)
	r.metrics.CommandRejected()
	return r.log.Warn().Err(err)
}

// addConn takes ownership of fd. On any failure fd is closed.
func (r *Reactor) addConn(fd int, peer string) {
	if fd < 0 {
		r.reject(api.ErrInvalidArgument).Int("fd", fd).Msg("add connection rejected")
		return
	}
	if r.reg.Len() >= r.opts.MaxConnections {
		unix.Close(fd)
		r.reject(api.ErrResourceExhausted).Int("fd", fd).Str("peer", peer).Msg("connection limit reached")
		return
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		r.reject(err).Int("fd", fd).Msg("add connection rejected")
		return
	}
	arena := r.arenas.Alloc(r.opts.RecvBufferSize)
	if arena == nil {
		unix.Close(fd)
		r.reject(api.ErrResourceExhausted).Int("fd", fd).Msg("receive arena exhausted")
		return
	}
	if err := r.poller.Add(fd, api.Readable); err != nil {
		r.arenas.Free(arena)
		unix.Close(fd)
		r.reject(err).Int("fd", fd).Msg("add connection rejected")
		return
	}
	c := &Conn{
		fd:        fd,
		peer:      peer,
		created:   r.now,
		lastRead:  r.now,
		lastWrite: r.now,
		arena:     arena,
		recv:      NewReassembler(arena, r.opts.Limits),
		out:       newOutbound(r.opts.Alloc.Free),
		interest:  api.Readable,
	}
	r.reg.Insert(c)
	r.snapDirty = true
	r.accepted.Add(1)
	r.metrics.Connections(int(r.conns.Add(1)))
	r.log.Debug().Int("fd", fd).Str("peer", peer).Msg("connection added")
}

func (r *Reactor) readConn(c *Conn) (Reason, error) {
	c.lastRead = r.now
	for i := 0; i < readsPerEvent; i++ {
		space := c.recv.Space()
		if len(space) == 0 {
			return ReasonProtocol, protocol.ErrFrameTooLarge
		}
		n, err := unix.Read(c.fd, space)
		if err != nil {
			switch {
			case errors.Is(err, unix.EINTR):
				continue
			case errors.Is(err, unix.EAGAIN):
				return 0, nil
			}
			return ReasonIO, err
		}
		if n == 0 {
			return ReasonPeerClosed, errPeerClosed
		}
		c.recv.Commit(n)
		c.bytesIn += uint64(n)
		r.bytesIn.Add(uint64(n))
		for {
			f, ok, err := c.recv.Next()
			if err != nil {
				return ReasonProtocol, err
			}
			if !ok {
				break
			}
			c.framesIn++
			r.disp.Dispatch(c, f)
		}
		if n < len(space) {
			return 0, nil
		}
	}
	return 0, nil
}

func (r *Reactor) writeConn(c *Conn) error {
	n, err := c.out.Drain(func(b []byte) (int, error) {
		for {
			n, err := unix.Write(c.fd, b)
			switch {
			case err == nil:
				return n, nil
			case errors.Is(err, unix.EINTR):
				continue
			case errors.Is(err, unix.EAGAIN):
				return 0, api.ErrWouldBlock
			}
			return 0, err
		}
	})
	if n > 0 {
		c.lastWrite = r.now
		c.bytesOut += uint64(n)
		r.bytesOut.Add(uint64(n))
	}
	return err
}

// closeConn is the single teardown path. Every buffer the connection owns
// is released exactly once.
func (r *Reactor) closeConn(c *Conn, reason Reason, err error) {
	if c.closed {
		return
	}
	c.closed = true
	_ = r.poller.Remove(c.fd)
	_ = unix.Close(c.fd)
	dropped := c.out.Clear()
	r.arenas.Free(c.arena)
	c.arena = nil
	r.reg.Remove(c)
	r.snapDirty = true
	r.closed.Add(1)
	r.metrics.Connections(int(r.conns.Add(-1)))

	ev := r.log.Debug()
	switch reason {
	case ReasonProtocol:
		r.protoErrs.Add(1)
		r.metrics.ProtocolError()
		ev = r.log.Warn()
	case ReasonIO:
		r.ioErrs.Add(1)
		r.metrics.IOError()
		ev = r.log.Warn()
	case ReasonIdle:
		r.evicted.Add(1)
		r.metrics.Evicted()
		ev = r.log.Info()
	}
	ev.Err(err).Int("fd", c.fd).Str("peer", c.peer).Stringer("reason", reason).
		Int("outbound_dropped", dropped).Msg("connection closed")
}

// Stats returns a snapshot safe to take from any goroutine.
func (r *Reactor) Stats() Stats {
	return Stats{
		ID:             r.id,
		Path:           r.ep.Path(),
		Connections:    r.conns.Load(),
		Accepted:       r.accepted.Load(),
		Closed:         r.closed.Load(),
		Evicted:        r.evicted.Load(),
		ProtocolErrors: r.protoErrs.Load(),
		IOErrors:       r.ioErrs.Load(),
		Rejected:       r.rejected.Load(),
		Timeouts:       r.timeouts.Load(),
		BytesIn:        r.bytesIn.Load(),
		BytesOut:       r.bytesOut.Load(),
		Dispatch:       r.disp.Stats(),
	}
}
