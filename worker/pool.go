// File: worker/pool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Worker pool draining dispatch queues on ProcessRequest commands.

package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/momentics/hioload-mtx/api"
	"github.com/momentics/hioload-mtx/command"
	"github.com/momentics/hioload-mtx/control"
	"github.com/momentics/hioload-mtx/protocol"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Options configures a Pool.
type Options struct {
	// Paths holds one control endpoint address per worker.
	Paths []string

	Network         command.Network
	Queues          []api.Queue
	QueuesPerWorker int
	Limits          protocol.Limits

	Logger  zerolog.Logger
	Metrics *control.Metrics
}

// Pool runs one goroutine per worker endpoint.
type Pool struct {
	router  *Router
	workers []*worker
	log     zerolog.Logger
	running atomic.Bool
}

// Stats is a snapshot of one worker.
type Stats struct {
	ID        int    `json:"id"`
	Path      string `json:"path"`
	Requests  uint64 `json:"requests"`
	Handled   uint64 `json:"handled"`
	Unhandled uint64 `json:"unhandled"`
	Failed    uint64 `json:"failed"`
	Rejected  uint64 `json:"rejected_commands"`
}

// NewPool opens every worker endpoint. On failure the endpoints opened so far
// are closed and an init error is returned.
func NewPool(opts Options) (*Pool, error) {
	if len(opts.Paths) == 0 || opts.Network == nil {
		return nil, api.NewError(api.ErrCodeInit, "worker: no endpoints").Wrap(api.ErrInvalidArgument)
	}
	if opts.QueuesPerWorker <= 0 {
		opts.QueuesPerWorker = 1
	}
	if opts.Limits.MaxMessageSize == 0 {
		opts.Limits = protocol.DefaultLimits()
	}
	p := &Pool{router: NewRouter(), log: opts.Logger}
	for i, path := range opts.Paths {
		ep, err := opts.Network.Open(path)
		if err != nil {
			p.close()
			return nil, api.NewError(api.ErrCodeInit, "worker: open endpoint").Wrap(err).
				WithContext("worker", i).WithContext("path", path)
		}
		p.workers = append(p.workers, &worker{
			id:      i,
			ep:      ep,
			queues:  opts.Queues,
			qpw:     opts.QueuesPerWorker,
			total:   len(opts.Paths),
			limits:  opts.Limits,
			router:  p.router,
			log:     opts.Logger.With().Int("worker", i).Logger(),
			metrics: opts.Metrics.Worker(i),
		})
	}
	return p, nil
}

// Router returns the shared handler table.
func (p *Pool) Router() *Router { return p.router }

// Handle registers h for messages of typ on every worker.
func (p *Pool) Handle(typ uint32, h Handler) { p.router.Handle(typ, h) }

// HandleFunc registers f for messages of typ on every worker.
func (p *Pool) HandleFunc(typ uint32, f func(context.Context, Message) error) {
	p.router.HandleFunc(typ, f)
}

// Paths returns the endpoint address of every worker in index order.
func (p *Pool) Paths() []string {
	out := make([]string, len(p.workers))
	for i, w := range p.workers {
		out[i] = w.ep.Path()
	}
	return out
}

// Run serves until ctx is done, then closes every endpoint.
func (p *Pool) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return errors.New("worker: pool already running")
	}
	defer p.close()
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		w := w
		g.Go(func() error { return w.run(ctx) })
	}
	return g.Wait()
}

// Close releases the endpoints of a pool that was never run.
func (p *Pool) Close() error {
	if p.running.Load() {
		return nil
	}
	return p.close()
}

func (p *Pool) close() error {
	var errs []error
	for _, w := range p.workers {
		if err := w.ep.Close(); err != nil && !errors.Is(err, command.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats returns a snapshot of every worker.
func (p *Pool) Stats() []Stats {
	out := make([]Stats, len(p.workers))
	for i, w := range p.workers {
		out[i] = w.stats()
	}
	return out
}

type worker struct {
	id      int
	ep      command.Endpoint
	queues  []api.Queue
	qpw     int
	total   int
	limits  protocol.Limits
	router  *Router
	log     zerolog.Logger
	metrics *control.WorkerMetrics

	requests  atomic.Uint64
	handled   atomic.Uint64
	unhandled atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
}

func (w *worker) run(ctx context.Context) error {
	w.log.Debug().Str("path", w.ep.Path()).Msg("worker started")
	for {
		c, err := w.ep.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, command.ErrShortRecord) || errors.Is(err, command.ErrLongRecord) ||
				errors.Is(err, command.ErrUnknownType) {
				w.rejected.Add(1)
				w.log.Warn().Err(err).Msg("malformed control command")
				continue
			}
			return fmt.Errorf("worker %d: %w", w.id, err)
		}
		if c.Type != command.TypeProcessRequest {
			w.rejected.Add(1)
			w.log.Warn().Stringer("command", c.Type).Msg("unexpected control command")
			continue
		}
		w.requests.Add(1)
		w.process(ctx, int(c.Queue), c.Count)
	}
}

// process drains up to count entries from queue qid; a negative count
// drains everything currently published.
func (w *worker) process(ctx context.Context, qid int, count int64) {
	if qid < 0 || qid >= len(w.queues) {
		w.rejected.Add(1)
		w.log.Warn().Int("queue", qid).Msg("process request for unknown queue")
		return
	}
	if owner := command.QueueOwner(qid, w.qpw, w.total); owner != w.id {
		w.log.Debug().Int("queue", qid).Int("owner", owner).Msg("draining queue owned by another worker")
	}
	q := w.queues[qid]
	for n := int64(0); count < 0 || n < count; n++ {
		buf := q.TryPop()
		if buf == nil {
			return
		}
		w.consume(ctx, qid, buf)
		q.Free(buf)
	}
}

func (w *worker) consume(ctx context.Context, qid int, buf []byte) {
	h, err := protocol.DecodeHeader(buf, w.limits)
	if err != nil || h.Total() > len(buf) {
		w.failed.Add(1)
		w.metrics.Failed()
		w.log.Error().Err(err).Int("queue", qid).Msg("corrupt queue entry")
		return
	}
	handler := w.router.Lookup(h.Type)
	if handler == nil {
		w.unhandled.Add(1)
		w.metrics.Unhandled()
		w.log.Debug().Uint32("type", h.Type).Msg("no handler for message type")
		return
	}
	msg := Message{Type: h.Type, Payload: buf[protocol.HeaderSize:h.Total()], Queue: qid, Worker: w.id}
	if err := w.serve(ctx, handler, msg); err != nil {
		w.failed.Add(1)
		w.metrics.Failed()
		w.log.Warn().Err(err).Uint32("type", h.Type).Msg("handler failed")
		return
	}
	w.handled.Add(1)
	w.metrics.Handled()
}

func (w *worker) serve(ctx context.Context, h Handler, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker: handler panic: %v", r)
		}
	}()
	return h.Serve(ctx, msg)
}

func (w *worker) stats() Stats {
	return Stats{
		ID:        w.id,
		Path:      w.ep.Path(),
		Requests:  w.requests.Load(),
		Handled:   w.handled.Load(),
		Unhandled: w.unhandled.Load(),
		Failed:    w.failed.Load(),
		Rejected:  w.rejected.Load(),
	}
}
