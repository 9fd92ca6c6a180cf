// File: server/server.go
// Package server wires queues, reactors, workers and the acceptor into one
// runnable unit.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/momentics/hioload-mtx/api"
	"github.com/momentics/hioload-mtx/command"
	"github.com/momentics/hioload-mtx/config"
	"github.com/momentics/hioload-mtx/control"
	"github.com/momentics/hioload-mtx/pool"
	"github.com/momentics/hioload-mtx/protocol"
	"github.com/momentics/hioload-mtx/queue"
	"github.com/momentics/hioload-mtx/reactor"
	"github.com/momentics/hioload-mtx/transport/tcp"
	"github.com/momentics/hioload-mtx/worker"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Server owns every component of one message transport instance.
type Server struct {
	cfg        config.Config
	log        zerolog.Logger
	network    command.Network
	metrics    *control.Metrics
	probes     *control.DebugProbes
	middleware []worker.Middleware

	queues   *queue.Set
	alloc    *pool.Slab
	reactors []*reactor.Reactor
	workers  *worker.Pool
	acceptEP command.Endpoint
	acceptor *tcp.Acceptor
	initErrs []error

	closeOnce sync.Once
}

// New builds every component. A reactor that fails to initialize is skipped
// and reported by InitErrors; New fails only if no reactor starts or a shared
// component cannot be created.
func New(cfg config.Config, log zerolog.Logger, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	s := &Server{cfg: cfg, log: log}
	for _, opt := range opts {
		opt(s)
	}
	if s.network == nil {
		switch cfg.Transport {
		case config.TransportUnix:
			s.network = command.UnixNetwork{}
		default:
			s.network = command.NewBus(0)
		}
	}
	if s.metrics == nil {
		s.metrics = control.NewMetrics()
	}
	s.probes = control.NewDebugProbes()
	control.RegisterPlatformProbes(s.probes)

	slot := protocol.HeaderSize + cfg.MaxMessageSize
	s.queues = queue.NewSet(cfg.Queues(), cfg.QueueCapacity, slot)
	s.alloc = pool.NewSlab(nil, cfg.ReplyPoolBytes)

	workerPaths := make([]string, cfg.Workers)
	for i := range workerPaths {
		workerPaths[i] = command.WorkerPath(cfg.ControlDir, cfg.Name, i)
	}
	wp, err := worker.NewPool(worker.Options{
		Paths:           workerPaths,
		Network:         s.network,
		Queues:          s.queues.Queues(),
		QueuesPerWorker: cfg.QueuesPerWorker,
		Limits:          cfg.Limits(),
		Logger:          log,
		Metrics:         s.metrics,
	})
	if err != nil {
		return nil, err
	}
	s.workers = wp
	wp.Router().Use(s.middleware...)

	owners := make([]string, cfg.Queues())
	for q := range owners {
		owners[q] = workerPaths[command.QueueOwner(q, cfg.QueuesPerWorker, cfg.Workers)]
	}
	var reactorPaths []string
	for i := 0; i < cfg.Reactors; i++ {
		r, err := s.newReactor(i, owners)
		if err != nil {
			s.initErrs = append(s.initErrs, err)
			log.Error().Err(err).Int("reactor", i).Msg("reactor init failed")
			continue
		}
		s.reactors = append(s.reactors, r)
		reactorPaths = append(reactorPaths, r.Path())
		s.probes.RegisterProbe(fmt.Sprintf("reactor.%d", i), func() any { return r.Stats() })
		s.probes.RegisterProbe(fmt.Sprintf("reactor.%d.conns", i), func() any { return r.Conns() })
	}
	if len(s.reactors) == 0 {
		wp.Close()
		return nil, api.NewError(api.ErrCodeInit, "server: no reactor started").Wrap(errors.Join(s.initErrs...))
	}

	s.acceptEP, err = s.network.Open(command.AcceptorPath(cfg.ControlDir, cfg.Name))
	if err != nil {
		s.Close()
		return nil, api.NewError(api.ErrCodeInit, "server: acceptor endpoint").Wrap(err)
	}
	s.acceptor, err = tcp.NewAcceptor(cfg.ListenAddr, reactorPaths, s.acceptEP, log)
	if err != nil {
		s.Close()
		return nil, api.NewError(api.ErrCodeInit, "server: listen").Wrap(err)
	}

	s.probes.RegisterProbe("workers", func() any { return wp.Stats() })
	s.probes.RegisterProbe("acceptor", func() any { return s.acceptor.Stats() })
	s.probes.RegisterProbe("queues", func() any { return s.queues.Pending() })
	s.probes.RegisterProbe("allocator", func() any { return s.alloc.Stats() })
	return s, nil
}

func (s *Server) newReactor(i int, owners []string) (*reactor.Reactor, error) {
	path := command.ReactorPath(s.cfg.ControlDir, s.cfg.Name, i)
	ep, err := s.network.Open(path)
	if err != nil {
		return nil, api.NewError(api.ErrCodeInit, "server: reactor endpoint").Wrap(err).
			WithContext("reactor", i).WithContext("path", path)
	}
	r, err := reactor.New(reactor.Options{
		ID:                i,
		Endpoint:          ep,
		Owners:            owners,
		Queues:            s.queues.Queues(),
		Alloc:             s.alloc,
		Limits:            s.cfg.Limits(),
		RecvBufferSize:    s.cfg.RecvBufferSize,
		MaxConnections:    s.cfg.MaxConnections,
		PollTimeout:       s.cfg.PollTimeout,
		KeepaliveInterval: s.cfg.KeepaliveInterval,
		StaleFactor:       s.cfg.StaleFactor,
		DispatchAttempts:  s.cfg.DispatchAttempts,
		NotifyEvery:       s.cfg.NotifyEvery,
		PinCPU:            s.cfg.PinCPUs,
		Logger:            s.log,
		Metrics:           s.metrics,
	})
	if err != nil {
		ep.Close()
		return nil, err
	}
	return r, nil
}

// Addr returns the bound TCP address.
func (s *Server) Addr() net.Addr {
	return s.acceptor.Addr()
}

// Handle registers h for application messages of typ.
func (s *Server) Handle(typ uint32, h worker.Handler) {
	s.workers.Handle(typ, h)
}

// HandleFunc registers f for application messages of typ.
func (s *Server) HandleFunc(typ uint32, f func(context.Context, worker.Message) error) {
	s.workers.HandleFunc(typ, f)
}

// Fallback registers h for message types without a handler.
func (s *Server) Fallback(h worker.Handler) {
	s.workers.Router().Fallback(h)
}

// InitErrors returns the errors of reactors that failed to start.
func (s *Server) InitErrors() []error {
	return append([]error(nil), s.initErrs...)
}

// Reactors returns the number of running reactors.
func (s *Server) Reactors() int {
	return len(s.reactors)
}

// Metrics returns the metrics registry.
func (s *Server) Metrics() *control.Metrics {
	return s.metrics
}

// Probes returns the debug probe registry.
func (s *Server) Probes() *control.DebugProbes {
	return s.probes
}

// AdminHandler serves /metrics and /debug/state.
func (s *Server) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	mux.Handle("/debug/state", s.probes)
	return mux
}

// Run starts every component and blocks until ctx is done or one of them
// fails. All connections are torn down before Run returns.
func (s *Server) Run(ctx context.Context) error {
	defer s.Close()
	g, ctx := errgroup.WithContext(ctx)
	for _, r := range s.reactors {
		r := r
		g.Go(func() error { return r.Run(ctx) })
	}
	g.Go(func() error { return s.workers.Run(ctx) })
	g.Go(func() error { return s.acceptor.Run(ctx) })
	if s.cfg.AdminAddr != "" {
		admin := &http.Server{
			Addr:              s.cfg.AdminAddr,
			Handler:           s.AdminHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			s.log.Info().Str("addr", s.cfg.AdminAddr).Msg("admin listening")
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return admin.Shutdown(shutdownCtx)
		})
	}
	s.log.Info().Str("addr", s.Addr().String()).Int("reactors", len(s.reactors)).
		Int("workers", s.cfg.Workers).Int("queues", s.queues.Len()).Msg("server started")
	err := g.Wait()
	s.log.Info().Err(err).Msg("server stopped")
	return err
}

// Close releases everything a Server that never ran still holds. Run calls
// it on exit.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		if s.acceptor != nil {
			s.acceptor.Close()
		}
		if s.acceptEP != nil {
			s.acceptEP.Close()
		}
		for _, r := range s.reactors {
			r.Close()
		}
		s.workers.Close()
	})
	return nil
}
