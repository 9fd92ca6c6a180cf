// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-mtx/api"
	"github.com/momentics/hioload-mtx/command"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// Sender delivers control commands. command.Endpoint satisfies it.
type Sender interface {
	Send(to string, c command.Command) error
}

// Acceptor accepts TCP connections and assigns them to reactors round-robin.
type Acceptor struct {
	ln      *net.TCPListener
	targets []string
	sender  Sender
	log     zerolog.Logger

	next     atomic.Uint64
	accepted atomic.Uint64
	failed   atomic.Uint64
}

// Stats is a snapshot of acceptor counters.
type Stats struct {
	Accepted uint64 `json:"accepted"`
	Failed   uint64 `json:"failed"`
}

// NewAcceptor binds addr. targets are the control addresses of the reactors.
func NewAcceptor(addr string, targets []string, sender Sender, log zerolog.Logger) (*Acceptor, error) {
	if len(targets) == 0 || sender == nil {
		return nil, fmt.Errorf("tcp: acceptor needs at least one reactor: %w", api.ErrInvalidArgument)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp listen failed: %w", err)
	}
	return &Acceptor{
		ln:      ln.(*net.TCPListener),
		targets: append([]string(nil), targets...),
		sender:  sender,
		log:     log.With().Str("component", "acceptor").Logger(),
	}, nil
}

// Addr returns the bound address.
func (a *Acceptor) Addr() net.Addr {
	return a.ln.Addr()
}

// Close stops the listener.
func (a *Acceptor) Close() error {
	return a.ln.Close()
}

// Run accepts until ctx is done. Temporary accept failures back off like
// net/http does.
func (a *Acceptor) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { a.ln.Close() })
	defer stop()
	a.log.Info().Str("addr", a.ln.Addr().String()).Int("reactors", len(a.targets)).Msg("accepting")

	var delay time.Duration
	for {
		conn, err := a.ln.AcceptTCP()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else if delay *= 2; delay > time.Second {
				delay = time.Second
			}
			a.log.Warn().Err(err).Dur("retry_in", delay).Msg("accept error")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		delay = 0
		a.handoff(conn)
	}
}

// handoff duplicates the socket out of the runtime poller and sends it to
// the next reactor. The reactor owns the duplicate from then on.
func (a *Acceptor) handoff(conn *net.TCPConn) {
	a.accepted.Add(1)
	peer := conn.RemoteAddr().String()
	_ = conn.SetNoDelay(true)
	fd, err := detach(conn)
	if err != nil {
		a.failed.Add(1)
		a.log.Warn().Err(err).Str("peer", peer).Msg("detach failed")
		return
	}
	target := a.targets[(a.next.Add(1)-1)%uint64(len(a.targets))]
	if err := a.sender.Send(target, command.AddConnection(fd, peer)); err != nil {
		a.failed.Add(1)
		unix.Close(fd)
		a.log.Warn().Err(err).Str("peer", peer).Str("reactor", target).Msg("handoff failed")
		return
	}
	a.log.Debug().Int("fd", fd).Str("peer", peer).Str("reactor", target).Msg("connection handed off")
}

// detach returns a close-on-exec duplicate of the socket and closes conn.
func detach(conn *net.TCPConn) (int, error) {
	defer conn.Close()
	raw, err := conn.SyscallConn()
	if err != nil {
		return -1, err
	}
	fd := -1
	var dupErr error
	if err := raw.Control(func(s uintptr) {
		fd, dupErr = unix.FcntlInt(s, unix.F_DUPFD_CLOEXEC, 0)
	}); err != nil {
		return -1, err
	}
	if dupErr != nil {
		return -1, fmt.Errorf("dup: %w", dupErr)
	}
	return fd, nil
}

// Stats returns a snapshot of the counters.
func (a *Acceptor) Stats() Stats {
	return Stats{Accepted: a.accepted.Load(), Failed: a.failed.Load()}
}
