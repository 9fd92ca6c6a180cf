// File: command/unix.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Unix datagram control transport. Each endpoint binds its own path; sends
// are addressed by the recipient's path and never wait for buffer space.

package command

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const unixRecvPollInterval = 100 * time.Millisecond

// UnixNetwork opens UnixEndpoints.
type UnixNetwork struct{}

var _ Network = UnixNetwork{}

// Open binds a datagram endpoint at path.
func (UnixNetwork) Open(path string) (Endpoint, error) {
	return ListenUnix(path)
}

// UnixEndpoint is a non-blocking AF_UNIX/SOCK_DGRAM endpoint.
type UnixEndpoint struct {
	path string
	fd   int

	mu     sync.Mutex
	closed bool
}

// ListenUnix creates the socket and binds it to path, replacing a stale file.
func ListenUnix(path string) (*UnixEndpoint, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("command: mkdir %s: %w", filepath.Dir(path), err)
	}
	_ = os.Remove(path)
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("command: socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("command: bind %s: %w", path, err)
	}
	return &UnixEndpoint{path: path, fd: fd}, nil
}

// Path returns the bound address.
func (e *UnixEndpoint) Path() string { return e.path }

// Fd returns the socket descriptor.
func (e *UnixEndpoint) Fd() int { return e.fd }

// Send writes one record to the endpoint bound at to.
func (e *UnixEndpoint) Send(to string, c Command) error {
	var rec [RecordSize]byte
	if err := c.Encode(rec[:]); err != nil {
		return err
	}
	err := unix.Sendto(e.fd, rec[:], unix.MSG_DONTWAIT, &unix.SockaddrUnix{Name: to})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.ENOBUFS):
		return fmt.Errorf("%w: %s", ErrDropped, to)
	case errors.Is(err, unix.ENOENT), errors.Is(err, unix.ECONNREFUSED):
		return fmt.Errorf("%w: %s", ErrNoRecipient, to)
	default:
		return fmt.Errorf("command: sendto %s: %w", to, err)
	}
}

// TryRecv reads one pending record, if any. A datagram of any other size
// is consumed and reported as malformed.
func (e *UnixEndpoint) TryRecv() (Command, bool, error) {
	var rec [RecordSize + 1]byte
	for {
		n, _, err := unix.Recvfrom(e.fd, rec[:], 0)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if errors.Is(err, unix.EAGAIN) {
				return Command{}, false, nil
			}
			return Command{}, false, fmt.Errorf("command: recvfrom: %w", err)
		}
		c, err := Decode(rec[:n])
		if err != nil {
			return Command{}, false, err
		}
		return c, true, nil
	}
}

// Recv waits for a record, polling the socket until ctx is done.
func (e *UnixEndpoint) Recv(ctx context.Context) (Command, error) {
	for {
		c, ok, err := e.TryRecv()
		if err != nil || ok {
			return c, err
		}
		if err := ctx.Err(); err != nil {
			return Command{}, err
		}
		fds := []unix.PollFd{{Fd: int32(e.fd), Events: unix.POLLIN}}
		if _, err := unix.Poll(fds, int(unixRecvPollInterval/time.Millisecond)); err != nil && !errors.Is(err, unix.EINTR) {
			return Command{}, fmt.Errorf("command: poll: %w", err)
		}
	}
}

// Close closes the socket and unlinks its path.
func (e *UnixEndpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	err := unix.Close(e.fd)
	_ = os.Remove(e.path)
	return err
}
