// File: command/bus.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// In-process control transport: one buffered channel per recipient path.

package command

import (
	"context"
	"fmt"
	"sync"
)

// DefaultMailboxCapacity is used when NewBus receives a non-positive capacity.
const DefaultMailboxCapacity = 1024

// Bus routes commands between endpoints of one process.
type Bus struct {
	mu        sync.RWMutex
	capacity  int
	mailboxes map[string]*mailbox
}

var _ Network = (*Bus)(nil)

// NewBus creates a bus whose mailboxes hold capacity commands each.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultMailboxCapacity
	}
	return &Bus{
		capacity:  capacity,
		mailboxes: make(map[string]*mailbox),
	}
}

// Open registers a mailbox at path.
func (b *Bus) Open(path string) (Endpoint, error) {
	w, err := NewWaker()
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.mailboxes[path]; ok {
		w.Close()
		return nil, fmt.Errorf("command: path %q already open", path)
	}
	m := &mailbox{
		bus:   b,
		path:  path,
		ch:    make(chan Command, b.capacity),
		waker: w,
		done:  make(chan struct{}),
	}
	b.mailboxes[path] = m
	return m, nil
}

func (b *Bus) deliver(to string, c Command) error {
	// The read lock is held across Signal so Close cannot release the waker mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	m, ok := b.mailboxes[to]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoRecipient, to)
	}
	select {
	case m.ch <- c:
		m.waker.Signal()
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrDropped, to)
	}
}

func (b *Bus) remove(path string) {
	b.mu.Lock()
	delete(b.mailboxes, path)
	b.mu.Unlock()
}

type mailbox struct {
	bus       *Bus
	path      string
	ch        chan Command
	waker     *Waker
	done      chan struct{}
	closeOnce sync.Once
}

func (m *mailbox) Path() string { return m.path }

func (m *mailbox) Fd() int { return m.waker.Fd() }

func (m *mailbox) Send(to string, c Command) error {
	return m.bus.deliver(to, c)
}

func (m *mailbox) TryRecv() (Command, bool, error) {
	select {
	case c := <-m.ch:
		return c, true, nil
	default:
	}
	// Reset readiness, then re-check to close the race with a concurrent Send.
	m.waker.Drain()
	select {
	case c := <-m.ch:
		return c, true, nil
	case <-m.done:
		return Command{}, false, ErrClosed
	default:
		return Command{}, false, nil
	}
}

func (m *mailbox) Recv(ctx context.Context) (Command, error) {
	select {
	case c := <-m.ch:
		return c, nil
	case <-m.done:
		return Command{}, ErrClosed
	case <-ctx.Done():
		return Command{}, ctx.Err()
	}
}

func (m *mailbox) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.bus.remove(m.path)
		close(m.done)
		err = m.waker.Close()
	})
	return err
}
