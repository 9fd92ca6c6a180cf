//go:build linux
// +build linux

// File: reactor/reactor_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux epoll(7)-based level-triggered poller.

package reactor

import (
	"errors"
	"fmt"
	"time"

	"github.com/momentics/hioload-mtx/api"
	"golang.org/x/sys/unix"
)

// epollPoller is an epoll-based readiness poller.
type epollPoller struct {
	epfd int
	raw  []unix.EpollEvent
}

// NewPoller constructs the platform poller.
func NewPoller() (api.Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	return &epollPoller{epfd: epfd}, nil
}

func toEpoll(interest api.Readiness) uint32 {
	var ev uint32
	if interest&api.Readable != 0 {
		ev |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if interest&api.Writable != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// Add registers fd with the given interest.
func (p *epollPoller) Add(fd int, interest api.Readiness) error {
	ev := unix.EpollEvent{Events: toEpoll(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl add: %w", err)
	}
	return nil
}

// Modify replaces the interest of fd.
func (p *epollPoller) Modify(fd int, interest api.Readiness) error {
	ev := unix.EpollEvent{Events: toEpoll(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl mod: %w", err)
	}
	return nil
}

// Remove unregisters fd.
func (p *epollPoller) Remove(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll ctl del: %w", err)
	}
	return nil
}

// Wait blocks up to timeout; a negative timeout blocks indefinitely. It
// returns 0 only once the deadline has passed: an interrupted wait resumes
// with the remaining time.
func (p *epollPoller) Wait(events []api.Event, timeout time.Duration) (int, error) {
	if len(events) == 0 {
		return 0, api.ErrInvalidArgument
	}
	if cap(p.raw) < len(events) {
		p.raw = make([]unix.EpollEvent, len(events))
	}
	raw := p.raw[:len(events)]
	ms := -1
	var deadline time.Time
	if timeout >= 0 {
		ms = waitMillis(timeout)
		deadline = time.Now().Add(timeout)
	}
	var n int
	for {
		var err error
		n, err = unix.EpollWait(p.epfd, raw, ms)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EINTR) {
			return 0, fmt.Errorf("epoll wait: %w", err)
		}
		if timeout >= 0 {
			left := time.Until(deadline)
			if left <= 0 {
				return 0, nil
			}
			ms = waitMillis(left)
		}
	}
	for i := 0; i < n; i++ {
		var ready api.Readiness
		if raw[i].Events&unix.EPOLLIN != 0 {
			ready |= api.Readable
		}
		if raw[i].Events&unix.EPOLLOUT != 0 {
			ready |= api.Writable
		}
		if raw[i].Events&(unix.EPOLLERR|unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
			ready |= api.Hangup
		}
		events[i] = api.Event{Fd: int(raw[i].Fd), Ready: ready}
	}
	return n, nil
}

// Close closes the epoll instance.
func (p *epollPoller) Close() error {
	return unix.Close(p.epfd)
}

// waitMillis rounds d up to whole milliseconds so a sub-millisecond timeout
// still sleeps instead of polling.
func waitMillis(d time.Duration) int {
	return int((d + time.Millisecond - 1) / time.Millisecond)
}
