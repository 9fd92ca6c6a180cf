//go:build !linux
// +build !linux

// File: command/waker_other.go
// Author: momentics <momentics@gmail.com>
//
// Self-pipe wake descriptor for platforms without eventfd.

package command

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Waker is a pollable descriptor that becomes readable after Signal.
type Waker struct {
	r, w int
}

// NewWaker creates a non-blocking self-pipe.
func NewWaker() (*Waker, error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, fmt.Errorf("pipe: %w", err)
	}
	for _, fd := range p {
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(p[0])
			unix.Close(p[1])
			return nil, fmt.Errorf("pipe nonblock: %w", err)
		}
	}
	return &Waker{r: p[0], w: p[1]}, nil
}

// Fd returns the descriptor to poll for readability.
func (w *Waker) Fd() int { return w.r }

// Signal makes the descriptor readable. Never blocks.
func (w *Waker) Signal() {
	_, _ = unix.Write(w.w, []byte{1})
}

// Drain resets the descriptor to not-readable.
func (w *Waker) Drain() {
	var b [64]byte
	for {
		n, err := unix.Read(w.r, b[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// Close releases both pipe ends.
func (w *Waker) Close() error {
	unix.Close(w.w)
	return unix.Close(w.r)
}
