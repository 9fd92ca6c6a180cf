//go:build linux
// +build linux

// File: command/waker_linux.go
// Author: momentics <momentics@gmail.com>
//
// eventfd-backed wake descriptor.

package command

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// Waker is a pollable descriptor that becomes readable after Signal.
type Waker struct {
	fd int
}

// NewWaker creates a non-blocking eventfd.
func NewWaker() (*Waker, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	return &Waker{fd: fd}, nil
}

// Fd returns the descriptor to poll for readability.
func (w *Waker) Fd() int { return w.fd }

// Signal makes the descriptor readable. Never blocks.
func (w *Waker) Signal() {
	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], 1)
	_, _ = unix.Write(w.fd, b[:])
}

// Drain resets the descriptor to not-readable.
func (w *Waker) Drain() {
	var b [8]byte
	_, _ = unix.Read(w.fd, b[:])
}

// Close releases the descriptor.
func (w *Waker) Close() error {
	return unix.Close(w.fd)
}
