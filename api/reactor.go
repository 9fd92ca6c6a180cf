// File: api/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Defines the abstract interface for readiness pollers used by reactors
// to multiplex connections across poll-mode backends.

package api

import "time"

// Readiness is a bitmask of descriptor readiness conditions.
type Readiness uint32

const (
	Readable Readiness = 1 << iota
	Writable
	Hangup
)

// Event encapsulates the result of an OS-level readiness notification.
type Event struct {
	Fd    int
	Ready Readiness
}

// Poller defines the common interface for a level-triggered readiness wait.
type Poller interface {
	// Add starts watching fd for the given interest.
	Add(fd int, interest Readiness) error

	// Modify replaces the interest set of an already watched fd.
	Modify(fd int, interest Readiness) error

	// Remove stops watching fd.
	Remove(fd int) error

	// Wait blocks until at least one descriptor is ready or timeout elapses.
	// It returns the number of events written into events; zero means timeout.
	Wait(events []Event, timeout time.Duration) (int, error)

	// Close releases the poller backend.
	Close() error
}
