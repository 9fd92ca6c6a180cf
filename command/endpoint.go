// File: command/endpoint.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package command

import (
	"context"
	"fmt"
	"path/filepath"
)

// Endpoint is one addressable side of the control channel.
type Endpoint interface {
	// Path is the well-known address of this endpoint.
	Path() string

	// Fd is a descriptor that is readable while commands may be pending.
	Fd() int

	// Send delivers c to the endpoint at path to. Never blocks.
	Send(to string, c Command) error

	// TryRecv returns the next pending command without blocking.
	TryRecv() (Command, bool, error)

	// Recv blocks until a command arrives or ctx is done.
	Recv(ctx context.Context) (Command, error)

	// Close releases the endpoint and its address.
	Close() error
}

// Network opens endpoints on one transport.
type Network interface {
	Open(path string) (Endpoint, error)
}

// ReactorPath is the address of receive reactor idx of service name.
func ReactorPath(dir, name string, idx int) string {
	return filepath.Join(dir, fmt.Sprintf("%s_rsvr_%d.usck", name, idx))
}

// WorkerPath is the address of worker idx of service name.
func WorkerPath(dir, name string, idx int) string {
	return filepath.Join(dir, fmt.Sprintf("%s_wsvr_%d.usck", name, idx))
}

// AcceptorPath is the address the acceptor sends from.
func AcceptorPath(dir, name string) string {
	return filepath.Join(dir, fmt.Sprintf("%s_lsn.usck", name))
}
