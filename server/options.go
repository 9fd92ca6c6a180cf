// File: server/options.go
// Package server defines functional options for the Server.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"github.com/momentics/hioload-mtx/command"
	"github.com/momentics/hioload-mtx/control"
	"github.com/momentics/hioload-mtx/worker"
)

// Option customizes server initialization.
type Option func(*Server)

// WithMiddleware wraps every handler registered afterwards, in FIFO order.
func WithMiddleware(mw ...worker.Middleware) Option {
	return func(s *Server) {
		s.middleware = append(s.middleware, mw...)
	}
}

// WithMetrics shares a metrics registry instead of creating one.
func WithMetrics(m *control.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithNetwork overrides the control channel transport chosen by config.
func WithNetwork(n command.Network) Option {
	return func(s *Server) {
		s.network = n
	}
}
