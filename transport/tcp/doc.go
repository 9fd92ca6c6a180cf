// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package tcp implements the TCP acceptor. Accepted sockets are detached from
// the Go runtime poller and handed to receive reactors over the control
// channel, one reactor after another.
package tcp
