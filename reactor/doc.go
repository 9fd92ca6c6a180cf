// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor implements the per-thread receive reactor.
//
// A Reactor owns a disjoint set of connections for its whole lifetime. Each
// cycle it waits on a level-triggered poller (epoll on Linux) with a bounded
// timeout, drains its control endpoint, reassembles frames from readable
// sockets into a fixed per-connection arena, dispatches them, and drains the
// outbound queues of writable sockets. A timeout cycle evicts idle
// connections and re-announces queued work to the workers.
//
// Nothing in this package is shared between reactors except the dispatch
// queues and the control channel, so connection state is never locked.
package reactor
