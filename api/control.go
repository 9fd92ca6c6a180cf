// File: api/control.go
// Package api defines control-plane signaling contracts.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

// Notifier is the best-effort, non-blocking side of a control channel.
// Implementations never retry synchronously; a failed send is reported and forgotten.
type Notifier interface {
	// NotifyWorker asks the worker owning queueID to drain count entries.
	// count < 0 means "everything pending".
	NotifyWorker(queueID int, count int64) error
}

// AllPending is the count that asks a worker to drain a queue completely.
const AllPending int64 = -1
