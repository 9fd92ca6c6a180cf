// File: command/notifier.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package command

import (
	"fmt"

	"github.com/momentics/hioload-mtx/api"
)

// QueueOwner maps a queue index to the worker responsible for it.
func QueueOwner(queueID, queuesPerWorker, workers int) int {
	if queuesPerWorker <= 0 {
		queuesPerWorker = 1
	}
	if workers <= 0 {
		return 0
	}
	w := queueID / queuesPerWorker
	if w >= workers {
		w %= workers
	}
	return w
}

// WorkerNotifier sends ProcessRequest commands from one origin endpoint.
type WorkerNotifier struct {
	ep     Endpoint
	origin int
	owners []string
}

var _ api.Notifier = (*WorkerNotifier)(nil)

// NewWorkerNotifier routes queue i to the endpoint at owners[i].
func NewWorkerNotifier(ep Endpoint, origin int, owners []string) *WorkerNotifier {
	return &WorkerNotifier{ep: ep, origin: origin, owners: owners}
}

// NotifyWorker sends a ProcessRequest to the owner of queueID.
func (n *WorkerNotifier) NotifyWorker(queueID int, count int64) error {
	if queueID < 0 || queueID >= len(n.owners) {
		return fmt.Errorf("command: queue %d has no owner", queueID)
	}
	return n.ep.Send(n.owners[queueID], ProcessRequest(n.origin, queueID, count))
}
