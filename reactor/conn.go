// File: reactor/conn.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package reactor

import (
	"time"

	"github.com/momentics/hioload-mtx/api"
)

// Conn is one accepted stream connection owned by a single reactor.
type Conn struct {
	slot int
	fd   int
	peer string

	created   time.Time
	lastRead  time.Time
	lastWrite time.Time

	arena []byte
	recv  *Reassembler
	out   *Outbound

	interest api.Readiness
	ready    api.Readiness
	closed   bool

	framesIn uint64
	bytesIn  uint64
	bytesOut uint64
}

// Idle reports whether neither direction has seen traffic within d.
func (c *Conn) Idle(now time.Time, d time.Duration) bool {
	return now.Sub(c.lastRead) >= d && now.Sub(c.lastWrite) >= d
}

// ConnInfo is a read-only snapshot of a connection.
type ConnInfo struct {
	Fd        int       `json:"fd"`
	Peer      string    `json:"peer"`
	Created   time.Time `json:"created"`
	LastRead  time.Time `json:"last_read"`
	LastWrite time.Time `json:"last_write"`
	FramesIn  uint64    `json:"frames_in"`
	BytesIn   uint64    `json:"bytes_in"`
	BytesOut  uint64    `json:"bytes_out"`
	Buffered  int       `json:"buffered"`
	Outbound  int       `json:"outbound"`
}

func (c *Conn) info() ConnInfo {
	return ConnInfo{
		Fd:        c.fd,
		Peer:      c.peer,
		Created:   c.created,
		LastRead:  c.lastRead,
		LastWrite: c.lastWrite,
		FramesIn:  c.framesIn,
		BytesIn:   c.bytesIn,
		BytesOut:  c.bytesOut,
		Buffered:  c.recv.Buffered(),
		Outbound:  c.out.Len(),
	}
}
