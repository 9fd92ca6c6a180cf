// File: command/command.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Command record layout and codec.

package command

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/momentics/hioload-mtx/api"
)

// Type identifies a command.
type Type uint32

const (
	TypeAddConnection  Type = 1
	TypeProcessRequest Type = 2
)

func (t Type) String() string {
	switch t {
	case TypeAddConnection:
		return "add-connection"
	case TypeProcessRequest:
		return "process-request"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(t))
	}
}

const (
	// PeerMaxLen bounds the peer address carried by AddConnection.
	PeerMaxLen = 64

	// RecordSize is the encoded size of every command.
	RecordSize = 4 + 4 + PeerMaxLen

	// AllPending asks a worker to drain a queue completely.
	AllPending = api.AllPending
)

var (
	ErrShortRecord = errors.New("command: short record")
	ErrLongRecord  = errors.New("command: oversized record")
	ErrUnknownType = errors.New("command: unknown type")
	ErrNoRecipient = errors.New("command: no such recipient")
	ErrDropped     = errors.New("command: recipient mailbox full")
	ErrClosed      = errors.New("command: endpoint closed")
)

// Command is the decoded form of one control record. Only the fields of the
// variant selected by Type are meaningful.
type Command struct {
	Type Type

	// AddConnection
	Fd   int32
	Peer string

	// ProcessRequest
	Origin int32
	Queue  int32
	Count  int64
}

// AddConnection hands an accepted socket to a reactor.
func AddConnection(fd int, peer string) Command {
	if len(peer) > PeerMaxLen {
		peer = peer[:PeerMaxLen]
	}
	return Command{Type: TypeAddConnection, Fd: int32(fd), Peer: peer}
}

// ProcessRequest tells a worker that queue has count pending entries.
func ProcessRequest(origin, queue int, count int64) Command {
	return Command{Type: TypeProcessRequest, Origin: int32(origin), Queue: int32(queue), Count: count}
}

// Valid reports whether the command type is known.
func (c Command) Valid() bool {
	return c.Type == TypeAddConnection || c.Type == TypeProcessRequest
}

// Encode writes the fixed-size record into dst, which must hold RecordSize bytes.
func (c Command) Encode(dst []byte) error {
	if len(dst) < RecordSize {
		return ErrShortRecord
	}
	clear(dst[:RecordSize])
	binary.BigEndian.PutUint32(dst[0:4], uint32(c.Type))
	switch c.Type {
	case TypeAddConnection:
		binary.BigEndian.PutUint32(dst[4:8], uint32(c.Fd))
		copy(dst[8:8+PeerMaxLen], c.Peer)
	case TypeProcessRequest:
		binary.BigEndian.PutUint32(dst[4:8], uint32(c.Origin))
		binary.BigEndian.PutUint32(dst[8:12], uint32(c.Queue))
		binary.BigEndian.PutUint64(dst[12:20], uint64(c.Count))
	default:
		return fmt.Errorf("%w: %d", ErrUnknownType, uint32(c.Type))
	}
	return nil
}

// MarshalBinary returns the encoded record.
func (c Command) MarshalBinary() ([]byte, error) {
	buf := make([]byte, RecordSize)
	if err := c.Encode(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Decode parses a record. Unknown types are returned as-is so the receiver
// can log and reject them.
func Decode(b []byte) (Command, error) {
	switch {
	case len(b) < RecordSize:
		return Command{}, ErrShortRecord
	case len(b) > RecordSize:
		return Command{}, ErrLongRecord
	}
	c := Command{Type: Type(binary.BigEndian.Uint32(b[0:4]))}
	switch c.Type {
	case TypeAddConnection:
		c.Fd = int32(binary.BigEndian.Uint32(b[4:8]))
		peer := b[8 : 8+PeerMaxLen]
		if i := bytes.IndexByte(peer, 0); i >= 0 {
			peer = peer[:i]
		}
		c.Peer = string(peer)
	case TypeProcessRequest:
		c.Origin = int32(binary.BigEndian.Uint32(b[4:8]))
		c.Queue = int32(binary.BigEndian.Uint32(b[8:12]))
		c.Count = int64(binary.BigEndian.Uint64(b[12:20]))
	}
	return c, nil
}
