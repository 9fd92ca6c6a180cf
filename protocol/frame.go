// File: protocol/frame.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Frame and header types shared by the reactor, workers and clients.

package protocol

// Header is the fixed frame header in host representation.
type Header struct {
	Type     uint32
	Length   uint32
	Flag     uint32
	Checksum uint32
}

// Total returns the frame size including the header.
func (h Header) Total() int {
	return HeaderSize + int(h.Length)
}

// IsSystem reports whether the frame is handled inside the reactor.
func (h Header) IsSystem() bool {
	return h.Flag == FlagSystem
}

// Frame is one complete header+payload unit.
// Payload may alias a receive arena; copy it before the next read.
type Frame struct {
	Header  Header
	Payload []byte
}

// Limits constrains header validation.
type Limits struct {
	MaxMessageSize uint32
}

// DefaultLimits returns the limits used when nothing is configured.
func DefaultLimits() Limits {
	return Limits{MaxMessageSize: DefaultMaxMessageSize}
}
