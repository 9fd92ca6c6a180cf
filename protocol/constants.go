// Package protocol
// Author: momentics <momentics@gmail.com>
//
// Wire protocol constants for the message transport channel.

package protocol

const (
	// HeaderSize is the fixed length of the frame header on the wire.
	HeaderSize = 16

	// Checksum is the liveness sentinel every header carries.
	Checksum uint32 = 0x1ED23CB4

	// Message classes carried in Header.Flag.
	FlagApplication uint32 = 0
	FlagSystem      uint32 = 1

	// System message types.
	TypeKeepaliveReq   uint32 = 1
	TypeKeepaliveReply uint32 = 2

	// TypeMax is the largest accepted message type.
	TypeMax uint32 = 0xFFFF

	// DefaultMaxMessageSize bounds the payload of one frame.
	DefaultMaxMessageSize = 4 << 10
)
