// File: protocol/frame_codec.go
// Package protocol implements the fixed-header frame codec.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// This file is the only place where header integers are converted between
// host and network byte order.

package protocol

import (
	"encoding/binary"
	"io"
)

// EncodeHeader builds a sentinel-stamped header in wire order.
func EncodeHeader(typ, length, flag uint32) []byte {
	buf := make([]byte, HeaderSize)
	PutHeader(buf, Header{Type: typ, Length: length, Flag: flag, Checksum: Checksum})
	return buf
}

// PutHeader writes h into dst[:HeaderSize] in network byte order.
func PutHeader(dst []byte, h Header) {
	_ = dst[HeaderSize-1]
	binary.BigEndian.PutUint32(dst[0:4], h.Type)
	binary.BigEndian.PutUint32(dst[4:8], h.Length)
	binary.BigEndian.PutUint32(dst[8:12], h.Flag)
	binary.BigEndian.PutUint32(dst[12:16], h.Checksum)
}

// ParseHeader converts the first HeaderSize bytes of b to host order without validating.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortHeader
	}
	return Header{
		Type:     binary.BigEndian.Uint32(b[0:4]),
		Length:   binary.BigEndian.Uint32(b[4:8]),
		Flag:     binary.BigEndian.Uint32(b[8:12]),
		Checksum: binary.BigEndian.Uint32(b[12:16]),
	}, nil
}

// DecodeHeader parses and validates a header.
func DecodeHeader(b []byte, limits Limits) (Header, error) {
	h, err := ParseHeader(b)
	if err != nil {
		return Header{}, err
	}
	if err := Validate(h, limits); err != nil {
		return h, err
	}
	return h, nil
}

// Validate checks the sentinel, type range, flag and payload bound.
func Validate(h Header, limits Limits) error {
	switch {
	case h.Checksum != Checksum:
		return invalid(ErrBadChecksum, h)
	case h.Type > TypeMax:
		return invalid(ErrBadType, h)
	case h.Flag != FlagApplication && h.Flag != FlagSystem:
		return invalid(ErrBadFlag, h)
	case h.Length > limits.MaxMessageSize:
		return invalid(ErrTooLong, h)
	}
	return nil
}

// AppendFrame appends a complete encoded frame to dst.
func AppendFrame(dst []byte, typ, flag uint32, payload []byte) []byte {
	var hdr [HeaderSize]byte
	PutHeader(hdr[:], Header{Type: typ, Length: uint32(len(payload)), Flag: flag, Checksum: Checksum})
	dst = append(dst, hdr[:]...)
	return append(dst, payload...)
}

// ReadFrame reads one frame from a blocking stream. Used by clients; the
// reactor reassembles from its own arena instead.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	h, err := DecodeHeader(hdr[:], limits)
	if err != nil {
		return Frame{}, err
	}
	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, err
	}
	return Frame{Header: h, Payload: payload}, nil
}
