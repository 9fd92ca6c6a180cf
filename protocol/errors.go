// File: protocol/errors.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrShortHeader   = errors.New("protocol: short header")
	ErrBadChecksum   = errors.New("protocol: bad checksum")
	ErrBadType       = errors.New("protocol: type out of range")
	ErrBadFlag       = errors.New("protocol: unknown flag")
	ErrTooLong       = errors.New("protocol: message exceeds max size")
	ErrFrameTooLarge = errors.New("protocol: frame larger than receive buffer")
)

// IsProtocolError reports whether err is a wire validation failure.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrBadChecksum) ||
		errors.Is(err, ErrBadType) ||
		errors.Is(err, ErrBadFlag) ||
		errors.Is(err, ErrTooLong) ||
		errors.Is(err, ErrFrameTooLarge) ||
		errors.Is(err, ErrShortHeader)
}

func invalid(err error, h Header) error {
	return fmt.Errorf("%w (type=%d len=%d flag=%d checksum=%#x)", err, h.Type, h.Length, h.Flag, h.Checksum)
}
