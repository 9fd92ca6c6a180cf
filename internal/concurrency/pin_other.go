//go:build !linux
// +build !linux

// File: internal/concurrency/pin_other.go
// Author: momentics <momentics@gmail.com>

package concurrency

import "github.com/momentics/hioload-mtx/api"

// PinCurrentThread is a no-op where affinity is unsupported.
func PinCurrentThread(cpu int) error { return nil }

// UnpinCurrentThread is a no-op where affinity is unsupported.
func UnpinCurrentThread() error { return nil }

// CurrentCPUs is not available on this platform.
func CurrentCPUs() ([]int, error) { return nil, api.ErrNotSupported }
