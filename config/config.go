// File: config/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Server configuration: defaults, TOML file overlay and validation.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/momentics/hioload-mtx/internal/logging"
	"github.com/momentics/hioload-mtx/protocol"
)

// Control channel transports.
const (
	TransportBus  = "bus"
	TransportUnix = "unix"
)

// Config holds every tunable of the server.
type Config struct {
	Name       string
	ListenAddr string
	AdminAddr  string // metrics and debug HTTP; empty disables
	ControlDir string
	Transport  string

	Reactors        int
	Workers         int
	QueuesPerWorker int
	QueueCapacity   int

	MaxMessageSize int
	RecvBufferSize int
	MaxConnections int // per reactor
	ReplyPoolBytes int64

	PollTimeout       time.Duration
	KeepaliveInterval time.Duration
	StaleFactor       int
	DispatchAttempts  int
	NotifyEvery       int
	PinCPUs           bool

	Log logging.Config
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Name:              "mtx",
		ListenAddr:        ":7070",
		AdminAddr:         "127.0.0.1:7071",
		ControlDir:        filepath.Join(os.TempDir(), "mtx"),
		Transport:         TransportBus,
		Reactors:          2,
		Workers:           2,
		QueuesPerWorker:   2,
		QueueCapacity:     4096,
		MaxMessageSize:    protocol.DefaultMaxMessageSize,
		RecvBufferSize:    1 << 20,
		MaxConnections:    1024,
		ReplyPoolBytes:    16 << 20,
		PollTimeout:       30 * time.Second,
		KeepaliveInterval: 15 * time.Second,
		StaleFactor:       2,
		DispatchAttempts:  3,
		NotifyEvery:       2,
		Log:               logging.Config{Level: "info", Format: "console"},
	}
}

// Queues returns the total number of dispatch queues.
func (c Config) Queues() int {
	return c.Workers * c.QueuesPerWorker
}

// StaleAfter is the idle time after which a connection is evicted.
func (c Config) StaleAfter() time.Duration {
	return c.KeepaliveInterval * time.Duration(c.StaleFactor)
}

// Limits returns the frame validation limits.
func (c Config) Limits() protocol.Limits {
	return protocol.Limits{MaxMessageSize: uint32(c.MaxMessageSize)}
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	if strings.TrimSpace(c.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	switch c.Transport {
	case TransportBus:
	case TransportUnix:
		if strings.TrimSpace(c.ControlDir) == "" {
			errs = append(errs, errors.New("control_dir is required for the unix transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("transport must be %q or %q, got %q", TransportBus, TransportUnix, c.Transport))
	}
	positive("reactors", c.Reactors)
	positive("workers", c.Workers)
	positive("queues_per_worker", c.QueuesPerWorker)
	positive("queue_capacity", c.QueueCapacity)
	positive("max_message_size", c.MaxMessageSize)
	positive("max_connections", c.MaxConnections)
	positive("dispatch_attempts", c.DispatchAttempts)
	positive("notify_every", c.NotifyEvery)
	if c.MaxMessageSize > int(^uint32(0)>>1) {
		errs = append(errs, fmt.Errorf("max_message_size %d out of range", c.MaxMessageSize))
	}
	if c.RecvBufferSize < protocol.HeaderSize+c.MaxMessageSize {
		errs = append(errs, fmt.Errorf("recv_buffer_size %d cannot hold one frame of %d bytes",
			c.RecvBufferSize, protocol.HeaderSize+c.MaxMessageSize))
	}
	if c.ReplyPoolBytes < 0 {
		errs = append(errs, fmt.Errorf("reply_pool_bytes must not be negative, got %d", c.ReplyPoolBytes))
	}
	if c.PollTimeout < time.Millisecond {
		errs = append(errs, fmt.Errorf("poll_timeout must be at least 1ms, got %s", c.PollTimeout))
	}
	if c.KeepaliveInterval <= 0 {
		errs = append(errs, fmt.Errorf("keepalive_interval must be positive, got %s", c.KeepaliveInterval))
	}
	if c.StaleFactor < 2 {
		errs = append(errs, fmt.Errorf("stale_factor must be at least 2, got %d", c.StaleFactor))
	}
	if _, ok := logging.ParseLevel(c.Log.Level); !ok {
		errs = append(errs, fmt.Errorf("log.level %q is not a level", c.Log.Level))
	}
	return errors.Join(errs...)
}
