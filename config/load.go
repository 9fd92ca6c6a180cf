// File: config/load.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// fileConfig maps config.toml keys. Durations are Go duration strings.
type fileConfig struct {
	Name       string `toml:"name"`
	ListenAddr string `toml:"listen_addr"`
	AdminAddr  string `toml:"admin_addr"`
	ControlDir string `toml:"control_dir"`
	Transport  string `toml:"transport"`

	Reactors        int `toml:"reactors"`
	Workers         int `toml:"workers"`
	QueuesPerWorker int `toml:"queues_per_worker"`
	QueueCapacity   int `toml:"queue_capacity"`

	MaxMessageSize int   `toml:"max_message_size"`
	RecvBufferSize int   `toml:"recv_buffer_size"`
	MaxConnections int   `toml:"max_connections"`
	ReplyPoolBytes int64 `toml:"reply_pool_bytes"`

	PollTimeout       string `toml:"poll_timeout"`
	KeepaliveInterval string `toml:"keepalive_interval"`
	StaleFactor       int    `toml:"stale_factor"`
	DispatchAttempts  int    `toml:"dispatch_attempts"`
	NotifyEvery       int    `toml:"notify_every"`
	PinCPUs           bool   `toml:"pin_cpus"`

	Log struct {
		Level   string `toml:"level"`
		Format  string `toml:"format"`
		NoColor bool   `toml:"no_color"`
	} `toml:"log"`
}

// Load overlays the file at path on Default and validates the result.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return overlay(raw, meta)
}

// Parse is Load for in-memory TOML.
func Parse(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return overlay(raw, meta)
}

func overlay(raw fileConfig, meta toml.MetaData) (Config, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	cfg := Default()
	str := func(key string, dst *string, v string) {
		if meta.IsDefined(key) {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int, v int) {
		if meta.IsDefined(key) {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration, v string) error {
		if !meta.IsDefined(key) {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config %s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str("name", &cfg.Name, raw.Name)
	str("listen_addr", &cfg.ListenAddr, raw.ListenAddr)
	str("admin_addr", &cfg.AdminAddr, raw.AdminAddr)
	str("control_dir", &cfg.ControlDir, raw.ControlDir)
	str("transport", &cfg.Transport, raw.Transport)
	num("reactors", &cfg.Reactors, raw.Reactors)
	num("workers", &cfg.Workers, raw.Workers)
	num("queues_per_worker", &cfg.QueuesPerWorker, raw.QueuesPerWorker)
	num("queue_capacity", &cfg.QueueCapacity, raw.QueueCapacity)
	num("max_message_size", &cfg.MaxMessageSize, raw.MaxMessageSize)
	num("recv_buffer_size", &cfg.RecvBufferSize, raw.RecvBufferSize)
	num("max_connections", &cfg.MaxConnections, raw.MaxConnections)
	if meta.IsDefined("reply_pool_bytes") {
		cfg.ReplyPoolBytes = raw.ReplyPoolBytes
	}
	if err := dur("poll_timeout", &cfg.PollTimeout, raw.PollTimeout); err != nil {
		return Config{}, err
	}
	if err := dur("keepalive_interval", &cfg.KeepaliveInterval, raw.KeepaliveInterval); err != nil {
		return Config{}, err
	}
	num("stale_factor", &cfg.StaleFactor, raw.StaleFactor)
	num("dispatch_attempts", &cfg.DispatchAttempts, raw.DispatchAttempts)
	num("notify_every", &cfg.NotifyEvery, raw.NotifyEvery)
	if meta.IsDefined("pin_cpus") {
		cfg.PinCPUs = raw.PinCPUs
	}
	if meta.IsDefined("log", "level") {
		cfg.Log.Level = strings.TrimSpace(raw.Log.Level)
	}
	if meta.IsDefined("log", "format") {
		cfg.Log.Format = strings.TrimSpace(raw.Log.Format)
	}
	if meta.IsDefined("log", "no_color") {
		cfg.Log.NoColor = raw.Log.NoColor
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
