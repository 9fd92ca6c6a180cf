// File: cmd/mtxd/main.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// mtxd runs the message transport daemon: it accepts framed TCP traffic,
// reassembles it on the reactors and hands application messages to workers.
// Shutdown is triggered by SIGINT or SIGTERM.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/momentics/hioload-mtx/config"
	"github.com/momentics/hioload-mtx/internal/logging"
	"github.com/momentics/hioload-mtx/server"
	"github.com/momentics/hioload-mtx/worker"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mtxd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	path := flag.String("config", "", "path to a TOML config file")
	listen := flag.String("listen", "", "override the TCP listen address")
	admin := flag.String("admin", "", "override the admin HTTP address (\"-\" disables it)")
	level := flag.String("log-level", "", "override the log level")
	flag.Parse()

	cfg := config.Default()
	if *path != "" {
		loaded, err := config.Load(*path)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	switch *admin {
	case "":
	case "-":
		cfg.AdminAddr = ""
	default:
		cfg.AdminAddr = *admin
	}
	if *level != "" {
		cfg.Log.Level = *level
	}

	log := logging.New(cfg.Log).With().Str("service", cfg.Name).Logger()

	srv, err := server.New(cfg, log, server.WithMiddleware(accessLog(log)))
	if err != nil {
		return err
	}
	for _, e := range srv.InitErrors() {
		log.Warn().Err(e).Msg("reactor skipped")
	}
	srv.Probes().RegisterProbe("config", func() any { return cfg })
	srv.Probes().RegisterProbe("init_errors", func() any {
		errs := srv.InitErrors()
		out := make([]string, len(errs))
		for i, e := range errs {
			out[i] = e.Error()
		}
		return out
	})
	srv.Fallback(worker.HandlerFunc(func(_ context.Context, msg worker.Message) error {
		log.Debug().Uint32("type", msg.Type).Int("bytes", len(msg.Payload)).Msg("no handler")
		return nil
	}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return srv.Run(ctx)
}

// accessLog traces every message handed to a handler.
func accessLog(log zerolog.Logger) worker.Middleware {
	return func(next worker.Handler) worker.Handler {
		return worker.HandlerFunc(func(ctx context.Context, msg worker.Message) error {
			start := time.Now()
			err := next.Serve(ctx, msg)
			ev := log.Trace()
			if err != nil {
				ev = log.Warn().Err(err)
			}
			ev.Uint32("type", msg.Type).
				Int("queue", msg.Queue).
				Int("worker", msg.Worker).
				Int("bytes", len(msg.Payload)).
				Dur("took", time.Since(start)).
				Msg("message")
			return err
		})
	}
}
