package server_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/momentics/hioload-mtx/api"
	"github.com/momentics/hioload-mtx/client"
	"github.com/momentics/hioload-mtx/command"
	"github.com/momentics/hioload-mtx/config"
	"github.com/momentics/hioload-mtx/internal/testutil/testlog"
	"github.com/momentics/hioload-mtx/server"
	"github.com/momentics/hioload-mtx/worker"
)

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.Name = "t"
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.AdminAddr = ""
	cfg.ControlDir = t.TempDir()
	cfg.Reactors = 2
	cfg.Workers = 2
	cfg.QueueCapacity = 64
	cfg.RecvBufferSize = 64 << 10
	cfg.MaxConnections = 16
	cfg.ReplyPoolBytes = 1 << 20
	cfg.PollTimeout = 50 * time.Millisecond
	return cfg
}

type sink struct {
	mu   sync.Mutex
	msgs map[string]int
}

func (s *sink) Serve(_ context.Context, m worker.Message) error {
	s.mu.Lock()
	s.msgs[string(m.Payload)]++
	s.mu.Unlock()
	return nil
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func run(t *testing.T, srv *server.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func endToEnd(t *testing.T, cfg config.Config) {
	srv, err := server.New(cfg, testlog.New(t))
	if err != nil {
		t.Fatal(err)
	}
	got := &sink{msgs: map[string]int{}}
	srv.Handle(42, got)
	run(t, srv)

	var clients []*client.Client
	for i := 0; i < 3; i++ {
		c, err := client.Dial(context.Background(), srv.Addr().String(), client.Options{
			KeepaliveInterval: 20 * time.Millisecond,
			Logger:            testlog.New(t),
		})
		if err != nil {
			t.Fatal(err)
		}
		clients = append(clients, c)
	}
	defer func() {
		for _, c := range clients {
			c.Close()
		}
	}()

	for i, c := range clients {
		for j := 0; j < 20; j++ {
			if err := c.Push(42, []byte(fmt.Sprintf("c%d-m%d", i, j))); err != nil {
				t.Fatal(err)
			}
		}
		c.Flush()
	}
	waitFor(t, func() bool { return got.count() == 60 })
	for _, c := range clients {
		c := c
		waitFor(t, func() bool { return c.KeepaliveReplies() > 0 })
	}

	got.mu.Lock()
	for k, n := range got.msgs {
		if n != 1 {
			t.Errorf("%s delivered %d times", k, n)
		}
	}
	got.mu.Unlock()
}

func TestEndToEndBus(t *testing.T) {
	endToEnd(t, testConfig(t))
}

func TestEndToEndUnix(t *testing.T) {
	cfg := testConfig(t)
	cfg.Transport = config.TransportUnix
	t.Cleanup(func() {
		if _, err := os.Stat(command.ReactorPath(cfg.ControlDir, cfg.Name, 0)); !os.IsNotExist(err) {
			t.Errorf("reactor endpoint left behind: %v", err)
		}
	})
	endToEnd(t, cfg)
}

func TestPartialReactorInit(t *testing.T) {
	cfg := testConfig(t)
	bus := command.NewBus(0)
	squatter, err := bus.Open(command.ReactorPath(cfg.ControlDir, cfg.Name, 1))
	if err != nil {
		t.Fatal(err)
	}
	defer squatter.Close()

	srv, err := server.New(cfg, testlog.New(t), server.WithNetwork(bus))
	if err != nil {
		t.Fatalf("one bad reactor aborted the server: %v", err)
	}
	if srv.Reactors() != 1 {
		t.Fatalf("%d reactors running", srv.Reactors())
	}
	errs := srv.InitErrors()
	if len(errs) != 1 || !api.IsInitError(errs[0]) {
		t.Fatalf("init errors %v", errs)
	}
	got := &sink{msgs: map[string]int{}}
	srv.Handle(7, got)
	run(t, srv)

	c, err := client.Dial(context.Background(), srv.Addr().String(), client.Options{Logger: testlog.New(t)})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if err := c.Push(7, []byte("still up")); err != nil {
		t.Fatal(err)
	}
	c.Flush()
	waitFor(t, func() bool { return got.count() == 1 })
}

func TestNoReactorIsFatal(t *testing.T) {
	cfg := testConfig(t)
	cfg.Reactors = 1
	bus := command.NewBus(0)
	squatter, err := bus.Open(command.ReactorPath(cfg.ControlDir, cfg.Name, 0))
	if err != nil {
		t.Fatal(err)
	}
	defer squatter.Close()
	if _, err := server.New(cfg, testlog.New(t), server.WithNetwork(bus)); !api.IsInitError(err) {
		t.Fatalf("err = %v", err)
	}
	ep, err := bus.Open(command.WorkerPath(cfg.ControlDir, cfg.Name, 0))
	if err != nil {
		t.Fatalf("worker endpoint leaked: %v", err)
	}
	ep.Close()
}

func TestAdminHandler(t *testing.T) {
	srv, err := server.New(testConfig(t), testlog.New(t))
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()
	srv.Probes().RegisterProbe("build", func() any { return "test" })
	ts := httptest.NewServer(srv.AdminHandler())
	defer ts.Close()

	for _, tc := range []struct{ path, want string }{
		{"/metrics", "mtx_reactor_connections"},
		{"/debug/state", `"reactor.0"`},
		{"/debug/state", `"reactor.0.conns"`},
		{"/debug/state", `"build":"test"`},
	} {
		path, want := tc.path, tc.want
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), want) {
			t.Fatalf("%s: status %d body %.200s", path, resp.StatusCode, body)
		}
	}
}

func TestMiddlewareWrapsHandlers(t *testing.T) {
	var mu sync.Mutex
	seen := 0
	count := func(next worker.Handler) worker.Handler {
		return worker.HandlerFunc(func(ctx context.Context, m worker.Message) error {
			mu.Lock()
			seen++
			mu.Unlock()
			return next.Serve(ctx, m)
		})
	}
	srv, err := server.New(testConfig(t), testlog.New(t), server.WithMiddleware(count))
	if err != nil {
		t.Fatal(err)
	}
	got := &sink{msgs: map[string]int{}}
	srv.Handle(3, got)
	run(t, srv)

	c, err := client.Dial(context.Background(), srv.Addr().String(), client.Options{Logger: testlog.New(t)})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	c.Push(3, []byte("a"))
	c.Push(3, []byte("b"))
	waitFor(t, func() bool { return got.count() == 2 })
	mu.Lock()
	defer mu.Unlock()
	if seen != 2 {
		t.Fatalf("middleware saw %d messages", seen)
	}
}

