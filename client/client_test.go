package client_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/momentics/hioload-mtx/api"
	"github.com/momentics/hioload-mtx/client"
	"github.com/momentics/hioload-mtx/internal/testutil/testlog"
	"github.com/momentics/hioload-mtx/protocol"
)

// peer is a minimal server that records frames and answers keepalives.
type peer struct {
	ln     net.Listener
	mu     sync.Mutex
	frames []protocol.Frame
	done   chan struct{}
}

func listen(t *testing.T) *peer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	p := &peer{ln: ln, done: make(chan struct{})}
	go p.serve()
	t.Cleanup(func() {
		ln.Close()
		<-p.done
	})
	return p
}

func (p *peer) serve() {
	defer close(p.done)
	conn, err := p.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	for {
		f, err := protocol.ReadFrame(conn, protocol.DefaultLimits())
		if err != nil {
			return
		}
		if f.Header.IsSystem() && f.Header.Type == protocol.TypeKeepaliveReq {
			if _, err := conn.Write(protocol.EncodeHeader(protocol.TypeKeepaliveReply, 0, protocol.FlagSystem)); err != nil {
				return
			}
			continue
		}
		p.mu.Lock()
		p.frames = append(p.frames, f)
		p.mu.Unlock()
	}
}

func (p *peer) received() []protocol.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.Frame(nil), p.frames...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPushDeliversInOrder(t *testing.T) {
	p := listen(t)
	c, err := client.Dial(context.Background(), p.ln.Addr().String(), client.Options{
		NotifyEvery:       3,
		KeepaliveInterval: -1,
		Logger:            testlog.New(t),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	for i := 0; i < 7; i++ {
		if err := c.Push(uint32(i+1), []byte{byte(i)}); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	waitFor(t, func() bool { return len(p.received()) == 7 })
	for i, f := range p.received() {
		if f.Header.Type != uint32(i+1) || f.Header.Flag != protocol.FlagApplication || f.Payload[0] != byte(i) {
			t.Fatalf("frame %d: %+v %v", i, f.Header, f.Payload)
		}
	}
	if s := c.Stats(); s.Pushed != 7 || s.Sent != 7 {
		t.Fatalf("stats %+v", s)
	}
}

func TestKeepaliveReplies(t *testing.T) {
	p := listen(t)
	c, err := client.Dial(context.Background(), p.ln.Addr().String(), client.Options{
		KeepaliveInterval: 10 * time.Millisecond,
		Logger:            testlog.New(t),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	waitFor(t, func() bool { return c.KeepaliveReplies() >= 2 })
	if len(p.received()) != 0 {
		t.Fatal("keepalive recorded as application data")
	}
}

func TestPushValidation(t *testing.T) {
	p := listen(t)
	c, err := client.Dial(context.Background(), p.ln.Addr().String(), client.Options{
		Limits:            protocol.Limits{MaxMessageSize: 8},
		KeepaliveInterval: -1,
		Logger:            testlog.New(t),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Push(1, make([]byte, 9)); !errors.Is(err, protocol.ErrTooLong) {
		t.Fatalf("oversize push: %v", err)
	}
	if err := c.Push(protocol.TypeMax+1, nil); !errors.Is(err, protocol.ErrBadType) {
		t.Fatalf("bad type push: %v", err)
	}
	if err := c.Push(1, []byte("last")); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Push(1, nil); !errors.Is(err, api.ErrClosed) {
		t.Fatalf("push after close: %v", err)
	}
	waitFor(t, func() bool { return len(p.received()) == 1 })
}

func TestDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := client.Dial(ctx, addr, client.Options{}); err == nil {
		t.Fatal("dial to closed port succeeded")
	}
}
