package reactor

import (
	"bytes"
	"testing"

	"github.com/momentics/hioload-mtx/api"
	"github.com/momentics/hioload-mtx/protocol"
	"golang.org/x/sys/unix"
)

type freeCounter map[*byte]int

func (fc freeCounter) free(b []byte) { fc[&b[:1][0]]++ }

func newEntry(typ uint32, payload string) (protocol.Header, []byte) {
	h := protocol.Header{Type: typ, Length: uint32(len(payload)), Checksum: protocol.Checksum}
	buf := make([]byte, h.Total())
	copy(buf[protocol.HeaderSize:], payload)
	return h, buf
}

func TestOutboundOrderAcrossShortWrites(t *testing.T) {
	frees := freeCounter{}
	o := newOutbound(frees.free)
	var want []byte
	for i, p := range []string{"alpha", "", "gamma-gamma", "d"} {
		h, buf := newEntry(uint32(i+1), p)
		o.Enqueue(h, buf)
		want = protocol.AppendFrame(want, uint32(i+1), protocol.FlagApplication, []byte(p))
	}

	var wire []byte
	calls := 0
	write := func(b []byte) (int, error) {
		calls++
		if calls%3 == 0 {
			return 0, api.ErrWouldBlock
		}
		n := min(len(b), 7)
		wire = append(wire, b[:n]...)
		return n, nil
	}
	for rounds := 0; o.Pending(); rounds++ {
		if rounds > 100 {
			t.Fatal("drain does not progress")
		}
		if _, err := o.Drain(write); err != nil {
			t.Fatal(err)
		}
	}
	if !bytes.Equal(wire, want) {
		t.Fatalf("wire %x\nwant %x", wire, want)
	}
	if len(frees) != 4 {
		t.Fatalf("%d buffers freed", len(frees))
	}
	for _, n := range frees {
		if n != 1 {
			t.Fatal("buffer freed more than once")
		}
	}
}

func TestOutboundErrorThenClear(t *testing.T) {
	frees := freeCounter{}
	o := newOutbound(frees.free)
	for i := 0; i < 3; i++ {
		o.Enqueue(newEntry(1, "xyz"))
	}
	first := true
	write := func(b []byte) (int, error) {
		if first {
			first = false
			return 5, nil
		}
		return 0, unix.EPIPE
	}
	if _, err := o.Drain(write); err != nil {
		t.Fatalf("short write: %v", err)
	}
	if o.Len() != 3 {
		t.Fatalf("len %d after short write", o.Len())
	}
	if _, err := o.Drain(write); err == nil {
		t.Fatal("write error swallowed")
	}
	if o.Len() != 3 {
		t.Fatalf("len %d", o.Len())
	}
	if n := o.Clear(); n != 3 {
		t.Fatalf("cleared %d", n)
	}
	if o.Pending() || len(frees) != 3 {
		t.Fatalf("pending=%v frees=%d", o.Pending(), len(frees))
	}
}

func TestRegistryRemoveDuringWalk(t *testing.T) {
	g := newRegistry(4)
	conns := make([]*Conn, 5)
	for i := range conns {
		conns[i] = &Conn{fd: 10 + i}
		g.Insert(conns[i])
	}
	it := g.Cursor()
	seen := 0
	for c := it.Next(); c != nil; c = it.Next() {
		seen++
		if c.fd%2 == 0 {
			g.Remove(c)
		}
	}
	if seen != 5 || g.Len() != 2 {
		t.Fatalf("seen %d, len %d", seen, g.Len())
	}
	if g.ByFd(10) != nil || g.ByFd(11) != conns[1] {
		t.Fatal("lookup after removal")
	}

	c := &Conn{fd: 20}
	g.Insert(c)
	if c.slot != 4 {
		t.Fatalf("free slot not reused: %d", c.slot)
	}
	g.Remove(c)
	g.Remove(c)
	if g.Len() != 2 {
		t.Fatal("double remove changed the registry")
	}
}
