// File: client/client.go
// Package client provides the sender side of the message transport.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Push copies a frame into a bounded send queue and returns at once. A
// single sender goroutine drains the queue to the socket; it is woken every
// NotifyEvery pushes and on a short linger timer, and emits keepalive
// requests on its own schedule. A reader goroutine counts keepalive replies.

package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-mtx/api"
	"github.com/momentics/hioload-mtx/pool"
	"github.com/momentics/hioload-mtx/protocol"
	"github.com/momentics/hioload-mtx/queue"
	"github.com/rs/zerolog"
)

// Options configures a Client.
type Options struct {
	QueueCapacity     int
	NotifyEvery       int
	FlushInterval     time.Duration
	KeepaliveInterval time.Duration // negative disables keepalive
	WriteTimeout      time.Duration
	BatchSize         int // frames per vectored write
	Limits            protocol.Limits

	// OnMessage receives frames other than keepalive replies. It runs on the
	// reader goroutine; the payload is owned by the callee.
	OnMessage func(protocol.Frame)

	Logger zerolog.Logger
}

func (o *Options) withDefaults() {
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = 1024
	}
	if o.NotifyEvery <= 0 {
		o.NotifyEvery = 2
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 10 * time.Millisecond
	}
	if o.KeepaliveInterval == 0 {
		o.KeepaliveInterval = 15 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 64
	}
	if o.Limits.MaxMessageSize == 0 {
		o.Limits = protocol.DefaultLimits()
	}
}

// Stats is a snapshot of client counters.
type Stats struct {
	Pushed           uint64 `json:"pushed"`
	Sent             uint64 `json:"sent"`
	Rejected         uint64 `json:"rejected"`
	KeepalivesSent   uint64 `json:"keepalives_sent"`
	KeepaliveReplies uint64 `json:"keepalive_replies"`
}

// Client is a single connection to a server. Push is safe for concurrent use.
type Client struct {
	conn  net.Conn
	opts  Options
	q     *queue.Queue
	batch *pool.Batch // sender goroutine only
	wake  chan struct{}
	done  chan struct{}
	every uint64
	log   zerolog.Logger

	wg        sync.WaitGroup
	flushed   chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
	errMu     sync.Mutex
	err       error

	pushed     atomic.Uint64
	sent       atomic.Uint64
	rejected   atomic.Uint64
	keepalives atomic.Uint64
	replies    atomic.Uint64
}

// Dial connects to addr and starts the sender and reader goroutines.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	opts.withDefaults()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	c := &Client{
		conn:    conn,
		opts:    opts,
		q:       queue.New(0, opts.QueueCapacity, protocol.HeaderSize+int(opts.Limits.MaxMessageSize)),
		batch:   pool.NewBatch(opts.BatchSize),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		every:   uint64(opts.NotifyEvery),
		log:     opts.Logger.With().Str("remote", conn.RemoteAddr().String()).Logger(),
	}
	c.wg.Add(1)
	go c.sender()
	go c.reader()
	return c, nil
}

// Push queues one application message. It never blocks: a full queue yields
// api.ErrWouldBlock.
func (c *Client) Push(typ uint32, data []byte) error {
	if c.closed.Load() {
		return api.ErrClosed
	}
	if typ > protocol.TypeMax {
		return protocol.ErrBadType
	}
	if uint32(len(data)) > c.opts.Limits.MaxMessageSize {
		return protocol.ErrTooLong
	}
	buf := c.q.TryAlloc(protocol.HeaderSize + len(data))
	if buf == nil {
		c.rejected.Add(1)
		return api.ErrWouldBlock
	}
	protocol.PutHeader(buf, protocol.Header{
		Type:     typ,
		Length:   uint32(len(data)),
		Flag:     protocol.FlagApplication,
		Checksum: protocol.Checksum,
	})
	copy(buf[protocol.HeaderSize:], data)
	if !c.q.Push(buf) {
		c.q.Free(buf)
		c.rejected.Add(1)
		return api.ErrWouldBlock
	}
	if c.pushed.Add(1)%c.every == 0 {
		c.signal()
	}
	return nil
}

// Flush wakes the sender without waiting for it.
func (c *Client) Flush() {
	c.signal()
}

func (c *Client) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Client) sender() {
	defer close(c.flushed)
	linger := time.NewTicker(c.opts.FlushInterval)
	defer linger.Stop()
	var keepalive <-chan time.Time
	if c.opts.KeepaliveInterval > 0 {
		t := time.NewTicker(c.opts.KeepaliveInterval)
		defer t.Stop()
		keepalive = t.C
	}
	for {
		select {
		case <-c.done:
			if err := c.drain(); err != nil {
				c.fail(err)
			}
			return
		case <-c.wake:
		case <-linger.C:
		case <-keepalive:
			if err := c.write(protocol.EncodeHeader(protocol.TypeKeepaliveReq, 0, protocol.FlagSystem)); err != nil {
				c.fail(err)
				return
			}
			c.keepalives.Add(1)
		}
		if err := c.drain(); err != nil {
			c.fail(err)
			return
		}
	}
}

// drain sends queued frames in batches until the queue is empty.
func (c *Client) drain() error {
	for {
		for !c.batch.Full() {
			buf := c.q.TryPop()
			if buf == nil {
				break
			}
			c.batch.Append(buf)
		}
		n := c.batch.Len()
		if n == 0 {
			return nil
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
		_, err := c.batch.WriteTo(c.conn)
		c.batch.Release(c.q.Free)
		if err != nil {
			return err
		}
		c.sent.Add(uint64(n))
	}
}

func (c *Client) write(b []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	_, err := c.conn.Write(b)
	return err
}

func (c *Client) reader() {
	defer c.wg.Done()
	for {
		f, err := protocol.ReadFrame(c.conn, c.opts.Limits)
		if err != nil {
			if !c.closed.Load() {
				c.fail(err)
			}
			return
		}
		if f.Header.IsSystem() && f.Header.Type == protocol.TypeKeepaliveReply {
			c.replies.Add(1)
			continue
		}
		if c.opts.OnMessage != nil {
			c.opts.OnMessage(f)
		}
	}
}

// fail records the first fatal error and shuts the connection.
func (c *Client) fail(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
		c.log.Warn().Err(err).Msg("connection failed")
	}
	c.errMu.Unlock()
	c.closed.Store(true)
	c.conn.Close()
}

// Err returns the error that broke the connection, if any.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close sends what is still queued, closes the socket and waits for the
// goroutines. It returns the connection error, if one occurred.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		<-c.flushed
		c.conn.Close()
		c.wg.Wait()
	})
	err := c.Err()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// KeepaliveReplies returns how many keepalive replies were received.
func (c *Client) KeepaliveReplies() uint64 {
	return c.replies.Load()
}

// Stats returns a snapshot of the counters.
func (c *Client) Stats() Stats {
	return Stats{
		Pushed:           c.pushed.Load(),
		Sent:             c.sent.Load(),
		Rejected:         c.rejected.Load(),
		KeepalivesSent:   c.keepalives.Load(),
		KeepaliveReplies: c.replies.Load(),
	}
}
