package base

import (
	"context"
	"errors"
	"github.com/ValentinKolb/tinyrpc/rpc/buffer"
	"github.com/ValentinKolb/tinyrpc/rpc/common"
	"github.com/ValentinKolb/tinyrpc/rpc/frame"
	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
	"io"
	"net"
	"sync"
	"sync/atomic"
)

var Logger = logger.GetLogger("transport/rpc")

var (
	bytesRead    = metrics.GetOrCreateCounter("tinyrpc_transport_read_bytes_total")
	bytesWritten = metrics.GetOrCreateCounter("tinyrpc_transport_written_bytes_total")
	framesRead   = metrics.GetOrCreateCounter("tinyrpc_transport_read_frames_total")
)

// -----------------------------------------------------------
// Connection Options
// -----------------------------------------------------------

// Options configure a Conn. OnFrame is required, all other fields are optional.
type Options struct {
	// BufferSize is the size of a single socket read and of the write scratch buffer
	BufferSize int

	// Parser limits
	MaxNameLength int
	MaxBodySize   uint64

	// OnFrame is called for every parsed frame, in wire order, on the read loop goroutine.
	// The frame is owned by the callee.
	OnFrame func(f *frame.Frame)

	// OnReadClosed is called on the read loop goroutine after the stream ended.
	// The write loop is still running, so bytes staged until OnReadClosed returns
	// are flushed before the socket is closed.
	OnReadClosed func(err error)

	// OnClosed is called once the connection was torn down completely
	OnClosed func(err error)
}

// -----------------------------------------------------------
// Connection
// -----------------------------------------------------------

// Conn runs the read and write loop of a single byte stream.
//
// The read loop feeds received chunks to a frame parser and hands every frame
// to OnFrame. The write loop is the only goroutine writing to the socket: it
// drains the outbound buffer whenever it is not empty and otherwise waits for
// a wake signal. A failed write is fatal for the connection.
type Conn struct {
	id     string
	conn   net.Conn
	opts   Options
	out    *buffer.Outbound
	parser *frame.Parser

	ctx    context.Context
	cancel context.CancelFunc

	wake      chan struct{}
	stopWrite chan struct{}
	writeDone chan struct{}
	done      chan struct{}

	closed    atomic.Bool // set once the connection stops reading
	sealed    atomic.Bool // set once the write loop has exited
	startOnce sync.Once
	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

// NewConn wraps conn. The loops are started by Start.
func NewConn(conn net.Conn, opts Options) *Conn {
	if opts.BufferSize <= 0 {
		opts.BufferSize = common.DefaultBufferSize
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Conn{
		id:        uuid.NewString(),
		conn:      conn,
		opts:      opts,
		out:       buffer.NewOutbound(opts.BufferSize),
		parser:    frame.NewParser(opts.MaxNameLength, opts.MaxBodySize),
		ctx:       ctx,
		cancel:    cancel,
		wake:      make(chan struct{}, 1),
		stopWrite: make(chan struct{}),
		writeDone: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the read and write loop. Calling it more than once has no effect.
func (c *Conn) Start() {
	c.startOnce.Do(func() {
		Logger.Debugf("connection %s to %s started", c.id, c.conn.RemoteAddr())
		go c.writeLoop()
		go c.readLoop()
	})
}

// ID returns the unique id of the connection (used in logs)
func (c *Conn) ID() string {
	return c.id
}

// RemoteAddr returns the address of the peer
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Context is cancelled when the connection fails or is closed
func (c *Conn) Context() context.Context {
	return c.ctx
}

// notify signals the write loop that the outbound buffer has new bytes. It never blocks.
func (c *Conn) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Stage runs fn with exclusive access to the outbound buffer and wakes the write loop.
// Staging is possible until the write loop exited, which includes OnReadClosed.
func (c *Conn) Stage(fn func(w *buffer.Writer)) error {
	if c.sealed.Load() {
		return common.ErrConnectionClosed
	}
	c.out.Stage(fn)
	c.notify()
	return nil
}

// Write stages p and wakes the write loop. It does not wait for the bytes to be sent.
func (c *Conn) Write(p []byte) (int, error) {
	if c.sealed.Load() {
		return 0, common.ErrConnectionClosed
	}
	n, _ := c.out.Write(p)
	c.notify()
	return n, nil
}

// Closed reports whether the connection was torn down or is being torn down
func (c *Conn) Closed() bool {
	return c.closed.Load()
}

// Done is closed after the connection was torn down completely
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection (nil while it is open)
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close cancels the connection context and closes the socket. The read loop
// notices the closed socket and tears the connection down.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()
		err = c.conn.Close()
	})
	return err
}

// --------------------------------------------------------------------------
// Loops
// --------------------------------------------------------------------------

func (c *Conn) readLoop() {
	buf := make([]byte, c.opts.BufferSize)

	var err error
	for {
		n, rerr := c.conn.Read(buf)
		if n > 0 {
			bytesRead.Add(n)
			for _, f := range c.parser.Process(buf[:n]) {
				framesRead.Inc()
				c.opts.OnFrame(f)
			}
		}
		if rerr != nil {
			err = rerr
			break
		}
	}

	c.teardown(err)
}

func (c *Conn) writeLoop() {
	defer func() {
		c.sealed.Store(true)
		close(c.writeDone)
	}()

	scratch := make([]byte, c.opts.BufferSize)
	for {
		if n := c.out.Drain(scratch); n > 0 {
			if err := c.send(scratch[:n]); err != nil {
				c.fail(err)
				return
			}
			continue
		}

		select {
		case <-c.wake:
		case <-c.stopWrite:
			c.flush(scratch)
			return
		case <-c.ctx.Done():
			return
		}
	}
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (c *Conn) send(p []byte) error {
	n, err := c.conn.Write(p)
	bytesWritten.Add(n)
	return err
}

// flush writes everything still drainable, used when the write loop is stopped gracefully
func (c *Conn) flush(scratch []byte) {
	for {
		n := c.out.Drain(scratch)
		if n == 0 {
			return
		}
		if err := c.send(scratch[:n]); err != nil {
			Logger.Debugf("connection %s: dropping %d unsent bytes: %v", c.id, c.out.Len()+n, err)
			return
		}
	}
}

// fail ends the connection after a write error. Closing the socket stops the read
// loop, which performs the teardown.
func (c *Conn) fail(err error) {
	c.setErr(err)
	if !c.closed.Load() {
		Logger.Errorf("connection %s: write failed: %v", c.id, err)
	}
	_ = c.Close()
}

func (c *Conn) teardown(err error) {
	c.closed.Store(true)
	c.setErr(err)

	switch {
	case errors.Is(err, io.EOF):
		Logger.Debugf("connection %s closed by peer", c.id)
	case errors.Is(err, net.ErrClosed):
		Logger.Debugf("connection %s closed locally", c.id)
	default:
		Logger.Warningf("connection %s: read failed: %v", c.id, err)
	}

	if c.opts.OnReadClosed != nil {
		c.opts.OnReadClosed(err)
	}

	close(c.stopWrite)
	<-c.writeDone

	_ = c.Close()
	c.out.Reset()

	close(c.done)
	Logger.Debugf("connection %s to %s torn down", c.id, c.conn.RemoteAddr())

	if c.opts.OnClosed != nil {
		c.opts.OnClosed(c.Err())
	}
}

// setErr keeps the first error that ended the connection
func (c *Conn) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}
