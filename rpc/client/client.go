package client

import (
	"context"
	"fmt"
	"github.com/ValentinKolb/tinyrpc/rpc/buffer"
	"github.com/ValentinKolb/tinyrpc/rpc/common"
	"github.com/ValentinKolb/tinyrpc/rpc/frame"
	"github.com/ValentinKolb/tinyrpc/rpc/transport"
	"github.com/ValentinKolb/tinyrpc/rpc/transport/base"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"sync"
	"sync/atomic"
	"time"
)

var Logger = logger.GetLogger("rpc/client")

var (
	callDuration    = metrics.GetOrCreateHistogram("tinyrpc_client_call_duration_seconds")
	failedCalls     = metrics.GetOrCreateCounter("tinyrpc_client_failed_calls_total")
	orphanResponses = metrics.GetOrCreateCounter("tinyrpc_client_orphan_responses_total")
)

// result is delivered to a waiting call exactly once
type result struct {
	frame *frame.Frame
	err   error
}

// -----------------------------------------------------------
// Client
// -----------------------------------------------------------

// RPCClient calls functions of a single server over one connection.
// All methods are safe for concurrent use.
type RPCClient struct {
	connector transport.IClientConnector
	endpoint  string
	config    common.ClientConfig

	// nextID is shared by all sessions, ids are never reused by a client
	nextID atomic.Uint64

	mu      sync.RWMutex
	session *session
}

// NewRPCClient creates a client for endpoint. Call Connect before the first call.
func NewRPCClient(connector transport.IClientConnector, endpoint string, config common.ClientConfig) *RPCClient {
	return &RPCClient{
		connector: connector,
		endpoint:  endpoint,
		config:    config.WithDefaults(),
	}
}

// Endpoint returns the address the client connects to
func (c *RPCClient) Endpoint() string {
	return c.endpoint
}

// Connect dials the endpoint and starts the connection loops. An existing
// connection is closed first, its pending calls fail with ErrConnectionClosed.
func (c *RPCClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		c.session.close()
		c.session = nil
	}

	conn, err := c.connector.Connect(ctx, c.endpoint)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.endpoint, err)
	}

	if err := c.connector.UpgradeConnection(conn, c.config); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to upgrade connection to %s: %w", c.endpoint, err)
	}

	s := &session{pending: xsync.NewMapOf[uint64, chan result]()}
	s.conn = base.NewConn(conn, base.Options{
		BufferSize:    c.config.BufferSize,
		MaxNameLength: c.config.MaxNameLength,
		MaxBodySize:   c.config.MaxBodySize,
		OnFrame:       s.resolve,
		OnReadClosed:  s.teardown,
	})
	s.conn.Start()
	c.session = s

	Logger.Infof("connected to %s using %s transport (connection %s)", c.endpoint, c.connector.GetName(), s.conn.ID())
	return nil
}

// Connected reports whether the client has an open connection
func (c *RPCClient) Connected() bool {
	s := c.current()
	return s != nil && !s.conn.Closed()
}

// SendRequest stages a request and returns its id without waiting for the
// response. A response that arrives for the id is logged and dropped.
func (c *RPCClient) SendRequest(name string, payload []byte) (uint64, error) {
	if err := c.validate(name, payload); err != nil {
		return 0, err
	}

	s := c.current()
	if s == nil || s.conn.Closed() {
		return 0, common.ErrConnectionClosed
	}

	id := c.nextID.Add(1)
	if err := s.send(id, name, payload); err != nil {
		return 0, err
	}
	return id, nil
}

// Call invokes the function name with payload and waits for the response.
//
// It returns ErrFunctionNotFound if the server has no such function and
// ErrConnectionClosed if the connection is not established or goes away before
// the response arrived. Requests exceeding the configured parser limits fail with
// ErrFrameTooLarge without being sent. If ctx ends first, ctx.Err() is returned.
// Without a ctx deadline ClientConfig.TimeoutSecond applies.
func (c *RPCClient) Call(ctx context.Context, name string, payload []byte) (*frame.Frame, error) {
	if err := c.validate(name, payload); err != nil {
		return nil, err
	}

	s := c.current()
	if s == nil || s.conn.Closed() {
		return nil, common.ErrConnectionClosed
	}

	if _, ok := ctx.Deadline(); !ok && c.config.TimeoutSecond > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(c.config.TimeoutSecond)*time.Second)
		defer cancel()
	}

	start := time.Now()
	id := c.nextID.Add(1)

	// register before staging, the response may arrive before send returns
	ch := make(chan result, 1)
	s.pending.Store(id, ch)

	// the connection is marked closed before teardown collects the pending calls
	if s.conn.Closed() {
		s.pending.Delete(id)
		return nil, common.ErrConnectionClosed
	}

	if err := s.send(id, name, payload); err != nil {
		s.pending.Delete(id)
		return nil, err
	}

	select {
	case r := <-ch:
		if r.err != nil {
			failedCalls.Inc()
			return nil, r.err
		}
		callDuration.UpdateDuration(start)
		if r.frame.IsNotFound() {
			return nil, fmt.Errorf("%s: %w", name, common.ErrFunctionNotFound)
		}
		return r.frame, nil
	case <-ctx.Done():
		s.pending.Delete(id)
		failedCalls.Inc()
		return nil, ctx.Err()
	}
}

// Close closes the connection and waits until it was torn down
func (c *RPCClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		c.session.close()
		c.session = nil
	}
	return nil
}

// validate rejects requests the peer's parser would discard without answering
func (c *RPCClient) validate(name string, payload []byte) error {
	if err := frame.ValidateName(name, c.config.MaxNameLength); err != nil {
		return err
	}
	if uint64(len(payload)) > c.config.MaxBodySize {
		return fmt.Errorf("payload of %d bytes exceeds %d: %w", len(payload), c.config.MaxBodySize, common.ErrFrameTooLarge)
	}
	return nil
}

func (c *RPCClient) current() *session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// -----------------------------------------------------------
// Session (one established connection)
// -----------------------------------------------------------

// session is a connection together with the calls waiting for a response on it
type session struct {
	conn    *base.Conn
	pending *xsync.MapOf[uint64, chan result]
}

// send stages magic, id, name and size followed by the payload
func (s *session) send(id uint64, name string, payload []byte) error {
	var patchErr error
	err := s.conn.Stage(func(w *buffer.Writer) {
		hdrLen := frame.HeaderSize(name)
		hdr := w.Reserve(hdrLen)
		w.Write(payload)
		patchErr = w.Patch(hdr, frame.AppendHeader(make([]byte, 0, hdrLen), id, name, uint64(len(payload))))
	})
	if err != nil {
		return err
	}
	return patchErr
}

// resolve hands a response to its waiting call, runs on the read loop
func (s *session) resolve(f *frame.Frame) {
	if ch, ok := s.pending.LoadAndDelete(f.ID); ok {
		ch <- result{frame: f}
		return
	}
	orphanResponses.Inc()
	Logger.Warningf("connection %s: dropping response %v without waiting call", s.conn.ID(), f)
}

// teardown fails every pending call once the connection stopped reading
func (s *session) teardown(err error) {
	failed := 0
	s.pending.Range(func(id uint64, _ chan result) bool {
		if ch, ok := s.pending.LoadAndDelete(id); ok {
			ch <- result{err: common.ErrConnectionClosed}
			failed++
		}
		return true
	})

	if failed > 0 {
		Logger.Warningf("connection %s closed with %d pending calls: %v", s.conn.ID(), failed, err)
	}
}

func (s *session) close() {
	_ = s.conn.Close()
	<-s.conn.Done()
}
