package server

import (
	"bytes"
	"errors"
	"fmt"
	"github.com/ValentinKolb/tinyrpc/rpc/common"
	"github.com/ValentinKolb/tinyrpc/rpc/transport"
	"github.com/ValentinKolb/tinyrpc/rpc/transport/base"
	"github.com/ValentinKolb/tinyrpc/rpc/worker"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"net"
	"net/http"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
)

var Logger = logger.GetLogger("rpc/server")

// ErrServerClosed is returned by Listen after Close was called
var ErrServerClosed = errors.New("rpc server closed")

// RPCServer accepts connections and dispatches incoming frames to the
// registered functions. It is an explicit value, several servers can run in
// the same process.
type RPCServer struct {
	config    common.ServerConfig
	connector transport.IServerConnector
	handlers  *xsync.MapOf[string, Handler]
	pool      *worker.Pool

	// scratch buffers for async and blocking responses
	scratch sync.Pool

	mu          sync.Mutex
	listener    net.Listener
	monitor     *http.Server
	monitorAddr net.Addr
	conns       map[string]*base.Conn
	connWg      sync.WaitGroup
	closed      atomic.Bool
}

// NewRPCServer creates a new RPC server. Unset config values are replaced with
// defaults, nothing is bound until Listen or Serve is called.
//
// Usage:
//
//	s := server.NewRPCServer(config, tcp.NewServerConnector())
//	_ = s.Register("add", serializer.Func(serializer.NewBinarySerializer(), add))
//
//	if err := s.Serve(); err != nil {
//		panic(err)
//	}
func NewRPCServer(config common.ServerConfig, connector transport.IServerConnector) *RPCServer {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	config = config.WithDefaults()

	return &RPCServer{
		config:    config,
		connector: connector,
		handlers:  xsync.NewMapOf[string, Handler](),
		pool:      worker.NewPool(config.Workers),
		scratch: sync.Pool{New: func() any {
			return new(bytes.Buffer)
		}},
		conns: make(map[string]*base.Conn),
	}
}

// Config returns the effective configuration (defaults applied)
func (s *RPCServer) Config() common.ServerConfig {
	return s.config
}

// Listen binds the configured endpoint and, if configured, the metrics endpoint.
// Calling Listen again has no effect.
func (s *RPCServer) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return ErrServerClosed
	}
	if s.listener != nil {
		return nil
	}

	l, err := s.connector.Listen(s.config)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Transport.Endpoint, err)
	}

	if s.config.MetricsEndpoint != "" {
		monitor, addr, err := s.startMonitor(s.config.MetricsEndpoint)
		if err != nil {
			_ = l.Close()
			return err
		}
		s.monitor, s.monitorAddr = monitor, addr
	}

	s.listener = l
	Logger.Infof("listening on %s (%s)", l.Addr(), s.connector.GetName())
	return nil
}

// Addr returns the bound address, nil before Listen
func (s *RPCServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until Close is called. It calls Listen first if
// that has not happened yet. After Close, Serve returns nil.
func (s *RPCServer) Serve() error {
	if err := s.Listen(); err != nil {
		return err
	}

	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()

	Logger.Infof("rpc server started %s", s.config.String())

	for {
		conn, err := l.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		if err := s.connector.UpgradeConnection(conn, s.config); err != nil {
			Logger.Warningf("failed to upgrade connection from %s: %v", conn.RemoteAddr(), err)
			_ = conn.Close()
			continue
		}

		s.serveConn(conn)
	}
}

// Close stops accepting connections, closes every open connection and waits
// until all handlers returned.
func (s *RPCServer) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.mu.Lock()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	if s.monitor != nil {
		_ = s.monitor.Close()
	}
	conns := make([]*base.Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	Logger.Infof("closing %d connections (%d blocking calls queued)", len(conns), s.pool.Pending())
	for _, c := range conns {
		_ = c.Close()
	}
	s.connWg.Wait()
	s.pool.Close()

	Logger.Infof("rpc server closed")
	return err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// serveConn starts the loops for an accepted connection and tracks it until teardown
func (s *RPCServer) serveConn(conn net.Conn) {
	sc := newServerConn(s)
	c := base.NewConn(conn, base.Options{
		BufferSize:    s.config.BufferSize,
		MaxNameLength: s.config.MaxNameLength,
		MaxBodySize:   s.config.MaxBodySize,
		OnFrame:       sc.dispatch,
		OnReadClosed:  sc.drain,
		OnClosed: func(err error) {
			s.mu.Lock()
			delete(s.conns, sc.conn.ID())
			s.mu.Unlock()
			openConnections.Add(-1)
			s.connWg.Done()
		},
	})
	sc.conn = c

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conns[c.ID()] = c
	s.connWg.Add(1)
	s.mu.Unlock()

	openConnections.Add(1)
	Logger.Debugf("accepted connection %s from %s", c.ID(), c.RemoteAddr())
	c.Start()
}
