package server

import (
	"context"
	"fmt"
	"github.com/ValentinKolb/tinyrpc/rpc/frame"
	"io"
	"sort"
)

// Kind decides where a handler runs
type Kind int

const (
	// KindSync handlers run on the read loop and write straight into the outbound buffer.
	// The buffer stays locked until the handler returns, so no queued response is flushed
	// in the meantime. Slow functions should be KindAsync or KindBlocking.
	KindSync Kind = iota
	// KindAsync handlers run in their own goroutine
	KindAsync
	// KindBlocking handlers run on the bounded worker pool
	KindBlocking
)

func (k Kind) String() string {
	switch k {
	case KindSync:
		return "sync"
	case KindAsync:
		return "async"
	case KindBlocking:
		return "blocking"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// HandlerFunc handles a single request. Everything written to w becomes the
// response body. ctx is cancelled when the connection goes away.
type HandlerFunc func(ctx context.Context, payload []byte, w io.Writer)

// Handler is a registered function together with its execution kind
type Handler struct {
	Kind Kind
	Fn   HandlerFunc
}

// FunctionInfo describes a registered function
type FunctionInfo struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// Register adds a sync handler. Registering a name again replaces the previous handler.
// fn holds up the read loop and the outbound buffer of its connection, see KindSync.
func (s *RPCServer) Register(name string, fn HandlerFunc) error {
	return s.RegisterHandler(name, Handler{Kind: KindSync, Fn: fn})
}

// RegisterAsync adds a handler that runs in its own goroutine
func (s *RPCServer) RegisterAsync(name string, fn HandlerFunc) error {
	return s.RegisterHandler(name, Handler{Kind: KindAsync, Fn: fn})
}

// RegisterBlocking adds a handler that runs on the worker pool
func (s *RPCServer) RegisterBlocking(name string, fn HandlerFunc) error {
	return s.RegisterHandler(name, Handler{Kind: KindBlocking, Fn: fn})
}

// RegisterHandler adds h under name, the last registration wins
func (s *RPCServer) RegisterHandler(name string, h Handler) error {
	if err := frame.ValidateName(name, s.config.MaxNameLength); err != nil {
		return fmt.Errorf("invalid function name %q: %w", name, err)
	}
	if h.Fn == nil {
		return fmt.Errorf("function %q has no handler", name)
	}
	if h.Kind < KindSync || h.Kind > KindBlocking {
		return fmt.Errorf("function %q has unknown kind %s", name, h.Kind)
	}

	if _, loaded := s.handlers.LoadAndStore(name, h); loaded {
		Logger.Infof("updated function %q (%s)", name, h.Kind)
	} else {
		Logger.Infof("registered function %q (%s)", name, h.Kind)
	}
	return nil
}

// Functions returns all registered functions sorted by name
func (s *RPCServer) Functions() []FunctionInfo {
	infos := make([]FunctionInfo, 0, s.handlers.Size())
	s.handlers.Range(func(name string, h Handler) bool {
		infos = append(infos, FunctionInfo{Name: name, Kind: h.Kind.String()})
		return true
	})
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}
