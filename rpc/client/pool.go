package client

import (
	"context"
	"fmt"
	"github.com/ValentinKolb/tinyrpc/rpc/common"
	"github.com/ValentinKolb/tinyrpc/rpc/frame"
	"github.com/ValentinKolb/tinyrpc/rpc/transport"
	"golang.org/x/sync/errgroup"
	"sync/atomic"
)

// maxParallelDials bounds the number of connections dialled at the same time
const maxParallelDials = 16

// Pool spreads calls round robin over several clients. It holds
// ConnectionsPerEndpoint clients for every configured endpoint.
type Pool struct {
	clients []*RPCClient
	next    atomic.Uint64
}

// NewPool creates the clients for all endpoints of config. Call Connect before the first call.
func NewPool(connector transport.IClientConnector, config common.ClientConfig) *Pool {
	config = config.WithDefaults()

	p := &Pool{}
	for _, endpoint := range config.Transport.Endpoints {
		for i := 0; i < config.Transport.ConnectionsPerEndpoint; i++ {
			p.clients = append(p.clients, NewRPCClient(connector, endpoint, config))
		}
	}
	return p
}

// Size returns the number of clients in the pool
func (p *Pool) Size() int {
	return len(p.clients)
}

// Connect dials all clients in parallel. Failed connections are logged, an
// error is only returned if no connection could be established.
func (p *Pool) Connect(ctx context.Context) error {
	if len(p.clients) == 0 {
		return fmt.Errorf("no endpoints provided")
	}

	var connected atomic.Int32

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelDials)

	for i, c := range p.clients {
		g.Go(func() error {
			if err := c.Connect(ctx); err != nil {
				Logger.Warningf("connection %d/%d failed: %v", i+1, len(p.clients), err)
				return nil
			}
			connected.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	if connected.Load() == 0 {
		return fmt.Errorf("failed to connect to any endpoint")
	}

	Logger.Infof("connected %d out of %d connections", connected.Load(), len(p.clients))
	return nil
}

// SendRequest stages the request on the next connected client
func (p *Pool) SendRequest(name string, payload []byte) (uint64, error) {
	c := p.pick()
	if c == nil {
		return 0, common.ErrConnectionClosed
	}
	return c.SendRequest(name, payload)
}

// Call invokes the function on the next connected client
func (p *Pool) Call(ctx context.Context, name string, payload []byte) (*frame.Frame, error) {
	c := p.pick()
	if c == nil {
		return nil, common.ErrConnectionClosed
	}
	return c.Call(ctx, name, payload)
}

// Close closes all clients
func (p *Pool) Close() error {
	for _, c := range p.clients {
		_ = c.Close()
	}
	return nil
}

// pick selects the next connected client round robin, nil if none is connected
func (p *Pool) pick() *RPCClient {
	n := uint64(len(p.clients))
	if n == 0 {
		return nil
	}
	start := p.next.Add(1)
	for i := uint64(0); i < n; i++ {
		if c := p.clients[(start+i)%n]; c.Connected() {
			return c
		}
	}
	return nil
}
