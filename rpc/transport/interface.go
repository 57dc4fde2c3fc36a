package transport

import (
	"context"
	"github.com/ValentinKolb/tinyrpc/rpc/common"
	"net"
)

// --------------------------------------------------------------------------
// Server Transport
// --------------------------------------------------------------------------

// IServerConnector creates listeners for a specific network (tcp, unix, ...)
type IServerConnector interface {
	// Listen binds the configured endpoint and returns the listener
	Listen(config common.ServerConfig) (net.Listener, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string

	// UpgradeConnection applies protocol-specific settings to an accepted connection
	UpgradeConnection(conn net.Conn, config common.ServerConfig) error
}

// --------------------------------------------------------------------------
// Client Transport
// --------------------------------------------------------------------------

// IClientConnector dials connections for a specific network (tcp, unix, ...)
type IClientConnector interface {
	// Connect establishes a single connection to the endpoint, ctx bounds the dial
	Connect(ctx context.Context, endpoint string) (net.Conn, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string

	// UpgradeConnection applies protocol-specific settings to an established connection
	UpgradeConnection(conn net.Conn, config common.ClientConfig) error
}
