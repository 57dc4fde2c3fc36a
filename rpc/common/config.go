package common

import (
	"fmt"
	"math"
	"runtime"
	"strconv"
	"strings"
)

const (
	// DefaultBufferSize is the size of the chunks read from and written to a connection
	DefaultBufferSize = 64 * 1024
	// DefaultBacklog is the listen backlog used when none is configured
	DefaultBacklog = 1024
	// DefaultMaxBodySize is the largest frame body a parser accepts (64 MiB)
	DefaultMaxBodySize uint64 = 64 << 20
	// DefaultMaxNameLength is the longest function name a parser accepts
	DefaultMaxNameLength = 255
)

// --------------------------------------------------------------------------
// Shared transport settings
// --------------------------------------------------------------------------

// SocketConf holds socket buffer settings applied to every connection
type SocketConf struct {
	WriteBufferSize int
	ReadBufferSize  int
}

// TCPConf holds settings that only apply to tcp connections
type TCPConf struct {
	TCPNoDelay      bool
	TCPKeepAliveSec int
	TCPLingerSec    int
}

// --------------------------------------------------------------------------
// RPC server configuration struct
// --------------------------------------------------------------------------

// ServerTransportConfig describes where and how the server listens
type ServerTransportConfig struct {
	// Endpoint is host:port for tcp or a socket path for unix
	Endpoint string
	// Backlog is the maximum number of pending connections (tcp only)
	Backlog int
	SocketConf
	TCPConf
}

// ServerConfig holds all configuration parameters for the RPC server.
type ServerConfig struct {
	Transport ServerTransportConfig

	// Workers bounds the number of blocking handlers running at the same time
	Workers int

	// BufferSize is the size of a single socket read / write chunk
	BufferSize int

	// Parser limits, frames exceeding them are discarded
	MaxBodySize   uint64
	MaxNameLength int

	// DispatchRate limits dispatched frames per second and connection (0 = unlimited)
	DispatchRate  float64
	DispatchBurst int

	// MetricsEndpoint is the address of the prometheus endpoint (empty = disabled)
	MetricsEndpoint string

	// Logging configuration
	LogLevel string
}

// WithDefaults returns a copy of the config where all unset values are replaced with defaults
func (c ServerConfig) WithDefaults() ServerConfig {
	if c.Transport.Backlog <= 0 {
		c.Transport.Backlog = DefaultBacklog
	}
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.MaxBodySize == 0 {
		c.MaxBodySize = DefaultMaxBodySize
	}
	if c.MaxNameLength <= 0 {
		c.MaxNameLength = DefaultMaxNameLength
	}
	if c.DispatchRate > 0 && c.DispatchBurst <= 0 {
		c.DispatchBurst = int(math.Max(1, c.DispatchRate))
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	return c
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("RPC Server")
	addField("Endpoint", c.Transport.Endpoint)
	addField("Backlog", strconv.Itoa(c.Transport.Backlog))
	addField("Blocking Workers", strconv.Itoa(c.Workers))
	addField("Buffer Size", fmt.Sprintf("%d KB", c.BufferSize/1024))

	addSection("Limits")
	addField("Max Body Size", fmt.Sprintf("%d bytes", c.MaxBodySize))
	addField("Max Name Length", strconv.Itoa(c.MaxNameLength))
	if c.DispatchRate > 0 {
		addField("Dispatch Rate", fmt.Sprintf("%.0f/sec (burst %d)", c.DispatchRate, c.DispatchBurst))
	} else {
		addField("Dispatch Rate", "unlimited")
	}

	addSection("Socket")
	addField("Write Buffer", fmt.Sprintf("%d bytes", c.Transport.WriteBufferSize))
	addField("Read Buffer", fmt.Sprintf("%d bytes", c.Transport.ReadBufferSize))
	addField("TCP No Delay", strconv.FormatBool(c.Transport.TCPNoDelay))
	addField("TCP Keep Alive", fmt.Sprintf("%d sec", c.Transport.TCPKeepAliveSec))

	addSection("Observability")
	if c.MetricsEndpoint != "" {
		addField("Metrics Endpoint", c.MetricsEndpoint)
	} else {
		addField("Metrics Endpoint", "disabled")
	}
	addField("Log Level", c.LogLevel)

	return sb.String()
}

// --------------------------------------------------------------------------
// RPC client configuration struct
// --------------------------------------------------------------------------

// ClientTransportConfig describes which endpoints a client connects to
type ClientTransportConfig struct {
	Endpoints              []string
	ConnectionsPerEndpoint int
	SocketConf
	TCPConf
}

type ClientConfig struct {
	Transport ClientTransportConfig

	// TimeoutSecond bounds a single call (0 = wait until the connection closes)
	TimeoutSecond int

	// BufferSize is the size of a single socket read / write chunk
	BufferSize int

	// Parser limits. They apply to responses and to outgoing requests, so they
	// must not exceed the limits of the server.
	MaxBodySize   uint64
	MaxNameLength int
}

// WithDefaults returns a copy of the config where all unset values are replaced with defaults
func (c ClientConfig) WithDefaults() ClientConfig {
	if c.Transport.ConnectionsPerEndpoint <= 0 {
		c.Transport.ConnectionsPerEndpoint = 1
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.MaxBodySize == 0 {
		c.MaxBodySize = DefaultMaxBodySize
	}
	if c.MaxNameLength <= 0 {
		c.MaxNameLength = DefaultMaxNameLength
	}
	return c
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// General Client Settings
	addSection("Client Configuration")
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Connections Per Endpoint", strconv.Itoa(int(math.Max(1, float64(c.Transport.ConnectionsPerEndpoint)))))
	addField("Buffer Size", fmt.Sprintf("%d KB", c.BufferSize/1024))
	addField("Max Body Size", fmt.Sprintf("%d bytes", c.MaxBodySize))
	addField("Max Name Length", strconv.Itoa(c.MaxNameLength))

	// Endpoints
	addSection("Endpoints")
	for i, endpoint := range c.Transport.Endpoints {
		addField(strconv.Itoa(i), endpoint)
	}

	return sb.String()
}
