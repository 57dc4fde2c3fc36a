// Package transport defines how the rpc system obtains byte streams. It keeps
// the client and server independent of the network they run on.
//
// Key Components:
//
//   - IServerConnector: creates a listener for the configured endpoint and tunes
//     accepted connections. Implemented by the tcp and unix packages.
//
//   - IClientConnector: dials an endpoint and tunes the resulting connection.
//     Implemented by the tcp and unix packages.
//
// The connection loops that run on top of a net.Conn live in the base package.
package transport
