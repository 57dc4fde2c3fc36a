// Package common provides the configuration structures, errors and logging
// shared by all rpc packages.
//
// Key Components:
//
//   - ServerConfig / ClientConfig: configuration for the server and client side,
//     including the transport settings (endpoint, backlog, socket and tcp options),
//     parser limits and the blocking worker pool size. WithDefaults fills in every
//     unset value.
//
//   - ErrFunctionNotFound / ErrConnectionClosed: the two errors a call can fail with
//     besides a cancelled context.
//
//   - Logger: custom logging implementation that plugs into Dragonboat's logger
//     facade, so every package obtains its logger via logger.GetLogger(name).
package common
