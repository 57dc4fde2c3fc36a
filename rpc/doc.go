// Package rpc provides a lightweight binary remote procedure call framework.
// Requests and responses share one frame format, so many calls can be in
// flight on a single connection and are matched up by their request id.
//
// The package is organized into several subpackages:
//
//   - frame: The wire format (magic, id, function name, body) and an incremental
//     parser that resynchronizes on the magic number after corrupted input.
//
//   - buffer: The outbound buffer of a connection. Writers reserve header space,
//     write the body and patch the header once the body size is known.
//
//   - transport: Network abstractions (TCP, Unix sockets) and the base connection
//     with its read and write loops.
//
//   - worker: A bounded pool for handlers that block.
//
//   - server: The function registry and request dispatch for sync, async and
//     blocking handlers, plus an optional http monitor.
//
//   - client: Connections with a correlation table for pending calls and a pool
//     spreading calls over several connections.
//
//   - serializer: Payload encodings (binary, msgpack, json, gob) and typed
//     wrappers on top of the raw byte handlers.
//
//   - common: Configuration, errors and logging shared by all packages.
package rpc
