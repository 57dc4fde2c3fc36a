// Package unix implements the unix domain socket connectors of the rpc
// transport, for client and server processes on the same machine.
//
// The server removes a stale socket file before listening. Only the socket
// buffer sizes of the configuration apply, tcp options are ignored.
package unix
