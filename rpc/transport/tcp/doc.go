// Package tcp implements the tcp connectors of the rpc transport.
//
// Key Components:
//
//   - clientConnector: dials host:port endpoints and applies the socket and
//     tcp options of the client configuration.
//
//   - serverConnector: listens on host:port with the configured backlog and
//     applies the socket and tcp options to accepted connections. On unix
//     platforms the listening socket is created with golang.org/x/sys/unix so
//     the backlog can be set, elsewhere the system default is used.
package tcp
