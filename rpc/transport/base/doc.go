// Package base implements the connection loops shared by the rpc client and
// server, independent of the network the byte stream runs on.
//
// Every connection runs exactly two goroutines:
//
//   - read loop: reads chunks from the socket, feeds them to a frame.Parser and
//     hands every completed frame to the owner (OnFrame). When the stream ends it
//     notifies the owner (OnReadClosed), stops the write loop and closes the socket.
//
//   - write loop: the only writer of the socket. It drains the outbound buffer into
//     a scratch buffer and writes it, or parks on a wake channel (capacity one,
//     signalled without blocking) while the buffer is empty. A failed write closes
//     the connection, a graceful stop flushes what is still buffered.
//
// Producers never touch the socket. They stage complete frames into the outbound
// buffer (Stage / Write) and the write loop picks them up, so socket writes are
// totally ordered and a slow peer never blocks a producer.
//
// Connections are identified by a random uuid in all log messages. Transferred
// bytes and parsed frames are counted with VictoriaMetrics counters.
package base
