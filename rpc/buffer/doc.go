// Package buffer implements the outbound byte buffer of a connection.
//
// Producers (handlers and callers) stage complete frames into an Outbound buffer,
// the write loop of the connection drains it into the socket. A frame whose size
// is unknown until its payload was produced is staged in two phases: the header
// is reserved, the payload written, and the header patched afterwards. Draining
// stops in front of the oldest unpatched reservation.
//
// Reservations are addressed by absolute stream offsets rather than pointers into
// the underlying slice, so they survive growth and compaction of the buffer.
package buffer
