// Package frame implements the wire format of the rpc system and an incremental
// parser for it.
//
// Wire Format (all integers use the native byte order of the machine):
//
//	[2]   magic marker 0x5254
//	[8]   id
//	[N+1] function name, NUL terminated
//	----- an empty name ends the frame here ("function not found" response)
//	[8]   body size
//	[M]   body
//
// Requests and responses share the format. A response carries the id and the
// function name of its request.
//
// Key Components:
//
//   - Frame: a decoded message. Named frames always have a non-nil body, the
//     "function not found" frame has an empty name and a nil body.
//
//   - Parser: a resumable state machine (sync -> id -> name -> size -> body)
//     that accepts arbitrarily split chunks of a byte stream. Bytes in front of
//     a magic marker are skipped one at a time, which lets the parser recover
//     from garbage on the stream. Frames whose name or body exceed the configured
//     limits are dropped the same way.
//
// Known limitation: the magic marker is only two bytes, so garbage that happens
// to contain the marker followed by plausible header bytes can be parsed as a
// frame. There is no checksum to detect this.
package frame
