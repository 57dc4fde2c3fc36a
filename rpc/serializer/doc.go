// Package serializer provides payload serialization for the rpc system. The
// transport only moves opaque byte bodies, this package turns function
// arguments and results into such bodies and back.
//
// Key Components:
//
//   - IRPCSerializer: Core interface that all serializer implementations must satisfy.
//
//   - binarySerializerImpl: Custom binary format optimized for speed. Numbers and
//     arrays of numbers are written without any framing in native byte order,
//     strings, slices and maps carry a 4 byte length.
//
//   - msgpSerializerImpl: MessagePack via tinylib/msgp. Uses generated code when
//     the type provides it and falls back to reflection otherwise.
//
//   - jsonSerializerImpl: JSON encoding, useful for debugging or interoperability
//     with other systems (the call command of the cli uses it by default).
//
//   - gobSerializerImpl: Go's gob encoding, works for nearly every Go type but
//     produces the largest payloads.
//
//   - Func / Invoke: typed wrappers. Func turns func(ctx, A) (R, error) into a
//     server handler, Invoke encodes the arguments, calls the function and decodes
//     the result. Every typed response starts with a status byte so that errors
//     returned by the function reach the caller as *RemoteError.
//
// Thread Safety:
//
//	All serializer implementations are stateless and safe for concurrent use
//	across multiple goroutines without additional synchronization.
//
// Usage:
//
//	s := serializer.NewBinarySerializer()
//
//	// server side
//	_ = srv.Register("add", serializer.Func(s, func(ctx context.Context, args [2]int64) (int64, error) {
//	  return args[0] + args[1], nil
//	}))
//
//	// client side
//	sum, err := serializer.Invoke[int64](ctx, c, s, "add", [2]int64{2, 3})
package serializer
