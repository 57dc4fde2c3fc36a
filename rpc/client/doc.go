// Package client implements the calling side of the rpc system.
//
// An RPCClient owns one connection. Every call gets a fresh id from an atomic
// counter (the first id is 1) and registers a single-shot waiter in a
// concurrent correlation table before the request is staged. The read loop
// hands each response to the waiter with the same id. When the connection goes
// away, every pending call fails with common.ErrConnectionClosed.
//
// Key Components:
//
//   - RPCClient: Connect, Call (wait for the response), SendRequest (fire and
//     forget) and Close.
//
//   - Pool: a set of clients over several endpoints, calls are spread round
//     robin over the connected ones.
//
// Usage Example:
//
//	c := client.NewRPCClient(tcp.NewClientConnector(), "localhost:7000", common.ClientConfig{})
//	if err := c.Connect(ctx); err != nil {
//	  log.Fatal(err)
//	}
//	defer c.Close()
//
//	sum, err := serializer.Invoke[int64](ctx, c, serializer.NewBinarySerializer(), "add", [2]int64{2, 3})
//
// Ids are 64 bit and never reused by a client. Wrapping around is not handled.
package client
