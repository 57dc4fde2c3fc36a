// Package server implements the RPC server: a registry of named functions and
// the dispatcher that runs them for every request frame of every connection.
//
// Functions are registered with an execution kind:
//
//   - KindSync: runs on the connection read loop while holding the outbound
//     buffer. The response header is reserved first, the handler writes the body
//     directly behind it and the body size is patched in afterwards. Nothing is
//     flushed to the socket until the handler returns, so keep these short.
//
//   - KindAsync: runs in its own goroutine. The read loop continues with the
//     next frame, responses may complete out of order.
//
//   - KindBlocking: runs on the bounded worker pool (ServerConfig.Workers).
//
// Async and blocking handlers write into a pooled scratch buffer that is staged
// as one frame. A request for an unknown function is answered with the "not
// found" frame (same id, empty name). A panicking handler is logged and answered
// with an empty body, and so is a response larger than ServerConfig.MaxBodySize.
//
// Usage Example:
//
//	s := server.NewRPCServer(common.ServerConfig{
//	  Transport: common.ServerTransportConfig{Endpoint: "0.0.0.0:7000"},
//	}, tcp.NewServerConnector())
//
//	_ = s.Register("add", serializer.Func(serializer.NewBinarySerializer(),
//	  func(ctx context.Context, args [2]int64) (int64, error) {
//	    return args[0] + args[1], nil
//	  }))
//
//	if err := s.Serve(); err != nil {
//	  log.Fatalf("Server error: %v", err)
//	}
//
// When ServerConfig.MetricsEndpoint is set, the server also serves prometheus
// metrics on /metrics and the registered functions on /functions.
//
// Thread Safety:
//
//	Registering functions is safe at any time, also while serving. Close may be
//	called concurrently with Serve.
package server
