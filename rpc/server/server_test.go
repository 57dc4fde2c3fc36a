package server

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"github.com/ValentinKolb/tinyrpc/rpc/common"
	"github.com/ValentinKolb/tinyrpc/rpc/frame"
	"github.com/ValentinKolb/tinyrpc/rpc/transport/tcp"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func testConfig() common.ServerConfig {
	return common.ServerConfig{
		Transport: common.ServerTransportConfig{Endpoint: "127.0.0.1:0"},
		Workers:   2,
	}
}

// startServer registers the functions and serves on a random port until the test ends
func startServer(t *testing.T, config common.ServerConfig, register func(s *RPCServer)) *RPCServer {
	t.Helper()

	s := NewRPCServer(config, tcp.NewServerConnector())
	register(s)

	if err := s.Listen(); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	served := make(chan error, 1)
	go func() { served <- s.Serve() }()

	t.Cleanup(func() {
		_ = s.Close()
		select {
		case err := <-served:
			if err != nil {
				t.Errorf("Serve returned error: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Errorf("Timeout waiting for Serve to return")
		}
	})
	return s
}

func dial(t *testing.T, s *RPCServer) *net.TCPConn {
	t.Helper()
	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn.(*net.TCPConn)
}

func send(t *testing.T, conn net.Conn, frames ...*frame.Frame) {
	t.Helper()
	var data []byte
	for _, f := range frames {
		data = append(data, frame.Encode(f)...)
	}
	if _, err := conn.Write(data); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
}

// receive reads until n frames were parsed
func receive(t *testing.T, conn net.Conn, n int) []*frame.Frame {
	t.Helper()

	parser := frame.NewParser(0, 0)
	buf := make([]byte, 4096)
	var frames []*frame.Frame

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for len(frames) < n {
		read, err := conn.Read(buf)
		frames = append(frames, parser.Process(buf[:read])...)
		if err != nil {
			t.Fatalf("Read failed after %d of %d frames: %v", len(frames), n, err)
		}
	}
	return frames
}

func int64Pair(a, b int64) []byte {
	buf := binary.LittleEndian.AppendUint64(nil, uint64(a))
	return binary.LittleEndian.AppendUint64(buf, uint64(b))
}

func add(ctx context.Context, payload []byte, w io.Writer) {
	a := int64(binary.LittleEndian.Uint64(payload[0:8]))
	b := int64(binary.LittleEndian.Uint64(payload[8:16]))
	_, _ = w.Write(binary.LittleEndian.AppendUint64(nil, uint64(a+b)))
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

// TestServerAddThenUnknown tests a sync call followed by a call of an unknown function
func TestServerAddThenUnknown(t *testing.T) {
	s := startServer(t, testConfig(), func(s *RPCServer) {
		if err := s.Register("add", add); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	})
	conn := dial(t, s)

	send(t, conn,
		&frame.Frame{ID: 1, Name: "add", Body: int64Pair(2, 3)},
		&frame.Frame{ID: 2, Name: "mul", Body: int64Pair(2, 3)},
	)
	frames := receive(t, conn, 2)

	if frames[0].ID != 1 || frames[0].Name != "add" {
		t.Fatalf("Unexpected first response %v", frames[0])
	}
	if got := int64(binary.LittleEndian.Uint64(frames[0].Body)); got != 5 {
		t.Errorf("Expected add(2, 3) = 5, got %d", got)
	}

	if frames[1].ID != 2 || !frames[1].IsNotFound() {
		t.Errorf("Expected not found response for id 2, got %v", frames[1])
	}
}

// TestServerHandlerKinds tests that every kind answers with the request id and name
func TestServerHandlerKinds(t *testing.T) {
	upper := func(ctx context.Context, payload []byte, w io.Writer) {
		_, _ = io.WriteString(w, strings.ToUpper(string(payload)))
	}

	s := startServer(t, testConfig(), func(s *RPCServer) {
		_ = s.Register("sync", upper)
		_ = s.RegisterAsync("async", upper)
		_ = s.RegisterBlocking("blocking", upper)
		_ = s.Register("empty", func(ctx context.Context, payload []byte, w io.Writer) {})
	})
	conn := dial(t, s)

	names := []string{"sync", "async", "blocking", "empty"}
	for i, name := range names {
		send(t, conn, &frame.Frame{ID: uint64(i + 1), Name: name, Body: []byte("hello " + name)})
	}

	frames := receive(t, conn, len(names))
	byID := make(map[uint64]*frame.Frame)
	for _, f := range frames {
		byID[f.ID] = f
	}

	for i, name := range names {
		f, ok := byID[uint64(i+1)]
		if !ok {
			t.Errorf("Missing response for %s", name)
			continue
		}
		if f.Name != name {
			t.Errorf("Expected name %s, got %s", name, f.Name)
		}
		want := strings.ToUpper("hello " + name)
		if name == "empty" {
			want = ""
		}
		if string(f.Body) != want {
			t.Errorf("%s: expected body %q, got %q", name, want, f.Body)
		}
	}
}

// TestServerOversizedReplies tests that responses above the body limit are sent without body instead of being dropped by the peer
func TestServerOversizedReplies(t *testing.T) {
	huge := func(ctx context.Context, payload []byte, w io.Writer) {
		_, _ = w.Write(make([]byte, 100))
	}

	config := testConfig()
	config.MaxBodySize = 16
	s := startServer(t, config, func(s *RPCServer) {
		_ = s.Register("sync", huge)
		_ = s.RegisterAsync("async", huge)
		_ = s.RegisterBlocking("blocking", huge)
		_ = s.Register("add", add)
	})
	conn := dial(t, s)

	names := []string{"sync", "async", "blocking"}
	for i, name := range names {
		send(t, conn, &frame.Frame{ID: uint64(i + 1), Name: name})
	}

	frames := receive(t, conn, len(names))
	for _, f := range frames {
		if f.ID < 1 || f.ID > uint64(len(names)) || f.Name != names[f.ID-1] {
			t.Errorf("Unexpected response %v", f)
		}
		if len(f.Body) != 0 {
			t.Errorf("%s: expected empty body, got %d bytes", f.Name, len(f.Body))
		}
	}

	// the stream is still in sync
	send(t, conn, &frame.Frame{ID: 4, Name: "add", Body: int64Pair(20, 22)})
	f := receive(t, conn, 1)[0]
	if f.ID != 4 || binary.LittleEndian.Uint64(f.Body) != 42 {
		t.Errorf("Unexpected response after oversized replies %v", f)
	}
}

// TestServerAsyncCompletesOutOfOrder tests that a slow async handler does not delay later requests
func TestServerAsyncCompletesOutOfOrder(t *testing.T) {
	s := startServer(t, testConfig(), func(s *RPCServer) {
		_ = s.RegisterAsync("sleep", func(ctx context.Context, payload []byte, w io.Writer) {
			d := time.Duration(binary.LittleEndian.Uint64(payload))
			select {
			case <-time.After(d):
			case <-ctx.Done():
			}
		})
	})
	conn := dial(t, s)

	send(t, conn,
		&frame.Frame{ID: 1, Name: "sleep", Body: binary.LittleEndian.AppendUint64(nil, uint64(300*time.Millisecond))},
		&frame.Frame{ID: 2, Name: "sleep", Body: binary.LittleEndian.AppendUint64(nil, 0)},
	)

	frames := receive(t, conn, 2)
	if frames[0].ID != 2 || frames[1].ID != 1 {
		t.Errorf("Expected completion order [2 1], got [%d %d]", frames[0].ID, frames[1].ID)
	}
}

// TestServerBlockingHandlersAreBounded tests that no more than Workers blocking handlers run at once
func TestServerBlockingHandlersAreBounded(t *testing.T) {
	var running, peak atomic.Int32

	config := testConfig()
	config.Workers = 2

	s := startServer(t, config, func(s *RPCServer) {
		_ = s.RegisterBlocking("work", func(ctx context.Context, payload []byte, w io.Writer) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			running.Add(-1)
			_, _ = w.Write(payload)
		})
	})
	conn := dial(t, s)

	const count = 10
	for i := 1; i <= count; i++ {
		send(t, conn, &frame.Frame{ID: uint64(i), Name: "work", Body: []byte{byte(i)}})
	}

	seen := make(map[uint64]bool)
	for _, f := range receive(t, conn, count) {
		if len(f.Body) != 1 || uint64(f.Body[0]) != f.ID {
			t.Errorf("Response %v does not match its request", f)
		}
		seen[f.ID] = true
	}
	if len(seen) != count {
		t.Errorf("Expected %d distinct responses, got %d", count, len(seen))
	}
	if p := peak.Load(); p > 2 {
		t.Errorf("Expected at most 2 concurrent handlers, got %d", p)
	}
}

// TestServerHandlerPanic tests that a panicking handler is answered with an empty body
func TestServerHandlerPanic(t *testing.T) {
	boom := func(ctx context.Context, payload []byte, w io.Writer) {
		_, _ = w.Write([]byte("partial output"))
		panic("boom")
	}

	s := startServer(t, testConfig(), func(s *RPCServer) {
		_ = s.Register("sync", boom)
		_ = s.RegisterAsync("async", boom)
		_ = s.RegisterBlocking("blocking", boom)
		_ = s.Register("add", add)
	})
	conn := dial(t, s)

	send(t, conn,
		&frame.Frame{ID: 1, Name: "sync", Body: []byte{}},
		&frame.Frame{ID: 2, Name: "async", Body: []byte{}},
		&frame.Frame{ID: 3, Name: "blocking", Body: []byte{}},
	)
	for _, f := range receive(t, conn, 3) {
		if f.IsNotFound() || len(f.Body) != 0 {
			t.Errorf("Expected empty response after panic, got %v", f)
		}
	}

	// the connection is still usable
	send(t, conn, &frame.Frame{ID: 4, Name: "add", Body: int64Pair(40, 2)})
	f := receive(t, conn, 1)[0]
	if got := int64(binary.LittleEndian.Uint64(f.Body)); f.ID != 4 || got != 42 {
		t.Errorf("Expected id 4 with 42, got %v", f)
	}
}

// TestServerRespondsAfterClientClosedWriting tests that pending responses are sent after the request stream ended
func TestServerRespondsAfterClientClosedWriting(t *testing.T) {
	s := startServer(t, testConfig(), func(s *RPCServer) {
		_ = s.RegisterBlocking("slow", func(ctx context.Context, payload []byte, w io.Writer) {
			time.Sleep(100 * time.Millisecond)
			_, _ = w.Write([]byte("done"))
		})
	})
	conn := dial(t, s)

	send(t, conn, &frame.Frame{ID: 9, Name: "slow", Body: []byte{}})
	if err := conn.CloseWrite(); err != nil {
		t.Fatalf("CloseWrite failed: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	data, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}

	frames := frame.NewParser(0, 0).Process(data)
	if len(frames) != 1 || frames[0].ID != 9 || string(frames[0].Body) != "done" {
		t.Errorf("Expected a single response for id 9, got %v", frames)
	}
}

// TestServerResyncsAfterGarbage tests that the server recovers from bytes that are not a frame
func TestServerResyncsAfterGarbage(t *testing.T) {
	s := startServer(t, testConfig(), func(s *RPCServer) {
		_ = s.Register("add", add)
	})
	conn := dial(t, s)

	if _, err := conn.Write([]byte("definitely not a frame")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	send(t, conn, &frame.Frame{ID: 3, Name: "add", Body: int64Pair(1, 1)})

	f := receive(t, conn, 1)[0]
	if f.ID != 3 || binary.LittleEndian.Uint64(f.Body) != 2 {
		t.Errorf("Unexpected response %v", f)
	}
}

// TestServerRegister tests name validation, replacement and listing
func TestServerRegister(t *testing.T) {
	s := NewRPCServer(testConfig(), tcp.NewServerConnector())
	defer s.Close()

	noop := func(ctx context.Context, payload []byte, w io.Writer) {}

	tests := []struct {
		name    string
		handler Handler
		wantErr bool
	}{
		{"valid", Handler{Kind: KindSync, Fn: noop}, false},
		{"", Handler{Kind: KindSync, Fn: noop}, true},
		{"with\x00nul", Handler{Kind: KindSync, Fn: noop}, true},
		{strings.Repeat("x", 256), Handler{Kind: KindSync, Fn: noop}, true},
		{"nil", Handler{Kind: KindSync}, true},
		{"kind", Handler{Kind: Kind(7), Fn: noop}, true},
	}

	for _, tt := range tests {
		err := s.RegisterHandler(tt.name, tt.handler)
		if (err != nil) != tt.wantErr {
			t.Errorf("RegisterHandler(%.10q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}

	_ = s.RegisterAsync("b", noop)
	_ = s.RegisterBlocking("a", noop)
	_ = s.Register("a", noop) // replaces the blocking handler

	want := []FunctionInfo{{"a", "sync"}, {"b", "async"}, {"valid", "sync"}}
	got := s.Functions()
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Expected %v at %d, got %v", want[i], i, got[i])
		}
	}
}

// TestServerClose tests that closing the server disconnects clients
func TestServerClose(t *testing.T) {
	s := NewRPCServer(testConfig(), tcp.NewServerConnector())
	if err := s.Listen(); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	served := make(chan error, 1)
	go func() { served <- s.Serve() }()

	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer conn.Close()

	// make sure the connection was accepted
	send(t, conn, &frame.Frame{ID: 1, Name: "missing", Body: []byte{}})
	receive(t, conn, 1)

	if err := s.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}

	select {
	case err := <-served:
		if err != nil {
			t.Errorf("Expected Serve to return nil, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for Serve to return")
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Errorf("Expected EOF after server close, got %v", err)
	}

	if err := s.Listen(); !errors.Is(err, ErrServerClosed) {
		t.Errorf("Expected ErrServerClosed, got %v", err)
	}
}

// TestServerMonitor tests the metrics and function listing endpoints
func TestServerMonitor(t *testing.T) {
	config := testConfig()
	config.MetricsEndpoint = "127.0.0.1:0"

	s := startServer(t, config, func(s *RPCServer) {
		_ = s.Register("add", add)
	})
	conn := dial(t, s)
	send(t, conn, &frame.Frame{ID: 1, Name: "add", Body: int64Pair(1, 2)})
	receive(t, conn, 1)

	base := "http://" + s.MonitorAddr().String()

	resp, err := http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `tinyrpc_server_calls_total{kind="sync"}`) {
		t.Errorf("Expected sync call counter in metrics output")
	}

	resp, err = http.Get(base + "/functions")
	if err != nil {
		t.Fatalf("GET /functions failed: %v", err)
	}
	defer resp.Body.Close()

	var functions []FunctionInfo
	if err := json.NewDecoder(resp.Body).Decode(&functions); err != nil {
		t.Fatalf("Failed to decode functions: %v", err)
	}
	if len(functions) != 1 || functions[0].Name != "add" || functions[0].Kind != "sync" {
		t.Errorf("Unexpected functions %v", functions)
	}
}

// TestServerDispatchRate tests that the per connection rate limit delays dispatch
func TestServerDispatchRate(t *testing.T) {
	config := testConfig()
	config.DispatchRate = 10
	config.DispatchBurst = 1

	s := startServer(t, config, func(s *RPCServer) {
		_ = s.Register("add", add)
	})
	conn := dial(t, s)

	const calls = 6
	frames := make([]*frame.Frame, 0, calls)
	for i := 0; i < calls; i++ {
		frames = append(frames, &frame.Frame{ID: uint64(i + 1), Name: "add", Body: int64Pair(int64(i), 1)})
	}

	start := time.Now()
	send(t, conn, frames...)
	responses := receive(t, conn, calls)

	// the first request uses the burst, every further one waits 100ms
	if elapsed := time.Since(start); elapsed < 400*time.Millisecond {
		t.Errorf("Expected rate limited dispatch, all responses arrived after %s", elapsed)
	}
	for i, f := range responses {
		if f.ID != uint64(i+1) {
			t.Errorf("Expected response %d in order, got id %d", i+1, f.ID)
		}
	}
}
