package client

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"github.com/ValentinKolb/tinyrpc/rpc/common"
	"github.com/ValentinKolb/tinyrpc/rpc/frame"
	"github.com/ValentinKolb/tinyrpc/rpc/server"
	"github.com/ValentinKolb/tinyrpc/rpc/transport/tcp"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

// startServer runs an rpc server with echo and add functions until the test ends
func startServer(t *testing.T) string {
	t.Helper()

	s := server.NewRPCServer(common.ServerConfig{
		Transport: common.ServerTransportConfig{Endpoint: "127.0.0.1:0"},
	}, tcp.NewServerConnector())

	_ = s.Register("echo", func(ctx context.Context, payload []byte, w io.Writer) {
		_, _ = w.Write(payload)
	})
	_ = s.RegisterAsync("add", func(ctx context.Context, payload []byte, w io.Writer) {
		a := int64(binary.LittleEndian.Uint64(payload[0:8]))
		b := int64(binary.LittleEndian.Uint64(payload[8:16]))
		_, _ = w.Write(binary.LittleEndian.AppendUint64(nil, uint64(a+b)))
	})

	if err := s.Listen(); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	go func() { _ = s.Serve() }()
	t.Cleanup(func() { _ = s.Close() })

	return s.Addr().String()
}

// silentServer accepts connections but never answers. The accepted connections are sent to the returned channel.
func silentServer(t *testing.T) (string, <-chan net.Conn) {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	var mu sync.Mutex
	var accepted []net.Conn
	t.Cleanup(func() {
		_ = l.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, conn := range accepted {
			_ = conn.Close()
		}
	})

	conns := make(chan net.Conn, 16)
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			accepted = append(accepted, conn)
			mu.Unlock()
			conns <- conn
		}
	}()
	return l.Addr().String(), conns
}

func connect(t *testing.T, endpoint string) *RPCClient {
	t.Helper()
	c := NewRPCClient(tcp.NewClientConnector(), endpoint, common.ClientConfig{})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func accept(t *testing.T, conns <-chan net.Conn) net.Conn {
	t.Helper()
	select {
	case conn := <-conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for connection")
	}
	return nil
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

// TestCallAddThenNotFound tests a successful call followed by a call of an unknown function
func TestCallAddThenNotFound(t *testing.T) {
	c := connect(t, startServer(t))
	ctx := context.Background()

	payload := binary.LittleEndian.AppendUint64(nil, 2)
	payload = binary.LittleEndian.AppendUint64(payload, 3)

	f, err := c.Call(ctx, "add", payload)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if f.Name != "add" {
		t.Errorf("Expected response name add, got %s", f.Name)
	}
	if got := binary.LittleEndian.Uint64(f.Body); got != 5 {
		t.Errorf("Expected add(2, 3) = 5, got %d", got)
	}

	if _, err := c.Call(ctx, "mul", payload); !errors.Is(err, common.ErrFunctionNotFound) {
		t.Errorf("Expected ErrFunctionNotFound, got %v", err)
	}

	// the connection survives an unknown function
	if _, err := c.Call(ctx, "echo", []byte("still here")); err != nil {
		t.Errorf("Call after not found failed: %v", err)
	}
}

// TestCallNotConnected tests calls without an established connection
func TestCallNotConnected(t *testing.T) {
	c := NewRPCClient(tcp.NewClientConnector(), "127.0.0.1:1", common.ClientConfig{})

	if _, err := c.Call(context.Background(), "echo", nil); !errors.Is(err, common.ErrConnectionClosed) {
		t.Errorf("Expected ErrConnectionClosed, got %v", err)
	}
	if _, err := c.SendRequest("echo", nil); !errors.Is(err, common.ErrConnectionClosed) {
		t.Errorf("Expected ErrConnectionClosed, got %v", err)
	}
	if c.Connected() {
		t.Error("Expected client to be disconnected")
	}
}

// TestCallInvalidName tests that names that cannot be encoded are rejected
func TestCallInvalidName(t *testing.T) {
	c := connect(t, startServer(t))

	for _, name := range []string{"", "a\x00b"} {
		if _, err := c.Call(context.Background(), name, nil); err == nil {
			t.Errorf("Expected error for name %q", name)
		}
	}
}

// TestCallRejectsOversizedRequests tests that requests the server would discard fail locally instead of timing out
func TestCallRejectsOversizedRequests(t *testing.T) {
	endpoint := startServer(t)
	c := NewRPCClient(tcp.NewClientConnector(), endpoint, common.ClientConfig{MaxBodySize: 64})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	longName := strings.Repeat("x", common.DefaultMaxNameLength+45)
	if _, err := c.Call(ctx, longName, nil); !errors.Is(err, common.ErrFrameTooLarge) {
		t.Errorf("Expected ErrFrameTooLarge for long name, got %v", err)
	}
	if _, err := c.SendRequest(longName, nil); !errors.Is(err, common.ErrFrameTooLarge) {
		t.Errorf("Expected ErrFrameTooLarge for long name, got %v", err)
	}

	large := make([]byte, 65)
	if _, err := c.Call(ctx, "echo", large); !errors.Is(err, common.ErrFrameTooLarge) {
		t.Errorf("Expected ErrFrameTooLarge for large payload, got %v", err)
	}
	if _, err := c.SendRequest("echo", large); !errors.Is(err, common.ErrFrameTooLarge) {
		t.Errorf("Expected ErrFrameTooLarge for large payload, got %v", err)
	}
	if ctx.Err() != nil {
		t.Fatal("Oversized requests were not rejected before the deadline")
	}

	// requests at the limits still reach the server
	if _, err := c.Call(ctx, strings.Repeat("x", common.DefaultMaxNameLength), nil); !errors.Is(err, common.ErrFunctionNotFound) {
		t.Errorf("Expected ErrFunctionNotFound for name at the limit, got %v", err)
	}
	f, err := c.Call(ctx, "echo", large[:64])
	if err != nil {
		t.Fatalf("Call at the body limit failed: %v", err)
	}
	if len(f.Body) != 64 {
		t.Errorf("Expected 64 byte echo, got %d", len(f.Body))
	}
}

// TestConcurrentCallsCorrelate tests that every caller receives its own response
func TestConcurrentCallsCorrelate(t *testing.T) {
	c := connect(t, startServer(t))

	const callers = 32
	const callsPerCaller = 50

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(caller int) {
			defer wg.Done()
			for j := 0; j < callsPerCaller; j++ {
				payload := []byte(fmt.Sprintf("caller %d call %d", caller, j))
				f, err := c.Call(context.Background(), "echo", payload)
				if err != nil {
					t.Errorf("Call failed: %v", err)
					return
				}
				if !bytes.Equal(f.Body, payload) {
					t.Errorf("Expected %q, got %q", payload, f.Body)
					return
				}
			}
		}(i)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Timeout waiting for concurrent calls")
	}

	if n := c.current().pending.Size(); n != 0 {
		t.Errorf("Expected empty correlation table, got %d entries", n)
	}
}

// TestTeardownFailsPendingCalls tests that all waiting calls fail when the connection drops
func TestTeardownFailsPendingCalls(t *testing.T) {
	endpoint, conns := silentServer(t)
	c := connect(t, endpoint)
	serverSide := accept(t, conns)

	const pending = 10
	errs := make(chan error, pending)
	for i := 0; i < pending; i++ {
		go func() {
			_, err := c.Call(context.Background(), "never", nil)
			errs <- err
		}()
	}

	// wait until all requests reached the server
	parser := frame.NewParser(0, 0)
	buf := make([]byte, 4096)
	received := 0
	_ = serverSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	for received < pending {
		n, err := serverSide.Read(buf)
		received += len(parser.Process(buf[:n]))
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
	}

	_ = serverSide.Close()

	for i := 0; i < pending; i++ {
		select {
		case err := <-errs:
			if !errors.Is(err, common.ErrConnectionClosed) {
				t.Errorf("Expected ErrConnectionClosed, got %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("Timeout waiting for call %d to fail", i)
		}
	}

	if c.Connected() {
		t.Error("Expected client to be disconnected")
	}
	if _, err := c.Call(context.Background(), "never", nil); !errors.Is(err, common.ErrConnectionClosed) {
		t.Errorf("Expected ErrConnectionClosed for a new call, got %v", err)
	}
}

// TestCallContextDeadline tests that a call returns when its context ends
func TestCallContextDeadline(t *testing.T) {
	endpoint, _ := silentServer(t)
	c := connect(t, endpoint)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := c.Call(ctx, "never", nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected DeadlineExceeded, got %v", err)
	}
	if n := c.current().pending.Size(); n != 0 {
		t.Errorf("Expected timed out call to be removed, got %d entries", n)
	}
}

// TestSendRequest tests id allocation and the staged wire format
func TestSendRequest(t *testing.T) {
	endpoint, conns := silentServer(t)
	c := connect(t, endpoint)
	serverSide := accept(t, conns)

	for want := uint64(1); want <= 3; want++ {
		id, err := c.SendRequest("hello", []byte("world"))
		if err != nil {
			t.Fatalf("SendRequest failed: %v", err)
		}
		if id != want {
			t.Errorf("Expected id %d, got %d", want, id)
		}
	}

	parser := frame.NewParser(0, 0)
	buf := make([]byte, 4096)
	var frames []*frame.Frame
	_ = serverSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	for len(frames) < 3 {
		n, err := serverSide.Read(buf)
		frames = append(frames, parser.Process(buf[:n])...)
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
	}

	for i, f := range frames {
		if f.ID != uint64(i+1) || f.Name != "hello" || string(f.Body) != "world" {
			t.Errorf("Unexpected frame %v", f)
		}
	}
}

// TestOrphanResponsesAreDropped tests that responses without a waiting call do not disturb other calls
func TestOrphanResponsesAreDropped(t *testing.T) {
	endpoint, conns := silentServer(t)
	c := connect(t, endpoint)
	serverSide := accept(t, conns)

	go func() {
		parser := frame.NewParser(0, 0)
		buf := make([]byte, 4096)
		for {
			n, err := serverSide.Read(buf)
			for _, f := range parser.Process(buf[:n]) {
				orphan := frame.AppendFrame(nil, f.ID+1000, f.Name, []byte("orphan"))
				_, _ = serverSide.Write(frame.AppendFrame(orphan, f.ID, f.Name, []byte("answer")))
			}
			if err != nil {
				return
			}
		}
	}()

	f, err := c.Call(context.Background(), "ask", nil)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if string(f.Body) != "answer" {
		t.Errorf("Expected answer, got %q", f.Body)
	}
}

// TestReconnect tests connecting again after the server dropped the connection
func TestReconnect(t *testing.T) {
	endpoint, conns := silentServer(t)
	c := connect(t, endpoint)

	if _, err := c.SendRequest("x", nil); err != nil {
		t.Fatalf("SendRequest failed: %v", err)
	}
	_ = accept(t, conns).Close()

	deadline := time.Now().Add(2 * time.Second)
	for c.Connected() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if c.Connected() {
		t.Fatal("Expected client to notice the closed connection")
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Reconnect failed: %v", err)
	}
	accept(t, conns)

	id, err := c.SendRequest("x", nil)
	if err != nil {
		t.Fatalf("SendRequest after reconnect failed: %v", err)
	}
	if id != 2 {
		t.Errorf("Expected ids to continue after reconnect, got %d", id)
	}
}
