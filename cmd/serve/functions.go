package serve

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"github.com/ValentinKolb/tinyrpc/rpc/serializer"
	"github.com/ValentinKolb/tinyrpc/rpc/server"
	"github.com/lni/dragonboat/v4/logger"
	"time"
)

var Logger = logger.GetLogger("rpc")

// MaxSleep caps the duration accepted by the sleep function
const MaxSleep = 10 * time.Second

// RegisterDemoFunctions registers the functions exposed by the serve command.
// All arguments and results are encoded with s, so clients must use the same
// serializer.
//
//	add(a, b)        sync      returns a + b
//	get_value()      sync      returns 999
//	hello()          sync      logs "Hello World!"
//	hello_to(name)   sync      logs and returns "Hello <name>!"
//	sleep(ms)        async     waits ms milliseconds, returns the time slept
//	sha256(data)     blocking  returns the hex encoded digest of data
func RegisterDemoFunctions(srv *server.RPCServer, s serializer.IRPCSerializer) error {
	register := []struct {
		name string
		kind server.Kind
		fn   server.HandlerFunc
	}{
		{"add", server.KindSync, serializer.Func(s, add)},
		{"get_value", server.KindSync, serializer.Func(s, getValue)},
		{"hello", server.KindSync, serializer.Func(s, hello)},
		{"hello_to", server.KindSync, serializer.Func(s, helloTo)},
		{"sleep", server.KindAsync, serializer.Func(s, sleep)},
		{"sha256", server.KindBlocking, serializer.Func(s, digest)},
	}

	for _, r := range register {
		if err := srv.RegisterHandler(r.name, server.Handler{Kind: r.kind, Fn: r.fn}); err != nil {
			return fmt.Errorf("failed to register %s: %w", r.name, err)
		}
	}
	return nil
}

func add(_ context.Context, args [2]int64) (int64, error) {
	return args[0] + args[1], nil
}

func getValue(_ context.Context, _ serializer.Void) (int64, error) {
	return 999, nil
}

func hello(_ context.Context, _ serializer.Void) (serializer.Void, error) {
	Logger.Infof("Hello World!")
	return serializer.Void{}, nil
}

func helloTo(_ context.Context, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("name must not be empty")
	}
	greeting := fmt.Sprintf("Hello %s!", name)
	Logger.Infof("%s", greeting)
	return greeting, nil
}

func sleep(ctx context.Context, ms int64) (int64, error) {
	d := time.Duration(ms) * time.Millisecond
	if d < 0 || d > MaxSleep {
		return 0, fmt.Errorf("sleep duration must be between 0 and %s", MaxSleep)
	}

	start := time.Now()
	select {
	case <-time.After(d):
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	return time.Since(start).Milliseconds(), nil
}

func digest(_ context.Context, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
