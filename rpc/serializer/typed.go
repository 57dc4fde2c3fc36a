package serializer

import (
	"context"
	"errors"
	"fmt"
	"github.com/ValentinKolb/tinyrpc/rpc/frame"
	"io"
	"reflect"
)

// Void is used as argument or result type of functions that take or return nothing.
// It is encoded as an empty payload by every serializer.
type Void struct{}

// Caller is implemented by client.RPCClient and client.Pool
type Caller interface {
	Call(ctx context.Context, name string, payload []byte) (*frame.Frame, error)
}

// RemoteError is returned by Invoke when the remote function failed
type RemoteError struct {
	Function string
	Message  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Function, e.Message)
}

// ErrEmptyResponse is returned by Invoke when the server answered without a
// body, which happens if the remote function panicked
var ErrEmptyResponse = errors.New("empty response")

// Every typed response starts with a status byte
const (
	statusOK    byte = 0
	statusError byte = 1
)

var voidType = reflect.TypeOf(Void{})

// Func wraps fn into a handler that can be registered with a server.
//
// The payload is decoded into A, the result is encoded with s. Errors returned
// by fn (or by decoding the arguments) are sent to the caller and surface as
// *RemoteError from Invoke.
func Func[A, R any](s IRPCSerializer, fn func(ctx context.Context, args A) (R, error)) func(ctx context.Context, payload []byte, w io.Writer) {
	return func(ctx context.Context, payload []byte, w io.Writer) {
		var args A
		if err := decode(s, payload, &args); err != nil {
			writeError(w, fmt.Errorf("invalid arguments: %w", err))
			return
		}

		res, err := fn(ctx, args)
		if err != nil {
			writeError(w, err)
			return
		}

		out, err := encode(s, res)
		if err != nil {
			writeError(w, fmt.Errorf("failed to serialize result: %w", err))
			return
		}

		_, _ = w.Write([]byte{statusOK})
		_, _ = w.Write(out)
	}
}

// Invoke calls the function name with args and decodes the result into R.
// The server must have registered the function with Func and the same serializer.
func Invoke[R any](ctx context.Context, c Caller, s IRPCSerializer, name string, args any) (R, error) {
	var res R

	payload, err := encode(s, args)
	if err != nil {
		return res, fmt.Errorf("failed to serialize arguments: %w", err)
	}

	f, err := c.Call(ctx, name, payload)
	if err != nil {
		return res, err
	}

	if len(f.Body) == 0 {
		return res, fmt.Errorf("%s: %w", name, ErrEmptyResponse)
	}

	switch f.Body[0] {
	case statusOK:
		if err := decode(s, f.Body[1:], &res); err != nil {
			return res, fmt.Errorf("failed to deserialize result of %s: %w", name, err)
		}
		return res, nil
	case statusError:
		return res, &RemoteError{Function: name, Message: string(f.Body[1:])}
	default:
		return res, fmt.Errorf("%s: unknown response status %d", name, f.Body[0])
	}
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func encode(s IRPCSerializer, v any) ([]byte, error) {
	if v == nil || reflect.TypeOf(v) == voidType {
		return nil, nil
	}
	return s.Serialize(v)
}

func decode(s IRPCSerializer, b []byte, v any) error {
	if reflect.TypeOf(v).Elem() == voidType {
		if len(b) != 0 {
			return fmt.Errorf("expected no payload, got %d bytes", len(b))
		}
		return nil
	}
	return s.Deserialize(b, v)
}

func writeError(w io.Writer, err error) {
	_, _ = w.Write([]byte{statusError})
	_, _ = io.WriteString(w, err.Error())
}
