package serializer

import (
	"fmt"
	"github.com/tinylib/msgp/msgp"
	"math"
	"reflect"
)

// NewMsgpackSerializer creates a new serializer using the MessagePack format.
//
// Types generated by the msgp code generator (msgp.Marshaler / msgp.Unmarshaler)
// are encoded with their generated methods. All other values go through
// msgp.AppendIntf and are decoded into the target with reflection, which
// supports numbers, strings, byte slices, bools, slices, arrays, maps with
// string keys and pointers to those.
func NewMsgpackSerializer() IRPCSerializer {
	return &msgpSerializerImpl{}
}

// msgpSerializerImpl implements the IRPCSerializer interface using tinylib/msgp
type msgpSerializerImpl struct {
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (m msgpSerializerImpl) Serialize(v any) ([]byte, error) {
	if mv, ok := v.(msgp.Marshaler); ok {
		return mv.MarshalMsg(nil)
	}
	return msgp.AppendIntf(nil, v)
}

func (m msgpSerializerImpl) Deserialize(b []byte, v any) error {
	if uv, ok := v.(msgp.Unmarshaler); ok {
		rest, err := uv.UnmarshalMsg(b)
		if err != nil {
			return err
		}
		if len(rest) != 0 {
			return fmt.Errorf("%d trailing bytes after %T", len(rest), v)
		}
		return nil
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("deserialize target must be a non nil pointer, got %T", v)
	}

	decoded, rest, err := msgp.ReadIntfBytes(b)
	if err != nil {
		return err
	}
	if len(rest) != 0 {
		return fmt.Errorf("%d trailing bytes after %T", len(rest), v)
	}
	return assign(rv.Elem(), decoded)
}

func (m msgpSerializerImpl) Name() string {
	return "msgpack"
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// assign stores a value returned by msgp.ReadIntfBytes into dst
func assign(dst reflect.Value, src any) error {
	if src == nil {
		dst.SetZero()
		return nil
	}

	if dst.Kind() == reflect.Interface {
		dst.Set(reflect.ValueOf(src))
		return nil
	}

	mismatch := func() error {
		return fmt.Errorf("cannot decode %T into %s", src, dst.Type())
	}

	switch dst.Kind() {
	case reflect.Bool:
		b, ok := src.(bool)
		if !ok {
			return mismatch()
		}
		dst.SetBool(b)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		var i int64
		switch n := src.(type) {
		case int64:
			i = n
		case uint64:
			if n > math.MaxInt64 {
				return fmt.Errorf("%d overflows %s", n, dst.Type())
			}
			i = int64(n)
		case float64:
			if n != math.Trunc(n) {
				return mismatch()
			}
			i = int64(n)
		default:
			return mismatch()
		}
		if dst.OverflowInt(i) {
			return fmt.Errorf("%d overflows %s", i, dst.Type())
		}
		dst.SetInt(i)

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		var u uint64
		switch n := src.(type) {
		case uint64:
			u = n
		case int64:
			if n < 0 {
				return fmt.Errorf("%d overflows %s", n, dst.Type())
			}
			u = uint64(n)
		case float64:
			if n < 0 || n != math.Trunc(n) {
				return mismatch()
			}
			u = uint64(n)
		default:
			return mismatch()
		}
		if dst.OverflowUint(u) {
			return fmt.Errorf("%d overflows %s", u, dst.Type())
		}
		dst.SetUint(u)

	case reflect.Float32, reflect.Float64:
		switch n := src.(type) {
		case float64:
			dst.SetFloat(n)
		case float32:
			dst.SetFloat(float64(n))
		case int64:
			dst.SetFloat(float64(n))
		case uint64:
			dst.SetFloat(float64(n))
		default:
			return mismatch()
		}

	case reflect.String:
		switch s := src.(type) {
		case string:
			dst.SetString(s)
		case []byte:
			dst.SetString(string(s))
		default:
			return mismatch()
		}

	case reflect.Slice:
		if dst.Type().Elem().Kind() == reflect.Uint8 {
			switch s := src.(type) {
			case []byte:
				dst.SetBytes(s)
				return nil
			case string:
				dst.SetBytes([]byte(s))
				return nil
			}
		}
		elems, ok := src.([]any)
		if !ok {
			return mismatch()
		}
		dst.Set(reflect.MakeSlice(dst.Type(), len(elems), len(elems)))
		for i, e := range elems {
			if err := assign(dst.Index(i), e); err != nil {
				return err
			}
		}

	case reflect.Array:
		elems, ok := src.([]any)
		if !ok {
			return mismatch()
		}
		if len(elems) != dst.Len() {
			return fmt.Errorf("cannot decode %d elements into %s", len(elems), dst.Type())
		}
		for i, e := range elems {
			if err := assign(dst.Index(i), e); err != nil {
				return err
			}
		}

	case reflect.Map:
		entries, ok := src.(map[string]any)
		if !ok || dst.Type().Key().Kind() != reflect.String {
			return mismatch()
		}
		t := dst.Type()
		m := reflect.MakeMapWithSize(t, len(entries))
		for k, e := range entries {
			val := reflect.New(t.Elem()).Elem()
			if err := assign(val, e); err != nil {
				return err
			}
			m.SetMapIndex(reflect.ValueOf(k).Convert(t.Key()), val)
		}
		dst.Set(m)

	case reflect.Pointer:
		elem := reflect.New(dst.Type().Elem())
		if err := assign(elem.Elem(), src); err != nil {
			return err
		}
		dst.Set(elem)

	default:
		return mismatch()
	}
	return nil
}
