package serializer

import (
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
)

// NewBinarySerializer creates a new serializer using a custom binary format
// optimized for speed and efficiency.
//
// Fixed size values are written in native byte order without any framing, so
// an int64 takes 8 bytes and a [2]int64 takes 16. Strings, slices and maps are
// prefixed with a 4 byte length, pointers with a presence byte. Struct fields
// are written in declaration order, unexported fields are skipped.
func NewBinarySerializer() IRPCSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements IRPCSerializer using a custom binary format
type binarySerializerImpl struct {
}

// nilLength marks a nil slice or map, an empty one has length 0
const nilLength = math.MaxUint32

var byteOrder = binary.NativeEndian

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (b binarySerializerImpl) Serialize(v any) ([]byte, error) {
	if v == nil {
		return nil, fmt.Errorf("cannot serialize nil")
	}
	rv := reflect.ValueOf(v)

	// fast path for numbers and arrays of numbers
	if isFixed(rv.Type()) {
		return binary.Append(make([]byte, 0, binary.Size(v)), byteOrder, v)
	}

	return b.appendValue(nil, rv)
}

func (b binarySerializerImpl) Deserialize(data []byte, v any) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("deserialize target must be a non nil pointer, got %T", v)
	}

	rest, err := b.readValue(data, rv.Elem())
	if err != nil {
		return err
	}
	if len(rest) != 0 {
		return fmt.Errorf("%d trailing bytes after %s", len(rest), rv.Elem().Type())
	}
	return nil
}

func (b binarySerializerImpl) Name() string {
	return "binary"
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (b binarySerializerImpl) appendValue(dst []byte, v reflect.Value) ([]byte, error) {
	switch v.Kind() {
	case reflect.Bool:
		if v.Bool() {
			return append(dst, 1), nil
		}
		return append(dst, 0), nil
	case reflect.Int8:
		return append(dst, byte(v.Int())), nil
	case reflect.Int16:
		return byteOrder.AppendUint16(dst, uint16(v.Int())), nil
	case reflect.Int32:
		return byteOrder.AppendUint32(dst, uint32(v.Int())), nil
	case reflect.Int, reflect.Int64:
		return byteOrder.AppendUint64(dst, uint64(v.Int())), nil
	case reflect.Uint8:
		return append(dst, byte(v.Uint())), nil
	case reflect.Uint16:
		return byteOrder.AppendUint16(dst, uint16(v.Uint())), nil
	case reflect.Uint32:
		return byteOrder.AppendUint32(dst, uint32(v.Uint())), nil
	case reflect.Uint, reflect.Uint64, reflect.Uintptr:
		return byteOrder.AppendUint64(dst, v.Uint()), nil
	case reflect.Float32:
		return byteOrder.AppendUint32(dst, math.Float32bits(float32(v.Float()))), nil
	case reflect.Float64:
		return byteOrder.AppendUint64(dst, math.Float64bits(v.Float())), nil

	case reflect.String:
		dst = byteOrder.AppendUint32(dst, uint32(v.Len()))
		return append(dst, v.String()...), nil

	case reflect.Slice:
		if v.IsNil() {
			return byteOrder.AppendUint32(dst, nilLength), nil
		}
		dst = byteOrder.AppendUint32(dst, uint32(v.Len()))
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return append(dst, v.Bytes()...), nil
		}
		return b.appendElems(dst, v)

	case reflect.Array:
		return b.appendElems(dst, v)

	case reflect.Map:
		if v.IsNil() {
			return byteOrder.AppendUint32(dst, nilLength), nil
		}
		dst = byteOrder.AppendUint32(dst, uint32(v.Len()))
		var err error
		iter := v.MapRange()
		for iter.Next() {
			if dst, err = b.appendValue(dst, iter.Key()); err != nil {
				return dst, err
			}
			if dst, err = b.appendValue(dst, iter.Value()); err != nil {
				return dst, err
			}
		}
		return dst, nil

	case reflect.Pointer:
		if v.IsNil() {
			return append(dst, 0), nil
		}
		return b.appendValue(append(dst, 1), v.Elem())

	case reflect.Struct:
		var err error
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			if !t.Field(i).IsExported() {
				continue
			}
			if dst, err = b.appendValue(dst, v.Field(i)); err != nil {
				return dst, err
			}
		}
		return dst, nil

	default:
		return dst, fmt.Errorf("binary serializer does not support %s", v.Type())
	}
}

func (b binarySerializerImpl) appendElems(dst []byte, v reflect.Value) ([]byte, error) {
	var err error
	for i := 0; i < v.Len(); i++ {
		if dst, err = b.appendValue(dst, v.Index(i)); err != nil {
			return dst, err
		}
	}
	return dst, nil
}

// readValue decodes data into v and returns the remaining bytes
func (b binarySerializerImpl) readValue(data []byte, v reflect.Value) ([]byte, error) {
	switch v.Kind() {
	case reflect.Bool:
		if len(data) < 1 {
			return nil, fmt.Errorf("data too short for bool")
		}
		v.SetBool(data[0] != 0)
		return data[1:], nil
	case reflect.Int8, reflect.Uint8:
		if len(data) < 1 {
			return nil, fmt.Errorf("data too short for %s", v.Type())
		}
		setInt(v, uint64(data[0]))
		return data[1:], nil
	case reflect.Int16, reflect.Uint16:
		if len(data) < 2 {
			return nil, fmt.Errorf("data too short for %s", v.Type())
		}
		setInt(v, uint64(byteOrder.Uint16(data)))
		return data[2:], nil
	case reflect.Int32, reflect.Uint32:
		if len(data) < 4 {
			return nil, fmt.Errorf("data too short for %s", v.Type())
		}
		setInt(v, uint64(byteOrder.Uint32(data)))
		return data[4:], nil
	case reflect.Int, reflect.Int64, reflect.Uint, reflect.Uint64, reflect.Uintptr:
		if len(data) < 8 {
			return nil, fmt.Errorf("data too short for %s", v.Type())
		}
		setInt(v, byteOrder.Uint64(data))
		return data[8:], nil
	case reflect.Float32:
		if len(data) < 4 {
			return nil, fmt.Errorf("data too short for float32")
		}
		v.SetFloat(float64(math.Float32frombits(byteOrder.Uint32(data))))
		return data[4:], nil
	case reflect.Float64:
		if len(data) < 8 {
			return nil, fmt.Errorf("data too short for float64")
		}
		v.SetFloat(math.Float64frombits(byteOrder.Uint64(data)))
		return data[8:], nil

	case reflect.String:
		n, data, err := readLength(data, "string")
		if err != nil {
			return nil, err
		}
		if n == nilLength || uint64(len(data)) < uint64(n) {
			return nil, fmt.Errorf("data too short for string data")
		}
		v.SetString(string(data[:n]))
		return data[n:], nil

	case reflect.Slice:
		n, data, err := readLength(data, "slice")
		if err != nil {
			return nil, err
		}
		if n == nilLength {
			v.SetZero()
			return data, nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			if uint64(len(data)) < uint64(n) {
				return nil, fmt.Errorf("data too short for byte slice data")
			}
			v.SetBytes(append(make([]byte, 0, n), data[:n]...))
			return data[n:], nil
		}
		// every element takes at least one byte
		if uint64(len(data)) < uint64(n) {
			return nil, fmt.Errorf("data too short for %d slice elements", n)
		}
		v.Set(reflect.MakeSlice(v.Type(), int(n), int(n)))
		return b.readElems(data, v)

	case reflect.Array:
		return b.readElems(data, v)

	case reflect.Map:
		n, data, err := readLength(data, "map")
		if err != nil {
			return nil, err
		}
		if n == nilLength {
			v.SetZero()
			return data, nil
		}
		if uint64(len(data)) < uint64(n) {
			return nil, fmt.Errorf("data too short for %d map entries", n)
		}
		t := v.Type()
		m := reflect.MakeMapWithSize(t, int(n))
		for i := uint32(0); i < n; i++ {
			key := reflect.New(t.Key()).Elem()
			if data, err = b.readValue(data, key); err != nil {
				return nil, err
			}
			val := reflect.New(t.Elem()).Elem()
			if data, err = b.readValue(data, val); err != nil {
				return nil, err
			}
			m.SetMapIndex(key, val)
		}
		v.Set(m)
		return data, nil

	case reflect.Pointer:
		if len(data) < 1 {
			return nil, fmt.Errorf("data too short for pointer flag")
		}
		if data[0] == 0 {
			v.SetZero()
			return data[1:], nil
		}
		elem := reflect.New(v.Type().Elem())
		rest, err := b.readValue(data[1:], elem.Elem())
		if err != nil {
			return nil, err
		}
		v.Set(elem)
		return rest, nil

	case reflect.Struct:
		var err error
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			if !t.Field(i).IsExported() {
				continue
			}
			if data, err = b.readValue(data, v.Field(i)); err != nil {
				return nil, fmt.Errorf("%s.%s: %w", t.Name(), t.Field(i).Name, err)
			}
		}
		return data, nil

	default:
		return nil, fmt.Errorf("binary serializer does not support %s", v.Type())
	}
}

func (b binarySerializerImpl) readElems(data []byte, v reflect.Value) ([]byte, error) {
	var err error
	for i := 0; i < v.Len(); i++ {
		if data, err = b.readValue(data, v.Index(i)); err != nil {
			return nil, err
		}
	}
	return data, nil
}

func readLength(data []byte, what string) (uint32, []byte, error) {
	if len(data) < 4 {
		return 0, nil, fmt.Errorf("data too short for %s length", what)
	}
	return byteOrder.Uint32(data), data[4:], nil
}

// isFixed reports whether encoding/binary writes t exactly like appendValue
func isFixed(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Float32, reflect.Float64:
		return true
	case reflect.Array:
		return isFixed(t.Elem())
	default:
		return false
	}
}

// setInt stores the raw bits u into a signed or unsigned integer value,
// sign extending according to the size of v
func setInt(v reflect.Value, u uint64) {
	switch v.Kind() {
	case reflect.Int8:
		v.SetInt(int64(int8(u)))
	case reflect.Int16:
		v.SetInt(int64(int16(u)))
	case reflect.Int32:
		v.SetInt(int64(int32(u)))
	case reflect.Int, reflect.Int64:
		v.SetInt(int64(u))
	default:
		v.SetUint(u)
	}
}
