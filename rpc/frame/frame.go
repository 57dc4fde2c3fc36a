package frame

import (
	"encoding/binary"
	"fmt"
	"github.com/ValentinKolb/tinyrpc/rpc/common"
)

// Magic marks the start of every frame on the wire
const Magic uint16 = 0x5254

const (
	magicSize = 2
	idSize    = 8
	sizeSize  = 8

	// NotFoundSize is the encoded size of a function-not-found frame (magic, id, empty name)
	NotFoundSize = magicSize + idSize + 1
)

// byteOrder is the byte order of all integers on the wire. Both peers are expected
// to run on machines with the same endianness.
var byteOrder = binary.NativeEndian

// magicBytes is Magic as it appears on the wire
var magicBytes = func() [magicSize]byte {
	var b [magicSize]byte
	byteOrder.PutUint16(b[:], Magic)
	return b
}()

// Frame is a single decoded message.
//
// A frame with an empty Name is the "function not found" response, it never
// carries a body (Body is nil). A named frame always has a non-nil Body, which
// may be empty.
type Frame struct {
	ID   uint64
	Name string
	Body []byte
}

// IsNotFound reports whether the frame is the "function not found" response
func (f *Frame) IsNotFound() bool {
	return f.Name == ""
}

func (f *Frame) String() string {
	if f.IsNotFound() {
		return fmt.Sprintf("frame{id=%d, not found}", f.ID)
	}
	return fmt.Sprintf("frame{id=%d, name=%q, body=%d bytes}", f.ID, f.Name, len(f.Body))
}

// --------------------------------------------------------------------------
// Encoding
// --------------------------------------------------------------------------

// ValidateName checks that name can be sent as a function name
func ValidateName(name string, maxLength int) error {
	if name == "" {
		return fmt.Errorf("function name must not be empty")
	}
	if maxLength > 0 && len(name) > maxLength {
		return fmt.Errorf("function name of %d bytes exceeds %d: %w", len(name), maxLength, common.ErrFrameTooLarge)
	}
	for i := 0; i < len(name); i++ {
		if name[i] == 0 {
			return fmt.Errorf("function name must not contain NUL bytes")
		}
	}
	return nil
}

// HeaderSize returns the encoded size of a named frame header (everything but the body)
func HeaderSize(name string) int {
	return magicSize + idSize + len(name) + 1 + sizeSize
}

// AppendHeader appends the header of a named frame to dst
func AppendHeader(dst []byte, id uint64, name string, bodySize uint64) []byte {
	dst = append(dst, magicBytes[:]...)
	dst = byteOrder.AppendUint64(dst, id)
	dst = append(dst, name...)
	dst = append(dst, 0)
	return byteOrder.AppendUint64(dst, bodySize)
}

// PutBodySize overwrites the body size of an encoded header. hdr must be exactly
// HeaderSize(name) bytes long.
func PutBodySize(hdr []byte, bodySize uint64) {
	byteOrder.PutUint64(hdr[len(hdr)-sizeSize:], bodySize)
}

// AppendFrame appends a complete named frame to dst
func AppendFrame(dst []byte, id uint64, name string, body []byte) []byte {
	dst = AppendHeader(dst, id, name, uint64(len(body)))
	return append(dst, body...)
}

// AppendNotFound appends a "function not found" frame for the given id to dst
func AppendNotFound(dst []byte, id uint64) []byte {
	dst = append(dst, magicBytes[:]...)
	dst = byteOrder.AppendUint64(dst, id)
	return append(dst, 0)
}

// Encode returns the wire representation of f
func Encode(f *Frame) []byte {
	if f.IsNotFound() {
		return AppendNotFound(make([]byte, 0, NotFoundSize), f.ID)
	}
	return AppendFrame(make([]byte, 0, HeaderSize(f.Name)+len(f.Body)), f.ID, f.Name, f.Body)
}
