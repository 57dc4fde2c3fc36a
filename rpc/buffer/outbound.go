package buffer

import (
	"fmt"
	"sync"
)

// Reservation is a claimed region of an Outbound buffer that is filled later via Writer.Patch.
// Positions are absolute stream offsets, so a reservation stays valid while the
// buffer is drained and compacted.
type Reservation struct {
	off uint64
	n   int
}

// Offset returns the absolute stream offset of the first reserved byte
func (r Reservation) Offset() uint64 {
	return r.off
}

// Len returns the number of reserved bytes
func (r Reservation) Len() int {
	return r.n
}

// Outbound is a growable FIFO byte buffer shared by the producers of a connection
// (handlers, callers) and its write loop.
//
// Bytes are appended at the write position and drained from the read position.
// A region can be reserved first and patched later; draining never passes the
// oldest reservation that has not been patched yet, so readers never observe
// incomplete data. A single mutex guards every mutation and drain, it is never
// held during socket io.
type Outbound struct {
	mu   sync.Mutex
	buf  []byte
	r    int    // read position in buf
	base uint64 // absolute stream offset of buf[0]

	// start offsets of unpatched reservations, in ascending order
	holds []uint64
}

// NewOutbound creates a buffer with the given initial capacity
func NewOutbound(capacity int) *Outbound {
	return &Outbound{buf: make([]byte, 0, capacity)}
}

// --------------------------------------------------------------------------
// Locked API
// --------------------------------------------------------------------------

// Write appends p at the write position. It never fails.
func (o *Outbound) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.write(p), nil
}

// Stage runs fn with exclusive access to the buffer. Everything fn writes through
// the Writer is contiguous, no other producer can interleave bytes.
func (o *Outbound) Stage(fn func(w *Writer)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn(&Writer{o: o})
}

// Drain moves the oldest drainable bytes into dst and returns how many were copied.
// It returns 0 if the buffer is empty or the oldest bytes belong to an unpatched reservation.
func (o *Outbound) Drain(dst []byte) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	limit := len(o.buf)
	if len(o.holds) > 0 {
		limit = int(o.holds[0] - o.base)
	}

	n := copy(dst, o.buf[o.r:limit])
	o.r += n
	o.compact()
	return n
}

// Len returns the number of buffered bytes, including unpatched reservations
func (o *Outbound) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.buf) - o.r
}

// Reset drops all buffered bytes and reservations
func (o *Outbound) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.base += uint64(len(o.buf))
	o.buf = o.buf[:0]
	o.r = 0
	o.holds = o.holds[:0]
}

// --------------------------------------------------------------------------
// Writer (unlocked view used inside Stage)
// --------------------------------------------------------------------------

// Writer gives access to an Outbound buffer while its lock is held. It must not
// be retained after the Stage callback returns.
type Writer struct {
	o *Outbound
}

func (w *Writer) Write(p []byte) (int, error) {
	return w.o.write(p), nil
}

func (w *Writer) Reserve(n int) Reservation {
	return w.o.reserve(n)
}

func (w *Writer) Patch(r Reservation, p []byte) error {
	return w.o.patch(r, p)
}

// Offset returns the absolute stream offset of the write position
func (w *Writer) Offset() uint64 {
	return w.o.base + uint64(len(w.o.buf))
}

// Truncate drops every byte written at or after the absolute offset off,
// together with reservations that start there. Bytes that were already drained
// cannot be dropped.
func (w *Writer) Truncate(off uint64) error {
	o := w.o
	if off < o.base+uint64(o.r) || off > o.base+uint64(len(o.buf)) {
		return fmt.Errorf("offset %d outside of buffered range", off)
	}
	o.buf = o.buf[:off-o.base]
	for i, h := range o.holds {
		if h >= off {
			o.holds = o.holds[:i]
			break
		}
	}
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods (caller holds the lock)
// --------------------------------------------------------------------------

func (o *Outbound) write(p []byte) int {
	o.buf = append(o.buf, p...)
	return len(p)
}

func (o *Outbound) reserve(n int) Reservation {
	r := Reservation{off: o.base + uint64(len(o.buf)), n: n}
	o.buf = append(o.buf, make([]byte, n)...)
	o.holds = append(o.holds, r.off)
	return r
}

func (o *Outbound) patch(r Reservation, p []byte) error {
	if len(p) != r.n {
		return fmt.Errorf("patch of %d bytes does not match reservation of %d bytes", len(p), r.n)
	}

	idx := -1
	for i, h := range o.holds {
		if h == r.off {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("reservation at offset %d is not pending", r.off)
	}

	start := int(r.off - o.base)
	copy(o.buf[start:start+r.n], p)
	o.holds = append(o.holds[:idx], o.holds[idx+1:]...)
	return nil
}

// compact reclaims drained space once the buffer is empty or more than half of it was drained
func (o *Outbound) compact() {
	if o.r == 0 {
		return
	}
	if o.r == len(o.buf) {
		o.base += uint64(o.r)
		o.buf = o.buf[:0]
		o.r = 0
		return
	}
	if o.r > cap(o.buf)/2 {
		n := copy(o.buf, o.buf[o.r:])
		o.base += uint64(o.r)
		o.buf = o.buf[:n]
		o.r = 0
	}
}
