package server

import (
	"bytes"
	"github.com/ValentinKolb/tinyrpc/rpc/buffer"
	"github.com/ValentinKolb/tinyrpc/rpc/frame"
	"github.com/ValentinKolb/tinyrpc/rpc/transport/base"
	"golang.org/x/time/rate"
	"io"
	"runtime/debug"
	"sync"
	"time"
)

// serverConn dispatches the frames of a single accepted connection
type serverConn struct {
	s        *RPCServer
	conn     *base.Conn
	limiter  *rate.Limiter
	inflight sync.WaitGroup
}

func newServerConn(s *RPCServer) *serverConn {
	sc := &serverConn{s: s}
	if s.config.DispatchRate > 0 {
		sc.limiter = rate.NewLimiter(rate.Limit(s.config.DispatchRate), s.config.DispatchBurst)
	}
	return sc
}

// dispatch runs on the read loop for every request, in arrival order
func (sc *serverConn) dispatch(f *frame.Frame) {
	if sc.limiter != nil {
		if err := sc.limiter.Wait(sc.conn.Context()); err != nil {
			droppedReplies.Inc()
			return
		}
	}

	h, ok := sc.s.handlers.Load(f.Name)
	if !ok {
		unknownCalls.Inc()
		Logger.Warningf("connection %s: function %q not found (id %d)", sc.conn.ID(), f.Name, f.ID)
		sc.reply(frame.AppendNotFound(make([]byte, 0, frame.NotFoundSize), f.ID))
		return
	}

	switch h.Kind {
	case KindSync:
		sc.runSync(h, f)
	case KindAsync:
		sc.inflight.Add(1)
		go func() {
			defer sc.inflight.Done()
			sc.runDeferred(h, f)
		}()
	case KindBlocking:
		sc.inflight.Add(1)
		_, err := sc.s.pool.Submit(func() {
			defer sc.inflight.Done()
			sc.runDeferred(h, f)
		})
		if err != nil {
			sc.inflight.Done()
			droppedReplies.Inc()
			Logger.Errorf("connection %s: cannot run %q (id %d): %v", sc.conn.ID(), f.Name, f.ID, err)
		}
	}
}

// drain waits for async and blocking handlers once the request stream ended.
// The write loop is still running, so their responses are flushed afterwards.
func (sc *serverConn) drain(err error) {
	sc.inflight.Wait()
}

// runSync reserves the header, lets the handler write the body straight into
// the outbound buffer and patches the body size afterwards. The buffer lock is
// held until the handler returns, so the write loop cannot drain in the meantime.
func (sc *serverConn) runSync(h Handler, f *frame.Frame) {
	err := sc.conn.Stage(func(w *buffer.Writer) {
		hdrLen := frame.HeaderSize(f.Name)
		start := w.Offset()
		hdr := w.Reserve(hdrLen)

		size := uint64(0)
		if sc.invoke(h, f, w) {
			size = w.Offset() - start - uint64(hdrLen)
		}
		if size > sc.s.config.MaxBodySize {
			sc.oversized(f, size)
			size = 0
		}
		if size == 0 {
			if err := w.Truncate(start + uint64(hdrLen)); err != nil {
				Logger.Errorf("connection %s: %v", sc.conn.ID(), err)
			}
		}

		if err := w.Patch(hdr, frame.AppendHeader(make([]byte, 0, hdrLen), f.ID, f.Name, size)); err != nil {
			Logger.Errorf("connection %s: %v", sc.conn.ID(), err)
		}
	})
	if err != nil {
		sc.dropped(err)
	}
}

// runDeferred runs the handler into a scratch buffer and stages the complete frame
func (sc *serverConn) runDeferred(h Handler, f *frame.Frame) {
	buf := sc.s.scratch.Get().(*bytes.Buffer)
	defer sc.s.scratch.Put(buf)
	buf.Reset()

	hdrLen := frame.HeaderSize(f.Name)
	buf.Write(frame.AppendHeader(buf.AvailableBuffer(), f.ID, f.Name, 0))

	if !sc.invoke(h, f, buf) {
		buf.Truncate(hdrLen)
	}
	if size := uint64(buf.Len() - hdrLen); size > sc.s.config.MaxBodySize {
		sc.oversized(f, size)
		buf.Truncate(hdrLen)
	}

	out := buf.Bytes()
	frame.PutBodySize(out[:hdrLen], uint64(len(out)-hdrLen))
	sc.reply(out)
}

// invoke calls the handler and reports false if it panicked
func (sc *serverConn) invoke(h Handler, f *frame.Frame, w io.Writer) (ok bool) {
	start := time.Now()
	defer func() {
		observe(h.Kind, start)
		if r := recover(); r != nil {
			handlerPanics.Inc()
			Logger.Errorf("connection %s: function %q (id %d) panicked: %v\n%s", sc.conn.ID(), f.Name, f.ID, r, debug.Stack())
			ok = false
		}
	}()

	h.Fn(sc.conn.Context(), f.Body, w)
	return true
}

// oversized replaces a response body the peer's parser would discard, so the caller still gets an answer
func (sc *serverConn) oversized(f *frame.Frame, size uint64) {
	oversizedReplies.Inc()
	Logger.Errorf("connection %s: response of %q (id %d) has %d bytes, limit is %d, sending an empty body",
		sc.conn.ID(), f.Name, f.ID, size, sc.s.config.MaxBodySize)
}

// reply stages a complete frame
func (sc *serverConn) reply(p []byte) {
	if _, err := sc.conn.Write(p); err != nil {
		sc.dropped(err)
	}
}

func (sc *serverConn) dropped(err error) {
	droppedReplies.Inc()
	Logger.Debugf("connection %s: dropping response: %v", sc.conn.ID(), err)
}
