package frame

import (
	"bytes"
	"github.com/ValentinKolb/tinyrpc/rpc/common"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("rpc/frame")

// initialBodyCap caps the up-front allocation for a frame body. Larger bodies
// grow while their bytes arrive, so a bogus size field cannot allocate memory
// that is never filled.
const initialBodyCap = 1 << 20

type state uint8

const (
	stateSync state = iota
	stateID
	stateName
	stateSize
	stateBody
)

func (s state) String() string {
	switch s {
	case stateSync:
		return "sync"
	case stateID:
		return "id"
	case stateName:
		return "name"
	case stateSize:
		return "size"
	case stateBody:
		return "body"
	default:
		return "unknown"
	}
}

// Parser turns a byte stream, delivered in arbitrary chunks, into frames.
//
// The parser is resumable: every state keeps its progress, so a chunk may end
// anywhere inside a frame. Bytes that do not start with the magic marker are
// skipped one at a time until the marker is found again.
//
// A Parser is not safe for concurrent use, each connection owns one.
type Parser struct {
	state   state
	maxName int
	maxBody uint64

	matched int            // magic marker bytes matched so far
	fixed   [sizeSize]byte // accumulator for the id and size fields
	filled  int

	id   uint64
	name []byte
	size uint64
	body []byte

	discarded uint64
	skipped   uint64 // bytes discarded since the last frame started
}

// NewParser creates a parser. Non positive limits are replaced by the defaults of the common package.
func NewParser(maxNameLength int, maxBodySize uint64) *Parser {
	if maxNameLength <= 0 {
		maxNameLength = common.DefaultMaxNameLength
	}
	if maxBodySize == 0 {
		maxBodySize = common.DefaultMaxBodySize
	}
	return &Parser{
		maxName: maxNameLength,
		maxBody: maxBodySize,
		name:    make([]byte, 0, 64),
	}
}

// Discarded returns the total number of bytes skipped while searching for a frame start
func (p *Parser) Discarded() uint64 {
	return p.discarded
}

// Process consumes chunk and returns every frame completed by it, in wire order.
// The returned frames are owned by the caller, the parser keeps no reference to them.
func (p *Parser) Process(chunk []byte) []*Frame {
	var frames []*Frame

	for len(chunk) > 0 {
		switch p.state {
		case stateSync:
			chunk = p.sync(chunk)

		case stateID:
			var done bool
			if chunk, done = p.readFixed(chunk); done {
				p.id = byteOrder.Uint64(p.fixed[:])
				p.name = p.name[:0]
				p.state = stateName
			}

		case stateName:
			i := bytes.IndexByte(chunk, 0)
			if i < 0 {
				if len(p.name)+len(chunk) > p.maxName {
					p.abandon("name exceeds %d bytes", p.maxName)
					continue
				}
				p.name = append(p.name, chunk...)
				chunk = nil
				continue
			}
			if len(p.name)+i > p.maxName {
				p.abandon("name exceeds %d bytes", p.maxName)
				continue
			}
			p.name = append(p.name, chunk[:i]...)
			chunk = chunk[i+1:]

			// empty name: not found response, the frame ends here
			if len(p.name) == 0 {
				frames = append(frames, &Frame{ID: p.id})
				p.reset()
				continue
			}
			p.state = stateSize

		case stateSize:
			var done bool
			if chunk, done = p.readFixed(chunk); !done {
				continue
			}
			p.size = byteOrder.Uint64(p.fixed[:])
			if p.size > p.maxBody {
				p.abandon("body size %d exceeds %d bytes", p.size, p.maxBody)
				continue
			}
			if p.size == 0 {
				frames = append(frames, p.emit([]byte{}))
				continue
			}
			p.body = make([]byte, 0, min(p.size, initialBodyCap))
			p.state = stateBody

		case stateBody:
			need := p.size - uint64(len(p.body))
			take := uint64(len(chunk))
			if take > need {
				take = need
			}
			p.body = append(p.body, chunk[:take]...)
			chunk = chunk[take:]
			if uint64(len(p.body)) == p.size {
				body := p.body
				p.body = nil
				frames = append(frames, p.emit(body))
			}
		}
	}

	return frames
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// sync searches the magic marker. On a mismatch exactly one byte is dropped,
// so a marker directly following a partial match is still found.
func (p *Parser) sync(chunk []byte) []byte {
	for len(chunk) > 0 {
		if p.matched == 0 {
			i := bytes.IndexByte(chunk, magicBytes[0])
			if i < 0 {
				p.skip(uint64(len(chunk)))
				return nil
			}
			p.skip(uint64(i))
			p.matched = 1
			chunk = chunk[i+1:]
			continue
		}

		b := chunk[0]
		chunk = chunk[1:]

		if b == magicBytes[p.matched] {
			p.matched++
			if p.matched == magicSize {
				p.matched = 0
				p.filled = 0
				p.state = stateID
				if p.skipped > 0 {
					Logger.Debugf("resynchronized after skipping %d bytes", p.skipped)
					p.skipped = 0
				}
				return chunk
			}
			continue
		}

		// drop the first byte of the partial match and retry with b
		p.skip(1)
		if b == magicBytes[0] {
			p.matched = 1
		} else {
			p.matched = 0
			p.skip(1)
		}
	}
	return chunk
}

// readFixed accumulates the 8 byte id or size field
func (p *Parser) readFixed(chunk []byte) ([]byte, bool) {
	n := copy(p.fixed[p.filled:], chunk)
	p.filled += n
	if p.filled < len(p.fixed) {
		return chunk[n:], false
	}
	p.filled = 0
	return chunk[n:], true
}

func (p *Parser) emit(body []byte) *Frame {
	f := &Frame{ID: p.id, Name: string(p.name), Body: body}
	p.reset()
	return f
}

// abandon drops the frame currently being read and goes back to searching the marker
func (p *Parser) abandon(format string, args ...interface{}) {
	args = append(args, p.id, p.state)
	Logger.Warningf("dropping frame: "+format+" (id=%d, state=%s)", args...)
	p.body = nil
	p.reset()
}

func (p *Parser) reset() {
	p.state = stateSync
	p.matched = 0
	p.filled = 0
	p.size = 0
}

func (p *Parser) skip(n uint64) {
	p.discarded += n
	p.skipped += n
}
