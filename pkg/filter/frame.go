package filter

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrFrameTooLarge reports a frame whose length exceeds the configured
// maximum, inbound or outbound. It is fatal to the connection carrying it.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// NewFrameFactory produces frame filters that convert between a raw byte
// stream and length-prefixed frames (4-byte big-endian length, then
// payload).
//
// minSize seeds the reassembly buffer; maxSize bounds the length of any
// single frame. A frame of exactly maxSize is legal; one byte more is a
// framing error. Zero-length frames are legal in both directions.
func NewFrameFactory(minSize, maxSize int) Factory[[]byte, []byte] {
	if minSize <= 0 || maxSize < minSize {
		panic(fmt.Sprintf("filter: invalid frame bounds [%d, %d]", minSize, maxSize))
	}

	return FactoryFunc[[]byte, []byte](func(Connection) Filter[[]byte, []byte] {
		return &frameFilter{
			maxSize: maxSize,
			pending: make([]byte, 0, minSize),
		}
	})
}

const frameHeaderSize = 4

// frameFilter reassembles frames from arbitrary read chunks. Partial frames
// live in pending between traversals; the queues themselves never hold
// partial input.
type frameFilter struct {
	maxSize int
	pending []byte
}

func (f *frameFilter) Inbound(in ReadQueue[[]byte], out WriteQueue[[]byte]) error {
	for chunk, ok := in.Poll(); ok; chunk, ok = in.Poll() {
		f.pending = append(f.pending, chunk...)
	}

	for len(f.pending) >= frameHeaderSize {
		length := int(binary.BigEndian.Uint32(f.pending))
		if length > f.maxSize {
			return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, f.maxSize)
		}
		if len(f.pending) < frameHeaderSize+length {
			break
		}

		frame := make([]byte, length)
		copy(frame, f.pending[frameHeaderSize:frameHeaderSize+length])
		out.Add(frame)

		f.pending = f.pending[:copy(f.pending, f.pending[frameHeaderSize+length:])]
	}

	return nil
}

func (f *frameFilter) Outbound(in ReadQueue[[]byte], out WriteQueue[[]byte]) error {
	for frame, ok := in.Poll(); ok; frame, ok = in.Poll() {
		if len(frame) > f.maxSize {
			return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(frame), f.maxSize)
		}

		framed := make([]byte, frameHeaderSize+len(frame))
		binary.BigEndian.PutUint32(framed, uint32(len(frame)))
		copy(framed[frameHeaderSize:], frame)
		out.Add(framed)
	}

	return nil
}
