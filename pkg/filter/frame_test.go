package filter

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFrameFilter(t *testing.T, minSize, maxSize int) Filter[[]byte, []byte] {
	t.Helper()
	return NewFrameFactory(minSize, maxSize).NewFilter(testConn("test"))
}

func encodeFrame(payload []byte) []byte {
	framed := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(framed, uint32(len(payload)))
	copy(framed[4:], payload)
	return framed
}

func TestFrameOutbound(t *testing.T) {
	t.Run("PrefixesLength", func(t *testing.T) {
		f := newFrameFilter(t, 16, 64)

		out := NewQueue[[]byte]()
		in := NewQueue[[]byte]()
		in.Add([]byte("abc"))
		require.NoError(t, f.Outbound(in, out))

		framed, ok := out.Poll()
		require.True(t, ok)
		assert.Equal(t, encodeFrame([]byte("abc")), framed)
	})

	t.Run("ZeroLengthFrame", func(t *testing.T) {
		f := newFrameFilter(t, 16, 64)

		out := NewQueue[[]byte]()
		in := NewQueue[[]byte]()
		in.Add([]byte{})
		require.NoError(t, f.Outbound(in, out))

		framed, ok := out.Poll()
		require.True(t, ok)
		assert.Equal(t, []byte{0, 0, 0, 0}, framed)
	})

	t.Run("ExactMaximumAllowed", func(t *testing.T) {
		f := newFrameFilter(t, 16, 64)

		out := NewQueue[[]byte]()
		in := NewQueue[[]byte]()
		in.Add(bytes.Repeat([]byte{7}, 64))
		require.NoError(t, f.Outbound(in, out))
		assert.Equal(t, 1, out.Len())
	})

	t.Run("MaximumPlusOneRejected", func(t *testing.T) {
		f := newFrameFilter(t, 16, 64)

		out := NewQueue[[]byte]()
		in := NewQueue[[]byte]()
		in.Add(bytes.Repeat([]byte{7}, 65))
		err := f.Outbound(in, out)
		assert.ErrorIs(t, err, ErrFrameTooLarge)
	})
}

func TestFrameInbound(t *testing.T) {
	t.Run("ReassemblesAcrossChunks", func(t *testing.T) {
		f := newFrameFilter(t, 16, 64)

		framed := encodeFrame([]byte("hello world"))

		out := NewQueue[[]byte]()
		in := NewQueue[[]byte]()

		// Byte at a time: no frame until the last byte arrives.
		for i := 0; i < len(framed)-1; i++ {
			in.Add(framed[i : i+1])
			require.NoError(t, f.Inbound(in, out))
			assert.Zero(t, out.Len())
		}

		in.Add(framed[len(framed)-1:])
		require.NoError(t, f.Inbound(in, out))

		frame, ok := out.Poll()
		require.True(t, ok)
		assert.Equal(t, []byte("hello world"), frame)
	})

	t.Run("SplitsCoalescedFrames", func(t *testing.T) {
		f := newFrameFilter(t, 16, 64)

		var stream []byte
		stream = append(stream, encodeFrame([]byte("one"))...)
		stream = append(stream, encodeFrame(nil)...)
		stream = append(stream, encodeFrame([]byte("three"))...)

		out := NewQueue[[]byte]()
		in := NewQueue[[]byte]()
		in.Add(stream)
		require.NoError(t, f.Inbound(in, out))

		var frames [][]byte
		for frame, ok := out.Poll(); ok; frame, ok = out.Poll() {
			frames = append(frames, frame)
		}
		assert.Equal(t, [][]byte{[]byte("one"), {}, []byte("three")}, frames)
	})

	t.Run("OversizedHeaderRejected", func(t *testing.T) {
		f := newFrameFilter(t, 16, 64)

		out := NewQueue[[]byte]()
		in := NewQueue[[]byte]()
		in.Add(encodeFrame(bytes.Repeat([]byte{7}, 65))[:4])

		err := f.Inbound(in, out)
		assert.ErrorIs(t, err, ErrFrameTooLarge)
	})
}

func TestFrameFactoryValidation(t *testing.T) {
	assert.Panics(t, func() { NewFrameFactory(0, 64) })
	assert.Panics(t, func() { NewFrameFactory(64, 16) })
}
