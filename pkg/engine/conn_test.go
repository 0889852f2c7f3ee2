//go:build linux

package engine

import (
	"context"
	"testing"

	"github.com/eapache/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteQueue(t *testing.T) {
	t.Run("FIFOWithPartialConsumption", func(t *testing.T) {
		w := writeQueue{q: queue.New()}

		w.add([]byte("abcdef"))
		w.add([]byte("gh"))
		assert.Equal(t, 8, w.size())
		assert.False(t, w.empty())

		head := w.next()
		require.Equal(t, []byte("abcdef"), head)

		// Partial write of the head.
		w.advance(4)
		assert.Equal(t, 4, w.size())
		require.Equal(t, []byte("ef"), w.next())

		w.advance(2)
		require.Equal(t, []byte("gh"), w.next())
		w.advance(2)

		assert.Nil(t, w.next())
		assert.True(t, w.empty())
		assert.Zero(t, w.size())
	})

	t.Run("SkipsZeroLengthRegions", func(t *testing.T) {
		w := writeQueue{q: queue.New()}

		w.add([]byte{})
		w.add([]byte("x"))
		w.add([]byte{})

		require.Equal(t, []byte("x"), w.next())
		w.advance(1)
		assert.Nil(t, w.next())
		assert.True(t, w.empty())
	})

	t.Run("EmptyQueue", func(t *testing.T) {
		w := writeQueue{q: queue.New()}
		assert.True(t, w.empty())
		assert.Nil(t, w.next())
	})
}

func TestConnAccessors(t *testing.T) {
	m := newTestManager(t, "ACCESSORS")

	c, err := m.NewConn("probe")
	require.NoError(t, err)

	assert.Equal(t, "probe", c.Name())
	assert.NotZero(t, c.ID())
	assert.Equal(t, StatusVirgin, c.Status())
	assert.Nil(t, c.Err())
	assert.Nil(t, c.LocalAddr())
	assert.Nil(t, c.RemoteAddr())
	assert.Contains(t, c.String(), "probe:")

	// Monotonic ids.
	c2, err := m.NewConn("probe")
	require.NoError(t, err)
	assert.Greater(t, c2.ID(), c.ID())
}

func TestInitGuards(t *testing.T) {
	m := newTestManager(t, "GUARDS")

	t.Run("HandlerRequired", func(t *testing.T) {
		c, err := m.NewConn("no-handler")
		require.NoError(t, err)
		require.NoError(t, c.SetChain(stringChain()))

		_, err = c.Init(InitConnect, testAddr(1)).Get(context.Background())
		assert.Error(t, err)
	})

	t.Run("ChainRequired", func(t *testing.T) {
		c, err := m.NewConn("no-chain")
		require.NoError(t, err)
		require.NoError(t, c.SetHandler(newTestHandler()))

		_, err = c.Init(InitConnect, testAddr(1)).Get(context.Background())
		assert.Error(t, err)
	})

	t.Run("SecondInitRejected", func(t *testing.T) {
		addr := testAddr(freeTCPPort(t))

		h := newTestHandler()
		c := newTestConn(t, m, "double", h, stringChain())
		c.Init(InitAccept, addr)

		_, err := c.Init(InitAccept, addr).Get(context.Background())
		assert.ErrorIs(t, err, ErrAlreadyInitialized)

		assert.ErrorIs(t, c.SetHandler(h), ErrAlreadyInitialized)
		assert.ErrorIs(t, c.SetChain(stringChain()), ErrAlreadyInitialized)

		c.Close()
	})
}
