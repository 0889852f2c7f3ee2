//go:build linux

package poll

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newTestSelector(t *testing.T) *Selector {
	t.Helper()

	s, err := NewSelector()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testPipe(t *testing.T) (int, int) {
	t.Helper()

	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestSelectorReadReadiness(t *testing.T) {
	s := newTestSelector(t)
	r, w := testPipe(t)

	key, err := s.Register(r, OpRead, "attachment")
	require.NoError(t, err)

	// Nothing to read yet.
	ready, err := s.Select(10 * time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, ready)

	_, err = unix.Write(w, []byte("x"))
	require.NoError(t, err)

	ready, err = s.Select(time.Second)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Same(t, key, ready[0].Key)
	assert.Equal(t, OpRead, ready[0].Ops)
	assert.Equal(t, "attachment", ready[0].Key.Attachment())
}

func TestSelectorWakeup(t *testing.T) {
	s := newTestSelector(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		ready, err := s.Select(5 * time.Second)
		assert.NoError(t, err)
		assert.Empty(t, ready)
	}()

	time.Sleep(20 * time.Millisecond)
	s.Wakeup()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("wakeup did not interrupt select")
	}
}

func TestKeyInterestChanges(t *testing.T) {
	s := newTestSelector(t)
	r, w := testPipe(t)

	_, err := unix.Write(w, []byte("x"))
	require.NoError(t, err)

	key, err := s.Register(r, OpRead, nil)
	require.NoError(t, err)

	ready, err := s.Select(time.Second)
	require.NoError(t, err)
	require.Len(t, ready, 1)

	// Clearing read interest silences the readable pipe.
	require.NoError(t, key.SetOps(0))
	ready, err = s.Select(10 * time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, ready)

	// Restoring it brings the readiness back.
	require.NoError(t, key.SetOps(OpRead))
	ready, err = s.Select(time.Second)
	require.NoError(t, err)
	require.Len(t, ready, 1)

	require.NoError(t, key.Cancel())
	require.NoError(t, key.Cancel()) // idempotent

	ready, err = s.Select(10 * time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, ready)
}

func TestSocketRoundTrip(t *testing.T) {
	s := newTestSelector(t)

	listenAddr := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}
	listenFD, bound, err := Listen(listenAddr, 8)
	require.NoError(t, err)
	defer CloseFD(listenFD)
	require.NotZero(t, bound.Port)

	listenKey, err := s.Register(listenFD, OpAccept, nil)
	require.NoError(t, err)

	clientFD, err := Socket(bound)
	require.NoError(t, err)
	defer CloseFD(clientFD)

	immediate, err := Connect(clientFD, bound)
	require.NoError(t, err)

	// Wait for the listener to see the connection.
	var serverFD int
	deadline := time.Now().Add(5 * time.Second)
	for serverFD == 0 {
		require.True(t, time.Now().Before(deadline), "no accept readiness")

		ready, err := s.Select(100 * time.Millisecond)
		require.NoError(t, err)

		for _, r := range ready {
			if r.Key == listenKey && r.Ops&OpAccept != 0 {
				fd, peer, err := Accept(listenFD)
				require.NoError(t, err)
				require.NotNil(t, peer)
				serverFD = fd
			}
		}
	}
	defer CloseFD(serverFD)

	if !immediate {
		connectKey, err := s.Register(clientFD, OpConnect, nil)
		require.NoError(t, err)

		settled := false
		for !settled {
			require.True(t, time.Now().Before(deadline), "connect never settled")

			ready, err := s.Select(100 * time.Millisecond)
			require.NoError(t, err)

			for _, r := range ready {
				if r.Key == connectKey && r.Ops&OpConnect != 0 {
					done, err := FinishConnect(clientFD)
					require.NoError(t, err)
					require.True(t, done)
					settled = true
				}
			}
		}
		require.NoError(t, connectKey.Cancel())
	}

	payload := []byte("ping")
	n, err := Write(clientFD, payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	buf := make([]byte, 16)
	var got []byte
	for len(got) < len(payload) {
		require.True(t, time.Now().Before(deadline), "payload never arrived")

		n, err := Read(serverFD, buf)
		if err == unix.EAGAIN {
			time.Sleep(time.Millisecond)
			continue
		}
		require.NoError(t, err)
		got = append(got, buf[:n]...)
	}
	assert.Equal(t, payload, got)

	local, err := LocalAddr(serverFD)
	require.NoError(t, err)
	assert.Equal(t, bound.Port, local.Port)

	// Peer close surfaces as EOF.
	CloseFD(clientFD)
	for {
		n, err := Read(serverFD, buf)
		if err == unix.EAGAIN {
			time.Sleep(time.Millisecond)
			continue
		}
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.NotZero(t, n)
	}
}
