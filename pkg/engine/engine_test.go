//go:build linux

package engine

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marmos91/asyncnet/pkg/filter"
)

const testTimeout = 10 * time.Second

// testHandler records every callback for assertions.
type testHandler struct {
	mu       sync.Mutex
	received []any
	closings []CloseCause
	errors   []error

	bound      chan struct{}
	boundOnce  sync.Once
	closed     chan struct{}
	closedOnce sync.Once
	closeCount atomic.Int32
	recvSignal chan struct{}
}

func newTestHandler() *testHandler {
	return &testHandler{
		bound:      make(chan struct{}),
		closed:     make(chan struct{}),
		recvSignal: make(chan struct{}, 1024),
	}
}

func (h *testHandler) OnBind(inbound filter.ReadQueue[any]) {
	h.drain(inbound)
	h.boundOnce.Do(func() { close(h.bound) })
}

func (h *testHandler) OnReceive(events filter.ReadQueue[any]) {
	h.drain(events)
}

func (h *testHandler) drain(events filter.ReadQueue[any]) {
	for ev, ok := events.Poll(); ok; ev, ok = events.Poll() {
		h.mu.Lock()
		h.received = append(h.received, ev)
		h.mu.Unlock()

		select {
		case h.recvSignal <- struct{}{}:
		default:
		}
	}
}

func (h *testHandler) OnClosing(cause CloseCause, pending filter.ReadQueue[any]) {
	h.drain(pending)
	h.mu.Lock()
	h.closings = append(h.closings, cause)
	h.mu.Unlock()
}

func (h *testHandler) OnClose() {
	h.closeCount.Add(1)
	h.closedOnce.Do(func() { close(h.closed) })
}

func (h *testHandler) OnError(err error) {
	h.mu.Lock()
	h.errors = append(h.errors, err)
	h.mu.Unlock()
}

func (h *testHandler) messages(t *testing.T) []any {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]any, len(h.received))
	copy(out, h.received)
	return out
}

func (h *testHandler) waitMessages(t *testing.T, n int) []any {
	t.Helper()

	deadline := time.Now().Add(testTimeout)
	for {
		h.mu.Lock()
		count := len(h.received)
		h.mu.Unlock()
		if count >= n {
			return h.messages(t)
		}
		require.True(t, time.Now().Before(deadline),
			"timed out waiting for %d messages, have %d", n, count)

		select {
		case <-h.recvSignal:
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (h *testHandler) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-h.closed:
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for OnClose")
	}
}

func (h *testHandler) waitBound(t *testing.T) {
	t.Helper()
	select {
	case <-h.bound:
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for OnBind")
	}
}

func (h *testHandler) firstClosing(t *testing.T) CloseCause {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotEmpty(t, h.closings, "no OnClosing recorded")
	return h.closings[0]
}

// stringChain builds the frame + UTF-8 pipeline used by most tests.
func stringChain() filter.ChainFactory {
	return filter.Append(
		filter.NewChain(filter.NewFrameFactory(64, 64*1024)),
		filter.NewUTF8Factory(),
	)
}

func newTestManager(t *testing.T, name string) *Manager {
	t.Helper()

	m, err := NewManager(Config{
		Name:          name,
		IOThreads:     2,
		MinBufferSize: 64,
		MaxBufferSize: 64 * 1024,
		SelectTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func newTestConn(t *testing.T, m *Manager, name string, h Handler, chain filter.ChainFactory) *Conn {
	t.Helper()

	c, err := m.NewConn(name)
	require.NoError(t, err)
	require.NoError(t, c.SetHandler(h))
	require.NoError(t, c.SetChain(chain))
	return c
}

// freeTCPPort reserves an ephemeral port and releases it for the engine to
// bind. The window between release and rebind is small enough for tests.
func freeTCPPort(t *testing.T) int {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func testAddr(port int) *net.TCPAddr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

func initConn(t *testing.T, c *Conn, kind InitKind, addr *net.TCPAddr) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	_, err := c.Init(kind, addr).Get(ctx)
	require.NoError(t, err)
}

func waitStatus(t *testing.T, c *Conn, want Status) {
	t.Helper()

	require.Eventually(t, func() bool { return c.Status() == want },
		testTimeout, 10*time.Millisecond,
		"connection %s never reached %s", c, want)
}

func boundAddrCount(t *testing.T, m *Manager) int {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	addrs, err := m.BoundAddresses(ctx)
	require.NoError(t, err)
	return len(addrs)
}

func fmtMessages(n int, prefix string) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s-%04d", prefix, i)
	}
	return out
}
