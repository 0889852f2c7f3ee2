package engine

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/eapache/queue"

	"github.com/marmos91/asyncnet/internal/logger"
	"github.com/marmos91/asyncnet/pkg/fsm"
	"github.com/marmos91/asyncnet/pkg/poll"
)

// threadStatus is the selector thread's own lifecycle state, driving the
// internal state table.
type threadStatus int

const (
	threadRunning threadStatus = iota
	threadClosing

	numThreadStatuses int = iota
)

// threadOps is what a specialized selector thread plugs into the shared
// loop: readiness handling, extra teardown, and deregistration bookkeeping.
type threadOps interface {
	handleReady(r poll.Ready)
	onStop(cause error)
	purge(c *Conn)
}

// thread is the selector thread base: one goroutine running a cooperative
// loop over an epoll selector, fed external requests through an inbox.
//
// All fields other than the inbox are confined to the loop goroutine.
type thread struct {
	name          string
	selector      *poll.Selector
	selectTimeout time.Duration

	inboxMu sync.Mutex
	inbox   *queue.Queue
	stopped bool // guarded by inboxMu; no further submissions accepted

	status      threadStatus
	connTable   *fsm.Table[Status, eventKind, *event]
	threadTable *fsm.Table[threadStatus, eventKind, *event]
	ops         threadOps

	conns map[*Conn]struct{}
	cause error // shutdown cause, set by the shutdown handler
	fatal error // selector failure that killed the loop
	done  chan struct{}

	manager *Manager
}

func newThread(name string, m *Manager) (*thread, error) {
	selector, err := poll.NewSelector()
	if err != nil {
		return nil, fmt.Errorf("thread %s: %w", name, err)
	}

	return &thread{
		name:          name,
		selector:      selector,
		selectTimeout: m.cfg.SelectTimeout,
		inbox:         queue.New(),
		conns:         make(map[*Conn]struct{}),
		done:          make(chan struct{}),
		manager:       m,
	}, nil
}

// fsm.Stateful for the internal table.
func (t *thread) Status() threadStatus     { return t.status }
func (t *thread) SetStatus(s threadStatus) { t.status = s }

// submit enqueues an external request and wakes the selector. It reports
// false once the thread has stopped accepting work.
func (t *thread) submit(ev *event) bool {
	t.inboxMu.Lock()
	if t.stopped {
		t.inboxMu.Unlock()
		return false
	}
	t.inbox.Add(ev)
	t.inboxMu.Unlock()

	t.selector.Wakeup()
	return true
}

// start launches the loop goroutine.
func (t *thread) start() {
	go t.run()
}

func (t *thread) run() {
	defer close(t.done)

	logger.Debug("[%s] thread started", t.name)

	for t.status == threadRunning {
		t.drainInbox()
		if t.status != threadRunning {
			break
		}

		ready, err := t.selector.Select(t.selectTimeout)
		if err != nil {
			t.fatal = err
			logger.Error("[%s] selector failure: %v", t.name, err)
			break
		}

		for _, r := range ready {
			t.guardReady(r)
		}
	}

	t.stop()
}

// drainInbox processes every queued event, including ones enqueued by the
// handlers it runs; threads finish draining before they exit.
func (t *thread) drainInbox() {
	for {
		t.inboxMu.Lock()
		if t.inbox.Length() == 0 {
			t.inboxMu.Unlock()
			return
		}
		ev := t.inbox.Remove().(*event)
		t.inboxMu.Unlock()

		t.dispatchEvent(ev)
	}
}

// dispatchEvent routes one inbox entry through the appropriate state table.
// Connection events that raced a handoff are forwarded to the new owner. A
// panic inside a handler is contained to the affected connection.
func (t *thread) dispatchEvent(ev *event) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("handler panic: %v", r)
			if ev.conn != nil {
				t.handleError(ev.conn, err)
			} else {
				logger.Error("[%s] %v", t.name, err)
			}
		}
	}()

	if ev.conn == nil {
		if !t.threadTable.Dispatch(t, ev.kind, ev) {
			logger.Warn("[%s] no binding for internal %s event", t.name, ev.kind)
		}
		return
	}

	if owner := ev.conn.owner(); owner != t {
		// The connection was handed off after this event was enqueued;
		// route it to its current owner.
		if !owner.submit(ev) {
			logger.Debug("[%s] dropping %s for %s: new owner gone", t.name, ev.kind, ev.conn)
		}
		return
	}

	if !t.connTable.Dispatch(ev.conn, ev.kind, ev) {
		t.handleError(ev.conn, fmt.Errorf("%w: %s event in status %s",
			ErrProtocolViolation, ev.kind, ev.conn.Status()))
	}
}

// guardReady invokes the specialization's readiness handling with panic
// containment per key.
func (t *thread) guardReady(r poll.Ready) {
	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("readiness panic: %v", rec)
			if c, ok := r.Key.Attachment().(*Conn); ok {
				t.handleError(c, err)
			} else {
				logger.Error("[%s] %v", t.name, err)
			}
		}
	}()

	t.ops.handleReady(r)
}

// handleError is the single terminal error path for a connection owned by
// this thread: capture the first cause, purge bookkeeping, surface the
// error, run the closing traversal, and release the socket. Later causes on
// an already-dying connection are absorbed.
func (t *thread) handleError(c *Conn, err error) {
	wasClosing := c.Status() == StatusClosing

	switch c.Status() {
	case StatusClosed:
		return
	case StatusClosing:
		if !c.captureError(err) {
			return
		}
	default:
		c.captureError(err)
	}

	logger.Debug("[%s] [%s] error: %v", t.name, c, err)
	t.manager.metrics().RecordError()

	t.ops.purge(c)

	c.setCloseCause(CauseError)
	c.SetStatus(StatusClosing)

	if c.handler != nil {
		c.handler.OnError(err)
	}

	// A connection already closing has had its OnClosing; only the release
	// remains.
	if !wasClosing {
		c.raiseClosing(CauseError, err)
	}
	c.finishClose()
	c.failInit(err)

	delete(t.conns, c)
}

// handleExecute runs a deferred closure on the owner thread.
func (t *thread) handleExecute(ev *event) {
	fn, ok := ev.payload.(func())
	if !ok {
		t.handleError(ev.conn, fmt.Errorf("%w: execute payload %T", ErrProtocolViolation, ev.payload))
		return
	}
	fn()
}

// absorb intentionally ignores an event: duplicate closes and stale
// requests against closing or closed connections collapse here.
func (t *thread) absorb(*event) {}

// stop drains and refuses further submissions, lets the specialization shut
// down, errors every remaining connection with the cancellation cause, and
// releases the selector.
func (t *thread) stop() {
	t.inboxMu.Lock()
	t.stopped = true
	var leftover []*event
	for t.inbox.Length() > 0 {
		leftover = append(leftover, t.inbox.Remove().(*event))
	}
	t.inboxMu.Unlock()

	cause := t.cause
	if cause == nil {
		cause = ErrManagerClosed
	}
	if t.fatal != nil {
		cause = t.fatal
	}

	for _, ev := range leftover {
		completeExceptionally(ev, cause)
		if ev.conn != nil {
			// An unprocessed init request must not leave its caller
			// blocked on the future.
			ev.conn.failInit(cause)
		}
	}

	t.ops.onStop(cause)

	for _, c := range t.connSnapshot() {
		t.handleError(c, cause)
	}

	if err := t.selector.Close(); err != nil {
		logger.Warn("[%s] closing selector: %v", t.name, err)
	}

	logger.Debug("[%s] thread stopped", t.name)
}

func (t *thread) connSnapshot() []*Conn {
	conns := make([]*Conn, 0, len(t.conns))
	for c := range t.conns {
		conns = append(conns, c)
	}
	return conns
}

// completeExceptionally resolves the future payload of an abandoned
// request, if it carries one.
func completeExceptionally(ev *event, cause error) {
	switch p := ev.payload.(type) {
	case *Future[[]*Conn]:
		p.complete(nil, cause)
	case *Future[[]*net.TCPAddr]:
		p.complete(nil, cause)
	}
}

// handleGetConnections answers a connection enumeration request with this
// thread's current set.
func (t *thread) handleGetConnections(ev *event) {
	future, ok := ev.payload.(*Future[[]*Conn])
	if !ok {
		logger.Warn("[%s] bad GET_CONNECTIONS payload %T", t.name, ev.payload)
		return
	}
	future.complete(t.connSnapshot(), nil)
}
