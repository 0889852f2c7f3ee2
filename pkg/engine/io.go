package engine

import (
	"errors"
	"fmt"
	"io"

	"github.com/marmos91/asyncnet/internal/logger"
	"github.com/marmos91/asyncnet/pkg/fsm"
	"github.com/marmos91/asyncnet/pkg/poll"
	"golang.org/x/sys/unix"
)

// ioThread owns connections after dispatch handoff: it multiplexes their
// read and write readiness, feeds inbound bytes through filter chains, and
// drains deferred writes.
type ioThread struct {
	*thread
}

func newIOThread(name string, m *Manager) (*ioThread, error) {
	base, err := newThread(name, m)
	if err != nil {
		return nil, err
	}

	t := &ioThread{thread: base}
	base.ops = t
	t.buildTables()
	return t, nil
}

func (t *ioThread) buildTables() {
	conn := fsm.New[Status, eventKind, *event](numStatuses, numKinds)
	conn.On(StatusActive, kindDispatch).Do(t.handleDispatch)
	conn.On(StatusActive, kindClose).Do(t.handleUserClose)
	conn.On(StatusActive, kindOp).Do(t.handleOp)
	conn.On(StatusClosing, kindOp).Do(t.handleOp)
	conn.On(StatusActive, kindExecute).Do(t.handleExecute)
	conn.On(StatusClosing, kindExecute).Do(t.handleExecute)
	conn.OnKind(kindError).Do(t.handleErrorEvent)
	conn.On(StatusClosing, kindClose).Do(t.absorb)
	conn.On(StatusClosed, kindClose).Do(t.absorb)
	conn.On(StatusClosed, kindOp).Do(t.absorb)
	conn.On(StatusClosed, kindExecute).Do(t.absorb)
	t.connTable = conn.Build()

	internal := fsm.New[threadStatus, eventKind, *event](numThreadStatuses, numKinds)
	internal.On(threadRunning, kindShutdown).Goto(threadClosing).Do(t.handleShutdown)
	internal.On(threadRunning, kindGetConnections).Do(t.handleGetConnections)
	t.threadTable = internal.Build()
}

func (t *ioThread) handleReady(r poll.Ready) {
	c, ok := r.Key.Attachment().(*Conn)
	if !ok {
		logger.Warn("[%s] readiness on unknown attachment %T", t.name, r.Key.Attachment())
		return
	}

	if r.Ops&poll.OpRead != 0 {
		t.doRead(c)
	}
	if r.Ops&poll.OpWrite != 0 && c.Status() != StatusClosed {
		t.doWrite(c)
	}
}

func (t *ioThread) purge(*Conn) {}

func (t *ioThread) onStop(error) {}

func (t *ioThread) handleShutdown(ev *event) {
	if cause, ok := ev.payload.(error); ok {
		t.cause = cause
	}
	logger.Debug("[%s] shutdown requested", t.name)
}

// handleDispatch adopts a connection from the dispatch thread: register its
// socket here with read interest, gating write interest on the deferred
// queue, then resolve the init future.
func (t *ioThread) handleDispatch(ev *event) {
	c := ev.conn

	if err := c.registerKey(t.selector, poll.OpRead); err != nil {
		t.handleError(c, err)
		return
	}

	// Only after registered is set does Send arm write interest itself, so
	// the deferred queue must be re-checked under the same lock: anything
	// queued before this point is picked up here.
	c.mu.Lock()
	c.registered = true
	needWrite := !c.wq.empty()
	future := c.initFuture
	c.mu.Unlock()

	if needWrite {
		if err := c.key.SetOps(poll.OpRead | poll.OpWrite); err != nil {
			t.handleError(c, err)
			return
		}
	}

	t.conns[c] = struct{}{}
	c.adopted = true
	t.manager.metrics().ConnOpened()

	logger.Debug("[%s] [%s] adopted", t.name, c)

	if future != nil {
		future.complete(c, nil)
	}
}

// handleUserClose starts an orderly shutdown: the closing traversal may
// flush trailing bytes, then the socket closes once the deferred queue
// drains.
func (t *ioThread) handleUserClose(ev *event) {
	c := ev.conn

	c.setCloseCause(CauseUser)
	c.SetStatus(StatusClosing)
	c.raiseClosing(CauseUser, nil)

	t.settleClosing(c)
}

// settleClosing finishes a draining close if nothing is left to write, or
// arms write interest so the drain can proceed.
func (t *ioThread) settleClosing(c *Conn) {
	c.mu.Lock()
	drained := c.wq.empty()
	c.mu.Unlock()

	if drained {
		c.finishClose()
		delete(t.conns, c)
		return
	}

	if c.key != nil {
		if err := c.key.SetOps(c.key.Ops() | poll.OpWrite); err != nil {
			t.handleError(c, err)
		}
	}
}

// handleOp toggles interest operations on the connection's key.
func (t *ioThread) handleOp(ev *event) {
	c := ev.conn

	change, ok := ev.payload.(opChange)
	if !ok {
		t.handleError(c, fmt.Errorf("%w: op payload %T", ErrProtocolViolation, ev.payload))
		return
	}
	if c.key == nil {
		return
	}

	ops := c.key.Ops()
	if change.enable {
		ops |= change.ops
	} else {
		ops &^= change.ops
	}

	if err := c.key.SetOps(ops); err != nil {
		t.handleError(c, err)
	}
}

func (t *ioThread) handleErrorEvent(ev *event) {
	err, ok := ev.payload.(error)
	if !ok {
		err = fmt.Errorf("%w: error event without cause", ErrProtocolViolation)
	}
	t.handleError(ev.conn, err)
}

// doRead drains the socket into the read buffer and pushes the bytes
// through the inbound chain. End-of-stream clears read interest and starts
// a graceful close.
func (t *ioThread) doRead(c *Conn) {
	for c.Status() == StatusActive || c.Status() == StatusClosing {
		n, err := poll.Read(c.fd, c.readBuf)

		switch {
		case errors.Is(err, unix.EAGAIN):
			return

		case errors.Is(err, io.EOF):
			t.handleEOS(c)
			return

		case err != nil:
			t.handleError(c, fmt.Errorf("read: %w", err))
			return
		}

		t.manager.metrics().AddBytesRead(n)

		// The chain may retain the chunk; the read buffer is reused.
		chunk := make([]byte, n)
		copy(chunk, c.readBuf[:n])

		filled := n == len(c.readBuf)

		if err := c.inboundData(chunk); err != nil {
			t.handleError(c, err)
			return
		}

		if filled {
			c.growReadBuffer()
		} else {
			return
		}
	}
}

// handleEOS reacts to the peer half-closing: read interest is cleared, the
// application learns via OnClosing(EOS), and the close completes once any
// deferred writes have drained.
func (t *ioThread) handleEOS(c *Conn) {
	if c.key != nil {
		if err := c.key.SetOps(c.key.Ops() &^ poll.OpRead); err != nil {
			t.handleError(c, err)
			return
		}
	}

	if c.Status() == StatusActive {
		c.setCloseCause(CauseEOS)
		c.SetStatus(StatusClosing)
		c.raiseClosing(CauseEOS, nil)
	}

	t.settleClosing(c)
}

// doWrite flushes the deferred-write queue as far as the socket allows.
// Draining the queue clears write interest, resumes a suspended sender, and
// completes a pending graceful close.
func (t *ioThread) doWrite(c *Conn) {
	var (
		werr    error
		drained bool
		resumed bool
	)

	func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		for {
			head := c.wq.next()
			if head == nil {
				drained = true
				break
			}

			n, err := poll.Write(c.fd, head)
			if n > 0 {
				c.wq.advance(n)
				t.manager.metrics().AddBytesWritten(n)
			}
			if err != nil {
				werr = err
				break
			}
			if n < len(head) {
				// Socket is full again; wait for the next writability cycle.
				break
			}
		}

		if c.suspended && (drained || (c.highWater > 0 && c.wq.size() <= c.highWater)) {
			c.suspended = false
			resumed = true
		}
	}()

	if werr != nil {
		t.handleError(c, fmt.Errorf("write: %w", werr))
		return
	}

	if resumed {
		c.deliverWritable(true)
	}

	if !drained {
		return
	}

	if c.key != nil {
		if err := c.key.SetOps(c.key.Ops() &^ poll.OpWrite); err != nil {
			t.handleError(c, err)
			return
		}
	}

	if c.Status() == StatusClosing && c.closeCause() != CauseError {
		c.finishClose()
		delete(t.conns, c)
	}
}
