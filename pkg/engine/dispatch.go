package engine

import (
	"fmt"
	"net"

	"github.com/marmos91/asyncnet/internal/logger"
	"github.com/marmos91/asyncnet/internal/ratelimiter"
	"github.com/marmos91/asyncnet/pkg/fsm"
	"github.com/marmos91/asyncnet/pkg/poll"
)

// dispatchThread is the selector thread that owns every connection from
// creation until activation: it performs non-blocking connects, runs the
// accept registry, and hands established connections to the I/O pool
// round-robin.
type dispatchThread struct {
	*thread

	registry      *acceptRegistry
	acceptLimiter *ratelimiter.RateLimiter
	ioThreads     []*ioThread
	nextIO        int
}

func newDispatchThread(name string, m *Manager, nIOThreads int) (*dispatchThread, error) {
	base, err := newThread(fmt.Sprintf("%s/Dispatch", name), m)
	if err != nil {
		return nil, err
	}

	d := &dispatchThread{
		thread:        base,
		registry:      newAcceptRegistry(base.selector, m.cfg.Backlog),
		acceptLimiter: ratelimiter.New(m.cfg.AcceptRatePerSecond, m.cfg.AcceptBurst),
	}
	base.ops = d

	for i := 0; i < nIOThreads; i++ {
		io, err := newIOThread(fmt.Sprintf("%s/IO-%d", name, i), m)
		if err != nil {
			base.selector.Close()
			for _, started := range d.ioThreads {
				started.selector.Close()
			}
			return nil, err
		}
		d.ioThreads = append(d.ioThreads, io)
	}

	d.buildTables()
	return d, nil
}

// start launches the helper I/O threads first, then the dispatch loop.
func (d *dispatchThread) start() {
	for _, io := range d.ioThreads {
		io.start()
	}
	d.thread.start()
}

func (d *dispatchThread) buildTables() {
	conn := fsm.New[Status, eventKind, *event](numStatuses, numKinds)
	conn.On(StatusVirgin, kindConnect).Do(d.handleConnect)
	conn.On(StatusVirgin, kindAccept).Do(d.handleAccept)
	conn.On(StatusVirgin, kindRegister).Do(d.handleRegister)
	conn.On(StatusVirgin, kindClose).Do(d.handleAbort)
	conn.On(StatusConnect, kindClose).Do(d.handleAbort)
	conn.On(StatusAccept, kindClose).Do(d.handleAbort)
	conn.On(StatusVirgin, kindExecute).Do(d.handleExecute)
	conn.On(StatusConnect, kindExecute).Do(d.handleExecute)
	conn.On(StatusAccept, kindExecute).Do(d.handleExecute)
	conn.OnKind(kindError).Do(d.handleErrorEvent)
	conn.On(StatusClosing, kindClose).Do(d.absorb)
	conn.On(StatusClosed, kindClose).Do(d.absorb)
	d.connTable = conn.Build()

	internal := fsm.New[threadStatus, eventKind, *event](numThreadStatuses, numKinds)
	internal.On(threadRunning, kindShutdown).Goto(threadClosing).Do(d.handleShutdown)
	internal.On(threadRunning, kindGetConnections).Do(d.handleGetConnections)
	internal.On(threadRunning, kindGetBoundAddresses).Do(d.handleGetBoundAddresses)
	d.threadTable = internal.Build()
}

// handleReady reacts to accept readiness on registry entries and connect
// readiness on dialing connections.
func (d *dispatchThread) handleReady(r poll.Ready) {
	switch attachment := r.Key.Attachment().(type) {
	case *registryEntry:
		if r.Ops&poll.OpAccept != 0 {
			d.doAccept(attachment)
		}
	case *Conn:
		if r.Ops&poll.OpConnect != 0 {
			d.doConnect(attachment)
		}
	default:
		logger.Warn("[%s] readiness on unknown attachment %T", d.name, attachment)
	}
}

// purge forgets a dying connection's accept bookkeeping.
func (d *dispatchThread) purge(c *Conn) {
	d.registry.removePending(c)
}

// onStop errors every pending accept with the shutdown cause, then forwards
// the shutdown to the I/O pool.
func (d *dispatchThread) onStop(cause error) {
	for _, pending := range d.registry.allPending() {
		d.handleError(pending, cause)
	}

	for _, io := range d.ioThreads {
		io.submit(&event{kind: kindShutdown, payload: cause})
	}
}

// handleConnect opens a socket, registers connect interest, and starts the
// non-blocking dial. An immediate connect completes the cycle in place.
func (d *dispatchThread) handleConnect(ev *event) {
	c := ev.conn
	req, ok := ev.payload.(addrRequest)
	if !ok || req.addr == nil {
		d.handleError(c, fmt.Errorf("connect: missing address"))
		return
	}

	fd, err := poll.Socket(req.addr)
	if err != nil {
		d.handleError(c, err)
		return
	}

	c.setup(fd)
	d.conns[c] = struct{}{}

	if err := c.registerKey(d.selector, poll.OpConnect); err != nil {
		d.handleError(c, err)
		return
	}

	immediate, err := poll.Connect(fd, req.addr)
	if err != nil {
		d.handleError(c, err)
		return
	}

	logger.Debug("[%s] [%s] connect to %s", d.name, c, req.addr)
	c.SetStatus(StatusConnect)

	if immediate {
		d.doConnect(c)
	}
}

// handleAccept queues the connection on the registry entry for its listen
// address.
func (d *dispatchThread) handleAccept(ev *event) {
	c := ev.conn
	req, ok := ev.payload.(addrRequest)
	if !ok {
		d.handleError(c, fmt.Errorf("accept: missing address"))
		return
	}

	entry, err := d.registry.register(c, req.addr)
	if err != nil {
		d.handleError(c, err)
		return
	}

	d.conns[c] = struct{}{}

	logger.Debug("[%s] [%s] listening at %s (%d in queue)",
		d.name, c, entry.addr, len(entry.pending))
	c.SetStatus(StatusAccept)
}

// handleRegister adopts an externally established socket and activates the
// connection directly.
func (d *dispatchThread) handleRegister(ev *event) {
	c := ev.conn
	req, ok := ev.payload.(registerRequest)
	if !ok || req.fd < 0 {
		d.handleError(c, fmt.Errorf("register: missing socket"))
		return
	}

	c.setup(req.fd)
	d.conns[c] = struct{}{}

	if err := c.doBind(); err != nil {
		d.handleError(c, err)
		return
	}

	logger.Debug("[%s] [%s] registered", d.name, c)
	c.SetStatus(StatusActive)

	d.dispatch(c)
}

// handleAbort closes a connection that never became active: a user close
// in VIRGIN, CONNECT, or ACCEPT.
func (d *dispatchThread) handleAbort(ev *event) {
	c := ev.conn

	d.registry.removePending(c)

	c.setCloseCause(CauseUser)
	c.SetStatus(StatusClosing)
	c.raiseClosing(CauseUser, nil)
	c.finishClose()
	c.failInit(ErrConnClosed)

	delete(d.conns, c)
}

// handleErrorEvent unwraps an external error request.
func (d *dispatchThread) handleErrorEvent(ev *event) {
	err, ok := ev.payload.(error)
	if !ok {
		err = fmt.Errorf("%w: error event without cause", ErrProtocolViolation)
	}
	d.handleError(ev.conn, err)
}

func (d *dispatchThread) handleShutdown(ev *event) {
	if cause, ok := ev.payload.(error); ok {
		d.cause = cause
	}
	logger.Debug("[%s] shutdown requested", d.name)
}

// handleGetBoundAddresses answers with the registry's current snapshot.
func (d *dispatchThread) handleGetBoundAddresses(ev *event) {
	future, ok := ev.payload.(*Future[[]*net.TCPAddr])
	if !ok {
		logger.Warn("[%s] bad GET_BOUND_ADDRESSES payload %T", d.name, ev.payload)
		return
	}
	future.complete(d.registry.addresses(), nil)
}

// doAccept finishes the accept cycle on a ready listening socket: the head
// of the pending queue receives the new socket. A failure of the accept
// syscall itself condemns every pending connection of the entry; a failure
// while binding condemns only the head.
func (d *dispatchThread) doAccept(entry *registryEntry) {
	if len(entry.pending) == 0 {
		// Readiness can outlive the last pending accept; nothing to match.
		return
	}

	// Over the accept rate limit: leave the socket queued. Level-triggered
	// readiness re-reports it next cycle.
	if !d.acceptLimiter.Allow() {
		return
	}

	c := entry.pending[0]

	fd, peer, err := poll.Accept(entry.fd)
	if err != nil {
		if poll.IsTemporary(err) {
			return
		}

		for _, pending := range append([]*Conn(nil), entry.pending...) {
			d.handleError(pending, err)
		}
		return
	}

	d.registry.removePending(c)

	c.setup(fd)
	if err := c.doBind(); err != nil {
		d.handleError(c, err)
		return
	}

	logger.Debug("[%s] [%s] accepted %s at %s", d.name, c, peer, entry.addr)
	c.SetStatus(StatusActive)
	d.manager.metrics().RecordAccept()

	d.dispatch(c)
}

// doConnect settles a non-blocking connect after readiness. A connect that
// still reports in-progress here is a protocol violation.
func (d *dispatchThread) doConnect(c *Conn) {
	if c.Status() != StatusConnect {
		return
	}

	done, err := poll.FinishConnect(c.fd)
	if err != nil {
		d.handleError(c, err)
		return
	}
	if !done {
		d.handleError(c, fmt.Errorf("%w: expected to finish connecting", ErrProtocolViolation))
		return
	}

	c.deregisterKey()

	if err := c.doBind(); err != nil {
		d.handleError(c, err)
		return
	}

	logger.Debug("[%s] [%s] connected to %s", d.name, c, c.RemoteAddr())
	c.SetStatus(StatusActive)

	d.dispatch(c)
}

// dispatch hands an activated connection to the next I/O thread. The
// connection lock is held across the retarget and the DISPATCH submission,
// so external requests either reach this thread's inbox before the handoff
// (and are forwarded) or go straight to the new owner.
func (d *dispatchThread) dispatch(c *Conn) {
	io := d.ioThreads[d.nextIO]
	d.nextIO = (d.nextIO + 1) % len(d.ioThreads)

	c.deregisterKey()
	delete(d.conns, c)

	c.mu.Lock()
	c.thread = io.thread
	io.submit(&event{kind: kindDispatch, conn: c})
	c.mu.Unlock()

	d.manager.metrics().RecordDispatch()
}
