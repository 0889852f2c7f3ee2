package engine

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"

	"github.com/marmos91/asyncnet/internal/logger"
	"github.com/marmos91/asyncnet/pkg/filter"
	"github.com/marmos91/asyncnet/pkg/poll"
)

// Conn is a managed connection. It is created unbound (StatusVirgin),
// brought up with Init, and released through exactly one close path: peer
// end-of-stream, user Close, or error.
//
// A Conn is also its own proxy: the exported methods are safe from any
// goroutine and route work to whichever selector thread currently owns the
// connection. Everything else — buffers, selection key, filter chain
// traversals, handler callbacks — is confined to that owner thread.
type Conn struct {
	name    string
	id      uint64
	manager *Manager

	// mu is the connection lock: it serializes external callers against
	// the owner thread and pins the owner pointer during handoff.
	mu         sync.Mutex
	thread     *thread // current owner; guarded by mu
	registered bool    // owner is an I/O thread with a live key; guarded by mu
	handler    Handler // frozen at Init
	factory    filter.ChainFactory
	chain      *filter.Runtime // created lazily under mu
	initFuture *Future[*Conn]  // non-nil once Init was called
	err        error           // first captured error; guarded by mu

	wq        writeQueue // guarded by mu
	highWater int
	suspended bool // above the high-water mark; guarded by mu

	status atomic.Int32
	cause  atomic.Int32 // CloseCause; written before status moves to CLOSING

	// Owner-thread confined.
	fd         int
	key        *poll.Key
	readBuf    []byte
	maxBufSize int
	adopted    bool // reached an I/O thread; drives the active-conns gauge

	// Chain traversal queues. The inbound pair is owner-thread confined;
	// the outbound pair is guarded by mu, which is what lets Send run the
	// outbound half of the chain from a foreign goroutine while the owner
	// reads.
	sockIn, appOut   *filter.Queue[any]
	appIn, sockOut   *filter.Queue[any]
	evIn, evScratch  *filter.Queue[filter.Event]
	evOutIn, evOutSc *filter.Queue[filter.Event]
}

func newConn(m *Manager, name string, owner *thread) *Conn {
	c := &Conn{
		name:       name,
		id:         m.nextConnID(),
		manager:    m,
		thread:     owner,
		fd:         -1,
		readBuf:    make([]byte, m.cfg.MinBufferSize),
		maxBufSize: m.cfg.MaxBufferSize,
		highWater:  m.cfg.WriteHighWater,
		sockIn:     filter.NewQueue[any](),
		appOut:     filter.NewQueue[any](),
		appIn:      filter.NewQueue[any](),
		sockOut:    filter.NewQueue[any](),
		evIn:       filter.NewQueue[filter.Event](),
		evScratch:  filter.NewQueue[filter.Event](),
		evOutIn:    filter.NewQueue[filter.Event](),
		evOutSc:    filter.NewQueue[filter.Event](),
	}
	c.wq.q = queue.New()
	return c
}

// String renders the connection identity used in log lines.
func (c *Conn) String() string {
	return fmt.Sprintf("%s:%d", c.name, c.id)
}

// ID returns the connection's monotonically assigned identifier.
func (c *Conn) ID() uint64 { return c.id }

// Name returns the name given at creation.
func (c *Conn) Name() string { return c.name }

// Status returns the connection's current lifecycle state.
func (c *Conn) Status() Status { return Status(c.status.Load()) }

// SetStatus is part of the state-table contract; it must only be called by
// the owner thread (directly or through a table transition).
func (c *Conn) SetStatus(s Status) { c.status.Store(int32(s)) }

func (c *Conn) closeCause() CloseCause { return CloseCause(c.cause.Load()) }

func (c *Conn) setCloseCause(cause CloseCause) { c.cause.Store(int32(cause)) }

// Err returns the first error captured on this connection, if any.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// captureError stores err if the slot is empty and reports whether it won.
func (c *Conn) captureError(err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return false
	}
	c.err = err
	return true
}

// LocalAddr returns the socket's local address, or nil before setup.
func (c *Conn) LocalAddr() *net.TCPAddr {
	if c.fd < 0 {
		return nil
	}
	addr, err := poll.LocalAddr(c.fd)
	if err != nil {
		return nil
	}
	return addr
}

// RemoteAddr returns the peer address, or nil before setup.
func (c *Conn) RemoteAddr() *net.TCPAddr {
	if c.fd < 0 {
		return nil
	}
	addr, err := poll.RemoteAddr(c.fd)
	if err != nil {
		return nil
	}
	return addr
}

// SetHandler installs the application handler. Must be called before Init.
func (c *Conn) SetHandler(h Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initFuture != nil {
		return ErrAlreadyInitialized
	}
	c.handler = h
	return nil
}

// SetChain installs the filter chain factory. Must be called before Init.
func (c *Conn) SetChain(f filter.ChainFactory) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initFuture != nil {
		return ErrAlreadyInitialized
	}
	c.factory = f
	return nil
}

// Init starts bringing the connection up: InitConnect dials addr,
// InitAccept joins the accept queue for addr. The returned future resolves
// once the connection reaches StatusActive or fails terminally.
func (c *Conn) Init(kind InitKind, addr *net.TCPAddr) *Future[*Conn] {
	var k eventKind
	switch kind {
	case InitConnect:
		k = kindConnect
	case InitAccept:
		k = kindAccept
	default:
		return failedFuture[*Conn](fmt.Errorf("unknown init kind %d", kind))
	}

	return c.initRequest(k, addrRequest{addr: addr})
}

// InitRegister adopts an already connected non-blocking socket, skipping
// the connect/accept phase entirely.
func (c *Conn) InitRegister(fd int) *Future[*Conn] {
	return c.initRequest(kindRegister, registerRequest{fd: fd})
}

func (c *Conn) initRequest(kind eventKind, payload any) *Future[*Conn] {
	c.mu.Lock()

	if c.initFuture != nil {
		c.mu.Unlock()
		return failedFuture[*Conn](ErrAlreadyInitialized)
	}
	if c.handler == nil {
		c.mu.Unlock()
		return failedFuture[*Conn](fmt.Errorf("init %s: handler not set", c))
	}
	if c.factory == nil {
		c.mu.Unlock()
		return failedFuture[*Conn](fmt.Errorf("init %s: filter chain not set", c))
	}

	future := newFuture[*Conn]()
	c.initFuture = future

	ok := c.thread.submit(&event{kind: kind, payload: payload, conn: c})
	c.mu.Unlock()

	if !ok {
		future.complete(nil, ErrManagerClosed)
	}
	return future
}

// Send runs msg through the outbound filter chain and queues the produced
// byte regions for delivery. Messages submitted under the lock are written
// in submission order.
//
// Sends are accepted from creation (they flush once the connection becomes
// active) up until the connection starts closing for any reason other than
// a user-requested drain.
func (c *Conn) Send(msg any) error {
	switch status := c.Status(); status {
	case StatusClosed:
		return ErrConnClosed
	case StatusClosing:
		if c.closeCause() != CauseUser {
			return ErrConnClosed
		}
	}

	var (
		owner       *thread
		enableWrite bool
		crossed     bool
	)

	err := func() error {
		c.mu.Lock()
		defer c.mu.Unlock()

		owner = c.thread

		chain, err := c.chainLocked()
		if err != nil {
			return err
		}

		c.appIn.Add(msg)
		if err := chain.Outbound(c.appIn, c.sockOut); err != nil {
			// An outbound filter failure is fatal to the connection.
			owner.submit(&event{kind: kindError, payload: err, conn: c})
			return err
		}

		wasEmpty := c.wq.empty()
		c.flushChainOutputLocked()

		crossed = !c.suspended && c.highWater > 0 && c.wq.size() > c.highWater
		if crossed {
			c.suspended = true
		}

		enableWrite = c.registered && wasEmpty && !c.wq.empty()
		return nil
	}()
	if err != nil {
		return err
	}

	if enableWrite {
		owner.submit(&event{kind: kindOp, payload: opChange{ops: poll.OpWrite, enable: true}, conn: c})
	}
	if crossed {
		// The writability event must traverse the chain on the owner
		// thread; Execute gets it there.
		owner.submit(&event{kind: kindExecute, payload: func() { c.deliverWritable(false) }, conn: c})
	}

	return nil
}

// Close requests an orderly shutdown: from StatusActive the connection
// drains its deferred writes before the socket closes. Close is idempotent.
func (c *Conn) Close() {
	c.submit(&event{kind: kindClose, conn: c})
}

// Error terminates the connection immediately with the given cause,
// discarding deferred writes.
func (c *Conn) Error(err error) {
	c.submit(&event{kind: kindError, payload: err, conn: c})
}

// Execute runs fn on the connection's owner thread, serialized with every
// other callback of this connection. A panic inside fn terminates the
// connection with an error.
func (c *Conn) Execute(fn func()) {
	c.submit(&event{kind: kindExecute, payload: fn, conn: c})
}

// submit routes an event to the current owner's inbox while holding the
// connection lock, which serializes against a concurrent handoff.
func (c *Conn) submit(ev *event) {
	c.mu.Lock()
	owner := c.thread
	ok := owner.submit(ev)
	c.mu.Unlock()

	if !ok {
		logger.Debug("[%s] dropping %s event: owner thread gone", c, ev.kind)
	}
}

// owner returns the current owning thread.
func (c *Conn) owner() *thread {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.thread
}

func failedFuture[T any](err error) *Future[T] {
	f := newFuture[T]()
	var zero T
	f.complete(zero, err)
	return f
}

// ---------------------------------------------------------------------------
// Owner-thread operations. Nothing below is safe to call from outside the
// connection's current owner thread.
// ---------------------------------------------------------------------------

// setup attaches an open non-blocking socket.
func (c *Conn) setup(fd int) {
	c.fd = fd
	if err := poll.SetNoDelay(fd); err != nil {
		logger.Debug("[%s] %v", c, err)
	}
}

// chainLocked instantiates the filter chain on first use. Callers hold mu.
func (c *Conn) chainLocked() (*filter.Runtime, error) {
	if c.chain == nil {
		if c.factory == nil {
			return nil, fmt.Errorf("%s: filter chain not set", c)
		}
		c.chain = c.factory.NewRuntime(c)
	}
	return c.chain, nil
}

// getChain is chainLocked behind the lock, for owner-side paths.
func (c *Conn) getChain() (*filter.Runtime, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chainLocked()
}

// doBind installs the filter chain on the live socket: the bind event runs
// outbound first (filters may emit handshake bytes into the write queue),
// then inbound, after which the handler sees OnBind. Pre-active sends are
// already sitting in the write queue and flush once the I/O thread enables
// write interest.
func (c *Conn) doBind() error {
	chain, err := c.outboundOOBLocked(filter.Event{Type: filter.EventBind})
	if err != nil {
		return fmt.Errorf("bind outbound: %w", err)
	}

	c.evIn.Add(filter.Event{Type: filter.EventBind})
	if err := chain.InboundOOB(c.sockIn, c.evIn, c.appOut, c.evScratch); err != nil {
		return fmt.Errorf("bind inbound: %w", err)
	}
	drainEvents(c.evScratch)

	if c.handler != nil {
		c.handler.OnBind(c.appOut)
	}
	return nil
}

// outboundOOBLocked runs one event through the outbound half of the chain
// under the connection lock, moving any produced bytes into the deferred
// queue, and returns the chain for further owner-side traversal.
func (c *Conn) outboundOOBLocked(ev filter.Event) (*filter.Runtime, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	chain, err := c.chainLocked()
	if err != nil {
		return nil, err
	}

	c.evOutIn.Add(ev)
	err = chain.OutboundOOB(c.appIn, c.evOutIn, c.sockOut, c.evOutSc)
	c.flushChainOutputLocked()
	drainEvents(c.evOutSc)

	return chain, err
}

// flushChainOutputLocked moves byte regions produced by an outbound
// traversal into the deferred-write queue. Callers hold mu.
func (c *Conn) flushChainOutputLocked() {
	for out, ok := c.sockOut.Poll(); ok; out, ok = c.sockOut.Poll() {
		c.wq.add(out.([]byte))
	}
}

// inboundData pushes one read chunk through the inbound chain and delivers
// any resulting application events.
func (c *Conn) inboundData(chunk []byte) error {
	c.sockIn.Add(chunk)

	chain, err := c.getChain()
	if err != nil {
		return err
	}

	if err := chain.Inbound(c.sockIn, c.appOut); err != nil {
		return err
	}

	if c.appOut.Len() > 0 && c.handler != nil {
		c.handler.OnReceive(c.appOut)
	}
	return nil
}

// raiseClosing pushes the closing event through the chain in both
// directions: outbound first so filters can flush trailing bytes into the
// write queue, then inbound so the application sees OnClosing with whatever
// events were recovered ahead of the close.
func (c *Conn) raiseClosing(cause CloseCause, cerr error) {
	ev := filter.Event{Err: cerr}
	switch cause {
	case CauseEOS:
		ev.Type = filter.EventClosingEOS
	case CauseUser:
		ev.Type = filter.EventClosingUser
	case CauseError:
		ev.Type = filter.EventClosingError
	}

	chain, err := c.outboundOOBLocked(ev)
	if err != nil {
		logger.Debug("[%s] closing outbound traversal: %v", c, err)
	}

	if chain != nil {
		c.evIn.Add(ev)
		if ierr := chain.InboundOOB(c.sockIn, c.evIn, c.appOut, c.evScratch); ierr != nil {
			logger.Debug("[%s] closing inbound traversal: %v", c, ierr)
		}
		drainEvents(c.evScratch)
	}

	if c.handler != nil {
		c.handler.OnClosing(cause, c.appOut)
	}
}

// deliverWritable propagates a writability change through the inbound chain
// and notifies the handler if it cares.
func (c *Conn) deliverWritable(writable bool) {
	chain, err := c.getChain()

	if err == nil {
		c.evIn.Add(filter.Event{Type: filter.EventWritable, Writable: writable})
		if terr := chain.InboundOOB(c.sockIn, c.evIn, c.appOut, c.evScratch); terr != nil {
			logger.Debug("[%s] writability traversal: %v", c, terr)
		}
		drainEvents(c.evScratch)
	}

	if wh, ok := c.handler.(WritabilityHandler); ok {
		wh.OnWritable(writable)
	}
}

// finishClose releases the socket and the selection key, moves the
// connection to StatusClosed, and fires OnClose exactly once.
func (c *Conn) finishClose() {
	if c.Status() == StatusClosed {
		return
	}

	c.deregisterKey()

	if c.fd >= 0 {
		poll.CloseFD(c.fd)
		c.fd = -1
	}

	c.SetStatus(StatusClosed)

	if c.handler != nil {
		c.handler.OnClose()
	}

	c.mu.Lock()
	future := c.initFuture
	err := c.err
	c.mu.Unlock()

	if future != nil {
		if err != nil {
			future.complete(nil, err)
		} else {
			future.complete(nil, ErrConnClosed)
		}
	}

	if c.adopted {
		c.adopted = false
		c.manager.metrics().ConnClosed()
	}
}

// registerKey installs the connection on a selector.
func (c *Conn) registerKey(selector *poll.Selector, ops poll.Ops) error {
	key, err := selector.Register(c.fd, ops, c)
	if err != nil {
		return err
	}
	c.key = key
	return nil
}

// deregisterKey cancels the selection key, if any.
func (c *Conn) deregisterKey() {
	if c.key != nil {
		if err := c.key.Cancel(); err != nil {
			logger.Debug("[%s] %v", c, err)
		}
		c.key = nil
	}

	c.mu.Lock()
	c.registered = false
	c.mu.Unlock()
}

// growReadBuffer doubles the read buffer up to the configured maximum after
// a read that filled it completely.
func (c *Conn) growReadBuffer() {
	if len(c.readBuf) >= c.maxBufSize {
		return
	}
	size := len(c.readBuf) * 2
	if size > c.maxBufSize {
		size = c.maxBufSize
	}
	c.readBuf = make([]byte, size)
}

func drainEvents(q *filter.Queue[filter.Event]) {
	for _, ok := q.Poll(); ok; _, ok = q.Poll() {
	}
}

// writeQueue is the deferred-write backlog: byte regions produced by the
// outbound chain that the socket has not accepted yet. head carries the
// partially written front region.
type writeQueue struct {
	q     *queue.Queue
	head  []byte
	bytes int
}

func (w *writeQueue) add(p []byte) {
	w.q.Add(p)
	w.bytes += len(p)
}

func (w *writeQueue) empty() bool {
	return len(w.head) == 0 && w.q.Length() == 0
}

func (w *writeQueue) size() int {
	return w.bytes
}

// next returns the current front region, promoting queued regions as heads
// drain. Zero-length regions are consumed silently. Returns nil when the
// queue is drained.
func (w *writeQueue) next() []byte {
	for len(w.head) == 0 {
		if w.q.Length() == 0 {
			return nil
		}
		w.head = w.q.Remove().([]byte)
	}
	return w.head
}

// advance consumes n bytes from the front region.
func (w *writeQueue) advance(n int) {
	w.head = w.head[n:]
	w.bytes -= n
}

// failInit completes the init future exceptionally when the connection
// dies before ever becoming active.
func (c *Conn) failInit(err error) {
	c.mu.Lock()
	future := c.initFuture
	c.mu.Unlock()

	if future != nil {
		future.complete(nil, err)
	}
}
