package engine

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/marmos91/asyncnet/internal/logger"
	"github.com/marmos91/asyncnet/pkg/metrics"
)

// Config parameterizes a Manager. Zero values fall back to defaults.
type Config struct {
	// Name prefixes thread names and log lines.
	Name string

	// Backlog is the listen backlog for sockets bound by the accept
	// registry.
	Backlog int

	// IOThreads is the size of the I/O pool (at least 1).
	IOThreads int

	// MinBufferSize and MaxBufferSize bound the per-connection read
	// buffer, which starts at the minimum and doubles as reads fill it.
	MinBufferSize int
	MaxBufferSize int

	// SelectTimeout is the selector loop tick.
	SelectTimeout time.Duration

	// WriteHighWater is the deferred-write backlog size, in bytes, past
	// which the connection raises a writability event; 0 disables the
	// mark.
	WriteHighWater int

	// AcceptRatePerSecond throttles how fast the dispatch thread accepts
	// inbound sockets; 0 disables throttling. AcceptBurst is the token
	// bucket's burst capacity.
	AcceptRatePerSecond uint
	AcceptBurst         uint

	// Metrics receives engine counters; nil disables collection.
	Metrics *metrics.EngineMetrics
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "asyncnet"
	}
	if c.Backlog <= 0 {
		c.Backlog = 64
	}
	if c.IOThreads <= 0 {
		c.IOThreads = 1
	}
	if c.MinBufferSize <= 0 {
		c.MinBufferSize = 4 * 1024
	}
	if c.MaxBufferSize < c.MinBufferSize {
		c.MaxBufferSize = 64 * c.MinBufferSize
	}
	if c.SelectTimeout <= 0 {
		c.SelectTimeout = 250 * time.Millisecond
	}
}

// Manager owns one dispatch thread and a pool of I/O threads, and is the
// entry point for creating connections.
type Manager struct {
	name string
	cfg  Config

	dispatch *dispatchThread

	connSeq   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewManager starts the selector threads and returns a running manager.
func NewManager(cfg Config) (*Manager, error) {
	cfg.applyDefaults()

	m := &Manager{
		name: cfg.Name,
		cfg:  cfg,
	}

	dispatch, err := newDispatchThread(cfg.Name, m, cfg.IOThreads)
	if err != nil {
		return nil, fmt.Errorf("start manager %s: %w", cfg.Name, err)
	}
	m.dispatch = dispatch

	dispatch.start()

	logger.Info("[%s] connection manager started (%d io threads)", cfg.Name, cfg.IOThreads)
	return m, nil
}

// Name returns the manager's name.
func (m *Manager) Name() string { return m.name }

func (m *Manager) nextConnID() uint64 {
	return m.connSeq.Add(1)
}

func (m *Manager) metrics() *metrics.EngineMetrics {
	return m.cfg.Metrics
}

// NewConn creates an unbound connection owned by the dispatch thread. The
// caller installs a handler and a filter chain, then calls Init.
func (m *Manager) NewConn(name string) (*Conn, error) {
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}
	return newConn(m, name, m.dispatch.thread), nil
}

// Connections enumerates every live connection across all threads.
func (m *Manager) Connections(ctx context.Context) ([]*Conn, error) {
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}

	threads := make([]*thread, 0, 1+len(m.dispatch.ioThreads))
	threads = append(threads, m.dispatch.thread)
	for _, io := range m.dispatch.ioThreads {
		threads = append(threads, io.thread)
	}

	var conns []*Conn
	for _, t := range threads {
		future := newFuture[[]*Conn]()
		if !t.submit(&event{kind: kindGetConnections, payload: future}) {
			continue
		}

		part, err := future.Get(ctx)
		if err != nil {
			return nil, err
		}
		conns = append(conns, part...)
	}

	return conns, nil
}

// BoundAddresses snapshots the listen addresses currently held by the
// accept registry.
func (m *Manager) BoundAddresses(ctx context.Context) ([]*net.TCPAddr, error) {
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}

	future := newFuture[[]*net.TCPAddr]()
	if !m.dispatch.submit(&event{kind: kindGetBoundAddresses, payload: future}) {
		return nil, ErrManagerClosed
	}

	return future.Get(ctx)
}

// Close shuts the manager down: the dispatch thread errors its pending
// accepts and forwards the shutdown to every I/O thread, each of which
// errors its connections with the cancellation cause before exiting. Close
// blocks until all threads have finished and is idempotent.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.closed.Store(true)

		m.dispatch.submit(&event{kind: kindShutdown, payload: error(ErrManagerClosed)})

		<-m.dispatch.done
		for _, io := range m.dispatch.ioThreads {
			<-io.done
		}

		var err error
		if m.dispatch.fatal != nil {
			err = multierr.Append(err, m.dispatch.fatal)
		}
		for _, io := range m.dispatch.ioThreads {
			if io.fatal != nil {
				err = multierr.Append(err, io.fatal)
			}
		}
		m.closeErr = err

		logger.Info("[%s] connection manager closed", m.name)
	})

	return m.closeErr
}

// defaultManager is the process-wide convenience instance used by edge
// code; the engine itself never consults it.
var (
	defaultManager     *Manager
	defaultManagerOnce sync.Once
	defaultManagerErr  error
)

// Default returns a lazily created process-wide manager with default
// configuration. Libraries should take an explicit *Manager instead; this
// exists for small programs and examples.
func Default() (*Manager, error) {
	defaultManagerOnce.Do(func() {
		defaultManager, defaultManagerErr = NewManager(Config{Name: "default"})
	})
	return defaultManager, defaultManagerErr
}
