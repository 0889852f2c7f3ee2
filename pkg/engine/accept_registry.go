package engine

import (
	"fmt"
	"net"

	"github.com/marmos91/asyncnet/internal/logger"
	"github.com/marmos91/asyncnet/pkg/poll"
)

// acceptRegistry coalesces pending accepts on shared listening sockets: one
// listening socket per distinct address, with an ordered queue of
// connections waiting to be matched to inbound sockets.
//
// The registry is owned exclusively by the dispatch thread.
type acceptRegistry struct {
	selector *poll.Selector
	backlog  int

	entries map[string]*registryEntry
	byConn  map[*Conn]*registryEntry
}

// registryEntry is the bookkeeping for one bound listening socket. mapKey
// is the registration address string the entry is indexed under, which may
// differ from the bound address for unspecified IPs.
type registryEntry struct {
	mapKey  string
	addr    *net.TCPAddr
	fd      int
	key     *poll.Key
	pending []*Conn
}

func newAcceptRegistry(selector *poll.Selector, backlog int) *acceptRegistry {
	return &acceptRegistry{
		selector: selector,
		backlog:  backlog,
		entries:  make(map[string]*registryEntry),
		byConn:   make(map[*Conn]*registryEntry),
	}
}

// register appends conn to the pending queue for addr, binding a new
// listening socket if the address has none yet.
func (r *acceptRegistry) register(c *Conn, addr *net.TCPAddr) (*registryEntry, error) {
	if addr == nil {
		return nil, fmt.Errorf("listen: nil address")
	}
	if addr.Port <= 0 {
		return nil, fmt.Errorf("listen %s: %w", addr, ErrWildcardPort)
	}

	entry, ok := r.entries[addr.String()]
	if !ok {
		fd, bound, err := poll.Listen(addr, r.backlog)
		if err != nil {
			return nil, err
		}

		entry = &registryEntry{mapKey: addr.String(), addr: bound, fd: fd}

		key, err := r.selector.Register(fd, poll.OpAccept, entry)
		if err != nil {
			poll.CloseFD(fd)
			return nil, err
		}
		entry.key = key

		r.entries[addr.String()] = entry
		logger.Debug("bound listening socket at %s", bound)
	}

	entry.pending = append(entry.pending, c)
	r.byConn[c] = entry

	return entry, nil
}

// removePending detaches conn from its entry. When the last pending accept
// leaves, the entry is torn down in order: key cancelled, socket closed,
// entry dropped.
func (r *acceptRegistry) removePending(c *Conn) {
	entry, ok := r.byConn[c]
	if !ok {
		return
	}

	delete(r.byConn, c)
	for i, pending := range entry.pending {
		if pending == c {
			entry.pending = append(entry.pending[:i], entry.pending[i+1:]...)
			break
		}
	}

	if len(entry.pending) > 0 {
		return
	}

	if err := entry.key.Cancel(); err != nil {
		logger.Debug("cancelling listen key for %s: %v", entry.addr, err)
	}
	poll.CloseFD(entry.fd)

	delete(r.entries, entry.mapKey)

	logger.Debug("released listening socket at %s", entry.addr)
}

// addresses returns a snapshot of the currently bound listen addresses.
func (r *acceptRegistry) addresses() []*net.TCPAddr {
	addrs := make([]*net.TCPAddr, 0, len(r.entries))
	for _, entry := range r.entries {
		addrs = append(addrs, entry.addr)
	}
	return addrs
}

// allPending returns every connection still waiting on any entry.
func (r *acceptRegistry) allPending() []*Conn {
	var conns []*Conn
	for _, entry := range r.entries {
		conns = append(conns, entry.pending...)
	}
	return conns
}
