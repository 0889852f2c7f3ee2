// Package engine implements the asynchronous connection engine: a dispatch
// thread that accepts and connects sockets, a pool of I/O threads that
// multiplex established connections over epoll selectors, and the managed
// connection type that ties a socket, its buffers, and its filter chain to
// whichever thread currently owns it.
//
// Every connection is owned by exactly one selector thread at a time. All
// state transitions, buffer mutation, and handler callbacks happen on the
// owner thread; foreign goroutines interact with a connection only through
// its submit path (which routes to the owner's inbox) and through Send,
// which serializes with the owner via the connection lock. Connections move
// from the dispatch thread to an I/O thread exactly once, at activation.
package engine
