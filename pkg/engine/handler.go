package engine

import "github.com/marmos91/asyncnet/pkg/filter"

// Handler receives a connection's lifecycle and traffic callbacks. Every
// callback runs on the connection's owner thread, so implementations see a
// single-threaded view of the connection and must not block.
type Handler interface {
	// OnBind fires once, after the filter chain has been installed on the
	// live socket. inbound holds any application events the chain produced
	// while binding.
	OnBind(inbound filter.ReadQueue[any])

	// OnReceive fires for every non-empty inbound batch.
	OnReceive(events filter.ReadQueue[any])

	// OnClosing fires once when the connection starts closing; pending
	// holds application events recovered ahead of the close.
	OnClosing(cause CloseCause, pending filter.ReadQueue[any])

	// OnClose fires once, after the socket is closed and the selection key
	// cancelled.
	OnClose()

	// OnError fires before OnClosing when the close cause is an error.
	OnError(err error)
}

// WritabilityHandler is optionally implemented by handlers interested in
// backpressure: OnWritable(false) reports the outbound backlog crossing the
// connection's high-water mark, OnWritable(true) reports it draining back
// below.
type WritabilityHandler interface {
	OnWritable(writable bool)
}
