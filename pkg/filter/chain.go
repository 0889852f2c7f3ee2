package filter

import "slices"

// ChainFactory is the type-erased face a chain presents to the connection
// engine, which traffics in byte slices on one end and opaque application
// messages on the other.
type ChainFactory interface {
	NewRuntime(conn Connection) *Runtime
}

// Chain is an ordered composition of filter factories. The type parameters
// track the outermost types: I at the socket edge, O at the application
// edge. Build chains with NewChain and Append; the generic signatures
// enforce that each stage's input type equals the previous stage's output
// type.
type Chain[I, O any] struct {
	factories []erasedFactory
}

// NewChain starts a chain with a single stage.
func NewChain[I, O any](f Factory[I, O]) Chain[I, O] {
	return Chain[I, O]{factories: []erasedFactory{eraseFactory(f)}}
}

// Append extends a chain with a further stage whose input type is the
// chain's current output type.
func Append[I, M, O any](c Chain[I, M], f Factory[M, O]) Chain[I, O] {
	factories := slices.Clone(c.factories)
	factories = append(factories, eraseFactory(f))
	return Chain[I, O]{factories: factories}
}

// NewRuntime instantiates every stage for a connection and pre-allocates
// the intermediate queues between them.
func (c Chain[I, O]) NewRuntime(conn Connection) *Runtime {
	n := len(c.factories)

	r := &Runtime{
		filters: make([]erasedFilter, n),
	}

	for i, factory := range c.factories {
		r.filters[i] = factory(conn)
	}

	if n > 1 {
		r.interIn = make([]*Queue[any], n-1)
		r.interOut = make([]*Queue[any], n-1)
		r.interInEvents = make([]*Queue[Event], n-1)
		r.interOutEvents = make([]*Queue[Event], n-1)

		for i := 0; i < n-1; i++ {
			r.interIn[i] = NewQueue[any]()
			r.interOut[i] = NewQueue[any]()
			r.interInEvents[i] = NewQueue[Event]()
			r.interOutEvents[i] = NewQueue[Event]()
		}
	}

	return r
}

// erasedFilter is one chain stage reduced to closures over untyped queues.
type erasedFilter struct {
	inbound     func(in, out *Queue[any]) error
	outbound    func(in, out *Queue[any]) error
	inboundOOB  func(in *Queue[any], inEvents *Queue[Event], out *Queue[any], outEvents *Queue[Event]) error
	outboundOOB func(in *Queue[any], inEvents *Queue[Event], out *Queue[any], outEvents *Queue[Event]) error
}

type erasedFactory func(conn Connection) erasedFilter

func eraseFactory[I, O any](f Factory[I, O]) erasedFactory {
	return func(conn Connection) erasedFilter {
		oob := AsOOB(f.NewFilter(conn))

		return erasedFilter{
			inbound: func(in, out *Queue[any]) error {
				return oob.Inbound(readAs[I](in), writeAs[O](out))
			},
			outbound: func(in, out *Queue[any]) error {
				return oob.Outbound(readAs[O](in), writeAs[I](out))
			},
			inboundOOB: func(in *Queue[any], inEvents *Queue[Event], out *Queue[any], outEvents *Queue[Event]) error {
				return oob.InboundOOB(readAs[I](in), inEvents, writeAs[O](out), outEvents)
			},
			outboundOOB: func(in *Queue[any], inEvents *Queue[Event], out *Queue[any], outEvents *Queue[Event]) error {
				return oob.OutboundOOB(readAs[O](in), inEvents, writeAs[I](out), outEvents)
			},
		}
	}
}

// Runtime is a chain instantiated for one connection. It is confined to the
// connection's owner thread for inbound traversals and to the connection
// lock for outbound ones; it must not be shared beyond that.
type Runtime struct {
	filters []erasedFilter

	// n-1 intermediate queues per direction, plus the same for events.
	interIn        []*Queue[any]
	interOut       []*Queue[any]
	interInEvents  []*Queue[Event]
	interOutEvents []*Queue[Event]
}

// Inbound runs a data traversal from the socket edge to the application
// edge: in holds byte-level input for the first stage, out receives the
// last stage's output.
func (r *Runtime) Inbound(in, out *Queue[any]) error {
	n := len(r.filters)

	if n == 1 {
		return r.filters[0].inbound(in, out)
	}

	if err := r.filters[0].inbound(in, r.interIn[0]); err != nil {
		return err
	}
	for i := 1; i < n-1; i++ {
		if err := r.filters[i].inbound(r.interIn[i-1], r.interIn[i]); err != nil {
			return err
		}
	}
	return r.filters[n-1].inbound(r.interIn[n-2], out)
}

// Outbound runs a data traversal from the application edge to the socket
// edge, visiting the stages in reverse.
func (r *Runtime) Outbound(in, out *Queue[any]) error {
	n := len(r.filters)

	if n == 1 {
		return r.filters[0].outbound(in, out)
	}

	if err := r.filters[n-1].outbound(in, r.interOut[n-2]); err != nil {
		return err
	}
	for i := n - 2; i >= 1; i-- {
		if err := r.filters[i].outbound(r.interOut[i], r.interOut[i-1]); err != nil {
			return err
		}
	}
	return r.filters[0].outbound(r.interOut[0], out)
}

// InboundOOB runs an event-bearing traversal toward the application edge.
func (r *Runtime) InboundOOB(in *Queue[any], inEvents *Queue[Event], out *Queue[any], outEvents *Queue[Event]) error {
	n := len(r.filters)

	if n == 1 {
		return r.filters[0].inboundOOB(in, inEvents, out, outEvents)
	}

	if err := r.filters[0].inboundOOB(in, inEvents, r.interIn[0], r.interInEvents[0]); err != nil {
		return err
	}
	for i := 1; i < n-1; i++ {
		if err := r.filters[i].inboundOOB(r.interIn[i-1], r.interInEvents[i-1], r.interIn[i], r.interInEvents[i]); err != nil {
			return err
		}
	}
	return r.filters[n-1].inboundOOB(r.interIn[n-2], r.interInEvents[n-2], out, outEvents)
}

// OutboundOOB runs an event-bearing traversal toward the socket edge.
func (r *Runtime) OutboundOOB(in *Queue[any], inEvents *Queue[Event], out *Queue[any], outEvents *Queue[Event]) error {
	n := len(r.filters)

	if n == 1 {
		return r.filters[0].outboundOOB(in, inEvents, out, outEvents)
	}

	if err := r.filters[n-1].outboundOOB(in, inEvents, r.interOut[n-2], r.interOutEvents[n-2]); err != nil {
		return err
	}
	for i := n - 2; i >= 1; i-- {
		if err := r.filters[i].outboundOOB(r.interOut[i], r.interOutEvents[i], r.interOut[i-1], r.interOutEvents[i-1]); err != nil {
			return err
		}
	}
	return r.filters[0].outboundOOB(r.interOut[0], r.interOutEvents[0], out, outEvents)
}
