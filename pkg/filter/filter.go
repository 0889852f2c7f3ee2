package filter

// EventType enumerates the out-of-band control events that travel through a
// chain alongside data.
type EventType int

const (
	// EventBind fires once when the chain is installed on a live
	// connection. Filters with a handshake emit their opening bytes here.
	EventBind EventType = iota

	// EventClosingEOS fires when the peer half-closed the stream.
	EventClosingEOS

	// EventClosingUser fires when the local application requested close.
	EventClosingUser

	// EventClosingError fires when the connection is being torn down by an
	// error; Err carries the cause.
	EventClosingError

	// EventWritable fires when the connection's outbound backlog crosses
	// its high-water mark (Writable false) or drains back below it
	// (Writable true).
	EventWritable
)

func (t EventType) String() string {
	switch t {
	case EventBind:
		return "BIND"
	case EventClosingEOS:
		return "CLOSING_EOS"
	case EventClosingUser:
		return "CLOSING_USER"
	case EventClosingError:
		return "CLOSING_ERROR"
	case EventWritable:
		return "WRITABLE"
	default:
		return "UNKNOWN"
	}
}

// Event is an out-of-band control signal.
type Event struct {
	Type     EventType
	Writable bool
	Err      error
}

// Connection identifies the connection a filter instance serves. The
// concrete value is the engine's connection type; filters that do not need
// it ignore the argument.
type Connection interface {
	String() string
}

// Filter transforms messages between two adjacent stages of a chain. The
// inbound direction runs from the socket toward the application; outbound
// runs in reverse.
//
// A filter must consume from in and produce to out within the call: queues
// must not be retained across invocations. Partial input (for example an
// incomplete frame) is carried in the filter's own state, not left in the
// queue.
type Filter[I, O any] interface {
	Inbound(in ReadQueue[I], out WriteQueue[O]) error
	Outbound(in ReadQueue[O], out WriteQueue[I]) error
}

// OOBFilter is a Filter that also processes control events. The data queues
// are passed too: a closing event may need to flush buffered data ahead of
// itself.
type OOBFilter[I, O any] interface {
	Filter[I, O]

	InboundOOB(in ReadQueue[I], inEvents ReadQueue[Event], out WriteQueue[O], outEvents WriteQueue[Event]) error
	OutboundOOB(in ReadQueue[O], inEvents ReadQueue[Event], out WriteQueue[I], outEvents WriteQueue[Event]) error
}

// Factory produces one filter instance per connection.
type Factory[I, O any] interface {
	NewFilter(conn Connection) Filter[I, O]
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc[I, O any] func(conn Connection) Filter[I, O]

func (f FactoryFunc[I, O]) NewFilter(conn Connection) Filter[I, O] {
	return f(conn)
}

// AsOOB upgrades a plain filter to the OOB interface. Data is run through
// the underlying filter first, then events pass through unchanged, so a
// closing event never overtakes the data that preceded it.
func AsOOB[I, O any](f Filter[I, O]) OOBFilter[I, O] {
	if oob, ok := f.(OOBFilter[I, O]); ok {
		return oob
	}
	return oobAdapter[I, O]{f: f}
}

type oobAdapter[I, O any] struct {
	f Filter[I, O]
}

func (a oobAdapter[I, O]) Inbound(in ReadQueue[I], out WriteQueue[O]) error {
	return a.f.Inbound(in, out)
}

func (a oobAdapter[I, O]) Outbound(in ReadQueue[O], out WriteQueue[I]) error {
	return a.f.Outbound(in, out)
}

func (a oobAdapter[I, O]) InboundOOB(in ReadQueue[I], inEvents ReadQueue[Event], out WriteQueue[O], outEvents WriteQueue[Event]) error {
	if err := a.f.Inbound(in, out); err != nil {
		return err
	}
	Drain(inEvents, outEvents)
	return nil
}

func (a oobAdapter[I, O]) OutboundOOB(in ReadQueue[O], inEvents ReadQueue[Event], out WriteQueue[I], outEvents WriteQueue[Event]) error {
	if err := a.f.Outbound(in, out); err != nil {
		return err
	}
	Drain(inEvents, outEvents)
	return nil
}
