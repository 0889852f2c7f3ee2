package engine

import (
	"net"

	"github.com/marmos91/asyncnet/pkg/poll"
)

// eventKind tags an interest event in a thread's inbox. Connection-targeted
// kinds dispatch through the connection state table; internal kinds through
// the thread's own table.
type eventKind int

const (
	kindConnect eventKind = iota
	kindAccept
	kindRegister
	kindClose
	kindError
	kindExecute
	kindDispatch
	kindOp
	kindShutdown
	kindGetConnections
	kindGetBoundAddresses

	numKinds int = iota
)

func (k eventKind) String() string {
	switch k {
	case kindConnect:
		return "CONNECT"
	case kindAccept:
		return "ACCEPT"
	case kindRegister:
		return "REGISTER"
	case kindClose:
		return "CLOSE"
	case kindError:
		return "ERROR"
	case kindExecute:
		return "EXECUTE"
	case kindDispatch:
		return "DISPATCH"
	case kindOp:
		return "OP"
	case kindShutdown:
		return "SHUTDOWN"
	case kindGetConnections:
		return "GET_CONNECTIONS"
	case kindGetBoundAddresses:
		return "GET_BOUND_ADDRESSES"
	default:
		return "UNKNOWN"
	}
}

// event is one inbox entry: a kind, an optional payload, and the targeted
// connection (nil for internal requests).
type event struct {
	kind    eventKind
	payload any
	conn    *Conn
}

// opChange is the payload of kindOp: toggle interest operations on the
// connection's key without leaving the owner thread.
type opChange struct {
	ops    poll.Ops
	enable bool
}

// addrRequest is the payload of kindConnect/kindAccept.
type addrRequest struct {
	addr *net.TCPAddr
}

// registerRequest is the payload of kindRegister: adopt an already
// connected, non-blocking socket.
type registerRequest struct {
	fd int
}
