//go:build linux

package poll

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Ops is a bit set of interest or readiness operations.
type Ops int

const (
	// OpRead requests notification when a socket has bytes to read.
	OpRead Ops = 1 << iota

	// OpWrite requests notification when a socket accepts more bytes.
	OpWrite

	// OpAccept requests notification when a listening socket has a
	// connection to accept.
	OpAccept

	// OpConnect requests notification when a non-blocking connect settles.
	OpConnect
)

func (o Ops) epollEvents() uint32 {
	var events uint32
	if o&(OpRead|OpAccept) != 0 {
		events |= unix.EPOLLIN
	}
	if o&(OpWrite|OpConnect) != 0 {
		events |= unix.EPOLLOUT
	}
	return events
}

// Ready pairs a registration with the operations that became ready on it.
type Ready struct {
	Key *Key
	Ops Ops
}

// Selector multiplexes readiness notification over a set of registered file
// descriptors.
//
// Registration, interest changes, and Select must all happen on the owning
// goroutine; Wakeup and Close are safe from any goroutine.
type Selector struct {
	epfd  int
	wakeR int
	wakeW int

	mu     sync.Mutex
	keys   map[int]*Key
	closed bool
}

// NewSelector creates an epoll instance with its wakeup pipe installed.
func NewSelector() (*Selector, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}

	var pipeFDs [2]int
	if err := unix.Pipe2(pipeFDs[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("wakeup pipe: %w", err)
	}

	s := &Selector{
		epfd:  epfd,
		wakeR: pipeFDs[0],
		wakeW: pipeFDs[1],
		keys:  make(map[int]*Key),
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(s.wakeR)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, s.wakeR, &ev); err != nil {
		s.Close()
		return nil, fmt.Errorf("register wakeup pipe: %w", err)
	}

	return s, nil
}

// Register adds fd to the selector with the given interest mask and an
// arbitrary attachment, returning the selection key.
func (s *Selector) Register(fd int, ops Ops, attachment any) (*Key, error) {
	ev := unix.EpollEvent{Events: ops.epollEvents(), Fd: int32(fd)}
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return nil, fmt.Errorf("epoll add fd %d: %w", fd, err)
	}

	key := &Key{selector: s, fd: fd, ops: ops, attachment: attachment}

	s.mu.Lock()
	s.keys[fd] = key
	s.mu.Unlock()

	return key, nil
}

// Select blocks until at least one registration is ready, the timeout
// elapses, or Wakeup is called. A negative timeout blocks indefinitely.
func (s *Selector) Select(timeout time.Duration) ([]Ready, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}

	var events [128]unix.EpollEvent

	n, err := unix.EpollWait(s.epfd, events[:], ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("epoll wait: %w", err)
	}

	var ready []Ready

	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)

		if fd == s.wakeR {
			s.drainWakeup()
			continue
		}

		s.mu.Lock()
		key := s.keys[fd]
		s.mu.Unlock()
		if key == nil {
			continue
		}

		ops := key.readyOps(events[i].Events)
		if ops != 0 {
			ready = append(ready, Ready{Key: key, Ops: ops})
		}
	}

	return ready, nil
}

// Wakeup interrupts a concurrent Select. Multiple calls before the next
// Select coalesce into one interruption.
func (s *Selector) Wakeup() {
	// EAGAIN means the pipe already holds a pending byte; that is enough.
	_, _ = unix.Write(s.wakeW, []byte{0})
}

func (s *Selector) drainWakeup() {
	var buf [64]byte
	for {
		n, err := unix.Read(s.wakeR, buf[:])
		if n < len(buf) || err != nil {
			return
		}
	}
}

// Keys returns a snapshot of the current registrations.
func (s *Selector) Keys() []*Key {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]*Key, 0, len(s.keys))
	for _, key := range s.keys {
		keys = append(keys, key)
	}
	return keys
}

// Close releases the epoll instance and the wakeup pipe. Registered sockets
// are not closed; cancelling their keys is the caller's responsibility.
func (s *Selector) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	unix.Close(s.wakeR)
	unix.Close(s.wakeW)
	return unix.Close(s.epfd)
}

// Key binds a file descriptor to a Selector together with its interest mask
// and attachment.
//
// Interest changes must happen on the selector's owning goroutine.
type Key struct {
	selector   *Selector
	fd         int
	ops        Ops
	attachment any
	cancelled  bool
}

// FD returns the registered file descriptor.
func (k *Key) FD() int { return k.fd }

// Attachment returns the value supplied at registration.
func (k *Key) Attachment() any { return k.attachment }

// Ops returns the current interest mask.
func (k *Key) Ops() Ops { return k.ops }

// SetOps replaces the interest mask.
func (k *Key) SetOps(ops Ops) error {
	if k.cancelled {
		return fmt.Errorf("selection key for fd %d is cancelled", k.fd)
	}

	ev := unix.EpollEvent{Events: ops.epollEvents(), Fd: int32(k.fd)}
	if err := unix.EpollCtl(k.selector.epfd, unix.EPOLL_CTL_MOD, k.fd, &ev); err != nil {
		return fmt.Errorf("epoll mod fd %d: %w", k.fd, err)
	}

	k.ops = ops
	return nil
}

// Cancel removes the registration from the selector. It is idempotent.
func (k *Key) Cancel() error {
	if k.cancelled {
		return nil
	}
	k.cancelled = true

	k.selector.mu.Lock()
	delete(k.selector.keys, k.fd)
	k.selector.mu.Unlock()

	if err := unix.EpollCtl(k.selector.epfd, unix.EPOLL_CTL_DEL, k.fd, nil); err != nil {
		return fmt.Errorf("epoll del fd %d: %w", k.fd, err)
	}
	return nil
}

// readyOps translates raw epoll events into Ops in terms of the key's
// interest mask. Error and hangup conditions are reported as readiness on
// every interested operation so the subsequent syscall observes the failure.
func (k *Key) readyOps(events uint32) Ops {
	var ops Ops

	if events&unix.EPOLLIN != 0 {
		ops |= k.ops & (OpRead | OpAccept)
	}
	if events&unix.EPOLLOUT != 0 {
		ops |= k.ops & (OpWrite | OpConnect)
	}
	if events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		ops |= k.ops
	}

	return ops
}
