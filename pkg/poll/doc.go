// Package poll wraps the operating system's readiness multiplexer behind a
// selector abstraction: non-blocking sockets are registered with an interest
// mask and the selector reports which registrations became ready.
//
// The implementation is Linux epoll, level-triggered. A self-pipe registered
// in the epoll set lets foreign goroutines interrupt a blocked Select, which
// is how selector threads learn about new inbox submissions.
package poll
