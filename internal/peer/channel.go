package peer

import (
	"context"
	"fmt"
	"sync"
)

// Status is the delivery outcome of one sent message.
type Status int

const (
	Delivered Status = iota
	// NotPresent means the peer controller is not running.
	NotPresent
	// Busy means the peer is alive but could not accept the message.
	Busy
	// ContactLost means the link broke while the message was in flight.
	ContactLost
	// Fatal is an unrecoverable transport error.
	Fatal
)

func (s Status) String() string {
	switch s {
	case Delivered:
		return "DELIVERED"
	case NotPresent:
		return "PEER_NOT_PRESENT"
	case Busy:
		return "PEER_BUSY"
	case ContactLost:
		return "CONTACT_LOST"
	case Fatal:
		return "FATAL_ERROR"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Channel carries messages to and from the peer controller.
type Channel interface {
	// Send blocks until the peer acknowledged the message or delivery failed.
	Send(ctx context.Context, m Message) Status
	// Receive returns the stream of messages sent by the peer.
	Receive() <-chan Message
	Close() error
}

// Loopback is one end of an in-process channel pair. It serves tests and
// single-controller systems where the peer never exists.
type Loopback struct {
	mu     sync.Mutex
	inbox  chan Message
	remote *Loopback
	closed bool
	fault  *Status // reported for every send instead of delivering
	sent   []Message
}

// Ensure Loopback implements Channel
var _ Channel = (*Loopback)(nil)

// NewLoopbackPair creates two connected ends with inboxes of the given size.
func NewLoopbackPair(inboxSize int) (*Loopback, *Loopback) {
	a := &Loopback{inbox: make(chan Message, inboxSize)}
	b := &Loopback{inbox: make(chan Message, inboxSize)}
	a.remote, b.remote = b, a
	return a, b
}

// NewLoopback creates an end with no peer; every send reports NotPresent.
func NewLoopback() *Loopback {
	return &Loopback{inbox: make(chan Message)}
}

// Send implements Channel.
func (l *Loopback) Send(ctx context.Context, m Message) Status {
	l.mu.Lock()
	l.sent = append(l.sent, m)
	fault, remote, closed := l.fault, l.remote, l.closed
	l.mu.Unlock()

	if closed {
		return Fatal
	}
	if fault != nil {
		return *fault
	}
	if remote == nil {
		return NotPresent
	}
	return remote.deliver(m)
}

func (l *Loopback) deliver(m Message) Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return NotPresent
	}
	select {
	case l.inbox <- m:
		return Delivered
	default:
		return Busy
	}
}

// Receive implements Channel.
func (l *Loopback) Receive() <-chan Message {
	return l.inbox
}

// Close implements Channel. The remote end then sees NotPresent.
func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.inbox)
	}
	return nil
}

// Fail makes every following send report s. Delivered restores normal
// delivery.
func (l *Loopback) Fail(s Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s == Delivered {
		l.fault = nil
		return
	}
	l.fault = &s
}

// Sent returns every message passed to Send, including failed ones.
func (l *Loopback) Sent() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Message(nil), l.sent...)
}
