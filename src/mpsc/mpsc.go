// Package mpsc implements a typed multi-producer single-consumer
// channel with two delivery modes: Local (an in-process buffered
// queue) and Remote (every send forwarded straight through to an
// injected transport once the receiver has been "promoted" to a real
// port). This mirrors the Local/Remote QueueAccess split in
// original_source/support/mesh/mesh_channel_core/src/mpsc.rs, with
// the Rust version's hand-rolled type-erased element vtable
// (size/align/drop/move function pointers behind an unsafe pointer)
// replaced outright by Go's native `any` interface boxing -- exactly
// the substitution spec §9 calls for rather than preserving literally.
package mpsc

import (
	"sync"

	"perrs"
)

var errClosed = perrs.New(perrs.KindProtocol, "mpsc", "channel closed")

// RemotePort is the transport a Receiver is promoted onto: once
// promoted, every Sender.Send call after the promotion is forwarded
// here instead of buffering locally.
type RemotePort interface {
	SendRemote(v any) error
}

type mode int

const (
	modeLocal mode = iota
	modeRemote
)

type queue[T any] struct {
	mu       sync.Mutex
	buf      []T
	closed   bool
	wake     chan struct{}
	mode     mode
	remote   RemotePort
	senders  int
}

// Sender is a cloneable handle that appends messages to the shared
// queue. The zero value is not usable; construct one via New.
type Sender[T any] struct {
	q *queue[T]
}

// Receiver is the single consuming end of a channel.
type Receiver[T any] struct {
	q *queue[T]
}

// New returns a connected Sender/Receiver pair in Local mode.
func New[T any]() (*Sender[T], *Receiver[T]) {
	q := &queue[T]{wake: make(chan struct{}, 1), senders: 1}
	return &Sender[T]{q: q}, &Receiver[T]{q: q}
}

func (q *queue[T]) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Clone returns a second Sender over the same queue, mirroring the
// original's Arc-backed SenderCore clone (every clone increments a
// shared refcount; Close on the receiver is independent of how many
// Sender clones remain live).
func (s *Sender[T]) Clone() *Sender[T] {
	s.q.mu.Lock()
	s.q.senders++
	s.q.mu.Unlock()
	return &Sender[T]{q: s.q}
}

// Send enqueues a message. In Local mode it appends to the in-process
// buffer and wakes a blocked Recv; in Remote mode it forwards
// directly to the promoted RemotePort and never buffers.
func (s *Sender[T]) Send(v T) error {
	s.q.mu.Lock()
	if s.q.closed {
		s.q.mu.Unlock()
		return errClosed
	}
	if s.q.mode == modeRemote {
		remote := s.q.remote
		s.q.mu.Unlock()
		return remote.SendRemote(v)
	}
	s.q.buf = append(s.q.buf, v)
	s.q.mu.Unlock()
	s.q.signal()
	return nil
}

// IsClosed reports whether the receiving end has gone away.
func (s *Sender[T]) IsClosed() bool {
	s.q.mu.Lock()
	defer s.q.mu.Unlock()
	return s.q.closed
}

// Recv blocks until a message is available or the channel is closed.
func (r *Receiver[T]) Recv() (T, error) {
	for {
		r.q.mu.Lock()
		if len(r.q.buf) > 0 {
			v := r.q.buf[0]
			r.q.buf = r.q.buf[1:]
			r.q.mu.Unlock()
			return v, nil
		}
		if r.q.closed {
			r.q.mu.Unlock()
			var zero T
			return zero, errClosed
		}
		r.q.mu.Unlock()
		<-r.q.wake
	}
}

// TryRecv returns immediately: a buffered message, perrs KindProtocol
// "empty" if nothing is queued, or errClosed if closed and drained.
var errEmpty = perrs.New(perrs.KindProtocol, "mpsc", "no message available")

func (r *Receiver[T]) TryRecv() (T, error) {
	r.q.mu.Lock()
	defer r.q.mu.Unlock()
	if len(r.q.buf) > 0 {
		v := r.q.buf[0]
		r.q.buf = r.q.buf[1:]
		return v, nil
	}
	var zero T
	if r.q.closed {
		return zero, errClosed
	}
	return zero, errEmpty
}

// Close marks the channel closed: buffered messages already in the
// queue are still delivered via Recv/TryRecv, but no further Send
// succeeds and Recv on an empty, closed queue returns errClosed.
func (r *Receiver[T]) Close() {
	r.q.mu.Lock()
	r.q.closed = true
	r.q.mu.Unlock()
	r.q.signal()
}

// Sender returns a new Sender over this receiver's queue, the
// mirror of original_source's ReceiverCore::sender.
func (r *Receiver[T]) Sender() *Sender[T] {
	r.q.mu.Lock()
	r.q.senders++
	r.q.mu.Unlock()
	return &Sender[T]{q: r.q}
}
