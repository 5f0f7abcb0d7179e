package vmbus

import (
	"context"
	"errors"
)

// loopbackEnd is an in-memory Channel implementation: two ends backed
// by each other's send queue, used by vpci's tests in place of a real
// host transport.
type loopbackEnd struct {
	send   chan []byte
	recv   chan []byte
	closed chan struct{}
}

var errClosed = errors.New("vmbus: channel closed")

// NewLoopback returns two connected Channel ends: packets sent on one
// arrive, in order, as Recv results on the other.
func NewLoopback(buffer int) (Channel, Channel) {
	a := make(chan []byte, buffer)
	b := make(chan []byte, buffer)
	closed := make(chan struct{})
	return &loopbackEnd{send: a, recv: b, closed: closed},
		&loopbackEnd{send: b, recv: a, closed: closed}
}

func (c *loopbackEnd) Send(ctx context.Context, packet []byte) error {
	cp := append([]byte(nil), packet...)
	select {
	case c.send <- cp:
		return nil
	case <-c.closed:
		return errClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *loopbackEnd) Recv(ctx context.Context) ([]byte, error) {
	select {
	case pkt := <-c.recv:
		return pkt, nil
	case <-c.closed:
		return nil, errClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *loopbackEnd) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}
