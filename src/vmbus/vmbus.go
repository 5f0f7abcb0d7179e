// Package vmbus defines the narrow channel contract vpci depends on:
// a reliable, in-order, bidirectional packet transport between the
// paravisor and the host. The real VMBus ring-buffer protocol is an
// explicit Non-goal (spec §1/§11); this package is only the
// interface plus an in-memory loopback implementation for tests,
// exactly the role spec §6 assigns its "external collaborator."
package vmbus

import "context"

// Channel is the minimal contract vpci needs from a transport: send a
// packet, receive the next one in order, and tear down. No reliable-
// delivery or reconnect semantics are specified here since the real
// transport is out of scope -- a real implementation sitting behind
// this interface owns ring-buffer flow control, interrupt signaling,
// and channel offer/revoke, none of which any Channel caller should
// need to know about.
type Channel interface {
	Send(ctx context.Context, packet []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}
