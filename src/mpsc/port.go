package mpsc

// AsPort promotes the receiver's queue onto remote: every currently
// buffered message is drained and forwarded to remote in order, mode
// flips to Remote, and every Send after this call (including ones
// racing concurrently with the drain) goes straight to remote instead
// of the local buffer. This is the Go analogue of the original's
// ReceiverCore::into_port -- ownership of the receiving end moves to
// the remote port, so the caller should not call Recv/TryRecv on r
// again afterward.
func (r *Receiver[T]) AsPort(remote RemotePort) error {
	r.q.mu.Lock()
	drained := r.q.buf
	r.q.buf = nil
	r.q.mode = modeRemote
	r.q.remote = remote
	r.q.mu.Unlock()

	for _, v := range drained {
		if err := remote.SendRemote(v); err != nil {
			return err
		}
	}
	return nil
}
