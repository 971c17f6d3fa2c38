package stream

import "sync"

// CloseGuard wraps a Socket so that Close blocks the calling goroutine
// until the engine's asynchronous close has fully completed, per §4.9.
// Release detaches the guard without closing, handing ownership back to
// the caller (the "move-out" case).
type CloseGuard struct {
	mu       sync.Mutex
	sock     *Socket
	released bool
}

// NewCloseGuard wraps sock.
func NewCloseGuard(sock *Socket) *CloseGuard {
	return &CloseGuard{sock: sock}
}

// Release detaches the guard from its socket without closing it and
// returns the socket to the caller.
func (g *CloseGuard) Release() *Socket {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.released = true
	s := g.sock
	g.sock = nil
	return s
}

// Close closes the guarded socket and blocks until the close has fully
// completed. Calling Close after Release, or more than once, is a no-op.
func (g *CloseGuard) Close() error {
	g.mu.Lock()
	if g.released || g.sock == nil {
		g.mu.Unlock()
		return nil
	}
	sock := g.sock
	g.sock = nil
	g.mu.Unlock()

	done := make(chan struct{})
	var closeErr error
	if err := sock.Close(func(err error) {
		closeErr = err
		close(done)
	}); err != nil {
		return err
	}
	<-done
	return closeErr
}
