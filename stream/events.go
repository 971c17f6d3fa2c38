package stream

import "github.com/corestream/ntio"

// OnReadable implements reactor.Owner: the OS receive buffer has data
// (or the peer has shut down writes).
func (s *Socket) OnReadable() {
	s.mu.Lock()
	upgrading := s.state == StateUpgrading
	s.mu.Unlock()
	if upgrading {
		s.feedHandshake()
		return
	}
	s.fillReadQueue()
}

// OnWritable implements reactor.Owner: either a pending nonblocking
// connect has a result, a handshake has bytes to flush, or the write
// queue can be drained further.
func (s *Socket) OnWritable() {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	switch st {
	case StateConnecting:
		s.completeConnect()
	case StateUpgrading:
		_ = s.flushUpgradeOut()
	default:
		s.drainWriteQueue()
	}
}

// OnError implements reactor.Owner: a fatal socket-level error was
// probed by the demultiplexer.
func (s *Socket) OnError() {
	s.failAll(ntio.New(ntio.CodeConnectionDead))
	s.announce(Event{Type: EventError, Err: ntio.New(ntio.CodeConnectionDead)})
}

// OnNotifications implements reactor.Owner. The core does not interpret
// ancillary notification-queue contents (MSG_ERRQUEUE zero-copy
// completions and similar); see DESIGN.md for why this stays a no-op.
func (s *Socket) OnNotifications() {}

// failAll transitions every pending send/receive entry to a terminal
// error, used when the socket observes a fatal error. It only completes
// the entries already queued; it records no error state, so operations
// issued afterwards do not return err.
func (s *Socket) failAll(err error) {
	s.mu.Lock()
	sends := s.writeQueue
	recvs := s.readQueue
	s.writeQueue = nil
	s.readQueue = nil
	s.mu.Unlock()
	for _, e := range sends {
		e.finish(err)
	}
	for _, e := range recvs {
		e.finish(err, nil)
	}
}
