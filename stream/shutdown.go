package stream

import (
	"golang.org/x/sys/unix"

	"github.com/corestream/ntio"
)

// Shutdown half-closes the socket, per §4.7 Shutdown. Events fire in
// order: initiated, then send/receive as the respective direction
// completes, then complete if, when this call returns, both the send and
// the receive directions are shut down (a single-direction call
// announces complete only when the other direction was already shut).
// ShutdownGraceful defers the send-direction shutdown(2) call until the
// write queue has drained; no complete event is announced when that
// deferred call is later made. ShutdownImmediate discards the queue.
func (s *Socket) Shutdown(direction ShutdownDirection, mode ShutdownMode) error {
	s.announce(Event{Type: EventShutdownInitiated, Direction: direction})

	if direction == ShutdownSend || direction == ShutdownBoth {
		if err := s.shutdownSend(mode); err != nil {
			return err
		}
	}
	if direction == ShutdownReceive || direction == ShutdownBoth {
		if err := s.shutdownReceive(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	complete := s.sendShutdown && s.recvShutdown && !s.pendingSendShutdown
	if complete {
		switch {
		case direction == ShutdownBoth:
			s.state = StateShutdownBoth
		case direction == ShutdownSend:
			s.state = StateShutdownSend
		default:
			s.state = StateShutdownReceive
		}
	}
	s.mu.Unlock()
	if complete {
		s.announce(Event{Type: EventShutdownComplete, Direction: direction})
	}
	return nil
}

func (s *Socket) shutdownSend(mode ShutdownMode) error {
	s.mu.Lock()
	if s.sendShutdown {
		s.mu.Unlock()
		return nil
	}
	if mode == ShutdownGraceful && len(s.writeQueue) > 0 {
		s.pendingSendShutdown = true
		s.mu.Unlock()
		return nil
	}
	discarded := s.writeQueue
	s.writeQueue = nil
	s.mu.Unlock()
	for _, e := range discarded {
		e.finish(ntio.New(ntio.CodeCancelled))
	}
	return s.finishSendShutdown()
}

// finishSendShutdown issues shutdown(2) for the send direction and
// announces completion. Called either directly (immediate mode, or
// nothing queued) or from send.go once a deferred graceful shutdown's
// write queue has drained.
func (s *Socket) finishSendShutdown() error {
	s.mu.Lock()
	fd := s.fd
	s.mu.Unlock()
	if err := unix.Shutdown(fd, unix.SHUT_WR); err != nil {
		return ntio.Wrap(ntio.CodeOther, err)
	}
	s.mu.Lock()
	s.sendShutdown = true
	s.mu.Unlock()
	s.announce(Event{Type: EventShutdownSend})
	return nil
}

func (s *Socket) shutdownReceive() error {
	s.mu.Lock()
	if s.recvShutdown {
		s.mu.Unlock()
		return nil
	}
	fd := s.fd
	s.mu.Unlock()
	if err := unix.Shutdown(fd, unix.SHUT_RD); err != nil {
		return ntio.Wrap(ntio.CodeOther, err)
	}
	// Per the decided Open Question (see DESIGN.md): a local shutdown of
	// the receive direction completes pending receives with eof, not
	// connection-dead, mirroring how a peer's half-close is reported.
	s.mu.Lock()
	s.recvShutdown = true
	entries := s.readQueue
	s.readQueue = nil
	s.mu.Unlock()
	_, _ = s.demux.HideReadable(s.fd)
	for _, e := range entries {
		e.finish(ntio.New(ntio.CodeEOF), nil)
	}
	s.announce(Event{Type: EventShutdownReceive})
	return nil
}
