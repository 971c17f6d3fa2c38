package stream

import (
	"golang.org/x/sys/unix"

	"github.com/corestream/ntio"
)

// Close tears the socket down asynchronously, per §4.7 Close: the
// engine detaches the descriptor from the demultiplexer, completes every
// queued send and receive with connection-dead (queued data is not
// transmitted; there is no graceful drain), and invokes callback once
// detachment and any in-flight event delivery have both settled.
func (s *Socket) Close(callback func(error)) error {
	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		if callback != nil {
			callback(ntio.New(ntio.CodeInvalid))
		}
		return ntio.New(ntio.CodeInvalid)
	}
	s.state = StateClosing
	s.sendShutdown = true
	s.recvShutdown = true
	sends := s.writeQueue
	recvs := s.readQueue
	s.writeQueue = nil
	s.readQueue = nil
	fd := s.fd
	cs := s.connect
	s.connect = nil
	s.mu.Unlock()

	if cs != nil && cs.deadlineTmr != nil {
		cs.deadlineTmr.Close()
	}
	for _, e := range sends {
		e.finish(ntio.New(ntio.CodeConnectionDead))
	}
	for _, e := range recvs {
		e.finish(ntio.New(ntio.CodeConnectionDead), nil)
	}

	manager := s.manager
	err := s.demux.DetachSocket(fd, func() {
		_ = unix.Close(fd)
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		s.announce(Event{Type: EventShutdownComplete})
		if manager != nil {
			manager.OnClosed(s)
		}
		if callback != nil {
			callback(nil)
		}
	})
	if err != nil {
		if callback != nil {
			callback(err)
		}
		return err
	}
	return nil
}
