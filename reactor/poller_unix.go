//go:build unix && !linux

package reactor

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/corestream/ntio"
)

// pollSource is the portable level-triggered fallback backend built on
// golang.org/x/sys/unix.Poll, used on unix targets without an epoll
// equivalent wired in. It rejects edge-triggered registration per the
// §4.6 backend table.
type pollSource struct {
	mu  sync.Mutex
	fds map[int]IOEvents
}

func newPollSource() (*pollSource, error) {
	return &pollSource{fds: make(map[int]IOEvents)}, nil
}

func (s *pollSource) registerFD(fd int, events IOEvents, edge bool) error {
	if edge {
		return errEdgeTriggerUnsupported
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.fds[fd]; ok {
		return errFDAlreadyRegistered
	}
	s.fds[fd] = events
	return nil
}

func (s *pollSource) modifyFD(fd int, events IOEvents, edge bool) error {
	if edge {
		return errEdgeTriggerUnsupported
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.fds[fd]; !ok {
		return errFDNotRegistered
	}
	s.fds[fd] = events
	return nil
}

func (s *pollSource) unregisterFD(fd int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.fds[fd]; !ok {
		return errFDNotRegistered
	}
	delete(s.fds, fd)
	return nil
}

func eventsToPoll(ev IOEvents) int16 {
	var out int16
	if ev&EventReadable != 0 {
		out |= unix.POLLIN
	}
	if ev&EventWritable != 0 {
		out |= unix.POLLOUT
	}
	return out
}

func pollToEvents(mask int16) IOEvents {
	var out IOEvents
	if mask&unix.POLLIN != 0 {
		out |= EventReadable
	}
	if mask&unix.POLLOUT != 0 {
		out |= EventWritable
	}
	if mask&unix.POLLERR != 0 {
		out |= EventError
	}
	if mask&unix.POLLHUP != 0 {
		out |= EventHangup
	}
	if mask&unix.POLLNVAL != 0 {
		out |= EventInvalid
	}
	return out
}

func (s *pollSource) wait(timeoutMs int64, deliver func(fd int, events IOEvents)) (int, error) {
	s.mu.Lock()
	fds := make([]unix.PollFd, 0, len(s.fds))
	for fd, ev := range s.fds {
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: eventsToPoll(ev)})
	}
	s.mu.Unlock()

	ms := int(-1)
	if timeoutMs >= 0 {
		ms = int(timeoutMs)
	}
	_, err := unix.Poll(fds, ms)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, ntio.Wrap(ntio.CodeOther, err)
	}
	delivered := 0
	for _, pfd := range fds {
		if pfd.Revents == 0 {
			continue
		}
		delivered++
		deliver(int(pfd.Fd), pollToEvents(pfd.Revents))
	}
	return delivered, nil
}

func (s *pollSource) supportsEdgeTrigger() bool { return false }

func (s *pollSource) close() error { return nil }

// newDefaultSource selects the portable unix.Poll backend.
func newDefaultSource() (source, error) {
	return newPollSource()
}
