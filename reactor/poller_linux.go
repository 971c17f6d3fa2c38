//go:build linux

package reactor

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/corestream/ntio"
)

// maxFDs bounds the direct-indexed descriptor table, matching the
// teacher's eventloop/poller_linux.go FastPoller sizing.
const maxFDs = 65536

type fdState struct {
	events IOEvents
	edge   bool
	active bool
}

// epollSource is the Linux epoll realization of source, grounded
// directly on eventloop/poller_linux.go's FastPoller: a fixed-size
// direct-indexed fd table behind an RWMutex, plus a version counter
// checked after the blocking syscall to discard results made stale by a
// concurrent Close.
type epollSource struct {
	epfd    int32
	version atomic.Uint64
	closed  atomic.Bool

	fdMu sync.RWMutex
	fds  [maxFDs]fdState

	eventBuf [256]unix.EpollEvent
}

func newEpollSource() (*epollSource, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, wrapErrno(err)
	}
	s := &epollSource{epfd: int32(fd)}
	return s, nil
}

func eventsToEpoll(ev IOEvents, edge bool) uint32 {
	var out uint32
	if ev&EventReadable != 0 {
		out |= unix.EPOLLIN
	}
	if ev&EventWritable != 0 {
		out |= unix.EPOLLOUT
	}
	if ev&EventError != 0 {
		out |= unix.EPOLLERR
	}
	out |= unix.EPOLLHUP | unix.EPOLLERR
	if edge {
		out |= unix.EPOLLET
	}
	return out
}

func epollToEvents(mask uint32) IOEvents {
	var out IOEvents
	if mask&unix.EPOLLIN != 0 {
		out |= EventReadable
	}
	if mask&unix.EPOLLOUT != 0 {
		out |= EventWritable
	}
	if mask&unix.EPOLLERR != 0 {
		out |= EventError
	}
	if mask&unix.EPOLLHUP != 0 {
		out |= EventHangup
	}
	return out
}

func (s *epollSource) registerFD(fd int, events IOEvents, edge bool) error {
	if fd < 0 || fd >= maxFDs {
		return errFDNotRegistered
	}
	s.fdMu.Lock()
	if s.fds[fd].active {
		s.fdMu.Unlock()
		return errFDAlreadyRegistered
	}
	s.fds[fd] = fdState{events: events, edge: edge, active: true}
	s.fdMu.Unlock()

	ev := unix.EpollEvent{Events: eventsToEpoll(events, edge), Fd: int32(fd)}
	if err := unix.EpollCtl(int(s.epfd), unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		s.fdMu.Lock()
		s.fds[fd] = fdState{}
		s.fdMu.Unlock()
		return wrapErrno(err)
	}
	return nil
}

func (s *epollSource) modifyFD(fd int, events IOEvents, edge bool) error {
	if fd < 0 || fd >= maxFDs {
		return errFDNotRegistered
	}
	s.fdMu.Lock()
	if !s.fds[fd].active {
		s.fdMu.Unlock()
		return errFDNotRegistered
	}
	s.fds[fd] = fdState{events: events, edge: edge, active: true}
	s.fdMu.Unlock()

	ev := unix.EpollEvent{Events: eventsToEpoll(events, edge), Fd: int32(fd)}
	if err := unix.EpollCtl(int(s.epfd), unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return wrapErrno(err)
	}
	return nil
}

func (s *epollSource) unregisterFD(fd int) error {
	if fd < 0 || fd >= maxFDs {
		return errFDNotRegistered
	}
	s.fdMu.Lock()
	if !s.fds[fd].active {
		s.fdMu.Unlock()
		return errFDNotRegistered
	}
	s.fds[fd] = fdState{}
	s.fdMu.Unlock()

	_ = unix.EpollCtl(int(s.epfd), unix.EPOLL_CTL_DEL, fd, nil)
	return nil
}

func (s *epollSource) wait(timeoutMs int64, deliver func(fd int, events IOEvents)) (int, error) {
	ms := int(-1)
	if timeoutMs >= 0 {
		ms = int(timeoutMs)
	}
	ver := s.version.Load()
	n, err := unix.EpollWait(int(s.epfd), s.eventBuf[:], ms)
	if s.closed.Load() || s.version.Load() != ver {
		return 0, nil
	}
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, wrapErrno(err)
	}
	for i := 0; i < n; i++ {
		ev := s.eventBuf[i]
		fd := int(ev.Fd)
		deliver(fd, epollToEvents(ev.Events))
	}
	return n, nil
}

func (s *epollSource) supportsEdgeTrigger() bool { return true }

func (s *epollSource) close() error {
	s.closed.Store(true)
	s.version.Add(1)
	return unix.Close(int(s.epfd))
}

func wrapErrno(err error) error {
	return ntio.Wrap(ntio.CodeOther, err)
}

// newDefaultSource selects the Linux epoll backend.
func newDefaultSource() (source, error) {
	return newEpollSource()
}
