package stream

import (
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/corestream/ntio"
	"github.com/corestream/reactor"
)

type connectState struct {
	addr         net.Addr
	opts         ConnectOptions
	retriesLeft  int
	deadlineTmr  *reactor.Timer
	cancelled    bool
	completeOnce bool
}

// Connect opens a connection to addr, per §4.7 Bind and Connect. It
// supports retry/backoff bounded by opts.RetryCount/RetryPeriod.
func (s *Socket) Connect(addr net.Addr, opts ConnectOptions) error {
	s.mu.Lock()
	if s.state != StateOpening && s.state != StateBound {
		s.mu.Unlock()
		return ntio.New(ntio.CodeInvalid)
	}
	s.state = StateConnecting
	s.remoteAddr = addr
	s.mu.Unlock()

	cs := &connectState{addr: addr, opts: opts, retriesLeft: opts.RetryCount}
	s.connect = cs

	if opts.Token != NoToken {
		s.cancels.register(opts.Token, connectCancel{s})
	}
	if !opts.Deadline.IsZero() {
		cs.deadlineTmr = deadlineTimer(s.demux, opts.Deadline, func() {
			s.abortConnect(ntio.New(ntio.CodeCancelled), true)
		})
	}

	return s.attemptConnect(cs)
}

// ConnectName resolves name via the registered Resolver and connects to
// the result, per §4.7 Connect's name form.
func (s *Socket) ConnectName(name string, opts ConnectOptions) error {
	addr, err := s.resolveSync(name, opts.ServiceName)
	if err != nil {
		return err
	}
	return s.Connect(addr, opts)
}

func (s *Socket) attemptConnect(cs *connectState) error {
	sa, err := sockaddrFromAddr(cs.addr)
	if err != nil {
		s.failConnect(err)
		return err
	}
	err = unix.Connect(s.fd, sa)
	if err != nil && err != unix.EINPROGRESS && err != unix.EALREADY {
		return s.retryOrFailConnect(cs, ntio.Wrap(ntio.CodeOther, err))
	}
	_, err = s.demux.ShowWritable(s.fd, reactor.ShowOptions{})
	if err != nil {
		s.failConnect(err)
		return err
	}
	return nil
}

func (s *Socket) retryOrFailConnect(cs *connectState, cause error) error {
	if cs.retriesLeft <= 0 {
		s.failConnect(cause)
		return cause
	}
	cs.retriesLeft--
	_, err := s.demux.CreateTimer(reactor.DefaultTimerOptions(timeNow().Add(cs.opts.RetryPeriod)), func(ev reactor.TimerEvent) {
		if ev == reactor.TimerDeadline {
			_ = s.attemptConnect(cs)
		}
	})
	if err != nil {
		s.failConnect(cause)
		return cause
	}
	return nil
}

// completeConnect is invoked from OnWritable once the nonblocking
// connect has a result.
func (s *Socket) completeConnect() {
	s.mu.Lock()
	cs := s.connect
	s.mu.Unlock()
	if cs == nil || cs.completeOnce {
		return
	}

	errno, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil || errno != 0 {
		_ = s.retryOrFailConnect(cs, ntio.New(ntio.CodeConnectionDead))
		return
	}

	cs.completeOnce = true
	if cs.deadlineTmr != nil {
		cs.deadlineTmr.Close()
	}
	if cs.opts.Token != NoToken {
		s.cancels.unregister(cs.opts.Token)
	}
	_, _ = s.demux.HideWritable(s.fd)

	var raddr net.Addr
	if rsa, err := unix.Getpeername(s.fd); err == nil {
		raddr = addrFromSockaddr(rsa)
	}

	s.mu.Lock()
	s.state = StateConnected
	if raddr != nil {
		s.remoteAddr = raddr
	}
	s.connect = nil
	s.mu.Unlock()

	s.announce(Event{Type: EventConnectComplete})
}

func (s *Socket) failConnect(err error) {
	s.mu.Lock()
	cs := s.connect
	s.connect = nil
	s.mu.Unlock()
	if cs != nil && cs.deadlineTmr != nil {
		cs.deadlineTmr.Close()
	}
	s.announce(Event{Type: EventError, Err: err})
	_ = s.Close(nil)
}

// abortConnect is used by both Cancel and the deadline timer: per
// §4.7's "cancelling bind/connect closes the socket".
func (s *Socket) abortConnect(err error, fromDeadline bool) {
	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		return
	}
	cs := s.connect
	s.connect = nil
	s.mu.Unlock()
	if cs != nil && cs.opts.Token != NoToken {
		s.cancels.unregister(cs.opts.Token)
	}
	s.announce(Event{Type: EventError, Err: err})
	_ = s.Close(nil)
}

// connectCancel adapts Socket.abortConnect to the cancellable interface.
type connectCancel struct{ s *Socket }

func (c connectCancel) cancelOp() error {
	c.s.abortConnect(ntio.New(ntio.CodeCancelled), false)
	return nil
}

// timeNow is indirected so tests can observe deterministic scheduling
// without faking the package clock globally.
var timeNow = time.Now
