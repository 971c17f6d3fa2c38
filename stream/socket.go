package stream

import (
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/corestream/ntio"
	"github.com/corestream/reactor"
)

// State is the Stream Socket lifecycle state of §3.
type State int32

const (
	StateClosed State = iota
	StateOpening
	StateBound
	StateConnecting
	StateConnected
	StateUpgrading
	StateEstablished
	StateDowngrading
	StateShutdownSend
	StateShutdownReceive
	StateShutdownBoth
	StateClosing
)

// Transport names the socket family/type pair a Socket was opened with.
type Transport int

const (
	TransportTCP4 Transport = iota
	TransportTCP6
	TransportLocal
)

// Socket is the Stream Socket Engine of §4.7: write queue, read queue,
// shutdown sequencer, upgrade coordinator, and timeout/cancellation
// tokens, layered over a reactor.Demultiplexer-managed descriptor.
type Socket struct {
	demux *reactor.Demultiplexer
	entry *reactor.Entry
	fd    int

	transport Transport

	mu               sync.Mutex
	state             State
	localAddr         net.Addr
	remoteAddr        net.Addr
	writeQueue        []*sendEntry
	readBuf           []byte
	readQueue         []*recvEntry
	writeWatermarks   Watermarks
	readWatermarks    Watermarks
	writeHighAnnounced bool
	readHighAnnounced  bool
	sendShutdown      bool
	recvShutdown      bool
	pendingSendShutdown bool
	readFlowApplied   bool
	encryption        Encryption
	encrypting        bool

	acceptor *Acceptor
	strand   Strand
	session  Session
	manager  Manager
	resolver Resolver

	sendLimiter reactor.RateLimiter
	recvLimiter reactor.RateLimiter

	cancels *cancelRegistry
	log     reactor.Logger

	zeroCopyThreshold int

	connect *connectState
	upgrade *upgradeState
}

func newSocket(demux *reactor.Demultiplexer, fd int, transport Transport, acceptor *Acceptor) *Socket {
	return &Socket{
		demux:           demux,
		fd:              fd,
		transport:       transport,
		acceptor:        acceptor,
		strand:          InlineStrand{},
		writeWatermarks: DefaultWriteWatermarks(),
		readWatermarks:  DefaultReadWatermarks(),
		sendLimiter:     reactor.Unlimited,
		recvLimiter:     reactor.Unlimited,
		cancels:         newCancelRegistry(),
		log:             reactor.NewNopLogger(),
		state:           StateOpening,
	}
}

func domainFor(transport Transport) (int, error) {
	switch transport {
	case TransportTCP4:
		return unix.AF_INET, nil
	case TransportTCP6:
		return unix.AF_INET6, nil
	case TransportLocal:
		return unix.AF_UNIX, nil
	default:
		return 0, ntio.New(ntio.CodeInvalid)
	}
}

// Open creates a new OS socket of the given transport and attaches it to
// demux, per §4.7 Open's "open with transport chosen" variant.
func Open(demux *reactor.Demultiplexer, transport Transport) (*Socket, error) {
	domain, err := domainFor(transport)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, ntio.Wrap(ntio.CodeOther, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, ntio.Wrap(ntio.CodeOther, err)
	}
	return attach(demux, fd, transport, nil)
}

// OpenHandle imports an existing OS descriptor, per §4.7 Open's "open
// with existing OS handle" variant. Ownership transfers to the engine:
// closing the engine closes fd.
func OpenHandle(demux *reactor.Demultiplexer, fd int, transport Transport) (*Socket, error) {
	if fd < 0 {
		return nil, ntio.New(ntio.CodeInvalid)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, ntio.Wrap(ntio.CodeOther, err)
	}
	return attach(demux, fd, transport, nil)
}

// openAccepted wraps a freshly accepted connection with its originating
// Acceptor, per §4.7 Open's "same with an associated acceptor" variant.
func openAccepted(demux *reactor.Demultiplexer, fd int, transport Transport, acceptor *Acceptor) (*Socket, error) {
	return attach(demux, fd, transport, acceptor)
}

func attach(demux *reactor.Demultiplexer, fd int, transport Transport, acceptor *Acceptor) (*Socket, error) {
	s := newSocket(demux, fd, transport, acceptor)
	entry, err := demux.AttachSocket(fd, s)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	s.entry = entry
	return s, nil
}

// Bind binds the socket to the given local address, per §4.7 Bind.
func (s *Socket) Bind(addr net.Addr, opts BindOptions) error {
	s.mu.Lock()
	if s.state != StateOpening {
		s.mu.Unlock()
		return ntio.New(ntio.CodeInvalid)
	}
	s.mu.Unlock()

	sa, err := sockaddrFromAddr(addr)
	if err != nil {
		return err
	}
	if err := unix.Bind(s.fd, sa); err != nil {
		return ntio.Wrap(ntio.CodeOther, err)
	}
	s.mu.Lock()
	s.localAddr = addr
	s.state = StateBound
	s.mu.Unlock()
	return nil
}

// BindName resolves name via the registered Resolver and binds to the
// result, per §4.7 Bind's name form.
func (s *Socket) BindName(name, service string, opts BindOptions) error {
	addr, err := s.resolveSync(name, service)
	if err != nil {
		return err
	}
	return s.Bind(addr, opts)
}

func (s *Socket) resolveSync(name, service string) (net.Addr, error) {
	if s.resolver == nil {
		return nil, ntio.New(ntio.CodeInvalid)
	}
	type result struct {
		addr net.Addr
		err  error
	}
	done := make(chan result, 1)
	s.resolver.ResolveEndpoint(name, service, func(a net.Addr, e error) {
		done <- result{a, e}
	})
	r := <-done
	if r.err != nil {
		return nil, ntio.Wrap(ntio.CodeOther, r.err)
	}
	return r.addr, nil
}

// RegisterSession installs a Session (or FuncSession) as the recipient
// of this socket's passive events.
func (s *Socket) RegisterSession(session Session) {
	s.mu.Lock()
	s.session = session
	s.mu.Unlock()
}

// RegisterManager installs a Manager shared across a pool of sockets.
func (s *Socket) RegisterManager(m Manager) {
	s.mu.Lock()
	s.manager = m
	s.mu.Unlock()
}

// RegisterResolver installs the Resolver used by name-based Bind/Connect.
func (s *Socket) RegisterResolver(r Resolver) {
	s.mu.Lock()
	s.resolver = r
	s.mu.Unlock()
}

// SetStrand installs the serialization domain events are posted through.
func (s *Socket) SetStrand(strand Strand) {
	if strand == nil {
		strand = InlineStrand{}
	}
	s.mu.Lock()
	s.strand = strand
	s.mu.Unlock()
}

// SetWriteWatermarks configures the write-queue watermark pair.
func (s *Socket) SetWriteWatermarks(w Watermarks) {
	s.mu.Lock()
	s.writeWatermarks = w
	s.mu.Unlock()
}

// SetReadWatermarks configures the read-queue watermark pair.
func (s *Socket) SetReadWatermarks(w Watermarks) {
	s.mu.Lock()
	s.readWatermarks = w
	s.mu.Unlock()
}

// SetSendRateLimiter installs the collaborator consulted before copying
// bytes to the OS send buffer.
func (s *Socket) SetSendRateLimiter(l reactor.RateLimiter) {
	if l == nil {
		l = reactor.Unlimited
	}
	s.mu.Lock()
	s.sendLimiter = l
	s.mu.Unlock()
}

// SetReceiveRateLimiter installs the collaborator consulted before
// draining the OS receive buffer.
func (s *Socket) SetReceiveRateLimiter(l reactor.RateLimiter) {
	if l == nil {
		l = reactor.Unlimited
	}
	s.mu.Lock()
	s.recvLimiter = l
	s.mu.Unlock()
}

// SetZeroCopyThreshold records the advisory minimum byte count above
// which the engine may request zero-copy transmission. Purely a hint;
// see DESIGN.md for why no backend currently acts on it.
func (s *Socket) SetZeroCopyThreshold(n int) {
	s.mu.Lock()
	s.zeroCopyThreshold = n
	s.mu.Unlock()
}

// LocalAddr returns the bound local endpoint, if any.
func (s *Socket) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localAddr
}

// RemoteAddr returns the connected remote endpoint, if any.
func (s *Socket) RemoteAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteAddr
}

// State returns the current lifecycle state.
func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Acceptor returns the listener this socket originated from, or nil.
func (s *Socket) Acceptor() *Acceptor {
	return s.acceptor
}

// WriteQueueSize returns the number of bytes currently queued for send.
func (s *Socket) WriteQueueSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeQueueSizeLocked()
}

func (s *Socket) writeQueueSizeLocked() int {
	n := 0
	for _, e := range s.writeQueue {
		n += e.remaining()
	}
	return n
}

// ReadQueueSize returns the number of bytes currently buffered from the
// OS receive side, not yet delivered to a receive entry.
func (s *Socket) ReadQueueSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.readBuf)
}

func deadlineTimer(demux *reactor.Demultiplexer, deadline time.Time, fire func()) *reactor.Timer {
	if deadline.IsZero() {
		return nil
	}
	t, err := demux.CreateTimer(reactor.DefaultTimerOptions(deadline), func(ev reactor.TimerEvent) {
		if ev == reactor.TimerDeadline {
			fire()
		}
	})
	if err != nil {
		return nil
	}
	return t
}
