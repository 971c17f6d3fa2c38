package stream

import (
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/corestream/ntio"
	"github.com/corestream/reactor"
)

// Acceptor is a listening Stream Socket, per §4.7 Listen/Accept.
type Acceptor struct {
	demux     *reactor.Demultiplexer
	entry     *reactor.Entry
	fd        int
	transport Transport
	log       reactor.Logger

	mu      sync.Mutex
	queue   []*Socket
	waiters []func(*Socket, error)
	closed  bool
}

const defaultBacklog = 128

// Listen creates a listening socket bound to addr, per §4.7 Listen.
func Listen(demux *reactor.Demultiplexer, transport Transport, addr net.Addr, backlog int) (*Acceptor, error) {
	domain, err := domainFor(transport)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, ntio.Wrap(ntio.CodeOther, err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, ntio.Wrap(ntio.CodeOther, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, ntio.Wrap(ntio.CodeOther, err)
	}
	sa, err := sockaddrFromAddr(addr)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, ntio.Wrap(ntio.CodeOther, err)
	}
	if backlog <= 0 {
		backlog = defaultBacklog
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return nil, ntio.Wrap(ntio.CodeOther, err)
	}

	a := &Acceptor{demux: demux, fd: fd, transport: transport, log: reactor.NewNopLogger()}
	entry, err := demux.AttachSocket(fd, a)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	a.entry = entry
	if _, err := demux.ShowReadable(fd, reactor.ShowOptions{}); err != nil {
		return nil, err
	}
	return a, nil
}

// Addr returns the bound local address, resolving an ephemeral port if
// the caller bound to port 0.
func (a *Acceptor) Addr() (net.Addr, error) {
	sa, err := unix.Getsockname(a.fd)
	if err != nil {
		return nil, ntio.Wrap(ntio.CodeOther, err)
	}
	return addrFromSockaddr(sa), nil
}

// Accept requests the next inbound connection, per §4.7 Accept. callback
// runs immediately if a connection is already queued, otherwise once
// OnReadable next accepts one.
func (a *Acceptor) Accept(callback func(*Socket, error)) error {
	if callback == nil {
		return ntio.New(ntio.CodeInvalid)
	}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		callback(nil, ntio.New(ntio.CodeConnectionDead))
		return nil
	}
	if len(a.queue) > 0 {
		sock := a.queue[0]
		a.queue = a.queue[1:]
		a.mu.Unlock()
		callback(sock, nil)
		return nil
	}
	a.waiters = append(a.waiters, callback)
	a.mu.Unlock()
	return nil
}

// OnReadable implements reactor.Owner: drains as many pending
// connections as the backlog currently holds.
func (a *Acceptor) OnReadable() {
	for {
		fd, sa, err := unix.Accept4(a.fd, unix.SOCK_NONBLOCK)
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			a.failWaiters(ntio.Wrap(ntio.CodeOther, err))
			return
		}
		sock, err := openAccepted(a.demux, fd, a.transport, a)
		if err != nil {
			continue
		}
		sock.remoteAddr = addrFromSockaddr(sa)
		sock.state = StateConnected

		a.mu.Lock()
		if len(a.waiters) > 0 {
			cb := a.waiters[0]
			a.waiters = a.waiters[1:]
			a.mu.Unlock()
			cb(sock, nil)
			continue
		}
		a.queue = append(a.queue, sock)
		a.mu.Unlock()
	}
}

func (a *Acceptor) failWaiters(err error) {
	a.mu.Lock()
	waiters := a.waiters
	a.waiters = nil
	a.mu.Unlock()
	for _, cb := range waiters {
		cb(nil, err)
	}
}

// OnWritable, OnError and OnNotifications implement reactor.Owner; a
// listening socket never becomes writable or receives notifications,
// and treats any probed error as fatal to outstanding Accept calls.
func (a *Acceptor) OnWritable() {}

func (a *Acceptor) OnError() {
	a.failWaiters(ntio.New(ntio.CodeConnectionDead))
}

func (a *Acceptor) OnNotifications() {}

// Close stops accepting and fails any outstanding Accept calls.
func (a *Acceptor) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	fd := a.fd
	a.mu.Unlock()
	a.failWaiters(ntio.New(ntio.CodeConnectionDead))
	return a.demux.DetachSocket(fd, func() {
		_ = unix.Close(fd)
	})
}
