package stream

import (
	"math"

	"golang.org/x/sys/unix"

	"github.com/corestream/ntio"
	"github.com/corestream/reactor"
)

// recvEntry is one entry of the pending-reads queue, per §3's "Receive
// entry lifecycle".
type recvEntry struct {
	socket   *Socket
	minSize  int
	maxSize  int
	token    Token
	callback func(error, []byte)
	tmr      *reactor.Timer
	done     bool
}

func (e *recvEntry) finish(err error, data []byte) {
	if e.done {
		return
	}
	e.done = true
	if e.tmr != nil {
		e.tmr.Close()
	}
	if e.token != NoToken {
		e.socket.cancels.unregister(e.token)
	}
	e.socket.strand.Execute(func() {
		e.callback(err, data)
	})
}

// cancelOp implements cancellable. Per the decided Open Question (see
// DESIGN.md), a receive not yet satisfied may be cancelled regardless of
// whether earlier receives have already completed.
func (e *recvEntry) cancelOp() error {
	s := e.socket
	s.mu.Lock()
	if e.done {
		s.mu.Unlock()
		return ntio.New(ntio.CodeInvalid)
	}
	s.removeReadEntryLocked(e)
	s.mu.Unlock()
	e.finish(ntio.New(ntio.CodeCancelled), nil)
	return nil
}

func (s *Socket) removeReadEntryLocked(e *recvEntry) {
	for i, x := range s.readQueue {
		if x == e {
			s.readQueue = append(s.readQueue[:i], s.readQueue[i+1:]...)
			return
		}
	}
}

// updateReadWatermarkLocked is the read-queue analogue of
// updateWriteWatermarkLocked.
func (s *Socket) updateReadWatermarkLocked(newSize int) (high, low bool) {
	wm := s.readWatermarks
	switch {
	case !s.readHighAnnounced && newSize > wm.High:
		s.readHighAnnounced = true
		high = true
	case s.readHighAnnounced && newSize <= wm.Low:
		s.readHighAnnounced = false
		low = true
	}
	return
}

// Receive requests bytes from the read queue, per §4.7 Receive. The
// outcome (success, would-block, eof, or fatal) is always delivered via
// callback, through the socket's strand, even when data is immediately
// available.
func (s *Socket) Receive(opts ReceiveOptions, callback func(error, []byte)) error {
	if callback == nil {
		return ntio.New(ntio.CodeInvalid)
	}
	minSize := opts.MinSize
	if minSize < 1 {
		minSize = 1
	}
	maxSize := opts.MaxSize
	if maxSize <= 0 {
		maxSize = math.MaxInt
	} else if maxSize < minSize {
		maxSize = minSize
	}

	s.mu.Lock()
	if s.recvShutdown {
		s.mu.Unlock()
		s.strand.Execute(func() { callback(ntio.New(ntio.CodeEOF), nil) })
		return nil
	}

	avail := len(s.readBuf)
	if avail >= 1 && avail >= minSize {
		take := avail
		if take > maxSize {
			take = maxSize
		}
		chunk := append([]byte(nil), s.readBuf[:take]...)
		s.readBuf = s.readBuf[take:]
		newSize := len(s.readBuf)
		high, low := s.updateReadWatermarkLocked(newSize)
		resumeFlow := s.readFlowApplied && newSize <= s.readWatermarks.Low
		if resumeFlow {
			s.readFlowApplied = false
		}
		s.mu.Unlock()
		s.emitWatermarks(false, high, low)
		if resumeFlow {
			_, _ = s.demux.ShowReadable(s.fd, reactor.ShowOptions{})
		}
		s.strand.Execute(func() { callback(nil, chunk) })
		return nil
	}

	entry := &recvEntry{socket: s, minSize: minSize, maxSize: maxSize, token: opts.Token, callback: callback}
	s.readQueue = append(s.readQueue, entry)
	s.mu.Unlock()

	if opts.Token != NoToken {
		s.cancels.register(opts.Token, entry)
	}
	if !opts.Deadline.IsZero() {
		entry.tmr = deadlineTimer(s.demux, opts.Deadline, func() {
			s.timeoutRecvEntry(entry)
		})
	}
	_, _ = s.demux.ShowReadable(s.fd, reactor.ShowOptions{})
	return nil
}

func (s *Socket) timeoutRecvEntry(e *recvEntry) {
	s.mu.Lock()
	if e.done {
		s.mu.Unlock()
		return
	}
	s.removeReadEntryLocked(e)
	s.mu.Unlock()
	e.finish(ntio.New(ntio.CodeWouldBlock), nil)
}

// fillReadQueue drains the OS receive buffer into s.readBuf and attempts
// to satisfy pending receive entries, per §4.7 Receive's async path.
func (s *Socket) fillReadQueue() {
	for {
		s.mu.Lock()
		if s.readFlowApplied || s.recvShutdown {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		chunk := make([]byte, 65536)
		allowed, _ := s.recvLimiter.Acquire(len(chunk))
		if !allowed {
			return
		}
		n, err := unix.Read(s.fd, chunk)
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			s.failReceivesFatal(ntio.Wrap(ntio.CodeOther, err))
			return
		}
		if n == 0 {
			s.handlePeerEOF()
			return
		}
		plain := chunk[:n]

		s.mu.Lock()
		encrypting := s.encrypting
		enc := s.encryption
		s.mu.Unlock()
		if encrypting && enc != nil {
			out, derr := decryptAll(enc, chunk[:n])
			if derr != nil {
				s.failReceivesFatal(ntio.Wrap(ntio.CodeOther, derr))
				return
			}
			plain = out
		}

		s.mu.Lock()
		s.readBuf = append(s.readBuf, plain...)
		newSize := len(s.readBuf)
		high, low := s.updateReadWatermarkLocked(newSize)
		applyFlow := newSize > s.readWatermarks.High
		if applyFlow {
			s.readFlowApplied = true
		}
		s.mu.Unlock()
		s.emitWatermarks(false, high, low)
		if applyFlow {
			_, _ = s.demux.HideReadable(s.fd)
		}

		s.satisfyReceives()
		if applyFlow {
			return
		}
	}
}

func (s *Socket) satisfyReceives() {
	for {
		s.mu.Lock()
		if len(s.readQueue) == 0 {
			s.mu.Unlock()
			return
		}
		e := s.readQueue[0]
		avail := len(s.readBuf)
		if avail < 1 || avail < e.minSize {
			s.mu.Unlock()
			return
		}
		take := avail
		if take > e.maxSize {
			take = e.maxSize
		}
		chunk := append([]byte(nil), s.readBuf[:take]...)
		s.readBuf = s.readBuf[take:]
		s.readQueue = s.readQueue[1:]
		newSize := len(s.readBuf)
		high, low := s.updateReadWatermarkLocked(newSize)
		resumeFlow := s.readFlowApplied && newSize <= s.readWatermarks.Low
		if resumeFlow {
			s.readFlowApplied = false
		}
		s.mu.Unlock()
		s.emitWatermarks(false, high, low)
		if resumeFlow {
			_, _ = s.demux.ShowReadable(s.fd, reactor.ShowOptions{})
		}
		e.finish(nil, chunk)
	}
}

// handlePeerEOF implements §8#7 shutdown detection: the currently
// pending receive entries all complete with eof (they can never be
// satisfied), and all subsequent Receive calls complete synchronously
// with eof.
func (s *Socket) handlePeerEOF() {
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
}

func (s *Socket) failReceivesFatal(err error) {
	s.mu.Lock()
	s.recvShutdown = true
	entries := s.readQueue
	s.readQueue = nil
	s.mu.Unlock()
	_, _ = s.demux.HideReadable(s.fd)
	for _, e := range entries {
		e.finish(err, nil)
	}
	s.announce(Event{Type: EventError, Err: err})
}
