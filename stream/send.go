package stream

import (
	"golang.org/x/sys/unix"

	"github.com/corestream/ntio"
	"github.com/corestream/reactor"
)

// sendEntry is one entry of the write queue, per §3's "Send entry
// lifecycle".
type sendEntry struct {
	socket     *Socket
	data       []byte
	total      int
	copied     int
	plainTotal int // set when data holds ciphertext produced from a larger plaintext
	token      Token
	callback   func(error, int)
	tmr        *reactor.Timer
	started    bool
	done       bool
}

func (e *sendEntry) remaining() int { return len(e.data) }

func (e *sendEntry) finish(err error) {
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
	if e.callback != nil {
		n := e.copied
		if e.plainTotal > 0 {
			n = e.plainTotal
		}
		e.callback(err, n)
	}
}

// cancelOp implements cancellable, per §4.7's "send cancellation fails
// with invalid once any byte of the send has entered the OS send
// buffer".
func (e *sendEntry) cancelOp() error {
	s := e.socket
	s.mu.Lock()
	if e.started {
		s.mu.Unlock()
		return ntio.New(ntio.CodeInvalid)
	}
	s.removeWriteEntryLocked(e)
	newSize := s.writeQueueSizeLocked()
	high, low := s.updateWriteWatermarkLocked(newSize)
	s.mu.Unlock()
	s.emitWatermarks(true, high, low)
	e.finish(ntio.New(ntio.CodeCancelled))
	return nil
}

func (s *Socket) removeWriteEntryLocked(e *sendEntry) {
	for i, x := range s.writeQueue {
		if x == e {
			s.writeQueue = append(s.writeQueue[:i], s.writeQueue[i+1:]...)
			return
		}
	}
}

// updateWriteWatermarkLocked advances the write-queue watermark
// alternation state per §8#3's "(high low)*" regular language. Caller
// must hold s.mu; the caller must announce the returned events after
// unlocking.
func (s *Socket) updateWriteWatermarkLocked(newSize int) (high, low bool) {
	wm := s.writeWatermarks
	switch {
	case !s.writeHighAnnounced && newSize > wm.High:
		s.writeHighAnnounced = true
		high = true
	case s.writeHighAnnounced && newSize <= wm.Low:
		s.writeHighAnnounced = false
		low = true
	}
	return
}

func (s *Socket) emitWatermarks(write bool, high, low bool) {
	if high {
		if write {
			s.announce(Event{Type: EventWriteQueueHighWatermark, Watermark: s.writeWatermarks})
		} else {
			s.announce(Event{Type: EventReadQueueHighWatermark, Watermark: s.readWatermarks})
		}
	}
	if low {
		if write {
			s.announce(Event{Type: EventWriteQueueLowWatermark, Watermark: s.writeWatermarks})
		} else {
			s.announce(Event{Type: EventReadQueueLowWatermark, Watermark: s.readWatermarks})
		}
	}
}

// Send enqueues data for transmission, per §4.7 Send.
func (s *Socket) Send(data ntio.Data, opts SendOptions, callback func(error, int)) error {
	s.mu.Lock()
	if s.sendShutdown {
		s.mu.Unlock()
		return ntio.New(ntio.CodeEOF)
	}
	preSize := s.writeQueueSizeLocked()
	if preSize > s.writeWatermarks.High {
		s.mu.Unlock()
		return ntio.New(ntio.CodeWouldBlock)
	}
	bytes := data.Bytes()
	plainLen := len(bytes)
	encrypting := s.encrypting
	enc := s.encryption
	s.mu.Unlock()
	if encrypting && enc != nil {
		cipher, err := encryptAll(enc, bytes)
		if err != nil {
			return ntio.Wrap(ntio.CodeOther, err)
		}
		bytes = cipher
	}
	s.mu.Lock()

	entry := &sendEntry{socket: s, data: bytes, total: len(bytes), token: opts.Token, callback: callback}
	if encrypting && enc != nil {
		entry.plainTotal = plainLen
	}
	queueWasEmpty := len(s.writeQueue) == 0
	allowed, _ := s.sendLimiter.Acquire(len(bytes))
	s.writeQueue = append(s.writeQueue, entry)
	newSize := s.writeQueueSizeLocked()
	high, low := s.updateWriteWatermarkLocked(newSize)
	s.mu.Unlock()

	s.emitWatermarks(true, high, low)

	if opts.Token != NoToken {
		s.cancels.register(opts.Token, entry)
	}
	if !opts.Deadline.IsZero() {
		entry.tmr = deadlineTimer(s.demux, opts.Deadline, func() {
			s.timeoutSendEntry(entry)
		})
	}

	if queueWasEmpty && allowed {
		s.drainWriteQueue()
	} else {
		_, _ = s.demux.ShowWritable(s.fd, reactor.ShowOptions{})
	}
	return nil
}

func (s *Socket) timeoutSendEntry(e *sendEntry) {
	s.mu.Lock()
	if e.started || e.done {
		s.mu.Unlock()
		return
	}
	s.removeWriteEntryLocked(e)
	newSize := s.writeQueueSizeLocked()
	high, low := s.updateWriteWatermarkLocked(newSize)
	s.mu.Unlock()
	s.emitWatermarks(true, high, low)
	e.finish(ntio.New(ntio.CodeWouldBlock))
}

// drainWriteQueue services the head of the write queue until it blocks
// or empties, per §4.7's atomicity guarantee: "the engine only copies
// from the head entry until that entry is drained before advancing."
func (s *Socket) drainWriteQueue() {
	for {
		s.mu.Lock()
		if len(s.writeQueue) == 0 {
			s.mu.Unlock()
			return
		}
		e := s.writeQueue[0]
		s.mu.Unlock()

		if len(e.data) == 0 {
			s.popHeadSendEntry(nil)
			continue
		}

		allowed, _ := s.sendLimiter.Acquire(len(e.data))
		if !allowed {
			return
		}

		n, err := unix.Write(s.fd, e.data)
		if err != nil {
			if err == unix.EAGAIN {
				_, _ = s.demux.ShowWritable(s.fd, reactor.ShowOptions{})
				return
			}
			s.mu.Lock()
			s.sendShutdown = true
			s.mu.Unlock()
			wrapped := ntio.Wrap(ntio.CodeOther, err)
			s.failAll(wrapped)
			return
		}
		e.started = true
		e.copied += n
		e.data = e.data[n:]
		if len(e.data) > 0 {
			_, _ = s.demux.ShowWritable(s.fd, reactor.ShowOptions{})
			return
		}
		s.popHeadSendEntry(nil)
	}
}

func (s *Socket) popHeadSendEntry(err error) {
	s.mu.Lock()
	if len(s.writeQueue) == 0 {
		s.mu.Unlock()
		return
	}
	e := s.writeQueue[0]
	s.writeQueue = s.writeQueue[1:]
	empty := len(s.writeQueue) == 0
	newSize := s.writeQueueSizeLocked()
	high, low := s.updateWriteWatermarkLocked(newSize)
	pendingShutdown := empty && s.pendingSendShutdown
	if pendingShutdown {
		s.pendingSendShutdown = false
	}
	s.mu.Unlock()
	s.emitWatermarks(true, high, low)
	if empty {
		_, _ = s.demux.HideWritable(s.fd)
	}
	e.finish(err)
	if pendingShutdown {
		s.finishSendShutdown()
	}
}
