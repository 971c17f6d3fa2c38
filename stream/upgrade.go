package stream

import (
	"golang.org/x/sys/unix"

	"github.com/corestream/ntio"
	"github.com/corestream/reactor"
)

// upgradeState tracks an in-flight handshake driven by Socket.Upgrade.
type upgradeState struct {
	enc         Encryption
	opts        UpgradeOptions
	tmr         *reactor.Timer
	sendStarted bool
	handshaking bool
	outBuf      []byte
}

// encryptAll and decryptAll assume the Encryption collaborator consumes
// its entire input in one call; see DESIGN.md for why the engine does
// not attempt partial-consumption buffering of ciphertext chunks.
func encryptAll(enc Encryption, plain []byte) ([]byte, error) {
	if len(plain) == 0 {
		return nil, nil
	}
	out := make([]byte, len(plain)+4096)
	_, produced, err := enc.Encrypt(plain, out)
	if err != nil {
		return nil, err
	}
	return out[:produced], nil
}

func decryptAll(enc Encryption, cipher []byte) ([]byte, error) {
	if len(cipher) == 0 {
		return nil, nil
	}
	out := make([]byte, len(cipher)+4096)
	_, produced, err := enc.Decrypt(cipher, out)
	if err != nil {
		return nil, err
	}
	return out[:produced], nil
}

// Upgrade drives enc's handshake to completion, per §4.7 Upgrade. Once
// complete the socket encrypts/decrypts all further Send/Receive
// traffic through enc.
func (s *Socket) Upgrade(enc Encryption, opts UpgradeOptions) error {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return ntio.New(ntio.CodeInvalid)
	}
	s.state = StateUpgrading
	s.encryption = enc
	s.mu.Unlock()

	us := &upgradeState{enc: enc, opts: opts, handshaking: true}
	s.upgrade = us

	if opts.Token != NoToken {
		s.cancels.register(opts.Token, upgradeCancel{s})
	}
	if !opts.Deadline.IsZero() {
		us.tmr = deadlineTimer(s.demux, opts.Deadline, func() {
			s.failUpgrade(ntio.New(ntio.CodeWouldBlock))
		})
	}

	s.announce(Event{Type: EventUpgradeInitiated})
	return s.pumpHandshake(nil)
}

// pumpHandshake feeds in (handshake bytes just received, nil for the
// first call) to the Encryption collaborator and flushes anything it
// produced.
func (s *Socket) pumpHandshake(in []byte) error {
	us := s.upgrade
	if us == nil {
		return nil
	}
	out := make([]byte, 4096)
	_, produced, want, err := us.enc.Handshake(in, out)
	if err != nil {
		s.failUpgrade(err)
		return err
	}
	if produced > 0 {
		us.outBuf = append(us.outBuf, out[:produced]...)
	}
	us.handshaking = want
	if err := s.flushUpgradeOut(); err != nil {
		s.failUpgrade(err)
		return err
	}
	if !want && len(us.outBuf) == 0 {
		s.completeUpgrade()
		return nil
	}
	if want {
		_, _ = s.demux.ShowReadable(s.fd, reactor.ShowOptions{})
	}
	return nil
}

// feedHandshake implements the read side of the handshake pump; called
// from OnReadable while state is StateUpgrading.
func (s *Socket) feedHandshake() {
	us := s.upgrade
	if us == nil {
		return
	}
	buf := make([]byte, 4096)
	n, err := unix.Read(s.fd, buf)
	if err != nil {
		if err == unix.EAGAIN {
			return
		}
		s.failUpgrade(ntio.Wrap(ntio.CodeOther, err))
		return
	}
	if n == 0 {
		s.failUpgrade(ntio.New(ntio.CodeConnectionDead))
		return
	}
	_ = s.pumpHandshake(buf[:n])
}

// flushUpgradeOut writes queued handshake bytes, completing the
// handshake once both directions are done and the buffer has drained.
func (s *Socket) flushUpgradeOut() error {
	us := s.upgrade
	if us == nil || len(us.outBuf) == 0 {
		return nil
	}
	n, err := unix.Write(s.fd, us.outBuf)
	if err != nil {
		if err == unix.EAGAIN {
			_, _ = s.demux.ShowWritable(s.fd, reactor.ShowOptions{})
			return nil
		}
		return ntio.Wrap(ntio.CodeOther, err)
	}
	if n > 0 {
		us.sendStarted = true
	}
	us.outBuf = us.outBuf[n:]
	if len(us.outBuf) > 0 {
		_, _ = s.demux.ShowWritable(s.fd, reactor.ShowOptions{})
		return nil
	}
	_, _ = s.demux.HideWritable(s.fd)
	if !us.handshaking {
		s.completeUpgrade()
	}
	return nil
}

func (s *Socket) completeUpgrade() {
	us := s.upgrade
	if us == nil {
		return
	}
	s.upgrade = nil
	if us.tmr != nil {
		us.tmr.Close()
	}
	if us.opts.Token != NoToken {
		s.cancels.unregister(us.opts.Token)
	}
	s.mu.Lock()
	s.state = StateEstablished
	s.encrypting = true
	s.mu.Unlock()
	_, _ = s.demux.HideReadable(s.fd)
	s.announce(Event{Type: EventUpgradeComplete})
}

func (s *Socket) failUpgrade(err error) {
	us := s.upgrade
	if us == nil {
		return
	}
	s.upgrade = nil
	if us.tmr != nil {
		us.tmr.Close()
	}
	if us.opts.Token != NoToken {
		s.cancels.unregister(us.opts.Token)
	}
	s.mu.Lock()
	s.encryption = nil
	s.mu.Unlock()
	s.announce(Event{Type: EventError, Err: err})
	_ = s.Close(nil)
}

// upgradeCancel adapts Socket.failUpgrade to the cancellable interface.
// Per §4.7's handshake cancellation rule, cancellation fails once any
// handshake byte has entered the OS send buffer.
type upgradeCancel struct{ s *Socket }

func (c upgradeCancel) cancelOp() error {
	us := c.s.upgrade
	if us == nil {
		return ntio.New(ntio.CodeInvalid)
	}
	if us.sendStarted {
		return ntio.New(ntio.CodeInvalid)
	}
	c.s.failUpgrade(ntio.New(ntio.CodeCancelled))
	return nil
}

// Downgrade reverses Upgrade, per §4.7 Downgrade. The Encryption
// collaborator's Shutdown is a single synchronous call with no
// in/out buffering parameters, so unlike Upgrade's handshake it is not
// pumped through reactor read/write events.
func (s *Socket) Downgrade() error {
	s.mu.Lock()
	if s.state != StateEstablished {
		s.mu.Unlock()
		return ntio.New(ntio.CodeInvalid)
	}
	enc := s.encryption
	s.state = StateDowngrading
	s.mu.Unlock()

	s.announce(Event{Type: EventDowngradeInitiated})

	var err error
	if enc != nil {
		err = enc.Shutdown()
	}

	s.mu.Lock()
	s.encryption = nil
	s.encrypting = false
	s.state = StateConnected
	s.mu.Unlock()

	if err != nil {
		wrapped := ntio.Wrap(ntio.CodeOther, err)
		s.announce(Event{Type: EventError, Err: wrapped})
		return wrapped
	}
	s.announce(Event{Type: EventDowngradeComplete})
	return nil
}
