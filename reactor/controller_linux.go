//go:build linux

package reactor

import (
	"encoding/binary"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/corestream/ntio"
)

// Controller is the self-signalling wakeup channel of §4.5: a duplex
// channel with a readable descriptor that lets any thread interrupt a
// waiter parked inside the OS wait primitive. This is the eventfd-backed
// realization, grounded on the teacher's eventfd wakeup strategy
// (eventloop/loop.go's wakePipe/fastWakeupCh handling, eventfd branch).
// See controller_unix.go for the portable self-pipe fallback used on
// non-Linux unix targets.
type Controller struct {
	mu      sync.Mutex
	fd      int
	pending int
}

// NewController creates a non-blocking eventfd-backed controller.
func NewController() (*Controller, error) {
	c := &Controller{}
	if err := c.init(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Controller) init() error {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC|unix.EFD_SEMAPHORE)
	if err != nil {
		return ntio.Wrap(ntio.CodeOther, err)
	}
	c.fd = fd
	return nil
}

// FD returns the readable descriptor to register with the demultiplexer.
func (c *Controller) FD() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fd
}

// Interrupt posts n wake-up tokens, unblocking a waiter parked inside
// the OS wait primitive.
func (c *Controller) Interrupt(n int) error {
	if n <= 0 {
		return nil
	}
	c.mu.Lock()
	fd := c.fd
	c.pending += n
	c.mu.Unlock()

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(n))
	_, err := unix.Write(fd, buf)
	if err != nil && err != unix.EAGAIN {
		c.mu.Lock()
		_ = c.reinit()
		c.mu.Unlock()
		return ntio.Wrap(ntio.CodeOther, err)
	}
	return nil
}

// Acknowledge drains exactly one wake-up token's worth of signal from
// the eventfd (opened in semaphore mode, so each read decrements the
// counter by one), returning the number of tokens drained. On read
// failure the controller is reinitialized (close, recreate) and the
// failure is returned.
func (c *Controller) Acknowledge() (int, error) {
	c.mu.Lock()
	fd := c.fd
	c.mu.Unlock()

	buf := make([]byte, 8)
	n, err := unix.Read(fd, buf)
	if err != nil || n != 8 {
		if err == unix.EAGAIN {
			return 0, nil
		}
		c.mu.Lock()
		reinitErr := c.reinit()
		c.mu.Unlock()
		if reinitErr != nil {
			return 0, ntio.Wrap(ntio.CodeOther, reinitErr)
		}
		return 0, ntio.Wrap(ntio.CodeOther, err)
	}
	count := int(binary.LittleEndian.Uint64(buf))
	c.mu.Lock()
	c.pending -= count
	if c.pending < 0 {
		c.pending = 0
	}
	c.mu.Unlock()
	return count, nil
}

// reinit closes and recreates the underlying eventfd. Caller must hold
// c.mu.
func (c *Controller) reinit() error {
	if c.fd >= 0 {
		_ = unix.Close(c.fd)
	}
	c.pending = 0
	return c.init()
}

// Close releases the underlying descriptor.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fd < 0 {
		return nil
	}
	err := unix.Close(c.fd)
	c.fd = -1
	return err
}
