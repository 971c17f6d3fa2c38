//go:build unix && !linux

package reactor

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/corestream/ntio"
)

// Controller is the portable self-pipe realization of §4.5, used on
// unix targets without eventfd. See controller_linux.go for the
// eventfd-backed realization used on Linux.
type Controller struct {
	mu         sync.Mutex
	readFD     int
	writeFD    int
	pending    int
}

// NewController creates a non-blocking self-pipe controller.
func NewController() (*Controller, error) {
	c := &Controller{}
	if err := c.init(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Controller) init() error {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return ntio.Wrap(ntio.CodeOther, err)
	}
	c.readFD = fds[0]
	c.writeFD = fds[1]
	return nil
}

// FD returns the readable descriptor to register with the demultiplexer.
func (c *Controller) FD() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readFD
}

// Interrupt posts n wake-up tokens by writing n bytes into the pipe.
func (c *Controller) Interrupt(n int) error {
	if n <= 0 {
		return nil
	}
	c.mu.Lock()
	fd := c.writeFD
	c.pending += n
	c.mu.Unlock()

	buf := make([]byte, n)
	for i := range buf {
		buf[i] = 1
	}
	_, err := unix.Write(fd, buf)
	if err != nil && err != unix.EAGAIN {
		c.mu.Lock()
		_ = c.reinit()
		c.mu.Unlock()
		return ntio.Wrap(ntio.CodeOther, err)
	}
	return nil
}

// Acknowledge drains exactly one wake-up token (one byte) per observed
// readable event, returning the number of tokens drained. On read
// failure the controller is reinitialized.
func (c *Controller) Acknowledge() (int, error) {
	c.mu.Lock()
	fd := c.readFD
	c.mu.Unlock()

	buf := make([]byte, 1)
	n, err := unix.Read(fd, buf)
	if err != nil {
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
	c.mu.Lock()
	c.pending -= n
	if c.pending < 0 {
		c.pending = 0
	}
	c.mu.Unlock()
	return n, nil
}

// reinit closes and recreates the underlying pipe. Caller must hold c.mu.
func (c *Controller) reinit() error {
	if c.readFD >= 0 {
		_ = unix.Close(c.readFD)
	}
	if c.writeFD >= 0 {
		_ = unix.Close(c.writeFD)
	}
	c.pending = 0
	return c.init()
}

// Close releases both ends of the pipe.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readFD < 0 {
		return nil
	}
	err1 := unix.Close(c.readFD)
	err2 := unix.Close(c.writeFD)
	c.readFD, c.writeFD = -1, -1
	if err1 != nil {
		return err1
	}
	return err2
}
