//go:build unix

package reactor

import (
	"golang.org/x/sys/unix"

	"github.com/corestream/ntio"
)

// probeSocketError implements §7's "errors observed on a descriptor
// during demultiplexing are first probed to obtain the OS error; if
// probing fails, synthesize connection-dead", grounded on
// original_source/ntco_poll.cpp and ntco_select.cpp's getsockopt(
// SO_ERROR) probe before classifying POLLERR as fatal.
func probeSocketError(fd int) ntio.Code {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return ntio.CodeConnectionDead
	}
	if errno == 0 {
		// POLLERR fired but no error is pending: not fatal, routed to
		// the notifications path instead.
		return ntio.CodeOK
	}
	return ntio.CodeOther
}
