package reactor

import "github.com/corestream/ntio"

// IOEvents is a bitmask of OS-level readiness conditions, grounded on
// the teacher's eventloop/poller_linux.go IOEvents type.
type IOEvents uint32

const (
	EventReadable IOEvents = 1 << iota
	EventWritable
	EventError
	EventHangup
	EventInvalid
)

// source is the abstract backend-specific event source of §4.6: "A
// demultiplexer is a backend-specific realization of the abstract event
// source." Two concrete realizations are provided: epollSource (Linux,
// supports edge-triggering) and pollSource (any unix, level-triggered
// only).
type source interface {
	// registerFD begins watching fd for events, failing if fd is
	// already registered.
	registerFD(fd int, events IOEvents, edge bool) error
	// modifyFD changes the watched events/trigger mode for an already
	// registered fd.
	modifyFD(fd int, events IOEvents, edge bool) error
	// unregisterFD stops watching fd.
	unregisterFD(fd int) error
	// wait blocks up to timeoutMs (negative means indefinite) and
	// invokes deliver once per descriptor that fired, returning the
	// number of descriptors delivered.
	wait(timeoutMs int64, deliver func(fd int, events IOEvents)) (int, error)
	// supportsEdgeTrigger reports whether registerFD/modifyFD honor the
	// edge flag; pollSource rejects edge-triggered requests with
	// ntio.CodeNotImplemented instead of silently downgrading them.
	supportsEdgeTrigger() bool
	// close releases backend resources.
	close() error
}

// errFDNotRegistered is returned by modifyFD/unregisterFD for an
// unknown descriptor.
var errFDNotRegistered = ntio.New(ntio.CodeInvalid)

// errFDAlreadyRegistered is returned by registerFD for a descriptor
// already tracked by this source.
var errFDAlreadyRegistered = ntio.New(ntio.CodeInvalid)

// errEdgeTriggerUnsupported is returned when a level-only backend is
// asked for edge-triggered delivery, per the §4.6 backend-mapping
// table's "must be supported by source or rejected with
// not-implemented".
var errEdgeTriggerUnsupported = ntio.New(ntio.CodeNotImplemented)
