package reactor

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/corestream/ntio"
)

// demuxState mirrors the shape of the teacher's FastState atomic
// state-machine (eventloop/state.go) scaled down to the three states a
// Demultiplexer needs.
type demuxState uint32

const (
	stateIdle demuxState = iota
	stateRunning
	stateStopped
)

// Options configures a Demultiplexer.
type Options struct {
	DefaultTrigger   Trigger
	DefaultOneShot   bool
	AutoAttach       bool
	AutoDetach       bool
	MaxCyclesPerWait int
	Logger           Logger
}

// Waiter is an opaque handle for a thread registered to drive a
// Demultiplexer via Run or Poll.
type Waiter struct {
	id uint64
}

// Demultiplexer is the event demultiplexer loop of §4.6, integrating the
// Catalog, Chronology and Controller over a backend-specific source.
type Demultiplexer struct {
	catalog    *Catalog
	chronology *Chronology
	controller *Controller
	source     source
	log        Logger

	autoAttach       bool
	autoDetach       bool
	maxCyclesPerWait int

	// genSem is the §5 "generation semaphore": at most one waiter is
	// blocked inside the backend wait primitive at a time.
	genSem *semaphore.Weighted

	detachMu      sync.Mutex
	detachPending []*Entry

	state       atomic.Uint32
	nextWaiter  atomic.Uint64
	waiterMu    sync.Mutex
	waiters     map[uint64]struct{}
}

// NewDemultiplexer constructs a Demultiplexer with its own Controller
// registered against the default platform source.
func NewDemultiplexer(opts Options) (*Demultiplexer, error) {
	src, err := newDefaultSource()
	if err != nil {
		return nil, err
	}
	ctrl, err := NewController()
	if err != nil {
		_ = src.close()
		return nil, err
	}
	d := &Demultiplexer{
		catalog:          NewCatalog(opts.DefaultTrigger, opts.DefaultOneShot),
		chronology:       NewChronology(nil),
		controller:       ctrl,
		source:           src,
		log:              orDefault(opts.Logger),
		autoAttach:       opts.AutoAttach,
		autoDetach:       opts.AutoDetach,
		maxCyclesPerWait: opts.MaxCyclesPerWait,
		genSem:           semaphore.NewWeighted(1),
		waiters:          make(map[uint64]struct{}),
	}
	if err := d.source.registerFD(ctrl.FD(), EventReadable, false); err != nil {
		_ = ctrl.Close()
		_ = src.close()
		return nil, err
	}
	return d, nil
}

// RegisterWaiter registers the calling thread's intent to drive this
// demultiplexer, returning a handle to pass to Run/Poll.
func (d *Demultiplexer) RegisterWaiter() *Waiter {
	id := d.nextWaiter.Add(1)
	d.waiterMu.Lock()
	d.waiters[id] = struct{}{}
	d.waiterMu.Unlock()
	return &Waiter{id: id}
}

// DeregisterWaiter removes w from the registered waiter set.
func (d *Demultiplexer) DeregisterWaiter(w *Waiter) {
	d.waiterMu.Lock()
	delete(d.waiters, w.id)
	d.waiterMu.Unlock()
}

func (d *Demultiplexer) waiterCount() int {
	d.waiterMu.Lock()
	defer d.waiterMu.Unlock()
	return len(d.waiters)
}

// Run drives pollOnce in a loop until Stop is called or ctx is done.
func (d *Demultiplexer) Run(ctx context.Context, w *Waiter) error {
	d.state.Store(uint32(stateRunning))
	for demuxState(d.state.Load()) == stateRunning {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := d.pollOnce(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Poll drives a single pollOnce iteration.
func (d *Demultiplexer) Poll(ctx context.Context, w *Waiter) error {
	return d.pollOnce(ctx)
}

// Stop requests Run to return after its current iteration, waking any
// waiter blocked in the backend wait primitive.
func (d *Demultiplexer) Stop() error {
	d.state.Store(uint32(stateStopped))
	return d.controller.Interrupt(1)
}

// Restart clears the stopped state so Run may be called again.
func (d *Demultiplexer) Restart() {
	d.state.CompareAndSwap(uint32(stateStopped), uint32(stateIdle))
}

// Execute enqueues a deferred functor on the demultiplexer thread.
func (d *Demultiplexer) Execute(f func()) { d.chronology.Execute(f) }

// CreateTimer allocates and schedules a timer via the Chronology.
func (d *Demultiplexer) CreateTimer(opts TimerOptions, cb TimerCallback) (*Timer, error) {
	return d.chronology.CreateTimer(opts, cb)
}

// AttachSocket registers fd with the backend source and allocates a
// Registry Entry for it, with no interest bits set.
func (d *Demultiplexer) AttachSocket(fd int, owner Owner) (*Entry, error) {
	e, err := d.catalog.Add(fd, owner)
	if err != nil {
		return nil, err
	}
	if err := d.source.registerFD(fd, 0, false); err != nil {
		d.catalog.Remove(fd)
		return nil, err
	}
	return e, nil
}

// DetachSocket begins the safe-detach protocol of §4.2/§4.3: the OS
// registration is removed immediately, but detachCallback fires only
// once the entry's processing counter has drained to zero, guaranteeing
// §8#5 detach safety.
func (d *Demultiplexer) DetachSocket(fd int, detachCallback DetachCallback) error {
	return d.catalog.RemoveAndGetReadyToDetach(fd, detachCallback, func(e *Entry) {
		_ = d.source.unregisterFD(fd)
		d.detachMu.Lock()
		d.detachPending = append(d.detachPending, e)
		d.detachMu.Unlock()
	})
}

func (d *Demultiplexer) entryFor(fd int, owner Owner) (*Entry, error) {
	if e, ok := d.catalog.Lookup(fd); ok {
		return e, nil
	}
	if !d.autoAttach {
		return nil, ntio.New(ntio.CodeInvalid)
	}
	return d.AttachSocket(fd, owner)
}

func interestEvents(i Interest) IOEvents {
	var ev IOEvents
	if i.WantReadable() {
		ev |= EventReadable
	}
	if i.WantWritable() {
		ev |= EventWritable
	}
	if i.WantError() {
		ev |= EventError
	}
	return ev
}

func (d *Demultiplexer) syncInterest(fd int, i Interest) error {
	return d.source.modifyFD(fd, interestEvents(i), i.Trigger() == EdgeTriggered)
}

func (d *Demultiplexer) maybeAutoDetach(fd int, i Interest) {
	if d.autoDetach && i.IsEmpty() {
		_ = d.DetachSocket(fd, nil)
	}
}

// ShowReadable sets the readable bit for fd, auto-attaching it first if
// the auto-attach policy is enabled and fd is unknown.
func (d *Demultiplexer) ShowReadable(fd int, opts ShowOptions) (Interest, error) {
	e, err := d.entryFor(fd, nil)
	if err != nil {
		return Interest{}, err
	}
	i := e.ShowReadable(opts)
	return i, d.syncInterest(fd, i)
}

// ShowReadableCallback is ShowReadable with an installed callback.
func (d *Demultiplexer) ShowReadableCallback(fd int, cb Callback, opts ShowOptions) (Interest, error) {
	e, err := d.entryFor(fd, nil)
	if err != nil {
		return Interest{}, err
	}
	i := e.ShowReadableCallback(cb, opts)
	return i, d.syncInterest(fd, i)
}

// ShowWritable is the writable analogue of ShowReadable.
func (d *Demultiplexer) ShowWritable(fd int, opts ShowOptions) (Interest, error) {
	e, err := d.entryFor(fd, nil)
	if err != nil {
		return Interest{}, err
	}
	i := e.ShowWritable(opts)
	return i, d.syncInterest(fd, i)
}

// ShowWritableCallback is ShowWritable with an installed callback.
func (d *Demultiplexer) ShowWritableCallback(fd int, cb Callback, opts ShowOptions) (Interest, error) {
	e, err := d.entryFor(fd, nil)
	if err != nil {
		return Interest{}, err
	}
	i := e.ShowWritableCallback(cb, opts)
	return i, d.syncInterest(fd, i)
}

// ShowError is the error-bit analogue of ShowReadable.
func (d *Demultiplexer) ShowError(fd int, opts ShowOptions) (Interest, error) {
	e, err := d.entryFor(fd, nil)
	if err != nil {
		return Interest{}, err
	}
	i := e.ShowError(opts)
	return i, d.syncInterest(fd, i)
}

// ShowNotifications sets the notifications bit (app-level only; it does
// not correspond to a distinct OS readiness bit).
func (d *Demultiplexer) ShowNotifications(fd int) (Interest, error) {
	e, err := d.entryFor(fd, nil)
	if err != nil {
		return Interest{}, err
	}
	return e.ShowNotifications(), nil
}

// HideReadable clears the readable bit for fd, auto-detaching it if the
// entry's interest becomes empty and the auto-detach policy is enabled.
func (d *Demultiplexer) HideReadable(fd int) (Interest, error) {
	e, ok := d.catalog.Lookup(fd)
	if !ok {
		return Interest{}, ntio.New(ntio.CodeInvalid)
	}
	i := e.HideReadable()
	if err := d.syncInterest(fd, i); err != nil {
		return Interest{}, err
	}
	d.maybeAutoDetach(fd, i)
	return i, nil
}

// HideWritable is the writable analogue of HideReadable.
func (d *Demultiplexer) HideWritable(fd int) (Interest, error) {
	e, ok := d.catalog.Lookup(fd)
	if !ok {
		return Interest{}, ntio.New(ntio.CodeInvalid)
	}
	i := e.HideWritable()
	if err := d.syncInterest(fd, i); err != nil {
		return Interest{}, err
	}
	d.maybeAutoDetach(fd, i)
	return i, nil
}

// HideError is the error-bit analogue of HideReadable.
func (d *Demultiplexer) HideError(fd int) (Interest, error) {
	e, ok := d.catalog.Lookup(fd)
	if !ok {
		return Interest{}, ntio.New(ntio.CodeInvalid)
	}
	i := e.HideError()
	if err := d.syncInterest(fd, i); err != nil {
		return Interest{}, err
	}
	d.maybeAutoDetach(fd, i)
	return i, nil
}

// HideNotifications clears the notifications bit.
func (d *Demultiplexer) HideNotifications(fd int) (Interest, error) {
	e, ok := d.catalog.Lookup(fd)
	if !ok {
		return Interest{}, ntio.New(ntio.CodeInvalid)
	}
	i := e.HideNotifications()
	d.maybeAutoDetach(fd, i)
	return i, nil
}

// InterruptOne wakes a single waiter blocked inside the backend wait
// primitive.
func (d *Demultiplexer) InterruptOne() error { return d.controller.Interrupt(1) }

// InterruptAll wakes every currently registered waiter.
func (d *Demultiplexer) InterruptAll() error {
	n := d.waiterCount()
	if n == 0 {
		n = 1
	}
	return d.controller.Interrupt(n)
}

// CloseAll closes every managed socket except the internal controller.
func (d *Demultiplexer) CloseAll(closer func(handle int)) {
	d.catalog.CloseAll(d.controller.FD(), closer)
}

// Close releases the controller and backend source. The demultiplexer
// must not be used afterwards.
func (d *Demultiplexer) Close() error {
	err1 := d.controller.Close()
	err2 := d.source.close()
	if err1 != nil {
		return err1
	}
	return err2
}

func (d *Demultiplexer) drainDetachList() bool {
	d.detachMu.Lock()
	pending := d.detachPending
	d.detachPending = nil
	d.detachMu.Unlock()

	progressed := false
	var remaining []*Entry
	for _, e := range pending {
		if e.ProcessingCount() != 0 {
			remaining = append(remaining, e)
			continue
		}
		progressed = true
		if e.AnnounceDetached() {
			d.catalog.finalizeDetached(e.Handle())
			e.Clear()
		}
	}
	if len(remaining) > 0 {
		d.detachMu.Lock()
		d.detachPending = append(d.detachPending, remaining...)
		d.detachMu.Unlock()
	}
	return progressed
}

func (d *Demultiplexer) detachListNonEmpty() bool {
	d.detachMu.Lock()
	defer d.detachMu.Unlock()
	return len(d.detachPending) > 0
}

// handleEvent is the per-descriptor body of pollOnce's dispatch loop.
func (d *Demultiplexer) handleEvent(fd int, events IOEvents) {
	if fd == d.controller.FD() {
		_, _ = d.controller.Acknowledge()
		return
	}
	if events&EventInvalid != 0 {
		return
	}
	entry, ok := d.catalog.LookupAndMarkProcessingOngoing(fd)
	if !ok {
		return
	}
	defer entry.DecrementProcessCounter()

	fatal := false
	if events&EventError != 0 {
		code := probeSocketError(fd)
		if ntio.IsFatal(ntio.New(code)) {
			entry.AnnounceError()
			fatal = true
		} else {
			entry.AnnounceNotifications()
		}
	}

	interest := entry.Interest()
	if !fatal && (events&EventWritable != 0 || events&EventHangup != 0) && interest.WantWritable() {
		entry.AnnounceWritable()
	}
	if !fatal && (events&EventReadable != 0 || events&EventHangup != 0) && interest.WantReadable() {
		entry.AnnounceReadable()
	}

	if interest.OneShot() {
		d.hideFiredBits(fd, entry, events)
	}
}

// hideFiredBits emulates one-shot delivery by clearing the bits that
// fired, per the §4.6 backend table's "One-shot: emulated by hiding
// bits after fire".
func (d *Demultiplexer) hideFiredBits(fd int, entry *Entry, events IOEvents) {
	i := entry.Interest()
	if events&(EventReadable|EventHangup) != 0 && i.WantReadable() {
		i = entry.HideReadable()
	}
	if events&(EventWritable|EventHangup) != 0 && i.WantWritable() {
		i = entry.HideWritable()
	}
	_ = d.syncInterest(fd, i)
	d.maybeAutoDetach(fd, i)
}

// pollOnce implements the §4.6 control flow: compute the next timeout,
// drain the detach list, block in the backend source, dispatch fired
// descriptors, then announce chronology work.
func (d *Demultiplexer) pollOnce(ctx context.Context) error {
	t := d.chronology.TimeoutInMilliseconds()
	progressed := d.drainDetachList()
	if progressed {
		t = 0
	}

	if err := d.genSem.Acquire(ctx, 1); err != nil {
		return err
	}
	_, err := d.source.wait(t, d.handleEvent)
	d.genSem.Release(1)
	if err != nil {
		return err
	}

	if d.detachListNonEmpty() {
		_ = d.InterruptOne()
	}

	cycles := d.maxCyclesPerWait
	if cycles <= 0 {
		cycles = 1
	}
	for i := 0; i < cycles && d.chronology.HasAnyScheduledOrDeferred(); i++ {
		d.chronology.Announce(true)
	}
	return nil
}
