package reactor

import (
	"sync"
	"sync/atomic"

	"github.com/corestream/ntio"
)

// Callback is invoked when an announced event fires for a descriptor.
type Callback func()

// DetachCallback is invoked exactly once, after an entry has been fully
// detached and is safe to reclaim.
type DetachCallback func()

// Owner lets a Registry Entry dispatch directly to an owning socket's
// methods when no per-event callback has been installed, matching
// §4.2's "invoke the stored callback or owning socket method".
type Owner interface {
	OnReadable()
	OnWritable()
	OnError()
	OnNotifications()
}

// ShowOptions carries the optional per-call trigger/one-shot overrides
// accepted by the showX family; a nil field falls back to the catalog's
// configured default.
type ShowOptions struct {
	Trigger *Trigger
	OneShot *bool
}

// Entry is the Registry Entry of §4.2: one per attached descriptor,
// owning the current Interest, optional per-event callbacks or owner,
// the processing counter, and the single detach-callback slot.
type Entry struct {
	handle int

	mu               sync.Mutex
	interest         Interest
	owner            Owner
	onReadable       Callback
	onWritable       Callback
	onError          Callback
	onNotifications  Callback
	defaultTrigger   Trigger
	defaultOneShot   bool

	processing atomic.Int32

	detachMu       sync.Mutex
	detachCallback DetachCallback
	detachPending  bool
	detachDone     bool
}

func newEntry(handle int, defaultTrigger Trigger, defaultOneShot bool, owner Owner) *Entry {
	return &Entry{
		handle:         handle,
		defaultTrigger: defaultTrigger,
		defaultOneShot: defaultOneShot,
		owner:          owner,
	}
}

// Handle returns the descriptor this entry manages.
func (e *Entry) Handle() int { return e.handle }

// Interest returns the currently configured Interest.
func (e *Entry) Interest() Interest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.interest
}

func (e *Entry) resolve(opts ShowOptions) (Trigger, bool) {
	trigger := e.defaultTrigger
	oneShot := e.defaultOneShot
	if opts.Trigger != nil {
		trigger = *opts.Trigger
	}
	if opts.OneShot != nil {
		oneShot = *opts.OneShot
	}
	return trigger, oneShot
}

// ShowReadable sets the readable bit, applying trigger/one-shot from
// opts or the registry defaults.
func (e *Entry) ShowReadable(opts ShowOptions) Interest {
	e.mu.Lock()
	defer e.mu.Unlock()
	trigger, oneShot := e.resolve(opts)
	e.interest = e.interest.WithReadable().WithTrigger(trigger).WithOneShot(oneShot)
	return e.interest
}

// ShowReadableCallback atomically installs cb as the readable callback
// and sets the readable bit.
func (e *Entry) ShowReadableCallback(cb Callback, opts ShowOptions) Interest {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onReadable = cb
	trigger, oneShot := e.resolve(opts)
	e.interest = e.interest.WithReadable().WithTrigger(trigger).WithOneShot(oneShot)
	return e.interest
}

// ShowWritable is the writable analogue of ShowReadable.
func (e *Entry) ShowWritable(opts ShowOptions) Interest {
	e.mu.Lock()
	defer e.mu.Unlock()
	trigger, oneShot := e.resolve(opts)
	e.interest = e.interest.WithWritable().WithTrigger(trigger).WithOneShot(oneShot)
	return e.interest
}

// ShowWritableCallback is the writable analogue of ShowReadableCallback.
func (e *Entry) ShowWritableCallback(cb Callback, opts ShowOptions) Interest {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onWritable = cb
	trigger, oneShot := e.resolve(opts)
	e.interest = e.interest.WithWritable().WithTrigger(trigger).WithOneShot(oneShot)
	return e.interest
}

// ShowError is the error-bit analogue of ShowReadable.
func (e *Entry) ShowError(opts ShowOptions) Interest {
	e.mu.Lock()
	defer e.mu.Unlock()
	trigger, oneShot := e.resolve(opts)
	e.interest = e.interest.WithError().WithTrigger(trigger).WithOneShot(oneShot)
	return e.interest
}

// ShowErrorCallback is the error-bit analogue of ShowReadableCallback.
func (e *Entry) ShowErrorCallback(cb Callback, opts ShowOptions) Interest {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onError = cb
	trigger, oneShot := e.resolve(opts)
	e.interest = e.interest.WithError().WithTrigger(trigger).WithOneShot(oneShot)
	return e.interest
}

// ShowNotifications sets the notifications bit.
func (e *Entry) ShowNotifications() Interest {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.interest = e.interest.WithNotifications()
	return e.interest
}

// ShowNotificationsCallback atomically installs cb and sets the
// notifications bit.
func (e *Entry) ShowNotificationsCallback(cb Callback) Interest {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onNotifications = cb
	e.interest = e.interest.WithNotifications()
	return e.interest
}

// HideReadable clears the readable bit.
func (e *Entry) HideReadable() Interest {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.interest = e.interest.WithoutReadable()
	return e.interest
}

// HideWritable clears the writable bit.
func (e *Entry) HideWritable() Interest {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.interest = e.interest.WithoutWritable()
	return e.interest
}

// HideError clears the error bit.
func (e *Entry) HideError() Interest {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.interest = e.interest.WithoutError()
	return e.interest
}

// HideNotifications clears the notifications bit.
func (e *Entry) HideNotifications() Interest {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.interest = e.interest.WithoutNotifications()
	return e.interest
}

// MarkProcessingOngoing increments the processing counter. Pairs with
// DecrementProcessCounter.
func (e *Entry) markProcessingOngoing() { e.processing.Add(1) }

// DecrementProcessCounter decrements the processing counter; it must be
// called exactly once for every successful lookupAndMarkProcessingOngoing.
func (e *Entry) DecrementProcessCounter() { e.processing.Add(-1) }

// ProcessingCount returns the current processing counter value.
func (e *Entry) ProcessingCount() int32 { return e.processing.Load() }

// AnnounceReadable invokes the stored readable callback or owner method.
// Must only be called after lookupAndMarkProcessingOngoing; the caller
// must call DecrementProcessCounter afterwards regardless of the
// outcome.
func (e *Entry) AnnounceReadable() bool {
	e.mu.Lock()
	cb, owner := e.onReadable, e.owner
	e.mu.Unlock()
	switch {
	case cb != nil:
		cb()
		return true
	case owner != nil:
		owner.OnReadable()
		return true
	default:
		return false
	}
}

// AnnounceWritable is the writable analogue of AnnounceReadable.
func (e *Entry) AnnounceWritable() bool {
	e.mu.Lock()
	cb, owner := e.onWritable, e.owner
	e.mu.Unlock()
	switch {
	case cb != nil:
		cb()
		return true
	case owner != nil:
		owner.OnWritable()
		return true
	default:
		return false
	}
}

// AnnounceError is the error analogue of AnnounceReadable.
func (e *Entry) AnnounceError() bool {
	e.mu.Lock()
	cb, owner := e.onError, e.owner
	e.mu.Unlock()
	switch {
	case cb != nil:
		cb()
		return true
	case owner != nil:
		owner.OnError()
		return true
	default:
		return false
	}
}

// AnnounceNotifications is the notifications analogue of
// AnnounceReadable.
func (e *Entry) AnnounceNotifications() bool {
	e.mu.Lock()
	cb, owner := e.onNotifications, e.owner
	e.mu.Unlock()
	switch {
	case cb != nil:
		cb()
		return true
	case owner != nil:
		owner.OnNotifications()
		return true
	default:
		return false
	}
}

// markDetachPending installs cb in the detach slot, failing if one is
// already occupied.
func (e *Entry) markDetachPending(cb DetachCallback) error {
	e.detachMu.Lock()
	defer e.detachMu.Unlock()
	if e.detachPending {
		return ntio.New(ntio.CodeInvalid)
	}
	e.detachCallback = cb
	e.detachPending = true
	return nil
}

// AnnounceDetached invokes the detach callback exactly once. Returns
// true on the call that actually fires it.
func (e *Entry) AnnounceDetached() bool {
	e.detachMu.Lock()
	if e.detachDone || !e.detachPending {
		e.detachMu.Unlock()
		return false
	}
	e.detachDone = true
	cb := e.detachCallback
	e.detachMu.Unlock()
	if cb != nil {
		cb()
	}
	return true
}

// readyToDetach reports whether the entry's processing counter has
// drained and detach has actually fired, i.e. it is safe to clear.
func (e *Entry) readyToDetach() bool {
	e.detachMu.Lock()
	done := e.detachDone
	e.detachMu.Unlock()
	return done && e.processing.Load() == 0
}

// Clear releases all callbacks and the owner pointer. Idempotent.
func (e *Entry) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.owner = nil
	e.onReadable = nil
	e.onWritable = nil
	e.onError = nil
	e.onNotifications = nil
	e.interest = Interest{}
}
