package reactor

import (
	"sync"

	"github.com/corestream/ntio"
)

// Catalog is the Registry Catalog of §4.3: a thread-safe mapping from
// descriptor handle to Entry, grounded on the teacher's map-behind-
// RWMutex shape (eventloop/poller_linux.go's FastPoller.fds / fdMu).
type Catalog struct {
	mu             sync.RWMutex
	entries        map[int]*Entry
	defaultTrigger Trigger
	defaultOneShot bool
}

// NewCatalog constructs an empty Catalog with the given defaults, used
// when an entry is auto-created under the auto-attach policy.
func NewCatalog(defaultTrigger Trigger, defaultOneShot bool) *Catalog {
	return &Catalog{
		entries:        make(map[int]*Entry),
		defaultTrigger: defaultTrigger,
		defaultOneShot: defaultOneShot,
	}
}

// SetDefaultTrigger changes the trigger mode used for newly added
// entries.
func (c *Catalog) SetDefaultTrigger(t Trigger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defaultTrigger = t
}

// SetDefaultOneShot changes the one-shot default used for newly added
// entries.
func (c *Catalog) SetDefaultOneShot(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defaultOneShot = v
}

// Add allocates a new entry for handle, failing if handle is invalid
// (< 0) or already present.
func (c *Catalog) Add(handle int, owner Owner) (*Entry, error) {
	if handle < 0 {
		return nil, ntio.New(ntio.CodeInvalid)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[handle]; ok {
		return nil, ntio.New(ntio.CodeInvalid)
	}
	e := newEntry(handle, c.defaultTrigger, c.defaultOneShot, owner)
	c.entries[handle] = e
	return e, nil
}

// Lookup returns the entry for handle, if present.
func (c *Catalog) Lookup(handle int) (*Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[handle]
	return e, ok
}

// LookupAndMarkProcessingOngoing returns the entry for handle and
// atomically increments its processing counter, returning (nil, false)
// if absent or already fully detached.
func (c *Catalog) LookupAndMarkProcessingOngoing(handle int) (*Entry, bool) {
	c.mu.RLock()
	e, ok := c.entries[handle]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if e.readyToDetach() {
		return nil, false
	}
	e.markProcessingOngoing()
	return e, true
}

// Remove extracts the entry without announcing detachment, for
// synchronous hide-last-interest paths under the auto-detach policy.
func (c *Catalog) Remove(handle int) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[handle]
	if ok {
		delete(c.entries, handle)
	}
	return e, ok
}

// RemoveAndGetReadyToDetach installs detachCallback in the entry's
// detach slot, marks it detach-pending, then invokes detachFunctor(entry)
// which must schedule the OS-level unregistration and the deferred
// AnnounceDetached. Fails with CodeInvalid if detach is already pending
// for handle, or if handle is unknown.
func (c *Catalog) RemoveAndGetReadyToDetach(handle int, detachCallback DetachCallback, detachFunctor func(*Entry)) error {
	c.mu.RLock()
	e, ok := c.entries[handle]
	c.mu.RUnlock()
	if !ok {
		return ntio.New(ntio.CodeInvalid)
	}
	if err := e.markDetachPending(detachCallback); err != nil {
		return err
	}
	detachFunctor(e)
	return nil
}

// finalizeDetached removes handle from the map once its entry has been
// cleared; called by the demultiplexer after AnnounceDetached returns
// true and the processing counter has drained to zero.
func (c *Catalog) finalizeDetached(handle int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, handle)
}

// CloseAll closes every managed descriptor except exceptHandle (the
// demultiplexer's internal controller), invoking closer for each.
func (c *Catalog) CloseAll(exceptHandle int, closer func(handle int)) {
	c.mu.Lock()
	handles := make([]int, 0, len(c.entries))
	for h := range c.entries {
		if h == exceptHandle {
			continue
		}
		handles = append(handles, h)
		delete(c.entries, h)
	}
	c.mu.Unlock()
	for _, h := range handles {
		closer(h)
	}
}

// ForEach iterates entries in unspecified order.
func (c *Catalog) ForEach(visitor func(handle int, e *Entry)) {
	c.mu.RLock()
	snapshot := make([]*Entry, 0, len(c.entries))
	keys := make([]int, 0, len(c.entries))
	for h, e := range c.entries {
		keys = append(keys, h)
		snapshot = append(snapshot, e)
	}
	c.mu.RUnlock()
	for i, e := range snapshot {
		visitor(keys[i], e)
	}
}

// Len returns the number of entries currently tracked.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
