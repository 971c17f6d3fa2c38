// Package reactor implements the event demultiplexer half of the core:
// the Interest bitset, the descriptor Registry (Entry/Catalog), the
// Chronology timer wheel, the self-wakeup Controller and the
// Demultiplexer loop itself.
package reactor

// Trigger selects level- or edge-triggered delivery for a descriptor's
// interest.
type Trigger int

const (
	// LevelTriggered re-delivers an event every poll while the
	// condition holds.
	LevelTriggered Trigger = iota
	// EdgeTriggered delivers an event only on the transition into the
	// ready condition.
	EdgeTriggered
)

// Interest is an immutable value describing the events a waiter wants
// for one descriptor. Setters return new values; changing only Trigger
// or OneShot does not count as a change to the readable/writable bits.
type Interest struct {
	wantReadable      bool
	wantWritable      bool
	wantError         bool
	wantNotifications bool
	trigger           Trigger
	oneShot           bool
}

// NewInterest returns the zero Interest: nothing wanted, level-triggered,
// not one-shot.
func NewInterest() Interest { return Interest{} }

// WantReadable reports whether the readable bit is set.
func (i Interest) WantReadable() bool { return i.wantReadable }

// WantWritable reports whether the writable bit is set.
func (i Interest) WantWritable() bool { return i.wantWritable }

// WantError reports whether the error bit is set.
func (i Interest) WantError() bool { return i.wantError }

// WantNotifications reports whether the notifications bit is set.
func (i Interest) WantNotifications() bool { return i.wantNotifications }

// Trigger reports the configured trigger mode.
func (i Interest) Trigger() Trigger { return i.trigger }

// OneShot reports whether one-shot delivery is configured.
func (i Interest) OneShot() bool { return i.oneShot }

// WantReadableOrWritable is true if either bit is set.
func (i Interest) WantReadableOrWritable() bool { return i.wantReadable || i.wantWritable }

// IsEmpty is true if no event bit (readable/writable/error/notifications)
// is set.
func (i Interest) IsEmpty() bool {
	return !i.wantReadable && !i.wantWritable && !i.wantError && !i.wantNotifications
}

// WithReadable returns a copy with the readable bit set.
func (i Interest) WithReadable() Interest { i.wantReadable = true; return i }

// WithoutReadable returns a copy with the readable bit cleared.
func (i Interest) WithoutReadable() Interest { i.wantReadable = false; return i }

// WithWritable returns a copy with the writable bit set.
func (i Interest) WithWritable() Interest { i.wantWritable = true; return i }

// WithoutWritable returns a copy with the writable bit cleared.
func (i Interest) WithoutWritable() Interest { i.wantWritable = false; return i }

// WithError returns a copy with the error bit set.
func (i Interest) WithError() Interest { i.wantError = true; return i }

// WithoutError returns a copy with the error bit cleared.
func (i Interest) WithoutError() Interest { i.wantError = false; return i }

// WithNotifications returns a copy with the notifications bit set.
func (i Interest) WithNotifications() Interest { i.wantNotifications = true; return i }

// WithoutNotifications returns a copy with the notifications bit cleared.
func (i Interest) WithoutNotifications() Interest { i.wantNotifications = false; return i }

// WithTrigger returns a copy with the trigger mode changed.
func (i Interest) WithTrigger(t Trigger) Interest { i.trigger = t; return i }

// WithOneShot returns a copy with the one-shot flag changed.
func (i Interest) WithOneShot(v bool) Interest { i.oneShot = v; return i }
