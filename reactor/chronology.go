package reactor

import (
	"container/heap"
	"sync"
	"time"

	"github.com/corestream/ntio"
)

// TimerEvent is the tagged event delivered to a timer's callback, per
// §4.4's "options select which of {deadline, cancelled, closed} events
// are delivered".
type TimerEvent int

const (
	// TimerDeadline fires when a timer's scheduled time arrives.
	TimerDeadline TimerEvent = iota
	// TimerCancelled fires when a pending timer is closed before its
	// deadline.
	TimerCancelled
	// TimerClosed fires exactly once, after a timer will never fire
	// again (terminal).
	TimerClosed
)

// TimerCallback receives the tagged timer events a Timer was configured
// to want.
type TimerCallback func(TimerEvent)

// TimerOptions configures a createTimer call.
type TimerOptions struct {
	Deadline        time.Time
	Recurring       bool
	Interval        time.Duration
	WantDeadline    bool
	WantCancelled   bool
	WantClosed      bool
}

// DefaultTimerOptions returns options wanting all three event classes,
// firing once at deadline.
func DefaultTimerOptions(deadline time.Time) TimerOptions {
	return TimerOptions{
		Deadline:      deadline,
		WantDeadline:  true,
		WantCancelled: true,
		WantClosed:    true,
	}
}

// Timer is the handle returned by Chronology.CreateTimer.
type Timer struct {
	chron    *Chronology
	opts     TimerOptions
	cb       TimerCallback
	seq      uint64
	deadline time.Time
	index    int // heap index, -1 when not in heap
	closed   bool
}

// timerHeap is a container/heap min-heap ordered by deadline, tie-broken
// by insertion sequence, grounded on eventloop/loop.go's timerHeap.
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Chronology is the monotonic timer wheel and deferred-functor FIFO of
// §4.4, grounded on eventloop/loop.go's timerHeap plus a mutex-guarded
// deferred slice standing in for the chunked ingress queue (this
// chronology is driven by a single demultiplexer thread at a time, under
// the generation semaphore, so a plain slice suffices).
type Chronology struct {
	mu       sync.Mutex
	deferred []func()
	heap     timerHeap
	nextSeq  uint64
	now      func() time.Time
}

// NewChronology constructs an empty Chronology. now defaults to
// time.Now when nil, and is otherwise injectable for deterministic
// tests.
func NewChronology(now func() time.Time) *Chronology {
	if now == nil {
		now = time.Now
	}
	return &Chronology{now: now}
}

// Execute enqueues a deferred functor, run on the demultiplexer thread
// during the next Announce/Drain.
func (c *Chronology) Execute(f func()) {
	c.mu.Lock()
	c.deferred = append(c.deferred, f)
	c.mu.Unlock()
}

// HasAnyDeferred reports whether any deferred functor is queued.
func (c *Chronology) HasAnyDeferred() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.deferred) > 0
}

// Drain runs every functor queued as of the moment Drain is called;
// functors enqueued by a running functor are not run by this call.
func (c *Chronology) Drain() {
	c.mu.Lock()
	batch := c.deferred
	c.deferred = nil
	c.mu.Unlock()
	for _, f := range batch {
		f()
	}
}

// CreateTimer allocates and schedules a new Timer, per §4.4.
func (c *Chronology) CreateTimer(opts TimerOptions, cb TimerCallback) (*Timer, error) {
	if cb == nil {
		return nil, ntio.New(ntio.CodeInvalid)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSeq++
	t := &Timer{
		chron:    c,
		opts:     opts,
		cb:       cb,
		seq:      c.nextSeq,
		deadline: opts.Deadline,
		index:    -1,
	}
	heap.Push(&c.heap, t)
	return t, nil
}

// schedule inserts (or re-inserts) t at deadline, per §4.4's
// schedule(deadline). Used by Rearm and by Announce to reschedule a
// recurring timer; CreateTimer places a new timer on the heap itself.
func (c *Chronology) schedule(t *Timer, deadline time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.closed {
		return
	}
	t.deadline = deadline
	c.nextSeq++
	t.seq = c.nextSeq
	if t.index >= 0 {
		heap.Fix(&c.heap, t.index)
	} else {
		heap.Push(&c.heap, t)
	}
}

// Rearm reschedules a one-shot timer to a new deadline; valid to call
// from within the timer's own deadline handler.
func (t *Timer) Rearm(deadline time.Time) {
	t.chron.schedule(t, deadline)
}

// Close cancels t. If it has not yet fired, delivers TimerCancelled (if
// wanted) followed by TimerClosed (if wanted); idempotent.
func (t *Timer) Close() {
	c := t.chron
	c.mu.Lock()
	if t.closed {
		c.mu.Unlock()
		return
	}
	t.closed = true
	wasPending := t.index >= 0
	if wasPending {
		heap.Remove(&c.heap, t.index)
	}
	c.mu.Unlock()
	if wasPending && t.opts.WantCancelled {
		t.cb(TimerCancelled)
	}
	if t.opts.WantClosed {
		t.cb(TimerClosed)
	}
}

// HasAnyScheduledOrDeferred reports whether the chronology has any work
// pending at all.
func (c *Chronology) HasAnyScheduledOrDeferred() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.deferred) > 0 || len(c.heap) > 0
}

// Indefinite is the sentinel TimeoutInMilliseconds returns when there is
// no deferred work and no scheduled timer.
const Indefinite = -1

// TimeoutInMilliseconds returns 0 if any deferred functor is queued,
// else the millisecond delta to the earliest deadline, else Indefinite.
func (c *Chronology) TimeoutInMilliseconds() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.deferred) > 0 {
		return 0
	}
	if len(c.heap) == 0 {
		return Indefinite
	}
	earliest := c.heap[0].deadline
	delta := earliest.Sub(c.now())
	if delta <= 0 {
		return 0
	}
	ms := delta / time.Millisecond
	return int64(ms)
}

// Announce drains deferred functors, then fires every timer whose
// deadline has arrived, in deadline order tie-broken by insertion. The
// dynamic flag is accepted for API parity with §4.4 ("permits
// multi-thread announce to yield between items") but this
// single-threaded chronology has no yield point to act on.
func (c *Chronology) Announce(dynamic bool) {
	_ = dynamic
	c.Drain()
	for {
		c.mu.Lock()
		if len(c.heap) == 0 || c.heap[0].deadline.After(c.now()) {
			c.mu.Unlock()
			return
		}
		t := heap.Pop(&c.heap).(*Timer)
		c.mu.Unlock()

		if t.opts.WantDeadline {
			t.cb(TimerDeadline)
		}

		if t.opts.Recurring && !t.closed {
			next := t.deadline.Add(t.opts.Interval)
			c.schedule(t, next)
			continue
		}

		c.mu.Lock()
		if t.index >= 0 {
			// Re-armed from within its own deadline handler.
			c.mu.Unlock()
			continue
		}
		alreadyClosed := t.closed
		t.closed = true
		c.mu.Unlock()
		if !alreadyClosed && t.opts.WantClosed {
			t.cb(TimerClosed)
		}
	}
}
