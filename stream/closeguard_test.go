package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corestream/reactor"
)

// startBackgroundPoller drives d with a bounded per-wait timeout (via a
// harmless recurring timer) so a concurrent Close's detach can be
// observed promptly instead of leaving the poller parked in an
// indefinite backend wait. The returned func cancels the loop and waits
// for it to fully exit before returning.
func startBackgroundPoller(t *testing.T, d *reactor.Demultiplexer) func() {
	t.Helper()
	_, err := d.CreateTimer(reactor.TimerOptions{
		Deadline:     time.Now(),
		Recurring:    true,
		Interval:     5 * time.Millisecond,
		WantDeadline: true,
	}, func(reactor.TimerEvent) {})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			_ = d.Poll(context.Background(), nil)
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

func TestCloseGuard_CloseBlocksUntilSocketFullyCloses(t *testing.T) {
	d := newTestDemux(t)
	a, _ := openSocketPair(t, d)
	g := NewCloseGuard(a)
	defer startBackgroundPoller(t, d)()

	require.NoError(t, g.Close())
	assert.Equal(t, StateClosed, a.State())
}

func TestCloseGuard_ReleaseSkipsClose(t *testing.T) {
	d := newTestDemux(t)
	a, _ := openSocketPair(t, d)
	g := NewCloseGuard(a)

	released := g.Release()
	assert.Same(t, a, released)

	require.NoError(t, g.Close())
	assert.NotEqual(t, StateClosed, a.State(), "Close after Release must not touch the socket")
}

func TestCloseGuard_CloseTwiceIsANoOp(t *testing.T) {
	d := newTestDemux(t)
	a, _ := openSocketPair(t, d)
	g := NewCloseGuard(a)
	defer startBackgroundPoller(t, d)()

	require.NoError(t, g.Close())
	require.NoError(t, g.Close())
}
