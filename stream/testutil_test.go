package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/corestream/reactor"
)

func newTestDemux(t *testing.T) *reactor.Demultiplexer {
	t.Helper()
	d, err := reactor.NewDemultiplexer(reactor.Options{
		DefaultTrigger:   reactor.LevelTriggered,
		MaxCyclesPerWait: 4,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

// pumpUntil repeatedly polls the demultiplexer until cond returns true or
// the deadline elapses.
func pumpUntil(t *testing.T, d *reactor.Demultiplexer, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		require.NoError(t, d.Poll(context.Background(), nil))
	}
	t.Fatal("condition not satisfied before deadline")
}

func openSocketPair(t *testing.T, d *reactor.Demultiplexer) (*Socket, *Socket) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))

	a, err := OpenHandle(d, fds[0], TransportLocal)
	require.NoError(t, err)
	b, err := OpenHandle(d, fds[1], TransportLocal)
	require.NoError(t, err)

	a.mu.Lock()
	a.state = StateConnected
	a.mu.Unlock()
	b.mu.Lock()
	b.state = StateConnected
	b.mu.Unlock()

	return a, b
}
