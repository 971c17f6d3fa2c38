package reactor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newSocketpair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func newTestDemux(t *testing.T) *Demultiplexer {
	t.Helper()
	d, err := NewDemultiplexer(Options{
		DefaultTrigger:   LevelTriggered,
		MaxCyclesPerWait: 4,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestDemultiplexer_PollOnceDispatchesReadableOwner(t *testing.T) {
	d := newTestDemux(t)
	a, b := newSocketpair(t)

	owner := &stubOwner{}
	_, err := d.AttachSocket(a, owner)
	require.NoError(t, err)
	_, err = d.ShowReadable(a, ShowOptions{})
	require.NoError(t, err)

	_, err = unix.Write(b, []byte("x"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.pollOnce(ctx))

	assert.Equal(t, 1, owner.readable)
}

func TestDemultiplexer_DetachDefersUntilProcessingDrains(t *testing.T) {
	d := newTestDemux(t)
	a, b := newSocketpair(t)

	e, err := d.AttachSocket(a, &stubOwner{})
	require.NoError(t, err)
	_, err = d.ShowReadable(a, ShowOptions{})
	require.NoError(t, err)
	_, err = unix.Write(b, []byte("y"))
	require.NoError(t, err)

	// Simulate an in-flight callback holding the processing counter open.
	entry, ok := d.catalog.LookupAndMarkProcessingOngoing(a)
	require.True(t, ok)
	assert.Same(t, e, entry)

	var detached bool
	require.NoError(t, d.DetachSocket(a, func() { detached = true }))

	// The detach list can't finalize while the borrowed processing count
	// is still outstanding.
	assert.False(t, d.drainDetachList())
	assert.False(t, detached)

	entry.DecrementProcessCounter()
	assert.True(t, d.drainDetachList())
	assert.True(t, detached)
}

func TestDemultiplexer_AutoAttachAndAutoDetachOnEmptyInterest(t *testing.T) {
	d, err := NewDemultiplexer(Options{
		DefaultTrigger: LevelTriggered,
		AutoAttach:     true,
		AutoDetach:     true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	a, _ := newSocketpair(t)

	_, err = d.ShowReadable(a, ShowOptions{})
	require.NoError(t, err)
	_, ok := d.catalog.Lookup(a)
	assert.True(t, ok, "auto-attach must create an entry on first ShowX for an unknown fd")

	_, err = d.HideReadable(a)
	require.NoError(t, err)
	assert.True(t, d.detachListNonEmpty(), "auto-detach must enqueue the now-empty entry for detach")
}

func TestDemultiplexer_ShowXWithoutAutoAttachFailsForUnknownFD(t *testing.T) {
	d := newTestDemux(t)
	_, err := d.ShowReadable(999, ShowOptions{})
	assert.Error(t, err)
}

func TestDemultiplexer_TimersAnnounceDuringPollOnce(t *testing.T) {
	d := newTestDemux(t)

	fired := make(chan struct{}, 1)
	_, err := d.CreateTimer(DefaultTimerOptions(time.Now().Add(-time.Millisecond)), func(ev TimerEvent) {
		if ev == TimerDeadline {
			select {
			case fired <- struct{}{}:
			default:
			}
		}
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.pollOnce(ctx))

	select {
	case <-fired:
	default:
		t.Fatal("expected an already-expired timer to fire within pollOnce")
	}
}
