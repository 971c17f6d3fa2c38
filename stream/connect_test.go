package stream

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corestream/ntio"
)

func TestConnect_SucceedsAgainstListeningLoopback(t *testing.T) {
	d := newTestDemux(t)

	acc, err := Listen(d, TransportTCP4, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = acc.Close() })

	addr, err := acc.Addr()
	require.NoError(t, err)

	accepted := make(chan *Socket, 1)
	acc.Accept(func(s *Socket, err error) {
		require.NoError(t, err)
		accepted <- s
	})

	client, err := Open(d, TransportTCP4)
	require.NoError(t, err)

	connected := make(chan error, 1)
	client.RegisterSession(FuncSession(func(ev Event) {
		if ev.Type == EventConnectComplete {
			connected <- nil
		}
		if ev.Type == EventError {
			connected <- ev.Err
		}
	}))

	require.NoError(t, client.Connect(addr, ConnectOptions{}))

	pumpUntil(t, d, func() bool {
		select {
		case <-connected:
			return true
		default:
			return false
		}
	})

	pumpUntil(t, d, func() bool {
		select {
		case <-accepted:
			return true
		default:
			return false
		}
	})

	assert.Equal(t, StateConnected, client.State())
}

func TestConnect_RejectsWhenNotInOpeningOrBoundState(t *testing.T) {
	d := newTestDemux(t)
	a, _ := openSocketPair(t, d)
	err := a.Connect(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}, ConnectOptions{})
	assert.ErrorIs(t, err, ntio.New(ntio.CodeInvalid))
}

func TestConnect_CancelClosesSocket(t *testing.T) {
	d := newTestDemux(t)
	client, err := Open(d, TransportTCP4)
	require.NoError(t, err)

	tok := Token(42)
	// An address in the TEST-NET-1 documentation range with no listener:
	// the connect stays pending long enough to cancel.
	unreachable := &net.TCPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 9}
	require.NoError(t, client.Connect(unreachable, ConnectOptions{Token: tok}))

	require.NoError(t, client.Cancel(tok))
	assert.Equal(t, StateClosing, client.State())
}
