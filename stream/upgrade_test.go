package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corestream/ntio"
)

// xorEncryption is a trivial, deterministic Encryption stand-in: the
// handshake completes on its first call without exchanging any bytes,
// and Encrypt/Decrypt both XOR every byte against a fixed key, which is
// its own inverse.
type xorEncryption struct {
	role        EncryptionRole
	key         byte
	handshaken  bool
	shutdownErr error
}

func (x *xorEncryption) Role() EncryptionRole { return x.role }

func (x *xorEncryption) Handshake(in []byte, out []byte) (consumed, produced int, want bool, err error) {
	if x.handshaken {
		return len(in), 0, false, nil
	}
	x.handshaken = true
	return len(in), 0, false, nil
}

func (x *xorEncryption) Encrypt(in []byte, out []byte) (consumed, produced int, err error) {
	for i, b := range in {
		out[i] = b ^ x.key
	}
	return len(in), len(in), nil
}

func (x *xorEncryption) Decrypt(in []byte, out []byte) (consumed, produced int, err error) {
	return x.Encrypt(in, out)
}

func (x *xorEncryption) Shutdown() error { return x.shutdownErr }

func TestUpgrade_HandshakeWithNoPayloadCompletesImmediately(t *testing.T) {
	d := newTestDemux(t)
	a, _ := openSocketPair(t, d)

	var events []EventType
	a.RegisterSession(FuncSession(func(ev Event) { events = append(events, ev.Type) }))

	require.NoError(t, a.Upgrade(&xorEncryption{role: RoleClient, key: 0x5a}, UpgradeOptions{}))

	assert.Equal(t, StateEstablished, a.State())
	assert.Equal(t, []EventType{EventUpgradeInitiated, EventUpgradeComplete}, events)
}

func TestUpgrade_EstablishedTrafficRoundTripsThroughEncryption(t *testing.T) {
	d := newTestDemux(t)
	a, b := openSocketPair(t, d)

	key := byte(0x42)
	require.NoError(t, a.Upgrade(&xorEncryption{role: RoleClient, key: key}, UpgradeOptions{}))
	require.NoError(t, b.Upgrade(&xorEncryption{role: RoleServer, key: key}, UpgradeOptions{}))

	var gotErr error
	var gotN int
	require.NoError(t, a.Send(ntio.FromString("secret"), SendOptions{}, func(e error, n int) {
		gotErr, gotN = e, n
	}))
	assert.NoError(t, gotErr)
	assert.Equal(t, 6, gotN, "the callback reports the plaintext length, not the ciphertext length")

	var gotData []byte
	require.NoError(t, b.Receive(ReceiveOptions{}, func(e error, data []byte) { gotData = data }))
	if gotData == nil {
		pumpUntil(t, d, func() bool { return gotData != nil })
	}
	assert.Equal(t, "secret", string(gotData))
}

func TestUpgrade_RejectsWhenNotConnected(t *testing.T) {
	d := newTestDemux(t)
	a, _ := openSocketPair(t, d)
	a.mu.Lock()
	a.state = StateClosed
	a.mu.Unlock()

	err := a.Upgrade(&xorEncryption{}, UpgradeOptions{})
	assert.ErrorIs(t, err, ntio.New(ntio.CodeInvalid))
}

func TestDowngrade_RestoresPlaintextState(t *testing.T) {
	d := newTestDemux(t)
	a, _ := openSocketPair(t, d)
	require.NoError(t, a.Upgrade(&xorEncryption{role: RoleClient, key: 7}, UpgradeOptions{}))

	var events []EventType
	a.RegisterSession(FuncSession(func(ev Event) { events = append(events, ev.Type) }))

	require.NoError(t, a.Downgrade())
	assert.Equal(t, StateConnected, a.State())
	assert.Equal(t, []EventType{EventDowngradeInitiated, EventDowngradeComplete}, events)
}

func TestDowngrade_PropagatesEncryptionShutdownError(t *testing.T) {
	d := newTestDemux(t)
	a, _ := openSocketPair(t, d)
	boom := ntio.New(ntio.CodeOther)
	require.NoError(t, a.Upgrade(&xorEncryption{role: RoleClient, key: 1}, UpgradeOptions{}))

	a.mu.Lock()
	enc := a.encryption.(*xorEncryption)
	enc.shutdownErr = boom
	a.mu.Unlock()

	err := a.Downgrade()
	assert.Error(t, err)
	assert.Equal(t, StateConnected, a.State(), "downgrade still clears encryption state even on a reported shutdown error")
}
