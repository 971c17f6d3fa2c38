// Package stream implements the stream-socket half of the core: the
// Stream Socket Engine (write/read queues, shutdown sequencing,
// upgrade/downgrade, cancellation), sessions/managers, the listener and
// the close guard, built atop package reactor.
package stream

import "time"

// Token is a caller-provided identifier for a pending operation, usable
// with Socket.Cancel.
type Token uint64

// NoToken is the zero Token, meaning "no cancellation token supplied".
const NoToken Token = 0

// BindOptions configures Socket.Bind.
type BindOptions struct {
	Deadline time.Time
	Token    Token
}

// ConnectOptions configures Socket.Connect.
type ConnectOptions struct {
	Deadline     time.Time
	Token        Token
	RetryCount   int
	RetryPeriod  time.Duration
	ServiceName  string
}

// SendOptions configures Socket.Send.
type SendOptions struct {
	Deadline time.Time
	Token    Token
}

// ReceiveOptions configures Socket.Receive.
type ReceiveOptions struct {
	Deadline time.Time
	Token    Token
	MinSize  int
	MaxSize  int
}

// UpgradeOptions configures Socket.Upgrade.
type UpgradeOptions struct {
	Deadline time.Time
	Token    Token
	// Server is not consulted by Upgrade: the engine neither infers nor
	// checks a handshake role, and the Encryption collaborator drives its
	// own side of the handshake.
	Server *bool
}

// ShutdownDirection selects which half of the connection to shut down.
type ShutdownDirection int

const (
	ShutdownSend ShutdownDirection = iota
	ShutdownReceive
	ShutdownBoth
)

// ShutdownMode selects whether queued sends drain before shutdown.
type ShutdownMode int

const (
	// ShutdownGraceful lets queued send entries drain before the OS
	// shutdown(2) call is issued.
	ShutdownGraceful ShutdownMode = iota
	// ShutdownImmediate discards the write queue and shuts down now.
	ShutdownImmediate
)

// Watermarks names a (low, high) queue-size threshold pair.
type Watermarks struct {
	Low  int
	High int
}

// DefaultWriteWatermarks matches common production defaults: a
// generous 1 MiB high watermark with a 4 KiB low watermark.
func DefaultWriteWatermarks() Watermarks { return Watermarks{Low: 4096, High: 1 << 20} }

// DefaultReadWatermarks mirrors DefaultWriteWatermarks for the read
// queue.
func DefaultReadWatermarks() Watermarks { return Watermarks{Low: 4096, High: 1 << 20} }
