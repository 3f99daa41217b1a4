package relay

import "time"

// TCPMaxSessions is the fixed upper bound on concurrent TCP sessions.
const TCPMaxSessions = 2048

// UDPMaxSessions is the fixed upper bound on concurrent UDP sessions.
const UDPMaxSessions = 4096

// TCPIdleTimeout is how long a TCP session may sit inactive before sweep_idle closes it.
const TCPIdleTimeout = 300 * time.Second

// UDPIdleTimeout is how long a UDP session may sit inactive before sweep_idle closes it.
const UDPIdleTimeout = 120 * time.Second

// TCPWindow is the fixed window advertised to the app; the relay never
// implements real flow control.
const TCPWindow = 32768

// MaxPacketSize bounds a single read from a socket or the tunnel handle.
const MaxPacketSize = 65536

// TCPConfig configures the TCP relay's first-segment split behavior.
type TCPConfig struct {
	// SplitPos is the byte offset the first TLS ClientHello segment is cut
	// at. 0 disables splitting.
	SplitPos int
	// UseDisorder reverses the emission order of the two split fragments.
	UseDisorder bool
	// TunAddr is the synthetic source address stamped on packets emitted
	// toward the app.
	TunAddr uint32
}

// UDPConfig configures the UDP relay's QUIC decoy ritual.
type UDPConfig struct {
	// FakePayload is sent fake_repeats times at low TTL ahead of a detected
	// QUIC Initial. Nil/empty disables the ritual entirely.
	FakePayload []byte
	// FakeTTL is the hop-limit used for decoy sends, 1..255.
	FakeTTL int
	// FakeRepeats is the number of decoy sends per detected QUIC Initial, 1..100.
	FakeRepeats int
	// TunAddr is the synthetic source address stamped on response packets.
	TunAddr uint32
}
