// Package relay implements the app-facing UDP and TCP relays: C3 and C4.
package relay

import "errors"

// Sentinel errors named by effect, per the error-kinds table: every
// per-packet error is recovered locally, every per-session error collapses
// the session, and only initialization failures are fatal to a caller.
var (
	// ErrMalformed marks a packet too short or structurally invalid to process.
	ErrMalformed = errors.New("relay: malformed packet")
	// ErrFull marks a session table at capacity.
	ErrFull = errors.New("relay: session table full")
	// ErrRefused marks a socket-creation or protector failure.
	ErrRefused = errors.New("relay: upstream socket refused")
	// ErrNotOurs marks a handle that does not belong to this relay, used by
	// the tunnel loop to fall through from TCP to UDP handling.
	ErrNotOurs = errors.New("relay: handle not owned by this relay")
)
