package peer

import "errors"

// Sentinel error kinds, per spec.md §7. Each is local to the session that
// raised it; none bubble to the scheduler except through Score updates.
var (
	// ErrProtocolViolation marks a bad handshake, a bitfield of the wrong
	// length or one sent after another message, a malformed message
	// payload, or an unknown message id. The session transitions to Dead.
	// A Have for an out-of-range piece index is ignored, not a violation.
	ErrProtocolViolation = errors.New("peer: protocol violation")

	// ErrTimeout marks a read/write deadline exceeded on an otherwise
	// healthy connection.
	ErrTimeout = errors.New("peer: timeout")
)
