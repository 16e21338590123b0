package packet

import "errors"

// Sentinel errors returned by Encode/Decode. Per §7, Auth failures are
// meant to be silently dropped by callers (never logged at more than
// Debug) while the rest indicate a ProtocolViolation.
var (
	// ErrAuth is returned when a received datagram's MAC tag does not
	// verify against the connection's key.
	ErrAuth = errors.New("packet: authentication failed")
	// ErrTooShort is returned when a datagram is smaller than the
	// authenticator plus a type byte.
	ErrTooShort = errors.New("packet: datagram shorter than minimum frame size")
	// ErrTooLong is returned when an encoded message would exceed
	// MaxMessageSize.
	ErrTooLong = errors.New("packet: message exceeds MaxMessageSize")
	// ErrUnexpectedKind is returned when a message's type is not one of
	// the eight recognized kinds. Encode and Decode do not check which
	// kinds a given connection may carry.
	ErrUnexpectedKind = errors.New("packet: unexpected or unrecognized message type")
	// ErrBadSize is returned when a message's body does not match the
	// fixed size its type requires (e.g. a SYN without exactly 8 bytes).
	ErrBadSize = errors.New("packet: body size does not match message type")
)
