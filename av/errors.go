package av

import "errors"

// Sentinel errors for av package operations.
// These errors enable reliable error classification using errors.Is().

// Call control errors.
var (
	// ErrAlreadyInProgress indicates a call with this peer already exists.
	ErrAlreadyInProgress = errors.New("call already in progress with this peer")

	// ErrNoCall indicates no call exists with this peer.
	ErrNoCall = errors.New("no call with this peer")

	// ErrInvalidState indicates the call state does not permit the operation.
	ErrInvalidState = errors.New("invalid call state for operation")

	// ErrInvalidCapabilities indicates a capability set that is empty after
	// intersection with what the side is able to do.
	ErrInvalidCapabilities = errors.New("invalid capabilities")

	// ErrSendFailed indicates the transport rejected a signaling message.
	ErrSendFailed = errors.New("signaling send failed")

	// ErrManagerClosed indicates the manager has been shut down.
	ErrManagerClosed = errors.New("call manager closed")
)

// Inbound signaling errors.
var (
	// ErrInvalidMessage indicates a malformed signaling message.
	ErrInvalidMessage = errors.New("invalid signaling message")

	// ErrStrayMessage indicates a signaling message the call state does not accept.
	ErrStrayMessage = errors.New("stray signaling message")
)

// Media errors.
var (
	// ErrPayloadTypeDisabled indicates the media kind was not negotiated for sending.
	ErrPayloadTypeDisabled = errors.New("payload type disabled for this call")

	// ErrNoMediaSession indicates the call has no media session of this kind.
	ErrNoMediaSession = errors.New("no media session for this call")
)

// ErrorCode is the error value carried by error signaling messages and kept
// as a call's last error.
type ErrorCode uint8

const (
	// ErrorNone indicates no error.
	ErrorNone ErrorCode = iota
	// ErrorInvalidMessage indicates a malformed message was received.
	ErrorInvalidMessage
	// ErrorInvalidParam indicates a message carried an unusable parameter.
	ErrorInvalidParam
	// ErrorInvalidState indicates a message did not fit the call state.
	ErrorInvalidState
	// ErrorStrayMessage indicates a message for a call that does not exist.
	ErrorStrayMessage
	// ErrorSystem indicates a local resource failure.
	ErrorSystem
	// ErrorHandle indicates an application callback failed.
	ErrorHandle
	// ErrorUndisclosed indicates the peer did not give a reason.
	ErrorUndisclosed
)

// Valid reports whether the code is a defined value.
func (e ErrorCode) Valid() bool {
	return e <= ErrorUndisclosed
}

// String returns the code name.
func (e ErrorCode) String() string {
	switch e {
	case ErrorNone:
		return "none"
	case ErrorInvalidMessage:
		return "invalid_message"
	case ErrorInvalidParam:
		return "invalid_param"
	case ErrorInvalidState:
		return "invalid_state"
	case ErrorStrayMessage:
		return "stray_message"
	case ErrorSystem:
		return "system"
	case ErrorHandle:
		return "handle"
	case ErrorUndisclosed:
		return "undisclosed"
	default:
		return "unknown"
	}
}
