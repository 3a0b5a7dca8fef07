// Package limits provides centralized datagram size limits for toxav.
// This ensures consistent validation across transports and the RTP codec.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxPlaintextMessage is the Tox protocol limit for plaintext messages (1372 bytes)
	MaxPlaintextMessage = 1372

	// MaxLossyPacket is the maximum size of a custom lossy packet, including
	// the packet-type prefix byte.
	MaxLossyPacket = MaxPlaintextMessage + 1

	// MaxLosslessPacket is the maximum size of a custom lossless packet,
	// including the packet-type prefix byte.
	MaxLosslessPacket = MaxPlaintextMessage + 1

	// MaxRTPPayload caps the media payload accepted when parsing an RTP message.
	MaxRTPPayload = MaxLossyPacket
)

var (
	// ErrMessageEmpty indicates an empty datagram was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates a datagram exceeds the maximum size
	ErrMessageTooLarge = errors.New("message too large")
)

// ValidateMessageSize validates a datagram against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidateLossyPacket validates a lossy datagram against MaxLossyPacket.
func ValidateLossyPacket(data []byte) error {
	if len(data) == 0 {
		return ErrMessageEmpty
	}
	if len(data) > MaxLossyPacket {
		return fmt.Errorf("%w: lossy packet size %d exceeds limit %d", ErrMessageTooLarge, len(data), MaxLossyPacket)
	}
	return nil
}

// ValidateLosslessPacket validates a lossless datagram against MaxLosslessPacket.
func ValidateLosslessPacket(data []byte) error {
	if len(data) == 0 {
		return ErrMessageEmpty
	}
	if len(data) > MaxLosslessPacket {
		return fmt.Errorf("%w: lossless packet size %d exceeds limit %d", ErrMessageTooLarge, len(data), MaxLosslessPacket)
	}
	return nil
}
