package transport

import "errors"

// Packet ids used by the call subsystem. Media and loss reports use the
// custom lossy range, signaling uses the messenger's MSI packet id.
const (
	// PacketIDMSI carries call signaling on the lossless path.
	PacketIDMSI byte = 69

	// LossyRangeStart is the first packet id of the custom lossy range.
	LossyRangeStart byte = 192

	// LossyRangeEnd is the last packet id of the custom lossy range.
	LossyRangeEnd byte = 254
)

var (
	// ErrEmptyPacket indicates a datagram without a packet id byte.
	ErrEmptyPacket = errors.New("packet too short")

	// ErrPeerUnreachable indicates the destination peer is unknown or offline.
	ErrPeerUnreachable = errors.New("peer unreachable")

	// ErrPacketTooLarge indicates a datagram exceeds the transport limit.
	ErrPacketTooLarge = errors.New("packet too large")

	// ErrHandlerExists indicates a per-peer handler is already registered.
	ErrHandlerExists = errors.New("handler already registered")

	// ErrTransportClosed indicates the transport has been shut down.
	ErrTransportClosed = errors.New("transport closed")
)

// PacketID returns the packet id (type tag) of a datagram.
func PacketID(data []byte) (byte, error) {
	if len(data) < 1 {
		return 0, ErrEmptyPacket
	}
	return data[0], nil
}

// IsLossyID reports whether a packet id belongs to the custom lossy range.
func IsLossyID(id byte) bool {
	return id >= LossyRangeStart && id <= LossyRangeEnd
}
