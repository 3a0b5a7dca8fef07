package av

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/toxav/transport"
)

// MessageKind is the kind of a signaling message.
type MessageKind uint8

const (
	// KindInvite requests a call.
	KindInvite MessageKind = iota + 1
	// KindStart answers an invite; it starts media on both sides.
	KindStart
	// KindEnd hangs up or rejects a call.
	KindEnd
	// KindError terminates a call because of a protocol error.
	KindError
	// KindCapabilities renegotiates the capabilities of an active call.
	KindCapabilities
)

// String returns the kind name.
func (k MessageKind) String() string {
	switch k {
	case KindInvite:
		return "invite"
	case KindStart:
		return "start"
	case KindEnd:
		return "end"
	case KindError:
		return "error"
	case KindCapabilities:
		return "capabilities"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func (k MessageKind) valid() bool {
	return k >= KindInvite && k <= KindCapabilities
}

// SignalingMessageSize is the length of a signaling message, packet id included.
const SignalingMessageSize = 6

// SignalingMessage is one call control message.
//
// Wire format (sent on the lossless path):
//
//	[PACKET_ID(1)=69][KIND(1)][CAPABILITIES(1)][VIDEO_PIECE_SIZE(2)][ERROR(1)]
//
// Total size: 6 bytes
type SignalingMessage struct {
	Kind           MessageKind
	Capabilities   Capabilities
	VideoPieceSize uint16
	Error          ErrorCode
}

// Marshal serializes the message with its packet id.
func (m *SignalingMessage) Marshal() ([]byte, error) {
	if m == nil {
		return nil, errors.New("signaling message is nil")
	}
	if !m.Kind.valid() {
		return nil, fmt.Errorf("%w: unknown kind %d", ErrInvalidMessage, m.Kind)
	}

	data := make([]byte, SignalingMessageSize)
	data[0] = transport.PacketIDMSI
	data[1] = byte(m.Kind)
	data[2] = byte(m.Capabilities)
	binary.BigEndian.PutUint16(data[3:5], m.VideoPieceSize)
	data[5] = byte(m.Error)
	return data, nil
}

// ParseSignalingMessage decodes a signaling datagram, packet id included.
// Unknown kinds, capability bits or error codes are rejected.
func ParseSignalingMessage(data []byte) (*SignalingMessage, error) {
	if len(data) != SignalingMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidMessage, len(data))
	}
	if data[0] != transport.PacketIDMSI {
		return nil, fmt.Errorf("%w: packet id %d", ErrInvalidMessage, data[0])
	}

	m := &SignalingMessage{
		Kind:           MessageKind(data[1]),
		Capabilities:   Capabilities(data[2]),
		VideoPieceSize: binary.BigEndian.Uint16(data[3:5]),
		Error:          ErrorCode(data[5]),
	}

	switch {
	case !m.Kind.valid():
		return nil, fmt.Errorf("%w: unknown kind %d", ErrInvalidMessage, data[1])
	case !m.Capabilities.Valid():
		return nil, fmt.Errorf("%w: unknown capability bits 0x%02x", ErrInvalidMessage, data[2])
	case !m.Error.Valid():
		return nil, fmt.Errorf("%w: unknown error code %d", ErrInvalidMessage, data[5])
	}
	return m, nil
}

// send serializes msg and hands it to the lossless path.
func (m *Manager) send(peer uint32, msg *SignalingMessage) error {
	data, err := msg.Marshal()
	if err != nil {
		return err
	}

	if err := m.transport.SendLossless(peer, data); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Manager.send",
			"peer":     peer,
			"kind":     msg.Kind.String(),
			"error":    err.Error(),
		}).Error("Failed to send signaling message")
		return fmt.Errorf("%w: %s: %w", ErrSendFailed, msg.Kind, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":     "Manager.send",
		"peer":         peer,
		"kind":         msg.Kind.String(),
		"capabilities": msg.Capabilities.String(),
	}).Debug("Signaling message sent")
	return nil
}

// sendError notifies the peer of a protocol error. Failures are logged only.
func (m *Manager) sendError(peer uint32, code ErrorCode) {
	_ = m.send(peer, &SignalingMessage{Kind: KindError, Error: code})
}
