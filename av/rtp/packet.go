package rtp

import (
	"encoding/binary"
	"fmt"

	"github.com/opd-ai/toxav/limits"
)

const (
	// Version is the only protocol version this codec accepts.
	Version = 2

	// HeaderMinSize is the length of a header without contributors.
	HeaderMinSize = 12

	// ExtHeaderMinSize is the length of an extension header without table words.
	ExtHeaderMinSize = 4

	// MaxContributors is the largest contributor count the 4-bit field holds.
	MaxContributors = 15

	// MaxPayloadType is the largest 7-bit payload type.
	MaxPayloadType = 127
)

// Bit layout of the packed header bytes.
const (
	versionShift   = 6
	versionMask    = 0xC0
	paddingBit     = 0x20
	extensionBit   = 0x10
	csrcCountMask  = 0x0F
	markerBit      = 0x80
	payloadTypeBit = 0x7F
)

// Header is the fixed RTP header followed by its contributor list.
//
// Wire format (network byte order):
//
//	[SEQUENCE(2)][FLAGS(1)][MARKER|PT(1)][TIMESTAMP(4)][SSRC(4)][CSRC(4*cc)]
//
// FLAGS packs version (bits 7-6), padding (bit 5), extension (bit 4) and the
// contributor count (bits 3-0). The packed bytes are only reachable through
// the accessor methods so the bit layout stays in one place.
type Header struct {
	SequenceNumber uint16
	Timestamp      uint32 // milliseconds, monotonic source
	SSRC           uint32
	CSRC           []uint32

	flags         byte
	markerPayload byte
}

// NewHeader returns a header carrying Version and the given payload type.
func NewHeader(sequenceNumber uint16, timestamp, ssrc uint32, payloadType uint8) *Header {
	h := &Header{
		SequenceNumber: sequenceNumber,
		Timestamp:      timestamp,
		SSRC:           ssrc,
	}
	h.SetVersion(Version)
	h.SetPayloadType(payloadType)
	return h
}

// Version returns the protocol version bits.
func (h *Header) Version() uint8 {
	return (h.flags & versionMask) >> versionShift
}

// SetVersion stores the low two bits of v as the protocol version.
func (h *Header) SetVersion(v uint8) {
	h.flags = (h.flags &^ versionMask) | ((v << versionShift) & versionMask)
}

// Padding reports whether the padding flag is set.
func (h *Header) Padding() bool {
	return h.flags&paddingBit != 0
}

// SetPadding sets or clears the padding flag.
func (h *Header) SetPadding(on bool) {
	h.flags = setBit(h.flags, paddingBit, on)
}

// Extension reports whether an extension header follows.
func (h *Header) Extension() bool {
	return h.flags&extensionBit != 0
}

// SetExtension sets or clears the extension flag.
func (h *Header) SetExtension(on bool) {
	h.flags = setBit(h.flags, extensionBit, on)
}

// ContributorCount returns the packed contributor count.
func (h *Header) ContributorCount() uint8 {
	return h.flags & csrcCountMask
}

// SetContributors replaces the contributor list and updates the packed count.
func (h *Header) SetContributors(csrc []uint32) error {
	if len(csrc) > MaxContributors {
		return fmt.Errorf("%w: %d", ErrTooManyContributors, len(csrc))
	}
	if len(csrc) == 0 {
		h.CSRC = nil
	} else {
		h.CSRC = append([]uint32(nil), csrc...)
	}
	h.flags = (h.flags &^ csrcCountMask) | byte(len(csrc))
	return nil
}

// Marker reports whether the marker bit is set.
func (h *Header) Marker() bool {
	return h.markerPayload&markerBit != 0
}

// SetMarker sets or clears the marker bit.
func (h *Header) SetMarker(on bool) {
	h.markerPayload = setBit(h.markerPayload, markerBit, on)
}

// PayloadType returns the 7-bit payload type.
func (h *Header) PayloadType() uint8 {
	return h.markerPayload & payloadTypeBit
}

// SetPayloadType stores the payload type, clamping values above MaxPayloadType.
func (h *Header) SetPayloadType(pt uint8) {
	if pt > MaxPayloadType {
		pt = MaxPayloadType
	}
	h.markerPayload = (h.markerPayload & markerBit) | pt
}

// Length returns the serialized header length, 12 + 4*cc.
func (h *Header) Length() int {
	return HeaderMinSize + 4*int(h.ContributorCount())
}

// MarshalTo writes the header into buf and returns the bytes written.
func (h *Header) MarshalTo(buf []byte) (int, error) {
	cc := int(h.ContributorCount())
	if cc != len(h.CSRC) {
		return 0, fmt.Errorf("%w: count %d, list %d", ErrContributorMismatch, cc, len(h.CSRC))
	}
	n := h.Length()
	if len(buf) < n {
		return 0, fmt.Errorf("buffer too small for header: %d < %d", len(buf), n)
	}

	binary.BigEndian.PutUint16(buf[0:2], h.SequenceNumber)
	buf[2] = h.flags
	buf[3] = h.markerPayload
	binary.BigEndian.PutUint32(buf[4:8], h.Timestamp)
	binary.BigEndian.PutUint32(buf[8:12], h.SSRC)
	for i, csrc := range h.CSRC {
		off := HeaderMinSize + 4*i
		binary.BigEndian.PutUint32(buf[off:off+4], csrc)
	}
	return n, nil
}

// Marshal serializes the header.
func (h *Header) Marshal() ([]byte, error) {
	buf := make([]byte, h.Length())
	if _, err := h.MarshalTo(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ParseHeader decodes a header from the start of data.
//
// The version is checked before anything else so a foreign datagram is
// rejected with ErrInvalidVersion regardless of its other fields.
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < 3 {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncatedHeader, len(data))
	}

	h := &Header{flags: data[2]}
	if h.Version() != Version {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidVersion, h.Version())
	}

	total := h.Length()
	if len(data) < total {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrTruncatedHeader, total, len(data))
	}

	h.SequenceNumber = binary.BigEndian.Uint16(data[0:2])
	h.markerPayload = data[3]
	h.Timestamp = binary.BigEndian.Uint32(data[4:8])
	h.SSRC = binary.BigEndian.Uint32(data[8:12])

	cc := int(h.ContributorCount())
	if cc > 0 {
		h.CSRC = make([]uint32, cc)
		for i := range h.CSRC {
			off := HeaderMinSize + 4*i
			h.CSRC[i] = binary.BigEndian.Uint32(data[off : off+4])
		}
	}
	return h, nil
}

// ExtHeader is the optional extension header.
//
// Wire format:
//
//	[LENGTH(2)][TYPE(2)][TABLE(4*LENGTH)]
type ExtHeader struct {
	Type  uint16
	Table []uint32
}

// Length returns the serialized extension length, 4 + 4*N.
func (e *ExtHeader) Length() int {
	return ExtHeaderMinSize + 4*len(e.Table)
}

// MarshalTo writes the extension header into buf and returns the bytes written.
func (e *ExtHeader) MarshalTo(buf []byte) (int, error) {
	if len(e.Table) > 0xFFFF {
		return 0, fmt.Errorf("%w: %d words", ErrExtensionTooLong, len(e.Table))
	}
	n := e.Length()
	if len(buf) < n {
		return 0, fmt.Errorf("buffer too small for extension: %d < %d", len(buf), n)
	}

	binary.BigEndian.PutUint16(buf[0:2], uint16(len(e.Table)))
	binary.BigEndian.PutUint16(buf[2:4], e.Type)
	for i, word := range e.Table {
		off := ExtHeaderMinSize + 4*i
		binary.BigEndian.PutUint32(buf[off:off+4], word)
	}
	return n, nil
}

// Marshal serializes the extension header.
func (e *ExtHeader) Marshal() ([]byte, error) {
	buf := make([]byte, e.Length())
	if _, err := e.MarshalTo(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ParseExtHeader decodes an extension header from the start of data.
func ParseExtHeader(data []byte) (*ExtHeader, error) {
	if len(data) < ExtHeaderMinSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncatedExtension, len(data))
	}

	words := int(binary.BigEndian.Uint16(data[0:2]))
	if len(data)-ExtHeaderMinSize < 4*words {
		return nil, fmt.Errorf("%w: %d words claimed, %d bytes available",
			ErrTruncatedExtension, words, len(data)-ExtHeaderMinSize)
	}

	e := &ExtHeader{Type: binary.BigEndian.Uint16(data[2:4])}
	if words > 0 {
		e.Table = make([]uint32, words)
		for i := range e.Table {
			off := ExtHeaderMinSize + 4*i
			e.Table[i] = binary.BigEndian.Uint32(data[off : off+4])
		}
	}
	return e, nil
}

// Message is one parsed media datagram: header, optional extension and the
// frame fragment it carries.
type Message struct {
	Header    *Header
	Extension *ExtHeader
	Payload   []byte
}

// Length returns the serialized message length.
func (m *Message) Length() int {
	n := m.Header.Length() + len(m.Payload)
	if m.Extension != nil {
		n += m.Extension.Length()
	}
	return n
}

// Marshal serializes the message. It is the exact inverse of ParseMessage.
func (m *Message) Marshal() ([]byte, error) {
	buf := make([]byte, m.Length())
	if _, err := m.MarshalTo(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// MarshalTo writes the message into buf and returns the bytes written.
func (m *Message) MarshalTo(buf []byte) (int, error) {
	if m.Header == nil {
		return 0, fmt.Errorf("message header is nil")
	}
	if m.Header.Extension() != (m.Extension != nil) {
		return 0, ErrMissingExtension
	}
	if len(m.Payload) > limits.MaxRTPPayload {
		return 0, fmt.Errorf("%w: %d bytes", ErrOversizedPayload, len(m.Payload))
	}
	if len(buf) < m.Length() {
		return 0, fmt.Errorf("buffer too small for message: %d < %d", len(buf), m.Length())
	}

	n, err := m.Header.MarshalTo(buf)
	if err != nil {
		return 0, err
	}
	if m.Extension != nil {
		en, err := m.Extension.MarshalTo(buf[n:])
		if err != nil {
			return 0, err
		}
		n += en
	}
	n += copy(buf[n:], m.Payload)
	return n, nil
}

// ParseMessage assembles a message from a raw datagram with its packet id
// prefix already stripped. The payload is copied out of data.
func ParseMessage(data []byte) (*Message, error) {
	header, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}

	msg := &Message{Header: header}
	pos := header.Length()

	if header.Extension() {
		ext, err := ParseExtHeader(data[pos:])
		if err != nil {
			return nil, err
		}
		msg.Extension = ext
		pos += ext.Length()
	}

	remaining := len(data) - pos
	if remaining > limits.MaxRTPPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrOversizedPayload, remaining)
	}
	msg.Payload = make([]byte, remaining)
	copy(msg.Payload, data[pos:])
	return msg, nil
}

func setBit(b, bit byte, on bool) byte {
	if on {
		return b | bit
	}
	return b &^ bit
}
