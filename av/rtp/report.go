package rtp

import (
	"encoding/binary"
	"fmt"
)

// ReportSize is the fixed length of a loss report datagram.
const ReportSize = 9

// ReportPacket is the loss report exchanged on the RTCP side channel.
//
// Wire format:
//
//	[PREFIX(1)][PACKETS_MISSING(4)][EXPECTED_PACKETS(4)]
//
// Total size: 9 bytes
type ReportPacket struct {
	Prefix          byte
	PacketsMissing  uint32
	ExpectedPackets uint32
}

// Marshal serializes the report.
func (rp *ReportPacket) Marshal() []byte {
	data := make([]byte, ReportSize)
	data[0] = rp.Prefix
	binary.BigEndian.PutUint32(data[1:5], rp.PacketsMissing)
	binary.BigEndian.PutUint32(data[5:9], rp.ExpectedPackets)
	return data
}

// ParseReportPacket decodes a loss report datagram, prefix included.
func ParseReportPacket(data []byte) (*ReportPacket, error) {
	if len(data) < ReportSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncatedReport, len(data))
	}
	return &ReportPacket{
		Prefix:          data[0],
		PacketsMissing:  binary.BigEndian.Uint32(data[1:5]),
		ExpectedPackets: binary.BigEndian.Uint32(data[5:9]),
	}, nil
}
