// Package rtp implements the media transport of a call: the RTP-style wire
// codec, per-stream sessions that frame and sequence media, and the RTCP-style
// loss reporting side channel.
//
// # Wire Format
//
// Every media datagram starts with a one byte packet id (192 for audio, 193
// for video) followed by a Message:
//
//	[SEQUENCE(2)][FLAGS(1)][MARKER|PT(1)][TIMESTAMP(4)][SSRC(4)][CSRC(4*cc)]
//	[EXT_TYPE(2)][EXT_LEN(2)][EXT_TABLE(4*len)]   (only if the extension bit is set)
//	[PAYLOAD(...)]
//
// All multi-byte fields are big-endian. ParseMessage and Message.Marshal are
// exact inverses for well-formed input; malformed input never panics.
//
// # Sessions
//
// A Session owns one stream towards one peer:
//
//	session, err := rtp.NewSession(rtp.SessionConfig{
//	    Peer:        friendNumber,
//	    PayloadType: rtp.PayloadTypeAudio,
//	    Transport:   tr,
//	    OnMessage:   deliver,
//	})
//	if err != nil {
//	    return err
//	}
//	if err := session.StartReceiving(); err != nil {
//	    return err
//	}
//	err = session.Send(frame)
//
// Inbound messages are delivered whether or not they arrived in order; the
// inOrder flag only tells whether the sequence number and timestamp advanced.
//
// # Loss Reports
//
// Each session periodically reports its receive loss to the peer as a 9 byte
// datagram on packet id 222+pt%192 and evaluates the peer's reports in windows
// of four. A window whose loss percentages sum above 40 is flagged as
// degraded. Call Session.Tick from the application loop to drive both.
package rtp
