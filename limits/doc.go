// Package limits provides centralized datagram size constants and validation
// functions for the toxav call subsystem.
//
// # Size Hierarchy
//
//   - MaxLossyPacket (1373 bytes): the largest custom lossy datagram the peer
//     transport will carry, including the one-byte packet-type prefix. Media
//     (RTP) and loss reports (RTCP) travel as lossy packets.
//
//   - MaxLosslessPacket (1373 bytes): the same bound for reliable datagrams,
//     used by call signaling.
//
//   - MaxRTPPayload (1373 bytes): the cap applied to the media payload of a
//     parsed RTP message. Anything larger could not have been produced by a
//     conforming sender.
//
// # Validation Functions
//
// Each validation function checks for empty datagrams and size violations:
//
//	if err := limits.ValidateLossyPacket(data); err != nil {
//	    return err
//	}
//
// Errors wrap ErrMessageEmpty or ErrMessageTooLarge and can be classified
// with errors.Is.
package limits
