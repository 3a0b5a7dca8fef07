package av

import (
	"strings"
)

// CallState represents the signaling state of a call.
type CallState uint8

const (
	// CallStateInactive is the state of a call that does not exist or has
	// been terminated.
	CallStateInactive CallState = iota
	// CallStateActive indicates media is flowing.
	CallStateActive
	// CallStateRequesting indicates a local invite awaits the peer's answer.
	CallStateRequesting
	// CallStateRequested indicates a peer invite awaits the local answer.
	CallStateRequested
)

// String returns the state name.
func (s CallState) String() string {
	switch s {
	case CallStateInactive:
		return "inactive"
	case CallStateActive:
		return "active"
	case CallStateRequesting:
		return "requesting"
	case CallStateRequested:
		return "requested"
	default:
		return "unknown"
	}
}

// Capabilities is the bitset of media directions a side is willing to use.
// The values are part of the signaling wire format.
type Capabilities uint8

const (
	// CapSendAudio indicates audio is sent.
	CapSendAudio Capabilities = 1 << iota
	// CapSendVideo indicates video is sent.
	CapSendVideo
	// CapReceiveAudio indicates audio is received.
	CapReceiveAudio
	// CapReceiveVideo indicates video is received.
	CapReceiveVideo

	// CapNone is the empty set.
	CapNone Capabilities = 0
	// CapAll is every defined capability.
	CapAll = CapSendAudio | CapSendVideo | CapReceiveAudio | CapReceiveVideo
)

// Has reports whether every bit of other is set.
func (c Capabilities) Has(other Capabilities) bool {
	return c&other == other
}

// Valid reports whether only defined bits are set.
func (c Capabilities) Valid() bool {
	return c&^CapAll == 0
}

// Audio reports whether audio flows in either direction.
func (c Capabilities) Audio() bool {
	return c&(CapSendAudio|CapReceiveAudio) != 0
}

// Video reports whether video flows in either direction.
func (c Capabilities) Video() bool {
	return c&(CapSendVideo|CapReceiveVideo) != 0
}

// String returns the set bits joined by '|'.
func (c Capabilities) String() string {
	if c == CapNone {
		return "none"
	}
	var parts []string
	names := []struct {
		bit  Capabilities
		name string
	}{
		{CapSendAudio, "send_audio"},
		{CapSendVideo, "send_video"},
		{CapReceiveAudio, "receive_audio"},
		{CapReceiveVideo, "receive_video"},
	}
	for _, n := range names {
		if c.Has(n.bit) {
			parts = append(parts, n.name)
		}
	}
	if !c.Valid() {
		parts = append(parts, "unknown")
	}
	return strings.Join(parts, "|")
}

// CallInfo is a snapshot of a call handed to callbacks and accessors.
// It stays valid after the call is destroyed.
type CallInfo struct {
	Peer               uint32
	State              CallState
	SelfCapabilities   Capabilities
	PeerCapabilities   Capabilities
	PeerVideoPieceSize uint16
	LastError          ErrorCode
	MediaHandle        interface{}
}
