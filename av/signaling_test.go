package av

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/toxav/transport"
)

func TestSignalingMessageRoundTrip(t *testing.T) {
	tests := []SignalingMessage{
		{Kind: KindInvite, Capabilities: CapAll, VideoPieceSize: DefaultVideoPieceSize},
		{Kind: KindStart, Capabilities: CapSendAudio | CapReceiveAudio, VideoPieceSize: 1},
		{Kind: KindEnd},
		{Kind: KindError, Error: ErrorHandle},
		{Kind: KindCapabilities, Capabilities: CapReceiveVideo, VideoPieceSize: 0xFFFF},
	}

	for _, msg := range tests {
		t.Run(msg.Kind.String(), func(t *testing.T) {
			data, err := msg.Marshal()
			require.NoError(t, err)
			require.Len(t, data, SignalingMessageSize)
			assert.Equal(t, transport.PacketIDMSI, data[0])

			parsed, err := ParseSignalingMessage(data)
			require.NoError(t, err)
			assert.Equal(t, msg, *parsed)
		})
	}
}

func TestSignalingWireLayout(t *testing.T) {
	msg := SignalingMessage{Kind: KindStart, Capabilities: CapSendAudio | CapReceiveVideo, VideoPieceSize: 0x01F4, Error: ErrorNone}
	data, err := msg.Marshal()
	require.NoError(t, err)
	assert.Equal(t, []byte{69, 2, 0x09, 0x01, 0xF4, 0}, data)
}

func TestParseSignalingMessageErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short", []byte{69, 1, 15, 0, 0}},
		{"long", []byte{69, 1, 15, 0, 0, 0, 0}},
		{"wrong packet id", []byte{70, 1, 15, 0, 0, 0}},
		{"kind zero", []byte{69, 0, 15, 0, 0, 0}},
		{"unknown kind", []byte{69, 6, 15, 0, 0, 0}},
		{"unknown capability bit", []byte{69, 1, 0x1F, 0, 0, 0}},
		{"unknown error code", []byte{69, 4, 0, 0, 0, 8}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseSignalingMessage(tt.data)
			assert.ErrorIs(t, err, ErrInvalidMessage)
			assert.Nil(t, msg)
		})
	}
}

func TestSignalingMarshalErrors(t *testing.T) {
	var nilMsg *SignalingMessage
	_, err := nilMsg.Marshal()
	assert.Error(t, err)

	_, err = (&SignalingMessage{Kind: 0}).Marshal()
	assert.ErrorIs(t, err, ErrInvalidMessage)
}
