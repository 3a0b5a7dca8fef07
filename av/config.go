package av

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/opd-ai/toxav/av/rtp"
)

// DefaultVideoPieceSize is the video fragment size announced in invites and
// answers.
const DefaultVideoPieceSize = 500

// DefaultMaxProtocolViolations is the number of rejected messages after which
// a call is terminated.
const DefaultMaxProtocolViolations = 3

// Config configures a Manager.
type Config struct {
	// Capabilities is what this side is technically able to do. Local
	// proposals are intersected with it.
	Capabilities Capabilities

	// VideoPieceSize is announced to the peer as the largest video fragment
	// this side accepts.
	VideoPieceSize uint16

	// MaxProtocolViolations terminates a call once this many of its inbound
	// messages have been rejected. Zero disables escalation.
	MaxProtocolViolations int

	// Registerer receives the call and stream metrics. Nil disables metrics.
	Registerer prometheus.Registerer

	// TimeProvider drives media timestamps and loss report timing.
	TimeProvider rtp.TimeProvider

	// OnMessage receives every inbound media message of every call.
	OnMessage rtp.MessageHandler

	// OnLoss receives the loss verdicts of every media session.
	OnLoss rtp.LossHandler
}

// DefaultConfig returns a configuration able to send and receive both media
// kinds.
func DefaultConfig() Config {
	return Config{
		Capabilities:          CapAll,
		VideoPieceSize:        DefaultVideoPieceSize,
		MaxProtocolViolations: DefaultMaxProtocolViolations,
		TimeProvider:          rtp.DefaultTimeProvider{},
	}
}
