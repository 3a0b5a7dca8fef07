package av

import (
	"fmt"

	"github.com/opd-ai/toxav/av/rtp"
	"github.com/opd-ai/toxav/limits"
)

// maxVideoPiece is the largest video fragment that fits a lossy datagram
// next to the packet id and a header carrying one contributor.
const maxVideoPiece = limits.MaxLossyPacket - 1 - rtp.HeaderMinSize - 4

// syncMedia opens or closes the media sessions of a call so that one exists
// per media kind present in either side's capabilities.
func (m *Manager) syncMedia(c *call) error {
	both := c.selfCapabilities | c.peerCapabilities

	var err error
	if c.audio, err = m.syncSession(c.peer, c.audio, rtp.PayloadTypeAudio, both.Audio()); err != nil {
		return err
	}
	if c.video, err = m.syncSession(c.peer, c.video, rtp.PayloadTypeVideo, both.Video()); err != nil {
		return err
	}
	return nil
}

func (m *Manager) syncSession(peer uint32, s *rtp.Session, payloadType byte, want bool) (*rtp.Session, error) {
	switch {
	case want && s == nil:
		return m.openSession(peer, payloadType)
	case !want && s != nil:
		_ = s.Close()
		return nil, nil
	default:
		return s, nil
	}
}

func (m *Manager) openSession(peer uint32, payloadType byte) (*rtp.Session, error) {
	s, err := rtp.NewSession(rtp.SessionConfig{
		Peer:         peer,
		PayloadType:  payloadType,
		Transport:    m.transport,
		OnMessage:    m.config.OnMessage,
		OnLoss:       m.config.OnLoss,
		TimeProvider: m.config.TimeProvider,
		Metrics:      m.rtpMetrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create media session: %w", err)
	}
	if err := s.StartReceiving(); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to start media session: %w", err)
	}
	return s, nil
}

func (m *Manager) closeMedia(c *call) {
	if c.audio != nil {
		_ = c.audio.Close()
		c.audio = nil
	}
	if c.video != nil {
		_ = c.video.Close()
		c.video = nil
	}
}

// mediaSession returns the session for sending one media kind on an active
// call.
func (m *Manager) mediaSession(peer uint32, send Capabilities, pick func(*call) *rtp.Session) (*rtp.Session, uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, 0, ErrManagerClosed
	}
	c, ok := m.calls[peer]
	if !ok {
		return nil, 0, fmt.Errorf("%w: peer %d", ErrNoCall, peer)
	}
	if c.state() != CallStateActive {
		return nil, 0, fmt.Errorf("%w: send in state %s", ErrInvalidState, c.state())
	}
	if !c.selfCapabilities.Has(send) {
		return nil, 0, fmt.Errorf("%w: %s not negotiated", ErrPayloadTypeDisabled, send)
	}
	s := pick(c)
	if s == nil {
		return nil, 0, ErrNoMediaSession
	}
	return s, c.peerVideoPieceSize, nil
}

// SendAudio sends one encoded audio frame to peer.
func (m *Manager) SendAudio(peer uint32, frame []byte) error {
	s, _, err := m.mediaSession(peer, CapSendAudio, func(c *call) *rtp.Session { return c.audio })
	if err != nil {
		return err
	}
	return s.SendMarked(frame, true)
}

// SendVideo sends one encoded video frame to peer, split into pieces no
// larger than the peer's announced piece size. The marker bit is set on the
// last piece.
func (m *Manager) SendVideo(peer uint32, frame []byte) error {
	s, pieceSize, err := m.mediaSession(peer, CapSendVideo, func(c *call) *rtp.Session { return c.video })
	if err != nil {
		return err
	}

	piece := int(pieceSize)
	if piece == 0 || piece > maxVideoPiece {
		piece = maxVideoPiece
	}

	for offset := 0; ; offset += piece {
		end := min(offset+piece, len(frame))
		last := end == len(frame)
		if err := s.SendMarked(frame[offset:end], last); err != nil {
			return fmt.Errorf("video piece at offset %d: %w", offset, err)
		}
		if last {
			return nil
		}
	}
}

// Iterate drives the loss reporting of every media session. Call it from
// the application loop, at least every rtp.ReportInterval.
func (m *Manager) Iterate() {
	m.mu.Lock()
	sessions := make([]*rtp.Session, 0, 2*len(m.calls))
	for _, c := range m.calls {
		if c.audio != nil {
			sessions = append(sessions, c.audio)
		}
		if c.video != nil {
			sessions = append(sessions, c.video)
		}
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Tick()
	}
}
