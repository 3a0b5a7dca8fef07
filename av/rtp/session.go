package rtp

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/opd-ai/toxav/transport"
)

// Packet ids of the two media streams of a call.
const (
	PayloadTypeAudio byte = 192
	PayloadTypeVideo byte = 193
)

// minDatagramSize is the packet id byte plus a header without contributors.
const minDatagramSize = 1 + HeaderMinSize

// MessageHandler consumes every parsed inbound message. inOrder reports
// whether the message advanced the stream's high-water marks; late messages
// are still delivered.
type MessageHandler func(peer uint32, payloadType byte, msg *Message, inOrder bool)

// LossHandler receives the verdict of each evaluated report window.
type LossHandler func(peer uint32, payloadType byte, verdict Verdict)

// SessionConfig configures a media transport session.
type SessionConfig struct {
	Peer         uint32
	PayloadType  byte // packet id of the stream, e.g. PayloadTypeAudio
	Transport    transport.PeerTransport
	OnMessage    MessageHandler
	OnLoss       LossHandler
	TimeProvider TimeProvider
	Metrics      *Metrics
}

// Statistics is a snapshot of a session's counters.
type Statistics struct {
	PacketsSent     uint64
	PacketsReceived uint64
	PacketsLate     uint64
	PacketsDropped  uint64
	ReportsSent     uint64
	ReportsReceived uint64
	ReportsDropped  uint64
}

type sessionCounters struct {
	packetsSent     atomic.Uint64
	packetsReceived atomic.Uint64
	packetsLate     atomic.Uint64
	packetsDropped  atomic.Uint64
	reportsSent     atomic.Uint64
	reportsReceived atomic.Uint64
	reportsDropped  atomic.Uint64
}

// Session frames and sequences one direction-pair of one media kind of a
// call: outbound packets carry its SSRC and sequence numbers, inbound packets
// update its high-water marks, and its LossMonitor runs the RTCP side channel.
//
// Send, HandleRTP, HandleRTCP and Tick are serialised by the session mutex.
// OnMessage and OnLoss run after the mutex is released.
type Session struct {
	mu sync.Mutex

	peer        uint32
	prefix      byte
	payloadType uint8
	ssrc        uint32
	csrc        []uint32

	sequenceNumber uint16
	extension      *ExtHeader

	lastRemoteSeq       uint16
	lastRemoteTimestamp uint32
	hasRemote           bool

	epoch     time.Time
	clock     TimeProvider
	transport transport.PeerTransport
	rtcp      *LossMonitor
	receiving bool
	closed    bool

	onMessage MessageHandler
	onLoss    LossHandler
	metrics   *Metrics
	stats     sessionCounters
}

// NewSession creates a media transport session with a random SSRC.
func NewSession(cfg SessionConfig) (*Session, error) {
	logrus.WithFields(logrus.Fields{
		"function":     "NewSession",
		"peer":         cfg.Peer,
		"payload_type": cfg.PayloadType,
	}).Debug("Creating RTP session")

	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if !transport.IsLossyID(cfg.PayloadType) {
		return nil, fmt.Errorf("payload type %d outside lossy packet range", cfg.PayloadType)
	}
	clock := cfg.TimeProvider
	if clock == nil {
		clock = DefaultTimeProvider{}
	}

	ssrcBytes := make([]byte, 4)
	if _, err := rand.Read(ssrcBytes); err != nil {
		return nil, fmt.Errorf("failed to generate SSRC: %w", err)
	}
	ssrc := binary.BigEndian.Uint32(ssrcBytes)

	s := &Session{
		peer:        cfg.Peer,
		prefix:      cfg.PayloadType,
		payloadType: cfg.PayloadType % 128,
		ssrc:        ssrc,
		csrc:        []uint32{ssrc},
		epoch:       clock.Now(),
		clock:       clock,
		transport:   cfg.Transport,
		rtcp:        NewLossMonitor(RTCPPrefix(cfg.PayloadType), clock),
		onMessage:   cfg.OnMessage,
		onLoss:      cfg.OnLoss,
		metrics:     cfg.Metrics,
	}

	logrus.WithFields(logrus.Fields{
		"function":     "NewSession",
		"peer":         cfg.Peer,
		"payload_type": cfg.PayloadType,
		"ssrc":         ssrc,
		"rtcp_prefix":  s.rtcp.Prefix(),
	}).Info("RTP session created")

	return s, nil
}

// Peer returns the remote peer id.
func (s *Session) Peer() uint32 { return s.peer }

// SSRC returns the session's stream identifier.
func (s *Session) SSRC() uint32 { return s.ssrc }

// Prefix returns the packet id of the media stream.
func (s *Session) Prefix() byte { return s.prefix }

// RTCPPrefix returns the packet id of the loss reports.
func (s *Session) RTCPPrefix() byte { return s.rtcp.Prefix() }

// SequenceNumber returns the sequence number of the next outbound packet.
func (s *Session) SequenceNumber() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sequenceNumber
}

// HighWater returns the newest in-order sequence number and timestamp seen.
func (s *Session) HighWater() (seq uint16, timestamp uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRemoteSeq, s.lastRemoteTimestamp
}

// SetExtensionHeader attaches an extension header to every outbound packet.
// Pass nil to stop sending one.
func (s *Session) SetExtensionHeader(ext *ExtHeader) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extension = ext
}

// SetLossCounts overrides the counts carried by the next loss report.
func (s *Session) SetLossCounts(missing, expected uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rtcp.SetLossCounts(missing, expected)
}

// WindowLen returns the number of peer reports awaiting evaluation.
func (s *Session) WindowLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rtcp.WindowLen()
}

// Statistics returns a snapshot of the session counters.
func (s *Session) Statistics() Statistics {
	return Statistics{
		PacketsSent:     s.stats.packetsSent.Load(),
		PacketsReceived: s.stats.packetsReceived.Load(),
		PacketsLate:     s.stats.packetsLate.Load(),
		PacketsDropped:  s.stats.packetsDropped.Load(),
		ReportsSent:     s.stats.reportsSent.Load(),
		ReportsReceived: s.stats.reportsReceived.Load(),
		ReportsDropped:  s.stats.reportsDropped.Load(),
	}
}

// buildHeader fills a header from the current session fields.
func (s *Session) buildHeader() *Header {
	h := NewHeader(s.sequenceNumber, s.timestamp(), s.ssrc, s.payloadType)
	_ = h.SetContributors(s.csrc)
	h.SetExtension(s.extension != nil)
	return h
}

// timestamp returns monotonic milliseconds since the session was created.
func (s *Session) timestamp() uint32 {
	return uint32(s.clock.Now().Sub(s.epoch) / time.Millisecond)
}

// Send frames payload and hands it to the transport's lossy path. The
// sequence number advances only when the transport accepts the datagram.
func (s *Session) Send(payload []byte) error {
	return s.SendMarked(payload, false)
}

// SendMarked is Send with control over the marker bit, which flags the last
// fragment of a frame.
func (s *Session) SendMarked(payload []byte, marker bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}

	header := s.buildHeader()
	header.SetMarker(marker)
	msg := &Message{
		Header:    header,
		Extension: s.extension,
		Payload:   payload,
	}

	datagram := make([]byte, 1+msg.Length())
	datagram[0] = s.prefix
	if _, err := msg.MarshalTo(datagram[1:]); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	if err := s.transport.SendLossy(s.peer, datagram); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":     "Session.Send",
			"peer":         s.peer,
			"payload_type": s.prefix,
			"size":         len(datagram),
			"error":        err.Error(),
		}).Warn("Transport rejected RTP datagram")
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	s.sequenceNumber++
	s.stats.packetsSent.Inc()
	s.metrics.packet(s.prefix, "out")
	return nil
}

// HandleRTP processes an inbound media datagram, packet id included.
// Malformed datagrams are logged and dropped; they never fail the session.
func (s *Session) HandleRTP(peer uint32, data []byte) error {
	msg, inOrder, ok := s.receive(peer, data)
	if !ok {
		return nil
	}
	if s.onMessage != nil {
		s.onMessage(peer, s.prefix, msg, inOrder)
	}
	return nil
}

func (s *Session) receive(peer uint32, data []byte) (*Message, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, false, false
	}
	if len(data) < minDatagramSize {
		s.dropLocked(peer, "short", fmt.Errorf("%w: %d bytes", ErrTruncatedHeader, len(data)))
		return nil, false, false
	}

	msg, err := ParseMessage(data[1:])
	if err != nil {
		s.dropLocked(peer, dropReason(err), err)
		return nil, false, false
	}

	inOrder := !s.hasRemote ||
		(seqNewer(msg.Header.SequenceNumber, s.lastRemoteSeq) &&
			tsNewer(msg.Header.Timestamp, s.lastRemoteTimestamp))
	if inOrder {
		s.lastRemoteSeq = msg.Header.SequenceNumber
		s.lastRemoteTimestamp = msg.Header.Timestamp
		s.hasRemote = true
	} else {
		s.stats.packetsLate.Inc()
	}

	s.rtcp.ObservePacket(msg.Header.SequenceNumber)
	s.stats.packetsReceived.Inc()
	s.metrics.packet(s.prefix, "in")
	return msg, inOrder, true
}

func (s *Session) dropLocked(peer uint32, reason string, err error) {
	s.stats.packetsDropped.Inc()
	s.metrics.drop(s.prefix, reason)
	logrus.WithFields(logrus.Fields{
		"function":     "Session.HandleRTP",
		"peer":         peer,
		"payload_type": s.prefix,
		"reason":       reason,
		"error":        err.Error(),
	}).Debug("Dropping malformed RTP datagram")
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidVersion):
		return "version"
	case errors.Is(err, ErrTruncatedHeader):
		return "truncated_header"
	case errors.Is(err, ErrTruncatedExtension):
		return "truncated_extension"
	case errors.Is(err, ErrOversizedPayload):
		return "oversized"
	default:
		return "malformed"
	}
}

// HandleRTCP processes an inbound loss report datagram, packet id included.
func (s *Session) HandleRTCP(peer uint32, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	if err := s.rtcp.HandleReport(data); err != nil {
		s.stats.reportsDropped.Inc()
		logrus.WithFields(logrus.Fields{
			"function":     "Session.HandleRTCP",
			"peer":         peer,
			"payload_type": s.prefix,
			"error":        err.Error(),
		}).Debug("Dropping loss report")
		return nil
	}
	s.stats.reportsReceived.Inc()
	s.metrics.report(s.prefix, "in")
	return nil
}

// Tick emits a loss report when one is due and evaluates the report window
// when it is full. It returns the verdict when one was produced.
func (s *Session) Tick() (Verdict, bool) {
	verdict, ok := s.tick()
	if ok && s.onLoss != nil {
		s.onLoss(s.peer, s.prefix, verdict)
	}
	return verdict, ok
}

func (s *Session) tick() (Verdict, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Verdict{}, false
	}

	if s.rtcp.ReportDue() {
		s.sendReportLocked()
	}

	if s.rtcp.WindowLen() < ReportWindowSize {
		return Verdict{}, false
	}
	verdict, ok := s.rtcp.Evaluate()
	if !ok {
		return Verdict{}, false
	}

	s.metrics.verdict(s.prefix, verdict)
	if verdict.Degraded {
		logrus.WithFields(logrus.Fields{
			"function":     "Session.Tick",
			"peer":         s.peer,
			"payload_type": s.prefix,
			"loss_sum":     verdict.LossSum,
		}).Info("Packet loss detected")
	}
	return verdict, true
}

func (s *Session) sendReportLocked() {
	report := s.rtcp.BuildReport()
	if err := s.transport.SendLossy(s.peer, report); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":     "Session.sendReport",
			"peer":         s.peer,
			"payload_type": s.prefix,
			"error":        err.Error(),
		}).Warn("Failed to send loss report")
		s.rtcp.MarkAttempted()
		return
	}
	s.rtcp.MarkSent()
	s.stats.reportsSent.Inc()
	s.metrics.report(s.prefix, "out")
}

// StartReceiving registers the media and report handlers with the transport.
// If the second registration fails the first one is rolled back.
func (s *Session) StartReceiving() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if s.receiving {
		return nil
	}

	if err := s.transport.RegisterPeerHandler(s.peer, s.prefix, s.HandleRTP); err != nil {
		return fmt.Errorf("failed to register RTP handler: %w", err)
	}
	if err := s.transport.RegisterPeerHandler(s.peer, s.rtcp.Prefix(), s.HandleRTCP); err != nil {
		s.transport.UnregisterPeerHandler(s.peer, s.prefix)
		return fmt.Errorf("failed to register RTCP handler: %w", err)
	}
	s.receiving = true
	return nil
}

// StopReceiving unregisters the transport handlers.
func (s *Session) StopReceiving() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopReceivingLocked()
}

func (s *Session) stopReceivingLocked() {
	if !s.receiving {
		return
	}
	s.transport.UnregisterPeerHandler(s.peer, s.prefix)
	s.transport.UnregisterPeerHandler(s.peer, s.rtcp.Prefix())
	s.receiving = false
}

// Close stops receiving and releases the report window. Further sends fail
// with ErrSessionClosed and inbound datagrams are ignored.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.stopReceivingLocked()
	s.rtcp.Reset()
	s.closed = true

	logrus.WithFields(logrus.Fields{
		"function":     "Session.Close",
		"peer":         s.peer,
		"payload_type": s.prefix,
		"ssrc":         s.ssrc,
	}).Debug("RTP session closed")
	return nil
}
