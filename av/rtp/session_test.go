package rtp

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/toxav/transport"
)

// failingTransport rejects every send and records registrations.
type failingTransport struct {
	mu         sync.Mutex
	registered map[byte]bool
	failTag    byte
}

func newFailingTransport() *failingTransport {
	return &failingTransport{registered: make(map[byte]bool)}
}

func (f *failingTransport) RegisterHandler(byte, transport.PeerHandler) {}

func (f *failingTransport) RegisterPeerHandler(_ uint32, tag byte, _ transport.PeerHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTag != 0 && tag == f.failTag {
		return transport.ErrHandlerExists
	}
	f.registered[tag] = true
	return nil
}

func (f *failingTransport) UnregisterPeerHandler(_ uint32, tag byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.registered, tag)
}

func (f *failingTransport) SendLossy(uint32, []byte) error {
	return transport.ErrPeerUnreachable
}

func (f *failingTransport) SendLossless(uint32, []byte) error {
	return transport.ErrPeerUnreachable
}

type received struct {
	peer    uint32
	pt      byte
	msg     *Message
	inOrder bool
}

func newTestSession(t *testing.T, tr transport.PeerTransport, peer uint32, clock TimeProvider, sink *[]received) *Session {
	t.Helper()
	cfg := SessionConfig{
		Peer:         peer,
		PayloadType:  PayloadTypeAudio,
		Transport:    tr,
		TimeProvider: clock,
	}
	if sink != nil {
		cfg.OnMessage = func(peer uint32, pt byte, msg *Message, inOrder bool) {
			*sink = append(*sink, received{peer: peer, pt: pt, msg: msg, inOrder: inOrder})
		}
	}
	s, err := NewSession(cfg)
	require.NoError(t, err)
	return s
}

// datagram builds a media datagram with the given sequence number and timestamp.
func datagram(t *testing.T, seq uint16, ts uint32, payload []byte) []byte {
	t.Helper()
	msg := &Message{Header: NewHeader(seq, ts, 0xABCD, PayloadTypeAudio%128), Payload: payload}
	data, err := msg.Marshal()
	require.NoError(t, err)
	return append([]byte{PayloadTypeAudio}, data...)
}

func TestNewSessionValidation(t *testing.T) {
	_, err := NewSession(SessionConfig{PayloadType: PayloadTypeAudio})
	assert.Error(t, err)

	net := transport.NewMemoryNetwork()
	_, err = NewSession(SessionConfig{PayloadType: transport.PacketIDMSI, Transport: net.Endpoint(1)})
	assert.Error(t, err)

	s, err := NewSession(SessionConfig{Peer: 2, PayloadType: PayloadTypeVideo, Transport: net.Endpoint(1)})
	require.NoError(t, err)
	assert.Equal(t, byte(PayloadTypeVideo), s.Prefix())
	assert.Equal(t, byte(223), s.RTCPPrefix())
	assert.Equal(t, uint32(2), s.Peer())
}

func TestSessionSendReceive(t *testing.T) {
	net := transport.NewMemoryNetwork()
	alice, bob := net.Endpoint(1), net.Endpoint(2)
	clock := newMockTimeProvider()

	sender := newTestSession(t, alice, 2, clock, nil)
	var got []received
	receiver := newTestSession(t, bob, 1, clock, &got)
	require.NoError(t, receiver.StartReceiving())

	require.NoError(t, sender.Send([]byte("frame-1")))
	clock.Advance(20 * time.Millisecond)
	require.NoError(t, sender.Send([]byte("frame-2")))
	assert.Equal(t, uint16(2), sender.SequenceNumber())

	assert.Equal(t, 2, bob.Iterate())
	require.Len(t, got, 2)

	first := got[0]
	assert.Equal(t, uint32(1), first.peer)
	assert.Equal(t, byte(PayloadTypeAudio), first.pt)
	assert.True(t, first.inOrder)
	assert.Equal(t, []byte("frame-1"), first.msg.Payload)
	assert.Equal(t, sender.SSRC(), first.msg.Header.SSRC)
	assert.Equal(t, []uint32{sender.SSRC()}, first.msg.Header.CSRC)
	assert.Equal(t, uint8(PayloadTypeAudio%128), first.msg.Header.PayloadType())
	assert.Equal(t, uint16(0), first.msg.Header.SequenceNumber)

	assert.True(t, got[1].inOrder)
	assert.Equal(t, uint32(20), got[1].msg.Header.Timestamp)

	stats := receiver.Statistics()
	assert.Equal(t, uint64(2), stats.PacketsReceived)
	assert.Equal(t, uint64(2), sender.Statistics().PacketsSent)
}

func TestSessionExtensionHeader(t *testing.T) {
	net := transport.NewMemoryNetwork()
	var got []received
	sender := newTestSession(t, net.Endpoint(1), 2, nil, nil)
	receiver := newTestSession(t, net.Endpoint(2), 1, nil, &got)
	require.NoError(t, receiver.StartReceiving())

	ext := &ExtHeader{Type: 7, Table: []uint32{42}}
	sender.SetExtensionHeader(ext)
	require.NoError(t, sender.Send([]byte("x")))
	net.Endpoint(2).Iterate()

	require.Len(t, got, 1)
	assert.True(t, got[0].msg.Header.Extension())
	assert.Equal(t, ext, got[0].msg.Extension)
}

func TestSessionLatePacketGate(t *testing.T) {
	net := transport.NewMemoryNetwork()
	var got []received
	s := newTestSession(t, net.Endpoint(2), 1, nil, &got)

	require.NoError(t, s.HandleRTP(1, datagram(t, 5, 1000, []byte("a"))))
	seq, ts := s.HighWater()
	assert.Equal(t, uint16(5), seq)
	assert.Equal(t, uint32(1000), ts)

	require.NoError(t, s.HandleRTP(1, datagram(t, 4, 1001, []byte("b"))))
	seq, ts = s.HighWater()
	assert.Equal(t, uint16(5), seq, "older sequence must not advance")
	assert.Equal(t, uint32(1000), ts)

	require.NoError(t, s.HandleRTP(1, datagram(t, 6, 1000, []byte("c"))))
	seq, _ = s.HighWater()
	assert.Equal(t, uint16(5), seq, "equal timestamp must not advance")

	require.NoError(t, s.HandleRTP(1, datagram(t, 6, 1001, []byte("d"))))
	seq, ts = s.HighWater()
	assert.Equal(t, uint16(6), seq)
	assert.Equal(t, uint32(1001), ts)

	require.Len(t, got, 4, "late messages are still delivered")
	assert.Equal(t, []bool{true, false, false, true},
		[]bool{got[0].inOrder, got[1].inOrder, got[2].inOrder, got[3].inOrder})
	assert.Equal(t, uint64(2), s.Statistics().PacketsLate)
}

func TestSessionLatePacketGateWraps(t *testing.T) {
	net := transport.NewMemoryNetwork()
	var got []received
	s := newTestSession(t, net.Endpoint(2), 1, nil, &got)

	require.NoError(t, s.HandleRTP(1, datagram(t, 65535, 5000, nil)))
	require.NoError(t, s.HandleRTP(1, datagram(t, 0, 5020, nil)))

	require.Len(t, got, 2)
	assert.True(t, got[1].inOrder)
	seq, _ := s.HighWater()
	assert.Equal(t, uint16(0), seq)
}

func TestSessionDropsMalformed(t *testing.T) {
	net := transport.NewMemoryNetwork()
	var got []received
	s := newTestSession(t, net.Endpoint(2), 1, nil, &got)

	valid := datagram(t, 1, 1, []byte("ok"))
	badVersion := append([]byte(nil), valid...)
	badVersion[3] = 0x40

	tests := []struct {
		name string
		data []byte
	}{
		{"prefix only", []byte{PayloadTypeAudio}},
		{"short header", valid[:HeaderMinSize]},
		{"wrong version", badVersion},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NoError(t, s.HandleRTP(1, tt.data))
		})
	}

	assert.Empty(t, got)
	assert.Equal(t, uint64(len(tests)), s.Statistics().PacketsDropped)
	seq, ts := s.HighWater()
	assert.Zero(t, seq)
	assert.Zero(t, ts)

	require.NoError(t, s.HandleRTP(1, valid))
	assert.Len(t, got, 1, "session keeps working after malformed input")
}

func TestSessionSendFailureKeepsSequence(t *testing.T) {
	s := newTestSession(t, newFailingTransport(), 2, nil, nil)

	err := s.Send([]byte("frame"))
	assert.ErrorIs(t, err, ErrSendFailed)
	assert.ErrorIs(t, err, transport.ErrPeerUnreachable)
	assert.Equal(t, uint16(0), s.SequenceNumber())
	assert.Zero(t, s.Statistics().PacketsSent)
}

func TestSessionSendOversized(t *testing.T) {
	net := transport.NewMemoryNetwork()
	s := newTestSession(t, net.Endpoint(1), 2, nil, nil)

	err := s.Send(make([]byte, 2000))
	assert.ErrorIs(t, err, ErrSendFailed)
	assert.Equal(t, uint16(0), s.SequenceNumber())
}

func TestSessionSequenceWraps(t *testing.T) {
	net := transport.NewMemoryNetwork()
	net.Endpoint(2)
	s := newTestSession(t, net.Endpoint(1), 2, nil, nil)
	s.sequenceNumber = 65535

	require.NoError(t, s.Send(nil))
	assert.Equal(t, uint16(0), s.SequenceNumber())
}

func TestSessionStartReceivingRollback(t *testing.T) {
	tr := newFailingTransport()
	tr.failTag = RTCPPrefix(PayloadTypeAudio)
	s := newTestSession(t, tr, 2, nil, nil)

	err := s.StartReceiving()
	assert.ErrorIs(t, err, transport.ErrHandlerExists)
	assert.Empty(t, tr.registered, "media handler must be rolled back")
}

func TestSessionLossReporting(t *testing.T) {
	net := transport.NewMemoryNetwork()
	alice, bob := net.Endpoint(1), net.Endpoint(2)
	clock := newMockTimeProvider()

	var verdicts []Verdict
	sender, err := NewSession(SessionConfig{
		Peer:         2,
		PayloadType:  PayloadTypeAudio,
		Transport:    alice,
		TimeProvider: clock,
		OnLoss: func(_ uint32, _ byte, v Verdict) {
			verdicts = append(verdicts, v)
		},
	})
	require.NoError(t, err)
	require.NoError(t, sender.StartReceiving())

	receiver := newTestSession(t, bob, 1, clock, nil)
	require.NoError(t, receiver.StartReceiving())

	for round := 0; round < ReportWindowSize; round++ {
		// every other packet dropped on the way
		for i := 0; i < 10; i++ {
			data := datagram(t, uint16(round*20+2*i), uint32(round*1000+i), nil)
			require.NoError(t, receiver.HandleRTP(1, data))
		}
		clock.Advance(ReportInterval)
		receiver.Tick()
		alice.Iterate()
	}

	assert.Equal(t, uint64(ReportWindowSize), receiver.Statistics().ReportsSent)
	assert.Equal(t, uint64(ReportWindowSize), sender.Statistics().ReportsReceived)
	assert.Equal(t, ReportWindowSize, sender.WindowLen())

	v, ok := sender.Tick()
	require.True(t, ok)
	assert.True(t, v.Degraded)
	require.Len(t, verdicts, 1)
	assert.Equal(t, v, verdicts[0])
	assert.Equal(t, 0, sender.WindowLen())
}

func TestSessionFailedReportKeepsInterval(t *testing.T) {
	clock := newMockTimeProvider()
	s := newTestSession(t, newFailingTransport(), 2, clock, nil)

	require.NoError(t, s.HandleRTP(2, datagram(t, 0, 0, nil)))
	clock.Advance(ReportInterval)
	s.Tick()
	assert.Zero(t, s.Statistics().ReportsSent)

	require.NoError(t, s.HandleRTP(2, datagram(t, 5, 100, nil)))
	clock.Advance(time.Millisecond)
	s.Tick()
	assert.True(t, s.rtcp.intervalStarted, "interval must stay open until the next report slot")

	clock.Advance(ReportInterval)
	s.Tick()
	missing, expected := s.rtcp.LossCounts()
	assert.Equal(t, uint32(4), missing)
	assert.Equal(t, uint32(5), expected)
}

func TestSessionNoReportWithoutTraffic(t *testing.T) {
	net := transport.NewMemoryNetwork()
	clock := newMockTimeProvider()
	s := newTestSession(t, net.Endpoint(1), 2, clock, nil)

	clock.Advance(ReportInterval)
	_, ok := s.Tick()
	assert.False(t, ok)
	assert.Zero(t, s.Statistics().ReportsSent)
	assert.Zero(t, net.Endpoint(2).Pending())
}

func TestSessionClose(t *testing.T) {
	net := transport.NewMemoryNetwork()
	var got []received
	s := newTestSession(t, net.Endpoint(2), 1, nil, &got)
	require.NoError(t, s.StartReceiving())
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Send([]byte("x")), ErrSessionClosed)
	assert.ErrorIs(t, s.StartReceiving(), ErrSessionClosed)
	require.NoError(t, s.HandleRTP(1, datagram(t, 1, 1, nil)))
	assert.Empty(t, got)

	// handlers are free again for a new session
	s2 := newTestSession(t, net.Endpoint(2), 1, nil, nil)
	assert.NoError(t, s2.StartReceiving())
}

func TestSessionMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	net := transport.NewMemoryNetwork()
	net.Endpoint(2)
	s, err := NewSession(SessionConfig{
		Peer:        2,
		PayloadType: PayloadTypeAudio,
		Transport:   net.Endpoint(1),
		Metrics:     metrics,
	})
	require.NoError(t, err)

	require.NoError(t, s.Send([]byte("a")))
	require.NoError(t, s.HandleRTP(2, []byte{PayloadTypeAudio, 1}))

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.packets.WithLabelValues("192", "out")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.dropped.WithLabelValues("192", "short")))
}

func TestNilMetrics(t *testing.T) {
	assert.Nil(t, NewMetrics(nil))

	var m *Metrics
	assert.NotPanics(t, func() {
		m.packet(PayloadTypeAudio, "in")
		m.drop(PayloadTypeAudio, "short")
		m.report(PayloadTypeAudio, "out")
		m.verdict(PayloadTypeAudio, Verdict{})
	})
}

func TestDropReason(t *testing.T) {
	assert.Equal(t, "version", dropReason(ErrInvalidVersion))
	assert.Equal(t, "oversized", dropReason(ErrOversizedPayload))
	assert.Equal(t, "malformed", dropReason(errors.New("other")))
}
