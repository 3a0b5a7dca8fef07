package av

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/toxav/av/rtp"
	"github.com/opd-ai/toxav/transport"
)

const (
	alicePeer uint32 = 1
	bobPeer   uint32 = 2
)

var errRejected = errors.New("rejected by application")

// mockTimeProvider is a manually advanced clock shared by both managers.
type mockTimeProvider struct {
	mu  sync.Mutex
	now time.Time
}

func (m *mockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *mockTimeProvider) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

func (m *mockTimeProvider) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// event is one recorded callback invocation.
type event struct {
	id   CallbackID
	info CallInfo
}

// recorder records callbacks and can be told to fail some of them.
type recorder struct {
	events []event
	fail   map[CallbackID]bool
}

func newRecorder() *recorder {
	return &recorder{fail: make(map[CallbackID]bool)}
}

func (r *recorder) register(t *testing.T, m *Manager) {
	t.Helper()
	for id := OnInvite; id < numCallbacks; id++ {
		id := id
		require.NoError(t, m.RegisterCallback(id, CallbackFunc(func(info CallInfo) error {
			r.events = append(r.events, event{id: id, info: info})
			if r.fail[id] {
				return errRejected
			}
			return nil
		})))
	}
}

func (r *recorder) ids() []CallbackID {
	ids := make([]CallbackID, 0, len(r.events))
	for _, e := range r.events {
		ids = append(ids, e.id)
	}
	return ids
}

func (r *recorder) count(id CallbackID) int {
	n := 0
	for _, e := range r.events {
		if e.id == id {
			n++
		}
	}
	return n
}

// mediaSink records inbound media messages.
type mediaSink struct {
	messages []sinkEntry
}

type sinkEntry struct {
	peer        uint32
	payloadType byte
	msg         *rtp.Message
}

func (s *mediaSink) handle(peer uint32, payloadType byte, msg *rtp.Message, _ bool) {
	s.messages = append(s.messages, sinkEntry{peer: peer, payloadType: payloadType, msg: msg})
}

// harness connects two managers over an in-memory network.
type harness struct {
	t     *testing.T
	net   *transport.MemoryNetwork
	clock *mockTimeProvider

	alice, bob         *Manager
	aliceRec, bobRec   *recorder
	aliceSink, bobSink *mediaSink
	aliceLoss          []rtp.Verdict
}

func newHarness(t *testing.T, tweak func(peer uint32, cfg *Config)) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		net:       transport.NewMemoryNetwork(),
		clock:     &mockTimeProvider{now: time.Unix(1700000000, 0)},
		aliceRec:  newRecorder(),
		bobRec:    newRecorder(),
		aliceSink: &mediaSink{},
		bobSink:   &mediaSink{},
	}

	build := func(peer uint32, sink *mediaSink, rec *recorder) *Manager {
		cfg := DefaultConfig()
		cfg.TimeProvider = h.clock
		cfg.OnMessage = sink.handle
		if peer == alicePeer {
			cfg.OnLoss = func(_ uint32, _ byte, v rtp.Verdict) {
				h.aliceLoss = append(h.aliceLoss, v)
			}
		}
		if tweak != nil {
			tweak(peer, &cfg)
		}
		m, err := NewManager(h.net.Endpoint(peer), cfg)
		require.NoError(t, err)
		rec.register(t, m)
		return m
	}

	h.alice = build(alicePeer, h.aliceSink, h.aliceRec)
	h.bob = build(bobPeer, h.bobSink, h.bobRec)
	return h
}

// pump delivers queued datagrams until both endpoints are idle.
func (h *harness) pump() {
	for i := 0; i < 16; i++ {
		n := h.net.Endpoint(alicePeer).Iterate() + h.net.Endpoint(bobPeer).Iterate()
		if n == 0 {
			return
		}
	}
}

// establish runs invite and answer with full capabilities.
func (h *harness) establish() {
	h.t.Helper()
	require.NoError(h.t, h.alice.Invite(bobPeer, CapAll))
	h.pump()
	require.NoError(h.t, h.bob.Answer(alicePeer, CapAll))
	h.pump()
	h.requireState(h.alice, bobPeer, CallStateActive)
	h.requireState(h.bob, alicePeer, CallStateActive)
}

func (h *harness) requireState(m *Manager, peer uint32, want CallState) {
	h.t.Helper()
	info, ok := m.CallInfo(peer)
	if want == CallStateInactive {
		require.False(h.t, ok, "call with %d should not exist", peer)
		return
	}
	require.True(h.t, ok, "call with %d should exist", peer)
	require.Equal(h.t, want, info.State)
}

func signal(t *testing.T, msg SignalingMessage) []byte {
	t.Helper()
	data, err := msg.Marshal()
	require.NoError(t, err)
	return data
}
