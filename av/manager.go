package av

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/toxav/av/rtp"
	"github.com/opd-ai/toxav/transport"
)

// call is one entry of the call table. It is only touched with the manager
// lock held.
type call struct {
	peer               uint32
	fsm                *fsm.FSM
	selfCapabilities   Capabilities
	peerCapabilities   Capabilities
	peerVideoPieceSize uint16
	lastError          ErrorCode
	violations         int
	mediaHandle        interface{}

	audio *rtp.Session
	video *rtp.Session
}

func newCall(peer uint32) *call {
	return &call{
		peer: peer,
		fsm:  newCallFSM(),
	}
}

// Manager is the call session of one local identity: it admits calls,
// drives their state machines, dispatches lifecycle callbacks and binds
// media sessions to active calls.
//
// Every public operation and every inbound signaling message is handled with
// the manager lock held, and callbacks are invoked under that same lock.
// Callback handlers must therefore not call back into the Manager; doing so
// deadlocks.
type Manager struct {
	mu sync.Mutex

	transport  transport.PeerTransport
	config     Config
	calls      map[uint32]*call
	lastErrors map[uint32]ErrorCode
	callbacks  callbackTable

	metrics    *Metrics
	rtpMetrics *rtp.Metrics
	closed     bool
}

// NewManager creates a call manager bound to tr and registers its signaling
// handler.
func NewManager(tr transport.PeerTransport, cfg Config) (*Manager, error) {
	logrus.WithFields(logrus.Fields{
		"function":     "NewManager",
		"capabilities": cfg.Capabilities.String(),
	}).Info("Creating call manager")

	if tr == nil {
		return nil, errors.New("transport cannot be nil")
	}
	if cfg.Capabilities == CapNone || !cfg.Capabilities.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCapabilities, cfg.Capabilities)
	}
	if cfg.VideoPieceSize == 0 {
		cfg.VideoPieceSize = DefaultVideoPieceSize
	}
	if cfg.TimeProvider == nil {
		cfg.TimeProvider = rtp.DefaultTimeProvider{}
	}

	m := &Manager{
		transport:  tr,
		config:     cfg,
		calls:      make(map[uint32]*call),
		lastErrors: make(map[uint32]ErrorCode),
		metrics:    NewMetrics(cfg.Registerer),
		rtpMetrics: rtp.NewMetrics(cfg.Registerer),
	}
	tr.RegisterHandler(transport.PacketIDMSI, m.HandlePacket)

	return m, nil
}

// RegisterCallback sets the handler for a lifecycle event. The last
// registration wins; a nil handler clears it.
func (m *Manager) RegisterCallback(id CallbackID, handler CallbackHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.callbacks.set(id, handler) {
		return fmt.Errorf("unknown callback id %d", id)
	}
	return nil
}

// Invite starts a call to peer, offering capabilities limited to what this
// side is able to do.
func (m *Manager) Invite(peer uint32, capabilities Capabilities) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}
	if existing, ok := m.calls[peer]; ok {
		return fmt.Errorf("%w: peer %d is %s", ErrAlreadyInProgress, peer, existing.state())
	}

	caps := capabilities & m.config.Capabilities
	if caps == CapNone {
		return fmt.Errorf("%w: %s", ErrInvalidCapabilities, capabilities)
	}

	c := newCall(peer)
	if err := c.fire(eventInvite); err != nil {
		return err
	}
	c.selfCapabilities = caps

	if err := m.send(peer, &SignalingMessage{
		Kind:           KindInvite,
		Capabilities:   caps,
		VideoPieceSize: m.config.VideoPieceSize,
	}); err != nil {
		return err
	}

	m.calls[peer] = c
	delete(m.lastErrors, peer)
	m.metrics.callCreated("outgoing")

	logrus.WithFields(logrus.Fields{
		"function":     "Manager.Invite",
		"peer":         peer,
		"capabilities": caps.String(),
	}).Info("Call invite sent")
	return nil
}

// Answer accepts a pending invite from peer and activates the call.
func (m *Manager) Answer(peer uint32, capabilities Capabilities) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}
	c, ok := m.calls[peer]
	if !ok {
		return fmt.Errorf("%w: peer %d", ErrNoCall, peer)
	}
	if c.state() != CallStateRequested {
		return fmt.Errorf("%w: answer in state %s", ErrInvalidState, c.state())
	}

	caps := capabilities & m.config.Capabilities
	if caps == CapNone {
		return fmt.Errorf("%w: %s", ErrInvalidCapabilities, capabilities)
	}

	if err := m.send(peer, &SignalingMessage{
		Kind:           KindStart,
		Capabilities:   caps,
		VideoPieceSize: m.config.VideoPieceSize,
	}); err != nil {
		return err
	}

	c.selfCapabilities = caps
	if err := c.fire(eventAnswer); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":     "Manager.Answer",
		"peer":         peer,
		"capabilities": caps.String(),
	}).Info("Call answered")
	return m.activate(c)
}

// Hangup ends or rejects the call with peer. The call is destroyed even when
// the end message cannot be sent; the send error is returned.
func (m *Manager) Hangup(peer uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}
	c, ok := m.calls[peer]
	if !ok {
		return fmt.Errorf("%w: peer %d", ErrNoCall, peer)
	}

	err := m.send(peer, &SignalingMessage{Kind: KindEnd})
	m.terminate(c, OnEnd, "hangup")
	return err
}

// ChangeCapabilities renegotiates the capabilities of an active call.
func (m *Manager) ChangeCapabilities(peer uint32, capabilities Capabilities) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}
	c, ok := m.calls[peer]
	if !ok {
		return fmt.Errorf("%w: peer %d", ErrNoCall, peer)
	}
	if c.state() != CallStateActive {
		return fmt.Errorf("%w: capability change in state %s", ErrInvalidState, c.state())
	}

	caps := capabilities & m.config.Capabilities
	if caps == CapNone {
		return fmt.Errorf("%w: %s", ErrInvalidCapabilities, capabilities)
	}
	if caps == c.selfCapabilities {
		return nil
	}

	if err := m.send(peer, &SignalingMessage{Kind: KindCapabilities, Capabilities: caps}); err != nil {
		return err
	}
	c.selfCapabilities = caps

	logrus.WithFields(logrus.Fields{
		"function":     "Manager.ChangeCapabilities",
		"peer":         peer,
		"capabilities": caps.String(),
	}).Info("Capabilities changed")
	return m.capabilitiesChanged(c)
}

// PeerTimedOut terminates the call with peer after the application has
// detected the peer went offline. No message is sent.
func (m *Manager) PeerTimedOut(peer uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.calls[peer]
	if !ok {
		return fmt.Errorf("%w: peer %d", ErrNoCall, peer)
	}
	m.terminate(c, OnPeerTimeout, "peer_timeout")
	return nil
}

// Close ends every remaining call and stops handling signaling. It is safe
// to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	ended := len(m.calls)
	for peer, c := range m.calls {
		_ = m.send(peer, &SignalingMessage{Kind: KindEnd})
		m.terminate(c, OnEnd, "shutdown")
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Manager.Close",
		"calls_ended": ended,
	}).Info("Call manager closed")
	return nil
}

// CallInfo returns a snapshot of the call with peer.
func (m *Manager) CallInfo(peer uint32) (CallInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.calls[peer]
	if !ok {
		return CallInfo{}, false
	}
	return c.info(), true
}

// Calls returns a snapshot of every call, ordered by peer.
func (m *Manager) Calls() []CallInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]CallInfo, 0, len(m.calls))
	for _, c := range m.calls {
		infos = append(infos, c.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Peer < infos[j].Peer })
	return infos
}

// LastError returns the last error of the current call with peer or, if
// there is none, of the most recently terminated one.
func (m *Manager) LastError(peer uint32) (ErrorCode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.calls[peer]; ok {
		return c.lastError, true
	}
	code, ok := m.lastErrors[peer]
	return code, ok
}

// SetMediaHandle attaches an application value to the call with peer. It is
// reported in every CallInfo of that call.
func (m *Manager) SetMediaHandle(peer uint32, handle interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.calls[peer]
	if !ok {
		return fmt.Errorf("%w: peer %d", ErrNoCall, peer)
	}
	c.mediaHandle = handle
	return nil
}

func (c *call) info() CallInfo {
	return CallInfo{
		Peer:               c.peer,
		State:              c.state(),
		SelfCapabilities:   c.selfCapabilities,
		PeerCapabilities:   c.peerCapabilities,
		PeerVideoPieceSize: c.peerVideoPieceSize,
		LastError:          c.lastError,
		MediaHandle:        c.mediaHandle,
	}
}

// activate starts media for a call that just became active and fires
// OnStart.
func (m *Manager) activate(c *call) error {
	if err := m.syncMedia(c); err != nil {
		c.lastError = ErrorSystem
		m.sendError(c.peer, ErrorSystem)
		m.terminate(c, OnError, "media_failure")
		return err
	}
	if err := m.callbacks.invoke(OnStart, c.info()); err != nil {
		return m.callbackFailed(c, OnStart, err)
	}
	return nil
}

// capabilitiesChanged rebinds media after a capability change and fires
// OnCapabilities.
func (m *Manager) capabilitiesChanged(c *call) error {
	if err := m.syncMedia(c); err != nil {
		c.lastError = ErrorSystem
		m.sendError(c.peer, ErrorSystem)
		m.terminate(c, OnError, "media_failure")
		return err
	}
	if err := m.callbacks.invoke(OnCapabilities, c.info()); err != nil {
		return m.callbackFailed(c, OnCapabilities, err)
	}
	return nil
}

// callbackFailed destroys a call whose callback returned an error. The peer
// is told and no further callback fires.
func (m *Manager) callbackFailed(c *call, id CallbackID, cause error) error {
	logrus.WithFields(logrus.Fields{
		"function": "Manager.callbackFailed",
		"peer":     c.peer,
		"callback": id.String(),
		"error":    cause.Error(),
	}).Warn("Callback failed, terminating call")

	c.lastError = ErrorHandle
	m.sendError(c.peer, ErrorHandle)
	m.destroy(c, "handle_error")
	return fmt.Errorf("%s callback: %w", id, cause)
}

// terminate destroys a call and fires exactly one termination callback.
func (m *Manager) terminate(c *call, id CallbackID, reason string) {
	info := c.info()
	m.destroy(c, reason)

	if err := m.callbacks.invoke(id, info); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Manager.terminate",
			"peer":     c.peer,
			"callback": id.String(),
			"error":    err.Error(),
		}).Warn("Termination callback failed")
	}
}

// destroy moves a call to inactive, releases its media and removes it from
// the call table.
func (m *Manager) destroy(c *call, reason string) {
	from := c.state()
	if err := c.fire(eventTerminate); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Manager.destroy",
			"peer":     c.peer,
			"error":    err.Error(),
		}).Error("Call state machine refused termination")
	}
	m.closeMedia(c)
	delete(m.calls, c.peer)
	m.lastErrors[c.peer] = c.lastError
	m.metrics.callTerminated(reason)

	logrus.WithFields(logrus.Fields{
		"function":   "Manager.destroy",
		"peer":       c.peer,
		"from_state": from.String(),
		"reason":     reason,
		"last_error": c.lastError.String(),
	}).Info("Call terminated")
}
