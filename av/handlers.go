package av

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// HandlePacket processes an inbound signaling datagram from peer. It is
// registered with the transport for transport.PacketIDMSI.
//
// Rejected messages never change call state. The returned error classifies
// the rejection; the transport only logs it.
func (m *Manager) HandlePacket(peer uint32, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}

	c := m.calls[peer]

	msg, err := ParseSignalingMessage(data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Manager.HandlePacket",
			"peer":     peer,
			"size":     len(data),
			"error":    err.Error(),
		}).Warn("Dropping malformed signaling message")

		m.sendError(peer, ErrorInvalidMessage)
		if c != nil {
			m.violate(c, "invalid_message")
		} else {
			m.metrics.violation("invalid_message")
		}
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":     "Manager.HandlePacket",
		"peer":         peer,
		"kind":         msg.Kind.String(),
		"capabilities": msg.Capabilities.String(),
	}).Debug("Signaling message received")

	if c == nil {
		return m.handleWithoutCall(peer, msg)
	}

	switch msg.Kind {
	case KindInvite:
		return m.handleInvite(c, msg)
	case KindStart:
		return m.handleStart(c, msg)
	case KindCapabilities:
		return m.handleCapabilities(c, msg)
	case KindEnd:
		m.terminate(c, OnEnd, "peer_end")
		return nil
	case KindError:
		c.lastError = msg.Error
		if c.lastError == ErrorNone {
			c.lastError = ErrorUndisclosed
		}
		m.terminate(c, OnError, "peer_error")
		return nil
	}
	return fmt.Errorf("%w: kind %d", ErrInvalidMessage, msg.Kind)
}

// handleWithoutCall admits new invites and rejects everything else.
func (m *Manager) handleWithoutCall(peer uint32, msg *SignalingMessage) error {
	if msg.Kind != KindInvite {
		m.metrics.violation("stray")
		logrus.WithFields(logrus.Fields{
			"function": "Manager.handleWithoutCall",
			"peer":     peer,
			"kind":     msg.Kind.String(),
		}).Warn("Signaling message for unknown call")

		// end and error need no answer; replying would only echo noise
		if msg.Kind != KindEnd && msg.Kind != KindError {
			m.sendError(peer, ErrorStrayMessage)
		}
		return fmt.Errorf("%w: %s without call", ErrStrayMessage, msg.Kind)
	}

	if msg.Capabilities == CapNone {
		m.metrics.violation("invalid_capabilities")
		m.sendError(peer, ErrorInvalidParam)
		return fmt.Errorf("%w: invite offers no capabilities", ErrInvalidCapabilities)
	}

	c := newCall(peer)
	if err := c.fire(eventInvited); err != nil {
		return err
	}
	c.peerCapabilities = msg.Capabilities
	c.peerVideoPieceSize = msg.VideoPieceSize

	m.calls[peer] = c
	delete(m.lastErrors, peer)
	m.metrics.callCreated("incoming")

	logrus.WithFields(logrus.Fields{
		"function":     "Manager.handleInvite",
		"peer":         peer,
		"capabilities": msg.Capabilities.String(),
	}).Info("Incoming call")

	if err := m.callbacks.invoke(OnInvite, c.info()); err != nil {
		return m.callbackFailed(c, OnInvite, err)
	}
	return nil
}

// handleInvite handles an invite for an existing call. An active call was
// restarted by the peer, so the start is sent again and the offered
// capabilities are applied like a capability change.
func (m *Manager) handleInvite(c *call, msg *SignalingMessage) error {
	if c.state() != CallStateActive {
		return m.reject(c, msg, ErrStrayMessage, "stray")
	}
	if msg.Capabilities == CapNone {
		return m.reject(c, msg, ErrInvalidCapabilities, "invalid_capabilities")
	}

	logrus.WithFields(logrus.Fields{
		"function":     "Manager.handleInvite",
		"peer":         c.peer,
		"capabilities": msg.Capabilities.String(),
	}).Info("Peer re-invited during active call, answering again")

	if err := m.send(c.peer, &SignalingMessage{
		Kind:           KindStart,
		Capabilities:   c.selfCapabilities,
		VideoPieceSize: m.config.VideoPieceSize,
	}); err != nil {
		return err
	}

	c.peerVideoPieceSize = msg.VideoPieceSize
	if msg.Capabilities == c.peerCapabilities {
		return nil
	}
	c.peerCapabilities = msg.Capabilities
	return m.capabilitiesChanged(c)
}

// handleStart activates a call we requested.
func (m *Manager) handleStart(c *call, msg *SignalingMessage) error {
	if c.state() != CallStateRequesting {
		return m.reject(c, msg, ErrStrayMessage, "stray")
	}
	if msg.Capabilities == CapNone {
		return m.reject(c, msg, ErrInvalidCapabilities, "invalid_capabilities")
	}

	c.peerCapabilities = msg.Capabilities
	c.peerVideoPieceSize = msg.VideoPieceSize
	if err := c.fire(eventStarted); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":     "Manager.handleStart",
		"peer":         c.peer,
		"capabilities": msg.Capabilities.String(),
	}).Info("Call started")
	return m.activate(c)
}

// handleCapabilities applies the peer's renegotiated capabilities.
func (m *Manager) handleCapabilities(c *call, msg *SignalingMessage) error {
	if c.state() != CallStateActive {
		return m.reject(c, msg, ErrStrayMessage, "stray")
	}
	if msg.Capabilities == CapNone {
		return m.reject(c, msg, ErrInvalidCapabilities, "invalid_capabilities")
	}
	if msg.Capabilities == c.peerCapabilities {
		return nil
	}

	c.peerCapabilities = msg.Capabilities
	return m.capabilitiesChanged(c)
}

// reject refuses a message the call state does not accept and counts the
// violation.
func (m *Manager) reject(c *call, msg *SignalingMessage, sentinel error, violation string) error {
	state := c.state()
	logrus.WithFields(logrus.Fields{
		"function":  "Manager.reject",
		"peer":      c.peer,
		"kind":      msg.Kind.String(),
		"state":     state.String(),
		"violation": violation,
	}).Warn("Rejecting signaling message")

	m.violate(c, violation)
	return fmt.Errorf("%w: %s in state %s", sentinel, msg.Kind, state)
}

// violate counts a protocol violation and terminates the call with OnError
// once the configured limit is reached.
func (m *Manager) violate(c *call, violation string) {
	m.metrics.violation(violation)
	c.violations++

	limit := m.config.MaxProtocolViolations
	if limit <= 0 || c.violations < limit {
		return
	}

	// only an escalated violation touches the call's last error
	c.lastError = ErrorInvalidParam
	m.sendError(c.peer, ErrorInvalidParam)
	m.terminate(c, OnError, "protocol_violation")
}
