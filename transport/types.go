package transport

// PeerHandler processes a datagram received from a peer. The datagram
// includes its leading packet id byte.
type PeerHandler func(peer uint32, data []byte) error

// PeerTransport defines the interface for peer-addressed datagram transports.
// This abstraction allows the call manager and media sessions to run over an
// in-memory network in tests and over UDP or the Tox messenger in production.
type PeerTransport interface {
	// RegisterHandler registers a handler for a packet id from any peer.
	RegisterHandler(tag byte, handler PeerHandler)

	// RegisterPeerHandler registers a handler for a packet id from one peer.
	// It fails with ErrHandlerExists if one is already registered.
	RegisterPeerHandler(peer uint32, tag byte, handler PeerHandler) error

	// UnregisterPeerHandler removes a per-peer handler. It is a no-op when
	// none is registered.
	UnregisterPeerHandler(peer uint32, tag byte)

	// SendLossy sends an unreliable datagram (media, loss reports).
	SendLossy(peer uint32, data []byte) error

	// SendLossless sends a datagram on the reliable path (signaling).
	SendLossless(peer uint32, data []byte) error
}

// handlerKey identifies a per-peer handler registration.
type handlerKey struct {
	peer uint32
	tag  byte
}

// handlerTable is the demultiplexing table shared by the transports.
// It is not safe for concurrent use; callers hold their own lock.
type handlerTable struct {
	global  map[byte]PeerHandler
	perPeer map[handlerKey]PeerHandler
}

func newHandlerTable() handlerTable {
	return handlerTable{
		global:  make(map[byte]PeerHandler),
		perPeer: make(map[handlerKey]PeerHandler),
	}
}

func (ht *handlerTable) register(tag byte, handler PeerHandler) {
	if handler == nil {
		delete(ht.global, tag)
		return
	}
	ht.global[tag] = handler
}

func (ht *handlerTable) registerPeer(peer uint32, tag byte, handler PeerHandler) error {
	key := handlerKey{peer: peer, tag: tag}
	if _, exists := ht.perPeer[key]; exists {
		return ErrHandlerExists
	}
	ht.perPeer[key] = handler
	return nil
}

func (ht *handlerTable) unregisterPeer(peer uint32, tag byte) {
	delete(ht.perPeer, handlerKey{peer: peer, tag: tag})
}

// lookup finds the handler for a datagram, preferring per-peer registrations.
func (ht *handlerTable) lookup(peer uint32, tag byte) (PeerHandler, bool) {
	if h, ok := ht.perPeer[handlerKey{peer: peer, tag: tag}]; ok {
		return h, true
	}
	h, ok := ht.global[tag]
	return h, ok
}
