package transport

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/gammazero/deque"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/toxav/limits"
)

// MemoryNetwork connects in-process endpoints addressed by peer id.
//
// It models the properties the call subsystem relies on: lossy datagrams may
// be dropped (SetLossRate), both paths enforce the limits package bounds, and
// an endpoint marked offline is unreachable.
type MemoryNetwork struct {
	mu        sync.Mutex
	endpoints map[uint32]*MemoryTransport
	offline   map[uint32]bool
	lossRate  float64
	rng       *rand.Rand
}

// NewMemoryNetwork creates an empty network with no packet loss.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		endpoints: make(map[uint32]*MemoryTransport),
		offline:   make(map[uint32]bool),
		rng:       rand.New(rand.NewSource(1)),
	}
}

// Endpoint returns the transport for a peer id, creating it on first use.
func (n *MemoryNetwork) Endpoint(id uint32) *MemoryTransport {
	n.mu.Lock()
	defer n.mu.Unlock()

	if ep, ok := n.endpoints[id]; ok {
		return ep
	}
	ep := &MemoryTransport{
		id:       id,
		network:  n,
		handlers: newHandlerTable(),
	}
	n.endpoints[id] = ep
	return ep
}

// SetLossRate sets the probability (0..1) that a lossy datagram is dropped.
// The seed makes the drop pattern reproducible.
func (n *MemoryNetwork) SetLossRate(rate float64, seed int64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if rate < 0 {
		rate = 0
	}
	if rate > 1 {
		rate = 1
	}
	n.lossRate = rate
	n.rng = rand.New(rand.NewSource(seed))
}

// SetOnline marks an endpoint reachable or unreachable.
func (n *MemoryNetwork) SetOnline(id uint32, online bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if online {
		delete(n.offline, id)
		return
	}
	n.offline[id] = true
}

// route queues a datagram at the destination endpoint.
func (n *MemoryNetwork) route(from, to uint32, data []byte, lossy bool) error {
	n.mu.Lock()
	dst, ok := n.endpoints[to]
	if !ok || n.offline[to] || n.offline[from] {
		n.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrPeerUnreachable, to)
	}
	drop := lossy && n.lossRate > 0 && n.rng.Float64() < n.lossRate
	n.mu.Unlock()

	if drop {
		logrus.WithFields(logrus.Fields{
			"function": "MemoryNetwork.route",
			"from":     from,
			"to":       to,
			"size":     len(data),
		}).Debug("Dropping lossy datagram")
		return nil
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	dst.enqueue(from, buf)
	return nil
}

// inboundDatagram is a queued datagram awaiting dispatch.
type inboundDatagram struct {
	from uint32
	data []byte
}

// MemoryTransport is one endpoint of a MemoryNetwork. It satisfies the
// PeerTransport interface.
type MemoryTransport struct {
	id      uint32
	network *MemoryNetwork

	mu       sync.Mutex
	handlers handlerTable
	inbox    deque.Deque[inboundDatagram]
	closed   bool
}

// ID returns the peer id of this endpoint.
func (t *MemoryTransport) ID() uint32 {
	return t.id
}

// RegisterHandler registers a handler for a packet id from any peer.
func (t *MemoryTransport) RegisterHandler(tag byte, handler PeerHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers.register(tag, handler)
}

// RegisterPeerHandler registers a handler for a packet id from one peer.
func (t *MemoryTransport) RegisterPeerHandler(peer uint32, tag byte, handler PeerHandler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handlers.registerPeer(peer, tag, handler)
}

// UnregisterPeerHandler removes a per-peer handler.
func (t *MemoryTransport) UnregisterPeerHandler(peer uint32, tag byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers.unregisterPeer(peer, tag)
}

// SendLossy sends an unreliable datagram to a peer.
func (t *MemoryTransport) SendLossy(peer uint32, data []byte) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if err := limits.ValidateLossyPacket(data); err != nil {
		return fmt.Errorf("%w: %v", ErrPacketTooLarge, err)
	}
	return t.network.route(t.id, peer, data, true)
}

// SendLossless sends a datagram on the reliable path. It is never dropped by
// the loss model.
func (t *MemoryTransport) SendLossless(peer uint32, data []byte) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if err := limits.ValidateLosslessPacket(data); err != nil {
		return fmt.Errorf("%w: %v", ErrPacketTooLarge, err)
	}
	return t.network.route(t.id, peer, data, false)
}

// Pending returns the number of queued inbound datagrams.
func (t *MemoryTransport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inbox.Len()
}

// Iterate dispatches every datagram queued so far and returns how many were
// handled. Datagrams queued by handlers during this call wait for the next
// Iterate.
func (t *MemoryTransport) Iterate() int {
	t.mu.Lock()
	batch := make([]inboundDatagram, 0, t.inbox.Len())
	for t.inbox.Len() > 0 {
		batch = append(batch, t.inbox.PopFront())
	}
	t.mu.Unlock()

	for _, dg := range batch {
		t.dispatch(dg)
	}
	return len(batch)
}

// Close stops the endpoint; queued datagrams are discarded.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.inbox.Clear()
	return nil
}

func (t *MemoryTransport) checkOpen() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	return nil
}

func (t *MemoryTransport) enqueue(from uint32, data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.inbox.PushBack(inboundDatagram{from: from, data: data})
}

func (t *MemoryTransport) dispatch(dg inboundDatagram) {
	tag, err := PacketID(dg.data)
	if err != nil {
		return
	}

	t.mu.Lock()
	handler, ok := t.handlers.lookup(dg.from, tag)
	t.mu.Unlock()

	if !ok {
		logrus.WithFields(logrus.Fields{
			"function":  "MemoryTransport.dispatch",
			"endpoint":  t.id,
			"from":      dg.from,
			"packet_id": tag,
		}).Debug("No handler for datagram")
		return
	}

	if err := handler(dg.from, dg.data); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "MemoryTransport.dispatch",
			"endpoint":  t.id,
			"from":      dg.from,
			"packet_id": tag,
			"error":     err.Error(),
		}).Debug("Handler rejected datagram")
	}
}
