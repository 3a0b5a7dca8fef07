package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/opd-ai/toxav/limits"
)

// UDPTransport carries peer datagrams over a UDP socket. Peers are bound to
// network addresses with AddPeer; datagrams from unknown addresses are
// discarded. It satisfies the PeerTransport interface.
type UDPTransport struct {
	conn       net.PacketConn
	listenAddr net.Addr

	mu         sync.RWMutex
	handlers   handlerTable
	peers      map[uint32]net.Addr
	addrToPeer map[string]uint32

	closed atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewUDPTransport creates a new UDP transport listener and starts its read loop.
func NewUDPTransport(listenAddr string) (*UDPTransport, error) {
	conn, err := net.ListenPacket("udp", listenAddr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	t := &UDPTransport{
		conn:       conn,
		listenAddr: conn.LocalAddr(),
		handlers:   newHandlerTable(),
		peers:      make(map[uint32]net.Addr),
		addrToPeer: make(map[string]uint32),
		ctx:        ctx,
		cancel:     cancel,
	}

	t.wg.Add(1)
	go t.processPackets()

	logrus.WithFields(logrus.Fields{
		"function":    "NewUDPTransport",
		"listen_addr": t.listenAddr.String(),
	}).Info("UDP peer transport listening")

	return t, nil
}

// LocalAddr returns the local address the transport is listening on.
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.listenAddr
}

// AddPeer binds a peer id to a network address, replacing any previous binding.
func (t *UDPTransport) AddPeer(peer uint32, addr net.Addr) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.peers[peer]; ok {
		delete(t.addrToPeer, old.String())
	}
	t.peers[peer] = addr
	t.addrToPeer[addr.String()] = peer
}

// RemovePeer forgets a peer binding.
func (t *UDPTransport) RemovePeer(peer uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if addr, ok := t.peers[peer]; ok {
		delete(t.addrToPeer, addr.String())
		delete(t.peers, peer)
	}
}

// RegisterHandler registers a handler for a packet id from any peer.
func (t *UDPTransport) RegisterHandler(tag byte, handler PeerHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers.register(tag, handler)
}

// RegisterPeerHandler registers a handler for a packet id from one peer.
func (t *UDPTransport) RegisterPeerHandler(peer uint32, tag byte, handler PeerHandler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handlers.registerPeer(peer, tag, handler)
}

// UnregisterPeerHandler removes a per-peer handler.
func (t *UDPTransport) UnregisterPeerHandler(peer uint32, tag byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers.unregisterPeer(peer, tag)
}

// SendLossy sends an unreliable datagram to a peer.
func (t *UDPTransport) SendLossy(peer uint32, data []byte) error {
	if err := limits.ValidateLossyPacket(data); err != nil {
		return fmt.Errorf("%w: %v", ErrPacketTooLarge, err)
	}
	return t.send(peer, data)
}

// SendLossless sends a signaling datagram. UDP offers no delivery guarantee,
// so this is best effort.
func (t *UDPTransport) SendLossless(peer uint32, data []byte) error {
	if err := limits.ValidateLosslessPacket(data); err != nil {
		return fmt.Errorf("%w: %v", ErrPacketTooLarge, err)
	}
	return t.send(peer, data)
}

func (t *UDPTransport) send(peer uint32, data []byte) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}

	t.mu.RLock()
	addr, ok := t.peers[peer]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrPeerUnreachable, peer)
	}

	_, err := t.conn.WriteTo(data, addr)
	return err
}

// Close shuts down the transport and waits for the read loop to exit.
func (t *UDPTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.cancel()
	err := t.conn.Close()
	t.wg.Wait()
	return err
}

// processPackets handles incoming datagrams until the transport is closed.
func (t *UDPTransport) processPackets() {
	defer t.wg.Done()
	buffer := make([]byte, 2048)

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
			t.processIncomingPacket(buffer)
		}
	}
}

// processIncomingPacket reads and dispatches a single datagram.
func (t *UDPTransport) processIncomingPacket(buffer []byte) {
	_ = t.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

	n, addr, err := t.conn.ReadFrom(buffer)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		if !t.closed.Load() {
			logrus.WithFields(logrus.Fields{
				"function": "UDPTransport.processIncomingPacket",
				"error":    err.Error(),
			}).Warn("UDP read failed")
		}
		return
	}

	data := make([]byte, n)
	copy(data, buffer[:n])
	t.dispatch(addr, data)
}

// dispatch resolves the sending peer and runs the matching handler inline.
// Running inline keeps datagrams of one peer in arrival order.
func (t *UDPTransport) dispatch(addr net.Addr, data []byte) {
	tag, err := PacketID(data)
	if err != nil {
		return
	}

	t.mu.RLock()
	peer, known := t.addrToPeer[addr.String()]
	var handler PeerHandler
	var ok bool
	if known {
		handler, ok = t.handlers.lookup(peer, tag)
	}
	t.mu.RUnlock()

	if !known {
		logrus.WithFields(logrus.Fields{
			"function":    "UDPTransport.dispatch",
			"remote_addr": addr.String(),
		}).Debug("Datagram from unknown address")
		return
	}
	if !ok {
		return
	}

	if err := handler(peer, data); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "UDPTransport.dispatch",
			"peer":      peer,
			"packet_id": tag,
			"error":     err.Error(),
		}).Debug("Handler rejected datagram")
	}
}
