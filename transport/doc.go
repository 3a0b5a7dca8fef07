// Package transport provides the peer datagram transports used by the toxav
// call subsystem.
//
// # Architecture
//
// Calls are addressed by peer id, not by network address. The core
// abstraction is the PeerTransport interface:
//
//	type PeerTransport interface {
//	    RegisterHandler(tag byte, handler PeerHandler)
//	    RegisterPeerHandler(peer uint32, tag byte, handler PeerHandler) error
//	    UnregisterPeerHandler(peer uint32, tag byte)
//	    SendLossy(peer uint32, data []byte) error
//	    SendLossless(peer uint32, data []byte) error
//	}
//
// Every datagram starts with a one-byte packet id (the "type tag"). Inbound
// datagrams are demultiplexed by (peer, tag): a handler registered for that
// exact peer wins, otherwise the peer-independent handler for the tag is
// used. Handlers receive the full datagram, tag included.
//
// # Implementations
//
// Memory transport (tests and the loopback demo):
//
//	network := transport.NewMemoryNetwork()
//	alice := network.Endpoint(1)
//	bob := network.Endpoint(2)
//	alice.SendLossy(2, data)
//	bob.Iterate() // dispatch queued datagrams
//
// Delivery is cooperative: datagrams are queued at the receiving endpoint and
// only dispatched from Iterate, so handlers never run inside a sender's call
// stack. Loss can be injected with SetLossRate.
//
// UDP transport:
//
//	t, err := transport.NewUDPTransport("127.0.0.1:0")
//	t.AddPeer(2, remoteAddr)
//
// The UDP transport performs no retransmission; SendLossless is best effort.
// Reliability and encryption are properties of the surrounding Tox
// transport and are not provided here.
package transport
